package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth introspection
type Handler struct {
	manager *Manager
	devMode bool
}

// NewHandler creates a new auth handler. devMode enables the unauthenticated
// token endpoint used by local demos.
func NewHandler(m *Manager, devMode bool) *Handler {
	return &Handler{manager: m, devMode: devMode}
}

// RegisterRoutes sets up auth routes. /auth/me needs the Middleware to have
// run; /auth/dev-token is only mounted in development.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireAuth(), h.Me)
	if h.devMode {
		r.POST("/auth/dev-token", h.DevToken)
	}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "jwt",
		"alg":    "HS256",
		"header": "Authorization: Bearer <jwt>",
		"claims": gin.H{"sub": "user id", "role": "user | admin"},
		"adminEndpoints": []string{
			"POST /v1/arbitration/disputes/:id/assign",
			"POST /v1/arbitration/disputes/:id/resolve",
			"POST /v1/arbitration/auto-assign",
			"GET /v1/arbitration/admins",
			"GET /v1/admin/tasks/stuck",
		},
	})
}

// Me returns the caller identity.
func (h *Handler) Me(c *gin.Context) {
	id, _ := GetIdentity(c)
	c.JSON(http.StatusOK, gin.H{"identity": id})
}

// DevTokenRequest is the request body for minting a development token
type DevTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   Role   `json:"role"`
}

// DevToken mints a token for any user. Development only.
func (h *Handler) DevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}
	if req.Role == "" {
		req.Role = RoleUser
	}

	token, err := h.manager.Issue(req.UserID, req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token": token,
		"identity": Identity{
			UserID: req.UserID,
			Role:   req.Role,
		},
	})
}
