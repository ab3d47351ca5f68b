package identity

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/validation"
)

// Handler provides HTTP endpoints for user profiles
type Handler struct {
	dir   *Directory
	store Store
	now   func() time.Time
}

// NewHandler creates a new profile handler
func NewHandler(dir *Directory, store Store) *Handler {
	return &Handler{dir: dir, store: store, now: time.Now}
}

// RegisterRoutes sets up profile routes. The group must already require
// authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/profile", validation.IDParamMiddleware("id"), h.GetProfile)
	r.PUT("/users/:id/profile", validation.IDParamMiddleware("id"), auth.RequireAdmin(), h.PutProfile)
}

// GetProfile handles GET /v1/users/:id/profile. Users see their own
// profile; admins see any.
func (h *Handler) GetProfile(c *gin.Context) {
	userID := c.Param("id")
	if userID != auth.GetUserID(c) && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You can only view your own profile",
		})
		return
	}
	p, err := h.dir.Profile(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// PutProfileRequest sets the admin-controlled fields of a profile.
type PutProfileRequest struct {
	TrustScore *float64 `json:"trustScore" binding:"required"`
	Verified   bool     `json:"verified"`
}

// PutProfile handles PUT /v1/users/:id/profile (admin only)
func (h *Handler) PutProfile(c *gin.Context) {
	var req PutProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "trustScore is required",
		})
		return
	}

	ctx := c.Request.Context()
	p, err := h.dir.Profile(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load profile",
		})
		return
	}
	p.TrustScore = *req.TrustScore
	p.Verified = req.Verified
	p.UpdatedAt = h.now().UTC()

	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_profile",
			"message": err.Error(),
		})
		return
	}
	if err := h.store.Upsert(ctx, p); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidProfile) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":   "update_failed",
			"message": "Failed to save profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}
