package arbitration

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/validation"
)

// Handler provides the admin-only arbitration endpoints.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a new arbitration handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes mounts everything under /arbitration. The group must
// already require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/arbitration", auth.RequireAdmin())
	ids := validation.IDParamMiddleware("id")

	g.GET("/admins", h.ListAdmins)
	g.PUT("/admins/:id", ids, h.SaveAdmin)
	g.GET("/admins/:id/actions", ids, h.ListAdminActions)
	g.GET("/workload", h.Workload)
	g.POST("/auto-assign", h.AutoAssign)

	d := g.Group("/disputes/:id", ids)
	d.GET("/actions", h.ListActions)
	d.POST("/assign", h.Assign)
	d.POST("/reassign", h.Reassign)
	d.POST("/investigate", h.Investigate)
	d.POST("/request-response", h.RequestResponse)
	d.POST("/request-evidence", h.RequestEvidence)
	d.POST("/hearing", h.ScheduleHearing)
	d.POST("/evidence/:evidenceId/verify", validation.IDParamMiddleware("evidenceId"), h.VerifyEvidence)
	d.POST("/resolve", h.Resolve)
	d.POST("/escalate", h.Escalate)
	d.POST("/close", h.Close)
	d.POST("/notes", h.AddNote)
}

// StatusCode maps coordinator errors, falling back to the engine mapping.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrAdminNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAdminInactive), errors.Is(err, ErrAdminOverloaded),
		errors.Is(err, ErrTierTooLow), errors.Is(err, ErrNoAdminFree):
		return http.StatusConflict
	}
	return escrow.StatusCode(err)
}

func writeError(c *gin.Context, err error) {
	code := ""
	switch {
	case errors.Is(err, ErrAdminNotFound):
		code = "admin_not_found"
	case errors.Is(err, ErrAdminInactive):
		code = "admin_inactive"
	case errors.Is(err, ErrAdminOverloaded):
		code = "admin_overloaded"
	case errors.Is(err, ErrTierTooLow):
		code = "tier_too_low"
	case errors.Is(err, ErrNoAdminFree):
		code = "no_admin_free"
	default:
		escrow.WriteError(c, err)
		return
	}
	c.JSON(StatusCode(err), gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

// SaveAdminRequest registers or updates an admin.
type SaveAdminRequest struct {
	Name            string   `json:"name" binding:"required"`
	Specializations []string `json:"specializations"`
	Tier            int      `json:"tier"`
	MaxActive       int      `json:"maxActive"`
	Active          *bool    `json:"active"`
}

// SaveAdmin handles PUT /v1/arbitration/admins/:id
func (h *Handler) SaveAdmin(c *gin.Context) {
	var req SaveAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Name is required")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	admin, err := h.coord.SaveAdmin(c.Request.Context(), &Admin{
		ID:              c.Param("id"),
		Name:            req.Name,
		Specializations: req.Specializations,
		Tier:            req.Tier,
		MaxActive:       req.MaxActive,
		Active:          active,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": admin})
}

// ListAdmins handles GET /v1/arbitration/admins
func (h *Handler) ListAdmins(c *gin.Context) {
	admins, err := h.coord.ListAdmins(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	if admins == nil {
		admins = []*Admin{}
	}
	c.JSON(http.StatusOK, gin.H{"admins": admins, "count": len(admins)})
}

// ListAdminActions handles GET /v1/arbitration/admins/:id/actions
func (h *Handler) ListAdminActions(c *gin.Context) {
	actions, err := h.coord.ListAdminActions(c.Request.Context(), c.Param("id"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	if actions == nil {
		actions = []*Action{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions, "count": len(actions)})
}

// Workload handles GET /v1/arbitration/workload
func (h *Handler) Workload(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workload": h.coord.Workload().Snapshot()})
}

// AutoAssign handles POST /v1/arbitration/auto-assign
func (h *Handler) AutoAssign(c *gin.Context) {
	n, err := h.coord.AutoAssign(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": n})
}

// ListActions handles GET /v1/arbitration/disputes/:id/actions
func (h *Handler) ListActions(c *gin.Context) {
	actions, err := h.coord.ListActions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if actions == nil {
		actions = []*Action{}
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions, "count": len(actions)})
}

type assignRequest struct {
	AdminID string `json:"adminId" binding:"required"`
}

// Assign handles POST /v1/arbitration/disputes/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "adminId is required")
		return
	}
	d, err := h.coord.Assign(c.Request.Context(), c.Param("id"), req.AdminID, auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Reassign handles POST /v1/arbitration/disputes/:id/reassign
func (h *Handler) Reassign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "adminId is required")
		return
	}
	d, err := h.coord.Reassign(c.Request.Context(), c.Param("id"), req.AdminID, auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Investigate handles POST /v1/arbitration/disputes/:id/investigate
func (h *Handler) Investigate(c *gin.Context) {
	d, err := h.coord.Investigate(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type messageRequest struct {
	Message string `json:"message"`
}

// RequestResponse handles POST /v1/arbitration/disputes/:id/request-response
func (h *Handler) RequestResponse(c *gin.Context) {
	var req messageRequest
	// The message is optional, so an empty body is fine.
	_ = c.ShouldBindJSON(&req)
	d, err := h.coord.RequestResponse(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type evidenceRequest struct {
	From    escrow.PartyRole `json:"from" binding:"required"`
	Message string           `json:"message"`
}

// RequestEvidence handles POST /v1/arbitration/disputes/:id/request-evidence
func (h *Handler) RequestEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "from is required")
		return
	}
	msg, err := h.coord.RequestEvidence(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.From, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

type hearingRequest struct {
	At   time.Time `json:"at" binding:"required"`
	Note string    `json:"note"`
}

// ScheduleHearing handles POST /v1/arbitration/disputes/:id/hearing
func (h *Handler) ScheduleHearing(c *gin.Context) {
	var req hearingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "at must be an RFC 3339 timestamp")
		return
	}
	msg, err := h.coord.ScheduleHearing(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.At, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// VerifyEvidence handles POST /v1/arbitration/disputes/:id/evidence/:evidenceId/verify
func (h *Handler) VerifyEvidence(c *gin.Context) {
	ev, err := h.coord.VerifyEvidence(c.Request.Context(), c.Param("id"), auth.GetUserID(c), c.Param("evidenceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": ev})
}

// Resolve handles POST /v1/arbitration/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req escrow.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "decision and reasoning are required")
		return
	}
	d, err := h.coord.Resolve(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type escalateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Escalate handles POST /v1/arbitration/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Reason is required")
		return
	}
	d, err := h.coord.Escalate(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Close handles POST /v1/arbitration/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	d, err := h.coord.Close(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type notesRequest struct {
	Notes map[string]string `json:"notes" binding:"required"`
}

// AddNote handles POST /v1/arbitration/disputes/:id/notes
func (h *Handler) AddNote(c *gin.Context) {
	var req notesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "notes are required")
		return
	}
	if err := h.coord.AddNote(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.Notes); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recorded": true})
}
