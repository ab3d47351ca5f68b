package escrow

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/pagination"
	"github.com/mbd888/tradeguard/internal/riskscore"
	"github.com/mbd888/tradeguard/internal/validation"
)

// Handler provides HTTP endpoints for trade and dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade and dispute routes. The group must already
// require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id")

	r.POST("/trades", h.CreateTrade)
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", ids, h.GetTrade)
	r.POST("/trades/:id/fund", ids, h.FundTrade)
	r.POST("/trades/:id/confirm", ids, h.ConfirmTrade)
	r.POST("/trades/:id/cancel", ids, h.CancelTrade)
	r.POST("/trades/:id/dispute", ids, h.OpenDispute)
	r.POST("/trades/:id/retry-settlement", ids, auth.RequireAdmin(), h.RetrySettlement)

	r.GET("/disputes", auth.RequireAdmin(), h.ListDisputes)
	r.GET("/disputes/:id", ids, h.GetDispute)
	r.POST("/disputes/:id/evidence", ids, h.SubmitEvidence)
	r.POST("/disputes/:id/messages", ids, h.PostMessage)
	r.POST("/disputes/:id/escalate", ids, h.Escalate)
	r.POST("/disputes/:id/withdraw", ids, h.Withdraw)
}

// ActorFrom builds the engine actor from the authenticated request.
func ActorFrom(c *gin.Context) Actor {
	return Actor{ID: auth.GetUserID(c), Admin: auth.IsAdmin(c)}
}

// StatusCode maps engine errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrTradeNotFound), errors.Is(err, ErrDisputeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotAssigned):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyFunded),
		errors.Is(err, ErrAlreadyAssigned), errors.Is(err, ErrClosed),
		errors.Is(err, ErrDeadlineExpired), errors.Is(err, ErrEvidenceIncomplete),
		errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrCustodyFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteError renders an engine error. State-machine rejections include the
// current status and the legal next actions.
func WriteError(c *gin.Context, err error) {
	status := StatusCode(err)
	body := gin.H{"error": Code(err), "message": err.Error()}
	if status == http.StatusInternalServerError {
		body["message"] = "Internal error"
	}
	var e *Error
	if errors.As(err, &e) {
		body["status"] = e.Status
		body["nextActions"] = e.NextActions
	}
	c.JSON(status, body)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The caller must be one side of the trade unless they are an admin.
	actor := ActorFrom(c)
	if !actor.Admin && actor.ID != req.BuyerID && actor.ID != req.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the buyer or the seller",
		})
		return
	}

	trade, err := h.service.CreateTrade(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": trade})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	trade, err := h.service.GetTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	actor := ActorFrom(c)
	if _, ok := trade.RoleOf(actor.ID); !ok && !actor.Admin {
		// Same answer as a missing trade, so IDs can't be probed.
		WriteError(c, ErrTradeNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trade":       trade,
		"nextActions": NextTradeActions(trade),
	})
}

// ListTrades handles GET /v1/trades. Users see their own trades; admins
// may filter by ?party=.
func (h *Handler) ListTrades(c *gin.Context) {
	actor := ActorFrom(c)
	filter := TradeFilter{
		PartyID: actor.ID,
		Status:  TradeStatus(strings.ToUpper(c.Query("status"))),
		Limit:   pagination.ParseLimit(c.Query("limit")),
	}
	if actor.Admin {
		filter.PartyID = c.Query("party")
	}

	trades, err := h.service.ListTrades(c.Request.Context(), filter)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// FundTrade handles POST /v1/trades/:id/fund
func (h *Handler) FundTrade(c *gin.Context) {
	trade, err := h.service.Fund(c.Request.Context(), c.Param("id"), ActorFrom(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ConfirmTrade handles POST /v1/trades/:id/confirm
func (h *Handler) ConfirmTrade(c *gin.Context) {
	trade, err := h.service.Confirm(c.Request.Context(), c.Param("id"), ActorFrom(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// CancelTrade handles POST /v1/trades/:id/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	trade, err := h.service.Cancel(c.Request.Context(), c.Param("id"), ActorFrom(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// RetrySettlement handles POST /v1/trades/:id/retry-settlement
func (h *Handler) RetrySettlement(c *gin.Context) {
	trade, err := h.service.RetrySettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// OpenDisputeRequest is the body of POST /v1/trades/:id/dispute
type OpenDisputeRequest struct {
	Category    Category `json:"category" binding:"required"`
	Description string   `json:"description" binding:"required"`
}

// OpenDispute handles POST /v1/trades/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "category and description are required",
		})
		return
	}

	actor := ActorFrom(c)
	dispute, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), actor, req.Category, req.Description)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute.VisibleTo(actor)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.ViewDispute(c.Request.Context(), c.Param("id"), ActorFrom(c))
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			err = ErrDisputeNotFound
		}
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dispute":     dispute,
		"nextActions": NextDisputeActions(dispute),
	})
}

// ListDisputes handles GET /v1/disputes (admin). Supports ?status= (comma
// separated), ?category=, ?priority=, ?admin=, ?unassigned=true, ?trade=,
// ?cursor= and ?limit=.
func (h *Handler) ListDisputes(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	limit := pagination.ParseLimit(c.Query("limit"))
	filter := DisputeFilter{
		Category:        Category(strings.ToUpper(c.Query("category"))),
		Priority:        riskscore.Priority(strings.ToUpper(c.Query("priority"))),
		AssignedAdminID: c.Query("admin"),
		Unassigned:      c.Query("unassigned") == "true",
		TradeID:         c.Query("trade"),
		Cursor:          cursor,
		Limit:           limit + 1,
	}
	if s := c.Query("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, DisputeStatus(strings.ToUpper(strings.TrimSpace(part))))
		}
	}

	disputes, err := h.service.ListDisputes(c.Request.Context(), filter)
	if err != nil {
		WriteError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(disputes, limit, func(d *Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"disputes":   page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Evidence type is required",
		})
		return
	}

	ev, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), ActorFrom(c), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

// MessageRequest is the body of POST /v1/disputes/:id/messages
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
	Private bool   `json:"private"`
}

// PostMessage handles POST /v1/disputes/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Content is required",
		})
		return
	}

	msg, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), ActorFrom(c), req.Content, req.Private)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// EscalateRequest is the body of POST /v1/disputes/:id/escalate
type EscalateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Escalate handles POST /v1/disputes/:id/escalate for parties. Admins
// escalate through the arbitration routes so the action is audited.
func (h *Handler) Escalate(c *gin.Context) {
	var req EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	actor := ActorFrom(c)
	dispute, err := h.service.Escalate(c.Request.Context(), c.Param("id"), actor, req.Reason)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute.VisibleTo(actor)})
}

// Withdraw handles POST /v1/disputes/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	actor := ActorFrom(c)
	dispute, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute.VisibleTo(actor)})
}
