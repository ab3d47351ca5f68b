package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/escrow"
	"github.com/mbd888/tradeguard/internal/idgen"
	"github.com/mbd888/tradeguard/internal/security"
	"github.com/mbd888/tradeguard/internal/validation"
)

// Topics lists what a subscription may listen on.
var Topics = []escrow.EventType{
	escrow.EventTradeStatusChanged,
	escrow.EventTradeStuck,
	escrow.EventDisputeOpened,
	escrow.EventDisputeStatusChanged,
	escrow.EventDisputeAssigned,
	escrow.EventDisputeResolved,
	escrow.EventDisputeEscalated,
	escrow.EventDisputeOverdue,
	escrow.EventEvidenceClosed,
}

func validTopic(t string) bool {
	if t == AllTopics {
		return true
	}
	for _, known := range Topics {
		if string(known) == t {
			return true
		}
	}
	return false
}

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store Store
	urls  *security.EndpointValidator
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store, urls: security.NewEndpointValidator()}
}

// WithURLValidator replaces the callback URL check.
func (h *Handler) WithURLValidator(v *security.EndpointValidator) *Handler {
	h.urls = v
	return h
}

// RegisterRoutes sets up webhook routes. The group must already require
// authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", validation.IDParamMiddleware("id"), h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Topics []string `json:"topics" binding:"required"`
	// Platform creates an owner-less subscription that sees every event.
	// Admin only.
	Platform bool `json:"platform"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and topics are required",
		})
		return
	}

	if err := h.urls.Validate(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}
	if len(req.Topics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "at least one topic is required",
		})
		return
	}
	for _, t := range req.Topics {
		if !validTopic(t) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_topic",
				"message": "unknown topic " + t,
			})
			return
		}
	}

	owner := auth.GetUserID(c)
	if req.Platform {
		if !auth.IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Only admins can create platform webhooks",
			})
			return
		}
		owner = ""
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		OwnerID:   owner,
		URL:       req.URL,
		Secret:    secret,
		Topics:    req.Topics,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "sha256=HMAC-SHA256(body, secret) as hex",
			"header":    HeaderSignature,
			"delivery":  HeaderDelivery,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	owner := auth.GetUserID(c)
	if auth.IsAdmin(c) && c.Query("platform") == "true" {
		owner = ""
	}
	subs, err := h.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("id"))
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}
	if sub.OwnerID != auth.GetUserID(c) && !auth.IsAdmin(c) {
		// Same answer as a missing webhook so IDs cannot be probed.
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}

	if err := h.store.Delete(ctx, sub.ID); err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
