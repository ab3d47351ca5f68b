package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeguard/internal/maintenance"
	"github.com/mbd888/tradeguard/internal/outbox"
	"github.com/mbd888/tradeguard/internal/scheduler"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	tasks       TaskAdmin
	outbox      OutboxAdmin
	maintenance MaintenanceAdmin
	tripped     func() []string
	now         func() time.Time
}

// NewHandler creates an admin handler. Unset services answer 503.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithTasks attaches the timer service.
func (h *Handler) WithTasks(t TaskAdmin) *Handler {
	h.tasks = t
	return h
}

// WithOutbox attaches the outbox store and relay.
func (h *Handler) WithOutbox(store outbox.Store, relay *outbox.Relay) *Handler {
	h.outbox = outboxAdmin{store: store, relay: relay}
	return h
}

// WithTrippedWebhooks reports webhook subscriptions whose circuit is open
// in the outbox view.
func (h *Handler) WithTrippedWebhooks(fn func() []string) *Handler {
	h.tripped = fn
	return h
}

// WithMaintenance attaches the maintenance runner.
func (h *Handler) WithMaintenance(m MaintenanceAdmin) *Handler {
	h.maintenance = m
	return h
}

// RegisterRoutes sets up admin routes. The group must already require the
// admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/tasks/stuck", h.listStuck)
	r.POST("/admin/tasks/requeue", h.requeueTask)
	r.GET("/admin/outbox", h.outboxStatus)
	r.POST("/admin/outbox/flush", h.flushOutbox)
	r.GET("/admin/maintenance", h.maintenanceStatus)
	r.POST("/admin/maintenance/:job", h.runMaintenance)
}

// listStuck returns timer tasks parked after exhausting their retries.
func (h *Handler) listStuck(c *gin.Context) {
	if h.tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	tasks, err := h.tasks.Stuck(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck tasks", "message": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// RequeueRequest names the stuck task to re-arm.
type RequeueRequest struct {
	EntityID string `json:"entityId" binding:"required,entityid"`
	Kind     string `json:"kind" binding:"required"`
}

// requeueTask resets a stuck task so the scheduler fires it again now.
func (h *Handler) requeueTask(c *gin.Context) {
	if h.tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not configured"})
		return
	}

	var req RequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "entityId and kind are required"})
		return
	}

	ctx := c.Request.Context()
	stuck, err := h.tasks.Stuck(ctx, 1000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck tasks", "message": err.Error()})
		return
	}
	found := false
	for _, t := range stuck {
		if t.EntityID == req.EntityID && string(t.Kind) == req.Kind {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No stuck task for that entity and kind"})
		return
	}

	if err := h.tasks.Schedule(ctx, req.EntityID, scheduler.Kind(req.Kind), h.now().UTC()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"requeued": true, "entityId": req.EntityID, "kind": req.Kind})
}

// outboxStatus reports how many notifications are undelivered.
func (h *Handler) outboxStatus(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox not configured"})
		return
	}

	n, err := h.outbox.Pending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count outbox", "message": err.Error()})
		return
	}
	st := OutboxStatus{Pending: n, CheckedAt: h.now().UTC()}
	if h.tripped != nil {
		st.TrippedWebhooks = h.tripped()
	}
	c.JSON(http.StatusOK, gin.H{"outbox": st})
}

// flushOutbox runs one relay pass immediately.
func (h *Handler) flushOutbox(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox not configured"})
		return
	}

	ctx := c.Request.Context()
	delivered, err := h.outbox.RunOnce(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush failed", "message": err.Error()})
		return
	}
	pending, err := h.outbox.Pending(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count outbox", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outbox": OutboxStatus{Pending: pending, Delivered: delivered, CheckedAt: h.now().UTC()}})
}

func (h *Handler) maintenanceStatus(c *gin.Context) {
	if h.maintenance == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "maintenance not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.maintenance.LastRuns()})
}

// runMaintenance runs one maintenance job synchronously.
func (h *Handler) runMaintenance(c *gin.Context) {
	if h.maintenance == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "maintenance not configured"})
		return
	}

	job := c.Param("job")
	if err := h.maintenance.RunJob(c.Request.Context(), job); err != nil {
		if errors.Is(err, maintenance.ErrUnknownJob) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown maintenance job"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "run": h.maintenance.LastRuns()[job]})
}

type outboxAdmin struct {
	store outbox.Store
	relay *outbox.Relay
}

func (o outboxAdmin) Pending(ctx context.Context) (int, error) { return o.store.Pending(ctx) }

func (o outboxAdmin) RunOnce(ctx context.Context) (int, error) { return o.relay.RunOnce(ctx) }
