package escrow

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kustodia/escrowd/internal/access"
	"github.com/kustodia/escrowd/internal/auth"
	"github.com/kustodia/escrowd/internal/custody"
	"github.com/kustodia/escrowd/internal/eventlog"
	"github.com/kustodia/escrowd/internal/pagination"
	"github.com/kustodia/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. All routes require an authenticated
// caller; mutations additionally go through the pause and role gates.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/next-id", h.NextID)
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/events", h.ListEvents)
	r.GET("/custody", h.CustodyBalances)

	byID := r.Group("/escrows/:id", validation.IDParamMiddleware())
	byID.GET("", h.GetEscrow)
	byID.GET("/events", h.EscrowEvents)
	byID.POST("/fund", h.Fund)
	byID.POST("/release", h.Release)
	byID.POST("/dispute", h.Dispute)
	byID.POST("/resolve", h.Resolve)
	byID.POST("/dismiss", h.Dismiss)
	byID.POST("/cancel", h.Cancel)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, 0, access.ActionCreate, "payer, payee, asset, amount and deadline are required")
		return
	}

	// Field checks happen in the service, after the pause and role gates.
	rec, err := h.service.Create(c.Request.Context(), auth.GetIdentity(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), paramID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListEscrows handles GET /v1/escrows?status=funded
func (h *Handler) ListEscrows(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusPending)))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be one of pending, funded, disputed, released, cancelled, resolved_for_payee, resolved_for_payer",
		})
		return
	}
	limit := pagination.Limit(c.Query("limit"))

	recs, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{"escrows": recs, "count": len(recs)})
}

// NextID handles GET /v1/escrows/next-id
func (h *Handler) NextID(c *gin.Context) {
	id, err := h.service.NextID(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextId": id})
}

// Fund handles POST /v1/escrows/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	h.respond(c)(h.service.Fund(c.Request.Context(), auth.GetIdentity(c), paramID(c)))
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.respond(c)(h.service.Release(c.Request.Context(), auth.GetIdentity(c), paramID(c)))
}

// DisputeRequest is the body of POST /v1/escrows/:id/dispute
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	// The body is optional; an empty one means no reason.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, paramID(c), access.ActionDispute, "reason must be a string")
		return
	}
	h.respond(c)(h.service.Dispute(c.Request.Context(), auth.GetIdentity(c), paramID(c), req.Reason))
}

// ResolveRequest is the body of POST /v1/escrows/:id/resolve
type ResolveRequest struct {
	FavorPayee *bool `json:"favorPayee" binding:"required"`
}

// Resolve handles POST /v1/escrows/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, paramID(c), access.ActionResolve, "favorPayee is required")
		return
	}
	h.respond(c)(h.service.ResolveDispute(c.Request.Context(), auth.GetIdentity(c), paramID(c), *req.FavorPayee))
}

// Dismiss handles POST /v1/escrows/:id/dismiss
func (h *Handler) Dismiss(c *gin.Context) {
	h.respond(c)(h.service.DismissDispute(c.Request.Context(), auth.GetIdentity(c), paramID(c)))
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.respond(c)(h.service.Cancel(c.Request.Context(), auth.GetIdentity(c), paramID(c)))
}

// EscrowEvents handles GET /v1/escrows/:id/events
func (h *Handler) EscrowEvents(c *gin.Context) {
	events, err := h.service.EventsForEscrow(c.Request.Context(), paramID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*eventlog.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ListEvents handles GET /v1/events?after=N&limit=M
func (h *Handler) ListEvents(c *gin.Context) {
	after := pagination.After(c.Query("after"))
	limit := pagination.Limit(c.Query("limit"))

	events, err := h.service.Events(c.Request.Context(), after, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	events, next, hasMore := pagination.ComputePage(events, limit, func(e *eventlog.Event) int64 { return e.Seq })
	if events == nil {
		events = []*eventlog.Event{}
	}
	resp := gin.H{"events": events, "count": len(events), "hasMore": hasMore}
	if hasMore {
		resp["nextAfter"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// CustodyBalances handles GET /v1/custody
func (h *Handler) CustodyBalances(c *gin.Context) {
	assets, err := h.service.Custody(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if assets == nil {
		assets = []AssetCustody{}
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

// badRequest reports a malformed body, but only to a caller who would have
// passed the pause and role gates; everyone else gets the gate's error.
func (h *Handler) badRequest(c *gin.Context, id uint64, action access.Action, msg string) {
	if err := h.service.Admit(c.Request.Context(), auth.GetIdentity(c), id, action); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func (h *Handler) respond(c *gin.Context) func(*Record, error) {
	return func(rec *Record, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": rec})
	}
}

// paramID reads :id; IDParamMiddleware has already validated it.
func paramID(c *gin.Context) uint64 {
	id, _ := strconv.ParseUint(c.Param("id"), 10, 64)
	return id
}

// writeError maps engine errors to HTTP responses. Order matters: the most
// specific errors wrap more general ones.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrPaused):
		status, code = http.StatusServiceUnavailable, "paused"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrTransferPending):
		status, code = http.StatusConflict, "transfer_pending"
	case errors.Is(err, ErrTransitionInFlight):
		status, code = http.StatusConflict, "transition_in_flight"
	case errors.Is(err, ErrAlreadyDisputed):
		status, code = http.StatusConflict, "already_disputed"
	case errors.Is(err, ErrNoOpenDispute):
		status, code = http.StatusConflict, "no_open_dispute"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrDeadlineExpired):
		status, code = http.StatusUnprocessableEntity, "deadline_expired"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidAddress):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrInvalidDeadline):
		status, code = http.StatusBadRequest, "invalid_deadline"
	case errors.Is(err, ErrInvalidMetadata):
		status, code = http.StatusBadRequest, "invalid_metadata"
	case errors.Is(err, ErrCustodyTransferFailed):
		status, code = http.StatusBadGateway, "custody_transfer_failed"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if errors.Is(err, custody.ErrInsufficientCustody) {
		msg = "custody balance does not cover this payout"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
