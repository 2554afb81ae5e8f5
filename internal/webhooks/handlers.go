package webhooks

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/notify"
	"github.com/mbd888/bookit/internal/validation"
)

var knownEvents = map[notify.Type]bool{
	notify.BookingCreated:    true,
	notify.BookingAccepted:   true,
	notify.BookingRejected:   true,
	notify.BookingStarted:    true,
	notify.BookingCompleted:  true,
	notify.BookingCancelled:  true,
	notify.CompletionMarked:  true,
	notify.PaymentHeld:       true,
	notify.PaymentReleased:   true,
	notify.PaymentRefunded:   true,
	notify.PaymentSplit:      true,
	notify.DisputeOpened:     true,
	notify.DisputeInReview:   true,
	notify.DisputeResolved:   true,
	notify.DisputeClosed:     true,
	notify.ReferralRewarded:  true,
	notify.WithdrawalUpdated: true,
}

// URLValidator rejects endpoints the server must not call.
type URLValidator func(ctx context.Context, rawURL string) error

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store       Store
	validateURL URLValidator
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, validateURL URLValidator) *Handler {
	return &Handler{store: store, validateURL: validateURL}
}

// RegisterProtectedRoutes sets up webhook routes for signed-in users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string        `json:"url" binding:"required"`
	Events []notify.Type `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	for _, e := range req.Events {
		if !knownEvents[e] {
			apperr.Respond(c, ErrUnknownEvent)
			return
		}
	}
	if errs := validation.Validate(validation.MaxLength("url", req.URL, 2048)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	ctx := c.Request.Context()
	if err := h.validateURL(ctx, req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	p, _ := auth.GetPrincipal(c)
	existing, err := h.store.ListByUser(ctx, p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if len(existing) >= MaxPerUser {
		apperr.Respond(c, ErrTooManyWebhooks)
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    p.UserID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once
		"usage": gin.H{
			"signature": "hex HMAC-SHA256 of the raw body keyed with the secret",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	subs, err := h.store.ListByUser(c.Request.Context(), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
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
	p, _ := auth.GetPrincipal(c)
	sub, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if sub.UserID != p.UserID {
		apperr.Respond(c, ErrWebhookNotFound)
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
