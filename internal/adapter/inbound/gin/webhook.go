package gin

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/domain/reconcile"
	"github.com/vaultpay/server/internal/shared/response"
)

// webhookAdapter receives the provider's signed event feed.
type webhookAdapter struct {
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
}

// NewWebhookAdapter creates a new webhook HTTP adapter.
func NewWebhookAdapter(reconciler *reconcile.Reconciler, logger *zap.Logger) *webhookAdapter {
	return &webhookAdapter{reconciler: reconciler, logger: logger}
}

// RegisterWebhookRoutes registers the webhook endpoint. It lives
// outside the authenticated API group; the signature is the credential.
func RegisterWebhookRoutes(r *gin.RouterGroup, adapter *webhookAdapter) {
	r.POST("/webhooks/payment", adapter.Receive)
}

func (a *webhookAdapter) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.BadRequest(c, "failed to read request body")
		return
	}
	signature := c.GetHeader("Stripe-Signature")

	if err := a.reconciler.Handle(c.Request.Context(), body, signature); err != nil {
		if errors.Is(err, reconcile.ErrInvalidSignature) {
			response.Error(c, http.StatusBadRequest, "invalid_signature", "Webhook signature verification failed")
			return
		}
		// Non-acknowledged failures get a 5xx so the provider redelivers.
		a.logger.Error("webhook processing failed", zap.Error(err))
		response.InternalError(c, "Webhook processing failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
