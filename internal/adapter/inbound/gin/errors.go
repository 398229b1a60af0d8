package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaultpay/server/internal/domain/intent"
	"github.com/vaultpay/server/internal/mirror"
	"github.com/vaultpay/server/internal/provider"
	"github.com/vaultpay/server/internal/shared/response"
)

// errorMappings maps domain and gateway errors to HTTP responses.
// Order matters: the first match wins.
var errorMappings = []response.ErrorMapping{
	{Err: intent.ErrIntentNotFound, Status: http.StatusNotFound, Code: "intent_not_found", Message: "Intent not found"},
	{Err: intent.ErrCustomerNotFound, Status: http.StatusNotFound, Code: "customer_not_found", Message: "Customer not found"},
	{Err: mirror.ErrNotFound, Status: http.StatusNotFound, Code: "not_found", Message: "Resource not found"},
	{Err: provider.ErrNotFound, Status: http.StatusNotFound, Code: "not_found", Message: "Resource not found"},
	{Err: intent.ErrInvalidAmount, Status: http.StatusBadRequest, Code: "invalid_amount", Message: "Amount must be a positive integer in minor units"},
	{Err: intent.ErrMissingCurrency, Status: http.StatusBadRequest, Code: "missing_currency", Message: "Currency is required"},
	{Err: intent.ErrRetryNotCharge, Status: http.StatusBadRequest, Code: "retry_not_charge", Message: "Only charge intents can be retried"},
	{Err: provider.ErrInvalidRequest, Status: http.StatusBadRequest, Code: "invalid_request", Message: "Request rejected by payment gateway"},
	{Err: intent.ErrIntentTerminal, Status: http.StatusConflict, Code: "intent_terminal", Message: "Intent is already in a terminal state"},
	{Err: provider.ErrRateLimited, Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Payment gateway rate limit exceeded, retry later"},
	{Err: provider.ErrUnavailable, Status: http.StatusServiceUnavailable, Code: "gateway_unavailable", Message: "Payment gateway temporarily unavailable, retry later"},
}

// handleError maps an error to the normalized envelope. Card-level
// failures report 402 with the classified decline reason.
func handleError(c *gin.Context, err error) {
	if cardErr, ok := provider.AsCardError(err); ok {
		response.PaymentRequired(c, cardErr.Reason, cardErr.Message)
		return
	}
	response.HandleErrorWithDefault(c, err, errorMappings)
}
