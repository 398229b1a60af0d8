package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/domain/intent"
	"github.com/vaultpay/server/internal/shared/response"
)

// intentAdapter exposes the intent lifecycle over HTTP.
type intentAdapter struct {
	orchestrator *intent.Orchestrator
	coordinator  *intent.Coordinator
	logger       *zap.Logger
}

// NewIntentAdapter creates a new intent HTTP adapter.
func NewIntentAdapter(orchestrator *intent.Orchestrator, coordinator *intent.Coordinator, logger *zap.Logger) *intentAdapter {
	return &intentAdapter{orchestrator: orchestrator, coordinator: coordinator, logger: logger}
}

// RegisterIntentRoutes registers intent routes.
func RegisterIntentRoutes(r *gin.RouterGroup, adapter *intentAdapter) {
	intents := r.Group("/intents")
	{
		intents.POST("/save", adapter.CreateSave)
		intents.POST("/charge", adapter.CreateCharge)
		intents.GET("/:id", adapter.Get)
		intents.POST("/:id/confirm", adapter.Confirm)
		intents.POST("/:id/cancel", adapter.Cancel)
		intents.POST("/:id/retry", adapter.Retry)
	}
}

type createSaveIntentRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	OnSession  bool   `json:"on_session"`
}

func (a *intentAdapter) CreateSave(c *gin.Context) {
	var req createSaveIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	it, err := a.orchestrator.StartSave(c.Request.Context(), intent.SaveParams{
		CustomerID: req.CustomerID,
		OnSession:  req.OnSession,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	respondWithIntent(c, http.StatusCreated, it)
}

type createChargeIntentRequest struct {
	CustomerID     string `json:"customer_id"`
	InstrumentID   string `json:"instrument_id"`
	Amount         int64  `json:"amount" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	OnSession      bool   `json:"on_session"`
	SaveInstrument bool   `json:"save_instrument"`
}

func (a *intentAdapter) CreateCharge(c *gin.Context) {
	var req createChargeIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	it, err := a.orchestrator.StartCharge(c.Request.Context(), intent.ChargeParams{
		CustomerID:     req.CustomerID,
		InstrumentID:   req.InstrumentID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		OnSession:      req.OnSession,
		SaveInstrument: req.SaveInstrument,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	respondWithIntent(c, http.StatusCreated, it)
}

func (a *intentAdapter) Get(c *gin.Context) {
	it, err := a.orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.OK(c, it)
}

type confirmIntentRequest struct {
	// CardholderPresent marks an interactive confirmation; absent
	// cardholders get a notification payload instead of a prompt.
	CardholderPresent *bool `json:"cardholder_present"`
}

func (a *intentAdapter) Confirm(c *gin.Context) {
	var req confirmIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.BadRequest(c, err.Error())
		return
	}
	present := true
	if req.CardholderPresent != nil {
		present = *req.CardholderPresent
	}

	decision, err := a.coordinator.Resolve(c.Request.Context(), c.Param("id"), present)
	if err != nil {
		handleError(c, err)
		return
	}

	if decision.Notification != nil {
		response.ErrorWithDetails(c, http.StatusPaymentRequired,
			"authentication_required",
			"Cardholder authentication required to proceed",
			gin.H{"intent": decision.Intent, "notification": decision.Notification})
		return
	}
	respondWithIntent(c, http.StatusOK, decision.Intent)
}

func (a *intentAdapter) Cancel(c *gin.Context) {
	it, err := a.orchestrator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.OK(c, it)
}

func (a *intentAdapter) Retry(c *gin.Context) {
	it, err := a.coordinator.RetryPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	respondWithIntent(c, http.StatusOK, it)
}

// respondWithIntent reflects the intent's state in the HTTP status:
// failed intents report 402 with the normalized decline reason, and
// off-session intents awaiting authentication report 402 as well.
func respondWithIntent(c *gin.Context, successStatus int, it *intent.Intent) {
	switch {
	case it.State == intent.StateFailed:
		response.ErrorWithDetails(c, http.StatusPaymentRequired,
			it.FailureReason,
			"Payment was not completed",
			gin.H{"intent": it})
	case it.State == intent.StateAwaitingAuthentication && !it.OnSession:
		response.ErrorWithDetails(c, http.StatusPaymentRequired,
			"authentication_required",
			"Cardholder authentication required to proceed",
			gin.H{"intent": it})
	default:
		c.JSON(successStatus, response.Envelope{Success: true, Data: it})
	}
}
