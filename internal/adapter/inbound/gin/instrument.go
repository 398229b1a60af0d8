package gin

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/mirror"
	"github.com/vaultpay/server/internal/provider"
	"github.com/vaultpay/server/internal/shared/response"
)

// instrumentAdapter exposes saved-instrument management over HTTP.
type instrumentAdapter struct {
	gateway provider.Gateway
	store   mirror.Store
	logger  *zap.Logger
}

// NewInstrumentAdapter creates a new instrument HTTP adapter.
func NewInstrumentAdapter(gateway provider.Gateway, store mirror.Store, logger *zap.Logger) *instrumentAdapter {
	return &instrumentAdapter{gateway: gateway, store: store, logger: logger}
}

// RegisterInstrumentRoutes registers instrument routes.
func RegisterInstrumentRoutes(r *gin.RouterGroup, adapter *instrumentAdapter) {
	customers := r.Group("/customers/:id/instruments")
	{
		customers.GET("", adapter.List)
		customers.POST("", adapter.Attach)
		customers.PUT("/:instrumentId/default", adapter.SetDefault)
	}
	r.DELETE("/instruments/:id", adapter.Detach)
}

// List merges the mirror with a live gateway listing. Card metadata
// comes from the gateway; the locally authoritative default flag comes
// from the mirror when it holds the instrument.
func (a *instrumentAdapter) List(c *gin.Context) {
	customerID := c.Param("id")
	ctx := c.Request.Context()

	remote, err := a.gateway.ListInstruments(ctx, customerID)
	if err != nil {
		handleError(c, err)
		return
	}

	// Refresh card metadata in the mirror. The default flag is never
	// written here; only SetDefault mutates it.
	for _, inst := range remote {
		err := a.store.PutInstrument(ctx, &mirror.Instrument{
			ID:         inst.ID,
			CustomerID: customerID,
			Brand:      inst.Brand,
			Last4:      inst.Last4,
			ExpMonth:   inst.ExpMonth,
			ExpYear:    inst.ExpYear,
			CreatedAt:  inst.CreatedAt,
		})
		if err != nil {
			a.logger.Warn("failed to refresh instrument in mirror",
				zap.String("instrument_id", inst.ID),
				zap.Error(err))
			break
		}
	}

	mirrored, err := a.store.ListInstrumentsByCustomer(ctx, customerID)
	if err != nil {
		handleError(c, err)
		return
	}
	defaults := make(map[string]bool, len(mirrored))
	known := make(map[string]bool, len(mirrored))
	for _, inst := range mirrored {
		known[inst.ID] = true
		defaults[inst.ID] = inst.IsDefault
	}

	merged := make([]*mirror.Instrument, 0, len(remote))
	for _, inst := range remote {
		isDefault := inst.IsDefault
		if known[inst.ID] {
			isDefault = defaults[inst.ID]
		}
		merged = append(merged, &mirror.Instrument{
			ID:         inst.ID,
			CustomerID: customerID,
			Brand:      inst.Brand,
			Last4:      inst.Last4,
			ExpMonth:   inst.ExpMonth,
			ExpYear:    inst.ExpYear,
			CreatedAt:  inst.CreatedAt,
			IsDefault:  isDefault,
		})
	}

	response.OK(c, merged)
}

type attachInstrumentRequest struct {
	InstrumentID string `json:"instrument_id" binding:"required"`
}

func (a *instrumentAdapter) Attach(c *gin.Context) {
	customerID := c.Param("id")
	var req attachInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	inst, err := a.gateway.AttachInstrument(ctx, req.InstrumentID, customerID)
	if err != nil {
		handleError(c, err)
		return
	}

	mirrored := &mirror.Instrument{
		ID:         inst.ID,
		CustomerID: customerID,
		Brand:      inst.Brand,
		Last4:      inst.Last4,
		ExpMonth:   inst.ExpMonth,
		ExpYear:    inst.ExpYear,
		CreatedAt:  inst.CreatedAt,
	}
	if err := a.store.PutInstrument(ctx, mirrored); err != nil {
		a.logger.Warn("failed to mirror attached instrument",
			zap.String("instrument_id", inst.ID),
			zap.Error(err))
	}

	response.Created(c, mirrored)
}

func (a *instrumentAdapter) Detach(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if err := a.gateway.DetachInstrument(ctx, id); err != nil {
		handleError(c, err)
		return
	}
	if err := a.store.DeleteInstrument(ctx, id); err != nil && !errors.Is(err, mirror.ErrNotFound) {
		a.logger.Warn("failed to delete instrument from mirror",
			zap.String("instrument_id", id),
			zap.Error(err))
	}

	response.OK(c, gin.H{"deleted": true, "id": id})
}

// SetDefault writes through to the gateway, then updates the mirror
// atomically so at most one instrument per customer is default.
func (a *instrumentAdapter) SetDefault(c *gin.Context) {
	customerID := c.Param("id")
	instrumentID := c.Param("instrumentId")
	ctx := c.Request.Context()

	if err := a.gateway.SetDefaultInstrument(ctx, customerID, instrumentID); err != nil {
		handleError(c, err)
		return
	}
	if err := a.store.SetDefaultInstrument(ctx, customerID, instrumentID); err != nil {
		if !errors.Is(err, mirror.ErrNotFound) {
			handleError(c, err)
			return
		}
		// The mirror has not seen the instrument yet; seed it so the
		// default flag is locally visible.
		remote, gErr := a.gateway.ListInstruments(ctx, customerID)
		if gErr != nil {
			handleError(c, gErr)
			return
		}
		for _, inst := range remote {
			if inst.ID != instrumentID {
				continue
			}
			seed := &mirror.Instrument{
				ID:         inst.ID,
				CustomerID: customerID,
				Brand:      inst.Brand,
				Last4:      inst.Last4,
				ExpMonth:   inst.ExpMonth,
				ExpYear:    inst.ExpYear,
				CreatedAt:  inst.CreatedAt,
			}
			if err := a.store.PutInstrument(ctx, seed); err != nil {
				handleError(c, err)
				return
			}
			if err := a.store.SetDefaultInstrument(ctx, customerID, instrumentID); err != nil {
				handleError(c, err)
				return
			}
			response.OK(c, gin.H{"customer_id": customerID, "default_instrument_id": instrumentID})
			return
		}
		handleError(c, mirror.ErrNotFound)
		return
	}

	response.OK(c, gin.H{"customer_id": customerID, "default_instrument_id": instrumentID})
}
