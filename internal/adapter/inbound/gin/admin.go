package gin

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/domain/reconcile"
	"github.com/vaultpay/server/internal/shared/response"
)

const (
	defaultParkedLimit = 50
	maxParkedLimit     = 500
)

// adminAdapter exposes operator endpoints over HTTP.
type adminAdapter struct {
	events reconcile.EventStore
	logger *zap.Logger
}

// NewAdminAdapter creates a new admin HTTP adapter.
func NewAdminAdapter(events reconcile.EventStore, logger *zap.Logger) *adminAdapter {
	return &adminAdapter{events: events, logger: logger}
}

// RegisterAdminRoutes registers operator routes.
func RegisterAdminRoutes(r *gin.RouterGroup, adapter *adminAdapter) {
	r.GET("/admin/parked-events", adapter.ListParkedEvents)
}

// ListParkedEvents returns webhook events that exhausted their retry
// budget, for manual inspection.
func (a *adminAdapter) ListParkedEvents(c *gin.Context) {
	limit := defaultParkedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxParkedLimit {
			response.BadRequest(c, "limit must be between 1 and "+strconv.Itoa(maxParkedLimit))
			return
		}
		limit = n
	}

	records, err := a.events.ListParked(c.Request.Context(), limit)
	if err != nil {
		handleError(c, err)
		return
	}
	response.OK(c, records)
}
