package gin

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vaultpay/server/internal/mirror"
	"github.com/vaultpay/server/internal/provider"
	"github.com/vaultpay/server/internal/shared/response"
)

// customerAdapter exposes customer CRUD over HTTP.
type customerAdapter struct {
	gateway provider.Gateway
	store   mirror.Store
	logger  *zap.Logger
}

// NewCustomerAdapter creates a new customer HTTP adapter.
func NewCustomerAdapter(gateway provider.Gateway, store mirror.Store, logger *zap.Logger) *customerAdapter {
	return &customerAdapter{gateway: gateway, store: store, logger: logger}
}

// RegisterCustomerRoutes registers customer routes.
func RegisterCustomerRoutes(r *gin.RouterGroup, adapter *customerAdapter) {
	customers := r.Group("/customers")
	{
		customers.POST("", adapter.Create)
		customers.GET("", adapter.List)
		customers.GET("/:id", adapter.Get)
		customers.DELETE("/:id", adapter.Delete)
	}
}

type createCustomerRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name"`
}

func (a *customerAdapter) Create(c *gin.Context) {
	var req createCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	cust, err := a.gateway.CreateCustomer(ctx, req.Email, req.Name)
	if err != nil {
		handleError(c, err)
		return
	}

	mirrored := &mirror.Customer{
		ID:          cust.ID,
		Email:       cust.Email,
		DisplayName: cust.Name,
		CreatedAt:   cust.CreatedAt,
	}
	if err := a.store.PutCustomer(ctx, mirrored); err != nil {
		a.logger.Warn("failed to mirror created customer",
			zap.String("customer_id", cust.ID),
			zap.Error(err))
	}

	response.Created(c, mirrored)
}

func (a *customerAdapter) List(c *gin.Context) {
	customers, err := a.store.ListCustomers(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.OK(c, customers)
}

func (a *customerAdapter) Get(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	cust, err := a.store.GetCustomer(ctx, id)
	if err == nil {
		response.OK(c, cust)
		return
	}
	if !errors.Is(err, mirror.ErrNotFound) {
		handleError(c, err)
		return
	}

	// Mirror miss; the gateway remains the source of truth.
	remote, err := a.gateway.GetCustomer(ctx, id)
	if err != nil {
		handleError(c, err)
		return
	}

	mirrored := &mirror.Customer{
		ID:          remote.ID,
		Email:       remote.Email,
		DisplayName: remote.Name,
		CreatedAt:   remote.CreatedAt,
	}
	if err := a.store.PutCustomer(ctx, mirrored); err != nil {
		a.logger.Warn("failed to cache customer in mirror",
			zap.String("customer_id", id),
			zap.Error(err))
	}
	response.OK(c, mirrored)
}

func (a *customerAdapter) Delete(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if err := a.gateway.DeleteCustomer(ctx, id); err != nil {
		handleError(c, err)
		return
	}

	// Local cascade; the webhook-driven delete is idempotent with this.
	if err := a.store.DeleteCustomer(ctx, id); err != nil && !errors.Is(err, mirror.ErrNotFound) {
		a.logger.Warn("failed to delete customer from mirror",
			zap.String("customer_id", id),
			zap.Error(err))
	}

	response.OK(c, gin.H{"deleted": true, "id": id})
}
