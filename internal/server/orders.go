package server

import (
	"gozon-saga/internal/domain"
	"gozon-saga/internal/service"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type createOrderRequest struct {
	UserID      uuid.UUID       `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type orderResponse struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func toOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID:          o.ID,
		UserID:      o.UserID,
		Amount:      o.Amount,
		Description: o.Description,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

type orderHandler struct {
	orders service.OrderService
	logger *slog.Logger
}

// NewOrderRouter serves the order service API.
func NewOrderRouter(opts Options, orders service.OrderService) http.Handler {
	r := newRouter(opts)
	h := &orderHandler{orders: orders, logger: opts.Logger}

	api := r.Group("/api/orders")
	api.POST("", h.create)
	api.GET("", h.list)
	api.GET("/:orderId", h.get)
	return r
}

func (h *orderHandler) create(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		badRequest(c, "invalid userId")
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(*order))
}

func (h *orderHandler) list(c *gin.Context) {
	userID, ok := parseUUID(c, c.Query("userId"), "userId")
	if !ok {
		return
	}
	orders, err := h.orders.GetOrders(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, out)
}

func (h *orderHandler) get(c *gin.Context) {
	orderID, ok := parseUUID(c, c.Param("orderId"), "orderId")
	if !ok {
		return
	}
	userID, ok := parseUUID(c, c.Query("userId"), "userId")
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(c.Request.Context(), orderID, userID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(*order))
}
