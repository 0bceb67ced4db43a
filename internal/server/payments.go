package server

import (
	"gozon-saga/internal/service"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type createAccountRequest struct {
	UserID uuid.UUID `json:"userId"`
}

type topUpRequest struct {
	UserID uuid.UUID       `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
}

type accountResponse struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
}

type balanceResponse struct {
	UserID  uuid.UUID       `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

type paymentHandler struct {
	payments service.PaymentService
	logger   *slog.Logger
}

// NewPaymentRouter serves the payment service API.
func NewPaymentRouter(opts Options, payments service.PaymentService) http.Handler {
	r := newRouter(opts)
	h := &paymentHandler{payments: payments, logger: opts.Logger}

	api := r.Group("/api/payments/accounts")
	api.POST("", h.createAccount)
	api.POST("/topup", h.topUp)
	api.GET("/:userId/balance", h.balance)
	return r
}

func (h *paymentHandler) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == uuid.Nil {
		badRequest(c, "invalid userId")
		return
	}
	account, err := h.payments.CreateAccount(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, accountResponse{
		ID:        account.ID,
		UserID:    account.UserID,
		Balance:   account.Balance,
		CreatedAt: account.CreatedAt,
	})
}

func (h *paymentHandler) topUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == uuid.Nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.payments.TopUp(c.Request.Context(), req.UserID, req.Amount); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *paymentHandler) balance(c *gin.Context) {
	userID, ok := parseUUID(c, c.Param("userId"), "userId")
	if !ok {
		return
	}
	balance, err := h.payments.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}
