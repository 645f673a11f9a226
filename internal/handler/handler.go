// Package handler содержит HTTP-обработчики API сервиса расчётов по заказам.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/ledger"
	"github.com/mmeshcher/order-settlement/internal/middleware"
	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
	"github.com/mmeshcher/order-settlement/internal/payment"
	"github.com/mmeshcher/order-settlement/internal/saga"
	"github.com/mmeshcher/order-settlement/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	HasOrders() bool

	RegisterCard(ctx context.Context, userID int64, cardNumber string, balance model.Amount, expireDate time.Time) (*model.CreditAccount, error)
	GetCard(ctx context.Context, userID int64, cardNumber string) (*model.CreditAccount, error)
	UpdateCard(ctx context.Context, userID int64, cardNumber string, upd ledger.CardUpdate) (*model.CreditAccount, error)
	DeleteCard(ctx context.Context, userID int64, cardNumber string) error

	PlaceOrder(ctx context.Context, userID int64, o *model.Order) error
	GetOrder(ctx context.Context, userID int64, orderID string) (*model.Order, error)
	InternalOrder(ctx context.Context, orderID string) (*model.Order, error)
	TransitionOrder(ctx context.Context, orderID string, target model.OrderStatus) (orders.Result, error)

	Charge(ctx context.Context, userID int64, orderID, cardNumber string, amount model.Amount) (string, error)
	CancelCharge(ctx context.Context, userID int64, transactionID string) error
	Transaction(ctx context.Context, userID int64, transactionID string) (*model.PaymentTransaction, error)
}

// Handler реализует HTTP-обработчики API сервиса расчётов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	internalAuth   *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// internalAuth проверяет токены сервисов на маршрутах /internal и должен
// использовать секрет, отличный от пользовательского.
func NewHandler(s Service, logger *zap.Logger, auth, internalAuth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		internalAuth:   internalAuth,
	}
}

// errorStatuses сопоставляет доменные ошибки HTTP-статусам. Порядок важен:
// ErrInconsistent оборачивает и исходную причину.
var errorStatuses = []struct {
	err    error
	status int
}{
	{saga.ErrInconsistent, http.StatusInternalServerError},
	{service.ErrOrdersUnavailable, http.StatusNotImplemented},

	{payment.ErrOrderNotFound, http.StatusNotFound},
	{payment.ErrCreditNotFound, http.StatusNotFound},
	{payment.ErrTransactionNotFound, http.StatusNotFound},
	{orders.ErrNotFound, http.StatusNotFound},
	{ledger.ErrNotFound, http.StatusNotFound},

	{payment.ErrForbidden, http.StatusForbidden},
	{ledger.ErrForbidden, http.StatusForbidden},

	{payment.ErrInsufficientFunds, http.StatusPaymentRequired},

	{payment.ErrOrderNotPayable, http.StatusConflict},
	{payment.ErrCannotCancel, http.StatusConflict},
	{payment.ErrPaymentConflict, http.StatusConflict},
	{ledger.ErrCardExists, http.StatusConflict},
	{ledger.ErrConflict, http.StatusConflict},

	{payment.ErrCreditStatusInvalid, http.StatusUnprocessableEntity},
	{payment.ErrCreditUnusable, http.StatusUnprocessableEntity},
	{ledger.ErrStatusReversal, http.StatusUnprocessableEntity},
	{service.ErrInvalidCardNumber, http.StatusUnprocessableEntity},

	{payment.ErrInvalidAmount, http.StatusBadRequest},
	{ledger.ErrInvalidAmount, http.StatusBadRequest},
	{model.ErrNegativeAmount, http.StatusBadRequest},
	{service.ErrInvalidOrder, http.StatusBadRequest},
	{orders.ErrInvalidStatus, http.StatusBadRequest},
}

func statusOf(err error) int {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// writeError отвечает статусом, соответствующим ошибке. Ошибки сервера пишутся в журнал.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}
