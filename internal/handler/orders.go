package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
)

type placeOrderRequest struct {
	Currency  string           `json:"currency"`
	AddressID int64            `json:"address_id"`
	Email     string           `json:"email"`
	Items     []model.CartItem `json:"items"`
}

type orderResponse struct {
	ID        string            `json:"id"`
	Status    model.OrderStatus `json:"status"`
	Currency  string            `json:"currency,omitempty"`
	AddressID int64             `json:"address_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	Items     []model.CartItem  `json:"items"`
	CreatedAt string            `json:"created_at"`
}

func newOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:        o.ID,
		Status:    o.Status,
		Currency:  o.Currency,
		AddressID: o.AddressID,
		Email:     o.Email,
		Items:     o.Items,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}
}

// PlaceOrder создаёт заказ текущего пользователя.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o := &model.Order{
		Currency:  req.Currency,
		AddressID: req.AddressID,
		Email:     req.Email,
		Items:     req.Items,
	}
	if err := h.service.PlaceOrder(r.Context(), uid, o); err != nil {
		h.writeError(w, "place order", err, zap.Int64("userID", uid))
		return
	}

	writeJSON(w, http.StatusCreated, newOrderResponse(o))
}

// GetOrder возвращает заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "orderID")
	o, err := h.service.GetOrder(r.Context(), uid, orderID)
	if err != nil {
		h.writeError(w, "get order", err, zap.Int64("userID", uid), zap.String("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// internalOrderResponse — представление заказа для других сервисов.
// Содержит владельца и метки времени, которых нет в пользовательском ответе.
type internalOrderResponse struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"user_id"`
	Status    model.OrderStatus `json:"status"`
	Currency  string            `json:"currency,omitempty"`
	AddressID int64             `json:"address_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	Items     []model.CartItem  `json:"items"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func newInternalOrderResponse(o *model.Order) internalOrderResponse {
	return internalOrderResponse{
		ID:        o.ID,
		UserID:    o.UserID,
		Status:    o.Status,
		Currency:  o.Currency,
		AddressID: o.AddressID,
		Email:     o.Email,
		Items:     o.Items,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

type transitionRequest struct {
	Status model.OrderStatus `json:"status"`
}

// InternalOrder отдаёт заказ другим сервисам.
func (h *Handler) InternalOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	o, err := h.service.InternalOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, "internal get order", err, zap.String("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, newInternalOrderResponse(o))
}

// TransitionOrder выполняет защищённый переход статуса по запросу другого сервиса.
// Повтор перехода отвечает 200 с Applied == false.
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.TransitionOrder(r.Context(), orderID, req.Status)
	if err != nil {
		h.writeError(w, "transition order", err, zap.String("orderID", orderID), zap.String("target", string(req.Status)))
		return
	}

	writeJSON(w, http.StatusOK, res)
}
