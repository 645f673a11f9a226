package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
)

type chargeRequest struct {
	OrderID  string       `json:"order_id"`
	CreditID string       `json:"credit_id"`
	Amount   model.Amount `json:"amount"`
}

type chargeResponse struct {
	TransactionID string `json:"transaction_id"`
}

type transactionResponse struct {
	ID        string                  `json:"id"`
	OrderID   string                  `json:"order_id"`
	CreditID  string                  `json:"credit_id"`
	Amount    model.Amount            `json:"amount"`
	Status    model.TransactionStatus `json:"status"`
	Reason    string                  `json:"reason,omitempty"`
	CreatedAt string                  `json:"created_at"`
	UpdatedAt string                  `json:"updated_at"`
}

// Charge оплачивает заказ картой текущего пользователя.
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req chargeRequest
	if err := decodeJSON(r, &req); err != nil || req.OrderID == "" || req.CreditID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txID, err := h.service.Charge(r.Context(), uid, req.OrderID, req.CreditID, req.Amount)
	if err != nil {
		h.writeError(w, "charge", err, zap.Int64("userID", uid), zap.String("orderID", req.OrderID))
		return
	}

	writeJSON(w, http.StatusOK, chargeResponse{TransactionID: txID})
}

// CancelCharge отменяет оплату и возвращает деньги на карту.
func (h *Handler) CancelCharge(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	txID := chi.URLParam(r, "transactionID")
	if err := h.service.CancelCharge(r.Context(), uid, txID); err != nil {
		h.writeError(w, "cancel charge", err, zap.Int64("userID", uid), zap.String("transactionID", txID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetTransaction возвращает платёжную транзакцию текущего пользователя.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	txID := chi.URLParam(r, "transactionID")
	tx, err := h.service.Transaction(r.Context(), uid, txID)
	if err != nil {
		h.writeError(w, "get transaction", err, zap.Int64("userID", uid), zap.String("transactionID", txID))
		return
	}

	writeJSON(w, http.StatusOK, transactionResponse{
		ID:        tx.ID,
		OrderID:   tx.OrderID,
		CreditID:  tx.CardNumber,
		Amount:    tx.Amount,
		Status:    tx.Status,
		Reason:    tx.Reason,
		CreatedAt: tx.CreatedAt.Format(time.RFC3339),
		UpdatedAt: tx.UpdatedAt.Format(time.RFC3339),
	})
}
