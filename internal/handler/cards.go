package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/ledger"
	"github.com/mmeshcher/order-settlement/internal/model"
)

// expireDate принимает дату как "2006-01-02" или в RFC 3339.
type expireDate time.Time

func (d *expireDate) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return err
		}
	}
	*d = expireDate(t)
	return nil
}

type registerCardRequest struct {
	CardNumber string       `json:"card_number"`
	Balance    model.Amount `json:"balance"`
	ExpireDate *expireDate  `json:"expire_date"`
}

type updateCardRequest struct {
	Balance    *model.Amount       `json:"balance"`
	Status     *model.CreditStatus `json:"status"`
	ExpireDate *expireDate         `json:"expire_date"`
}

type cardResponse struct {
	CardNumber string             `json:"card_number"`
	Balance    model.Amount       `json:"balance"`
	Status     model.CreditStatus `json:"status"`
	ExpireDate string             `json:"expire_date"`
	Version    int64              `json:"version"`
}

func newCardResponse(acc *model.CreditAccount) cardResponse {
	return cardResponse{
		CardNumber: acc.CardNumber,
		Balance:    acc.Balance,
		Status:     acc.Status,
		ExpireDate: acc.ExpireDate.Format(time.DateOnly),
		Version:    acc.Version,
	}
}

// RegisterCard регистрирует карту текущего пользователя.
func (h *Handler) RegisterCard(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req registerCardRequest
	if err := decodeJSON(r, &req); err != nil || req.CardNumber == "" || req.ExpireDate == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	acc, err := h.service.RegisterCard(r.Context(), uid, req.CardNumber, req.Balance, time.Time(*req.ExpireDate))
	if err != nil {
		h.writeError(w, "register card", err, zap.Int64("userID", uid))
		return
	}

	writeJSON(w, http.StatusCreated, newCardResponse(acc))
}

// GetCard возвращает карту текущего пользователя.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	acc, err := h.service.GetCard(r.Context(), uid, chi.URLParam(r, "cardNumber"))
	if err != nil {
		h.writeError(w, "get card", err, zap.Int64("userID", uid))
		return
	}

	writeJSON(w, http.StatusOK, newCardResponse(acc))
}

// UpdateCard меняет баланс, статус или срок действия карты.
func (h *Handler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req updateCardRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Status != nil {
		switch *req.Status {
		case model.CreditStatusNormal, model.CreditStatusExpired, model.CreditStatusInvalid:
		default:
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	upd := ledger.CardUpdate{
		Balance: req.Balance,
		Status:  req.Status,
	}
	if req.ExpireDate != nil {
		t := time.Time(*req.ExpireDate)
		upd.ExpireDate = &t
	}

	acc, err := h.service.UpdateCard(r.Context(), uid, chi.URLParam(r, "cardNumber"), upd)
	if err != nil {
		h.writeError(w, "update card", err, zap.Int64("userID", uid))
		return
	}

	writeJSON(w, http.StatusOK, newCardResponse(acc))
}

// DeleteCard удаляет карту текущего пользователя.
func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteCard(r.Context(), uid, chi.URLParam(r, "cardNumber")); err != nil {
		h.writeError(w, "delete card", err, zap.Int64("userID", uid))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
