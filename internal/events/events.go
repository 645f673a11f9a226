// Package events описывает топики и формат сообщений об оплате заказов.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Топики шины событий.
const (
	TopicPayStart   = "pay.start.order"
	TopicPaySuccess = "pay.success.order"
	TopicPayFail    = "pay.fail.order"
	TopicPayCancel  = "pay.cancel.order"

	// TopicOrderCancel — отложенные сообщения обратного отсчёта до автоотмены.
	TopicOrderCancel = "order.cancel"
)

// ErrInvalidPayload возвращается для сообщения, из которого нельзя извлечь заказ.
var ErrInvalidPayload = errors.New("invalid event payload")

// OrderEvent — событие по заказу. Обязательно только поле OrderID.
type OrderEvent struct {
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	At            time.Time `json:"at,omitzero"`
}

// Encode сериализует событие.
func Encode(e OrderEvent) ([]byte, error) {
	if e.OrderID == "" {
		return nil, fmt.Errorf("%w: empty order id", ErrInvalidPayload)
	}
	return json.Marshal(e)
}

// Decode разбирает событие. Помимо объекта принимается голая JSON-строка
// с идентификатором заказа, как её публикуют старые отправители.
func Decode(payload []byte) (OrderEvent, error) {
	var e OrderEvent

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return e, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		e.OrderID = id
	} else if err := json.Unmarshal(trimmed, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	e.OrderID = strings.TrimSpace(e.OrderID)
	if e.OrderID == "" {
		return e, fmt.Errorf("%w: empty order id", ErrInvalidPayload)
	}
	return e, nil
}
