package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/broker"
	"github.com/mmeshcher/order-settlement/internal/events"
	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
	"github.com/mmeshcher/order-settlement/internal/repository"
)

type failingStore struct{}

func (failingStore) Transition(context.Context, string, model.OrderStatus) (orders.Result, error) {
	return orders.Result{}, errors.New("connection refused")
}

func setup(t *testing.T) (*broker.Dispatcher, *broker.Memory, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.CreateOrder(context.Background(), &model.Order{ID: "O1", Status: model.OrderStatusWaitForPay}))

	bus := broker.NewMemory()
	d := broker.NewDispatcher(bus, zap.NewNop(), broker.Options{MaxAttempts: 3, RetryBase: time.Nanosecond, RetryMax: time.Nanosecond})
	New(orders.NewStore(repo, nil, zap.NewNop()), zap.NewNop()).Register(d)
	return d, bus, repo
}

func publish(t *testing.T, bus *broker.Memory, topic, orderID string) {
	t.Helper()
	payload, err := events.Encode(events.OrderEvent{OrderID: orderID})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), topic, payload, 0))
}

func drain(t *testing.T, d *broker.Dispatcher, topic string) {
	t.Helper()
	_, err := d.Poll(context.Background(), topic)
	require.NoError(t, err)
}

func orderStatus(t *testing.T, repo *repository.MemoryRepository) model.OrderStatus {
	t.Helper()
	o, err := repo.GetOrder(context.Background(), "O1")
	require.NoError(t, err)
	return o.Status
}

func TestRegister_AllTopics(t *testing.T) {
	d, _, _ := setup(t)
	assert.ElementsMatch(t, []string{
		events.TopicPayCancel, events.TopicPayFail, events.TopicPayStart, events.TopicPaySuccess,
	}, d.Topics())
}

func TestHandler_AppliesEvent(t *testing.T) {
	tests := []struct {
		topic string
		want  model.OrderStatus
	}{
		{topic: events.TopicPaySuccess, want: model.OrderStatusPaid},
		{topic: events.TopicPayFail, want: model.OrderStatusPaymentFail},
		{topic: events.TopicPayCancel, want: model.OrderStatusCanceled},
		{topic: events.TopicPayStart, want: model.OrderStatusWaitForPay},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			d, bus, repo := setup(t)
			publish(t, bus, tt.topic, "O1")
			drain(t, d, tt.topic)

			assert.Equal(t, tt.want, orderStatus(t, repo))
			assert.Zero(t, bus.Len(tt.topic))
		})
	}
}

func TestHandler_DuplicateSuccess(t *testing.T) {
	d, bus, repo := setup(t)

	publish(t, bus, events.TopicPaySuccess, "O1")
	publish(t, bus, events.TopicPaySuccess, "O1")
	drain(t, d, events.TopicPaySuccess)

	assert.Equal(t, model.OrderStatusPaid, orderStatus(t, repo))
	assert.Zero(t, bus.Len(events.TopicPaySuccess))
}

func TestHandler_OutOfOrderDelivery(t *testing.T) {
	d, bus, repo := setup(t)

	publish(t, bus, events.TopicPaySuccess, "O1")
	drain(t, d, events.TopicPaySuccess)

	// поздние события не меняют оплаченный заказ
	for _, topic := range []string{events.TopicPayStart, events.TopicPayFail, events.TopicPayCancel} {
		publish(t, bus, topic, "O1")
		drain(t, d, topic)
		assert.Zero(t, bus.Len(topic))
	}

	assert.Equal(t, model.OrderStatusPaid, orderStatus(t, repo))
}

func TestHandler_BadPayloadIsDeadLettered(t *testing.T) {
	d, bus, repo := setup(t)

	require.NoError(t, bus.Publish(context.Background(), events.TopicPaySuccess, []byte("{broken"), 0))
	drain(t, d, events.TopicPaySuccess)

	assert.Zero(t, bus.Len(events.TopicPaySuccess))
	assert.Equal(t, 1, bus.Len(broker.DeadLetterTopic(events.TopicPaySuccess)))
	assert.Equal(t, model.OrderStatusWaitForPay, orderStatus(t, repo))
}

func TestHandler_StoreErrorIsRedelivered(t *testing.T) {
	h := New(failingStore{}, zap.NewNop()).Handler(model.OrderStatusPaid)

	payload, err := events.Encode(events.OrderEvent{OrderID: "O1"})
	require.NoError(t, err)

	err = h(context.Background(), broker.Message{Topic: events.TopicPaySuccess, Payload: payload})
	require.Error(t, err)
	assert.NotErrorIs(t, err, broker.ErrPermanent)
}

func TestHandler_UnknownOrderIsRetried(t *testing.T) {
	d, bus, _ := setup(t)

	publish(t, bus, events.TopicPaySuccess, "missing")
	drain(t, d, events.TopicPaySuccess)

	assert.Equal(t, 1, bus.Len(events.TopicPaySuccess))
	assert.Zero(t, bus.Len(broker.DeadLetterTopic(events.TopicPaySuccess)))
}
