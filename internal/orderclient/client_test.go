package orderclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
)

func newTestClient(url string) *Client {
	return NewClient(url, zap.NewNop(), WithRetry(2, time.Millisecond, 5*time.Millisecond))
}

func TestGetOrder_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/internal/orders/O1" {
			t.Fatalf("path = %s, want /internal/orders/O1", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "O1",
			"user_id": 7,
			"status": "WAIT_FOR_PAY",
			"currency": "RUB",
			"items": [{"product_id": 5, "quantity": 2}],
			"created_at": "2026-03-01T10:00:00Z",
			"updated_at": "2026-03-01T10:05:00Z"
		}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	o, err := newTestClient(ts.URL).GetOrder(ctx, "O1")
	if err != nil {
		t.Fatalf("GetOrder error: %v", err)
	}
	if o.ID != "O1" || o.UserID != 7 || o.Status != model.OrderStatusWaitForPay {
		t.Fatalf("unexpected order: %+v", o)
	}
	if o.Currency != "RUB" || len(o.Items) != 1 || o.Items[0].Quantity != 2 {
		t.Fatalf("unexpected order details: %+v", o)
	}
	if !o.CreatedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at = %v", o.CreatedAt)
	}
}

func TestClient_SendsServiceToken(t *testing.T) {
	var got atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orders.Result{Status: model.OrderStatusPaid, Applied: true})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, zap.NewNop(), WithRetry(0, time.Millisecond, time.Millisecond), WithToken("svc-token"))
	if _, err := c.MarkPaid(context.Background(), "O1"); err != nil {
		t.Fatalf("MarkPaid error: %v", err)
	}
	if got.Load() != "Bearer svc-token" {
		t.Fatalf("authorization = %v, want Bearer svc-token", got.Load())
	}
}

func TestClient_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Cancel(context.Background(), "O1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want %v", err, ErrUnauthorized)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).GetOrder(context.Background(), "O1")
	if !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, orders.ErrNotFound)
	}
}

func TestMarkPaid_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/internal/orders/O1/status" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req statusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Status != model.OrderStatusPaid {
			t.Fatalf("status = %s, want PAID", req.Status)
		}

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orders.Result{Status: model.OrderStatusPaid, Applied: true})
	}))
	defer ts.Close()

	res, err := newTestClient(ts.URL).MarkPaid(context.Background(), "O1")
	if err != nil {
		t.Fatalf("MarkPaid error: %v", err)
	}
	if !res.Applied || res.Status != model.OrderStatusPaid {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestCancel_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Cancel(context.Background(), "O1")
	if err == nil || !strings.Contains(err.Error(), "unexpected status: 500") {
		t.Fatalf("error = %v, want unexpected status", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestNewClient_AddsScheme(t *testing.T) {
	c := NewClient("localhost:8081/", zap.NewNop())
	if c.baseURL != "http://localhost:8081" {
		t.Fatalf("baseURL = %s, want http://localhost:8081", c.baseURL)
	}
}
