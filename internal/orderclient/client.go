// Package orderclient предоставляет клиент внутреннего API сервиса заказов.
package orderclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/order-settlement/internal/model"
	"github.com/mmeshcher/order-settlement/internal/orders"
)

// ErrUnauthorized означает, что сервис заказов не принял токен сервиса.
var ErrUnauthorized = errors.New("order service rejected credentials")

// Client инкапсулирует HTTP-взаимодействие с сервисом заказов.
// Переходы статуса на стороне сервиса идемпотентны, поэтому запросы можно повторять.
type Client struct {
	baseURL    string
	token      string
	httpClient *retryablehttp.Client
}

// Option настраивает Client.
type Option func(*Client)

// WithRetry задаёт число повторов и границы паузы между ними.
func WithRetry(maxRetries int, waitMin, waitMax time.Duration) Option {
	return func(c *Client) {
		c.httpClient.RetryMax = maxRetries
		c.httpClient.RetryWaitMin = waitMin
		c.httpClient.RetryWaitMax = waitMax
	}
}

// WithToken задаёт токен сервиса, который передаётся в заголовке Authorization.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient создаёт клиент сервиса заказов по указанному адресу.
func NewClient(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = leveledLogger{logger.Named("orderclient").Sugar()}
	// после исчерпания повторов отдаём последний ответ, статус разбирается ниже
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL:    base,
		httpClient: rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// orderDTO повторяет ответ GET /internal/orders/{id}.
type orderDTO struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"user_id"`
	Status    model.OrderStatus `json:"status"`
	Currency  string            `json:"currency"`
	AddressID int64             `json:"address_id"`
	Email     string            `json:"email"`
	Items     []model.CartItem  `json:"items"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (d orderDTO) toModel() *model.Order {
	return &model.Order{
		ID:        d.ID,
		UserID:    d.UserID,
		Status:    d.Status,
		Currency:  d.Currency,
		AddressID: d.AddressID,
		Email:     d.Email,
		Items:     d.Items,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type statusRequest struct {
	Status model.OrderStatus `json:"status"`
}

// GetOrder запрашивает заказ.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.orderURL(orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var dto orderDTO
	if err := c.do(req, orderID, &dto); err != nil {
		return nil, err
	}
	return dto.toModel(), nil
}

// Transition переводит заказ в target.
func (c *Client) Transition(ctx context.Context, orderID string, target model.OrderStatus) (orders.Result, error) {
	body, err := json.Marshal(statusRequest{Status: target})
	if err != nil {
		return orders.Result{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.orderURL(orderID)+"/status", bytes.NewReader(body))
	if err != nil {
		return orders.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res orders.Result
	if err := c.do(req, orderID, &res); err != nil {
		return orders.Result{}, err
	}
	return res, nil
}

// MarkPaid переводит заказ в PAID.
func (c *Client) MarkPaid(ctx context.Context, orderID string) (orders.Result, error) {
	return c.Transition(ctx, orderID, model.OrderStatusPaid)
}

// Cancel переводит заказ в CANCELED.
func (c *Client) Cancel(ctx context.Context, orderID string) (orders.Result, error) {
	return c.Transition(ctx, orderID, model.OrderStatusCanceled)
}

func (c *Client) orderURL(orderID string) string {
	return fmt.Sprintf("%s/internal/orders/%s", c.baseURL, url.PathEscape(orderID))
}

func (c *Client) do(req *retryablehttp.Request, orderID string, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", orders.ErrNotFound, orderID)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: rejected by order service", orders.ErrInvalidStatus)
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// leveledLogger направляет журнал повторов retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
