package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/order-settlement/internal/model"
)

// MemoryRepository хранит данные в памяти процесса с теми же условными обновлениями,
// что и PostgresRepository. Используется, когда DATABASE_URI не задан.
type MemoryRepository struct {
	mu           sync.Mutex
	now          func() time.Time
	orders       map[string]model.Order
	credits      map[string]model.CreditAccount
	transactions map[string]model.PaymentTransaction
	adjustments  map[string]struct{}
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:          time.Now,
		orders:       make(map[string]model.Order),
		credits:      make(map[string]model.CreditAccount),
		transactions: make(map[string]model.PaymentTransaction),
		adjustments:  make(map[string]struct{}),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) CreateOrder(_ context.Context, o *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrOrderExists, o.ID)
	}
	now := r.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	stored := *o
	stored.Items = append([]model.CartItem(nil), o.Items...)
	r.orders[o.ID] = stored
	return nil
}

func (r *MemoryRepository) GetOrder(_ context.Context, id string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Items = append([]model.CartItem(nil), o.Items...)
	return &o, nil
}

func (r *MemoryRepository) UpdateOrderStatus(_ context.Context, id string, from, to model.OrderStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = r.now()
	r.orders[id] = o
	return true, nil
}

func (r *MemoryRepository) GetStaleOrders(_ context.Context, status model.OrderStatus, before time.Time, limit int) ([]model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Order
	for _, o := range r.orders {
		if o.Status == status && o.CreatedAt.Before(before) {
			res = append(res, o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r *MemoryRepository) CreateCredit(_ context.Context, acc *model.CreditAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.credits[acc.CardNumber]; ok && !existing.Deleted {
		return ErrCreditExists
	}
	now := r.now()
	acc.Version = 1
	acc.CreatedAt = now
	acc.UpdatedAt = now
	r.credits[acc.CardNumber] = *acc
	return nil
}

func (r *MemoryRepository) GetCredit(_ context.Context, cardNumber string) (*model.CreditAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.credits[cardNumber]
	if !ok || acc.Deleted {
		return nil, ErrCreditNotFound
	}
	return &acc, nil
}

func (r *MemoryRepository) UpdateCredit(_ context.Context, acc *model.CreditAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.credits[acc.CardNumber]
	if !ok || stored.Deleted || stored.Version != acc.Version {
		return fmt.Errorf("%w: credit %s", ErrVersionConflict, acc.CardNumber)
	}
	if acc.Balance < 0 {
		return fmt.Errorf("credit %s: negative balance rejected", acc.CardNumber)
	}
	stored.Balance = acc.Balance
	stored.Status = acc.Status
	stored.ExpireDate = acc.ExpireDate
	stored.Version++
	stored.UpdatedAt = r.now()
	r.credits[acc.CardNumber] = stored

	acc.Version = stored.Version
	acc.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryRepository) AdjustCredit(_ context.Context, key, cardNumber string, delta model.Amount) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adjustments[key]; ok {
		return false, nil
	}
	stored, ok := r.credits[cardNumber]
	if !ok || stored.Deleted {
		return false, ErrCreditNotFound
	}
	if stored.Balance+delta < 0 {
		return false, fmt.Errorf("%w: credit %s", ErrNegativeBalance, cardNumber)
	}
	stored.Balance += delta
	stored.Version++
	stored.UpdatedAt = r.now()
	r.credits[cardNumber] = stored
	r.adjustments[key] = struct{}{}
	return true, nil
}

func (r *MemoryRepository) DeleteCredit(_ context.Context, cardNumber string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.credits[cardNumber]
	if !ok || stored.Deleted || stored.Version != version {
		return fmt.Errorf("%w: credit %s", ErrVersionConflict, cardNumber)
	}
	stored.Deleted = true
	stored.Version++
	stored.UpdatedAt = r.now()
	r.credits[cardNumber] = stored
	return nil
}

func (r *MemoryRepository) CreateTransaction(_ context.Context, tx *model.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transactions[tx.ID]; ok {
		return fmt.Errorf("insert payment transaction: duplicate id %s", tx.ID)
	}
	if tx.Status == model.TransactionSucceeded && r.hasSucceeded(tx.OrderID, "") {
		return fmt.Errorf("%w: %s", ErrOrderSettled, tx.OrderID)
	}
	now := r.now()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	r.transactions[tx.ID] = *tx
	return nil
}

func (r *MemoryRepository) GetTransaction(_ context.Context, id string) (*model.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok || tx.Deleted {
		return nil, ErrTransactionNotFound
	}
	return &tx, nil
}

func (r *MemoryRepository) UpdateTransactionStatus(_ context.Context, id string, from, to model.TransactionStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok || tx.Deleted || tx.Status != from {
		return fmt.Errorf("%w: transaction %s", ErrVersionConflict, id)
	}
	if to == model.TransactionSucceeded && r.hasSucceeded(tx.OrderID, id) {
		return fmt.Errorf("%w: transaction %s", ErrOrderSettled, id)
	}
	tx.Status = to
	tx.Reason = reason
	tx.UpdatedAt = r.now()
	r.transactions[id] = tx
	return nil
}

// hasSucceeded вызывается под r.mu.
func (r *MemoryRepository) hasSucceeded(orderID, exceptID string) bool {
	for id, tx := range r.transactions {
		if id != exceptID && tx.OrderID == orderID && tx.Status == model.TransactionSucceeded && !tx.Deleted {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) GetTransactionsByOrder(_ context.Context, orderID string) ([]model.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.PaymentTransaction
	for _, tx := range r.transactions {
		if tx.OrderID == orderID && !tx.Deleted {
			res = append(res, tx)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}
