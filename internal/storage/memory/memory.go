// Package memory is a thread-safe in-memory implementation of the domain
// repositories. Transactions serialise on a single lock and roll back by
// restoring a snapshot taken when the transaction began.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
)

// ErrUnavailable is returned by every operation while the store is marked down.
var ErrUnavailable = errors.New("memory store unavailable")

// Store keeps accounts, services and orders in maps.
type Store struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	accounts map[int64]*domain.Account
	services map[string]*domain.Service
	orders   map[string]*domain.Order
	down     bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		accounts: make(map[int64]*domain.Account),
		services: make(map[string]*domain.Service),
		orders:   make(map[string]*domain.Order),
	}
}

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

// PutService inserts or replaces a service.
func (s *Store) PutService(svc domain.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = &svc
}

// SetDown makes every subsequent operation fail with ErrUnavailable.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Balance returns the current balance of an account.
func (s *Store) Balance(id int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return a.Balance
	}
	return decimal.Zero
}

// Orders returns a copy of every order of an account.
func (s *Store) Orders(accountID int64) []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetOrderResult updates status and result the way the fulfillment path would.
func (s *Store) SetOrderResult(referenceID string, status domain.OrderStatus, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[referenceID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Status = status
	o.Result = result
	return nil
}

// Ping implements domain.HealthChecker.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrUnavailable
	}
	return nil
}

type txKey struct{}

// snapshot is the state restored on rollback.
type snapshot struct {
	accounts map[int64]domain.Account
	orders   map[string]struct{}
}

// WithTransaction implements domain.TransactionManager.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*snapshot); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	snap := s.takeSnapshot()
	if err := fn(context.WithValue(ctx, txKey{}, snap)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) takeSnapshot() *snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &snapshot{
		accounts: make(map[int64]domain.Account, len(s.accounts)),
		orders:   make(map[string]struct{}, len(s.orders)),
	}
	for id, a := range s.accounts {
		snap.accounts[id] = *a
	}
	for ref := range s.orders {
		snap.orders[ref] = struct{}{}
	}
	return snap
}

func (s *Store) restore(snap *snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range snap.accounts {
		restored := a
		s.accounts[id] = &restored
	}
	for ref := range s.orders {
		if _, ok := snap.orders[ref]; !ok {
			delete(s.orders, ref)
		}
	}
}

// Accounts returns the account repository view of the store.
func (s *Store) Accounts() *AccountRepository { return &AccountRepository{s} }

// Services returns the service repository view of the store.
func (s *Store) Services() *ServiceRepository { return &ServiceRepository{s} }

// OrderRepo returns the order repository view of the store.
func (s *Store) OrderRepo() *OrderRepository { return &OrderRepository{s} }

// AccountRepository implements domain.AccountRepository.
type AccountRepository struct{ s *Store }

// GetByUsername retrieves an account by username.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return nil, ErrUnavailable
	}
	for _, a := range r.s.accounts {
		if a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

// Lock returns the current account state. The caller already holds the
// transaction lock, so nothing else can modify the account meanwhile.
func (r *AccountRepository) Lock(ctx context.Context, id int64) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return nil, ErrUnavailable
	}
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

// Debit subtracts amount from the balance.
func (r *AccountRepository) Debit(ctx context.Context, id int64, amount decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return ErrUnavailable
	}
	a, ok := r.s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if a.Balance.LessThan(amount) {
		return domain.ErrInsufficientCredit
	}
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// ListKeys implements domain.KeyStore.
func (r *AccountRepository) ListKeys(ctx context.Context) ([]domain.StoredKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return nil, ErrUnavailable
	}
	out := make([]domain.StoredKey, 0, len(r.s.accounts))
	for id, a := range r.s.accounts {
		out = append(out, domain.StoredKey{AccountID: id, APIKey: a.APIKey})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// ReplaceAPIKey implements domain.KeyStore.
func (r *AccountRepository) ReplaceAPIKey(ctx context.Context, id int64, oldKey, newKey string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return ErrUnavailable
	}
	a, ok := r.s.accounts[id]
	if !ok || a.APIKey != oldKey {
		return domain.ErrAccountNotFound
	}
	a.APIKey = newKey
	return nil
}

// ServiceRepository implements domain.ServiceRepository.
type ServiceRepository struct{ s *Store }

// GetByID retrieves a service.
func (r *ServiceRepository) GetByID(ctx context.Context, id string) (*domain.Service, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return nil, ErrUnavailable
	}
	svc, ok := r.s.services[id]
	if !ok {
		return nil, domain.ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

// ListActive returns active services ordered by group and id.
func (r *ServiceRepository) ListActive(ctx context.Context) ([]*domain.Service, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return nil, ErrUnavailable
	}
	var out []*domain.Service
	for _, svc := range r.s.services {
		if svc.Status == domain.ServiceStatusActive {
			cp := *svc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupName() != out[j].GroupName() {
			return out[i].GroupName() < out[j].GroupName()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// OrderRepository implements domain.OrderRepository.
type OrderRepository struct{ s *Store }

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return ErrUnavailable
	}
	if _, exists := r.s.orders[order.ReferenceID]; exists {
		return fmt.Errorf("order with reference %s already exists", order.ReferenceID)
	}
	cp := *order
	r.s.orders[order.ReferenceID] = &cp
	return nil
}

// GetByReference retrieves an order owned by accountID.
func (r *OrderRepository) GetByReference(ctx context.Context, accountID int64, referenceID string) (*domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.down {
		return nil, ErrUnavailable
	}
	o, ok := r.s.orders[referenceID]
	if !ok || o.AccountID != accountID {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}
