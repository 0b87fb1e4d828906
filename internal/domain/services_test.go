package domain_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/storage/memory"
)

// recordingDispatcher captures dispatched orders
type recordingDispatcher struct {
	mu     sync.Mutex
	orders []*domain.Order
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, order *domain.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders = append(d.orders, order)
}

type fixture struct {
	store      *memory.Store
	orders     *domain.OrderService
	auth       *domain.AuthService
	dispatcher *recordingDispatcher
	account    *domain.Account
}

func newFixture(t *testing.T, balance string, services ...domain.Service) *fixture {
	t.Helper()

	store := memory.NewStore()
	account := domain.Account{
		ID:       1,
		Username: "reseller",
		APIKey:   "secret-key",
		Email:    "reseller@example.com",
		Balance:  decimal.RequireFromString(balance),
		Status:   domain.AccountStatusActive,
	}
	store.PutAccount(account)
	for _, svc := range services {
		store.PutService(svc)
	}

	dispatcher := &recordingDispatcher{}
	catalog := domain.NewCatalogService(store.Services())
	orders := domain.NewOrderService(store.Accounts(), store.OrderRepo(), catalog, store, dispatcher, nil)

	return &fixture{
		store:      store,
		orders:     orders,
		auth:       domain.NewAuthService(store.Accounts(), false),
		dispatcher: dispatcher,
		account:    &account,
	}
}

func activeService(id, price string) domain.Service {
	return domain.Service{
		ID:     id,
		Name:   "Unlock " + id,
		Price:  decimal.RequireFromString(price),
		Status: domain.ServiceStatusActive,
	}
}

func TestPlaceOrder_DebitsAndRecords(t *testing.T) {
	f := newFixture(t, "10.00", activeService("1", "4.00"))

	order, err := f.orders.PlaceOrder(context.Background(), f.account, "1", "356938035643809")
	require.NoError(t, err)
	require.NotEmpty(t, order.ReferenceID)
	require.Equal(t, domain.OrderStatusProcessing, order.Status)
	require.Empty(t, order.Result)

	require.True(t, f.store.Balance(1).Equal(decimal.RequireFromString("6.00")))
	require.True(t, f.account.Balance.Equal(decimal.RequireFromString("6.00")))

	stored := f.store.Orders(1)
	require.Len(t, stored, 1)
	require.Equal(t, order.ReferenceID, stored[0].ReferenceID)
	require.Len(t, f.dispatcher.orders, 1)
}

func TestPlaceOrder_SequentialUntilInsufficient(t *testing.T) {
	f := newFixture(t, "10.00", activeService("1", "4.00"))
	ctx := context.Background()

	_, err := f.orders.PlaceOrder(ctx, f.account, "1", "356938035643809")
	require.NoError(t, err)
	require.Equal(t, "6.00", f.store.Balance(1).StringFixed(2))

	_, err = f.orders.PlaceOrder(ctx, f.account, "1", "356938035643809")
	require.NoError(t, err)
	require.Equal(t, "2.00", f.store.Balance(1).StringFixed(2))

	_, err = f.orders.PlaceOrder(ctx, f.account, "1", "356938035643809")
	require.ErrorIs(t, err, domain.ErrInsufficientCredit)
	require.Equal(t, "2.00", f.store.Balance(1).StringFixed(2))
	require.Len(t, f.store.Orders(1), 2)
	require.Len(t, f.dispatcher.orders, 2)
}

func TestPlaceOrder_StaleSnapshotUsesCurrentBalance(t *testing.T) {
	f := newFixture(t, "5.00", activeService("1", "4.00"))
	ctx := context.Background()

	stale := *f.account
	_, err := f.orders.PlaceOrder(ctx, f.account, "1", "356938035643809")
	require.NoError(t, err)

	// stale still believes the balance is 5.00
	_, err = f.orders.PlaceOrder(ctx, &stale, "1", "356938035643809")
	require.ErrorIs(t, err, domain.ErrInsufficientCredit)
	require.Equal(t, "1.00", f.store.Balance(1).StringFixed(2))
	require.Equal(t, "1.00", stale.Balance.StringFixed(2))
}

func TestPlaceOrder_RejectionsLeaveLedgerUntouched(t *testing.T) {
	inactive := activeService("2", "1.00")
	inactive.Status = domain.ServiceStatusInactive

	tests := []struct {
		name      string
		serviceID string
		imei      string
		wantErr   error
	}{
		{name: "too short imei", serviceID: "1", imei: "1234", wantErr: domain.ErrInvalidIMEI},
		{name: "too long imei", serviceID: "1", imei: "12345678901234567890123456789012345678901", wantErr: domain.ErrInvalidIMEI},
		{name: "imei with space", serviceID: "1", imei: "35693 8035643809", wantErr: domain.ErrInvalidIMEI},
		{name: "imei with symbol", serviceID: "1", imei: "356938035643809!", wantErr: domain.ErrInvalidIMEI},
		{name: "empty imei", serviceID: "1", imei: "", wantErr: domain.ErrInvalidIMEI},
		{name: "unknown service", serviceID: "99", imei: "356938035643809", wantErr: domain.ErrInvalidService},
		{name: "inactive service", serviceID: "2", imei: "356938035643809", wantErr: domain.ErrInvalidService},
		{name: "price above balance", serviceID: "3", imei: "356938035643809", wantErr: domain.ErrInsufficientCredit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "5.00", activeService("1", "1.00"), inactive, activeService("3", "5.01"))

			order, err := f.orders.PlaceOrder(context.Background(), f.account, tt.serviceID, tt.imei)
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, order)
			require.Equal(t, "5.00", f.store.Balance(1).StringFixed(2))
			require.Empty(t, f.store.Orders(1))
			require.Empty(t, f.dispatcher.orders)
		})
	}
}

func TestPlaceOrder_ExactBalanceIsAffordable(t *testing.T) {
	f := newFixture(t, "4.00", activeService("1", "4.00"))

	_, err := f.orders.PlaceOrder(context.Background(), f.account, "1", "A1B2C-3D4E5")
	require.NoError(t, err)
	require.True(t, f.store.Balance(1).IsZero())
}

func TestPlaceOrder_StorageFailure(t *testing.T) {
	f := newFixture(t, "5.00", activeService("1", "1.00"))
	f.store.SetDown(true)

	_, err := f.orders.PlaceOrder(context.Background(), f.account, "1", "356938035643809")
	require.ErrorIs(t, err, domain.ErrStorage)

	f.store.SetDown(false)
	require.Equal(t, "5.00", f.store.Balance(1).StringFixed(2))
	require.Empty(t, f.store.Orders(1))
}

// failingOrders fails every insert after the debit path has started
type failingOrders struct {
	domain.OrderRepository
}

func (failingOrders) Create(ctx context.Context, order *domain.Order) error {
	return errors.New("disk full")
}

func TestPlaceOrder_FailedInsertRollsBack(t *testing.T) {
	f := newFixture(t, "5.00", activeService("1", "1.00"))
	catalog := domain.NewCatalogService(f.store.Services())
	svc := domain.NewOrderService(f.store.Accounts(), failingOrders{f.store.OrderRepo()}, catalog, f.store, f.dispatcher, nil)

	_, err := svc.PlaceOrder(context.Background(), f.account, "1", "356938035643809")
	require.ErrorIs(t, err, domain.ErrStorage)
	require.Equal(t, "5.00", f.store.Balance(1).StringFixed(2))
	require.Empty(t, f.dispatcher.orders)
}

func TestPlaceOrder_ConcurrentDebitsSerialise(t *testing.T) {
	f := newFixture(t, "10.00", activeService("1", "1.00"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *f.account
			if _, err := f.orders.PlaceOrder(context.Background(), &snapshot, "1", "356938035643809"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, succeeded)
	require.True(t, f.store.Balance(1).IsZero())
	require.Len(t, f.store.Orders(1), 10)
}

func TestGetOrder_RepeatableRead(t *testing.T) {
	f := newFixture(t, "5.00", activeService("1", "1.00"))
	ctx := context.Background()

	placed, err := f.orders.PlaceOrder(ctx, f.account, "1", "356938035643809")
	require.NoError(t, err)

	first, err := f.orders.GetOrder(ctx, f.account, placed.ReferenceID)
	require.NoError(t, err)
	second, err := f.orders.GetOrder(ctx, f.account, placed.ReferenceID)
	require.NoError(t, err)

	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.Result, second.Result)
	require.Equal(t, "5.00", f.store.Balance(1).Add(placed.Price).StringFixed(2))
}

func TestGetOrder_OtherAccount(t *testing.T) {
	f := newFixture(t, "5.00", activeService("1", "1.00"))
	ctx := context.Background()

	placed, err := f.orders.PlaceOrder(ctx, f.account, "1", "356938035643809")
	require.NoError(t, err)

	other := &domain.Account{ID: 2}
	_, err = f.orders.GetOrder(ctx, other, placed.ReferenceID)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestAuthenticate(t *testing.T) {
	hashed, err := domain.HashKey("hashed-secret")
	require.NoError(t, err)

	tests := []struct {
		name          string
		account       domain.Account
		username      string
		key           string
		requireHashed bool
		wantErr       error
	}{
		{
			name:     "plaintext match",
			account:  domain.Account{ID: 1, Username: "u", APIKey: "k", Status: domain.AccountStatusActive},
			username: "u",
			key:      "k",
		},
		{
			name:     "wrong key",
			account:  domain.Account{ID: 1, Username: "u", APIKey: "k", Status: domain.AccountStatusActive},
			username: "u",
			key:      "x",
			wantErr:  domain.ErrAuthFailed,
		},
		{
			name:     "unknown user",
			account:  domain.Account{ID: 1, Username: "u", APIKey: "k", Status: domain.AccountStatusActive},
			username: "nobody",
			key:      "k",
			wantErr:  domain.ErrAuthFailed,
		},
		{
			name:     "suspended account",
			account:  domain.Account{ID: 1, Username: "u", APIKey: "k", Status: domain.AccountStatusSuspended},
			username: "u",
			key:      "k",
			wantErr:  domain.ErrAuthFailed,
		},
		{
			name:     "bcrypt match",
			account:  domain.Account{ID: 1, Username: "u", APIKey: hashed, Status: domain.AccountStatusActive},
			username: "u",
			key:      "hashed-secret",
		},
		{
			name:     "bcrypt mismatch",
			account:  domain.Account{ID: 1, Username: "u", APIKey: hashed, Status: domain.AccountStatusActive},
			username: "u",
			key:      hashed,
			wantErr:  domain.ErrAuthFailed,
		},
		{
			name:          "plaintext refused when hashing required",
			account:       domain.Account{ID: 1, Username: "u", APIKey: "k", Status: domain.AccountStatusActive},
			username:      "u",
			key:           "k",
			requireHashed: true,
			wantErr:       domain.ErrAuthFailed,
		},
		{
			name:          "bcrypt accepted when hashing required",
			account:       domain.Account{ID: 1, Username: "u", APIKey: hashed, Status: domain.AccountStatusActive},
			username:      "u",
			key:           "hashed-secret",
			requireHashed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			store.PutAccount(tt.account)
			auth := domain.NewAuthService(store.Accounts(), tt.requireHashed)

			account, err := auth.Authenticate(context.Background(), tt.username, tt.key)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Nil(t, account)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.account.ID, account.ID)
		})
	}
}

func TestAuthenticate_StorageFailureIsNotAuthFailure(t *testing.T) {
	store := memory.NewStore()
	store.SetDown(true)
	auth := domain.NewAuthService(store.Accounts(), false)

	_, err := auth.Authenticate(context.Background(), "u", "k")
	require.ErrorIs(t, err, domain.ErrStorage)
	require.NotErrorIs(t, err, domain.ErrAuthFailed)
}

func TestCatalogList(t *testing.T) {
	inactive := activeService("3", "1.00")
	inactive.Status = domain.ServiceStatusInactive
	grouped := activeService("2", "2.50")
	grouped.Group = "Apple"

	store := memory.NewStore()
	store.PutService(activeService("1", "1.00"))
	store.PutService(grouped)
	store.PutService(inactive)

	services, err := domain.NewCatalogService(store.Services()).List(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 2)
	require.Equal(t, "Apple", services[0].GroupName())
	require.Equal(t, domain.DefaultServiceGroup, services[1].GroupName())
}

// failingCommit runs fn in the store's transaction and then fails as a
// commit would, rolling everything back.
type failingCommit struct {
	store *memory.Store
}

func (f failingCommit) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return f.store.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := fn(txCtx); err != nil {
			return err
		}
		return errors.New("failed to commit transaction: connection lost")
	})
}

func TestPlaceOrder_CommitFailureKeepsCallerBalance(t *testing.T) {
	f := newFixture(t, "5.00", activeService("1", "1.00"))
	catalog := domain.NewCatalogService(f.store.Services())
	svc := domain.NewOrderService(f.store.Accounts(), f.store.OrderRepo(), catalog, failingCommit{f.store}, f.dispatcher, nil)

	_, err := svc.PlaceOrder(context.Background(), f.account, "1", "356938035643809")
	require.ErrorIs(t, err, domain.ErrStorage)

	require.Equal(t, "5.00", f.account.Balance.StringFixed(2))
	require.Equal(t, "5.00", f.store.Balance(1).StringFixed(2))
	require.Empty(t, f.store.Orders(1))
	require.Empty(t, f.dispatcher.orders)
}

func TestPlaceOrder_InsufficientCreditRefreshesBalance(t *testing.T) {
	f := newFixture(t, "2.00", activeService("1", "4.00"))
	snapshot := *f.account
	snapshot.Balance = decimal.RequireFromString("10.00")

	_, err := f.orders.PlaceOrder(context.Background(), &snapshot, "1", "356938035643809")
	require.ErrorIs(t, err, domain.ErrInsufficientCredit)
	require.Equal(t, "2.00", snapshot.Balance.StringFixed(2))
	require.Equal(t, "2.00", f.store.Balance(1).StringFixed(2))
}

func TestRehashPlaintextKeys(t *testing.T) {
	store := memory.NewStore()
	hashed, err := domain.HashKey("already-hashed")
	require.NoError(t, err)
	store.PutAccount(domain.Account{ID: 1, Username: "plain", APIKey: "plain-key", Status: domain.AccountStatusActive})
	store.PutAccount(domain.Account{ID: 2, Username: "hashed", APIKey: hashed, Status: domain.AccountStatusActive})
	ctx := context.Background()

	migrated, err := domain.RehashPlaintextKeys(ctx, store.Accounts())
	require.NoError(t, err)
	require.Equal(t, 1, migrated)

	strict := domain.NewAuthService(store.Accounts(), true)
	_, err = strict.Authenticate(ctx, "plain", "plain-key")
	require.NoError(t, err)
	_, err = strict.Authenticate(ctx, "hashed", "already-hashed")
	require.NoError(t, err)

	migrated, err = domain.RehashPlaintextKeys(ctx, store.Accounts())
	require.NoError(t, err)
	require.Zero(t, migrated)

	store.SetDown(true)
	_, err = domain.RehashPlaintextKeys(ctx, store.Accounts())
	require.ErrorIs(t, err, domain.ErrStorage)
}
