package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// AccountRepository defines the interface for account data access operations.
type AccountRepository interface {
	// GetByUsername retrieves an account by its DHRU username.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetByUsername(ctx context.Context, username string) (*Account, error)

	// Lock acquires a database lock on the account for the duration of the transaction
	// and returns its current state.
	// Must be called within a transaction context.
	Lock(ctx context.Context, id int64) (*Account, error)

	// Debit subtracts amount from the account balance.
	// Returns ErrInsufficientCredit if the balance would become negative.
	Debit(ctx context.Context, id int64, amount decimal.Decimal) error
}

// ServiceRepository defines read access to the service catalog.
type ServiceRepository interface {
	// GetByID retrieves a service by its identifier.
	// Returns ErrServiceNotFound if the service doesn't exist.
	GetByID(ctx context.Context, id string) (*Service, error)

	// ListActive returns all active services ordered by group and id.
	ListActive(ctx context.Context) ([]*Service, error)
}

// OrderRepository defines the interface for order data access operations.
type OrderRepository interface {
	// Create persists a new order record.
	// Returns an error if an order with the same reference id already exists.
	Create(ctx context.Context, order *Order) error

	// GetByReference retrieves an order owned by accountID.
	// Returns ErrOrderNotFound if no such order exists.
	GetByReference(ctx context.Context, accountID int64, referenceID string) (*Order, error)
}

// TransactionManager defines the interface for managing database transactions.
type TransactionManager interface {
	// WithTransaction executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Dispatcher hands accepted orders to fulfillment.
// Dispatch must not block on the upstream service.
type Dispatcher interface {
	Dispatch(ctx context.Context, order *Order)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
