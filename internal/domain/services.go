package domain

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrServiceNotFound is returned when a service doesn't exist
	ErrServiceNotFound = errors.New("service not found")

	// ErrOrderNotFound is returned when an order doesn't exist for the account
	ErrOrderNotFound = errors.New("order not found")

	// ErrAuthFailed is returned for any credential, status or lookup failure during authentication
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInvalidIMEI is returned when the IMEI is not 5-40 alphanumeric or hyphen characters
	ErrInvalidIMEI = errors.New("invalid imei format")

	// ErrInvalidService is returned when the service is absent or inactive
	ErrInvalidService = errors.New("invalid service")

	// ErrInsufficientCredit is returned when the balance doesn't cover the service price
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrStorage wraps any unexpected store failure
	ErrStorage = errors.New("storage failure")
)

// storageError marks err as a storage failure unless it already is one.
func storageError(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// AuthService verifies reseller credentials.
type AuthService struct {
	accounts      AccountRepository
	requireHashed bool
}

// NewAuthService creates a new AuthService.
// With requireHashed set, accounts whose key is still stored in plaintext cannot authenticate.
func NewAuthService(accounts AccountRepository, requireHashed bool) *AuthService {
	return &AuthService{
		accounts:      accounts,
		requireHashed: requireHashed,
	}
}

// Authenticate returns the active account matching username and apiKey.
// Every rejection is reported as ErrAuthFailed so callers cannot tell
// an unknown user from a wrong key or a suspended account.
func (s *AuthService) Authenticate(ctx context.Context, username, apiKey string) (*Account, error) {
	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAuthFailed
		}
		return nil, storageError("get account", err)
	}

	if !account.IsActive() {
		return nil, ErrAuthFailed
	}

	if !s.verifyKey(account.APIKey, apiKey) {
		return nil, ErrAuthFailed
	}

	return account, nil
}

func (s *AuthService) verifyKey(stored, presented string) bool {
	if IsHashedKey(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	if s.requireHashed {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// IsHashedKey reports whether a stored key is a bcrypt hash.
func IsHashedKey(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}

// HashKey returns the bcrypt hash of an API key, for migrating plaintext records.
func HashKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// StoredKey is the credential stored for one account.
type StoredKey struct {
	AccountID int64
	APIKey    string
}

// KeyStore is the account storage used to migrate plaintext API keys.
type KeyStore interface {
	// ListKeys returns the stored credential of every account.
	ListKeys(ctx context.Context) ([]StoredKey, error)

	// ReplaceAPIKey sets the key of account id to newKey if it still equals oldKey.
	// Returns ErrAccountNotFound if the account is gone or its key changed meanwhile.
	ReplaceAPIKey(ctx context.Context, id int64, oldKey, newKey string) error
}

// RehashPlaintextKeys replaces every plaintext API key with its bcrypt hash
// and returns how many records were migrated. Resellers keep using the same
// key. Once it has run, AUTH_REQUIRE_HASHED can be enabled.
func RehashPlaintextKeys(ctx context.Context, store KeyStore) (int, error) {
	keys, err := store.ListKeys(ctx)
	if err != nil {
		return 0, storageError("list api keys", err)
	}

	migrated := 0
	for _, key := range keys {
		if key.APIKey == "" || IsHashedKey(key.APIKey) {
			continue
		}
		hashed, err := HashKey(key.APIKey)
		if err != nil {
			return migrated, err
		}
		if err := store.ReplaceAPIKey(ctx, key.AccountID, key.APIKey, hashed); err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				continue
			}
			return migrated, storageError("replace api key", err)
		}
		migrated++
	}
	return migrated, nil
}

// CatalogService resolves services and their prices.
type CatalogService struct {
	services ServiceRepository
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(services ServiceRepository) *CatalogService {
	return &CatalogService{services: services}
}

// Resolve returns the active service with the given id.
// Absent and inactive services are both ErrInvalidService.
func (c *CatalogService) Resolve(ctx context.Context, serviceID string) (*Service, error) {
	service, err := c.services.GetByID(ctx, serviceID)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return nil, ErrInvalidService
		}
		return nil, storageError("get service", err)
	}
	if service.Status != ServiceStatusActive {
		return nil, ErrInvalidService
	}
	return service, nil
}

// List returns every active service.
func (c *CatalogService) List(ctx context.Context) ([]*Service, error) {
	services, err := c.services.ListActive(ctx)
	if err != nil {
		return nil, storageError("list services", err)
	}
	return services, nil
}

// OrderService handles the business logic for paid IMEI orders.
// It coordinates between repositories and ensures that a debit and its
// order record are written in one transaction.
type OrderService struct {
	accounts   AccountRepository
	orders     OrderRepository
	catalog    *CatalogService
	txManager  TransactionManager
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewOrderService creates a new instance of OrderService.
// Pass nil for dispatcher if accepted orders should not be forwarded.
func NewOrderService(
	accounts AccountRepository,
	orders OrderRepository,
	catalog *CatalogService,
	txManager TransactionManager,
	dispatcher Dispatcher,
	logger *slog.Logger,
) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{
		accounts:   accounts,
		orders:     orders,
		catalog:    catalog,
		txManager:  txManager,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// PlaceOrder charges account for serviceID and records the order.
//
// The order is executed atomically within a database transaction:
// 1. Validate the IMEI
// 2. Resolve the service price
// 3. Lock the account and check the current balance
// 4. Create the order record in Processing status
// 5. Debit the account
// 6. Commit transaction
//
// Dispatch to fulfillment happens only after commit and never changes the result.
// On success account.Balance is updated to the post-debit balance; on
// insufficient credit it is refreshed to the current balance. Any other
// failure leaves it untouched.
func (s *OrderService) PlaceOrder(ctx context.Context, account *Account, serviceID, imei string) (*Order, error) {
	if err := ValidateIMEI(imei); err != nil {
		return nil, err
	}

	service, err := s.catalog.Resolve(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	var order *Order
	balanceAfter := account.Balance
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		locked, err := s.accounts.Lock(txCtx, account.ID)
		if err != nil {
			return storageError("lock account", err)
		}

		// Check against the locked row, not the caller's snapshot
		if !locked.HasSufficientFunds(service.Price) {
			balanceAfter = locked.Balance
			return ErrInsufficientCredit
		}

		order = NewOrder(account.ID, service, imei)
		if err := s.orders.Create(txCtx, order); err != nil {
			return storageError("create order", err)
		}

		if err := s.accounts.Debit(txCtx, account.ID, service.Price); err != nil {
			if errors.Is(err, ErrInsufficientCredit) {
				return err
			}
			return storageError("debit account", err)
		}

		balanceAfter = locked.Balance.Sub(service.Price)
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			// Nothing was written; the locked balance is still current.
			account.Balance = balanceAfter
			s.logger.Warn("order rejected - insufficient credit",
				"account_id", account.ID,
				"service_id", service.ID,
				"price", service.Price.StringFixed(2),
			)
			return nil, ErrInsufficientCredit
		}
		s.logger.Error("order transaction failed",
			"account_id", account.ID,
			"service_id", service.ID,
			"error", err,
		)
		return nil, storageError("place order", err)
	}
	account.Balance = balanceAfter

	s.logger.Info("order placed",
		"account_id", account.ID,
		"reference_id", order.ReferenceID,
		"service_id", order.ServiceID,
		"price", order.Price.StringFixed(2),
	)

	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, order)
	}

	return order, nil
}

// GetOrder retrieves an order owned by account.
func (s *OrderService) GetOrder(ctx context.Context, account *Account, referenceID string) (*Order, error) {
	order, err := s.orders.GetByReference(ctx, account.ID, referenceID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, storageError("get order", err)
	}
	return order, nil
}
