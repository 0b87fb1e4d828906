package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account represents a reseller account in the system.
// The balance is prepaid credit that is debited for every accepted order.
type Account struct {
	ID        int64           // Internal identifier of the account
	Username  string          // DHRU "username" used to authenticate
	APIKey    string          // Stored credential: plaintext or a bcrypt hash
	Email     string          // Contact mail reported by accountinfo
	Balance   decimal.Decimal // Current prepaid credit, never negative
	Status    AccountStatus   // Only active accounts may authenticate
	CreatedAt time.Time       // Timestamp when the account was created
	UpdatedAt time.Time       // Timestamp of the last account update
}

// AccountStatus represents whether an account may use the gateway.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
)

// Service is an orderable IMEI service from the catalog.
type Service struct {
	ID     string
	Name   string
	Price  decimal.Decimal
	Status ServiceStatus
	Group  string
}

// ServiceStatus represents whether a service can be ordered.
type ServiceStatus string

const (
	ServiceStatusActive   ServiceStatus = "active"
	ServiceStatusInactive ServiceStatus = "inactive"
)

// DefaultServiceGroup is the label used for services without a group.
const DefaultServiceGroup = "Samurai Services"

// GroupName returns the catalog group of the service.
func (s *Service) GroupName() string {
	if strings.TrimSpace(s.Group) == "" {
		return DefaultServiceGroup
	}
	return s.Group
}

// Order represents one accepted IMEI order.
// It is created together with the balance debit that paid for it.
type Order struct {
	ReferenceID string          // Unique reference returned to the reseller
	AccountID   int64           // Owning account
	ServiceID   string          // Ordered service
	IMEI        string          // Submitted device identifier
	Price       decimal.Decimal // Amount debited for this order
	Status      OrderStatus     // Fulfillment status
	Result      string          // Fulfillment result, empty until fulfilled
	CreatedAt   time.Time       // Timestamp when the order was accepted
}

// OrderStatus represents the fulfillment state of an order.
type OrderStatus string

const (
	// OrderStatusProcessing indicates the order was paid and handed to fulfillment
	OrderStatusProcessing OrderStatus = "Processing"

	// OrderStatusCompleted indicates fulfillment succeeded
	OrderStatusCompleted OrderStatus = "Completed"

	// OrderStatusFailed indicates fulfillment failed
	OrderStatusFailed OrderStatus = "Failed"
)

// referencePrefix is prepended to every generated reference id.
const referencePrefix = "ORD"

// NewReferenceID generates a new order reference id.
// UUIDv7 ids are time ordered; uniqueness is also enforced by the store.
func NewReferenceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return referencePrefix + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

// NewOrder creates a new Order in Processing status.
func NewOrder(accountID int64, service *Service, imei string) *Order {
	return &Order{
		ReferenceID: NewReferenceID(),
		AccountID:   accountID,
		ServiceID:   service.ID,
		IMEI:        imei,
		Price:       service.Price,
		Status:      OrderStatusProcessing,
		CreatedAt:   time.Now(),
	}
}

// HasSufficientFunds checks if the account can pay the given price.
func (a *Account) HasSufficientFunds(price decimal.Decimal) bool {
	return a.Balance.GreaterThanOrEqual(price)
}

// IsActive reports whether the account may authenticate.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
