package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
)

// ErrDuplicateReference is returned when a reference id is already taken.
var ErrDuplicateReference = errors.New("order reference already exists")

// OrderRepository implements domain.OrderRepository using PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{
		pool: pool,
	}
}

// Create persists a new order record.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (
			order_id, user_id, service_id, imei,
			price, status, result, created_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		order.ReferenceID,
		order.AccountID,
		order.ServiceID,
		order.IMEI,
		order.Price.String(),
		string(order.Status),
		order.Result,
		order.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, order.ReferenceID)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	return nil
}

// GetByReference retrieves an order owned by accountID.
func (r *OrderRepository) GetByReference(ctx context.Context, accountID int64, referenceID string) (*domain.Order, error) {
	query := `
		SELECT order_id, user_id, service_id, imei,
		       price::text, status, result, created_at
		FROM orders
		WHERE order_id = $1 AND user_id = $2
	`

	var order domain.Order
	var price, status string

	err := conn(ctx, r.pool).QueryRow(ctx, query, referenceID, accountID).Scan(
		&order.ReferenceID,
		&order.AccountID,
		&order.ServiceID,
		&order.IMEI,
		&price,
		&status,
		&order.Result,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid order price %q: %w", price, err)
	}
	order.Status = domain.OrderStatus(status)

	return &order, nil
}
