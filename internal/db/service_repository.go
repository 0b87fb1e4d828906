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

// ServiceRepository implements domain.ServiceRepository using PostgreSQL.
type ServiceRepository struct {
	pool *pgxpool.Pool
}

// NewServiceRepository creates a new ServiceRepository.
func NewServiceRepository(pool *pgxpool.Pool) *ServiceRepository {
	return &ServiceRepository{pool: pool}
}

// GetByID retrieves a service by its identifier regardless of status.
func (r *ServiceRepository) GetByID(ctx context.Context, id string) (*domain.Service, error) {
	query := `
		SELECT service_id, service_name, credit::text, status, service_group
		FROM imei_services
		WHERE service_id = $1
	`

	service, err := scanService(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrServiceNotFound
		}
		return nil, fmt.Errorf("failed to get service: %w", err)
	}

	return service, nil
}

// ListActive returns active services ordered by group and id.
func (r *ServiceRepository) ListActive(ctx context.Context) ([]*domain.Service, error) {
	query := `
		SELECT service_id, service_name, credit::text, status, service_group
		FROM imei_services
		WHERE status = 'active'
		ORDER BY COALESCE(NULLIF(service_group, ''), $1), service_id
	`

	rows, err := conn(ctx, r.pool).Query(ctx, query, domain.DefaultServiceGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var services []*domain.Service
	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service row: %w", err)
		}
		services = append(services, service)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating service rows: %w", err)
	}

	return services, nil
}

func scanService(row pgx.Row) (*domain.Service, error) {
	var service domain.Service
	var price, status string

	if err := row.Scan(&service.ID, &service.Name, &price, &status, &service.Group); err != nil {
		return nil, err
	}

	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", price, err)
	}
	service.Price = p
	service.Status = domain.ServiceStatus(status)

	return &service, nil
}
