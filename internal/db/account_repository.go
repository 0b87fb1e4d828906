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

// AccountRepository implements domain.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{
		pool: pool,
	}
}

const accountColumns = `id, api_user, api_key, email, balance::text, status, created_at, updated_at`

// GetByUsername retrieves an account by its DHRU username.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM api_users
		WHERE api_user = $1
	`

	account, err := scanAccount(conn(ctx, r.pool).QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// Lock acquires a pessimistic lock on the account for the duration of the transaction.
// This method MUST be called within a transaction context.
// Uses SELECT ... FOR UPDATE to lock the row.
func (r *AccountRepository) Lock(ctx context.Context, id int64) (*domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM api_users
		WHERE id = $1
		FOR UPDATE
	`

	tx := getTx(ctx)
	if tx == nil {
		return nil, errors.New("lock account: no transaction in context")
	}

	account, err := scanAccount(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	return account, nil
}

// Debit subtracts amount from the account balance.
// The guarded update never lets the balance go negative even without a prior lock.
func (r *AccountRepository) Debit(ctx context.Context, id int64, amount decimal.Decimal) error {
	query := `
		UPDATE api_users
		SET balance = balance - $2::numeric,
		    updated_at = NOW()
		WHERE id = $1 AND balance >= $2::numeric
	`

	result, err := conn(ctx, r.pool).Exec(ctx, query, id, amount.String())
	if err != nil {
		if isCheckViolation(err) {
			return domain.ErrInsufficientCredit
		}
		return fmt.Errorf("failed to debit account: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrInsufficientCredit
	}

	return nil
}

// ListKeys returns the stored credential of every account.
func (r *AccountRepository) ListKeys(ctx context.Context) ([]domain.StoredKey, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT id, api_key FROM api_users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.StoredKey
	for rows.Next() {
		var key domain.StoredKey
		if err := rows.Scan(&key.AccountID, &key.APIKey); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}

	return keys, nil
}

// ReplaceAPIKey sets the key of account id to newKey if it still equals oldKey.
func (r *AccountRepository) ReplaceAPIKey(ctx context.Context, id int64, oldKey, newKey string) error {
	query := `
		UPDATE api_users
		SET api_key = $3,
		    updated_at = NOW()
		WHERE id = $1 AND api_key = $2
	`

	result, err := conn(ctx, r.pool).Exec(ctx, query, id, oldKey, newKey)
	if err != nil {
		return fmt.Errorf("failed to replace api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}

	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	var balance, status string

	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.APIKey,
		&account.Email,
		&balance,
		&status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", balance, err)
	}
	account.Status = domain.AccountStatus(status)

	return &account, nil
}
