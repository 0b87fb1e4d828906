package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	s.PutAccount(domain.Account{ID: 1, Username: "u", Balance: decimal.RequireFromString("3.00"), Status: domain.AccountStatusActive})
	return s
}

func TestWithTransaction_RollsBackDebitAndOrder(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	order := &domain.Order{ReferenceID: "ORD1", AccountID: 1, IMEI: "12345"}

	err := s.WithTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, s.OrderRepo().Create(txCtx, order))
		require.NoError(t, s.Accounts().Debit(txCtx, 1, decimal.RequireFromString("1.00")))
		return errors.New("abort")
	})
	require.Error(t, err)

	require.True(t, s.Balance(1).Equal(decimal.RequireFromString("3.00")))
	require.Empty(t, s.Orders(1))
}

func TestWithTransaction_NestedReusesOuter(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(txCtx context.Context) error {
		return s.WithTransaction(txCtx, func(inner context.Context) error {
			return s.Accounts().Debit(inner, 1, decimal.RequireFromString("1.00"))
		})
	})
	require.NoError(t, err)
	require.True(t, s.Balance(1).Equal(decimal.RequireFromString("2.00")))
}

func TestDebit_RefusesOverdraft(t *testing.T) {
	s := seeded(t)
	err := s.Accounts().Debit(context.Background(), 1, decimal.RequireFromString("3.01"))
	require.ErrorIs(t, err, domain.ErrInsufficientCredit)
	require.True(t, s.Balance(1).Equal(decimal.RequireFromString("3.00")))
}

func TestSetDown(t *testing.T) {
	s := seeded(t)
	s.SetDown(true)
	ctx := context.Background()

	require.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
	_, err := s.Accounts().GetByUsername(ctx, "u")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Error(t, s.WithTransaction(ctx, func(context.Context) error { return nil }))

	s.SetDown(false)
	require.NoError(t, s.Ping(ctx))
}

func TestGetByReference_OwnerScoped(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.OrderRepo().Create(ctx, &domain.Order{ReferenceID: "ORD1", AccountID: 1}))

	_, err := s.OrderRepo().GetByReference(ctx, 2, "ORD1")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	got, err := s.OrderRepo().GetByReference(ctx, 1, "ORD1")
	require.NoError(t, err)
	require.Equal(t, "ORD1", got.ReferenceID)
}
