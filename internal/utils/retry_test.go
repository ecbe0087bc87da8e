package utils

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestWithRetryNonRetriableReturnsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("constraint violation")

	err := WithRetry(context.Background(), func() error {
		calls++
		return wantErr
	})

	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, calls, "plain errors must not be retried")
}

func TestWithRetrySuccessFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetryCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		return &pgconn.PgError{Code: pgerrcode.ConnectionFailure}
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls, "canceled context stops the retry loop")
}

func TestIsRetriable(t *testing.T) {
	require.True(t, isRetriable(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	require.False(t, isRetriable(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	require.False(t, isRetriable(nil))
	require.False(t, isRetriable(errors.New("boom")))
}
