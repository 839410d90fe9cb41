// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mateo-Piedra22/gym-management-system-sub007/internal/infra"
)

// isRetryablePGError reports whether err is a transient Postgres
// failure worth retrying: serialization failure, deadlock, or a lock
// that could not be acquired.
func isRetryablePGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// withRetry runs fn up to attempts times, backing off between
// transient failures. Non-retryable errors return immediately.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	b := infra.NewBackoff(200*time.Millisecond, 5*time.Second, 2)
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isRetryablePGError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if sleepErr := infra.SleepContext(ctx, b.Next()); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}
