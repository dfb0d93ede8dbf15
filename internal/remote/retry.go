package remote

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/johndauphine/fitsync-migrate/internal/logging"
	"github.com/johndauphine/fitsync-migrate/internal/metrics"
)

// DefaultRetryMaxElapsed bounds how long one remote call keeps retrying.
const DefaultRetryMaxElapsed = 30 * time.Second

// Retrying wraps a Store and retries transient failures with exponential backoff.
type Retrying struct {
	next       Store
	newBackOff func() backoff.BackOff
}

// NewRetrying wraps next. A maxElapsed of zero uses DefaultRetryMaxElapsed.
func NewRetrying(next Store, maxElapsed time.Duration) *Retrying {
	if maxElapsed <= 0 {
		maxElapsed = DefaultRetryMaxElapsed
	}
	return &Retrying{
		next: next,
		newBackOff: func() backoff.BackOff {
			// BackOff implementations are stateful; always return a fresh instance.
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = maxElapsed
			return bo
		},
	}
}

// WithBackOff replaces the backoff policy. Used by tests to avoid sleeping.
func (r *Retrying) WithBackOff(fn func() backoff.BackOff) *Retrying {
	r.newBackOff = fn
	return r
}

func (r *Retrying) Upsert(ctx context.Context, table string, rec Record, conflictKey string) error {
	return r.retry(ctx, "upsert", table, func() error {
		return r.next.Upsert(ctx, table, rec, conflictKey)
	})
}

func (r *Retrying) DeleteWhere(ctx context.Context, table string, where Predicate) (int64, error) {
	var n int64
	err := r.retry(ctx, "delete", table, func() error {
		var err error
		n, err = r.next.DeleteWhere(ctx, table, where)
		return err
	})
	return n, err
}

func (r *Retrying) SelectOne(ctx context.Context, table string, where Predicate) (Record, error) {
	var rec Record
	err := r.retry(ctx, "select", table, func() error {
		var err error
		rec, err = r.next.SelectOne(ctx, table, where)
		return err
	})
	return rec, err
}

func (r *Retrying) retry(ctx context.Context, op, table string, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err) // Non-retryable - stop immediately
		}
		metrics.RecordRetry(op)
		logging.Warn("remote %s %s failed (attempt %d), retrying: %v", op, table, attempt, err)
		return err
	}, backoff.WithContext(r.newBackOff(), ctx))
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrDuplicateRecord) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03": // admin shutdown, cannot connect now
			return true
		default:
			return false
		}
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"unexpected eof",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
