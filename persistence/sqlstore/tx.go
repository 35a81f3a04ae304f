package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	maxTransactionRetries = 3
	baseRetryDelay        = 50 * time.Millisecond
)

// DBTX is what statement helpers need from a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// boundTx rewrites placeholders for the active dialect.
type boundTx struct {
	tx *sql.Tx
	d  *dialect
}

func (b boundTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.tx.ExecContext(ctx, b.d.rebind(query), args...)
}

func (b boundTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.tx.QueryContext(ctx, b.d.rebind(query), args...)
}

func (b boundTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return b.tx.QueryRowContext(ctx, b.d.rebind(query), args...)
}

// withTransaction runs fn in a transaction. The transaction is rolled back
// whenever fn or the commit fails, and the whole attempt is retried with
// exponential backoff a bounded number of times when the failure is
// retryable.
func (s *Store) withTransaction(ctx context.Context, op string, fn func(tx DBTX) error) error {
	attempt := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		if err := fn(boundTx{tx: tx, d: s.dialect}); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseRetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxTransactionRetries), ctx)
	err := backoff.RetryNotify(attempt, policy, func(err error, next time.Duration) {
		logger.Debug("retrying transaction", zap.String("op", op), zap.Duration("backoff", next), zap.Error(err))
	})
	if err == nil || isDomainError(err) {
		return err
	}
	logger.Error("transaction failed", zap.String("op", op), zap.String("dialect", s.dialect.name), zap.Error(err))
	return persistence.StorageLayerError{Message: errors.Wrap(err, op).Error()}
}

func classify(err error) error {
	if isRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func isDomainError(err error) bool {
	var dup persistence.DuplicateFlowIdError
	return persistence.IsNotFound(err) || errors.As(err, &dup) || errors.Is(err, persistence.ErrFlowLeased)
}

var retryableMessages = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"sqlite_locked",
	"busy",
	"unique constraint failed",
}

// isRetryable reports whether err is a transient conflict worth retrying.
// Unique violations are included because sequence allocation and
// existence checks are re-evaluated on the next attempt.
func isRetryable(err error) bool {
	if err == nil || isDomainError(err) {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213, 1062:
			return true
		}
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
