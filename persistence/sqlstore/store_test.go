package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mohitkumar/fleetflow/internal/testutil"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/mohitkumar/fleetflow/persistence/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestSqliteStore(t *testing.T) {
	suite.Run(t, &storetest.StoreSuite{
		NewStore: func() persistence.Store {
			s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: ":memory:"})
			require.NoError(t, err)
			return s
		},
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := dialects["pgx"]
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 FROM t WHERE a = ? AND b = ?"))
	lite := dialects["sqlite"]
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestInsertIgnore(t *testing.T) {
	cols := []string{"a", "b"}
	assert.Equal(t, "INSERT OR IGNORE INTO t (a, b) VALUES (?, ?)", dialects["sqlite"].insertIgnore("t", cols))
	assert.Equal(t, "INSERT IGNORE INTO t (a, b) VALUES (?, ?)", dialects["mysql"].insertIgnore("t", cols))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES (?, ?) ON CONFLICT DO NOTHING", dialects["pgx"].insertIgnore("t", cols))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, true},
		{"mysql syntax", &mysql.MySQLError{Number: 1064, Message: "syntax"}, false},
		{"postgres serialization", &pgconn.PgError{Code: "40001"}, true},
		{"postgres undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"wrapped busy", fmt.Errorf("insert: %w", errors.New("database is locked")), true},
		{"unknown flow", persistence.UnknownFlowError{ClientId: "C.1", FlowId: "F1"}, false},
		{"leased", persistence.ErrFlowLeased, false},
		{"other", errors.New("no such table: flows"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestDomainErrorsPassThroughTransactions(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadFlowObject(context.Background(), "C.1", "F1")
	var unknown persistence.UnknownFlowError
	require.True(t, errors.As(err, &unknown), "got %v", err)

	err = s.withTransaction(context.Background(), "Broken", func(tx DBTX) error {
		_, err := tx.ExecContext(context.Background(), "SELECT * FROM missing_table")
		return err
	})
	var storage persistence.StorageLayerError
	require.True(t, errors.As(err, &storage), "got %v", err)
}

func TestPostgresStore(t *testing.T) {
	runServerSuite(t, "pgx", testutil.PostgresDSN(t))
}

func TestMySQLStore(t *testing.T) {
	runServerSuite(t, "mysql", testutil.MySQLDSN(t))
}

// runServerSuite runs the shared suite against a database server, wiping
// every table before each test.
func runServerSuite(t *testing.T, driver string, dsn string) {
	suite.Run(t, &storetest.StoreSuite{
		NewStore: func() persistence.Store {
			ctx := context.Background()
			s, err := Open(ctx, Config{Driver: driver, DSN: dsn})
			require.NoError(t, err)
			for _, table := range tableNames {
				_, err := s.db.ExecContext(ctx, "DELETE FROM "+table)
				require.NoError(t, err)
			}
			return s
		},
	})
}
