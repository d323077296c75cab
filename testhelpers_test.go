package safequery_test

import (
	"context"
	"database/sql/driver"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5"
	"github.com/rickchristie/govner/pgflock/client"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/safequery"
)

const (
	pgflockLockerPort = 9776
	pgflockPassword   = "pgflock"
)

const countSQL = "SELECT COUNT(1) AS qty FROM analytics.orders"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func acquireTestDB(t *testing.T) string {
	t.Helper()
	connStr, err := client.Lock(pgflockLockerPort, t.Name(), pgflockPassword)
	if err != nil {
		t.Fatalf("Failed to acquire test database: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Unlock(pgflockLockerPort, pgflockPassword, connStr)
	})
	return connStr
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func defaultConfig() safequery.Config {
	return safequery.Config{
		Pool: safequery.PoolConfig{MaxConns: 5},
		Query: safequery.QueryConfig{
			DefaultTimeoutSeconds: 30,
			MaxSQLLength:          100000,
		},
		Allowlist: safequery.AllowlistConfig{
			Tables: map[string][]string{
				"orders": {"order_id", "order_status", "order_purchase_timestamp"},
			},
		},
	}
}

// namedArgsConverter lets pgx.NamedArgs through the sqlmock driver the way
// the pgx stdlib driver accepts them.
type namedArgsConverter struct{}

func (namedArgsConverter) ConvertValue(v any) (driver.Value, error) {
	if args, ok := v.(pgx.NamedArgs); ok {
		return args, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

// namedArg matches one entry of a pgx.NamedArgs argument.
type namedArg struct {
	name  string
	value any
}

func (a namedArg) Match(v driver.Value) bool {
	args, ok := v.(pgx.NamedArgs)
	return ok && args[a.name] == a.value
}

type mockDB struct {
	sqlmock.Sqlmock
}

// expectTx queues BEGIN plus the SET LOCAL statements every execution issues.
func (m *mockDB) expectTx(timeoutMS string) {
	m.ExpectBegin()
	m.ExpectExec("SET LOCAL transaction_read_only = on").WillReturnResult(sqlmock.NewResult(0, 0))
	m.ExpectExec("SET LOCAL statement_timeout = " + timeoutMS).WillReturnResult(sqlmock.NewResult(0, 0))
}

// newMockInstance builds a SafeQuery on a sqlmock-backed engine.
func newMockInstance(t *testing.T, config safequery.Config, opts ...safequery.Option) (*safequery.SafeQuery, *mockDB) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
		sqlmock.ValueConverterOption(namedArgsConverter{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sq, err := safequery.NewWithEngine(safequery.NewSQLEngine(db, config.Pool.MaxConns), config, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close(context.Background()) })
	return sq, &mockDB{mock}
}

// expectPanic calls f and asserts that it panics with a message containing substr.
func expectPanic(t *testing.T, substr string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q, but no panic occurred", substr)
		}
		msg, ok := r.(string)
		if !ok {
			if err, isErr := r.(error); isErr {
				msg = err.Error()
			} else {
				t.Fatalf("expected panic string/error containing %q, got %T: %v", substr, r, r)
			}
		}
		require.Contains(t, msg, substr)
	}()
	f()
}
