// Package testutil starts throwaway backing services for integration tests.
// Tests are skipped when no container runtime is reachable.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type container struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *container) start(t *testing.T, run func(ctx context.Context) (testcontainers.Container, error)) string {
	t.Helper()
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		ctr, err := run(ctx)
		if err != nil {
			c.err = err
			return
		}
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			_ = ctr.Terminate(context.Background())
			c.err = err
			return
		}
		c.endpoint = endpoint
	})
	if c.err != nil {
		t.Skipf("container unavailable: %v", c.err)
	}
	return c.endpoint
}

var (
	redisC    container
	postgresC container
	mysqlC    container
)

// RedisAddress returns host:port of a shared redis server.
func RedisAddress(t *testing.T) string {
	return redisC.start(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
	})
}

// PostgresDSN returns a pgx connection string for a shared database.
func PostgresDSN(t *testing.T) string {
	endpoint := postgresC.start(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "fleetflow",
				"POSTGRES_PASSWORD": "fleetflow",
				"POSTGRES_DB":       "fleetflow_test",
			}),
		)
	})
	return fmt.Sprintf("postgres://fleetflow:fleetflow@%s/fleetflow_test?sslmode=disable", endpoint)
}

// MySQLDSN returns a go-sql-driver connection string for a shared database.
func MySQLDSN(t *testing.T) string {
	endpoint := mysqlC.start(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(
			ctx, "mysql:8.0",
			testcontainers.WithExposedPorts("3306/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("3306/tcp"),
					wait.ForLog("ready for connections"),
				).WithDeadline(3*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"MYSQL_ROOT_PASSWORD": "fleetflow",
				"MYSQL_DATABASE":      "fleetflow_test",
			}),
		)
	})
	return fmt.Sprintf("root:fleetflow@tcp(%s)/fleetflow_test", endpoint)
}
