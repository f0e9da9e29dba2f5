// Package testutil starts throwaway backend containers for integration
// tests. Each backend runs at most once per test binary; TerminateAll stops
// them from TestMain.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	startTimeout = 3 * time.Minute
	pgUser       = "orchestro"
	pgDatabase   = "orchestro_test"
)

// shared lazily starts one container and remembers its endpoint or the
// error that prevented it.
type shared struct {
	name     string
	once     sync.Once
	endpoint string
	err      error
}

func (s *shared) get(t *testing.T, start func(ctx context.Context) (testcontainers.Container, error), format func(hostPort string) string) string {
	t.Helper()
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		c, err := start(ctx)
		if err != nil {
			s.err = err
			return
		}
		track(c)

		hostPort, err := c.Endpoint(ctx, "")
		if err != nil {
			s.err = err
			return
		}
		s.endpoint = format(hostPort)
	})
	if s.err != nil {
		t.Skipf("%s container unavailable: %v", s.name, s.err)
	}
	return s.endpoint
}

var (
	postgres = &shared{name: "postgres"}
	redis    = &shared{name: "redis"}
	mongo    = &shared{name: "mongo"}
)

// GetPostgresEndpoint returns a pgx DSN for a shared PostgreSQL 16 container.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	return postgres.get(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgUser,
				"POSTGRES_DB":       pgDatabase,
			}),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return pgDSN(host + ":" + port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
		)
	}, pgDSN)
}

// GetRedisAddress returns host:port of a shared Redis 7 container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redis.get(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections")),
		)
	}, func(hostPort string) string { return hostPort })
}

// GetMongoURI returns a connection URI for a shared MongoDB 7 container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongo.get(t, func(ctx context.Context) (testcontainers.Container, error) {
		return testcontainers.Run(ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(wait.ForListeningPort("27017/tcp")),
		)
	}, func(hostPort string) string { return "mongodb://" + hostPort })
}

func pgDSN(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgUser, hostPort, pgDatabase)
}

var (
	mu         sync.Mutex
	containers []testcontainers.Container
)

func track(c testcontainers.Container) {
	mu.Lock()
	defer mu.Unlock()
	containers = append(containers, c)
}

// TerminateAll stops every container started by this package. Call it from
// TestMain after m.Run.
func TerminateAll() {
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, c := range containers {
		_ = c.Terminate(ctx)
	}
	containers = nil
}
