//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint/checkpointtest"
	"github.com/zyra-ai-sei/sdk-backend/internal/config"
)

// startPostgres starts a PostgreSQL testcontainer and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("sdk_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	testcontainers.CleanupContainer(t, container)
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	return dsn
}

// startRedis starts a Redis testcontainer and returns its URL.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	testcontainers.CleanupContainer(t, container)
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestPostgresContract(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	cfg := config.PostgresConfig{
		DSN:         dsn,
		MaxConns:    4,
		MinConns:    1,
		MaxConnIdle: config.Duration{Duration: 30 * time.Second},
	}
	pg, err := NewPostgres(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	if err := pg.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	checkpointtest.Run(t, func(t *testing.T) checkpoint.Repository {
		if _, err := pg.db.Exec(ctx, `TRUNCATE checkpoints`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return pg
	})
}

func TestRedisContract(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()
	rs, err := NewRedis(ctx, config.RedisConfig{URL: url, KeyPrefix: "sdk-test:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	checkpointtest.Run(t, func(t *testing.T) checkpoint.Repository {
		if err := rs.rdb.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		return rs
	})
}

func TestRedisStepsStayContiguous(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()
	rs, err := NewRedis(ctx, config.RedisConfig{URL: url, KeyPrefix: "sdk-test:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	meta := checkpoint.Metadata{Source: checkpoint.SourceLoop}

	// A stale step is refused and writes nothing.
	if _, err := rs.Put(ctx, "addr1", nil, meta); err != nil {
		t.Fatalf("put: %v", err)
	}
	added, err := appendCheckpoint.Run(ctx, rs.rdb, []string{rs.chainKey("addr1")}, 1, `{"step":1}`).Int64()
	if err != nil || added != 0 {
		t.Fatalf("stale append: added=%d err=%v", added, err)
	}

	// A put that fails before reaching the server leaves no hole.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := rs.Put(cancelled, "addr1", nil, meta); err == nil {
		t.Fatal("put on cancelled context succeeded")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rs.Put(ctx, "addr1", nil, meta); err != nil {
				t.Errorf("concurrent put: %v", err)
			}
		}()
	}
	wg.Wait()

	chain, err := rs.List(ctx, "addr1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chain) != 5 {
		t.Fatalf("got %d checkpoints, want 5", len(chain))
	}
	for i, cp := range chain {
		if cp.Step != int64(i+1) || cp.ParentStep != int64(i) {
			t.Errorf("chain[%d] = step %d parent %d", i, cp.Step, cp.ParentStep)
		}
	}
}
