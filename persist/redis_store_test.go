package persist

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRedisStore runs the shared suite against Redis. REDIS_ADDR selects an
// existing server; otherwise a container is started when a runtime is available.
func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		ctx := context.Background()
		redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("Redis container unavailable: %v", err)
		}
		defer func() {
			if err := redisContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate Redis container: %v", err)
			}
		}()

		host, err := redisContainer.Host(ctx)
		if err != nil {
			t.Fatalf("Failed to get container host: %v", err)
		}
		port, err := redisContainer.MappedPort(ctx, "6379")
		if err != nil {
			t.Fatalf("Failed to get mapped port: %v", err)
		}
		addr = fmt.Sprintf("%s:%s", host, port.Port())
	}

	store, err := NewRedisStore(RedisConfig{Addr: addr, KeyPrefix: "safesphere-test"}, testProfile)
	if err != nil {
		t.Fatalf("Failed to create RedisStore: %v", err)
	}
	defer func() {
		ctx := context.Background()
		keys, _ := store.client.Keys(ctx, "safesphere-test:*").Result()
		if len(keys) > 0 {
			_ = store.client.Del(ctx, keys...).Err()
		}
	}()

	testStoreImplementation(t, store)
}
