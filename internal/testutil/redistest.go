package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a client for a test Redis plus a cleanup function.
//
// REDIS_TEST_URL selects an existing server. Otherwise, with
// TESTCONTAINERS=1, a throwaway redis:7-alpine container is started. With
// neither set the test is skipped.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_TEST_URL")
	var terminate func()
	if url == "" {
		if os.Getenv("TESTCONTAINERS") != "1" {
			t.Skip("REDIS_TEST_URL not set and TESTCONTAINERS!=1, skipping integration test")
		}
		url, terminate = startRedis(t, ctx)
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: ping: %v", err)
	}

	return client, func() {
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
		if terminate != nil {
			terminate()
		}
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	terminate := func() {
		_ = testcontainers.TerminateContainer(c, testcontainers.StopTimeout(10*time.Second))
	}
	if err != nil {
		terminate()
		t.Fatalf("redistest: start redis container: %v", err)
	}

	endpoint, err := c.PortEndpoint(ctx, "6379/tcp", "redis")
	if err != nil {
		terminate()
		t.Fatalf("redistest: container endpoint: %v", err)
	}
	return endpoint, terminate
}
