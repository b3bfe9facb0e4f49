package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDB test configuration constants
const (
	mongoCtxTimeout              = 10 * time.Second
	mongoContainerStartupTimeout = 90 * time.Second
	mongoPingTimeout             = 2 * time.Second
	mongoPingRetryDelay          = 500 * time.Millisecond
	mongoPingRetries             = 5
)

// sharedMongo holds the singleton MongoDB container
var (
	sharedMongo     *sharedMongoContainer
	sharedMongoOnce sync.Once
	errSharedMongo  error
)

type sharedMongoContainer struct {
	container testcontainers.Container
	uri       string
}

// getSharedMongoContainer starts the MongoDB container once per test binary.
func getSharedMongoContainer() (*sharedMongoContainer, error) {
	sharedMongoOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), mongoContainerStartupTimeout)
		defer cancel()
		sharedMongo, errSharedMongo = startMongoContainer(ctx)
	})

	return sharedMongo, errSharedMongo
}

func startMongoContainer(ctx context.Context) (*sharedMongoContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "mongo:8",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(mongoContainerStartupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start MongoDB container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &sharedMongoContainer{
		container: container,
		uri:       "mongodb://" + net.JoinHostPort(host, port.Port()),
	}, nil
}

// SetupTestMongoDB returns an isolated database inside a shared MongoDB container.
// The test is skipped under -short or when no container runtime is available.
func SetupTestMongoDB(t *testing.T) *mongo.Database {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}

	container, err := getSharedMongoContainer()
	if err != nil {
		t.Skipf("MongoDB container unavailable: %v", err)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(container.uri))
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}

	for i := range mongoPingRetries {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), mongoPingTimeout)
		err = client.Ping(pingCtx, nil)
		pingCancel()
		if err == nil {
			break
		}
		if i < mongoPingRetries-1 {
			time.Sleep(mongoPingRetryDelay)
		}
	}
	if err != nil {
		t.Fatalf("Failed to ping MongoDB after %d retries: %v", mongoPingRetries, err)
	}

	db := client.Database(testDBName(t.Name()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), mongoCtxTimeout)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	return db
}

// testDBName keeps database names under MongoDB's length limit.
func testDBName(testName string) string {
	sum := sha256.Sum256([]byte(testName))
	return "matreq_test_" + hex.EncodeToString(sum[:])[:16]
}
