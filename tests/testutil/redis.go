// Package testutil provides shared helpers for package tests.
package testutil

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// SetupTestRedis starts an in-process Redis server and returns a client bound to it.
// Both are closed when the test finishes.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client, _ := SetupTestRedisServer(t)
	return client
}

// SetupTestRedisServer is SetupTestRedis that also exposes the server.
func SetupTestRedisServer(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}
