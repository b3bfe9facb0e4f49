package eventbus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/infrastructure/eventbus"
	"github.com/lllypuk/matreq/tests/testutil"
)

const waitTimeout = 2 * time.Second

func newRequestEvent(id string) *change.Event {
	return change.NewSingle(change.KindMaterialRequest, change.EventUpdated, "user-1",
		change.Document{"id": id, "title": "Cement"})
}

// collector records the events a handler receives.
type collector struct {
	mu     sync.Mutex
	events []*change.Event
}

func (c *collector) handle(_ context.Context, evt *change.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Aggregates()[0].ID())
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func startBus(t *testing.T, bus *eventbus.RedisEventBus) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Start(ctx)
	}()

	select {
	case <-bus.Ready():
	case <-time.After(waitTimeout):
		t.Fatal("event bus did not become ready")
	}

	t.Cleanup(func() {
		_ = bus.Shutdown()
		cancel()
		<-done
	})
}

func TestNewRedisEventBus(t *testing.T) {
	client := testutil.SetupTestRedis(t)

	bus := eventbus.NewRedisEventBus(client)

	assert.False(t, bus.IsRunning())
	assert.Equal(t, 0, bus.HandlerCount(change.KindUser))
	assert.Equal(t, "changes:User", bus.ChannelName(change.KindUser))
}

func TestRedisEventBus_ChannelPrefix(t *testing.T) {
	client := testutil.SetupTestRedis(t)

	bus := eventbus.NewRedisEventBus(client, eventbus.WithChannelPrefix("test:"))

	assert.Equal(t, "test:MaterialRequest", bus.ChannelName(change.KindMaterialRequest))
	assert.Equal(t, "test:ItemGroup", bus.ChannelName(change.KindItemGroup))
}

func TestRedisEventBus_Subscribe(t *testing.T) {
	client := testutil.SetupTestRedis(t)

	t.Run("registers handlers per kind", func(t *testing.T) {
		bus := eventbus.NewRedisEventBus(client)
		noop := func(context.Context, *change.Event) error { return nil }

		require.NoError(t, bus.Subscribe(change.KindUser, noop))
		require.NoError(t, bus.Subscribe(change.KindUser, noop))
		require.NoError(t, bus.Subscribe(change.KindItemGroup, noop))

		assert.Equal(t, 2, bus.HandlerCount(change.KindUser))
		assert.Equal(t, 1, bus.HandlerCount(change.KindItemGroup))
		assert.Equal(t, 0, bus.HandlerCount(change.KindMaterialRequest))
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		bus := eventbus.NewRedisEventBus(client)

		err := bus.Subscribe("Invoice", func(context.Context, *change.Event) error { return nil })
		require.ErrorIs(t, err, eventbus.ErrUnknownKind)
	})

	t.Run("rejects nil handler", func(t *testing.T) {
		bus := eventbus.NewRedisEventBus(client)

		err := bus.Subscribe(change.KindUser, nil)
		require.ErrorIs(t, err, eventbus.ErrNilHandler)
	})
}

func TestRedisEventBus_Publish(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	bus := eventbus.NewRedisEventBus(client)

	t.Run("rejects nil event", func(t *testing.T) {
		err := bus.Publish(context.Background(), nil)
		require.ErrorIs(t, err, eventbus.ErrNilEvent)
	})

	t.Run("publishes without subscribers", func(t *testing.T) {
		err := bus.Publish(context.Background(), newRequestEvent("r-1"))
		require.NoError(t, err)
	})

	t.Run("fails when redis is gone", func(t *testing.T) {
		deadClient, server := testutil.SetupTestRedisServer(t)
		deadBus := eventbus.NewRedisEventBus(deadClient)
		server.Close()

		err := deadBus.Publish(context.Background(), newRequestEvent("r-1"))
		require.Error(t, err)
	})
}

func TestRedisEventBus_DeliversInPublishOrder(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	bus := eventbus.NewRedisEventBus(client)

	received := &collector{}
	require.NoError(t, bus.Subscribe(change.KindMaterialRequest, received.handle))
	startBus(t, bus)

	const total = 50
	want := make([]string, 0, total)
	for i := range total {
		id := fmt.Sprintf("r-%02d", i)
		want = append(want, id)
		require.NoError(t, bus.Publish(context.Background(), newRequestEvent(id)))
	}

	require.Eventually(t, func() bool { return received.count() == total }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, want, received.ids())
}

func TestRedisEventBus_ChannelsAreIndependent(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	bus := eventbus.NewRedisEventBus(client)

	users := &collector{}
	requests := &collector{}
	require.NoError(t, bus.Subscribe(change.KindUser, users.handle))
	require.NoError(t, bus.Subscribe(change.KindMaterialRequest, requests.handle))
	startBus(t, bus)

	ctx := context.Background()
	userEvt := change.NewSingle(change.KindUser, change.EventCreated, "admin", change.Document{"id": "u-1"})
	require.NoError(t, bus.Publish(ctx, userEvt))
	require.NoError(t, bus.Publish(ctx, newRequestEvent("r-1")))

	require.Eventually(t, func() bool {
		return users.count() == 1 && requests.count() == 1
	}, waitTimeout, 10*time.Millisecond)

	assert.Equal(t, []string{"u-1"}, users.ids())
	assert.Equal(t, []string{"r-1"}, requests.ids())
}

func TestRedisEventBus_DropsMalformedMessages(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	bus := eventbus.NewRedisEventBus(client)

	received := &collector{}
	require.NoError(t, bus.Subscribe(change.KindMaterialRequest, received.handle))
	startBus(t, bus)

	ctx := context.Background()
	channel := bus.ChannelName(change.KindMaterialRequest)

	require.NoError(t, client.Publish(ctx, channel, "not json").Err())
	require.NoError(t, client.Publish(ctx, channel,
		`{"id":"e-1","entityKind":"MaterialRequest","eventType":"updated","changeType":"single","changes":[]}`).Err())

	userOnRequestChannel := change.NewSingle(change.KindUser, change.EventUpdated, "admin", change.Document{"id": "u-1"})
	data, err := userOnRequestChannel.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, channel, data).Err())

	require.NoError(t, bus.Publish(ctx, newRequestEvent("r-ok")))

	require.Eventually(t, func() bool { return received.count() == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"r-ok"}, received.ids())
}

func TestRedisEventBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	bus := eventbus.NewRedisEventBus(client)

	received := &collector{}
	require.NoError(t, bus.Subscribe(change.KindMaterialRequest, func(context.Context, *change.Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, bus.Subscribe(change.KindMaterialRequest, received.handle))
	startBus(t, bus)

	require.NoError(t, bus.Publish(context.Background(), newRequestEvent("r-1")))
	require.NoError(t, bus.Publish(context.Background(), newRequestEvent("r-2")))

	require.Eventually(t, func() bool { return received.count() == 2 }, waitTimeout, 10*time.Millisecond)
}

func TestRedisEventBus_StartTwice(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	bus := eventbus.NewRedisEventBus(client)
	require.NoError(t, bus.Subscribe(change.KindUser, func(context.Context, *change.Event) error { return nil }))
	startBus(t, bus)

	assert.True(t, bus.IsRunning())
	err := bus.Start(context.Background())
	require.ErrorIs(t, err, eventbus.ErrAlreadyRunning)
}

func TestRedisEventBus_Shutdown(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	bus := eventbus.NewRedisEventBus(client)
	require.NoError(t, bus.Subscribe(change.KindUser, func(context.Context, *change.Event) error { return nil }))

	done := make(chan error, 1)
	go func() { done <- bus.Start(context.Background()) }()
	<-bus.Ready()

	require.NoError(t, bus.Shutdown())
	assert.False(t, bus.IsRunning())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Start did not return after Shutdown")
	}

	require.NoError(t, bus.Shutdown(), "second shutdown is a no-op")
}
