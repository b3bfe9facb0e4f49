package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lllypuk/matreq/internal/config"
	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/syncclient"
)

// pongWaitFactor sets how many ping intervals a silent connection survives.
const pongWaitFactor = 2

var errUnknownKind = errors.New("unknown entity kind")

// SyncClient wires credentials, the change stream session, resync and the
// local store into one running client.
type SyncClient struct {
	Credentials *syncclient.Credentials
	Store       *syncclient.Store
	Reconciler  *syncclient.Reconciler
	Bridge      *syncclient.Bridge
	Resyncer    *syncclient.Resyncer
	Session     *syncclient.Session

	logger *slog.Logger
}

func newSyncClient(cfg config.ClientConfig, logger *slog.Logger) (*SyncClient, error) {
	kinds, err := parseKinds(cfg.Kinds)
	if err != nil {
		return nil, err
	}

	c := &SyncClient{
		Credentials: syncclient.NewCredentials(cfg.Credential),
		Store:       syncclient.NewStore(),
		logger:      logger,
	}

	c.Reconciler = syncclient.NewReconciler(c.Store,
		syncclient.WithReconcilerLogger(logger),
		syncclient.WithNotifier(syncclient.NotifierFunc(c.collectionChanged)),
	)

	c.Bridge = syncclient.NewBridge(c.Credentials,
		syncclient.WithBridgeLogger(logger),
		syncclient.OnLogout(c.signedOut),
		syncclient.OnForeignChange(c.foreignChange),
	)

	c.Resyncer, err = syncclient.NewResyncer(cfg.ServerURL, c.Credentials, c.Reconciler, kinds,
		syncclient.WithResyncLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("resyncer: %w", err)
	}

	sessionConfig := syncclient.DefaultSessionConfig()
	sessionConfig.Kinds = kinds
	if cfg.BackoffInitial > 0 {
		sessionConfig.BackoffInitial = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		sessionConfig.BackoffMax = cfg.BackoffMax
	}
	if cfg.PingInterval > 0 {
		sessionConfig.PingInterval = cfg.PingInterval
		sessionConfig.PongWait = pongWaitFactor * cfg.PingInterval
	}

	c.Session, err = syncclient.NewSession(cfg.ServerURL, c.Credentials,
		syncclient.WithSessionConfig(sessionConfig),
		syncclient.WithSessionLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	c.Session.OnConnected(c.Resyncer.Resync)
	c.Session.OnEvent(c.applyEvent)
	c.Session.OnEvent(c.Bridge.Handle)

	return c, nil
}

// Run keeps the client connected until ctx is cancelled.
func (c *SyncClient) Run(ctx context.Context) error {
	states, stop := c.Session.Watch()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reportStates(ctx, states)
	}()

	err := c.Session.Run(ctx)
	stop()
	wg.Wait()
	return err
}

// reportStates logs the live-updates indicator.
func (c *SyncClient) reportStates(ctx context.Context, states <-chan syncclient.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			switch state {
			case syncclient.StateConnected:
				c.logger.InfoContext(ctx, "live updates active")
			case syncclient.StateDisconnected:
				c.logger.WarnContext(ctx, "live updates unavailable, reconnecting")
			case syncclient.StateIdle:
				c.logger.InfoContext(ctx, "live updates stopped")
			}
		}
	}
}

func (c *SyncClient) collectionChanged(kind change.Kind) {
	c.logger.Debug("collection changed",
		slog.String("entity_kind", kind.String()),
		slog.Int("size", c.Store.Len(kind)),
	)
}

// applyEvent hands evt to the reconciler while the client holds a credential.
// Frames still buffered when the server signs the user out are dropped, so the
// cleared store stays empty.
func (c *SyncClient) applyEvent(ctx context.Context, evt *change.Event) {
	if c.Credentials.Current() == "" {
		c.logger.DebugContext(ctx, "event dropped after sign-out",
			slog.String("event_id", evt.ID),
			slog.String("entity_kind", evt.Kind.String()),
		)
		return
	}
	c.Reconciler.Handle(ctx, evt)
}

func (c *SyncClient) signedOut() {
	c.Store.Clear()
	c.logger.Warn("signed out by the server, local collections cleared")
}

func (c *SyncClient) foreignChange(notice syncclient.ForeignChange) {
	c.logger.Warn("account changed by another user",
		slog.String("user_id", notice.UserID),
		slog.String("actor_id", notice.ActorID),
		slog.String("event_id", notice.EventID),
	)
}

// parseKinds converts configured kind names. An empty list means every kind.
func parseKinds(names []string) ([]change.Kind, error) {
	if len(names) == 0 {
		return change.AllKinds(), nil
	}
	kinds := make([]change.Kind, 0, len(names))
	for _, name := range names {
		kind := change.Kind(name)
		if !kind.IsValid() {
			return nil, fmt.Errorf("%w: %q", errUnknownKind, name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
