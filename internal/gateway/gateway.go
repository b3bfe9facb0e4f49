package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
)

// Suppression reasons reported to the Recorder.
const (
	ReasonNotVisible  = "not_visible"
	ReasonEmptyBatch  = "empty_batch"
	ReasonShapeFailed = "shape_failed"
)

// Recorder receives delivery outcomes.
// Declared on the consumer side; implemented by the metrics package.
type Recorder interface {
	Delivered(kind change.Kind)
	Suppressed(kind change.Kind, reason string)
}

type noopRecorder struct{}

func (noopRecorder) Delivered(change.Kind)          {}
func (noopRecorder) Suppressed(change.Kind, string) {}

// Gateway shapes events per subscriber.
type Gateway struct {
	policy   *Policy
	logger   *slog.Logger
	recorder Recorder
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRecorder sets the delivery outcome recorder.
func WithRecorder(recorder Recorder) Option {
	return func(g *Gateway) {
		if recorder != nil {
			g.recorder = recorder
		}
	}
}

// New creates a Gateway enforcing policy.
func New(policy *Policy, opts ...Option) *Gateway {
	g := &Gateway{
		policy:   policy,
		logger:   slog.Default(),
		recorder: noopRecorder{},
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Policy returns the visibility policy of the gateway.
func (g *Gateway) Policy() *Policy {
	return g.policy
}

// Authorize checks a subscribe request for kind.
func (g *Gateway) Authorize(principal *access.Principal, kind change.Kind) error {
	return g.policy.Authorize(principal, kind)
}

// Shape returns the event principal receives, or false when delivery to this
// subscriber must be suppressed. It never panics and never returns an event
// with an empty batch.
func (g *Gateway) Shape(ctx context.Context, principal *access.Principal, evt *change.Event) (shaped *change.Event, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.fail(ctx, principal, evt, fmt.Errorf("panic: %v", r))
			shaped, ok = nil, false
		}
	}()

	if err := evt.Validate(); err != nil {
		g.fail(ctx, principal, evt, err)
		return nil, false
	}

	docs := g.policy.Filter(principal, evt.Kind, evt.Aggregates())
	if len(docs) == 0 {
		reason := ReasonNotVisible
		if evt.ChangeType() == change.ChangeMultiple {
			reason = ReasonEmptyBatch
		}
		g.recorder.Suppressed(evt.Kind, reason)
		return nil, false
	}

	g.recorder.Delivered(evt.Kind)
	return evt.WithAggregates(docs), true
}

func (g *Gateway) fail(ctx context.Context, principal *access.Principal, evt *change.Event, err error) {
	var kind change.Kind
	var eventID string
	if evt != nil {
		kind = evt.Kind
		eventID = evt.ID
	}
	userID := ""
	if principal != nil {
		userID = principal.UserID
	}

	g.logger.WarnContext(ctx, "failed to shape change event, delivery suppressed",
		slog.String("event_id", eventID),
		slog.String("entity_kind", string(kind)),
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
	g.recorder.Suppressed(kind, ReasonShapeFailed)
}
