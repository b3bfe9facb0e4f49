// Package publisher turns committed writes into change events on the event bus.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lllypuk/matreq/internal/domain/change"
)

const defaultPublishTimeout = 2 * time.Second

// ErrInvalidWrite is returned when a write cannot be expressed as a change event.
var ErrInvalidWrite = errors.New("invalid write")

// Bus accepts change events for delivery.
// Declared on the consumer side; implemented by the eventbus package.
type Bus interface {
	Publish(ctx context.Context, evt *change.Event) error
}

// Recorder receives publish outcomes.
type Recorder interface {
	Published(kind change.Kind, eventType change.EventType, took time.Duration)
	PublishFailed(kind change.Kind)
}

type noopRecorder struct{}

func (noopRecorder) Published(change.Kind, change.EventType, time.Duration) {}
func (noopRecorder) PublishFailed(change.Kind)                              {}

// Write is one aggregate touched by a logical write, with what happened to it.
type Write struct {
	Type      change.EventType
	Aggregate change.Document
}

// Publisher emits exactly one change event per logical write.
type Publisher struct {
	bus      Bus
	logger   *slog.Logger
	recorder Recorder
	timeout  time.Duration
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger for the publisher.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder sets the publish outcome recorder.
func WithRecorder(recorder Recorder) Option {
	return func(p *Publisher) {
		if recorder != nil {
			p.recorder = recorder
		}
	}
}

// WithTimeout bounds a single publish call.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Publisher) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// New creates a Publisher writing to bus.
func New(bus Bus, opts ...Option) *Publisher {
	p := &Publisher{
		bus:      bus,
		logger:   slog.Default(),
		recorder: noopRecorder{},
		timeout:  defaultPublishTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish emits the post-write state of docs. One aggregate becomes a single
// event, several become one multiple event.
//
// Delivery is fire-and-forget: a bus failure is logged and counted but never
// returned, since the write it describes is already committed. Only a write
// that cannot form a valid event is reported.
func (p *Publisher) Publish(
	ctx context.Context,
	kind change.Kind,
	eventType change.EventType,
	actorID string,
	docs ...change.Document,
) error {
	var evt *change.Event
	switch len(docs) {
	case 0:
		return fmt.Errorf("%w: %w", ErrInvalidWrite, change.ErrEmptyBatch)
	case 1:
		evt = change.NewSingle(kind, eventType, actorID, docs[0])
	default:
		evt = change.NewMultiple(kind, eventType, actorID, docs)
	}

	return p.emit(ctx, evt)
}

// PublishBatch emits docs as one multiple event, even when the bulk write
// touched a single aggregate.
func (p *Publisher) PublishBatch(
	ctx context.Context,
	kind change.Kind,
	eventType change.EventType,
	actorID string,
	docs []change.Document,
) error {
	if len(docs) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidWrite, change.ErrEmptyBatch)
	}
	return p.emit(ctx, change.NewMultiple(kind, eventType, actorID, docs))
}

// PublishMixed emits a bulk write whose aggregates did not all undergo the same
// event type. Writes are grouped by type in order of first appearance and each
// group goes out as one multiple event.
func (p *Publisher) PublishMixed(ctx context.Context, kind change.Kind, actorID string, writes []Write) error {
	if len(writes) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidWrite, change.ErrEmptyBatch)
	}

	order := make([]change.EventType, 0, len(writes))
	groups := make(map[change.EventType][]change.Document, len(writes))
	for _, w := range writes {
		if _, seen := groups[w.Type]; !seen {
			order = append(order, w.Type)
		}
		groups[w.Type] = append(groups[w.Type], w.Aggregate)
	}

	var errs []error
	for _, eventType := range order {
		if err := p.PublishBatch(ctx, kind, eventType, actorID, groups[eventType]); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *Publisher) emit(ctx context.Context, evt *change.Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWrite, err)
	}

	// The request that made the write may already be finishing.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	start := time.Now()
	if err := p.bus.Publish(pubCtx, evt); err != nil {
		p.recorder.PublishFailed(evt.Kind)
		p.logger.WarnContext(ctx, "change delivery degraded",
			slog.String("event_id", evt.ID),
			slog.String("entity_kind", string(evt.Kind)),
			slog.String("event_type", string(evt.Type)),
			slog.Int("aggregates", len(evt.Aggregates())),
			slog.String("error", err.Error()),
		)
		return nil
	}

	p.recorder.Published(evt.Kind, evt.Type, time.Since(start))
	return nil
}
