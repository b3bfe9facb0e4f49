package syncclient

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/lllypuk/matreq/internal/domain/change"
)

// Notifier is told which kind changed after every effective merge.
type Notifier interface {
	Changed(kind change.Kind)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(kind change.Kind)

// Changed implements Notifier.
func (f NotifierFunc) Changed(kind change.Kind) { f(kind) }

type noopNotifier struct{}

func (noopNotifier) Changed(change.Kind) {}

// Reconciler merges change events and snapshots into a Store.
type Reconciler struct {
	store    *Store
	schemas  change.Schemas
	notifier Notifier
	logger   *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithNotifier sets the invalidation target.
func WithNotifier(notifier Notifier) ReconcilerOption {
	return func(r *Reconciler) {
		if notifier != nil {
			r.notifier = notifier
		}
	}
}

// WithSchemas overrides the per-kind schemas.
func WithSchemas(schemas change.Schemas) ReconcilerOption {
	return func(r *Reconciler) {
		r.schemas = schemas
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReconciler creates a Reconciler writing into store.
func NewReconciler(store *Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		schemas:  change.DefaultSchemas(),
		notifier: noopNotifier{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the store the reconciler writes into.
func (r *Reconciler) Store() *Store {
	return r.store
}

// Handle merges evt into the store. Malformed events are dropped with a
// diagnostic. It reports whether the store changed.
func (r *Reconciler) Handle(ctx context.Context, evt *change.Event) (changed bool) {
	if err := evt.Validate(); err != nil {
		r.logger.WarnContext(ctx, "dropping malformed change event",
			slog.String("error", err.Error()),
		)
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "merge panicked",
				slog.String("entity_kind", string(evt.Kind)),
				slog.String("event_id", evt.ID),
				slog.String("panic", fmt.Sprint(rec)),
			)
			changed = false
		}
	}()

	schema := r.schemas.For(evt.Kind)
	changed = r.store.update(evt.Kind, func(current Collection) (Collection, bool) {
		return Merge(current, evt, schema)
	})

	r.logger.DebugContext(ctx, "change event applied",
		slog.String("entity_kind", string(evt.Kind)),
		slog.String("event_type", string(evt.Type)),
		slog.Int("aggregates", len(evt.Aggregates())),
		slog.Bool("changed", changed),
	)

	if changed {
		r.notifier.Changed(evt.Kind)
	}
	return changed
}

// Replace sets the collection of kind to exactly docs, as returned by a full
// resynchronization. It reports whether the store changed.
func (r *Reconciler) Replace(ctx context.Context, kind change.Kind, docs []change.Document) bool {
	next := make(Collection, len(docs))
	for _, doc := range docs {
		id := doc.ID()
		if id == "" {
			r.logger.WarnContext(ctx, "snapshot aggregate without id",
				slog.String("entity_kind", string(kind)),
			)
			continue
		}
		next[id] = doc.Clone()
	}

	changed := r.store.update(kind, func(current Collection) (Collection, bool) {
		if len(current) == len(next) && (len(next) == 0 || reflect.DeepEqual(current, next)) {
			return current, false
		}
		return next, true
	})
	if changed {
		r.notifier.Changed(kind)
	}
	return changed
}
