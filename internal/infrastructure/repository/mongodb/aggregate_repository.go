package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/domain/errs"
	"github.com/lllypuk/matreq/internal/domain/material"
	"github.com/lllypuk/matreq/internal/publisher"
)

// AggregateRepository stores one kind of aggregate in a collection keyed by _id.
// Every successful write is followed by exactly one publish call carrying the
// post-write aggregates.
type AggregateRepository[T material.Aggregate] struct {
	collection *mongo.Collection
	kind       change.Kind
	newValue   func() T
	publisher  ChangePublisher
	logger     *slog.Logger
	now        func() time.Time
}

// RepoOption configures an AggregateRepository.
type RepoOption func(*repoOptions)

type repoOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithRepoLogger sets the logger for the repository.
func WithRepoLogger(logger *slog.Logger) RepoOption {
	return func(o *repoOptions) {
		o.logger = logger
	}
}

// WithRepoClock overrides the clock used for timestamps.
func WithRepoClock(now func() time.Time) RepoOption {
	return func(o *repoOptions) {
		o.now = now
	}
}

// NewAggregateRepository creates a repository for the aggregates produced by newValue.
func NewAggregateRepository[T material.Aggregate](
	collection *mongo.Collection,
	newValue func() T,
	pub ChangePublisher,
	opts ...RepoOption,
) *AggregateRepository[T] {
	o := repoOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &AggregateRepository[T]{
		collection: collection,
		kind:       newValue().Kind(),
		newValue:   newValue,
		publisher:  pub,
		logger:     o.logger,
		now:        o.now,
	}
}

// Kind returns the aggregate kind stored by the repository.
func (r *AggregateRepository[T]) Kind() change.Kind {
	return r.kind
}

// FindByID returns the aggregate with id.
func (r *AggregateRepository[T]) FindByID(ctx context.Context, id string) (T, error) {
	var zero T
	if id == "" {
		return zero, errs.ErrInvalidInput
	}

	value := r.newValue()
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(value); err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			r.logger.ErrorContext(ctx, "failed to find aggregate",
				slog.String("entity_kind", r.kind.String()),
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
		return zero, HandleMongoError(err, r.collection.Name())
	}

	return value, nil
}

// FindByIDs returns the stored aggregates among ids, keyed by id.
func (r *AggregateRepository[T]) FindByIDs(ctx context.Context, ids []string) (map[string]T, error) {
	found := make(map[string]T, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	cursor, err := r.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, HandleMongoError(err, r.collection.Name())
	}
	values, err := decodeAll(ctx, cursor, r.newValue)
	if err != nil {
		return nil, err
	}

	for _, v := range values {
		found[v.AggregateID()] = v
	}
	return found, nil
}

// List returns every aggregate, oldest first.
func (r *AggregateRepository[T]) List(ctx context.Context) ([]T, error) {
	return r.find(ctx, bson.M{})
}

// ListWhere returns the aggregates whose stored field equals value, oldest first.
func (r *AggregateRepository[T]) ListWhere(ctx context.Context, field string, value any) ([]T, error) {
	return r.find(ctx, bson.M{field: value})
}

func (r *AggregateRepository[T]) find(ctx context.Context, filter bson.M) ([]T, error) {
	cursor, err := r.collection.Find(ctx, filter, SortedByCreation())
	if err != nil {
		return nil, HandleMongoError(err, r.collection.Name())
	}
	return decodeAll(ctx, cursor, r.newValue)
}

// Count returns the number of stored aggregates.
func (r *AggregateRepository[T]) Count(ctx context.Context) (int, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, HandleMongoError(err, r.collection.Name())
	}
	return int(count), nil
}

// Save upserts one aggregate and publishes it as a single created or updated
// event. The stored creation time survives updates.
func (r *AggregateRepository[T]) Save(ctx context.Context, actorID string, value T) error {
	if err := r.validate(value); err != nil {
		return err
	}

	prior, err := r.FindByIDs(ctx, []string{value.AggregateID()})
	if err != nil {
		return err
	}
	r.stamp(value, prior)

	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": value.AggregateID()}, value, ReplaceUpsertOptions())
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to save aggregate",
			slog.String("entity_kind", r.kind.String()),
			slog.String("id", value.AggregateID()),
			slog.String("error", err.Error()),
		)
		return HandleMongoError(err, r.collection.Name())
	}

	eventType := change.EventUpdated
	if result.UpsertedCount > 0 {
		eventType = change.EventCreated
	}

	doc, err := material.ToDocument(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.kind, err)
	}
	return r.publisher.Publish(ctx, r.kind, eventType, actorID, doc)
}

// SaveMany upserts values as one ordered bulk write and publishes the result as
// one multiple event per event type, types ordered by first appearance. When
// the write stops partway the committed prefix is still published and the
// returned error is a *PartialWriteError.
func (r *AggregateRepository[T]) SaveMany(ctx context.Context, actorID string, values []T) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: empty batch", errs.ErrInvalidInput)
	}

	ids := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if err := r.validate(v); err != nil {
			return err
		}
		if _, dup := seen[v.AggregateID()]; dup {
			return fmt.Errorf("%w: duplicate id %q in batch", errs.ErrInvalidInput, v.AggregateID())
		}
		seen[v.AggregateID()] = struct{}{}
		ids = append(ids, v.AggregateID())
	}

	prior, err := r.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}

	models := make([]mongo.WriteModel, 0, len(values))
	for _, v := range values {
		r.stamp(v, prior)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": v.AggregateID()}).
			SetReplacement(v).
			SetUpsert(true))
	}

	result, err := r.collection.BulkWrite(ctx, models)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to save aggregates",
			slog.String("entity_kind", r.kind.String()),
			slog.Int("count", len(values)),
			slog.String("error", err.Error()),
		)
		return r.partialWrite(ctx, actorID, values, result, prior, err)
	}

	return r.publishBatch(ctx, actorID, values, result, prior)
}

// partialWrite publishes the writes an ordered bulk write committed before
// failing. Without a write error index nothing is known to have committed.
func (r *AggregateRepository[T]) partialWrite(
	ctx context.Context, actorID string, values []T, result *mongo.BulkWriteResult, prior map[string]T, err error,
) error {
	writeErr := HandleMongoError(err, r.collection.Name())

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) || len(bulkErr.WriteErrors) == 0 {
		return writeErr
	}
	committed := bulkErr.WriteErrors[0].Index
	for _, we := range bulkErr.WriteErrors[1:] {
		committed = min(committed, we.Index)
	}
	if committed == 0 {
		return writeErr
	}

	if pubErr := r.publishBatch(ctx, actorID, values[:committed], result, prior); pubErr != nil {
		writeErr = errors.Join(writeErr, pubErr)
	}
	return &PartialWriteError{Committed: committed, Err: writeErr}
}

// publishBatch publishes values as committed by one bulk write. Upserted
// indexes come from result; without one the stored state before the write
// decides between created and updated.
func (r *AggregateRepository[T]) publishBatch(
	ctx context.Context, actorID string, values []T, result *mongo.BulkWriteResult, prior map[string]T,
) error {
	writes := make([]publisher.Write, 0, len(values))
	for i, v := range values {
		eventType := change.EventUpdated
		if result != nil {
			if _, inserted := result.UpsertedIDs[int64(i)]; inserted {
				eventType = change.EventCreated
			}
		} else if _, stored := prior[v.AggregateID()]; !stored {
			eventType = change.EventCreated
		}
		doc, docErr := material.ToDocument(v)
		if docErr != nil {
			return fmt.Errorf("encode %s: %w", r.kind, docErr)
		}
		writes = append(writes, publisher.Write{Type: eventType, Aggregate: doc})
	}

	return r.publisher.PublishMixed(ctx, r.kind, actorID, writes)
}

// Delete removes the aggregate with id and publishes its last state as a
// deleted event.
func (r *AggregateRepository[T]) Delete(ctx context.Context, actorID, id string) (T, error) {
	var zero T
	if id == "" {
		return zero, errs.ErrInvalidInput
	}

	value := r.newValue()
	if err := r.collection.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(value); err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			r.logger.ErrorContext(ctx, "failed to delete aggregate",
				slog.String("entity_kind", r.kind.String()),
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
		return zero, HandleMongoError(err, r.collection.Name())
	}

	doc, err := material.ToDocument(value)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", r.kind, err)
	}
	return value, r.publisher.Publish(ctx, r.kind, change.EventDeleted, actorID, doc)
}

func (r *AggregateRepository[T]) validate(value T) error {
	if err := value.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidInput, err)
	}
	return nil
}

// stamp sets the write time, keeping the creation time of a stored aggregate.
// Mongo keeps millisecond precision, so the stamped value is truncated to match
// what a later read returns.
func (r *AggregateRepository[T]) stamp(value T, prior map[string]T) {
	now := r.now().UTC().Truncate(time.Millisecond)
	createdAt := now
	if stored, ok := prior[value.AggregateID()]; ok {
		createdAt, _ = stored.Timestamps()
	}
	value.Stamp(createdAt, now)
}
