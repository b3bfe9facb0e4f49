// Package mongodb persists the synchronized aggregates and publishes one change
// event per committed write.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/domain/errs"
	mongoinfra "github.com/lllypuk/matreq/internal/infrastructure/mongodb"
	"github.com/lllypuk/matreq/internal/publisher"
)

// Collection names.
const (
	CollectionUsers            = mongoinfra.CollectionUsers
	CollectionMaterialRequests = mongoinfra.CollectionMaterialRequests
	CollectionItemGroups       = mongoinfra.CollectionItemGroups
)

// ChangePublisher is the part of the publisher the repositories call after a
// write commits.
type ChangePublisher interface {
	Publish(ctx context.Context, kind change.Kind, eventType change.EventType, actorID string,
		docs ...change.Document) error
	PublishMixed(ctx context.Context, kind change.Kind, actorID string, writes []publisher.Write) error
}

// HandleMongoError maps driver errors onto the domain error set:
//   - nil if err == nil
//   - errs.ErrNotFound when no document matched
//   - errs.ErrAlreadyExists on a unique index violation
//   - a wrapped error otherwise
func HandleMongoError(err error, resourceType string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.ErrNotFound
	}

	if mongo.IsDuplicateKeyError(err) {
		return errs.ErrAlreadyExists
	}

	return fmt.Errorf("failed to operate on %s: %w", resourceType, err)
}

// PartialWriteError reports a bulk write that stopped partway. The first
// Committed values of the batch were written and published.
type PartialWriteError struct {
	Committed int
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("bulk write stopped after %d writes: %v", e.Committed, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// ReplaceUpsertOptions returns the options for a whole-document upsert.
func ReplaceUpsertOptions() *options.ReplaceOptionsBuilder {
	return options.Replace().SetUpsert(true)
}

// SortedByCreation returns find options ordering documents oldest first.
func SortedByCreation() *options.FindOptionsBuilder {
	return options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
}

// decodeAll drains cursor into freshly allocated values. The result is never nil.
func decodeAll[T any](ctx context.Context, cursor *mongo.Cursor, newValue func() T) ([]T, error) {
	defer cursor.Close(ctx)

	results := make([]T, 0)
	for cursor.Next(ctx) {
		value := newValue()
		if err := cursor.Decode(value); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		results = append(results, value)
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return results, nil
}
