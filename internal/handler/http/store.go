package httphandler

import (
	"context"
	"fmt"

	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/domain/errs"
	"github.com/lllypuk/matreq/internal/domain/material"
)

// Repository is the typed storage of one aggregate kind.
type Repository[T material.Aggregate] interface {
	List(ctx context.Context) ([]T, error)
	FindByID(ctx context.Context, id string) (T, error)
	Save(ctx context.Context, actorID string, value T) error
	SaveMany(ctx context.Context, actorID string, values []T) error
	Delete(ctx context.Context, actorID, id string) (T, error)
}

// KindStore serves one aggregate kind as documents.
type KindStore interface {
	Kind() change.Kind
	List(ctx context.Context) ([]change.Document, error)
	Get(ctx context.Context, id string) (change.Document, error)
	Save(ctx context.Context, actorID string, doc change.Document) (change.Document, error)
	SaveBatch(ctx context.Context, actorID string, docs []change.Document) ([]change.Document, error)
	Delete(ctx context.Context, actorID, id string) (change.Document, error)
}

// TypedStore adapts a Repository to KindStore.
type TypedStore[T material.Aggregate] struct {
	kind     change.Kind
	repo     Repository[T]
	newValue func() T
}

// NewTypedStore creates a KindStore over repo. newValue allocates an empty aggregate.
func NewTypedStore[T material.Aggregate](repo Repository[T], newValue func() T) *TypedStore[T] {
	return &TypedStore[T]{
		kind:     newValue().Kind(),
		repo:     repo,
		newValue: newValue,
	}
}

// Kind implements KindStore.
func (s *TypedStore[T]) Kind() change.Kind {
	return s.kind
}

// List implements KindStore.
func (s *TypedStore[T]) List(ctx context.Context) ([]change.Document, error) {
	values, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return toDocuments(values)
}

// Get implements KindStore.
func (s *TypedStore[T]) Get(ctx context.Context, id string) (change.Document, error) {
	value, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return material.ToDocument(value)
}

// Save implements KindStore.
func (s *TypedStore[T]) Save(ctx context.Context, actorID string, doc change.Document) (change.Document, error) {
	value, err := s.decode(doc)
	if err != nil {
		return nil, err
	}
	if err = s.repo.Save(ctx, actorID, value); err != nil {
		return nil, err
	}
	return material.ToDocument(value)
}

// SaveBatch implements KindStore.
func (s *TypedStore[T]) SaveBatch(ctx context.Context, actorID string, docs []change.Document) ([]change.Document, error) {
	values := make([]T, 0, len(docs))
	for _, doc := range docs {
		value, err := s.decode(doc)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	if err := s.repo.SaveMany(ctx, actorID, values); err != nil {
		return nil, err
	}
	return toDocuments(values)
}

// Delete implements KindStore.
func (s *TypedStore[T]) Delete(ctx context.Context, actorID, id string) (change.Document, error) {
	value, err := s.repo.Delete(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	return material.ToDocument(value)
}

func (s *TypedStore[T]) decode(doc change.Document) (T, error) {
	value := s.newValue()
	if err := doc.Decode(value); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", errs.ErrInvalidInput, s.kind, err)
	}
	return value, nil
}

func toDocuments[T material.Aggregate](values []T) ([]change.Document, error) {
	docs := make([]change.Document, 0, len(values))
	for _, v := range values {
		doc, err := material.ToDocument(v)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
