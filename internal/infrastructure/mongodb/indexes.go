// Package mongodb provides MongoDB infrastructure components including index management.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names as constants for consistency.
const (
	CollectionUsers            = "users"
	CollectionMaterialRequests = "material_requests"
	CollectionItemGroups       = "item_groups"
)

// IndexDefinition describes a MongoDB index to be created.
type IndexDefinition struct {
	Collection string
	Name       string
	Keys       bson.D
	Unique     bool
}

func (d IndexDefinition) model() mongo.IndexModel {
	opts := options.Index().SetName(d.Name)
	if d.Unique {
		opts.SetUnique(true)
	}
	return mongo.IndexModel{Keys: d.Keys, Options: opts}
}

// EnsureIndexes creates every index the repositories rely on. Calling it
// repeatedly is safe.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	for _, collection := range []string{CollectionUsers, CollectionMaterialRequests, CollectionItemGroups} {
		if err := CreateCollectionIndexes(ctx, db, collection); err != nil {
			return err
		}
	}
	return nil
}

// CreateCollectionIndexes creates the indexes of one collection.
func CreateCollectionIndexes(ctx context.Context, db *mongo.Database, collectionName string) error {
	indexes, ok := IndexDefinitions()[collectionName]
	if !ok {
		return fmt.Errorf("unknown collection: %s", collectionName)
	}

	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		models = append(models, idx.model())
	}

	if _, err := db.Collection(collectionName).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create indexes on %s: %w", collectionName, err)
	}
	return nil
}

// IndexDefinitions returns the index definitions keyed by collection.
func IndexDefinitions() map[string][]IndexDefinition {
	return map[string][]IndexDefinition{
		CollectionUsers: {
			{
				Collection: CollectionUsers,
				Name:       "idx_users_username_unique",
				Keys:       bson.D{{Key: "username", Value: 1}},
				Unique:     true,
			},
			{
				// snapshot ordering
				Collection: CollectionUsers,
				Name:       "idx_users_created",
				Keys:       bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			},
		},
		CollectionMaterialRequests: {
			{
				// "view own" snapshots
				Collection: CollectionMaterialRequests,
				Name:       "idx_requests_requester_created",
				Keys:       bson.D{{Key: "requester_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			},
			{
				Collection: CollectionMaterialRequests,
				Name:       "idx_requests_created",
				Keys:       bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			},
			{
				Collection: CollectionMaterialRequests,
				Name:       "idx_requests_status",
				Keys:       bson.D{{Key: "status", Value: 1}},
			},
			{
				Collection: CollectionMaterialRequests,
				Name:       "idx_requests_group",
				Keys:       bson.D{{Key: "group_id", Value: 1}},
			},
		},
		CollectionItemGroups: {
			{
				Collection: CollectionItemGroups,
				Name:       "idx_item_groups_name_unique",
				Keys:       bson.D{{Key: "name", Value: 1}},
				Unique:     true,
			},
			{
				Collection: CollectionItemGroups,
				Name:       "idx_item_groups_created",
				Keys:       bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			},
		},
	}
}
