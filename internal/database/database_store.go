package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-lobby-relay/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DBStore is the MongoDB Store. Several processes may share the collection, so documents are
// always read from the database and writes are version checked. Only join code to id lookups
// are cached, since a session keeps its join code for life.
type DBStore struct {
	client           *mongo.Client
	sessions         *mongo.Collection
	operationTimeout time.Duration
	joinCodes        *expirable.LRU[string, string]
}

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) Get(ctx context.Context, id string) (*SessionDocument, error) {
	if id == "" {
		return nil, ErrIDEmpty
	}

	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	var doc SessionDocument
	startTime := time.Now()
	err := ds.sessions.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapError(err)
	}
	return &doc, nil
}

func (ds *DBStore) Save(ctx context.Context, doc *SessionDocument) error {
	if doc.ID == "" {
		return ErrIDEmpty
	}

	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	next := doc.clone()
	next.Version = doc.Version + 1
	if doc.Version == 0 {
		if _, err := ds.sessions.InsertOne(ctx, next); err != nil {
			return wrapError(err)
		}
		doc.Version = next.Version
		logger.DebugF("Session created: id=%s", doc.ID)
		return nil
	}

	filter := bson.D{{Key: "_id", Value: doc.ID}, {Key: "version", Value: doc.Version}}
	result, err := ds.sessions.ReplaceOne(ctx, filter, next)
	if err != nil {
		return wrapError(err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, doc.ID, doc.Version)
	}
	doc.Version = next.Version

	logger.DebugF("Session saved: id=%s, version=%d, modified=%d", doc.ID, doc.Version, result.ModifiedCount)
	return nil
}

func (ds *DBStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrIDEmpty
	}

	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	result, err := ds.sessions.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return wrapError(err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	logger.DebugF("Session deleted: id=%s", id)
	return nil
}

// byJoinCode resolves a join code through the id cache. ok is false when the caller must query.
func (ds *DBStore) byJoinCode(ctx context.Context, code string) (*SessionDocument, bool, error) {
	id, cached := ds.joinCodes.Get(code)
	if !cached {
		return nil, false, nil
	}
	doc, err := ds.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err == nil && doc.JoinCode == code {
		return doc, true, nil
	}
	ds.joinCodes.Remove(code)
	return nil, false, nil
}

func (ds *DBStore) Find(ctx context.Context, query Query) ([]*SessionDocument, error) {
	codeOnly := query.JoinCode != "" && !query.Open && query.Filter == 0 && query.StaleBefore.IsZero()
	if codeOnly {
		doc, ok, err := ds.byJoinCode(ctx, query.JoinCode)
		if err != nil {
			return nil, err
		}
		if ok {
			return []*SessionDocument{doc}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if query.Limit > 0 {
		opts.SetLimit(int64(query.Limit))
	}

	startTime := time.Now()
	cursor, err := ds.sessions.Find(ctx, queryFilter(query), opts)
	if err != nil {
		return nil, wrapError(err)
	}
	defer func() { _ = cursor.Close(context.Background()) }()

	var docs []*SessionDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, wrapError(err)
	}
	logger.DebugF("session find cost: %v, %d results", time.Since(startTime), len(docs))
	if codeOnly && len(docs) == 1 {
		ds.joinCodes.Add(query.JoinCode, docs[0].ID)
	}
	return docs, nil
}

func queryFilter(q Query) bson.D {
	filter := bson.D{}
	if q.JoinCode != "" {
		filter = append(filter, bson.E{Key: "join_code", Value: q.JoinCode})
	}
	if q.Open {
		filter = append(filter,
			bson.E{Key: "private", Value: false},
			bson.E{Key: "state", Value: 0},
			bson.E{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{
				bson.D{{Key: "$size", Value: "$players"}}, "$max_players",
			}}}},
		)
	}
	if q.Filter != 0 {
		filter = append(filter, bson.E{Key: "filter", Value: byte(q.Filter)})
	}
	if !q.StaleBefore.IsZero() {
		filter = append(filter, bson.E{Key: "last_heartbeat", Value: bson.D{{Key: "$lt", Value: q.StaleBefore}}})
	}
	return filter
}

// Invoke disconnects from the database. It lets the store be registered with the shutdown cleaner.
func (ds *DBStore) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
