package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type usageDoc struct {
	Resource string  `bson:"_id"`
	Used     float64 `bson:"used"`
	Ceiling  float64 `bson:"ceiling"`
	ResetAt  int64   `bson:"reset_at"`
}

func (d usageDoc) usage() Usage {
	return Usage{Resource: d.Resource, Used: d.Used, Ceiling: d.Ceiling, ResetAt: time.UnixMilli(d.ResetAt).UTC()}
}

type counterDoc struct {
	Name  string  `bson:"_id"`
	Value float64 `bson:"value"`
}

// MongoStore keeps the ledger in two collections. The check and the
// increment happen in a single conditional FindOneAndUpdate.
type MongoStore struct {
	usage    *mongo.Collection
	counters *mongo.Collection
}

// NewMongoStore 创建 Mongo 存储，集合为 ledger_usage 与 ledger_counters
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		usage:    db.Collection("ledger_usage"),
		counters: db.Collection("ledger_counters"),
	}
}

// rollover makes sure the document exists and starts a new window when the
// old one ended.
func (s *MongoStore) rollover(ctx context.Context, resource string, now, nextReset time.Time) error {
	_, err := s.usage.UpdateOne(ctx,
		bson.M{"_id": resource},
		bson.M{"$setOnInsert": bson.M{"used": 0.0, "ceiling": 0.0, "reset_at": nextReset.UnixMilli()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ensure usage doc: %w", err)
	}
	_, err = s.usage.UpdateOne(ctx,
		bson.M{"_id": resource, "reset_at": bson.M{"$lte": now.UnixMilli()}},
		bson.M{"$set": bson.M{"used": 0.0, "reset_at": nextReset.UnixMilli()}},
	)
	if err != nil {
		return fmt.Errorf("roll over usage: %w", err)
	}
	return nil
}

func (s *MongoStore) load(ctx context.Context, resource string) (usageDoc, error) {
	var doc usageDoc
	if err := s.usage.FindOne(ctx, bson.M{"_id": resource}).Decode(&doc); err != nil {
		return usageDoc{}, fmt.Errorf("read usage: %w", err)
	}
	return doc, nil
}

func (s *MongoStore) Reserve(ctx context.Context, resource string, amount, ceiling float64, now, nextReset time.Time) (Usage, bool, error) {
	if err := s.rollover(ctx, resource, now, nextReset); err != nil {
		return Usage{}, false, err
	}

	filter := bson.M{"_id": resource}
	if ceiling > 0 {
		filter["used"] = bson.M{"$lte": ceiling - amount}
	}
	var doc usageDoc
	err := s.usage.FindOneAndUpdate(ctx, filter,
		bson.M{"$inc": bson.M{"used": amount}, "$set": bson.M{"ceiling": ceiling}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, lerr := s.load(ctx, resource)
		if lerr != nil {
			return Usage{}, false, lerr
		}
		u := cur.usage()
		u.Ceiling = ceiling
		return u, false, nil
	}
	if err != nil {
		return Usage{}, false, fmt.Errorf("reserve: %w", err)
	}
	return doc.usage(), true, nil
}

func (s *MongoStore) Release(ctx context.Context, resource string, amount float64, now, nextReset time.Time) (Usage, error) {
	if err := s.rollover(ctx, resource, now, nextReset); err != nil {
		return Usage{}, err
	}
	// $max 保证扣减后不小于 0
	var doc usageDoc
	err := s.usage.FindOneAndUpdate(ctx,
		bson.M{"_id": resource},
		mongo.Pipeline{
			{{Key: "$set", Value: bson.M{"used": bson.M{"$max": bson.A{0.0, bson.M{"$subtract": bson.A{"$used", amount}}}}}}},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return Usage{}, fmt.Errorf("release: %w", err)
	}
	return doc.usage(), nil
}

func (s *MongoStore) Usage(ctx context.Context, resource string, now, nextReset time.Time) (Usage, error) {
	var doc usageDoc
	err := s.usage.FindOne(ctx, bson.M{"_id": resource}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Usage{Resource: resource, ResetAt: nextReset}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("read usage: %w", err)
	}
	if now.UnixMilli() >= doc.ResetAt {
		return Usage{Resource: resource, Ceiling: doc.Ceiling, ResetAt: nextReset}, nil
	}
	return doc.usage(), nil
}

func (s *MongoStore) Incr(ctx context.Context, name string, delta float64) (float64, error) {
	var doc counterDoc
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": delta}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return doc.Value, nil
}

func (s *MongoStore) IncrWithin(ctx context.Context, name string, delta, ceiling float64) (float64, bool, error) {
	if ceiling <= 0 {
		v, err := s.Incr(ctx, name, delta)
		return v, err == nil, err
	}
	_, err := s.counters.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$setOnInsert": bson.M{"value": 0.0}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return 0, false, fmt.Errorf("ensure counter %s: %w", name, err)
	}
	var doc counterDoc
	err = s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name, "value": bson.M{"$lte": ceiling - delta}},
		bson.M{"$inc": bson.M{"value": delta}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if err := s.counters.FindOne(ctx, bson.M{"_id": name}).Decode(&doc); err != nil {
			return 0, false, fmt.Errorf("read counter %s: %w", name, err)
		}
		return doc.Value, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment counter %s: %w", name, err)
	}
	return doc.Value, true, nil
}

func (s *MongoStore) Counters(ctx context.Context) (map[string]float64, error) {
	cur, err := s.counters.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	var docs []counterDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode counters: %w", err)
	}
	out := make(map[string]float64, len(docs))
	for _, d := range docs {
		out[d.Name] = d.Value
	}
	return out, nil
}
