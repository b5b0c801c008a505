package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/IshaanNene/forecourt/internal/types"
)

// MongoCatalog stores one document per vehicle in a MongoDB collection.
type MongoCatalog struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

type mongoVehicle struct {
	DealerID     string         `bson:"dealer_id"`
	CanonicalURL string         `bson:"canonical_url"`
	Title        string         `bson:"title"`
	Price        *int64         `bson:"price"`
	Attributes   map[string]any `bson:"attributes"`
	FirstSeen    time.Time      `bson:"first_seen"`
	LastSeen     time.Time      `bson:"last_seen"`
	LastUpdated  time.Time      `bson:"last_updated"`
	Stale        bool           `bson:"stale"`
}

// NewMongoCatalog connects to uri and ensures the key index exists.
func NewMongoCatalog(ctx context.Context, uri, database, collection string, logger *slog.Logger) (*MongoCatalog, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storeErr("mongodb", "open", fmt.Errorf("connect: %w", err))
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, storeErr("mongodb", "open", fmt.Errorf("ping: %w", err))
	}

	s := &MongoCatalog{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mongo_store"),
	}

	_, err = s.collection.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "dealer_id", Value: 1}, {Key: "canonical_url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, storeErr("mongodb", "migrate", err)
	}
	return s, nil
}

func (s *MongoCatalog) Name() string { return "mongodb" }

func (s *MongoCatalog) Existing(ctx context.Context, dealerID string, urls []string) (map[string]*types.CatalogEntry, error) {
	out := make(map[string]*types.CatalogEntry, len(urls))
	if len(urls) == 0 {
		return out, nil
	}

	filter := bson.D{
		{Key: "dealer_id", Value: dealerID},
		{Key: "canonical_url", Value: bson.D{{Key: "$in", Value: urls}}},
	}
	entries, err := s.find(ctx, filter, options.Find())
	if err != nil {
		return nil, storeErr(s.Name(), "existing", err)
	}
	for _, e := range entries {
		out[e.CanonicalURL] = e
	}
	return out, nil
}

func (s *MongoCatalog) Upsert(ctx context.Context, entries []*types.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(entries))
	for _, e := range entries {
		filter := bson.D{
			{Key: "dealer_id", Value: e.DealerID},
			{Key: "canonical_url", Value: e.CanonicalURL},
		}
		update := bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "title", Value: e.Title},
				{Key: "price", Value: e.Price},
				{Key: "attributes", Value: map[string]any(e.Attributes)},
				{Key: "last_seen", Value: e.LastSeen},
				{Key: "last_updated", Value: e.LastUpdated},
				{Key: "stale", Value: false},
			}},
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "first_seen", Value: e.FirstSeen},
			}},
		}
		models = append(models, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}

	res, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return storeErr(s.Name(), "upsert", err)
	}
	s.logger.Debug("entries upserted",
		"count", len(entries),
		"inserted", res.UpsertedCount,
		"modified", res.ModifiedCount,
	)
	return nil
}

// Query runs two finds: priced entries in price order, then unpriced ones to
// fill the remaining limit. MongoDB sorts nulls first, so one sort cannot
// express "nulls last".
func (s *MongoCatalog) Query(ctx context.Context, q Query) ([]*types.CatalogEntry, error) {
	q = q.Normalize()
	filter := mongoFilter(q)

	priceCond := bson.D{{Key: "$ne", Value: nil}}
	if q.MaxPrice != nil {
		priceCond = append(priceCond, bson.E{Key: "$lte", Value: *q.MaxPrice})
	}
	priced := append(bson.D{{Key: "price", Value: priceCond}}, filter...)
	opts := options.Find().
		SetSort(bson.D{{Key: "price", Value: 1}, {Key: "canonical_url", Value: 1}}).
		SetLimit(int64(q.Limit))
	out, err := s.find(ctx, priced, opts)
	if err != nil {
		return nil, storeErr(s.Name(), "query", err)
	}

	// A zero limit is unbounded for both finds.
	if remaining := q.Limit - len(out); (q.Limit == 0 || remaining > 0) && q.MaxPrice == nil {
		unpriced := append(bson.D{{Key: "price", Value: nil}}, filter...)
		opts := options.Find().SetSort(bson.D{{Key: "canonical_url", Value: 1}})
		if q.Limit > 0 {
			opts.SetLimit(int64(remaining))
		}
		rest, err := s.find(ctx, unpriced, opts)
		if err != nil {
			return nil, storeErr(s.Name(), "query", err)
		}
		out = append(out, rest...)
	}
	return out, nil
}

// mongoFilter translates the query filters other than price into a MongoDB
// filter document. Query adds the price condition for each of its finds.
func mongoFilter(q Query) bson.D {
	filter := bson.D{}
	if q.DealerID != "" {
		filter = append(filter, bson.E{Key: "dealer_id", Value: q.DealerID})
	}
	if !q.IncludeStale {
		filter = append(filter, bson.E{Key: "stale", Value: bson.D{{Key: "$ne", Value: true}}})
	}

	var and bson.A
	for _, term := range q.TitleContains {
		and = append(and, bson.D{{Key: "title", Value: containsRegex(term)}})
	}
	for _, key := range sortedKeys(q.Attributes) {
		and = append(and, bson.D{{Key: "attributes." + key, Value: containsRegex(q.Attributes[key])}})
	}
	if len(and) > 0 {
		filter = append(filter, bson.E{Key: "$and", Value: and})
	}

	if q.ULEZ != nil {
		filter = append(filter, bson.E{Key: "attributes." + types.AttrULEZCompliant, Value: *q.ULEZ})
	}
	return filter
}

func containsRegex(s string) bson.D {
	return bson.D{{Key: "$regex", Value: regexp.QuoteMeta(s)}, {Key: "$options", Value: "i"}}
}

func (s *MongoCatalog) MarkStale(ctx context.Context, dealerID string, seenBefore time.Time) (int, error) {
	filter := bson.D{
		{Key: "dealer_id", Value: dealerID},
		{Key: "stale", Value: bson.D{{Key: "$ne", Value: true}}},
		{Key: "last_seen", Value: bson.D{{Key: "$lt", Value: seenBefore}}},
	}
	res, err := s.collection.UpdateMany(ctx, filter, bson.D{{Key: "$set", Value: bson.D{{Key: "stale", Value: true}}}})
	if err != nil {
		return 0, storeErr(s.Name(), "mark_stale", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoCatalog) Count(ctx context.Context, dealerID string) (int, error) {
	filter := bson.D{}
	if dealerID != "" {
		filter = append(filter, bson.E{Key: "dealer_id", Value: dealerID})
	}
	n, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, storeErr(s.Name(), "count", err)
	}
	return int(n), nil
}

func (s *MongoCatalog) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoCatalog) find(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]*types.CatalogEntry, error) {
	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*types.CatalogEntry
	for cur.Next(ctx) {
		var doc mongoVehicle
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.entry())
	}
	return out, cur.Err()
}

func (d *mongoVehicle) entry() *types.CatalogEntry {
	e := &types.CatalogEntry{
		VehicleRecord: types.VehicleRecord{
			DealerID:     d.DealerID,
			CanonicalURL: d.CanonicalURL,
			Title:        d.Title,
			Price:        d.Price,
			Attributes:   types.Attributes(d.Attributes),
		},
		FirstSeen:   d.FirstSeen.UTC(),
		LastSeen:    d.LastSeen.UTC(),
		LastUpdated: d.LastUpdated.UTC(),
		Stale:       d.Stale,
	}
	if e.Attributes == nil {
		e.Attributes = make(types.Attributes)
	}
	return e
}
