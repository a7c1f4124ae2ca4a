// Package mongo is the document-store implementation of the Persistent
// Store: one automation document per (user, feature) and one document per
// watch criterion. Schedule write-back is a conditional update on the prior
// nextRun, so concurrent writers are serialised by the document itself.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	gomongo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"trading-radar/internal/logger"
	"trading-radar/internal/model"
)

const (
	AutomationCollection = "automation_configs"
	CriteriaCollection   = "watch_criteria"

	defaultTimeout = 10 * time.Second
)

// Connect dials MONGO_URI and verifies the connection with a ping.
func Connect(ctx context.Context, uri string) (*gomongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := gomongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return client, nil
}

// Store implements model.AutomationStore and model.WatchlistStore.
type Store struct {
	automation *gomongo.Collection
	criteria   *gomongo.Collection
	timeout    time.Duration
	log        *slog.Logger
}

// New binds a Store to database db of client. The client is owned by the
// caller (see internal/platform).
func New(client *gomongo.Client, db string) *Store {
	d := client.Database(db)
	return &Store{
		automation: d.Collection(AutomationCollection),
		criteria:   d.Collection(CriteriaCollection),
		timeout:    defaultTimeout,
		log:        logger.Component("mongo"),
	}
}

// EnsureIndexes creates the indexes the scheduler and detector queries use.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.automation.Indexes().CreateOne(ctx, gomongo.IndexModel{
		Keys: bson.D{{Key: "enabled", Value: 1}, {Key: "nextRun", Value: 1}},
	}); err != nil {
		return fmt.Errorf("mongo: automation index: %w", err)
	}
	if _, err := s.criteria.Indexes().CreateMany(ctx, []gomongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}}},
		{Keys: bson.D{{Key: "active", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("mongo: criteria indexes: %w", err)
	}
	s.log.Info("indexes ensured")
	return nil
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// ── Automation ──

func (s *Store) ListEnabled(ctx context.Context) ([]model.AutomationConfig, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	cur, err := s.automation.Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("mongo: list enabled: %w", err)
	}
	defer cur.Close(ctx)

	var out []model.AutomationConfig
	for cur.Next(ctx) {
		var doc automationDoc
		if err := cur.Decode(&doc); err != nil {
			s.log.Warn("skipping undecodable automation document", "error", err)
			continue
		}
		out = append(out, doc.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: list enabled: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, fp model.Fingerprint) (model.AutomationConfig, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var doc automationDoc
	err := s.automation.FindOne(ctx, bson.M{"_id": fp.String()}).Decode(&doc)
	if errors.Is(err, gomongo.ErrNoDocuments) {
		return model.AutomationConfig{}, fmt.Errorf("automation %s: %w", fp, model.ErrNotFound)
	}
	if err != nil {
		return model.AutomationConfig{}, fmt.Errorf("mongo: get %s: %w", fp, err)
	}
	return doc.toModel(), nil
}

func (s *Store) Enable(ctx context.Context, fp model.Fingerprint, interval time.Duration, now time.Time) (model.AutomationConfig, error) {
	wctx, cancel := s.ctx(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"userId":           fp.UserID,
		"feature":          string(fp.Feature),
		"enabled":          true,
		"scheduleInterval": toMinutes(interval),
		"nextRun":          storedTime(now),
		"updatedAt":        storedTime(time.Now()),
	}}
	_, err := s.automation.UpdateOne(wctx, bson.M{"_id": fp.String()}, update, options.Update().SetUpsert(true))
	if err != nil {
		return model.AutomationConfig{}, fmt.Errorf("mongo: enable %s: %w", fp, err)
	}
	return s.Get(ctx, fp)
}

func (s *Store) Disable(ctx context.Context, fp model.Fingerprint) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.automation.UpdateOne(ctx, bson.M{"_id": fp.String()}, bson.M{
		"$set":   bson.M{"enabled": false, "updatedAt": storedTime(time.Now())},
		"$unset": bson.M{"nextRun": ""},
	})
	if err != nil {
		return fmt.Errorf("mongo: disable %s: %w", fp, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("automation %s: %w", fp, model.ErrNotFound)
	}
	return nil
}

func (s *Store) CompareAndAdvance(ctx context.Context, cfg model.AutomationConfig, prevNext time.Time) error {
	if cfg.LastRun == nil || cfg.NextRun == nil {
		return fmt.Errorf("mongo: advance %s: lastRun and nextRun required", cfg.Fingerprint())
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	res, err := s.automation.UpdateOne(ctx, advanceFilter(cfg.Fingerprint(), prevNext), bson.M{
		"$set": bson.M{
			"lastRun":   storedTime(*cfg.LastRun),
			"nextRun":   storedTime(*cfg.NextRun),
			"updatedAt": storedTime(time.Now()),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: advance %s: %w", cfg.Fingerprint(), err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("automation %s: %w", cfg.Fingerprint(), model.ErrConflict)
	}
	return nil
}

// advanceFilter matches the document only while nextRun is still the value
// the scheduler read.
func advanceFilter(fp model.Fingerprint, prevNext time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: fp.String()},
		{Key: "enabled", Value: true},
		{Key: "nextRun", Value: storedTime(prevNext)},
	}
}

// ── Watchlist ──

func (s *Store) AddCriterion(ctx context.Context, c model.WatchCriterion) (model.WatchCriterion, error) {
	if err := c.Validate(); err != nil {
		return model.WatchCriterion{}, err
	}
	doc := newCriterionDoc(c)
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	if _, err := s.criteria.InsertOne(ctx, doc); err != nil {
		return model.WatchCriterion{}, fmt.Errorf("mongo: add criterion: %w", err)
	}
	return doc.toModel()
}

func (s *Store) RemoveCriterion(ctx context.Context, userID, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	res, err := s.criteria.DeleteOne(ctx, bson.M{"_id": id, "userId": userID})
	if err != nil {
		return fmt.Errorf("mongo: remove criterion %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("criterion %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) DeactivateCriterion(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	res, err := s.criteria.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"active": false}})
	if err != nil {
		return fmt.Errorf("mongo: deactivate criterion %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("criterion %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) ListActiveCriteria(ctx context.Context) ([]model.WatchCriterion, error) {
	return s.findCriteria(ctx, bson.M{"active": true})
}

func (s *Store) ListCriteria(ctx context.Context, userID string) ([]model.WatchCriterion, error) {
	return s.findCriteria(ctx, bson.M{"userId": userID})
}

func (s *Store) findCriteria(ctx context.Context, filter bson.M) ([]model.WatchCriterion, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	cur, err := s.criteria.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: find criteria: %w", err)
	}
	defer cur.Close(ctx)

	var out []model.WatchCriterion
	for cur.Next(ctx) {
		var doc criterionDoc
		if err := cur.Decode(&doc); err != nil {
			s.log.Warn("skipping undecodable criterion document", "error", err)
			continue
		}
		c, err := doc.toModel()
		if err != nil {
			s.log.Warn("skipping invalid criterion", "id", doc.ID, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, cur.Err()
}
