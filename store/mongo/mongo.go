// Package mongo provides a MongoDB implementation of the bus store.
//
// This implementation persists signals, fires, EA instances, confirmations
// and observed events for durability across restarts. Idempotency is
// enforced by unique indexes; the fire idempotency window and event
// retention are TTL indexes, so expiry needs no application sweeps.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/store"
)

// EventRetention bounds how long observed events are kept.
const EventRetention = 7 * 24 * time.Hour

// Store is a MongoDB implementation of the store.Store interface.
type Store struct {
	signals       *mongo.Collection
	fires         *mongo.Collection
	eas           *mongo.Collection
	confirmations *mongo.Collection
	events        *mongo.Collection
	signalEvents  *mongo.Collection
	tradeEvents   *mongo.Collection
	healthEvents  *mongo.Collection
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a MongoDB store using collections from the provided database.
// The database should be from a connected MongoDB client.
func New(db *mongo.Database) *Store {
	return &Store{
		signals:       db.Collection("signals"),
		fires:         db.Collection("fires"),
		eas:           db.Collection("ea_instances"),
		confirmations: db.Collection("confirmations"),
		events:        db.Collection("events"),
		signalEvents:  db.Collection("signal_events"),
		tradeEvents:   db.Collection("trade_events"),
		healthEvents:  db.Collection("health_events"),
	}
}

// EnsureIndexes creates the indexes the invariants depend on. Safe to call
// on every startup; index creation is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.fires.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "idem_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("fires_idem"),
		},
		{
			Keys:    bson.D{{Key: "idem_expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("fires_idem_ttl"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
			Options: options.Index().SetName("fires_stuck_scan"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb create fires indexes: %w", err)
	}
	_, err = s.confirmations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "fire_id", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("confirmations_seq"),
	})
	if err != nil {
		return fmt.Errorf("mongodb create confirmations index: %w", err)
	}
	_, err = s.eas.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetName("eas_user"),
	})
	if err != nil {
		return fmt.Errorf("mongodb create ea index: %w", err)
	}
	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().
			SetExpireAfterSeconds(int32(EventRetention.Seconds())).SetName("events_ttl")},
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("events_type_ts")},
		{Keys: bson.D{{Key: "correlation_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("events_corr_ts")},
	})
	if err != nil {
		return fmt.Errorf("mongodb create events indexes: %w", err)
	}
	return nil
}

// SaveSignal inserts a signal row if absent. The _id unique index makes the
// insert race-free across processes.
func (s *Store) SaveSignal(ctx context.Context, sig *signalbus.Signal) (bool, error) {
	_, err := s.signals.InsertOne(ctx, sig)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongodb save signal %q: %w", sig.SignalID, err)
	}
	return true, nil
}

// GetSignal retrieves a signal by ID.
func (s *Store) GetSignal(ctx context.Context, signalID string) (*signalbus.Signal, error) {
	var sig signalbus.Signal
	err := s.signals.FindOne(ctx, bson.M{"_id": signalID}).Decode(&sig)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get signal %q: %w", signalID, err)
	}
	return &sig, nil
}

// MarkSignalStreamed records that the signal has a stream entry.
func (s *Store) MarkSignalStreamed(ctx context.Context, signalID string) error {
	res, err := s.signals.UpdateOne(ctx, bson.M{"_id": signalID}, bson.M{"$set": bson.M{"streamed": true}})
	if err != nil {
		return fmt.Errorf("mongodb mark signal streamed %q: %w", signalID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UnstreamedSignals returns signals created after since with no stream
// entry, oldest first.
func (s *Store) UnstreamedSignals(ctx context.Context, since time.Time) ([]*signalbus.Signal, error) {
	filter := bson.M{"streamed": false, "created_at": bson.M{"$gt": since}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.signals.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb unstreamed signals: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*signalbus.Signal
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb unstreamed signals decode: %w", err)
	}
	return out, nil
}

// InsertFire inserts a fire row. The fires_idem unique index turns a
// concurrent duplicate submission into ErrDuplicate.
func (s *Store) InsertFire(ctx context.Context, fire *signalbus.Fire) error {
	_, err := s.fires.InsertOne(ctx, fire)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("fire %s: %w", fire.FireID, store.ErrDuplicate)
		}
		return fmt.Errorf("mongodb insert fire %q: %w", fire.FireID, err)
	}
	return nil
}

// GetFire retrieves a fire by ID.
func (s *Store) GetFire(ctx context.Context, fireID string) (*signalbus.Fire, error) {
	var fire signalbus.Fire
	err := s.fires.FindOne(ctx, bson.M{"_id": fireID}).Decode(&fire)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get fire %q: %w", fireID, err)
	}
	return &fire, nil
}

// FireByIdem resolves a fire by its idempotency key. Rows past their TTL
// may linger until the Mongo expiry pass runs, so the window is re-checked
// here.
func (s *Store) FireByIdem(ctx context.Context, userID, idem string) (*signalbus.Fire, error) {
	filter := bson.M{
		"user_id":         userID,
		"idem_key":        idem,
		"idem_expires_at": bson.M{"$gt": time.Now().UTC()},
	}
	var fire signalbus.Fire
	err := s.fires.FindOne(ctx, filter).Decode(&fire)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb fire by idem %q/%q: %w", userID, idem, err)
	}
	return &fire, nil
}

// UpdateFireStatus transitions a fire and stamps updated_at.
func (s *Store) UpdateFireStatus(ctx context.Context, fireID string, status signalbus.FireStatus, reason string) error {
	update := bson.M{"$set": bson.M{
		"status":     status,
		"reason":     reason,
		"updated_at": time.Now().UTC(),
	}}
	res, err := s.fires.UpdateOne(ctx, bson.M{"_id": fireID}, update)
	if err != nil {
		return fmt.Errorf("mongodb update fire status %q: %w", fireID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordFill stores the broker ticket and fill price on a fire.
func (s *Store) RecordFill(ctx context.Context, fireID, ticket string, price float64) error {
	update := bson.M{"$set": bson.M{
		"ticket":     ticket,
		"fill_price": price,
		"updated_at": time.Now().UTC(),
	}}
	res, err := s.fires.UpdateOne(ctx, bson.M{"_id": fireID}, update)
	if err != nil {
		return fmt.Errorf("mongodb record fill %q: %w", fireID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// StuckFires returns non-terminal fires older than the cutoff.
func (s *Store) StuckFires(ctx context.Context, cutoff time.Time) ([]*signalbus.Fire, error) {
	filter := bson.M{
		"status": bson.M{"$nin": []signalbus.FireStatus{
			signalbus.FireFilled, signalbus.FireRejected, signalbus.FireCancelled,
		}},
		"updated_at": bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	cursor, err := s.fires.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb stuck fires: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*signalbus.Fire
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb stuck fires decode: %w", err)
	}
	return out, nil
}

// UpsertEA registers or refreshes an EA instance.
func (s *Store) UpsertEA(ctx context.Context, ea *signalbus.EAInstance) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.eas.ReplaceOne(ctx, bson.M{"_id": ea.TargetUUID}, ea, opts)
	if err != nil {
		return fmt.Errorf("mongodb upsert ea %q: %w", ea.TargetUUID, err)
	}
	return nil
}

// GetEA retrieves an EA instance by target UUID.
func (s *Store) GetEA(ctx context.Context, targetUUID string) (*signalbus.EAInstance, error) {
	var ea signalbus.EAInstance
	err := s.eas.FindOne(ctx, bson.M{"_id": targetUUID}).Decode(&ea)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get ea %q: %w", targetUUID, err)
	}
	return &ea, nil
}

// EAByUser resolves the EA bound to a user. When a user re-registers, the
// most recent heartbeat wins.
func (s *Store) EAByUser(ctx context.Context, userID string) (*signalbus.EAInstance, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "last_seen", Value: -1}})
	var ea signalbus.EAInstance
	err := s.eas.FindOne(ctx, bson.M{"user_id": userID}, opts).Decode(&ea)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb ea by user %q: %w", userID, err)
	}
	return &ea, nil
}

// ListEAs returns every registered EA instance.
func (s *Store) ListEAs(ctx context.Context) ([]*signalbus.EAInstance, error) {
	cursor, err := s.eas.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongodb list eas: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*signalbus.EAInstance
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list eas decode: %w", err)
	}
	return out, nil
}

// InsertConfirmation inserts a confirmation if (fire_id, sequence) is new.
func (s *Store) InsertConfirmation(ctx context.Context, c *signalbus.Confirmation) (bool, error) {
	_, err := s.confirmations.InsertOne(ctx, c)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongodb insert confirmation %q/%d: %w", c.FireID, c.Sequence, err)
	}
	return true, nil
}

// Confirmations returns the confirmations for a fire ordered by sequence.
func (s *Store) Confirmations(ctx context.Context, fireID string) ([]*signalbus.Confirmation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := s.confirmations.Find(ctx, bson.M{"fire_id": fireID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb confirmations %q: %w", fireID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*signalbus.Confirmation
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb confirmations decode %q: %w", fireID, err)
	}
	return out, nil
}

// InsertEvent appends an observed event, deduplicating by event_id. Signal,
// trade and health events are mirrored into their specialized collections.
func (s *Store) InsertEvent(ctx context.Context, ev *signalbus.Event) (bool, error) {
	_, err := s.events.InsertOne(ctx, ev)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongodb insert event %q: %w", ev.EventID, err)
	}
	if col := s.specializedCollection(ev.EventType); col != nil {
		// Mirror writes are best effort; the general table is authoritative.
		if _, err := col.InsertOne(ctx, ev); err != nil && !mongo.IsDuplicateKeyError(err) {
			return true, fmt.Errorf("mongodb mirror event %q: %w", ev.EventID, err)
		}
	}
	return true, nil
}

func (s *Store) specializedCollection(et signalbus.EventType) *mongo.Collection {
	switch et {
	case signalbus.EventSignalGenerated, signalbus.EventPatternDetected:
		return s.signalEvents
	case signalbus.EventTradeExecuted, signalbus.EventFireCommand:
		return s.tradeEvents
	case signalbus.EventSystemHealth:
		return s.healthEvents
	default:
		return nil
	}
}

// EventsByCorrelation returns events sharing a correlation ID, newest first.
func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]*signalbus.Event, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.events.Find(ctx, bson.M{"correlation_id": correlationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb events by correlation %q: %w", correlationID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*signalbus.Event
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb events by correlation decode: %w", err)
	}
	return out, nil
}

// RecentEvents returns the newest events of a type.
func (s *Store) RecentEvents(ctx context.Context, et signalbus.EventType, limit int) ([]*signalbus.Event, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.events.Find(ctx, bson.M{"event_type": et}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb recent events %q: %w", et, err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var out []*signalbus.Event
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb recent events decode: %w", err)
	}
	return out, nil
}
