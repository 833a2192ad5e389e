// Package memory provides an in-memory implementation of the bus store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required. The
// idempotency window is enforced lazily: expired idem entries are ignored
// on lookup rather than evicted by a background pass.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	signals       map[string]*signalbus.Signal
	fires         map[string]*signalbus.Fire
	firesByIdem   map[string]string // "user|idem" → fire_id
	eas           map[string]*signalbus.EAInstance
	easByUser     map[string]string // user_id → target_uuid
	confirmations map[string][]*signalbus.Confirmation
	events        map[string]*signalbus.Event
	eventOrder    []string // insertion order, newest last
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		signals:       make(map[string]*signalbus.Signal),
		fires:         make(map[string]*signalbus.Fire),
		firesByIdem:   make(map[string]string),
		eas:           make(map[string]*signalbus.EAInstance),
		easByUser:     make(map[string]string),
		confirmations: make(map[string][]*signalbus.Confirmation),
		events:        make(map[string]*signalbus.Event),
	}
}

func idemKey(userID, idem string) string {
	return userID + "|" + idem
}

// SaveSignal inserts a signal row if absent.
func (s *Store) SaveSignal(ctx context.Context, sig *signalbus.Signal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signals[sig.SignalID]; ok {
		return false, nil
	}
	cp := *sig
	s.signals[sig.SignalID] = &cp
	return true, nil
}

// GetSignal retrieves a signal by ID.
func (s *Store) GetSignal(ctx context.Context, signalID string) (*signalbus.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[signalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sig
	return &cp, nil
}

// MarkSignalStreamed records that the signal has a stream entry.
func (s *Store) MarkSignalStreamed(ctx context.Context, signalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[signalID]
	if !ok {
		return store.ErrNotFound
	}
	sig.Streamed = true
	return nil
}

// UnstreamedSignals returns signals created after since with no stream
// entry, oldest first.
func (s *Store) UnstreamedSignals(ctx context.Context, since time.Time) ([]*signalbus.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*signalbus.Signal
	for _, sig := range s.signals {
		if !sig.Streamed && sig.CreatedAt.After(since) {
			cp := *sig
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InsertFire inserts a fire row, enforcing the (user_id, idem_key) unique
// index inside the idempotency window.
func (s *Store) InsertFire(ctx context.Context, fire *signalbus.Fire) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idemKey(fire.UserID, fire.IdemKey)
	if existingID, ok := s.firesByIdem[key]; ok {
		if existing, ok := s.fires[existingID]; ok && time.Now().Before(existing.IdemExpiresAt) {
			return fmt.Errorf("fire %s: %w", existingID, store.ErrDuplicate)
		}
	}
	if _, ok := s.fires[fire.FireID]; ok {
		return fmt.Errorf("fire %s: %w", fire.FireID, store.ErrDuplicate)
	}
	cp := *fire
	s.fires[fire.FireID] = &cp
	s.firesByIdem[key] = fire.FireID
	return nil
}

// GetFire retrieves a fire by ID.
func (s *Store) GetFire(ctx context.Context, fireID string) (*signalbus.Fire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fire, ok := s.fires[fireID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *fire
	return &cp, nil
}

// FireByIdem resolves a fire by its idempotency key.
func (s *Store) FireByIdem(ctx context.Context, userID, idem string) (*signalbus.Fire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fireID, ok := s.firesByIdem[idemKey(userID, idem)]
	if !ok {
		return nil, store.ErrNotFound
	}
	fire, ok := s.fires[fireID]
	if !ok || time.Now().After(fire.IdemExpiresAt) {
		return nil, store.ErrNotFound
	}
	cp := *fire
	return &cp, nil
}

// UpdateFireStatus transitions a fire and stamps updated_at.
func (s *Store) UpdateFireStatus(ctx context.Context, fireID string, status signalbus.FireStatus, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fire, ok := s.fires[fireID]
	if !ok {
		return store.ErrNotFound
	}
	fire.Status = status
	fire.Reason = reason
	fire.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordFill stores the broker ticket and fill price on a fire.
func (s *Store) RecordFill(ctx context.Context, fireID, ticket string, price float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fire, ok := s.fires[fireID]
	if !ok {
		return store.ErrNotFound
	}
	fire.Ticket = ticket
	fire.FillPrice = price
	fire.UpdatedAt = time.Now().UTC()
	return nil
}

// StuckFires returns non-terminal fires older than the cutoff.
func (s *Store) StuckFires(ctx context.Context, cutoff time.Time) ([]*signalbus.Fire, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*signalbus.Fire
	for _, fire := range s.fires {
		if !fire.Status.Terminal() && fire.UpdatedAt.Before(cutoff) {
			cp := *fire
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// UpsertEA registers or refreshes an EA instance.
func (s *Store) UpsertEA(ctx context.Context, ea *signalbus.EAInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ea
	s.eas[ea.TargetUUID] = &cp
	s.easByUser[ea.UserID] = ea.TargetUUID
	return nil
}

// GetEA retrieves an EA instance by target UUID.
func (s *Store) GetEA(ctx context.Context, targetUUID string) (*signalbus.EAInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ea, ok := s.eas[targetUUID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ea
	return &cp, nil
}

// EAByUser resolves the EA bound to a user.
func (s *Store) EAByUser(ctx context.Context, userID string) (*signalbus.EAInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	uuid, ok := s.easByUser[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	ea, ok := s.eas[uuid]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ea
	return &cp, nil
}

// ListEAs returns every registered EA instance.
func (s *Store) ListEAs(ctx context.Context) ([]*signalbus.EAInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*signalbus.EAInstance, 0, len(s.eas))
	for _, ea := range s.eas {
		cp := *ea
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetUUID < out[j].TargetUUID })
	return out, nil
}

// InsertConfirmation inserts a confirmation if (fire_id, sequence) is new.
func (s *Store) InsertConfirmation(ctx context.Context, c *signalbus.Confirmation) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.confirmations[c.FireID] {
		if existing.Sequence == c.Sequence {
			return false, nil
		}
	}
	cp := *c
	s.confirmations[c.FireID] = append(s.confirmations[c.FireID], &cp)
	return true, nil
}

// Confirmations returns the confirmations for a fire ordered by sequence.
func (s *Store) Confirmations(ctx context.Context, fireID string) ([]*signalbus.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.confirmations[fireID]
	out := make([]*signalbus.Confirmation, len(list))
	for i, c := range list {
		cp := *c
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// InsertEvent appends an observed event, deduplicating by event_id.
func (s *Store) InsertEvent(ctx context.Context, ev *signalbus.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.EventID]; ok {
		return false, nil
	}
	cp := *ev
	s.events[ev.EventID] = &cp
	s.eventOrder = append(s.eventOrder, ev.EventID)
	return true, nil
}

// EventsByCorrelation returns events sharing a correlation ID, newest first.
func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]*signalbus.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*signalbus.Event
	for i := len(s.eventOrder) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[s.eventOrder[i]]
		if ev != nil && ev.CorrelationID == correlationID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RecentEvents returns the newest events of a type.
func (s *Store) RecentEvents(ctx context.Context, et signalbus.EventType, limit int) ([]*signalbus.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*signalbus.Event
	for i := len(s.eventOrder) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[s.eventOrder[i]]
		if ev != nil && ev.EventType == et {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}
