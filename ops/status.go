package ops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/store"
	"github.com/tradewire/signalbus/stream/pulse"
)

// Snapshot is the operator-facing status report: cutover state, stream
// depth, EA fleet freshness and recent health events, gathered directly
// from the state file, Redis and the store so it works whether or not the
// daemon is up.
type Snapshot struct {
	Mode          string         `json:"mode" yaml:"mode"`
	LegacyRelay   bool           `json:"legacy_relay" yaml:"legacy_relay"`
	ChangedAt     time.Time      `json:"changed_at,omitempty" yaml:"changed_at,omitempty"`
	ChangedBy     string         `json:"changed_by,omitempty" yaml:"changed_by,omitempty"`
	LastOperation string         `json:"last_operation,omitempty" yaml:"last_operation,omitempty"`
	Streams       []StreamStatus `json:"streams" yaml:"streams"`
	EAs           []EAStatus     `json:"eas" yaml:"eas"`
	RecentHealth  []HealthEvent  `json:"recent_health,omitempty" yaml:"recent_health,omitempty"`
	GatheredAt    time.Time      `json:"gathered_at" yaml:"gathered_at"`
}

// StreamStatus is one stream's depth and consumer state.
type StreamStatus struct {
	Name         string        `json:"name" yaml:"name"`
	Group        string        `json:"group" yaml:"group"`
	Length       int64         `json:"length" yaml:"length"`
	Pending      int64         `json:"pending" yaml:"pending"`
	ConsumerIdle time.Duration `json:"consumer_idle" yaml:"consumer_idle"`
}

// EAStatus is one EA's heartbeat freshness.
type EAStatus struct {
	TargetUUID string        `json:"target_uuid" yaml:"target_uuid"`
	UserID     string        `json:"user_id" yaml:"user_id"`
	LastSeen   time.Time     `json:"last_seen" yaml:"last_seen"`
	Age        time.Duration `json:"age" yaml:"age"`
	Fresh      bool          `json:"fresh" yaml:"fresh"`
}

// HealthEvent is a recent system_health observation, watchdog alerts
// included.
type HealthEvent struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Source    string    `json:"source" yaml:"source"`
	Detail    string    `json:"detail" yaml:"detail"`
}

// GatherOptions names the sources a snapshot reads from. Absent sources
// degrade the snapshot instead of failing it; a status report with gaps
// beats no report during an incident.
type GatherOptions struct {
	// StatePath is the supervisor state file. Required.
	StatePath string
	// Store provides EA and health-event state; nil omits those sections.
	Store store.Store
	// Streams provides stream introspection; nil omits the stream section.
	Streams pulse.Client
	// HealthEvents bounds the recent health section; zero means 10.
	HealthEvents int
}

// Gather assembles a status snapshot.
func Gather(ctx context.Context, opts GatherOptions) (*Snapshot, error) {
	st, err := LoadState(opts.StatePath)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Mode:          st.Mode.Name(),
		LegacyRelay:   st.LegacyRelay,
		ChangedAt:     st.ChangedAt,
		ChangedBy:     st.ChangedBy,
		LastOperation: st.LastOperation,
		GatheredAt:    time.Now().UTC(),
	}

	if opts.Streams != nil {
		snap.Streams = append(snap.Streams,
			gatherStream(ctx, opts.Streams, pulse.SignalsStream, pulse.RelayGroup),
			gatherStream(ctx, opts.Streams, pulse.DeadLetterStream, pulse.RelayGroup))
	}

	if opts.Store != nil {
		eas, err := opts.Store.ListEAs(ctx)
		if err == nil {
			now := snap.GatheredAt
			for _, ea := range eas {
				snap.EAs = append(snap.EAs, EAStatus{
					TargetUUID: ea.TargetUUID,
					UserID:     ea.UserID,
					LastSeen:   ea.LastSeen,
					Age:        now.Sub(ea.LastSeen).Round(time.Second),
					Fresh:      ea.Fresh(now),
				})
				if opts.Streams != nil {
					snap.Streams = append(snap.Streams,
						gatherStream(ctx, opts.Streams, pulse.FireStream(ea.TargetUUID), pulse.DispatchGroup))
				}
			}
		}

		limit := opts.HealthEvents
		if limit == 0 {
			limit = 10
		}
		events, err := opts.Store.RecentEvents(ctx, signalbus.EventSystemHealth, limit)
		if err == nil {
			for _, ev := range events {
				snap.RecentHealth = append(snap.RecentHealth, HealthEvent{
					Timestamp: ev.Timestamp,
					Source:    ev.Source,
					Detail:    healthDetail(ev.Data),
				})
			}
		}
	}
	return snap, nil
}

func gatherStream(ctx context.Context, streams pulse.Client, name, group string) StreamStatus {
	ss := StreamStatus{Name: name, Group: group}
	info, err := streams.StreamInfo(ctx, name, group)
	if err != nil {
		return ss
	}
	ss.Length = info.Length
	ss.Pending = info.Pending
	ss.ConsumerIdle = info.ConsumerIdle.Round(time.Second)
	return ss
}

func healthDetail(data []byte) string {
	var payload struct {
		Component string `json:"component"`
		Status    string `json:"status"`
		Detail    string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return string(data)
	}
	return payload.Component + " " + payload.Status + ": " + payload.Detail
}
