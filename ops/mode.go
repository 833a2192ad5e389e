// Package ops holds the operational cutover machinery: the two flags that
// select the fire delivery mode, the supervisor state file the cutover and
// rollback commands persist, and the status snapshot that is the single
// source of operational truth.
package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode is derived from the two cutover flags. Four legal combinations map
// to three delivery modes plus an observation-only variant.
type Mode struct {
	// ShadowOnly controls whether the fire router skips the direct IPC
	// write (true means streams only).
	ShadowOnly bool `yaml:"shadow_only"`
	// BridgeEnqueue controls whether the dispatch bridge forwards stream
	// entries to the EA IPC channel.
	BridgeEnqueue bool `yaml:"bridge_enqueue"`
}

// Name returns the operator-facing mode name.
func (m Mode) Name() string {
	switch {
	case !m.ShadowOnly && !m.BridgeEnqueue:
		return "direct-ipc"
	case !m.ShadowOnly && m.BridgeEnqueue:
		return "shadow"
	case m.ShadowOnly && m.BridgeEnqueue:
		return "redis-only"
	default:
		return "observe-only"
	}
}

// RouterWritesIPC reports whether the fire router writes the legacy IPC
// path directly.
func (m Mode) RouterWritesIPC() bool { return !m.ShadowOnly }

// RouterPublishesStream reports whether the fire router publishes to the
// per-EA fire streams. Only the pure legacy mode skips the stream.
func (m Mode) RouterPublishesStream() bool { return m.ShadowOnly || m.BridgeEnqueue }

// BridgeForwardsIPC reports whether the dispatch bridge forwards stream
// entries to the EA channel. While the router still writes IPC directly
// (shadow mode), the bridge stays log-only so a fire is never delivered
// twice.
func (m Mode) BridgeForwardsIPC() bool { return m.ShadowOnly && m.BridgeEnqueue }

// State is the persisted supervisor state. Cutover and rollback save it so
// the decision survives restarts and is auditable.
type State struct {
	Mode          Mode      `yaml:"mode"`
	LegacyRelay   bool      `yaml:"legacy_relay"`
	ChangedAt     time.Time `yaml:"changed_at"`
	ChangedBy     string    `yaml:"changed_by"`
	LastOperation string    `yaml:"last_operation"`
}

// DefaultStatePath is where the daemon and busctl look for supervisor
// state unless overridden.
const DefaultStatePath = "/var/lib/signalbus/supervisor.yaml"

// LoadState reads supervisor state. A missing file yields the legacy
// default (direct IPC, legacy relay on) so a fresh deployment starts in
// the safe pre-cutover configuration.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{LegacyRelay: true, LastOperation: "default"}, nil
		}
		return nil, fmt.Errorf("read supervisor state: %w", err)
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse supervisor state: %w", err)
	}
	return &st, nil
}

// SaveState persists supervisor state atomically.
func SaveState(path string, st *State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal supervisor state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write supervisor state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit supervisor state: %w", err)
	}
	return nil
}

// Cutover promotes stream-only delivery: router skips IPC, bridge forwards,
// legacy relay stops. Idempotent.
func Cutover(path, operator string) (*State, error) {
	st, err := LoadState(path)
	if err != nil {
		return nil, err
	}
	st.Mode = Mode{ShadowOnly: true, BridgeEnqueue: true}
	st.LegacyRelay = false
	st.ChangedAt = time.Now().UTC()
	st.ChangedBy = operator
	st.LastOperation = "cutover"
	if err := SaveState(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Rollback reinstates the legacy direct-IPC path. Idempotent inverse of
// Cutover.
func Rollback(path, operator string) (*State, error) {
	st, err := LoadState(path)
	if err != nil {
		return nil, err
	}
	st.Mode = Mode{ShadowOnly: false, BridgeEnqueue: false}
	st.LegacyRelay = true
	st.ChangedAt = time.Now().UTC()
	st.ChangedBy = operator
	st.LastOperation = "rollback"
	if err := SaveState(path, st); err != nil {
		return nil, err
	}
	return st, nil
}
