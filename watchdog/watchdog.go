// Package watchdog runs the periodic health checks that page the operator:
// stale EAs, stuck fires, stream backlog and consumer stalls, and backup
// recency. Checks only read; they never mutate bus state.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"goa.design/clue/log"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/obs"
	"github.com/tradewire/signalbus/store"
	"github.com/tradewire/signalbus/stream/pulse"
)

// Check cadence and alert thresholds.
const (
	DefaultInterval = 30 * time.Second

	// StreamBacklogThreshold pages when a stream holds more unconsumed
	// entries than this.
	StreamBacklogThreshold = 10000

	// ConsumerIdleThreshold pages when a consumer group has not read for
	// this long while entries are pending.
	ConsumerIdleThreshold = 120 * time.Second

	// BackupMaxAge pages when the newest state backup is older than this.
	BackupMaxAge = 24 * time.Hour
)

var (
	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbus_watchdog_alerts_total",
		Help: "Alerts raised by check and severity.",
	}, []string{"check", "severity"})

	staleEAs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalbus_watchdog_stale_eas",
		Help: "EAs whose last heartbeat is older than the freshness threshold.",
	})

	stuckFires = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalbus_watchdog_stuck_fires",
		Help: "Non-terminal fires older than the stuck threshold.",
	})

	streamLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalbus_watchdog_stream_length",
		Help: "Entries currently held per stream.",
	}, []string{"stream"})
)

// Watchdog runs the checks on a fixed ticker.
type Watchdog struct {
	st         store.Store
	streams    pulse.Client
	pager      *Pager
	observer   *obs.Client
	interval   time.Duration
	backupPath string
	now        func() time.Time
}

// Options configures the watchdog.
type Options struct {
	// Store is the state store. Required.
	Store store.Store
	// Streams provides stream introspection; nil skips the stream checks.
	Streams pulse.Client
	// Pager receives alerts. Required.
	Pager *Pager
	// Observer mirrors findings to the observation bus; optional.
	Observer *obs.Client
	// Interval overrides the check cadence; zero uses the default.
	Interval time.Duration
	// BackupPath is the newest state backup file; empty skips the backup
	// recency check.
	BackupPath string
}

// New creates the watchdog.
func New(opts Options) (*Watchdog, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Pager == nil {
		return nil, fmt.Errorf("pager is required")
	}
	w := &Watchdog{
		st:         opts.Store,
		streams:    opts.Streams,
		pager:      opts.Pager,
		observer:   opts.Observer,
		interval:   opts.Interval,
		backupPath: opts.BackupPath,
		now:        time.Now,
	}
	if w.interval == 0 {
		w.interval = DefaultInterval
	}
	return w, nil
}

// Run executes the check loop until the context ends. The first sweep runs
// immediately.
func (w *Watchdog) Run(ctx context.Context) error {
	log.Printf(ctx, "watchdog running, interval %s", w.interval)
	w.Sweep(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs every check once.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.checkEAs(ctx)
	w.checkStuckFires(ctx)
	w.checkStreams(ctx)
	w.checkBackup(ctx)
}

func (w *Watchdog) checkEAs(ctx context.Context) {
	eas, err := w.st.ListEAs(ctx)
	if err != nil {
		log.Errorf(ctx, err, "watchdog: list EAs")
		return
	}
	now := w.now()
	stale := 0
	for _, ea := range eas {
		age := now.Sub(ea.LastSeen)
		if age < signalbus.FreshnessThreshold {
			continue
		}
		stale++
		severity := SeverityWarning
		check := "ea_stale"
		if age >= signalbus.UnreachableThreshold {
			severity = SeverityCritical
			check = "ea_unreachable"
		}
		w.raise(ctx, Alert{
			Check:    check,
			Subject:  ea.TargetUUID,
			Severity: severity,
			Message:  fmt.Sprintf("EA %s (user %s) last seen %s ago", ea.TargetUUID, ea.UserID, age.Round(time.Second)),
		})
	}
	staleEAs.Set(float64(stale))
}

func (w *Watchdog) checkStuckFires(ctx context.Context) {
	cutoff := w.now().Add(-signalbus.StuckFireThreshold)
	fires, err := w.st.StuckFires(ctx, cutoff)
	if err != nil {
		log.Errorf(ctx, err, "watchdog: scan stuck fires")
		return
	}
	stuckFires.Set(float64(len(fires)))
	for _, f := range fires {
		w.raise(ctx, Alert{
			Check:    "stuck_fire",
			Subject:  f.FireID,
			Severity: SeverityCritical,
			Message: fmt.Sprintf("fire %s for user %s stuck in %s since %s",
				f.FireID, f.UserID, f.Status, f.UpdatedAt.UTC().Format(time.RFC3339)),
		})
	}
}

func (w *Watchdog) checkStreams(ctx context.Context) {
	if w.streams == nil {
		return
	}
	w.checkStream(ctx, pulse.SignalsStream, pulse.RelayGroup)

	eas, err := w.st.ListEAs(ctx)
	if err != nil {
		return
	}
	for _, ea := range eas {
		w.checkStream(ctx, pulse.FireStream(ea.TargetUUID), pulse.DispatchGroup)
	}
}

func (w *Watchdog) checkStream(ctx context.Context, name, group string) {
	info, err := w.streams.StreamInfo(ctx, name, group)
	if err != nil {
		log.Errorf(ctx, err, "watchdog: inspect stream %s", name)
		return
	}
	streamLength.WithLabelValues(name).Set(float64(info.Length))
	if info.Length > StreamBacklogThreshold {
		w.raise(ctx, Alert{
			Check:    "stream_backlog",
			Subject:  name,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("stream %s holds %d entries", name, info.Length),
		})
	}
	if info.Pending > 0 && info.ConsumerIdle > ConsumerIdleThreshold {
		w.raise(ctx, Alert{
			Check:    "consumer_stalled",
			Subject:  name + "/" + group,
			Severity: SeverityCritical,
			Message: fmt.Sprintf("group %s on %s idle %s with %d pending",
				group, name, info.ConsumerIdle.Round(time.Second), info.Pending),
		})
	}
}

func (w *Watchdog) checkBackup(ctx context.Context) {
	if w.backupPath == "" {
		return
	}
	fi, err := os.Stat(w.backupPath)
	if err != nil {
		w.raise(ctx, Alert{
			Check:    "backup_missing",
			Subject:  w.backupPath,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("backup %s unreadable: %v", w.backupPath, err),
		})
		return
	}
	if age := w.now().Sub(fi.ModTime()); age > BackupMaxAge {
		w.raise(ctx, Alert{
			Check:    "backup_stale",
			Subject:  w.backupPath,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("newest backup is %s old", age.Round(time.Hour)),
		})
	}
}

// raise sends the alert through the pager and, when delivered, mirrors it
// to the observation bus.
func (w *Watchdog) raise(ctx context.Context, a Alert) {
	a.Timestamp = w.now().UTC()
	if !w.pager.Send(ctx, a) {
		return
	}
	log.Printf(ctx, "watchdog: %s %s %s", a.Severity, a.Check, a.Message)
	w.observer.Publish(ctx, signalbus.EventSystemHealth, a.Subject, "", map[string]any{
		"component": "watchdog",
		"status":    healthStatus(a.Severity),
		"detail":    a.Check + ": " + a.Message,
	})
}

// healthStatus maps pager severities onto the system_health status enum.
func healthStatus(s Severity) string {
	if s == SeverityCritical {
		return "down"
	}
	return "degraded"
}
