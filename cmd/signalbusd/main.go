// Command signalbusd runs the signal-and-fire event bus daemon: signal
// ingest, the durable delivery worker, the fire command router, the
// dispatch bridge, the confirmation listener, the observation collector
// and the watchdogs, all supervised in one process. The legacy dual-run
// relay starts only while the supervisor state enables it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/tradewire/signalbus/confirm"
	"github.com/tradewire/signalbus/dispatch"
	"github.com/tradewire/signalbus/eaipc"
	"github.com/tradewire/signalbus/fire"
	"github.com/tradewire/signalbus/ingest"
	"github.com/tradewire/signalbus/obs"
	"github.com/tradewire/signalbus/ops"
	"github.com/tradewire/signalbus/relay"
	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/store"
	memorystore "github.com/tradewire/signalbus/store/memory"
	mongostore "github.com/tradewire/signalbus/store/mongo"
	"github.com/tradewire/signalbus/stream/pulse"
	"github.com/tradewire/signalbus/watchdog"
)

const shutdownGrace = 15 * time.Second

func main() {
	var (
		natsURL      = envOr("SIGNALBUS_NATS_URL", nats.DefaultURL)
		redisAddr    = envOr("SIGNALBUS_REDIS_ADDR", "localhost:6379")
		redisPass    = os.Getenv("SIGNALBUS_REDIS_PASSWORD")
		mongoURI     = os.Getenv("SIGNALBUS_MONGO_URI") // empty means in-memory store
		mongoDB      = envOr("SIGNALBUS_MONGO_DB", "signalbus")
		httpAddr     = envOr("SIGNALBUS_HTTP_ADDR", ":8890")
		metricsAddr  = envOr("SIGNALBUS_METRICS_ADDR", ":9090")
		missionURL   = envOr("SIGNALBUS_MISSION_URL", "http://localhost:8888/api/mission")
		eaDir        = envOr("SIGNALBUS_EA_DIR", "/var/lib/signalbus/ea")
		statePath    = envOr("SIGNALBUS_STATE_PATH", ops.DefaultStatePath)
		pagerWebhook = os.Getenv("SIGNALBUS_PAGER_WEBHOOK")
		backupPath   = os.Getenv("SIGNALBUS_BACKUP_PATH")
		debug        = os.Getenv("SIGNALBUS_DEBUG") != ""
	)

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := schema.NewRegistry()
	if err != nil {
		log.Fatalf(ctx, err, "compile event schemas")
	}

	nc, err := nats.Connect(natsURL, obs.ConnectOptions("signalbusd")...)
	if err != nil {
		log.Fatalf(ctx, err, "connect bus broker %s", natsURL)
	}
	defer nc.Close()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPass})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf(ctx, err, "connect redis %s", redisAddr)
	}
	streams, err := pulse.New(pulse.Options{Redis: rdb, OperationTimeout: 10 * time.Second})
	if err != nil {
		log.Fatalf(ctx, err, "create stream client")
	}

	st, cleanup, err := openStore(ctx, mongoURI, mongoDB)
	if err != nil {
		log.Fatalf(ctx, err, "open state store")
	}
	defer cleanup()

	ipc := eaipc.New(eaDir)
	modes := newModeSource(statePath)
	state, err := ops.LoadState(statePath)
	if err != nil {
		log.Fatalf(ctx, err, "load supervisor state %s", statePath)
	}
	log.Printf(ctx, "starting in mode %s (legacy relay %t)", state.Mode.Name(), state.LegacyRelay)

	observer := func(source string) *obs.Client { return obs.NewClient(nc, registry, source) }
	poster := relay.NewPoster(missionURL)

	ingestBridge, err := ingest.New(ingest.Options{
		Subscriber: nc,
		Store:      st,
		Streams:    streams,
		Registry:   registry,
		Observer:   observer("ingest"),
	})
	if err != nil {
		log.Fatalf(ctx, err, "create ingest bridge")
	}
	worker, err := relay.NewWorker(streams, poster, registry)
	if err != nil {
		log.Fatalf(ctx, err, "create relay worker")
	}
	router, err := fire.NewRouter(fire.Options{
		Store:    st,
		Streams:  streams,
		IPC:      ipc,
		Observer: observer("fire"),
		Mode:     modes.Mode,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create fire router")
	}
	bridge, err := dispatch.New(dispatch.Options{
		Store:    st,
		Streams:  streams,
		IPC:      ipc,
		Observer: observer("dispatch"),
		Mode:     modes.Mode,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create dispatch bridge")
	}
	listener, err := confirm.New(confirm.Options{
		Subscriber: nc,
		Store:      st,
		IPC:        ipc,
		Observer:   observer("confirm"),
	})
	if err != nil {
		log.Fatalf(ctx, err, "create confirmation listener")
	}
	collector := obs.NewCollector(nc, st, registry)
	pager := watchdog.NewPager(watchdog.PagerOptions{WebhookURL: pagerWebhook})
	dog, err := watchdog.New(watchdog.Options{
		Store:      st,
		Streams:    streams,
		Pager:      pager,
		Observer:   observer("watchdog"),
		BackupPath: backupPath,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create watchdog")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestBridge.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx) })
	g.Go(func() error { return dog.Run(gctx) })
	if state.LegacyRelay {
		legacy, err := relay.NewLegacyRelay(nc, poster)
		if err != nil {
			log.Fatalf(ctx, err, "create legacy relay")
		}
		g.Go(func() error { return legacy.Run(gctx) })
	}
	g.Go(func() error {
		return serveHTTP(gctx, httpAddr, "fire router", router.Handler())
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		return serveHTTP(gctx, metricsAddr, "metrics", mux)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf(ctx, err, "component failed")
	}
	log.Printf(ctx, "shutdown complete")
}

// openStore returns the configured store: Mongo when a URI is set, the
// in-memory store otherwise (dev and smoke-test deployments).
func openStore(ctx context.Context, uri, db string) (store.Store, func(), error) {
	if uri == "" {
		log.Printf(ctx, "no mongo URI configured, using in-memory store")
		return memorystore.New(), func() {}, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(connectCtx, mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	st := mongostore.New(client.Database(db))
	if err := st.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ensure indexes: %w", err)
	}
	cleanup := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}
	return st, cleanup, nil
}

// serveHTTP runs one HTTP listener until the context ends, then drains it
// within the shutdown grace period.
func serveHTTP(ctx context.Context, addr, name string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Printf(ctx, "%s listening on %s", name, addr)
	select {
	case err := <-errc:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", name, err)
	}
	return nil
}

// modeSource re-reads the supervisor state file with a short cache so a
// cutover takes effect without a restart.
type modeSource struct {
	path string

	mu       sync.Mutex
	mode     ops.Mode
	readAt   time.Time
	maxStale time.Duration
}

func newModeSource(path string) *modeSource {
	return &modeSource{path: path, maxStale: 5 * time.Second}
}

// Mode returns the current cutover mode. Read failures keep the last known
// mode; the safe default for a fresh deployment comes from LoadState.
func (m *modeSource) Mode() ops.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.readAt) < m.maxStale {
		return m.mode
	}
	m.readAt = time.Now()
	if st, err := ops.LoadState(m.path); err == nil {
		m.mode = st.Mode
	}
	return m.mode
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
