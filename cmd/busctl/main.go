// Command busctl is the operator CLI for the signal bus: status snapshots,
// the cutover and rollback switches, and a connectivity smoke test.
//
// Exit codes: 0 on success, 2 on configuration errors, 3 when a remote
// dependency is unavailable.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/obs"
	"github.com/tradewire/signalbus/ops"
	"github.com/tradewire/signalbus/store"
	mongostore "github.com/tradewire/signalbus/store/mongo"
	"github.com/tradewire/signalbus/stream/pulse"
)

const (
	exitConfig = 2
	exitRemote = 3
)

var (
	statePath  string
	redisAddr  string
	redisPass  string
	mongoURI   string
	mongoDB    string
	natsURL    string
	missionURL string
	operator   string
	smokeUser  string
	fireURL    string
)

func main() {
	root := &cobra.Command{
		Use:           "busctl",
		Short:         "Operate the signal bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&statePath, "state", envOr("SIGNALBUS_STATE_PATH", ops.DefaultStatePath), "supervisor state file")
	pf.StringVar(&redisAddr, "redis", envOr("SIGNALBUS_REDIS_ADDR", "localhost:6379"), "redis address")
	pf.StringVar(&redisPass, "redis-password", os.Getenv("SIGNALBUS_REDIS_PASSWORD"), "redis password")
	pf.StringVar(&mongoURI, "mongo-uri", os.Getenv("SIGNALBUS_MONGO_URI"), "mongo URI (empty skips store sections)")
	pf.StringVar(&mongoDB, "mongo-db", envOr("SIGNALBUS_MONGO_DB", "signalbus"), "mongo database")
	pf.StringVar(&natsURL, "nats", envOr("SIGNALBUS_NATS_URL", nats.DefaultURL), "bus broker URL")
	pf.StringVar(&missionURL, "mission", envOr("SIGNALBUS_MISSION_URL", "http://localhost:8888/api/mission"), "mission endpoint")

	cutoverCmd := &cobra.Command{
		Use:   "cutover",
		Short: "Promote stream-only fire delivery and stop the legacy relay",
		RunE:  runCutover,
	}
	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "Reinstate the legacy direct-IPC path",
		RunE:  runRollback,
	}
	for _, c := range []*cobra.Command{cutoverCmd, rollbackCmd} {
		c.Flags().StringVar(&operator, "operator", envOr("USER", "unknown"), "who is making the change")
	}

	smokeCmd := &cobra.Command{
		Use:   "smoke",
		Short: "Check every bus dependency; with --user, run a dry-run fire round trip",
		Long: "Probes redis, the bus broker, mongo, the mission endpoint and the\n" +
			"supervisor state file. With --user it also submits a dry-run fire and\n" +
			"waits for the fire_command observation event to come back over the bus.",
		RunE: runSmoke,
	}
	smokeCmd.Flags().StringVar(&smokeUser, "user", "", "submit a dry-run fire for this user")
	smokeCmd.Flags().StringVar(&fireURL, "fire-url", envOr("SIGNALBUS_FIRE_URL", "http://localhost:8890"), "fire router base URL")

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Print the operational status snapshot",
			RunE:  runStatus,
		},
		cutoverCmd,
		rollbackCmd,
		smokeCmd,
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "busctl:", err)
		os.Exit(exitCodeFor(err))
	}
}

// remoteError marks failures that should exit with the remote-unavailable
// code instead of the config code.
type remoteError struct{ err error }

func (e remoteError) Error() string { return e.err.Error() }
func (e remoteError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if _, ok := err.(remoteError); ok {
		return exitRemote
	}
	return exitConfig
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	opts := ops.GatherOptions{StatePath: statePath}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPass})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return remoteError{fmt.Errorf("redis %s: %w", redisAddr, err)}
	}
	streams, err := pulse.New(pulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	opts.Streams = streams

	if mongoURI != "" {
		st, cleanup, err := openStore(ctx)
		if err != nil {
			return remoteError{err}
		}
		defer cleanup()
		opts.Store = st
	}

	snap, err := ops.Gather(ctx, opts)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func runCutover(_ *cobra.Command, _ []string) error {
	st, err := ops.Cutover(statePath, operator)
	if err != nil {
		return err
	}
	fmt.Printf("cutover complete: mode=%s legacy_relay=%t\n", st.Mode.Name(), st.LegacyRelay)
	fmt.Println("restart signalbusd to stop the legacy relay")
	return nil
}

func runRollback(_ *cobra.Command, _ []string) error {
	st, err := ops.Rollback(statePath, operator)
	if err != nil {
		return err
	}
	fmt.Printf("rollback complete: mode=%s legacy_relay=%t\n", st.Mode.Name(), st.LegacyRelay)
	fmt.Println("restart signalbusd to resume the legacy relay")
	return nil
}

// runSmoke probes every dependency the daemon needs. All probes run even
// after a failure so one report covers the whole deployment.
func runSmoke(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	var failed error
	check := func(name string, err error) {
		if err != nil {
			fmt.Printf("FAIL %-8s %v\n", name, err)
			failed = remoteError{fmt.Errorf("%s unavailable", name)}
			return
		}
		fmt.Printf("ok   %s\n", name)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPass})
	defer rdb.Close()
	check("redis", rdb.Ping(ctx).Err())

	nc, err := nats.Connect(natsURL, obs.ConnectOptions("busctl-smoke")...)
	check("nats", err)
	if nc != nil {
		defer nc.Close()
	}

	if mongoURI != "" {
		_, cleanup, err := openStore(ctx)
		if err == nil {
			cleanup()
		}
		check("mongo", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, missionURL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}
	check("mission", err)

	if _, err := ops.LoadState(statePath); err != nil {
		fmt.Printf("FAIL state    %v\n", err)
		if failed == nil {
			failed = err
		}
	} else {
		fmt.Println("ok   state")
	}

	if smokeUser != "" {
		if nc == nil {
			check("fire", fmt.Errorf("bus connection required for the fire round trip"))
		} else {
			check("fire", smokeFire(ctx, nc))
		}
	}
	return failed
}

// smokeFire submits a dry-run fire for the given user and waits for its
// fire_command observation event to arrive over the bus. Dry runs stop at
// the store row and the event, so the probe leaves no trade behind.
func smokeFire(ctx context.Context, nc *nats.Conn) error {
	sub, err := nc.SubscribeSync(obs.Subject(signalbus.EventFireCommand))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	body, err := json.Marshal(map[string]any{
		"user_id":   smokeUser,
		"symbol":    "EURUSD",
		"direction": "BUY",
		"lot":       0.01,
		"comment":   "smoke",
		"idem_key":  uuid.New().String(),
		"dry_run":   true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fireURL+"/fire", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fire router returned %s", resp.Status)
	}
	var fired struct {
		FireID string `json:"fire_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fired); err != nil {
		return err
	}
	if fired.Status != "dry_run" {
		return fmt.Errorf("unexpected fire status %q", fired.Status)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		msg, err := sub.NextMsg(time.Until(deadline))
		if err != nil {
			return fmt.Errorf("no fire_command event for %s: %w", fired.FireID, err)
		}
		var ev signalbus.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			continue
		}
		var data struct {
			FireID string `json:"fire_id"`
		}
		if err := json.Unmarshal(ev.Data, &data); err == nil && data.FireID == fired.FireID {
			return nil
		}
	}
}

func openStore(ctx context.Context) (store.Store, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(connectCtx, mongoopts.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	cleanup := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	}
	return mongostore.New(client.Database(mongoDB)), cleanup, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
