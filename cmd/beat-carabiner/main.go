// Command beat-carabiner bridges a Pioneer Pro DJ Link network and an
// Ableton Link session by way of a local Carabiner daemon. It supervises
// the daemon connection, persists its settings, and exposes a REST API and
// websocket status feed for UIs.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	flag "github.com/spf13/pflag"

	carabiner "github.com/brunchboy/beat-carabiner"
	"github.com/brunchboy/beat-carabiner/store"
)

// reconnectInterval is how often the supervisor retries a dead Carabiner
// connection.
const reconnectInterval = 5 * time.Second

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		// Default DB path for CLI commands (overridable by the -db flag in
		// serve mode).
		if RunCLI(os.Args[1:], "beat-carabiner.db") {
			return
		}
	}

	configPath := flag.String("config", "beat-carabiner.yaml", "YAML configuration file")
	port := flag.Int("port", 0, "Carabiner daemon TCP port (overrides config)")
	latency := flag.Int("latency", -1, "beat packet latency in milliseconds (overrides config)")
	barAlign := flag.Bool("bar", false, "align whole bars instead of individual beats")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	apiAddr := flag.String("api-addr", "", "REST API listen address (overrides config; \"none\" disables)")
	syncMode := flag.String("sync-mode", "", "initial sync mode: off, passive, or full")
	stubTempo := flag.Float64("stub-tempo", 0, "tempo of the stand-in player (overrides config)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath, flag.CommandLine.Changed("config"))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	if flag.CommandLine.Changed("db") {
		cfg.DB = *dbPath
	}
	if flag.CommandLine.Changed("api-addr") {
		cfg.API.Listen = *apiAddr
		if cfg.API.Listen == "none" {
			cfg.API.Listen = ""
		}
	}
	if flag.CommandLine.Changed("stub-tempo") {
		cfg.Stub.Tempo = *stubTempo
	}

	// Open persistent store; operator tweaks made over the API in earlier
	// runs take effect again unless an explicit flag overrides them.
	st, err := store.New(cfg.DB)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	if v, ok, _ := st.GetSetting(store.KeyCarabinerPort); ok && !flag.CommandLine.Changed("port") {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Carabiner.Port = p
		}
	} else if flag.CommandLine.Changed("port") {
		cfg.Carabiner.Port = *port
	}
	if v, ok, _ := st.GetSetting(store.KeyLatency); ok && !flag.CommandLine.Changed("latency") {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Carabiner.Latency = ms
		}
	} else if flag.CommandLine.Changed("latency") {
		cfg.Carabiner.Latency = *latency
	}
	if v, ok, _ := st.GetSetting(store.KeyBarAlign); ok && !flag.CommandLine.Changed("bar") {
		cfg.Carabiner.BarAlign = v == "true"
	} else if flag.CommandLine.Changed("bar") {
		cfg.Carabiner.BarAlign = *barAlign
	}

	mode := carabiner.SyncOff
	if v, ok, _ := st.GetSetting(store.KeySyncMode); ok {
		mode = carabiner.SyncMode(v)
	}
	if flag.CommandLine.Changed("sync-mode") {
		mode = carabiner.SyncMode(*syncMode)
	}

	// The stand-in player takes the place of a real DJ Link engine, so the
	// bridge can run end to end with no CDJs on the network.
	player := newStubPlayer(cfg.Stub.Tempo)
	engine := carabiner.New(player)

	if err := engine.SetCarabinerPort(cfg.Carabiner.Port); err != nil {
		log.Fatalf("[link] %v", err)
	}
	if err := engine.SetLatency(cfg.Carabiner.Latency); err != nil {
		log.Fatalf("[link] %v", err)
	}
	engine.SetSyncBars(cfg.Carabiner.BarAlign)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	// Record every Carabiner session in the store.
	recorder := &sessionRecorder{store: st}
	engine.AddDisconnectionListener(recorder)

	// Websocket status feed for UIs.
	feed := newStatusFeed()
	engine.AddStatusListener(feed)

	go player.Run(ctx)
	if cfg.Metrics.IntervalSeconds > 0 {
		go RunMetrics(ctx, engine, time.Duration(cfg.Metrics.IntervalSeconds)*time.Second)
	}

	if cfg.API.Listen != "" {
		api := NewAPIServer(engine, st, feed)
		go api.Run(ctx, cfg.API.Listen)
		log.Printf("[api] listening on %s", cfg.API.Listen)
	}

	// Supervise the daemon connection: connect now, retry while down.
	go runSupervisor(ctx, engine, recorder, cfg.Carabiner.Port)

	// Apply the initial sync mode once; mode changes at runtime come in
	// over the API.
	if mode != carabiner.SyncOff {
		if err := engine.SetSyncMode(mode); err != nil {
			log.Printf("[sync] initial mode %s: %v", mode, err)
		}
	}

	<-ctx.Done()
	engine.Disconnect()
	// Give the read loop a moment to notice and close its socket.
	time.Sleep(100 * time.Millisecond)
}

// runSupervisor keeps trying to (re)establish the Carabiner session until
// ctx is canceled.
func runSupervisor(ctx context.Context, engine *carabiner.Engine, rec *sessionRecorder, port int) {
	attempt := func() {
		if engine.Active() {
			return
		}
		engine.Connect(func(message string) {
			log.Printf("[link] %s", message)
		})
		if engine.Active() {
			rec.started(port)
		}
	}
	attempt()

	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attempt()
		}
	}
}

// sessionRecorder mirrors engine sessions into the store's session log.
type sessionRecorder struct {
	store *store.Store

	mu sync.Mutex
	id int64 // open session row; 0 = none
}

func (r *sessionRecorder) started(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != 0 {
		return
	}
	id, err := r.store.RecordSessionStart(port, time.Now())
	if err != nil {
		log.Printf("[store] record session start: %v", err)
		return
	}
	r.id = id
}

// Disconnected implements carabiner.DisconnectionListener.
func (r *sessionRecorder) Disconnected(unexpected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == 0 {
		return
	}
	if err := r.store.RecordSessionEnd(r.id, time.Now(), unexpected); err != nil {
		log.Printf("[store] record session end: %v", err)
	}
	r.id = 0
}
