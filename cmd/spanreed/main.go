package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Nurdok/spanreed/internal/api"
	"github.com/Nurdok/spanreed/internal/broker"
	"github.com/Nurdok/spanreed/internal/circuitbreaker"
	"github.com/Nurdok/spanreed/internal/config"
	"github.com/Nurdok/spanreed/internal/cron"
	"github.com/Nurdok/spanreed/internal/dedup"
	"github.com/Nurdok/spanreed/internal/engine"
	"github.com/Nurdok/spanreed/internal/leaderelection"
	"github.com/Nurdok/spanreed/internal/metrics"
	"github.com/Nurdok/spanreed/internal/reconciler"
	"github.com/Nurdok/spanreed/internal/registry"
	"github.com/Nurdok/spanreed/internal/store"
	"github.com/Nurdok/spanreed/internal/store/memory"
	"github.com/Nurdok/spanreed/internal/store/postgres"
	"github.com/Nurdok/spanreed/internal/surface"
	"github.com/Nurdok/spanreed/internal/transport/channel"
	"github.com/Nurdok/spanreed/internal/trigger"

	_ "github.com/lib/pq"
)

// cronParserAdapter adapts internal/cron.Parser to trigger.CronParser.
type cronParserAdapter struct {
	parser *cron.Parser
}

func (a *cronParserAdapter) Parse(expression string, timezone string) (trigger.CronSchedule, error) {
	sched, err := a.parser.Parse(expression, timezone)
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`spanreed - personal automation orchestrator

Usage:
  spanreed <command>

Commands:
  serve      Start the orchestrator (triggers, engine, broker, HTTP API)
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  STORE_BACKEND             Run persistence: "memory" or "postgres" (default: "memory")
  DATABASE_URL              PostgreSQL connection string (required for postgres)
  REDIS_ADDR                Redis address for trigger deduplication (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  SURFACES                  JSON array of surface endpoints, e.g.
                            [{"name":"push","url":"https://...","secret":"..."}]

  TICK_INTERVAL             Schedule trigger tick interval (default: "30s")
  TRIGGER_DEDUP_TTL         Idempotency claim lifetime (default: "24h")
  WATCHER_INTERVAL          Interaction deadline sweep interval (default: "5s")
  REQUEST_DEFAULT_TTL       Default interaction request expiry (default: "24h")
  ENGINE_WORKERS            Concurrent run executors (default: "4")
  ENGINE_QUEUE_SIZE         Run queue depth before backpressure (default: "64")
  EVENTBUS_BUFFER_SIZE      Event bus subscriber buffer (default: "100")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable stuck-run reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for stuck runs (default: "5m")
  RECONCILE_THRESHOLD       Age before a pending run is stuck (default: "15m")
  RECONCILE_BATCH_SIZE      Max stuck runs per cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before a surface endpoint
                            is skipped; 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Time before an open endpoint is retried (default: "2m")

  LEADER_ELECTION_ENABLED   Run singleton duties on one instance only;
                            requires postgres (default: "false")
  LEADER_LOCK_KEY           Advisory lock key shared by all instances
  LEADER_RETRY_INTERVAL     Lock acquisition retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection liveness check (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Run store: memory for development, postgres for durability.
	var st store.Store
	var db *sql.DB

	if cfg.StoreBackend == "postgres" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			return exitRuntimeError
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		log.Printf("spanreed: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

		if err := db.Ping(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
			return exitRuntimeError
		}

		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
		err = postgres.EnsureSchema(schemaCtx, db)
		cancelSchema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
			return exitRuntimeError
		}

		st = postgres.New(db, cfg.DBOpTimeout)
	} else {
		st = memory.New()
	}

	// Metrics sink and server (optional).
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("spanreed: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("spanreed: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("spanreed: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("spanreed: METRICS_ENABLED not set; metrics disabled")
	}

	// Event bus.
	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	// Automation registry.
	reg := registry.New(cron.NewParser())

	// Trigger deduper: Redis survives restarts, memory is per-process.
	var deduper trigger.Deduper
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		deduper = dedup.NewRedis(redisClient)
		log.Printf("spanreed: redis trigger dedup enabled (redis=%s)", cfg.RedisAddr)
	} else {
		deduper = dedup.NewMemory()
		log.Println("spanreed: REDIS_ADDR not set; using in-memory trigger dedup")
	}

	// Surface dispatcher: webhook delivery when surfaces are configured,
	// otherwise prompts land in the process log.
	var dispatcher broker.Dispatcher
	if len(cfg.Surfaces) > 0 {
		wd := surface.NewWebhookDispatcher(cfg.Surfaces)
		if cfg.CircuitBreakerThreshold > 0 {
			wd = wd.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		}
		if metricsSink != nil {
			wd = wd.WithMetrics(metricsSink)
		}
		dispatcher = wd
		log.Printf("spanreed: webhook surface delivery enabled (%d surface(s))", len(cfg.Surfaces))
	} else {
		dispatcher = surface.LogDispatcher{}
		log.Println("spanreed: SURFACES not set; prompts go to the process log")
	}

	// Interaction broker and execution engine reference each other; the
	// broker resolves its resumer after both exist.
	brk := broker.New(broker.Config{
		CheckInterval: cfg.WatcherInterval,
		DefaultTTL:    cfg.RequestDefaultTTL,
	}, st, dispatcher)
	if metricsSink != nil {
		brk = brk.WithMetrics(metricsSink)
	}

	eng := engine.New(engine.Config{
		Workers:   cfg.EngineWorkers,
		QueueSize: cfg.EngineQueueSize,
	}, st, reg, brk)
	if metricsSink != nil {
		eng = eng.WithMetrics(metricsSink)
	}
	brk.SetResumer(eng)

	registerPrograms(eng)

	// Trigger engine.
	trig := trigger.New(trigger.Config{
		TickInterval: cfg.TickInterval,
		DedupTTL:     cfg.DedupTTL,
	}, reg, &cronParserAdapter{parser: cron.NewParser()}, st, deduper, eng, bus)
	if metricsSink != nil {
		trig = trig.WithMetrics(metricsSink)
	}

	// Reconciler (optional).
	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, st, eng, brk)
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
		log.Printf("spanreed: reconciler enabled (interval=%s, threshold=%s, batch=%d)",
			cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	} else {
		log.Println("spanreed: RECONCILE_ENABLED not set; reconciler disabled")
	}

	// Engine workers run on every instance: API-triggered starts and
	// resumes execute locally regardless of leadership.
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	var engineWg sync.WaitGroup
	engineWg.Add(1)
	go func() {
		defer engineWg.Done()
		eng.Run(engineCtx)
	}()

	// Singleton duties: recovery, trigger engine, deadline watcher,
	// reconciler. Exactly one instance may run these against a shared
	// database; with leader election they follow the advisory lock.
	dutiesRootCtx, cancelDutiesRoot := context.WithCancel(context.Background())

	var dutiesMu sync.Mutex
	var dutiesWg sync.WaitGroup
	var cancelDuties context.CancelFunc

	startDuties := func(parent context.Context) {
		dutiesMu.Lock()
		defer dutiesMu.Unlock()
		if cancelDuties != nil {
			return
		}
		ctx, cancel := context.WithCancel(parent)
		cancelDuties = cancel

		if err := brk.Recover(ctx); err != nil {
			log.Printf("spanreed: broker recovery error: %v", err)
		}
		if err := eng.Recover(ctx); err != nil {
			log.Printf("spanreed: engine recovery error: %v", err)
		}

		dutiesWg.Add(1)
		go func() {
			defer dutiesWg.Done()
			if err := trig.Run(ctx); err != nil {
				log.Printf("spanreed: trigger engine error: %v", err)
			}
		}()

		dutiesWg.Add(1)
		go func() {
			defer dutiesWg.Done()
			brk.Run(ctx)
		}()

		if recon != nil {
			dutiesWg.Add(1)
			go func() {
				defer dutiesWg.Done()
				recon.Run(ctx)
			}()
		}
	}

	stopDuties := func() {
		dutiesMu.Lock()
		cancel := cancelDuties
		cancelDuties = nil
		dutiesMu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		dutiesWg.Wait()
	}

	var electorWg sync.WaitGroup
	if cfg.LeaderEnabled {
		lockKey := cfg.LeaderLockKey
		if lockKey == 0 {
			lockKey = leaderelection.DefaultLockKey
		}
		elector := leaderelection.New(
			db,
			lockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			startDuties,
			stopDuties,
		)
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(dutiesRootCtx)
		}()
	} else {
		startDuties(dutiesRootCtx)
	}

	// HTTP API.
	apiHandler := api.NewHandler(reg, st, eng, trig, bus, brk)
	if db != nil {
		apiHandler = apiHandler.WithHealthChecker(db)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("spanreed: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("spanreed: http server error: %v", err)
		}
	}()

	log.Printf("spanreed: started (store=%s, tick=%s, http=%s)", cfg.StoreBackend, cfg.TickInterval, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("spanreed: received signal %v, shutting down", received)

	// Phase 1: stop singleton duties (no new runs triggered, no expiry
	// sweeps). With leader election the elector releases the lock and
	// stops the duties itself.
	log.Println("spanreed: stopping trigger engine, watcher, reconciler...")
	cancelDutiesRoot()
	electorWg.Wait()
	stopDuties()
	log.Println("spanreed: singleton duties stopped")

	// Phase 2: stop HTTP server so no new starts or replies arrive while
	// the engine drains.
	log.Println("spanreed: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("spanreed: http server shutdown error: %v", err)
	}
	log.Println("spanreed: http server stopped")

	// Phase 3: stop engine workers. In-flight steps finish; checkpointed
	// and suspended runs are picked up on the next boot.
	log.Println("spanreed: stopping execution engine...")
	cancelEngine()
	engineWg.Wait()
	log.Println("spanreed: execution engine stopped")

	// Phase 4: stop metrics server if running.
	if metricsServer != nil {
		log.Println("spanreed: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("spanreed: metrics server shutdown error: %v", err)
		}
		log.Println("spanreed: metrics server stopped")
	}

	log.Println("spanreed: stopped")
	return exitSuccess
}

// registerPrograms installs the built-in programs. Deployments embedding
// spanreed as a library register their own before calling Run.
func registerPrograms(eng *engine.Engine) {
	// echo completes immediately with its trigger input. Useful as a
	// smoke test for the full trigger -> engine -> store path.
	must(eng.RegisterProgram("echo", engine.ProgramFunc(func(ctx context.Context, st *engine.State) (engine.Outcome, error) {
		return engine.Finish(st.Input), nil
	})))

	// confirm asks for a yes/no on the configured surfaces and records
	// the answer. Exercises suspension end to end.
	must(eng.RegisterProgram("confirm", engine.ProgramFunc(func(ctx context.Context, st *engine.State) (engine.Outcome, error) {
		const stepAnswered = "answered"
		switch st.Step {
		case engine.StepStart:
			prompt, err := json.Marshal(map[string]string{"question": "confirm?"})
			if err != nil {
				return engine.Outcome{}, err
			}
			surfaces := []string{"push"}
			if s := st.Config["surface"]; s != "" {
				surfaces = []string{s}
			}
			return engine.Ask(prompt, surfaces, 0, stepAnswered), nil
		case stepAnswered:
			if st.Reply == nil || st.Reply.TimedOut {
				result, err := json.Marshal(map[string]bool{"confirmed": false, "timed_out": true})
				if err != nil {
					return engine.Outcome{}, err
				}
				return engine.Finish(result), nil
			}
			result, err := json.Marshal(map[string]json.RawMessage{"answer": st.Reply.Payload})
			if err != nil {
				return engine.Outcome{}, err
			}
			return engine.Finish(result), nil
		default:
			return engine.Outcome{}, fmt.Errorf("unknown step %q", st.Step)
		}
	})))
}

func must(err error) {
	if err != nil {
		log.Fatalf("spanreed: program registration: %v", err)
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("spanreed version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
