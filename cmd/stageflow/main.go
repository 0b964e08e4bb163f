// Command stageflow runs the stage automation core: the run lifecycle API, the
// executor tool server, the stuck-run rescuer and the heartbeat subscriber.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/Strob0t/stageflow/internal/adapter/http"
	cfmcp "github.com/Strob0t/stageflow/internal/adapter/mcp"
	cfnats "github.com/Strob0t/stageflow/internal/adapter/nats"
	"github.com/Strob0t/stageflow/internal/adapter/natskv"
	cfotel "github.com/Strob0t/stageflow/internal/adapter/otel"
	"github.com/Strob0t/stageflow/internal/adapter/ristretto"
	"github.com/Strob0t/stageflow/internal/adapter/tiered"
	"github.com/Strob0t/stageflow/internal/adapter/ws"
	"github.com/Strob0t/stageflow/internal/config"
	"github.com/Strob0t/stageflow/internal/logger"
	"github.com/Strob0t/stageflow/internal/middleware"
	"github.com/Strob0t/stageflow/internal/port/cache"
	"github.com/Strob0t/stageflow/internal/port/messagequeue"
	"github.com/Strob0t/stageflow/internal/resilience"
	"github.com/Strob0t/stageflow/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "admin":
			return runAdmin(args[1:])
		case "serve":
			args = args[1:]
		case "version", "--version":
			fmt.Println(version)
			return nil
		}
	}
	return serve(args)
}

func serve(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"nats", cfg.NATS.Enabled,
		"mcp", cfg.MCP.Enabled,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOTel, err := cfotel.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// queue stays a nil interface when NATS is disabled; services then skip publishing.
	var queue messagequeue.Queue
	var natsQueue *cfnats.Queue
	if cfg.NATS.Enabled {
		natsQueue, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = natsQueue.Drain() }()
		queue = natsQueue
	}

	recipeCache, closeCache, err := buildCache(ctx, cfg, natsQueue)
	if err != nil {
		return err
	}
	defer closeCache()

	breaker := resilience.NewBreaker("queue", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	// --- Services ---
	hub := ws.NewHub(originPattern(cfg.Server.CORSOrigin))
	defer hub.Close()

	runSvc := service.NewRunService(store, queue, hub)
	runSvc.SetBreaker(breaker)
	runSvc.SetMetrics(metrics)

	workerSvc := service.NewWorkerService(store, hub, cfg.Workers.LivenessWindow)

	rescueSvc := service.NewRescueService(store, queue, hub, cfg.Rescue.StuckThreshold, cfg.Workers.LivenessWindow)
	rescueSvc.SetBreaker(breaker)
	rescueSvc.SetMetrics(metrics)

	recipeSvc := service.NewRecipeService(store, recipeCache, cfg.Cache.RecipeTTL)
	skillSvc := service.NewSkillService(store)

	advanceSvc := service.NewAdvanceService(store, runSvc, recipeSvc, queue, hub)
	advanceSvc.SetBreaker(breaker)
	advanceSvc.SetMetrics(metrics)

	if queue != nil {
		cancelHeartbeats, err := workerSvc.SubscribeHeartbeats(ctx, queue)
		if err != nil {
			return fmt.Errorf("heartbeat subscriber: %w", err)
		}
		defer cancelHeartbeats()
	}

	// --- HTTP ---
	handlers := &cfhttp.Handlers{
		Runs:    runSvc,
		Workers: workerSvc,
		Rescue:  rescueSvc,
		Recipes: recipeSvc,
		Skills:  skillSvc,
		Advance: advanceSvc,
		Breaker: breaker,
		Hub:     hub,
		Store:   cfg.Store.Driver,
		Version: version,
	}

	r := chi.NewRouter()
	r.Use(cfotel.HTTPMiddleware(cfg.OTel.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// The WebSocket route is long-lived and stays outside the request timeout.
	r.Get("/ws", hub.HandleWS)
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
		r.Use(middleware.Idempotency(recipeCache, cfg.Server.IdempotencyTTL))
		cfhttp.MountRoutes(r, handlers)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.MCP.Enabled {
		mcpSrv := cfmcp.NewServer(cfmcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "stageflow",
			Version: version,
			APIKey:  cfg.MCP.APIKey,
		}, cfmcp.ServerDeps{Runs: runSvc, Workers: workerSvc})
		g.Go(func() error { return mcpSrv.Run(gctx) })
	}

	g.Go(func() error {
		rescueSvc.Start(gctx, cfg.Rescue.Interval)
		return nil
	})

	return g.Wait()
}

// originPattern turns the CORS origin URL into the host pattern the WebSocket
// handshake checks.
func originPattern(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return origin
	}
	return u.Host
}

// buildCache returns the recipe and idempotency cache: ristretto in process,
// backed by a NATS KV bucket when NATS is connected.
func buildCache(ctx context.Context, cfg *config.Config, q *cfnats.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB<<20, cfg.Cache.RecipeTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("ristretto: %w", err)
	}
	if q == nil {
		return l1, l1.Close, nil
	}
	kv, err := q.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		l1.Close()
		return nil, nil, fmt.Errorf("nats kv: %w", err)
	}
	slog.Info("tiered cache enabled", "bucket", cfg.Cache.L2Bucket)
	return tiered.New(l1, natskv.New(kv), cfg.Cache.RecipeTTL), l1.Close, nil
}
