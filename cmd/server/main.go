package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/workbench/simengine/internal/api"
	"github.com/workbench/simengine/internal/archive"
	"github.com/workbench/simengine/internal/config"
	"github.com/workbench/simengine/internal/draft"
	"github.com/workbench/simengine/internal/guard"
	"github.com/workbench/simengine/internal/metrics"
	"github.com/workbench/simengine/internal/portfolio"
	"github.com/workbench/simengine/internal/quote"
	"github.com/workbench/simengine/internal/risk"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/settlement"
	"github.com/workbench/simengine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("SIMENGINE_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Read-through cache for portfolio and position reads.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Portfolio guard ---
	// The in-process lock is always taken first so local contention never
	// reaches Redis.
	var locker guard.Locker = guard.NewKeyedMutex()
	if rdb != nil {
		locker = guard.Chain{locker, guard.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration, 0)}
		slog.Info("distributed portfolio lock enabled")
	}

	// --- Reference quotes ---
	var provider quote.Provider
	var static *quote.StaticProvider
	if rdb != nil {
		provider = quote.NewRedisProvider(rdb)
	} else {
		static = quote.NewStaticProvider()
		provider = static
		slog.Warn("REDIS_URL not set, reference quotes are set through the API")
	}
	quotes := quote.NewFetcher(provider, cfg.Engine.QuoteTimeout.Duration)

	// --- Ruleset ---
	registry := rules.NewRegistry(st)
	if err := loadRules(ctx, registry, cfg.Engine.RulesFile, "startup", true); err != nil {
		slog.Error("ruleset load failed", "file", cfg.Engine.RulesFile, "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Services ---
	lockTimeout := cfg.Engine.LockTimeout.Duration
	handler := api.NewHandler(api.Deps{
		Store:      st,
		Portfolios: portfolio.NewService(st, quotes, registry),
		Drafts:     draft.NewService(st, registry, locker, lockTimeout, hub),
		Checker:    risk.NewChecker(st, quotes, registry, locker, lockTimeout, hub),
		Engine:     settlement.NewEngine(st, quotes, registry, locker, lockTimeout, hub),
		Registry:   registry,
		Quotes:     static,
		Hub:        hub,
	})

	// --- Audit archive ---
	if cfg.Archive.Enabled() {
		client, err := archive.NewClient(ctx, archive.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			slog.Error("archive client failed", "err", err)
			os.Exit(1)
		}
		arch := archive.New(client, st, cfg.Archive.Bucket, cfg.Archive.Prefix, cfg.Archive.BatchSize)
		if err := arch.Resume(ctx); err != nil {
			slog.Error("archive resume failed", "err", err)
			os.Exit(1)
		}
		go arch.Run(ctx, cfg.Archive.Interval.Duration)
		slog.Info("audit archive enabled", "bucket", cfg.Archive.Bucket, "interval", cfg.Archive.Interval.Duration)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	origins := strings.Join(cfg.Server.CORSOrigins, ", ")
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origins)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"simengine","ruleset":%q}`, registry.Current().Version)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("simengine listening", "addr", srv.Addr, "ruleset", registry.Current().Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// SIGHUP reloads the ruleset file; SIGINT/SIGTERM shut down.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			if err := loadRules(ctx, registry, cfg.Engine.RulesFile, "sighup", false); err != nil {
				slog.Error("ruleset reload failed, keeping active ruleset",
					"file", cfg.Engine.RulesFile, "active", registry.Current().Version, "err", err)
			}
			continue
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down simengine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("simengine stopped")
}

// loadRules activates the ruleset in path. An empty path re-activates the
// built-in defaults.
func loadRules(ctx context.Context, reg *rules.Registry, path, actor string, force bool) error {
	rc := rules.Defaults()
	if path != "" {
		var err error
		if rc, err = rules.LoadFile(path); err != nil {
			return err
		}
	}
	_, err := reg.Activate(ctx, rc, actor, force)
	return err
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
