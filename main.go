package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/adlens/adlens/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func maskPassword(password string) string {
	if password == "" {
		return "<empty>"
	}
	if len(password) <= 2 {
		return password
	}
	return string(password[0]) + strings.Repeat("*", len(password)-2) + string(password[len(password)-1])
}

func connectClickHouse(log *slog.Logger) (driver.Conn, error) {
	chHost := envOr("CLICKHOUSE_HOST", "localhost:9000")
	chUser := envOr("CLICKHOUSE_USER", "default")
	chPassword := os.Getenv("CLICKHOUSE_PASSWORD")
	chDatabase := envOr("CLICKHOUSE_DATABASE", "default")
	useSecure := strings.Contains(chHost, ":9440") || os.Getenv("CLICKHOUSE_SECURE") == "true"

	log.Info("connecting to clickhouse",
		slog.String("host", chHost),
		slog.String("database", chDatabase),
		slog.String("user", chUser),
		slog.String("password", maskPassword(chPassword)),
		slog.Bool("secure", useSecure))

	options := &clickhouse.Options{
		Addr: []string{chHost},
		Auth: clickhouse.Auth{
			Database: chDatabase,
			Username: chUser,
			Password: chPassword,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "adlens", Version: "1.0"},
			},
		},
		Debug: false,
		Settings: clickhouse.Settings{
			"send_logs_level": "none",
		},
	}
	if useSecure {
		options.TLS = &tls.Config{
			InsecureSkipVerify: true,
		}
	}
	return clickhouse.Open(options)
}

func main() {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	log := NewLogger(envOr("LOG_LEVEL", "info"))
	slog.SetDefault(log)
	clock := clockwork.NewRealClock()

	conn, err := connectClickHouse(log)
	if err != nil {
		log.Error("failed to connect to clickhouse", slog.Any("error", err))
		os.Exit(1)
	}
	if err := conn.Ping(context.Background()); err != nil {
		log.Warn("clickhouse ping failed", slog.Any("error", err))
	}
	if err := EnsureSnapshotSchema(context.Background(), conn); err != nil {
		log.Error("failed to ensure snapshot schema", slog.Any("error", err))
		os.Exit(1)
	}

	dbPath := envOr("DUCKDB_PATH", "./adlens.db")
	store, err := NewDuckDBStore(dbPath)
	if err != nil {
		log.Error("failed to initialize app store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	log.Info("app store initialized", slog.String("path", dbPath))

	reg := models.DefaultRegistry()
	validator := models.NewSemanticValidator(reg, clock)
	compiler := NewCompiler(NewClickHouseProvider(conn), reg, clock, log)

	gatewayURL := envOr("PROVIDER_GATEWAY_URL", "http://localhost:9100")
	fetcherTimeout := envDurationOr("PROVIDER_TIMEOUT", 30*time.Second)
	fetcher := NewHTTPFetcher(gatewayURL, fetcherTimeout)
	syncer, err := NewSyncer(&SyncerConfig{
		Logger: log,
		Clock:  clock,
		Store:  store,
		Sink:   NewClickHouseSink(conn),
		Fetchers: map[models.Provider]models.ProviderFetcher{
			models.ProviderMeta:    fetcher,
			models.ProviderGoogle:  fetcher,
			models.ProviderShopify: fetcher,
		},
		Workers:     envIntOr("SYNC_WORKERS", 0),
		SyncTimeout: envDurationOr("SYNC_TIMEOUT", 0),
		Cooldown:    envDurationOr("SYNC_COOLDOWN", 0),
	})
	if err != nil {
		log.Error("failed to build syncer", slog.Any("error", err))
		os.Exit(1)
	}

	compactor, err := NewCompactor(&CompactorConfig{
		Logger:    log,
		Clock:     clock,
		Conn:      conn,
		Retention: envDurationOr("SNAPSHOT_RETENTION", 0),
	})
	if err != nil {
		log.Error("failed to build compactor", slog.Any("error", err))
		os.Exit(1)
	}

	limiter := NewSlidingWindowLimiter(clock,
		envIntOr("QUERY_RATE_LIMIT", 60),
		envDurationOr("QUERY_RATE_WINDOW", time.Minute))
	defer limiter.Stop()

	server := NewServer(log, reg, validator, compiler, limiter, store, conn, syncer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runScheduler(ctx, log, clock, syncer, compactor)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", server.handleQuery)
		r.Get("/metrics", server.handleListMetrics)
		r.Post("/workspaces", server.handleCreateWorkspace)
		r.Post("/connections", server.handleCreateConnection)
		r.Get("/connections/{id}/entities", server.handleListEntities)
		r.Post("/sync/run", server.handleSyncRun)
		r.Get("/health", server.handleHealth)
	})

	port := envOr("PORT", "8080")
	log.Info("starting server", slog.String("addr", "http://localhost:"+port))
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// runScheduler drives the periodic pipeline work: realtime sync passes
// on a short interval, attribution refresh and snapshot compaction on a
// daily one.
func runScheduler(ctx context.Context, log *slog.Logger, clock clockwork.Clock, syncer *Syncer, compactor *Compactor) {
	syncInterval := envDurationOr("SYNC_INTERVAL", 10*time.Minute)
	dailyInterval := envDurationOr("DAILY_INTERVAL", 24*time.Hour)

	syncTicker := clock.NewTicker(syncInterval)
	defer syncTicker.Stop()
	dailyTicker := clock.NewTicker(dailyInterval)
	defer dailyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.Chan():
			if err := syncer.RunPass(ctx, models.SyncRealtime); err != nil {
				log.Error("realtime sync pass failed", slog.Any("error", err))
			}
		case <-dailyTicker.Chan():
			if err := syncer.RunPass(ctx, models.SyncAttribution); err != nil {
				log.Error("attribution sync pass failed", slog.Any("error", err))
			}
			if err := compactor.Run(ctx); err != nil {
				log.Error("compaction failed", slog.Any("error", err))
			}
		}
	}
}
