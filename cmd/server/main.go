package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/httpapi"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Every collaborator is constructed here and injected; components hold
	// no process-wide state.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	var geoIndex geo.Index
	if redisClient != nil {
		ri := geo.NewRedisIndex(redisClient, cfg.RedisGeoKey)
		ri.SetStaleAfter(cfg.PositionStaleAfter)
		geoIndex = ri
	} else {
		mem := geo.NewMemoryIndex()
		mem.SetStaleAfter(cfg.PositionStaleAfter)
		go mem.RunJanitor(ctx, time.Minute)
		geoIndex = mem
	}

	var tracker presence.Tracker
	if redisClient != nil {
		tracker = presence.NewRedisTracker(redisClient)
	} else {
		tracker = presence.NewMemoryTracker()
	}

	var store rides.Store
	if cfg.PGDSN != "" {
		ps, err := rides.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = rides.NewMemoryStore()
	}
	registry := rides.NewRegistry(store)

	notifier := hub.New(logger)
	go notifier.Run(ctx)

	var producer *ingest.PositionProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewPositionProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	var etaClient eta.Client
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	match := &matcher.Service{
		Geo:             geoIndex,
		Presence:        tracker,
		Vehicles:        store,
		Notify:          notifier,
		Registry:        registry,
		RadiusMeters:    cfg.DispatchRadiusMeters,
		OfferWindow:     cfg.OfferWindow,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		ETAClient:       etaClient,
		ETACache:        eta.NewCache(time.Minute),
		Logger:          logger,
	}
	go match.RunExpiry(ctx, 0)

	var stripeClient *payments.StripeClient
	if cfg.StripeAPIKey != "" {
		stripeClient = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	srv := httpapi.NewServer(cfg, httpapi.Deps{
		Logger:   logger,
		Geo:      geoIndex,
		Presence: tracker,
		Registry: registry,
		Matcher:  match,
		Hub:      notifier,
		Store:    store,
		Producer: producer,
		Payments: stripeClient,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
		log.Printf("migration applied: %s", filepath.Base(f))
	}
	return nil
}
