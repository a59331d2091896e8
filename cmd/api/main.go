package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"geofence-notification-engine/internal/cache"
	"geofence-notification-engine/internal/config"
	"geofence-notification-engine/internal/database"
	"geofence-notification-engine/internal/dispatch"
	"geofence-notification-engine/internal/eligibility"
	"geofence-notification-engine/internal/events"
	"geofence-notification-engine/internal/features"
	"geofence-notification-engine/internal/handler"
	"geofence-notification-engine/internal/middleware"
	"geofence-notification-engine/internal/service"
	"geofence-notification-engine/internal/throttle"
	"geofence-notification-engine/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Config file path (JSON)")
	port := flag.String("port", "", "Server port (overrides config)")
	dbPath := flag.String("db", "", "Database file path (overrides config)")
	dryRun := flag.Bool("dry-run", false, "Log notifications instead of dispatching them")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize tracing
	if err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "geofence-notification-engine",
	}); err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Feature flags
	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, true, "snapshot cache layer")
	flags.Register(features.FeatureEventHooksEnabled, true, "in-process event bus")
	flags.Register(features.FeatureRedisDedup, cfg.Redis.Addr != "", "Redis fast path for event dedup")
	flags.Register(features.FeatureDryRunDispatch, *dryRun || cfg.Dispatcher.Endpoint == "", "log-only dispatcher")

	// Redis is optional; without it dedup is sqlite-only and the cache is
	// process-local.
	var rdb *redis.Client
	var snapshotCache cache.Cache = cache.NewInMemoryCache()
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rc, err := cache.NewRedisCache(rdb)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		snapshotCache = rc
	}

	var dedupRedis *redis.Client
	if flags.IsEnabled(features.FeatureRedisDedup) {
		dedupRedis = rdb
	}

	// Throttle store and evaluator
	store := throttle.NewStore(db, dedupRedis)
	defer store.Stop()

	var dispatcher eligibility.Dispatcher = dispatch.LogDispatcher{}
	if !flags.IsEnabled(features.FeatureDryRunDispatch) {
		dispatcher = dispatch.NewHTTPDispatcher(
			cfg.Dispatcher.Endpoint,
			time.Duration(cfg.Dispatcher.TimeoutSeconds)*time.Second,
		)
	}

	evaluator := eligibility.NewEvaluator(store, dispatcher, store, nil)

	// Event bus with a logging subscriber
	bus := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled))
	defer bus.Shutdown()
	bus.Subscribe(events.EventDispatched, func(ctx context.Context, ev events.Event) error {
		if data, ok := ev.Data.(events.DispatchedData); ok {
			log.Printf("notification dispatched: user=%d brand=%d offer=%d", data.UserID, data.BrandID, data.OfferID)
		}
		return nil
	})
	bus.Subscribe(events.EventConfigUpdated, func(ctx context.Context, ev events.Event) error {
		if data, ok := ev.Data.(events.ConfigUpdatedData); ok {
			log.Printf("throttle config updated to version %d", data.Version)
		}
		return nil
	})

	// Service and handlers
	svc := service.NewService(db, snapshotCache, flags, bus, evaluator, nil, cfg.Throttle)
	h := handler.NewHandler(svc)

	// Inbound rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
	defer rateLimiter.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	if cfg.Tracing.Enabled {
		r.Use(middleware.TracingMiddleware())
	}
	if cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Server.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Routes
	r.Group(h.Routes)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Printf("Database: %s", cfg.Database.Path)
	log.Printf("Rate limit: %d requests per %d seconds", cfg.RateLimit.Rate, cfg.RateLimit.Window)
	if flags.IsEnabled(features.FeatureDryRunDispatch) {
		log.Printf("Dispatch: log only (no downstream endpoint)")
	} else {
		log.Printf("Dispatch: %s", cfg.Dispatcher.Endpoint)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		_ = tracing.Shutdown(ctx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
