package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinstream/src/bus"
	"coinstream/src/cache"
	"coinstream/src/catalog"
	"coinstream/src/config"
	"coinstream/src/dispatch"
	"coinstream/src/engine"
	"coinstream/src/feed"
	"coinstream/src/grpc_control"
	"coinstream/src/helpers"
	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"
	"coinstream/src/network"
	"coinstream/src/registry"
	"coinstream/src/server"
	"coinstream/src/storage"

	"github.com/joho/godotenv"
)

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "../../config/default.yaml", "path to config file")
	flag.Parse()

	// Secrets (API keys, DSNs) come from the environment; .env is optional
	godotenv.Load()

	// Load config from YAML file
	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg.MConfig)

	// Setup logger
	appLogger := logger.NewLogger(cfg.LogLevel, cfg.Name)

	// 1. Storage
	var store interfaces.IStore
	switch cfg.Storage.DBType {
	case "postgres":
		store, err = storage.NewPostgresDB(cfg.MConfig, appLogger)
	default:
		// Default to SQLite
		store, err = storage.NewAsyncSQLiteDB(cfg.MConfig, appLogger)
	}
	if err != nil {
		appLogger.Critical("Failed to init db: %v", err)
	}
	// The database may come up after the service; retry before giving up.
	if _, err := helpers.RetryWithBackoff("db migration", 3, 2*time.Second, func() (interface{}, error) {
		return nil, store.Initialize()
	}); err != nil {
		appLogger.Critical("Failed to migrate db: %v", err)
	}
	defer store.Close()

	// 2. Cache backend
	var ttlCache interfaces.ICache
	if cfg.Cache.Backend == "redis" {
		ttlCache, err = cache.NewRedisCache(cfg.Cache, appLogger)
		if err != nil {
			appLogger.Critical("Failed to connect to redis: %v", err)
		}
	} else {
		ttlCache = cache.NewMemoryCache(appLogger)
	}
	defer ttlCache.Close()

	// 3. Network and catalog
	var networkManager interfaces.INetworkManager = network.NewAsyncNetworkManager(cfg.MConfig, appLogger)

	sources := make([]interfaces.ICatalogSource, 0, len(cfg.Catalog.Sources))
	for _, srcCfg := range cfg.Catalog.Sources {
		switch srcCfg.Name {
		case "coingecko":
			sources = append(sources, catalog.NewCoinGeckoSource(srcCfg, cfg.Catalog.RatePerMinute, networkManager, appLogger))
		case "coincap":
			sources = append(sources, catalog.NewCoinCapSource(srcCfg, cfg.Catalog.RatePerMinute, networkManager, appLogger))
		default:
			appLogger.Warning("Unknown catalog source '%s' skipped", srcCfg.Name)
		}
	}
	if len(sources) == 0 {
		appLogger.Critical("No usable catalog sources configured")
	}

	symbolSet := catalog.NewSymbolSetProvider(cfg.Catalog, networkManager, ttlCache, appLogger)
	aggregator := catalog.NewAggregator(cfg.Catalog, sources, symbolSet, ttlCache, appLogger)
	converter := catalog.NewConverter(sources, ttlCache, appLogger)

	// 4. Event bus, tracker, throttler, feeds
	eventBus := bus.NewBus()
	tracker := feed.NewTracker(eventBus, ttlCache, store, appLogger)
	throttler := dispatch.NewThrottler(
		time.Duration(cfg.Feed.ThrottleWindowMs)*time.Millisecond,
		func(update models.MTickerUpdate) { eventBus.Publish(bus.TopicTickerUpdate, update) },
	)
	defer throttler.Stop()

	feeds := feed.NewManager(cfg.Feed, feed.GorillaDialer{}, eventBus, appLogger, throttler.Push, tracker.Handle)
	feeds.OnTickerFeedClosed(throttler.Forget)
	defer feeds.Shutdown()

	// 5. History, registry, engine
	history := feed.NewHistoryService(cfg.History, networkManager, ttlCache, appLogger)
	reg := registry.NewRegistry(appLogger)
	eng := engine.NewEngine(aggregator, history, feeds, tracker, eventBus, reg, store, appLogger)

	// 6. gRPC control plane
	control := grpc_control.NewControlService(cfg.MConfig, feeds, reg, appLogger)
	go func() {
		if err := control.Start(); err != nil {
			appLogger.Error("gRPC control server stopped: %v", err)
		}
	}()
	defer control.Stop()

	// Degrade health when the last upstream feed dies under live sessions
	eventBus.Subscribe(bus.TopicFeedDisconnected, func(interface{}) {
		control.ReassessHealth()
	})

	// 7. Periodic storage cleanup
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := store.CleanupOldData(); err != nil {
					appLogger.Warning("Storage cleanup failed: %v", err)
				}
			case <-cleanupDone:
				return
			}
		}
	}()
	defer close(cleanupDone)

	// 8. HTTP + websocket server
	srv := server.NewServer(cfg.MConfig, appLogger, eng, aggregator, converter, history, reg)
	go func() {
		if err := srv.Start(); err != nil {
			appLogger.Critical("Server stopped: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("Received %s, shutting down", sig)
}

// -----------------------------------------------------------------------------

// applyEnvOverrides lets secrets stay out of the YAML file.
func applyEnvOverrides(cfg *models.MConfig) {
	if v := os.Getenv("COINSTREAM_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("COINSTREAM_DB_DSN"); v != "" {
		cfg.Storage.DBConnectionString = v
	}
	if v := os.Getenv("COINSTREAM_HISTORY_API_KEY"); v != "" {
		cfg.History.FallbackAPIKey = v
	}
	for i := range cfg.Catalog.Sources {
		envKey := "COINSTREAM_" + envName(cfg.Catalog.Sources[i].Name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			cfg.Catalog.Sources[i].APIKey = v
		}
	}
}

func envName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
