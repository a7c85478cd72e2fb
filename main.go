package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"liqflow/config"
	"liqflow/internal/channel/liq"
	"liqflow/internal/collector"
	"liqflow/internal/engine"
	"liqflow/internal/exchange"
	"liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/internal/risk"
	"liqflow/internal/server"
	"liqflow/internal/storage"
	"liqflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Liqflow.Name,
		"version": cfg.Liqflow.Version,
	}).Info("starting liqflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
		if cfg.Metrics.CloudWatch.Enabled {
			metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
		}
	}

	channels := liq.NewChannels(cfg.Channels.RawBuffer)
	defer channels.Close()

	clients, feeds := buildExchanges(cfg)
	if len(feeds) == 0 {
		log.Warn("no exchange sources enabled")
	}

	memStore := storage.NewMemoryStore()
	var store storage.Store = memStore
	var archiver *storage.S3Archiver
	if cfg.Storage.S3.Enabled {
		archiveCh := make(chan models.LiquidationEvent, 256)
		archiver, err = storage.NewS3Archiver(cfg, archiveCh)
		if err != nil {
			log.WithError(err).Error("failed to create s3 archiver")
			os.Exit(1)
		}
		store = storage.NewTeeStore(memStore, archiveCh)
	} else {
		log.WithComponent("main").Info("S3 storage disabled; events stay in memory only")
	}

	col := collector.NewCollector(cfg, channels, feeds, store)
	assessor := risk.NewAssessor(cfg, clients, store)
	eng := engine.New(cfg, col, assessor, clients, store)

	symbols := allConfiguredSymbols(cfg)
	if err := col.StartCollection(ctx, symbols); err != nil {
		log.WithError(err).Error("failed to start collection")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start s3 archiver")
			os.Exit(1)
		}
	}

	var apiServer *server.Server
	if cfg.Server.Enabled {
		apiServer = server.NewServer(cfg.Server, eng)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Error("api server failed")
			}
		}()
	}

	if cfg.Storage.RetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRetention(ctx, store, cfg.Storage.RetentionDays, log)
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	col.StopCollection()
	if archiver != nil {
		archiver.Stop()
	}
	eng.Wait()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("liqflow stopped")
}

// buildExchanges constructs one market-data client and one liquidation feed
// per enabled source.
func buildExchanges(cfg *config.Config) ([]exchange.Client, []exchange.Feed) {
	var clients []exchange.Client
	var feeds []exchange.Feed

	timeout := cfg.Collector.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if cfg.Source.Binance.Enabled {
		clients = append(clients, exchange.NewBinanceClient())
		feeds = append(feeds, exchange.NewBinanceFeed())
	}
	if cfg.Source.Bybit.Enabled {
		clients = append(clients, exchange.NewBybitClient(cfg.Source.Bybit.URL, timeout))
		feeds = append(feeds, exchange.NewBybitFeed(cfg.Source.Bybit.WebsocketURL))
	}
	if cfg.Source.Okx.Enabled {
		okxClient := exchange.NewOkxClient(cfg.Source.Okx.URL, timeout)
		clients = append(clients, okxClient)
		feeds = append(feeds, exchange.NewOkxFeed(cfg.Source.Okx.WebsocketURL, okxClient))
	}
	if cfg.Source.Kucoin.Enabled {
		feeds = append(feeds, exchange.NewKucoinFeed(cfg.Source.Kucoin.URL))
	}

	return clients, feeds
}

func allConfiguredSymbols(cfg *config.Config) []string {
	set := make(map[string]struct{})
	for _, src := range cfg.Source.EnabledSources() {
		for _, s := range src.Symbols {
			set[s] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// runRetention purges stored events past the retention window once a day.
func runRetention(ctx context.Context, store storage.Store, days int, log *logger.Log) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.PurgeOlderThan(ctx, days)
			if err != nil {
				log.WithComponent("main").WithError(err).Warn("retention purge failed")
				continue
			}
			log.WithComponent("main").WithFields(logger.Fields{
				"deleted": deleted,
				"days":    days,
			}).Info("retention purge completed")
		}
	}
}
