package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pitwatch/config"
	"pitwatch/internal/archiver"
	"pitwatch/internal/bus"
	"pitwatch/internal/collusion"
	"pitwatch/internal/events"
	"pitwatch/internal/input/redisstream"
	"pitwatch/internal/logger"
	"pitwatch/internal/metrics"
	"pitwatch/internal/output/clickhouse"
	"pitwatch/internal/output/objectstore"
	"pitwatch/internal/presence"
	"pitwatch/internal/review"
	"pitwatch/internal/router"
	"pitwatch/internal/rules"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat("pitwatch.yml"); err == nil {
		return "pitwatch.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "pitwatch.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "pitwatch.yml"
}

func applyDefaults(cfg *config.Config) {
	if cfg.Pitwatch.Input.Redis.Addr == "" {
		cfg.Pitwatch.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Pitwatch.Input.StreamPrefix == "" {
		cfg.Pitwatch.Input.StreamPrefix = "events:"
	}
	if cfg.Pitwatch.Input.BlockTimeout == 0 {
		cfg.Pitwatch.Input.BlockTimeout = 5 * time.Second
	}
	if cfg.Pitwatch.Input.BatchSize <= 0 {
		cfg.Pitwatch.Input.BatchSize = 100
	}

	if len(cfg.Pitwatch.Bus.Brokers) == 0 {
		cfg.Pitwatch.Bus.Brokers = []string{"127.0.0.1:9092"}
	}
	if cfg.Pitwatch.Bus.GroupID == "" {
		cfg.Pitwatch.Bus.GroupID = "pitwatch-archiver"
	}

	if cfg.Pitwatch.Sinks.ClickHouse.Database == "" {
		cfg.Pitwatch.Sinks.ClickHouse.Database = "pitwatch"
	}

	if cfg.Pitwatch.Archiver.BatchSize <= 0 {
		cfg.Pitwatch.Archiver.BatchSize = 100
	}
	if cfg.Pitwatch.Archiver.FlushInterval <= 0 {
		cfg.Pitwatch.Archiver.FlushInterval = 60 * time.Second
	}

	if cfg.Pitwatch.Presence.Addr == "" {
		cfg.Pitwatch.Presence.Addr = cfg.Pitwatch.Input.Redis.Addr
	}
	if cfg.Pitwatch.Review.Store == "" {
		cfg.Pitwatch.Review.Store = "redis"
	}
	if cfg.Pitwatch.Review.Redis.Addr == "" {
		cfg.Pitwatch.Review.Redis.Addr = cfg.Pitwatch.Input.Redis.Addr
	}

	if cfg.Pitwatch.Detect.Interval <= 0 {
		cfg.Pitwatch.Detect.Interval = 10 * time.Minute
	}
	if cfg.Pitwatch.Detect.Thresholds == (config.ThresholdsConfig{}) {
		d := collusion.DefaultThresholds()
		cfg.Pitwatch.Detect.Thresholds = config.ThresholdsConfig{
			SharedDevices:    d.SharedDevices,
			SharedIPs:        d.SharedIPs,
			VpipCorrelation:  d.VpipCorrelation,
			TimingSimilarity: d.TimingSimilarity,
			SeatProximity:    d.SeatProximity,
			ChipDumpScore:    d.ChipDumpScore,
		}
	}

	if cfg.Pitwatch.Logging.Level == "" {
		cfg.Pitwatch.Logging.Level = "info"
	}
}

func loadSetup(args []string) *config.Config {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)

	if err := logger.Init(cfg.Pitwatch.Logging.Enabled, cfg.Pitwatch.Logging.Level, cfg.Pitwatch.Logging.File, cfg.Pitwatch.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("Config loaded from: %s", configPath)

	metrics.Serve(cfg.Pitwatch.Metrics.Addr)
	return cfg
}

func buildRouter(cfg *config.Config) (*router.Router, func()) {
	consumer, err := redisstream.NewConsumer(redisstream.Config{
		Addr:         cfg.Pitwatch.Input.Redis.Addr,
		Password:     cfg.Pitwatch.Input.Redis.Password,
		DB:           cfg.Pitwatch.Input.Redis.DB,
		StreamPrefix: cfg.Pitwatch.Input.StreamPrefix,
		BlockTimeout: cfg.Pitwatch.Input.BlockTimeout,
		BatchSize:    cfg.Pitwatch.Input.BatchSize,
	})
	if err != nil {
		log.Fatalf("Failed to create event log consumer: %v", err)
	}

	publisher, err := bus.NewKafkaPublisher(cfg.Pitwatch.Bus.Brokers)
	if err != nil {
		log.Fatalf("Failed to create bus publisher: %v", err)
	}

	var analytics router.EventSink
	var archive router.EventSink
	if cfg.Pitwatch.Sinks.ClickHouse.URL != "" {
		chWriter, err := clickhouse.NewWriter(clickhouse.Config{
			URL:      cfg.Pitwatch.Sinks.ClickHouse.URL,
			Database: cfg.Pitwatch.Sinks.ClickHouse.Database,
			Username: cfg.Pitwatch.Sinks.ClickHouse.Username,
			Password: cfg.Pitwatch.Sinks.ClickHouse.Password,
			Timeout:  cfg.Pitwatch.Sinks.ClickHouse.Timeout,
			Headers:  cfg.Pitwatch.Sinks.ClickHouse.Headers,
		})
		if err != nil {
			log.Fatalf("Failed to create analytics writer: %v", err)
		}
		analytics = chWriter
		archive = clickhouse.NewRawArchive(chWriter)
		logger.Infof("Analytics sink: clickhouse (%s/%s)", cfg.Pitwatch.Sinks.ClickHouse.URL, cfg.Pitwatch.Sinks.ClickHouse.Database)
	} else {
		logger.Warnf("No ClickHouse URL configured; analytics and archive legs disabled")
	}

	index, err := presence.NewIndex(presence.Config{
		Addr:     cfg.Pitwatch.Presence.Addr,
		Password: cfg.Pitwatch.Presence.Password,
		DB:       cfg.Pitwatch.Presence.DB,
	})
	if err != nil {
		log.Fatalf("Failed to connect presence index: %v", err)
	}

	var engine *rules.Engine
	if cfg.Pitwatch.Rules.Enabled {
		if strings.TrimSpace(cfg.Pitwatch.Rules.Path) == "" {
			logger.Warnf("Rules enabled but rules.path is empty; rule tagging disabled")
		} else {
			e, stats, err := rules.NewEngine(cfg.Pitwatch.Rules.Path)
			if err != nil {
				log.Fatalf("Failed to load rules: %v", err)
			}
			engine = e
			logger.Infof("Rules loaded: loaded=%d skipped_invalid=%d files=%d",
				stats.Loaded, stats.SkippedInvalid, stats.TotalFiles)
		}
	}

	r := router.New(consumer, router.Sinks{
		Bus:       publisher,
		Analytics: analytics,
		Archive:   archive,
		Presence:  index,
	}, engine)
	cleanup := func() {
		if err := publisher.Close(); err != nil {
			logger.Errorf("Error closing bus publisher: %v", err)
		}
		if err := index.Close(); err != nil {
			logger.Errorf("Error closing presence index: %v", err)
		}
		if err := consumer.Close(); err != nil {
			logger.Errorf("Error closing event log consumer: %v", err)
		}
	}
	return r, cleanup
}

func runRouter(args []string) {
	cfg := loadSetup(args)
	logger.Infof("Pitwatch router starting")

	r, cleanup := buildRouter(cfg)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := r.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("Router error: %v", err)
		}
	}()

	waitForSignal()
	logger.Infof("Shutting down")
	cancel()
	time.Sleep(1 * time.Second)
	logger.Infof("Pitwatch router stopped")
}

func runDrain(args []string) int {
	cfg := loadSetup(args)

	r, cleanup := buildRouter(cfg)
	defer cleanup()

	n, err := r.DrainOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain failed: %v\n", err)
		return 1
	}
	fmt.Printf("drained %d entries\n", n)
	return 0
}

func runArchive(args []string) {
	cfg := loadSetup(args)
	logger.Infof("Pitwatch archiver starting")

	store, err := objectstore.NewStore(context.Background(), objectstore.Config{
		Endpoint:  cfg.Pitwatch.Sinks.ObjectStore.Endpoint,
		AccessKey: cfg.Pitwatch.Sinks.ObjectStore.AccessKey,
		SecretKey: cfg.Pitwatch.Sinks.ObjectStore.SecretKey,
		Bucket:    cfg.Pitwatch.Sinks.ObjectStore.Bucket,
		UseSSL:    cfg.Pitwatch.Sinks.ObjectStore.UseSSL,
	})
	if err != nil {
		log.Fatalf("Failed to connect object store: %v", err)
	}

	var analytics archiver.AnalyticsSink
	if cfg.Pitwatch.Sinks.ClickHouse.URL != "" {
		chWriter, err := clickhouse.NewWriter(clickhouse.Config{
			URL:      cfg.Pitwatch.Sinks.ClickHouse.URL,
			Database: cfg.Pitwatch.Sinks.ClickHouse.Database,
			Username: cfg.Pitwatch.Sinks.ClickHouse.Username,
			Password: cfg.Pitwatch.Sinks.ClickHouse.Password,
			Timeout:  cfg.Pitwatch.Sinks.ClickHouse.Timeout,
			Headers:  cfg.Pitwatch.Sinks.ClickHouse.Headers,
		})
		if err != nil {
			log.Fatalf("Failed to create analytics writer: %v", err)
		}
		analytics = chWriter
	} else {
		logger.Warnf("No ClickHouse URL configured; archiver analytics forwarding disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range events.Topics() {
		consumer, err := bus.NewKafkaConsumer(cfg.Pitwatch.Bus.Brokers, cfg.Pitwatch.Bus.GroupID, topic)
		if err != nil {
			log.Fatalf("Failed to create bus consumer for %s: %v", topic, err)
		}
		a := archiver.New(consumer, store, analytics, archiver.Config{
			Topic:         topic,
			BatchSize:     cfg.Pitwatch.Archiver.BatchSize,
			FlushInterval: cfg.Pitwatch.Archiver.FlushInterval,
		})
		g.Go(func() error {
			defer consumer.Close()
			return a.Run(gctx)
		})
	}

	go func() {
		waitForSignal()
		logger.Infof("Shutting down")
		cancel()
	}()

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Errorf("Archiver error: %v", err)
	}
	logger.Infof("Pitwatch archiver stopped")
}

func buildReviewStore(cfg *config.Config) review.Store {
	switch cfg.Pitwatch.Review.Store {
	case "postgres":
		store, err := review.NewPostgresStore(context.Background(), cfg.Pitwatch.Review.Postgres)
		if err != nil {
			log.Fatalf("Failed to connect postgres review store: %v", err)
		}
		logger.Infof("Review store: postgres")
		return store
	default:
		store, err := review.NewRedisStore(review.RedisConfig{
			Addr:     cfg.Pitwatch.Review.Redis.Addr,
			Password: cfg.Pitwatch.Review.Redis.Password,
			DB:       cfg.Pitwatch.Review.Redis.DB,
		})
		if err != nil {
			log.Fatalf("Failed to connect redis review store: %v", err)
		}
		logger.Infof("Review store: redis (%s)", cfg.Pitwatch.Review.Redis.Addr)
		return store
	}
}

func runDetect(args []string) {
	cfg := loadSetup(args)
	logger.Infof("Pitwatch detector starting")

	index, err := presence.NewIndex(presence.Config{
		Addr:     cfg.Pitwatch.Presence.Addr,
		Password: cfg.Pitwatch.Presence.Password,
		DB:       cfg.Pitwatch.Presence.DB,
	})
	if err != nil {
		log.Fatalf("Failed to connect presence index: %v", err)
	}
	defer index.Close()

	store := buildReviewStore(cfg)
	defer store.Close()

	source, err := collusion.NewRedisCandidateSource(
		cfg.Pitwatch.Presence.Addr, cfg.Pitwatch.Presence.Password, cfg.Pitwatch.Presence.DB, "")
	if err != nil {
		log.Fatalf("Failed to connect candidate source: %v", err)
	}
	defer source.Close()

	th := collusion.Thresholds{
		SharedDevices:    cfg.Pitwatch.Detect.Thresholds.SharedDevices,
		SharedIPs:        cfg.Pitwatch.Detect.Thresholds.SharedIPs,
		VpipCorrelation:  cfg.Pitwatch.Detect.Thresholds.VpipCorrelation,
		TimingSimilarity: cfg.Pitwatch.Detect.Thresholds.TimingSimilarity,
		SeatProximity:    cfg.Pitwatch.Detect.Thresholds.SeatProximity,
		ChipDumpScore:    cfg.Pitwatch.Detect.Thresholds.ChipDumpScore,
	}
	detector := collusion.NewDetector(collusion.NewExtractor(index), store, source, th, cfg.Pitwatch.Detect.Interval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := detector.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("Detector error: %v", err)
		}
	}()

	waitForSignal()
	logger.Infof("Shutting down")
	cancel()
	time.Sleep(1 * time.Second)
	logger.Infof("Pitwatch detector stopped")
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "route":
			runRouter(os.Args[2:])
			return
		case "drain":
			os.Exit(runDrain(os.Args[2:]))
		case "archive":
			runArchive(os.Args[2:])
			return
		case "detect":
			runDetect(os.Args[2:])
			return
		default:
			// Backward-compatible mode: first arg is config path.
			runRouter(os.Args[1:])
			return
		}
	}

	runRouter(nil)
}
