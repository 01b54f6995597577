package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sony/gobreaker"
	"gorm.io/gorm"

	"github.com/sglre6355/meteogram/internal/domain"
	"github.com/sglre6355/meteogram/internal/infrastructure"
	"github.com/sglre6355/meteogram/internal/infrastructure/blobstore"
	"github.com/sglre6355/meteogram/internal/infrastructure/database"
	"github.com/sglre6355/meteogram/internal/infrastructure/metrics"
	"github.com/sglre6355/meteogram/internal/presentation"
	"github.com/sglre6355/meteogram/internal/presentation/httpapi"
	"github.com/sglre6355/meteogram/internal/scheduler"
	"github.com/sglre6355/meteogram/internal/usecase"
)

type config struct {
	DatabaseDSN       string        `env:"DATABASE_DSN,required"`
	HTTPAddress       string        `env:"HTTP_ADDRESS"          envDefault:":8080"`
	GRPCHealthAddress string        `env:"GRPC_HEALTH_ADDRESS"`
	DiscordToken      string        `env:"DISCORD_TOKEN"`
	ModelConfigFile   string        `env:"MODEL_CONFIG_FILE"`
	FreshnessWindow   time.Duration `env:"FRESHNESS_WINDOW"      envDefault:"7h"`
	RefreshInterval   time.Duration `env:"REFRESH_INTERVAL"      envDefault:"30m"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT"         envDefault:"30s"`

	StorageBackend      string  `env:"STORAGE_BACKEND"       envDefault:"database"`
	StorageUnitCapacity int64   `env:"STORAGE_UNIT_CAPACITY" envDefault:"65536"`
	StorageQuota        int64   `env:"STORAGE_QUOTA"         envDefault:"16777216"`
	StorageMinChunk     int64   `env:"STORAGE_MIN_CHUNK"     envDefault:"512"`
	StorageUsableRatio  float64 `env:"STORAGE_USABLE_RATIO"  envDefault:"0.95"`

	LogLevel  slog.Level `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text"`
}

func newLogger(cfg config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newFetchClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func newUnits(cfg config, db *gorm.DB) (blobstore.Units, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case "", "database":
		return database.NewUnitStore(
			db,
			database.WithUnitCapacity(cfg.StorageUnitCapacity),
			database.WithQuota(cfg.StorageQuota),
		), nil
	case "memory":
		return blobstore.NewMemoryUnits(blobstore.FixedCapacity(cfg.StorageUnitCapacity)), nil
	default:
		return nil, errors.New("unsupported storage backend " + cfg.StorageBackend)
	}
}

func run() int {
	healthcheck := flag.Bool("healthcheck", false, "query the gRPC health endpoint and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env file", slog.Any("error", err))
		return 1
	}

	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("failed to parse environment variables", slog.Any("error", err))
		return 1
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if *healthcheck {
		return checkHealth(cfg)
	}

	db, err := database.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		return 1
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Error("failed to access database handle", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.Error("failed to close database connection", slog.Any("error", err))
		}
	}()

	if err := database.Migrate(context.Background(), db); err != nil {
		logger.Error("failed to run database migrations", slog.Any("error", err))
		return 1
	}

	units, err := newUnits(cfg, db)
	if err != nil {
		logger.Error("failed to create storage backend", slog.Any("error", err))
		return 1
	}

	modelConfig, err := infrastructure.LoadModelConfig(cfg.ModelConfigFile)
	if err != nil {
		logger.Error("failed to load model configuration", slog.Any("error", err))
		return 1
	}
	for _, kind := range domain.ModelKinds {
		if _, err := modelConfig.ModelSource(kind); err != nil {
			logger.Warn("model source is misconfigured", slog.String("model", kind.String()), slog.Any("error", err))
		}
	}

	recorder := metrics.NewRecorder()

	records := blobstore.NewStore(
		units,
		blobstore.WithUsableRatio(cfg.StorageUsableRatio),
		blobstore.WithMinChunk(cfg.StorageMinChunk),
		blobstore.WithLogger(logger),
		blobstore.WithRecorder(recorder),
	)

	client := newFetchClient(cfg.FetchTimeout)
	metadataCircuit := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "metadata"})
	imageCircuit := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "image"})
	newFetchers := func() (usecase.Fetcher, usecase.Fetcher) {
		return infrastructure.NewMetadataFetcher(
				client,
				infrastructure.WithFetcherLogger(logger),
				infrastructure.WithCircuitBreaker(metadataCircuit),
			), infrastructure.NewImageFetcher(
				client,
				infrastructure.WithFetcherLogger(logger),
				infrastructure.WithCircuitBreaker(imageCircuit),
			)
	}

	forecastService := usecase.NewForecastService(
		database.NewProfileStore(db),
		records,
		modelConfig,
		newFetchers,
		usecase.WithServiceLogger(logger),
		usecase.WithFreshness(domain.NewFreshness(cfg.FreshnessWindow)),
		usecase.WithServiceRecorder(recorder),
	)
	forecastUsecase := usecase.NewForecastUsecase(forecastService, logger)

	var healthServer *infrastructure.HealthServer
	if cfg.GRPCHealthAddress != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddress)
		if err != nil {
			logger.Error("failed to listen for gRPC health checks", slog.Any("error", err))
			return 1
		}
		healthServer = infrastructure.NewHealthServer()
		go func() {
			if err := healthServer.Serve(lis); err != nil {
				logger.Error("gRPC health server stopped", slog.Any("error", err))
			}
		}()
	}

	app := httpapi.NewApp(forecastService, recorder.Handler(), logger)
	go func() {
		if err := app.Listen(cfg.HTTPAddress); err != nil {
			logger.Error("HTTP server stopped", slog.Any("error", err))
		}
	}()

	refresher := scheduler.New(
		forecastService,
		cfg.RefreshInterval,
		scheduler.WithLogger(logger),
	)
	if err := refresher.Start(); err != nil {
		logger.Error("failed to start forecast refresher", slog.Any("error", err))
		return 1
	}
	defer refresher.Stop()

	var bot *presentation.WeatherBot
	if cfg.DiscordToken != "" {
		bot, err = startBot(cfg, db, forecastService, forecastUsecase, logger)
		if err != nil {
			logger.Error("failed to start Discord bot", slog.Any("error", err))
			return 1
		}
	} else {
		logger.Info("DISCORD_TOKEN not set, Discord bot disabled")
	}

	if healthServer != nil {
		healthServer.SetServing(true)
	}
	logger.Info("meteogram started", slog.String("http_address", cfg.HTTPAddress))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("termination signal received, shutting down")
	if healthServer != nil {
		healthServer.SetServing(false)
	}

	refresher.Stop()
	if bot != nil {
		bot.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server", slog.Any("error", err))
	}

	if cancelled := forecastService.Shutdown(); cancelled > 0 {
		logger.Info("cancelled running downloads", slog.Int("count", cancelled))
	}
	if err := forecastService.FlushDirty(shutdownCtx); err != nil {
		logger.Error("failed to persist pending forecasts", slog.Any("error", err))
	}

	if healthServer != nil {
		healthServer.Stop()
	}

	logger.Info("meteogram stopped")
	return 0
}

func startBot(
	cfg config,
	db *gorm.DB,
	forecasts *usecase.ForecastService,
	images *usecase.ForecastUsecase,
	logger *slog.Logger,
) (*presentation.WeatherBot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	subscriptionManager := usecase.NewSubscriptionManager(
		images,
		presentation.NewDiscordForecastSender(session),
		usecase.WithSubscriptionStore(database.NewSubscriptionStore(db)),
		usecase.WithSubscriptionErrorHandler(
			func(sub domain.Subscription, stage usecase.SubscriptionErrorStage, err error) {
				logger.Error(
					"subscription delivery failed",
					slog.String("channel", sub.ChannelID),
					slog.Int64("profile_id", sub.ProfileID),
					slog.Any("stage", stage),
					slog.Any("error", err),
				)
			},
		),
	)

	if err := subscriptionManager.LoadExisting(context.Background()); err != nil {
		return nil, err
	}

	forecasts.OnProfileDeleted(func(ctx context.Context, profileID int64) {
		removed, err := subscriptionManager.RemoveProfile(ctx, profileID)
		if err != nil {
			logger.Error(
				"failed to remove subscriptions of deleted profile",
				slog.Int64("profile_id", profileID),
				slog.Any("error", err),
			)
			return
		}
		if removed > 0 {
			logger.Info("removed subscriptions of deleted profile", slog.Int64("profile_id", profileID), slog.Int("count", removed))
		}
	})

	bot, err := presentation.NewWeatherBot(session, subscriptionManager, forecasts, images, logger)
	if err != nil {
		subscriptionManager.Shutdown()
		return nil, err
	}

	if err := bot.Start(); err != nil {
		bot.Stop()
		return nil, err
	}

	if err := bot.RegisterCommands(); err != nil {
		bot.Stop()
		return nil, err
	}

	return bot, nil
}

func checkHealth(cfg config) int {
	address := cfg.GRPCHealthAddress
	if address == "" {
		slog.Error("GRPC_HEALTH_ADDRESS is not set")
		return 1
	}
	if strings.HasPrefix(address, ":") {
		address = "localhost" + address
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := infrastructure.CheckHealth(ctx, address); err != nil {
		slog.Error("health check failed", slog.Any("error", err))
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
