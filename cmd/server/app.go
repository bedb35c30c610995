package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mediacore/internal/api"
	"mediacore/internal/auth"
	"mediacore/internal/cache"
	"mediacore/internal/config"
	"mediacore/internal/media"
	"mediacore/internal/observability/logging"
	"mediacore/internal/observability/metrics"
	"mediacore/internal/redisutil"
	"mediacore/internal/server"
	"mediacore/internal/serverutil"
	"mediacore/internal/storage"
	"mediacore/internal/stream"
	"mediacore/internal/upload"
)

// application holds the long-lived components run supervises.
type application struct {
	cfg       config.Config
	store     storage.Repository
	redis     redis.UniversalClient
	processor *upload.Processor
	sweeper   *retentionSweeper
	server    *server.Server
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (app *application, err error) {
	app = &application{cfg: cfg}
	defer func() {
		if err != nil {
			app.close(context.Background(), logger)
			app = nil
		}
	}()

	app.store, err = openStore(cfg.Storage)
	if err != nil {
		return app, fmt.Errorf("open datastore: %w", err)
	}

	var (
		entries cache.Cache
		buffer  upload.ChunkBuffer
	)
	cacheCfg := cache.Config{TTL: cfg.Cache.TTL, TombstoneTTL: cfg.Cache.TombstoneTTL}
	if cfg.Redis.Enabled() {
		app.redis, err = redisutil.NewClient(ctx, redisConfig(cfg.Redis))
		if err != nil {
			return app, fmt.Errorf("connect redis: %w", err)
		}
		entries = cache.NewRedisCache(app.redis, cacheCfg)
		buffer = upload.NewRedisBuffer(app.redis, upload.RedisBufferConfig{TTL: cfg.Upload.BufferTTL})
	} else {
		entries = cache.NewMemoryCache(cacheCfg)
		buffer = upload.NewMemoryBuffer()
	}

	sink, err := media.NewSink(ctx, media.Config{
		Dir:            cfg.Media.Dir,
		Endpoint:       cfg.Media.Endpoint,
		Region:         cfg.Media.Region,
		AccessKey:      cfg.Media.AccessKey,
		SecretKey:      cfg.Media.SecretKey,
		Bucket:         cfg.Media.Bucket,
		UseSSL:         cfg.Media.UseSSL,
		Prefix:         cfg.Media.Prefix,
		PublicEndpoint: cfg.Media.PublicEndpoint,
		RequestTimeout: cfg.Media.RequestTimeout,
	})
	if err != nil {
		return app, fmt.Errorf("configure media sink: %w", err)
	}

	uploadStore := upload.NewSessionStore(upload.StoreConfig{
		Repository:    app.store,
		Cache:         entries,
		Buffer:        buffer,
		Logger:        logger,
		Metrics:       recorder,
		MaxUploadSize: cfg.Upload.MaxSize,
	})
	assembler := upload.NewAssembler(uploadStore, buffer)
	app.processor = upload.NewProcessor(upload.ProcessorConfig{
		Sessions:        uploadStore,
		Assembler:       assembler,
		Sink:            sink,
		Workers:         cfg.Upload.Workers,
		QueueSize:       cfg.Upload.QueueSize,
		Timeout:         cfg.Upload.HandoffTimeout,
		RecoverInterval: cfg.Upload.RecoverInterval,
		MaxAttempts:     cfg.Upload.HandoffAttempts,
		Logger:          logger,
		Metrics:         recorder,
	})
	app.sweeper = newRetentionSweeper(uploadStore, cfg.Upload.CompletedRetention, cfg.Upload.IdleRetention)

	keys := stream.NewKeyRegistry(stream.KeyRegistryConfig{
		Store:     app.store,
		TTL:       cfg.Stream.KeyTTL,
		MaxActive: cfg.Stream.MaxActiveKeys,
		Logger:    logger,
		Metrics:   recorder,
	})
	stats := stream.NewStatsAggregator(app.store, logger)
	sessions := stream.NewSessionManager(stream.SessionManagerConfig{
		Store: app.store,
		Keys:  keys,
		Stats: stats,
		Cache: entries,
		Endpoints: stream.Endpoints{
			Host:     cfg.Stream.Host,
			RTMPPort: cfg.Stream.RTMPPort,
			HTTPPort: cfg.Stream.HTTPPort,
		},
		Logger:  logger,
		Metrics: recorder,
	})

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return app, fmt.Errorf("configure identity verifier: %w", err)
	}

	checks := []api.HealthCheck{{Component: "datastore", Ping: app.store.Ping}}
	if app.redis != nil {
		client := app.redis
		checks = append(checks, api.HealthCheck{Component: "redis", Ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}

	handler := &api.Handler{
		Uploads: upload.NewService(upload.ServiceConfig{
			Store:     uploadStore,
			Assembler: assembler,
			Notifier:  app.processor,
			Logger:    logger,
		}),
		Keys:         keys,
		Sessions:     sessions,
		Stats:        stats,
		Channels:     app.store,
		Verifier:     verifier,
		HookToken:    cfg.Auth.HookToken,
		UploadExpiry: cfg.Upload.IdleRetention,
		HealthChecks: checks,
		Logger:       logger,
		Metrics:      recorder,
	}

	app.server, err = server.New(handler, server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		RateLimit: server.RateLimitConfig{
			Requests:   cfg.RateLimit.Requests,
			Window:     cfg.RateLimit.Window,
			TrustProxy: cfg.RateLimit.TrustProxy,
			Redis:      app.redis,
		},
		CORS:     server.CORSConfig{Origins: cfg.CORS.Origins},
		Security: server.SecurityConfig{HSTSMaxAge: cfg.TLS.HSTSMaxAge},
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return app, fmt.Errorf("initialise server: %w", err)
	}
	return app, nil
}

func openStore(cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "", "json":
		return storage.NewJSONRepository(cfg.DataPath)
	case "postgres":
		var opts []storage.Option
		if cfg.MaxConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(cfg.MaxConns, 0))
		}
		if cfg.AcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout))
		}
		opts = append(opts, storage.WithPostgresApplicationName("mediacore"))
		return storage.Open(cfg.Driver, cfg.DSN, opts...)
	default:
		return storage.Open(cfg.Driver, cfg.DSN)
	}
}

func redisConfig(cfg config.RedisConfig) redisutil.Config {
	return redisutil.Config{
		Addr:       cfg.Addr,
		Addrs:      cfg.Addrs,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MasterName: cfg.MasterName,
		PoolSize:   cfg.PoolSize,
		TLS: redisutil.TLSConfig{
			CAFile:             cfg.TLSCAFile,
			CertFile:           cfg.TLSCertFile,
			KeyFile:            cfg.TLSKeyFile,
			ServerName:         cfg.TLSServerName,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
	}
}

// close releases the datastore and Redis connections.
func (a *application) close(ctx context.Context, logger *slog.Logger) {
	if a == nil {
		return
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}
}

// run starts the HTTP server, the upload processor and the retention worker
// and blocks until ctx is cancelled or one of them fails. ready is closed once
// the listener is bound.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, ready chan<- struct{}) error {
	recorder := metrics.Default()
	app, err := buildApplication(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer app.close(context.Background(), logger)

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = serverutil.DefaultShutdownTimeout
	}
	group, groupCtx := errgroup.WithContext(ctx)

	app.processor.Start()
	stopProcessor := func(ctx context.Context) error {
		if err := app.processor.Shutdown(ctx); err != nil {
			return fmt.Errorf("stop upload processor: %w", err)
		}
		return nil
	}

	stopSweeper := startRetentionWorker(groupCtx, logging.WithComponent(logger, "retention"), app.sweeper, cfg.Upload.SweepInterval)
	group.Go(func() error {
		<-groupCtx.Done()
		stopSweeper()
		return nil
	})

	group.Go(func() error {
		logStartup(logger, cfg)
		err := serverutil.Run(groupCtx, serverutil.Config{
			Server:          app.server.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
			ShutdownTimeout: shutdownTimeout,
			Ready:           ready,
			// uploads completed by requests still in flight are enqueued
			// before the workers stop
			Drain:  stopProcessor,
			Logger: logging.WithComponent(logger, "http"),
		})
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		// a clean return before cancellation still stops the workers
		return errServerStopped
	})

	err = group.Wait()
	// the drain is skipped when the listener never came up
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := stopProcessor(stopCtx); stopErr != nil {
		logger.Warn("upload processor did not stop cleanly", "error", stopErr)
	}
	if errors.Is(err, errServerStopped) {
		return nil
	}
	return err
}

var errServerStopped = errors.New("http server stopped")
