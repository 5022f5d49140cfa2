package app

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"notemart/internal/cache"
	"notemart/internal/catalog"
	"notemart/internal/cleanup"
	"notemart/internal/config"
	"notemart/internal/contracts"
	"notemart/internal/docstore"
	"notemart/internal/gateway"
	"notemart/internal/httpapi"
	"notemart/internal/messaging"
	"notemart/internal/objectstore"
	"notemart/internal/order"
	"notemart/internal/reporting"
	"notemart/internal/storage"
	"notemart/internal/websocket"
)

type App struct {
	cfg       config.Config
	logger    *logrus.Logger
	store     *storage.Store
	ledger    *cache.RedisLedger
	wsHub     *websocket.Hub
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer
	cleanup   *cleanup.Worker
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: logger, store: store}

	if err := a.build(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	docs := docstore.NewPostgres(a.store.Pool(), docstore.Options{
		MaxAttempts: cfg.TxMaxAttempts,
		Timeout:     cfg.TxTimeout,
		Logger:      logger.WithField("component", "docstore"),
	})

	primary, secondary, err := objectStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var ledger cache.WebhookLedger = cache.NewMemoryLedger(cfg.WebhookDedupeTTL)
	if cfg.RedisURL != "" {
		a.ledger, err = cache.NewRedisLedger(cfg.RedisURL, cfg.WebhookDedupeTTL)
		if err != nil {
			return err
		}
		if err := a.ledger.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unreachable, webhook ledger lookups will fail open")
		}
		ledger = a.ledger
	}

	a.wsHub = websocket.NewHub()

	orders := order.NewService(order.Deps{
		Docs:           docs,
		Gateway:        gateway.NewRazorpay(cfg.Gateway.KeyID, cfg.Gateway.KeySecret, cfg.Gateway.Timeout),
		Verifier:       gateway.NewSigner(cfg.Gateway.KeySecret, cfg.Gateway.WebhookSecret),
		Ledger:         ledger,
		Notifier:       a.wsHub,
		Logger:         logger.WithField("component", "order"),
		WebhookTimeout: cfg.WebhookTimeout,
	})

	coordinator := catalog.NewCoordinator(docs, catalog.Config{
		Primary:               primary,
		Secondary:             secondary,
		PromoteSecondaryAfter: cfg.SecondaryPromoteAfter,
		DeleteTimeout:         cfg.DeleteTimeout,
		Logger:                logger.WithField("component", "catalog"),
	})

	a.publisher, err = messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.Exchange)
	if err != nil {
		return err
	}
	a.consumer, err = messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.Exchange, cfg.CleanupQueue, contracts.EventAssetOrphaned, logger)
	if err != nil {
		return err
	}
	a.outbox = messaging.NewOutboxDispatcher(docs, a.publisher, cfg.OutboxInterval, cfg.OutboxBatch, logger.WithField("component", "outbox"))
	a.cleanup = cleanup.NewWorker(
		cleanup.Target{Store: primary, Timeout: cfg.Primary.Timeout},
		cleanup.Target{Store: secondary, Timeout: cfg.Secondary.Timeout},
		logger.WithField("component", "cleanup"),
	)

	wsHandler := websocket.NewHandler(a.wsHub, orders, logger.WithField("component", "websocket"))
	api := httpapi.NewServer(orders, coordinator, reporting.New(a.store.Pool()), http.HandlerFunc(wsHandler.ServeWS), httpapi.Config{
		AdminKey: cfg.AdminKey,
	}, logger.WithField("component", "http"))

	a.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func objectStores(ctx context.Context, cfg config.Config, logger *logrus.Logger) (objectstore.Store, objectstore.Store, error) {
	var primary, secondary objectstore.Store

	if cfg.Primary.Endpoint == "" {
		logger.Warn("no primary endpoint configured, keeping files in memory")
		primary = objectstore.NewMemory(contracts.StorePrimary)
	} else {
		s3, err := objectstore.NewS3(objectstore.S3Config{
			Endpoint:  cfg.Primary.Endpoint,
			AccessKey: cfg.Primary.AccessKey,
			SecretKey: cfg.Primary.SecretKey,
			Bucket:    cfg.Primary.Bucket,
			UseSSL:    cfg.Primary.UseSSL,
			PublicURL: cfg.Primary.PublicURL,
			Timeout:   cfg.Primary.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		primary = s3
	}

	if cfg.Secondary.CredentialsFile == "" {
		logger.Warn("no secondary credentials configured, keeping files in memory")
		secondary = objectstore.NewMemory(contracts.StoreSecondary)
	} else {
		drive, err := objectstore.NewDrive(ctx, objectstore.DriveConfig{
			CredentialsFile: cfg.Secondary.CredentialsFile,
			FolderID:        cfg.Secondary.FolderID,
			Timeout:         cfg.Secondary.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		secondary = drive
	}
	return primary, secondary, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	a.outbox.Start(ctx)

	go a.wsHub.Run(ctx)

	go func() {
		errCh <- a.consumer.Start(ctx, a.cleanup.HandleDelivery)
	}()

	go func() {
		a.logger.WithField("addr", a.cfg.HTTPAddr).Info("notemart http server listening")
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return errors.New("cleanup consumer stopped")
		}
		return err
	}
}

// Serve runs the service until SIGINT or SIGTERM.
func Serve(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "init app")
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()

	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(shutdownCtx)
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	a.store.Close()
}

// NewLogger builds the service logger.
func NewLogger(level string, json bool) *logrus.Logger {
	logger := logrus.New()
	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
