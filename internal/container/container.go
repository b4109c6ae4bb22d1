// Package container provides dependency injection.
package container

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/JetSquirrel/cloudbridge/internal/cache"
	"github.com/JetSquirrel/cloudbridge/internal/cloudsvc"
	"github.com/JetSquirrel/cloudbridge/internal/config"
	"github.com/JetSquirrel/cloudbridge/internal/credstore"
	"github.com/JetSquirrel/cloudbridge/internal/jobs"
	"github.com/JetSquirrel/cloudbridge/internal/model"
	"github.com/JetSquirrel/cloudbridge/internal/notification"
	"github.com/JetSquirrel/cloudbridge/internal/provider"
	"github.com/JetSquirrel/cloudbridge/internal/provider/aliyun"
	"github.com/JetSquirrel/cloudbridge/internal/provider/aws"
	"github.com/JetSquirrel/cloudbridge/internal/repository"
)

// Container holds all application dependencies.
type Container struct {
	cfg              *config.Config
	logger           *slog.Logger
	db               *sql.DB
	providerRegistry *provider.Registry
	cacheManager     *cache.Manager
	credentials      *credstore.Store
	service          *cloudsvc.Service
	notifier         *notification.Service
	scheduler        *jobs.Scheduler

	accountRepo repository.AccountRepository
}

// New creates a new dependency container. Without a database everything
// is kept in memory and lost on restart.
func New(cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		cfg:    cfg,
		logger: logger,
	}

	var (
		cacheRepo repository.CacheEntryRepository
		credRepo  repository.CredentialRepository
	)
	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := repository.OpenPostgres(ctx, cfg.Database.DSN(), repository.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.MaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := repository.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare schema: %w", err)
		}
		c.db = db
		logger.Info("database connected", "host", cfg.Database.Host, "database", cfg.Database.Name)

		c.accountRepo = repository.NewPostgresAccountRepository(db)
		cacheRepo = repository.NewPostgresCacheRepository(db)
		credRepo = repository.NewPostgresCredentialRepository(db)
	} else {
		logger.Warn("database disabled, accounts and cache are kept in memory")
		c.accountRepo = repository.NewMemoryAccountRepository()
		cacheRepo = repository.NewMemoryCacheRepository()
		credRepo = repository.NewMemoryCredentialRepository()
	}

	creds, err := credstore.New(credRepo, cfg.Security.EncryptionKey, logger)
	if err != nil {
		c.closeDB()
		return nil, fmt.Errorf("failed to initialize credential store: %w", err)
	}
	c.credentials = creds

	// Initialize provider registry
	tcfg := transportConfig(cfg.Provider)
	client := &http.Client{Timeout: cfg.Provider.Timeout}

	c.providerRegistry = provider.NewRegistry()
	c.providerRegistry.Register(aws.NewProvider(aws.Options{
		CostExplorerEndpoint: cfg.Provider.AWS.CostExplorerEndpoint,
		STSEndpoint:          cfg.Provider.AWS.STSEndpoint,
		MaxPages:             cfg.Provider.AWS.MaxPages,
	}, client, tcfg, logger))
	c.providerRegistry.Register(aliyun.NewProvider(aliyun.Options{
		Endpoint: cfg.Provider.Aliyun.Endpoint,
		PageSize: cfg.Provider.Aliyun.PageSize,
		MaxPages: cfg.Provider.Aliyun.MaxPages,
	}, client, tcfg, logger))
	logger.Info("providers registered", "providers", c.providerRegistry.Types())

	c.cacheManager = cache.NewManager(cacheRepo, cache.Options{
		TTL:       cfg.Cache.TTL,
		Tolerance: cfg.Cache.Tolerance,
	}, logger)

	c.service = cloudsvc.New(c.accountRepo, creds, c.providerRegistry, c.cacheManager, cloudsvc.Options{
		RollupConcurrency: cfg.Cache.RollupConcurrency,
	}, logger)
	// Initialize notification service
	c.notifier = notification.NewService(notification.Config{
		SlackWebhookURL: cfg.Notification.SlackWebhookURL,
		WebhookURLs:     cfg.Notification.WebhookURLs,
	}, nil, logger)
	c.service.OnRefreshNeeded(func(q model.CostQuery) {
		logger.Info("cost data needs refresh", "account_id", q.AccountID, "kind", q.Kind, "period", q.Start)
		c.notifier.SendAsync(notification.RefreshNeeded(q))
	})

	// Initialize scheduler
	c.scheduler = jobs.NewScheduler(jobs.DefaultTimeout, logger)

	return c, nil
}

func transportConfig(p config.ProviderConfig) provider.TransportConfig {
	tcfg := provider.DefaultTransportConfig()
	tcfg.Timeout = p.Timeout
	tcfg.Retry.MaxAttempts = p.RetryMaxAttempts
	tcfg.Retry.BaseDelay = p.RetryBaseDelay
	tcfg.Retry.MaxDelay = p.RetryMaxDelay
	if p.Breaker.MaxFailures > 0 {
		tcfg.Breaker.ConsecutiveFailures = uint32(p.Breaker.MaxFailures)
	}
	if p.Breaker.HalfOpenLimit > 0 {
		tcfg.Breaker.HalfOpenRequests = uint32(p.Breaker.HalfOpenLimit)
	}
	if p.Breaker.ResetTimeout > 0 {
		tcfg.Breaker.OpenTimeout = p.Breaker.ResetTimeout
	}
	return tcfg
}

// Start restores persisted cache entries and starts background jobs.
func (c *Container) Start(ctx context.Context) error {
	if err := c.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to restore cache: %w", err)
	}

	if err := c.scheduler.Register(jobs.StaleScanJob, c.cfg.Cache.RefreshSchedule,
		jobs.StaleScan(c.service, c.cfg.Cache.AutoRefresh, c.refreshFailed, c.logger)); err != nil {
		return err
	}
	if err := c.scheduler.Register(jobs.WarmCacheJob, c.cfg.Cache.WarmSchedule,
		jobs.WarmCache(c.service, c.logger)); err != nil {
		return err
	}

	if err := c.scheduler.Start(ctx); err != nil {
		return err
	}
	return c.scheduler.RunNow(jobs.WarmCacheJob)
}

func (c *Container) refreshFailed(q model.CostQuery, err error) {
	c.notifier.SendAsync(notification.RefreshFailed(q, err))
}

// CancelFetches aborts in-flight provider fetches so requests waiting on
// them return before the HTTP server drains. Stop calls it too.
func (c *Container) CancelFetches() {
	if c.cacheManager != nil {
		c.cacheManager.Close()
	}
}

// Stop gracefully stops all components.
func (c *Container) Stop(ctx context.Context) error {
	c.logger.Info("stopping container components")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.CancelFetches()
		if c.scheduler != nil {
			c.scheduler.Stop()
		}
		if c.notifier != nil {
			c.notifier.Wait()
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("background work still running at shutdown", "error", ctx.Err())
	}

	if c.providerRegistry != nil {
		c.providerRegistry.Close()
	}
	c.closeDB()
	return nil
}

func (c *Container) closeDB() {
	if c.db != nil {
		c.db.Close()
	}
}

// Ping reports whether the database is reachable. It always succeeds in
// memory mode.
func (c *Container) Ping(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	return c.db.PingContext(ctx)
}

// Accessors

func (c *Container) Config() *config.Config                          { return c.cfg }
func (c *Container) Logger() *slog.Logger                            { return c.logger }
func (c *Container) DB() *sql.DB                                     { return c.db }
func (c *Container) ProviderRegistry() *provider.Registry            { return c.providerRegistry }
func (c *Container) CacheManager() *cache.Manager                    { return c.cacheManager }
func (c *Container) Service() *cloudsvc.Service                      { return c.service }
func (c *Container) Notifier() *notification.Service                 { return c.notifier }
func (c *Container) Scheduler() *jobs.Scheduler                      { return c.scheduler }
func (c *Container) AccountRepository() repository.AccountRepository { return c.accountRepo }
