package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/system"
	"github.com/JakeFAU/browser-fetch-engine/internal/config"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/dispatcher"
	"github.com/JakeFAU/browser-fetch-engine/internal/emulator"
	"github.com/JakeFAU/browser-fetch-engine/internal/fatlink"
	"github.com/JakeFAU/browser-fetch-engine/internal/hash/sha256"
	"github.com/JakeFAU/browser-fetch-engine/internal/id/uuid"
	"github.com/JakeFAU/browser-fetch-engine/internal/ingest"
	"github.com/JakeFAU/browser-fetch-engine/internal/lifecycle"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
	"github.com/JakeFAU/browser-fetch-engine/internal/proxy"
	memorypublisher "github.com/JakeFAU/browser-fetch-engine/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/browser-fetch-engine/internal/publisher/nats"
	"github.com/JakeFAU/browser-fetch-engine/internal/publisher/pubsub"
	"github.com/JakeFAU/browser-fetch-engine/internal/ratelimit"
	"github.com/JakeFAU/browser-fetch-engine/internal/resource"
	"github.com/JakeFAU/browser-fetch-engine/internal/session"
	"github.com/JakeFAU/browser-fetch-engine/internal/session/chrome"
	"github.com/JakeFAU/browser-fetch-engine/internal/store"
	memorystore "github.com/JakeFAU/browser-fetch-engine/internal/store/memory"
	"github.com/JakeFAU/browser-fetch-engine/internal/store/postgres"
	redisstore "github.com/JakeFAU/browser-fetch-engine/internal/store/redis"
	"github.com/JakeFAU/browser-fetch-engine/internal/taskcache"
	"github.com/JakeFAU/browser-fetch-engine/internal/worker"
)

type publisherCloser interface {
	crawler.Publisher
	Close() error
}

// engine is the fully wired fetch pipeline shared by serve and fetch.
type engine struct {
	state      *lifecycle.State
	tiers      *taskcache.Tiers[*crawler.FetchTask]
	pool       *session.Pool
	emulator   *emulator.Emulator
	service    *ingest.Service
	dispatcher *dispatcher.Dispatcher
	publisher  publisherCloser
	closeStore func()
	logger     *zap.Logger
}

// newSessionFactory is a variable so tests can run the engine without Chrome.
var newSessionFactory = func(cfg config.BrowserConfig, logger *zap.Logger) (session.Factory, error) {
	return chrome.NewBrowser(chrome.Config{
		Headless:      cfg.Headless,
		ExecPath:      cfg.ExecPath,
		UserAgent:     cfg.UserAgent,
		WindowWidth:   cfg.WindowWidth,
		WindowHeight:  cfg.WindowHeight,
		LaunchTimeout: cfg.LaunchTimeout,
		NoSandbox:     cfg.NoSandbox,
	}, logger)
}

// buildEngine wires every component. workers overrides the configured
// concurrency when > 0.
func buildEngine(ctx context.Context, cfg config.Config, logger *zap.Logger, workers int) (_ *engine, err error) {
	metrics.Init()
	clock := system.New()
	e := &engine{state: lifecycle.NewActive(), logger: logger}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	proxies, err := proxy.NewStatic(cfg.Proxy.Servers, cfg.Proxy.UserAgents)
	if err != nil {
		return nil, fmt.Errorf("init proxy source: %w", err)
	}
	factory, err := newSessionFactory(cfg.Browser, logger)
	if err != nil {
		return nil, fmt.Errorf("init browser: %w", err)
	}
	e.pool, err = session.NewPool(factory, session.Config{
		MaxSessions:   cfg.Pool.MaxSessions,
		MaxUses:       cfg.Pool.MaxUses,
		MaxAge:        cfg.Pool.MaxAge,
		MaxErrorScore: cfg.Pool.MaxErrorScore,
		Backoff: session.Backoff{
			MaxAttempts: cfg.Pool.LaunchAttempts,
			BaseDelay:   cfg.Pool.LaunchBaseDelay,
			MaxDelay:    cfg.Pool.LaunchMaxDelay,
		},
	}, logger, session.WithProxySource(proxies), session.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("init session pool: %w", err)
	}
	loader, err := resource.New(resource.Config{
		UserAgent:     cfg.Resource.UserAgent,
		RespectRobots: cfg.Resource.RespectRobots,
		Timeout:       cfg.Resource.Timeout,
		MaxBodySize:   cfg.Resource.MaxBodySize,
	})
	if err != nil {
		return nil, fmt.Errorf("init resource loader: %w", err)
	}
	e.emulator = emulator.New(e.pool, e.state, cfg.Emulator.Settings(), logger,
		emulator.WithResourceLoader(loader),
		emulator.WithClock(clock),
	)

	e.tiers = taskcache.NewTiers[*crawler.FetchTask]()
	retry := taskcache.New[*crawler.FetchTask](config.CacheRetry, config.PriorityRetry,
		taskcache.WithCapacity(cfg.Cache.RetryCapacity), taskcache.WithClock(clock))
	for _, c := range []*taskcache.Cache[*crawler.FetchTask]{
		taskcache.New[*crawler.FetchTask](config.CacheRealtime, config.PriorityRealtime,
			taskcache.WithCapacity(cfg.Cache.RealtimeCapacity), taskcache.WithClock(clock)),
		taskcache.New[*crawler.FetchTask](config.CacheNormal, config.PriorityNormal,
			taskcache.WithCapacity(cfg.Cache.NormalCapacity), taskcache.WithClock(clock)),
		retry,
	} {
		if err := e.tiers.Register(c); err != nil {
			return nil, fmt.Errorf("register task cache: %w", err)
		}
	}

	statuses, err := e.buildStatusStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.publisher, err = buildPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := fatlink.NewRegistry(clock, ingest.NewLinkEvents(e.publisher, logger), logger)
	e.service, err = ingest.NewService(e.tiers, e.emulator, statuses, uuid.New(), ingest.Config{
		SubmitCache:    config.CacheNormal,
		ExecuteTimeout: cfg.Worker.ExecuteTimeout,
	}, logger, ingest.WithLinkRegistry(registry), ingest.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("init ingest service: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		Overrides:    cfg.RateLimit.Overrides,
	})
	if workers <= 0 {
		workers = cfg.Worker.Concurrency
	}
	loops := make([]dispatcher.Loop, 0, workers)
	for i := range workers {
		loops = append(loops, worker.New(i, e.tiers, e.emulator, worker.Config{MaxAttempts: cfg.Worker.MaxAttempts}, logger,
			worker.WithThrottle(limiter),
			worker.WithLinkTracker(registry),
			worker.WithRetryCache(retry),
			worker.WithResultHandlers(e.service, ingest.NewResultPublisher(e.publisher, sha256.New(), logger)),
		))
	}
	watchdog := dispatcher.LoopFunc(func(ctx context.Context) error {
		return registry.RunWatchdog(ctx, cfg.FatLink.WatchdogInterval, cfg.FatLink.MaxIdle)
	})
	e.dispatcher = dispatcher.New(loops, watchdog)
	return e, nil
}

func (e *engine) buildStatusStore(ctx context.Context, cfg config.Config) (store.StatusStore, error) {
	switch {
	case cfg.DB.DSN != "":
		pg, err := postgres.NewStatusStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init status store: %w", err)
		}
		e.closeStore = pg.Close
		if cfg.DB.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return pg, nil
	case cfg.Redis.Addr != "":
		rs, err := redisstore.NewStatusStore(ctx, redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("init status store: %w", err)
		}
		e.closeStore = func() {
			if err := rs.Close(); err != nil {
				e.logger.Warn("failed to close redis client", zap.Error(err))
			}
		}
		return rs, nil
	default:
		e.logger.Info("no db.dsn or redis.addr set, keeping task statuses in memory")
		return memorystore.NewStatusStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (publisherCloser, error) {
	switch {
	case cfg.PubSub.ProjectID != "":
		pub, err := pubsub.Connect(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, logger)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		return pub, nil
	case cfg.NATS.URL != "":
		pub, err := natspublisher.Connect(natspublisher.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		return pub, nil
	default:
		logger.Info("no pubsub.project_id or nats.url set, keeping events in memory")
		return memorypublisher.New(), nil
	}
}

// Run blocks running the workers and the fat link watchdog.
func (e *engine) Run(ctx context.Context) error {
	err := e.dispatcher.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close lowers the active flag first so in-flight fetches wind down, then
// releases sessions and backends.
func (e *engine) Close() {
	e.state.Shutdown()
	if e.pool != nil {
		if err := e.pool.Close(); err != nil {
			e.logger.Warn("failed to close session pool", zap.Error(err))
		}
	}
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			e.logger.Warn("failed to close publisher", zap.Error(err))
		}
	}
	if e.closeStore != nil {
		e.closeStore()
	}
}
