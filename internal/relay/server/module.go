// Package server composes relayd: it picks the storage, cache, backplane and
// event backends from the config and runs the Fiber app.
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/auth"
	"github.com/matheus3301/courier/internal/backplane"
	"github.com/matheus3301/courier/internal/cache"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/events"
	"github.com/matheus3301/courier/internal/logging"
	"github.com/matheus3301/courier/internal/relay"
	"github.com/matheus3301/courier/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Params selects the relay configuration.
type Params struct {
	ConfigPath string
	Config     *config.RelayConfig // optional; nil = load ConfigPath
}

// Instance names this relay process on the backplane and in Consul.
type Instance string

// Backends are the stores the service runs on.
type Backends struct {
	fx.Out

	Repo      repository.Repository
	Cache     cache.Store
	Presence  cache.Presence
	Backplane backplane.Backplane
	Events    events.Publisher
}

// Module returns the fx module for relayd.
func Module(p Params) fx.Option {
	return fx.Module("relay",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideInstance,
			provideRedis,
			provideBackends,
			provideRegistry,
			provideValidator,
			provideService,
			provideRegistrar,
			provideRuntime,
			provideApp,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.RelayConfig, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadRelay(p.ConfigPath)
}

func provideLogger(cfg *config.RelayConfig) (*zap.Logger, error) {
	return logging.NewService(cfg.App.LogLevel, cfg.Dev())
}

func provideInstance(cfg *config.RelayConfig) Instance {
	if cfg.App.Instance != "" {
		return Instance(cfg.App.Instance)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "relay"
	}
	return Instance(host + "-" + uuid.NewString()[:8])
}

// provideRedis returns nil when Redis is disabled.
func provideRedis(cfg *config.RelayConfig, logger *zap.Logger) (redis.UniversalClient, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	return client, nil
}

func provideBackends(cfg *config.RelayConfig, rdb redis.UniversalClient, instance Instance, logger *zap.Logger) (Backends, error) {
	opts := cache.Options{
		IdempotencyTTL: cfg.Cache.IdempotencyTTL,
		RecentCap:      cfg.Cache.RecentCap,
		RecentTTL:      cfg.Cache.RecentTTL,
		PresenceTTL:    cfg.Cache.PresenceTTL,
		MetaTTL:        cache.DefaultOptions().MetaTTL,
	}

	var out Backends
	if rdb != nil {
		c := cache.NewRedis(rdb, cfg.Redis.Prefix, opts)
		out.Cache, out.Presence = c, c
		out.Backplane = backplane.NewRedis(rdb, cfg.Redis.Prefix, string(instance), logger.Named("backplane"))
	} else {
		logger.Warn("redis disabled, running as a single instance with in-memory cache")
		c := cache.NewMemory(opts)
		out.Cache, out.Presence = c, c
		out.Backplane = backplane.Local{}
	}

	if cfg.Mongo.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		repo, err := repository.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.DB)
		if err != nil {
			return Backends{}, err
		}
		logger.Info("mongo connected", zap.String("db", cfg.Mongo.DB))
		out.Repo = repo
	} else {
		logger.Warn("mongo disabled, messages are kept in memory")
		out.Repo = repository.NewMemory()
	}

	if cfg.Kafka.Enabled {
		out.Events = events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, events.DefaultBreakerConfig(), logger.Named("events"))
		logger.Info("kafka events enabled", zap.String("topic", cfg.Kafka.Topic))
	} else {
		out.Events = events.Nop{}
	}
	return out, nil
}

func provideRegistry() (*prometheus.Registry, *relay.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, relay.NewMetrics(reg)
}

func provideValidator(cfg *config.RelayConfig) (*auth.Validator, error) {
	return auth.NewValidator(cfg.JWT)
}

type serviceIn struct {
	fx.In

	Config    *config.RelayConfig
	Repo      repository.Repository
	Cache     cache.Store
	Presence  cache.Presence
	Backplane backplane.Backplane
	Events    events.Publisher
	Metrics   *relay.Metrics
	Logger    *zap.Logger
}

func provideService(in serviceIn) *relay.Service {
	opts := relay.DefaultOptions()
	opts.SingleDevice = in.Config.JWT.SingleDevice
	opts.HeartbeatInterval = in.Config.Cache.HeartbeatInterval
	opts.RecentCap = in.Config.Cache.RecentCap
	return relay.NewService(relay.Deps{
		Repo:      in.Repo,
		Cache:     in.Cache,
		Presence:  in.Presence,
		Backplane: in.Backplane,
		Events:    in.Events,
		Metrics:   in.Metrics,
		Logger:    in.Logger.Named("relay"),
		Options:   opts,
	})
}

func provideRegistrar(cfg *config.RelayConfig, instance Instance, logger *zap.Logger) (*Registrar, error) {
	return NewRegistrar(cfg.Consul, string(instance), logger.Named("consul"))
}

// Runtime is the context every connection and background loop runs under.
// It is cancelled when the app stops.
type Runtime struct {
	Ctx    context.Context
	Cancel context.CancelFunc
}

func provideRuntime() *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{Ctx: ctx, Cancel: cancel}
}

func provideApp(rt *Runtime, cfg *config.RelayConfig, svc *relay.Service, v *auth.Validator, reg *prometheus.Registry) *fiber.App {
	return NewApp(rt.Ctx, svc, v, reg, AppConfig{
		CookieName: cfg.JWT.CookieName,
		AccessLog:  cfg.Dev(),
		Conn: relay.ConnConfig{
			PingInterval:   cfg.WS.PingInterval,
			WriteDeadline:  cfg.WS.WriteDeadline,
			MaxMessageSize: cfg.WS.MaxMessageSize,
			RateLimit:      rate.Limit(cfg.WS.RateLimitPerSec),
			RateBurst:      cfg.WS.RateBurst,
			SendBuffer:     256,
		},
	})
}

type lifecycleIn struct {
	fx.In

	Config    *config.RelayConfig
	Runtime   *Runtime
	App       *fiber.App
	Service   *relay.Service
	Repo      repository.Repository
	Backplane backplane.Backplane
	Events    events.Publisher
	Redis     redis.UniversalClient
	Registrar *Registrar
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, in lifecycleIn) {
	logger := in.Logger
	addr := fmt.Sprintf(":%d", in.Config.App.Port)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := in.Backplane.Subscribe(in.Runtime.Ctx, in.Service.HandleFrame); err != nil {
				return fmt.Errorf("backplane subscribe: %w", err)
			}
			go in.Service.RunHeartbeat(in.Runtime.Ctx)

			go func() {
				logger.Info("relay listening", zap.String("addr", addr))
				if err := in.App.Listen(addr); err != nil {
					logger.Error("http server error", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()

			host, err := os.Hostname()
			if err != nil {
				host = "localhost"
			}
			if err := in.Registrar.Register(host, in.Config.App.Port); err != nil {
				logger.Warn("consul registration failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := in.Registrar.Deregister(); err != nil {
				logger.Warn("consul deregistration failed", zap.Error(err))
			}
			in.Runtime.Cancel()
			if err := in.App.ShutdownWithContext(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			if err := in.Backplane.Close(); err != nil {
				logger.Warn("error closing backplane", zap.Error(err))
			}
			if err := in.Events.Close(); err != nil {
				logger.Warn("error closing event publisher", zap.Error(err))
			}
			if err := in.Repo.Close(ctx); err != nil {
				logger.Warn("error closing repository", zap.Error(err))
			}
			if in.Redis != nil {
				if err := in.Redis.Close(); err != nil {
					logger.Warn("error closing redis", zap.Error(err))
				}
			}
			logger.Info("relay stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
