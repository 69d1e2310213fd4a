package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/logging"
	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/profile"
	"github.com/matheus3301/courier/internal/store"
	intsync "github.com/matheus3301/courier/internal/sync"
	"github.com/matheus3301/courier/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Dir     string         // optional override for testing; empty = profile.Dir(Profile)
	Config  *config.Config // optional; nil = load ~/.courier/config.toml
	Dialer  transport.Dialer
}

// Paths are the files a daemon owns inside its profile directory.
type Paths struct {
	Dir    string
	DB     string
	Socket string
	Log    string
}

// Identity is who this daemon sends as.
type Identity struct {
	Token string
	Self  string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			providePaths,
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIdentity,
			provideTransport,
			provideQueue,
			provideSyncEngine,
			provideReconciler,
			provideSupervisor,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func providePaths(p Params) Paths {
	if p.Dir == "" {
		return Paths{
			Dir:    profile.Dir(p.Profile),
			DB:     profile.DBPath(p.Profile),
			Socket: profile.SocketPath(p.Profile),
			Log:    profile.LogPath(p.Profile),
		}
	}
	return Paths{
		Dir:    p.Dir,
		DB:     filepath.Join(p.Dir, "courier.db"),
		Socket: filepath.Join(p.Dir, "daemon.sock"),
		Log:    filepath.Join(p.Dir, "logs", "courierd.log"),
	}
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params, paths Paths) (*zap.Logger, error) {
	return logging.New(paths.Log, p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, paths Paths, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(paths.Dir)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(paths Paths, b *bus.Bus, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(paths.DB, store.WithNotifier(b))
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied",
			zap.String("source", result.Source), zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.String("source", result.Source), zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", paths.DB))
	return db, nil
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) (Identity, error) {
	token, err := cfg.Relay.BearerToken()
	if err != nil {
		return Identity{}, err
	}
	if token == "" {
		logger.Warn("no relay token configured, sending is disabled")
		return Identity{}, nil
	}
	self, err := transport.SelfID(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Token: token, Self: self}, nil
}

func provideTransport(p Params, cfg *config.Config, id Identity, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	dialer := p.Dialer
	if dialer == nil {
		dialer = transport.WSDialer{
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      3 * cfg.Transport.PingInterval.Duration,
		}
	}
	return transport.NewManager(transport.Config{
		URL:               cfg.Relay.URL,
		Token:             id.Token,
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
		ReconnectDelay:    cfg.Transport.ReconnectDelay.Duration,
		PingInterval:      cfg.Transport.PingInterval.Duration,
	}, dialer, b, logger.Named("transport"))
}

func provideQueue(cfg *config.Config, db *store.DB, mgr *transport.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Engine {
	return outbox.NewEngine(outbox.Config{
		Concurrency: cfg.Queue.Concurrency,
		MaxRetries:  cfg.Queue.MaxRetries,
		BaseDelay:   cfg.Queue.BaseDelay.Duration,
		MaxDelay:    cfg.Queue.MaxDelay.Duration,
		Jitter:      cfg.Queue.Jitter,
		SendTimeout: cfg.Queue.SendTimeout.Duration,
	}, db, mgr, b, logger.Named("outbox"))
}

func provideSyncEngine(db *store.DB, mgr *transport.Manager, b *bus.Bus, id Identity, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, mgr, b, id.Self, logger.Named("sync"))
}

func provideReconciler(engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(engine, b, logger.Named("reconciler"))
}

func provideSupervisor(cfg *config.Config, queue *outbox.Engine, mgr *transport.Manager, b *bus.Bus, logger *zap.Logger) *Supervisor {
	return NewSupervisor(queue, mgr, b, cfg.Transport.RedialInterval.Duration, logger.Named("supervisor"))
}

func provideService(p Params, cfg *config.Config, id Identity, db *store.DB, queue *outbox.Engine, sup *Supervisor, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Profile:  p.Profile,
		Self:     id.Self,
		RelayURL: cfg.Relay.URL,
		DB:       db,
		Queue:    queue,
		Session:  sup,
		Sync:     engine,
		Bus:      b,
		Logger:   logger.Named("api"),
	})
}

type lifecycleIn struct {
	fx.In

	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Transport  *transport.Manager
	Queue      *outbox.Engine
	Sync       *intsync.Engine
	Reconciler *intsync.Reconciler
	Supervisor *Supervisor
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	logger := in.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Inbound handling first so nothing the relay sends on connect is missed.
			in.Sync.Start(context.Background())
			in.Reconciler.Start(context.Background())

			// The supervisor pauses the queue before the queue starts dispatching.
			in.Supervisor.Start(context.Background())
			if err := in.Queue.Start(context.Background()); err != nil {
				return err
			}

			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("control api error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			in.Server.Stop(ctx)
			in.Supervisor.Stop()
			in.Queue.Stop()
			in.Reconciler.Stop()
			in.Sync.Stop()
			if err := in.Transport.Close(); err != nil {
				logger.Warn("error closing relay session", zap.Error(err))
			}
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
