// Package daemon composes the real-time layer: storage, connection
// registry, chat pipeline, presence tracking, call signaling and the
// WebSocket gateway, wired through fx with lifecycle hooks.
package daemon

import (
	"context"
	"path/filepath"

	"github.com/sparknet/realtime/internal/bus"
	"github.com/sparknet/realtime/internal/call"
	"github.com/sparknet/realtime/internal/chat"
	"github.com/sparknet/realtime/internal/config"
	"github.com/sparknet/realtime/internal/gateway"
	"github.com/sparknet/realtime/internal/lock"
	"github.com/sparknet/realtime/internal/logging"
	"github.com/sparknet/realtime/internal/moderation"
	"github.com/sparknet/realtime/internal/presence"
	"github.com/sparknet/realtime/internal/queue"
	"github.com/sparknet/realtime/internal/registry"
	"github.com/sparknet/realtime/internal/room"
	"github.com/sparknet/realtime/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	ConfigPath string // empty = built-in defaults
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideRouter,
			provideChatLocks,
			provideModerator,
			provideQueue,
			providePipeline,
			provideReadTracker,
			provideTracker,
			provideBroadcaster,
			provideCoordinator,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Level, cfg.Logging.File)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	dataDir := filepath.Dir(cfg.Database.Path)
	logger.Info("acquiring data lock", zap.String("dir", dataDir))
	l, err := lock.Acquire(dataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", cfg.Database.Path))
	return db, nil
}

func provideRegistry(db *store.DB, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	return registry.New(db, b, logger)
}

func provideRouter(reg *registry.Registry, logger *zap.Logger) *room.Router {
	// A connection the router cannot write to is gone; drop it from the
	// registry so reachability flips and disconnect hooks run.
	return room.New(func(c room.Conn) {
		if rc, ok := c.(registry.Conn); ok {
			reg.Unregister(rc)
		}
	}, logger)
}

func provideChatLocks() *chat.Locks {
	return chat.NewLocks()
}

func provideModerator(cfg *config.Config, logger *zap.Logger) moderation.Moderator {
	if cfg.Moderation.BaseURL == "" {
		return moderation.AllowAll{}
	}
	return moderation.NewClient(cfg.Moderation.BaseURL, cfg.Moderation.Timeout(), logger)
}

// provideQueue returns nil when redis is not configured; offline
// messages are then simply not buffered.
func provideQueue(cfg *config.Config, logger *zap.Logger) (*queue.Offline, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("offline queue disabled, no redis configured")
		return nil, nil
	}
	off, err := queue.New(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("offline queue connected", zap.String("addr", cfg.Redis.Addr))
	return off, nil
}

func providePipeline(db *store.DB, mod moderation.Moderator, reg *registry.Registry, router *room.Router, off *queue.Offline, locks *chat.Locks, logger *zap.Logger) *chat.Pipeline {
	var q chat.OfflineQueue
	if off != nil {
		q = off
	}
	return chat.NewPipeline(db, mod, reg, router, q, locks, logger)
}

func provideReadTracker(db *store.DB, reg *registry.Registry, router *room.Router, locks *chat.Locks, logger *zap.Logger) *chat.ReadTracker {
	return chat.NewReadTracker(db, reg, router, locks, logger)
}

func provideTracker(router *room.Router, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(router, logger)
}

func provideBroadcaster(b *bus.Bus, db *store.DB, router *room.Router, logger *zap.Logger) *presence.Broadcaster {
	return presence.NewBroadcaster(b, db, router, logger)
}

func provideCoordinator(cfg *config.Config, db *store.DB, reg *registry.Registry, logger *zap.Logger) *call.Coordinator {
	return call.New(db, reg, cfg.RingTimeout(), logger)
}

func provideServer(cfg *config.Config, reg *registry.Registry, router *room.Router, pipeline *chat.Pipeline, reads *chat.ReadTracker, tracker *presence.Tracker, coord *call.Coordinator, off *queue.Offline, db *store.DB, logger *zap.Logger) *gateway.Server {
	var drainer gateway.Drainer
	if off != nil {
		drainer = off
	}
	return gateway.NewServer(cfg.Server.Addr, reg, router, pipeline, reads, tracker, coord, drainer, db, cfg.TypingTTL(), logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *gateway.Server,
	lk *lock.Lock,
	reg *registry.Registry,
	tracker *presence.Tracker,
	broadcaster *presence.Broadcaster,
	coord *call.Coordinator,
	router *room.Router,
	b *bus.Bus,
	off *queue.Offline,
	db *store.DB,
	logger *zap.Logger,
) {
	// A user whose last connection drops stops typing everywhere and
	// loses any in-flight call.
	reg.OnDisconnect(tracker.ClearAllForUser)
	reg.OnDisconnect(coord.OnPeerDisconnected)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			broadcaster.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gateway error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			coord.Shutdown()
			tracker.Shutdown()
			broadcaster.Stop()
			router.Stop()
			b.Close()
			if off != nil {
				_ = off.Close()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
