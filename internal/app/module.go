// Package app composes the persistence layer into a runnable fx module.
package app

import (
	"context"

	"github.com/vpires/chatstore/internal/auth"
	"github.com/vpires/chatstore/internal/bus"
	"github.com/vpires/chatstore/internal/config"
	"github.com/vpires/chatstore/internal/directory"
	"github.com/vpires/chatstore/internal/history"
	"github.com/vpires/chatstore/internal/lock"
	"github.com/vpires/chatstore/internal/logging"
	"github.com/vpires/chatstore/internal/protocol"
	"github.com/vpires/chatstore/internal/retention"
	"github.com/vpires/chatstore/internal/status"
	"github.com/vpires/chatstore/internal/storage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
	// Sender is the protocol client's outbound surface; nil runs offline.
	Sender protocol.Sender
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatstore",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideEngine,
			provideKV,
			provideDirectory,
			providePolicy,
			provideAuthStore,
			provideSender,
			provideService,
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
	return logging.New(cfg.LogFile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideEngine(cfg *config.Config, logger *zap.Logger) *storage.Engine {
	return storage.New(cfg.DBPath(), logger)
}

func provideKV(e *storage.Engine) *storage.KV {
	return storage.NewKV(e)
}

func provideDirectory(e *storage.Engine, kv *storage.KV, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(e, kv, b, logger)
}

func providePolicy(cfg *config.Config, dir *directory.Directory, e *storage.Engine, b *bus.Bus, logger *zap.Logger) *retention.Policy {
	return retention.New(cfg.MaxStoredMessages, dir, e, b, logger)
}

func provideAuthStore(kv *storage.KV) *auth.Store {
	return auth.NewStore(kv)
}

func provideSender(p Params) protocol.Sender {
	if p.Sender == nil {
		return protocol.OfflineSender{}
	}
	return p.Sender
}

func provideService(e *storage.Engine, dir *directory.Directory, policy *retention.Policy, b *bus.Bus, sender protocol.Sender, logger *zap.Logger) *history.Service {
	return history.New(e, dir, policy, b, sender, logger)
}

func registerLifecycle(lc fx.Lifecycle, eng *storage.Engine, dir *directory.Directory, svc *history.Service, creds *auth.Store, machine *status.Machine, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := machine.Transition(status.Opening); err != nil {
				return err
			}
			if err := eng.Open(ctx); err != nil {
				_ = machine.Transition(status.Failed)
				return err
			}
			if err := machine.Transition(status.Loading); err != nil {
				return err
			}
			if err := dir.Load(ctx); err != nil {
				_ = machine.Transition(status.Failed)
				return err
			}
			if c, err := creds.Load(ctx); err != nil {
				logger.Warn("load credentials", zap.Error(err))
			} else if c == nil {
				logger.Info("no credentials stored, registration required")
			} else {
				logger.Info("credentials loaded", zap.String("user", c.UserID))
			}
			svc.Start()
			if err := machine.Transition(status.Ready); err != nil {
				return err
			}
			logger.Info("chatstore ready")
			return nil
		},
		OnStop: func(context.Context) error {
			svc.Stop()
			if err := eng.Close(); err != nil {
				logger.Warn("close engine", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("release lock", zap.Error(err))
			}
			logger.Info("chatstore stopped")
			return nil
		},
	})
}
