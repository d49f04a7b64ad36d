package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/fetch"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/index"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/room"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
	// Optional path overrides for testing; empty = session defaults.
	SocketPath string
	LockPath   string
	LogPath    string
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return session.SocketPath(p.SessionName)
}

func (p Params) lockPath() string {
	if p.LockPath != "" {
		return p.LockPath
	}
	return session.LockPath(p.SessionName)
}

func (p Params) logPath() string {
	if p.LogPath != "" {
		return p.LogPath
	}
	return session.LogPath(p.SessionName)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideIdentity,
			provideStore,
			provideRooms,
			provideSyncEngine,
			provideHTTPClient,
			provideFetcher,
			provideOutbox,
			provideStream,
			provideIndex,
			provideCacheService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Config == nil {
		return nil, errors.New("daemon: no config")
	}
	return logging.New(p.logPath(), p.SessionName, p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(p.lockPath(), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideIdentity(p Params, logger *zap.Logger) (identity.Identity, error) {
	id, err := identity.Resolve(p.Config.Server.SelfID, p.Config.Server.Token)
	if err != nil {
		return identity.Identity{}, err
	}
	logger.Info("local user resolved", zap.String("user_id", id.UserID))
	return id, nil
}

func provideStore(b *bus.Bus) *store.Store {
	return store.New(b)
}

func provideRooms(p Params, st *store.Store, b *bus.Bus, logger *zap.Logger) *room.Manager {
	return room.NewManager(st, b, logger.Named("room"), p.Config.Sync.TypingTimeout)
}

func provideSyncEngine(st *store.Store, rooms *room.Manager, id identity.Identity, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, rooms, id.UserID, logger.Named("sync"))
}

func provideHTTPClient(p Params) (*fetch.HTTPClient, error) {
	return fetch.NewHTTPClient(p.Config.Server.APIURL, p.Config.Server.Token, p.Config.Sync.RequestTimeout)
}

func provideFetcher(p Params, hc *fetch.HTTPClient, engine *intsync.Engine, st *store.Store, logger *zap.Logger) *fetch.Fetcher {
	sc := p.Config.Sync
	return fetch.NewFetcher(hc, engine, st, fetch.Options{
		PageSize:           sc.PageSize,
		ChatsStaleAfter:    sc.ChatsStaleAfter,
		MessagesStaleAfter: sc.MessagesStaleAfter,
		Lifetime:           sc.QueryLifetime,
	}, logger.Named("fetch"))
}

func provideOutbox(p Params, st *store.Store, hc *fetch.HTTPClient, id identity.Identity, b *bus.Bus, logger *zap.Logger) *outbox.Coordinator {
	return outbox.NewCoordinator(st, hc, id.UserID, b, logger.Named("outbox"), p.Config.Sync.ActionTimeout)
}

func provideStream(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*stream.Client, error) {
	return stream.NewClient(stream.Options{
		URL:   p.Config.Server.StreamURL,
		Token: p.Config.Server.Token,
	}, machine, b, logger.Named("stream"))
}

func provideIndex(st *store.Store, b *bus.Bus, logger *zap.Logger) (*index.Index, error) {
	ix, err := index.Open(st, b, logger.Named("index"))
	if err != nil {
		return nil, err
	}
	logger.Info("search index initialized")
	return ix, nil
}

func provideCacheService(
	p Params,
	id identity.Identity,
	fetcher *fetch.Fetcher,
	ob *outbox.Coordinator,
	rooms *room.Manager,
	ix *index.Index,
	sc *stream.Client,
	machine *status.Machine,
	st *store.Store,
	b *bus.Bus,
	logger *zap.Logger,
) *api.CacheService {
	return api.NewCacheService(api.Deps{
		Session: p.SessionName,
		SelfID:  id.UserID,
		Reader:  fetcher,
		Outbox:  ob,
		Rooms:   rooms,
		Search:  ix,
		Typist:  sc,
		Machine: machine,
		Store:   st,
		Bus:     b,
		Logger:  logger.Named("api"),
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	srv *Server,
	sc *stream.Client,
	engine *intsync.Engine,
	fetcher *fetch.Fetcher,
	ob *outbox.Coordinator,
	ix *index.Index,
	rooms *room.Manager,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Push events feed the sync engine. A (re)connect may have
			// missed events, so every cached key must be refetched before it
			// is trusted again; the chat in view is refetched right away.
			sc.OnEvent(engine.Handle)
			sc.OnConnect(func() {
				fetcher.InvalidateAll()
				if id := rooms.Active(); id != "" {
					go func() {
						if _, err := fetcher.Messages(ctx, id); err != nil && ctx.Err() == nil {
							logger.Warn("refetch of active chat failed", zap.String("chat_id", id), zap.Error(err))
						}
					}()
				}
			})

			ix.Start(ctx)
			ob.Start(ctx)
			fetcher.Start(ctx)
			sc.Start(ctx)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			srv.Stop(stopCtx)
			sc.Stop()
			fetcher.Stop()
			ob.Stop()
			ix.Stop()
			cancel()
			rooms.Close()
			if err := ix.Close(); err != nil {
				logger.Warn("error closing search index", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
