package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/api"
	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/codec"
	"github.com/matheus3301/linkchat/internal/config"
	"github.com/matheus3301/linkchat/internal/contacts"
	"github.com/matheus3301/linkchat/internal/delivery"
	"github.com/matheus3301/linkchat/internal/index"
	"github.com/matheus3301/linkchat/internal/lock"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/outbox"
	"github.com/matheus3301/linkchat/internal/profile"
	"github.com/matheus3301/linkchat/internal/status"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
	"github.com/matheus3301/linkchat/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load ~/.linkchat/config.toml
}

// DeviceID is this installation's identifier, used as the sender of
// outgoing messages and as the device room name.
type DeviceID string

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCodec,
			provideEngine,
			intsync.NewViews,
			provideBook,
			provideDeviceID,
			provideIndex,
			provideTransport,
			delivery.NewPresence,
			provideListener,
			providePushHandler,
			provideSender,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the store is never opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCodec(cfg *config.Config) (codec.Codec, error) {
	return codec.New(cfg.CodecSecret)
}

func provideEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideBook(db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *contacts.Book {
	return contacts.NewBook(db, engine, b, logger)
}

func provideDeviceID(db *store.DB, logger *zap.Logger) (DeviceID, error) {
	id, err := contacts.DeviceID(context.Background(), db)
	if err != nil {
		return "", err
	}
	logger.Info("device identity", zap.String("device_id", id))
	return DeviceID(id), nil
}

func provideIndex(db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *index.Index {
	return index.New(db, engine, b, logger)
}

func provideTransport(cfg *config.Config, machine *status.Machine, logger *zap.Logger) *transport.Client {
	return transport.NewClient(cfg.ServerURL, machine, logger)
}

func provideListener(engine *intsync.Engine, views *intsync.Views, tc *transport.Client, presence *delivery.Presence, db *store.DB, ix *index.Index, id DeviceID, logger *zap.Logger) *delivery.Listener {
	l := delivery.NewListener(engine, views, tc, presence, db, string(id), logger)
	l.FollowChatList(ix)
	return l
}

func providePushHandler(engine *intsync.Engine, views *intsync.Views, logger *zap.Logger) *delivery.PushHandler {
	return delivery.NewPushHandler(engine, views, logger)
}

func provideSender(engine *intsync.Engine, c codec.Codec, tc *transport.Client, book *contacts.Book, id DeviceID, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(engine, c, tc, book, string(id), b, logger)
}

type serviceIn struct {
	fx.In

	Params   Params
	DeviceID DeviceID
	Machine  *status.Machine
	DB       *store.DB
	Engine   *intsync.Engine
	Book     *contacts.Book
	Index    *index.Index
	Views    *intsync.Views
	Listener *delivery.Listener
	Presence *delivery.Presence
	Push     *delivery.PushHandler
	Sender   *outbox.Sender
	Codec    codec.Codec
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func provideService(in serviceIn) *api.Service {
	return api.NewService(api.Deps{
		Profile:  in.Params.Profile,
		DeviceID: string(in.DeviceID),
		Machine:  in.Machine,
		DB:       in.DB,
		Engine:   in.Engine,
		Book:     in.Book,
		Index:    in.Index,
		Views:    in.Views,
		Listener: in.Listener,
		Presence: in.Presence,
		Push:     in.Push,
		Sender:   in.Sender,
		Codec:    in.Codec,
		Bus:      in.Bus,
		Logger:   in.Logger,
	})
}

type lifecycleIn struct {
	fx.In

	Server    *Server
	Service   *api.Service
	Lock      *lock.Lock
	DB        *store.DB
	Book      *contacts.Book
	Index     *index.Index
	Transport *transport.Client
	Listener  *delivery.Listener
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	logger := in.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Rebuild the index before anything can merge into the store.
			if err := in.Index.ReloadAll(ctx); err != nil {
				return err
			}
			in.Index.Start(context.Background())

			if err := trackKnown(ctx, in.Book, in.Index, in.Listener); err != nil {
				return err
			}
			in.Transport.SetHandler(in.Listener)

			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				_ = in.Transport.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
					logger.Warn("transport did not stop in time")
				}
			}
			in.Service.Shutdown()
			in.Server.Stop(ctx)
			in.Index.Stop()
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// trackKnown registers every contact and every stored conversation with
// the listener so their inbound messages are accepted from the first
// connect.
func trackKnown(ctx context.Context, book *contacts.Book, ix *index.Index, l *delivery.Listener) error {
	list, err := book.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range list {
		l.Track(c.LinkKey)
	}
	for _, e := range ix.Entries() {
		l.Track(e.LinkKey)
	}
	return nil
}
