package parley

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/parley/core"
	"github.com/putto11262002/parley/pkg/router"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config  *Config
	context context.Context
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router

	store       core.ConversationStore
	presence    *core.Presence
	rooms       *core.Multiplexer
	notifier    *core.Notifier
	dispatcher  *core.Dispatcher
	coordinator *core.Coordinator
	eventRouter *core.EventRouter
	hub         *core.Hub

	presenceHandler *PresenceHandler
	callHandler     *CallHandler

	logOutput io.Writer
	exit      chan int

	cleanupFuncs []func(context.Context)
	cleanupOnce  sync.Once
}

type Option func(*App)

// WithLogOutput sends the application log to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(app *App) {
		app.logOutput = w
	}
}

// New builds the application or exits the process if it cannot be built.
// A nil ctx is cancelled on SIGINT, SIGTERM, SIGQUIT or SIGHUP. A nil config is loaded from the environment.
func New(ctx context.Context, config *Config, opts ...Option) *App {
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, "%s", FormatValidationErrors(err))
	}
	app, err := newApp(ctx, config, opts...)
	if err != nil {
		failed(1, "%v\n", err)
	}
	return app
}

func newApp(ctx context.Context, config *Config, opts ...Option) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	app := &App{
		config:    config,
		context:   ctx,
		logOutput: os.Stdout,
		exit:      make(chan int),
	}
	for _, opt := range opts {
		opt(app)
	}

	app.logger = slog.New(slog.NewTextHandler(app.logOutput, &slog.HandlerOptions{
		Level:     config.Log.Level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	if err := app.openStore(); err != nil {
		app.cleanup(context.Background())
		return nil, err
	}

	app.presence = core.NewPresence()
	app.rooms = core.NewMultiplexer(app.logger)
	app.notifier = core.NewNotifier(app.store, app.presence, app.rooms, app.logger)
	app.dispatcher = core.NewDispatcher(app.store, app.presence, app.rooms, app.notifier, app.logger)
	app.coordinator = core.NewCoordinator(app.store, app.presence, app.rooms, app.notifier, app.logger,
		core.WithRingTimeout(config.Calls.RingTimeout),
		core.WithCallRetention(config.Calls.Retention))
	app.AddCleanupFunc(func(ctx context.Context) {
		app.coordinator.Close()
	})

	app.eventRouter = core.NewEventRouter(app.logger)
	app.registerEventHandlers()

	verifier := &core.JWTVerifier{Secret: []byte(config.Auth.Secret)}
	app.hub = core.NewHub(app.context, core.SessionDeps{
		Presence: app.presence,
		Rooms:    app.rooms,
		Verifier: verifier,
		Router:   app.eventRouter,
		Logger:   app.logger,
	},
		core.WithCheckOrigin(originChecker(config.AllowedOrigins)),
		core.WithConnOptions(core.ConnOptions{
			SendBuffer:     config.WS.SendBuffer,
			MaxMessageSize: config.WS.MaxMessageSize,
		}),
		core.OnSessionClosed(app.hangUp))
	app.AddCleanupFunc(app.hub.Close)

	app.presenceHandler = NewPresenceHandler(app.presence)
	app.callHandler = NewCallHandler(app.store)
	authMiddleware := core.JWTMiddleware(verifier)

	app.router = router.New(router.WithLogger(app.logger))
	app.router.RegisterErrorMapper(core.ErrNotAParticipant, func(err error) router.Error {
		return router.NewJsonError(http.StatusForbidden, core.ErrNotAParticipant.Error())
	})

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// the hub authenticates after the upgrade so that a rejected peer gets a close frame
	app.router.Router.Handle("/ws", app.hub)

	app.router.Get("/healthz", app.HealthHandler)

	app.router.Route("/api", func(r *router.Router) {
		r.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Get("/presence", app.presenceHandler.CountHandler)
			r.Get("/presence/{userID}", app.presenceHandler.UserPresenceHandler)
			r.Get("/calls/history", app.callHandler.HistoryHandler)
		})
	})

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if config.Mode == ProdMode {
		app.server.TLSConfig = defaultTLSConfig.Clone()
	}

	return app, nil
}

// hangUp settles the calls of a user whose last connection closed.
func (app *App) hangUp(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.coordinator.HangUp(ctx, userID)
}

func (app *App) openStore() error {
	switch app.config.Store.Driver {
	case PostgresDriver:
		db, err := core.NewPostgresDB(app.context, app.config.Postgres.URL, app.config.Postgres.Migrations)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			db.Close()
		})
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		app.store = core.NewPostgresConversationStore(db.Pool)
	default:
		sqliteOptions := &core.SQLiteDBOption{
			Mode:        "rwc",
			Cache:       "shared",
			JournalMode: "WAL",
		}
		db, err := core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			db.Close()
		})
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		app.store = core.NewSQLiteConversationStore(db.DB)
	}
	app.logger.Info("conversation store ready", slog.String("driver", app.config.Store.Driver))
	return nil
}

// Handler returns the root HTTP handler of the application.
func (app *App) Handler() http.Handler {
	return app.router
}

func (app *App) Start() {
	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()

		if err := app.server.Shutdown(closeCtx); err != nil {
			app.logger.Error("server shutdown", slog.Any("error", err))
		}

		done := make(chan struct{})
		go func() {
			app.cleanup(closeCtx)
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1
		}
	}()

	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s:%d",
		app.config.Mode, app.config.Hostname, app.config.Port))

	var err error
	if app.config.TLS.Key != "" && app.config.TLS.Crt != "" {
		err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
	} else {
		err = app.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	}
	os.Exit(code)
}

// AddCleanupFunc registers f to run on shutdown. Cleanup runs in reverse registration order.
func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// cleanup closes the live sessions first and the database last.
func (app *App) cleanup(ctx context.Context) {
	app.cleanupOnce.Do(func() {
		for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
			app.cleanupFuncs[i](ctx)
		}
	})
}

// Close releases everything the app holds without going through Start.
func (app *App) Close(ctx context.Context) {
	app.cleanup(ctx)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
