package airchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/putto11262002/airchat/core"
	"github.com/putto11262002/airchat/pkg/router"
)

type App struct {
	config    *Config
	db        *core.SQLiteDB
	context   context.Context
	server    *http.Server
	logger    *slog.Logger
	router    *router.Router
	bus       core.ChangeBus
	broker    *core.Broker
	wsManager *core.ConnManager

	exit chan int

	userStore     core.UserStore
	consoleStore  core.ConsoleStore
	transferStore core.TransferStore
	authStore     core.AuthStore

	userHandler     *UserHandler
	consoleHandler  *ConsoleHandler
	transferHandler *TransferHandler
	authHandler     *AuthHandler

	cleanupMu    sync.Mutex
	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

// New builds the app. It exits the process when the configuration is invalid
// or a dependency cannot be reached.
func New(ctx context.Context, config *Config) *App {
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}

	if config == nil {
		var err error
		config, err = (&EnvConfigLoader{}).Load()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}

	app, err := newApp(ctx, config, NewLogger(config.LogLevel))
	if err != nil {
		failed(1, "%v\n", err)
	}
	return app
}

// NewLogger returns a text logger that reports the base name of the source file.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l,
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
}

func newApp(ctx context.Context, config *Config, logger *slog.Logger) (*App, error) {
	var err error
	app := &App{
		exit:    make(chan int),
		context: ctx,
		config:  config,
		logger:  logger,
	}

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	app.db, err = core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		app.db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if addr := app.config.Redis.Addr; addr != "" {
		client, err := core.NewRedisClient(ctx, addr, app.config.Redis.Password, app.config.Redis.DB)
		if err != nil {
			app.db.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.AddCleanupFunc(func(ctx context.Context) {
			client.Close()
		})
		app.bus = core.NewRedisBus(client, app.config.Redis.Channel, app.logger)
		app.logger.Info(fmt.Sprintf("change feed on redis %s channel %s", addr, app.config.Redis.Channel))
	} else {
		app.bus = core.NewLocalBus()
	}

	app.userStore = core.NewSQLiteUserStore(app.db.DB)
	app.authStore = core.NewSQLiteAuthStore(app.db.DB, app.userStore, []byte(app.config.Auth.Secret),
		core.WithTokenExp(app.config.Auth.TokenExp))
	app.consoleStore = core.NewSQLiteConsoleStore(app.db.DB, app.userStore, app.bus, app.logger)
	app.transferStore = core.NewSQLiteTransferStore(app.db.DB, app.userStore, app.bus, app.logger)

	if err := app.seedAdmin(ctx); err != nil {
		app.db.Close()
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}

	app.broker = core.NewBroker(app.bus, app.logger,
		core.WithAuthorizer(core.NewParticipantAuthorizer(app.consoleStore)))
	app.wsManager = core.NewConnManager(app.context, &app.wg, app.broker, app.logger,
		core.WithCheckOrigin(app.checkOrigin))
	app.wsManager.OnUserConnected(app.onUserConnect)
	app.wsManager.OnUserDisconnected(app.onUserDisconnect)

	app.userHandler = NewUserHandler(app.userStore)
	app.consoleHandler = NewConsoleHandler(app.consoleStore)
	app.transferHandler = NewTransferHandler(app.transferStore)
	app.authHandler = NewAuthHandler(app.authStore)

	app.router = app.routes()

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if app.config.Mode == ProdMode {
		app.server.TLSConfig = defaultTLSConfig.Clone()
	}

	return app, nil
}

// seedAdmin creates the configured admin unless it is already registered.
func (app *App) seedAdmin(ctx context.Context) error {
	admin := app.config.Admin
	if admin.Email == "" {
		return nil
	}
	name := admin.FullName
	if name == "" {
		name = "Admin"
	}
	_, err := app.userStore.CreateUser(ctx, core.User{
		Email:    admin.Email,
		Password: admin.Password,
		FullName: name,
		Role:     core.AdminRole,
	})
	if err != nil && !errors.Is(err, core.ErrConflictedUser) {
		return err
	}
	return nil
}

func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(app.config.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(app.config.AllowedOrigins, origin)
}

func (app *App) routes() *router.Router {
	r := router.New(router.WithLogger(app.logger))
	registerErrorMappers(r)

	r.Router.Use(middleware.RequestID, requestLogger(app.logger), metricsMiddleware, middleware.Recoverer)
	r.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Router.Handle("/metrics", promhttp.Handler())

	authMiddleware := core.JWTMiddleware(app.authStore)

	r.With(authMiddleware).Get("/realtime", app.RealtimeHandler)

	r.Route("/api", func(api *router.Router) {
		api.Route("/auth", func(r *router.Router) {
			r.Post("/signin", app.authHandler.SigninHandler)
			r.With(authMiddleware).Post("/signout", app.authHandler.SignoutHandler)
		})

		api.Route("/users", func(r *router.Router) {
			r.Post("/", app.userHandler.RegisterUserHandler)
			r.With(authMiddleware).Get("/me", app.userHandler.MeHandler)
			r.With(authMiddleware).Get("/{userID}", app.userHandler.GetUserByIDHandler)
		})

		api.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Post("/rooms", app.consoleHandler.CreateRoomHandler)
			r.Get("/rooms/{roomID}", app.consoleHandler.GetRoomHandler)
			r.Get("/rooms/{roomID}/messages", app.consoleHandler.GetRoomMessagesHandler)
			r.Post("/rooms/{roomID}/messages", app.consoleHandler.SendMessageHandler)
			r.Post("/reports", app.consoleHandler.CreateReportHandler)
			r.Post("/transfers", app.transferHandler.CreateTransferHandler)
			r.Post("/transfers/{transferID}/status", app.transferHandler.SetTransferStatusHandler)
			r.Post("/transfers/{transferID}/offers/{offerID}/accept", app.transferHandler.AcceptOfferHandler)
		})

		api.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Use(core.AdminMiddleware())
			r.Get("/admin/chats", app.consoleHandler.GetConversationsHandler)
			r.Get("/admin/chats/unread-count", app.consoleHandler.GetUnreadChatCountHandler)
			r.Post("/admin/chats/{roomID}/read", app.consoleHandler.MarkConversationReadHandler)
			r.Get("/reports", app.consoleHandler.ListReportsHandler)
			r.Get("/reports/count", app.consoleHandler.GetOpenReportCountHandler)
			r.Delete("/reports/{reportID}", app.consoleHandler.DeleteReportHandler)
			r.Post("/admin/users/{userID}/ban", app.consoleHandler.BanUserHandler)
			r.Delete("/admin/users/{userID}/ban", app.consoleHandler.UnbanUserHandler)
			r.Get("/admin/users/banned", app.consoleHandler.ListBannedUsersHandler)
			r.Get("/admin/users", app.userHandler.ListUsersHandler)
			r.Get("/admin/transfers", app.transferHandler.ListTransfersHandler)
			r.Get("/admin/transfers/{transferID}", app.transferHandler.GetTransferDetailsHandler)
			r.Post("/admin/transfers/{transferID}/offers", app.transferHandler.CreateOfferHandler)
			r.Get("/admin/offers", app.transferHandler.ListOffersHandler)
		})
	})

	return r
}

func registerErrorMappers(r *router.Router) {
	mapTo := func(code int, msg string) router.ErrorMapper {
		return func(error) router.JsonError {
			return router.NewJsonError(code, msg)
		}
	}
	r.RegisterErrorMapper(core.ErrInvalidRoom, mapTo(http.StatusNotFound, "room not found"))
	r.RegisterErrorMapper(core.ErrConflictedRoom, mapTo(http.StatusConflict, core.ErrConflictedRoom.Error()))
	r.RegisterErrorMapper(core.ErrInvalidUser, mapTo(http.StatusBadRequest, core.ErrInvalidUser.Error()))
	r.RegisterErrorMapper(core.ErrInvalidMessage, mapTo(http.StatusBadRequest, "message needs content or an image"))
	r.RegisterErrorMapper(core.ErrInvalidReport, mapTo(http.StatusNotFound, "report not found"))
	r.RegisterErrorMapper(core.ErrDisAllowedOperation, mapTo(http.StatusForbidden, core.ErrDisAllowedOperation.Error()))
	r.RegisterErrorMapper(core.ErrConflictedUser, mapTo(http.StatusConflict, core.ErrConflictedUser.Error()))
	r.RegisterErrorMapper(core.ErrInvalidTransfer, mapTo(http.StatusNotFound, "transfer not found"))
	r.RegisterErrorMapper(core.ErrInvalidOffer, mapTo(http.StatusBadRequest, core.ErrInvalidOffer.Error()))
	r.RegisterErrorMapper(core.ErrConflictedOffer, mapTo(http.StatusConflict, core.ErrConflictedOffer.Error()))
	r.RegisterErrorMapper(core.ErrTransferClosed, mapTo(http.StatusConflict, core.ErrTransferClosed.Error()))
}

// startBroker fans the change feed out to the realtime sockets until the app context is done.
func (app *App) startBroker() {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.broker.Run(app.context); err != nil {
			app.logger.Error(fmt.Sprintf("realtime broker: %v", err))
		}
	}()
}

// shutdown closes every socket and runs the cleanup functions in reverse order of registration.
func (app *App) shutdown(ctx context.Context) {
	app.wsManager.CloseAll()

	app.cleanupMu.Lock()
	funcs := slices.Clone(app.cleanupFuncs)
	app.cleanupMu.Unlock()
	for i := len(funcs) - 1; i >= 0; i-- {
		funcs[i](ctx)
	}
}

func (app *App) Start() {
	app.startBroker()

	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()

		done := make(chan struct{})
		go func() {
			app.shutdown(closeCtx)
			app.wg.Wait()
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

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s:%d",
		app.config.Mode, app.config.Hostname, app.config.Port))

	var err error
	if app.config.TLS.Key != "" && app.config.TLS.Crt != "" {
		err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
	} else {
		err = app.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	} else {
		os.Exit(code)
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupMu.Lock()
	defer app.cleanupMu.Unlock()
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
