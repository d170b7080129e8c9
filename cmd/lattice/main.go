package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lattice-perms/lattice/internal/api"
	"github.com/lattice-perms/lattice/internal/auth"
	"github.com/lattice-perms/lattice/internal/bridge"
	"github.com/lattice-perms/lattice/internal/cache"
	"github.com/lattice-perms/lattice/internal/config"
	"github.com/lattice-perms/lattice/internal/housekeeper"
	"github.com/lattice-perms/lattice/internal/httputil"
	"github.com/lattice-perms/lattice/internal/meta"
	"github.com/lattice-perms/lattice/internal/postgres"
	"github.com/lattice-perms/lattice/internal/registry"
	"github.com/lattice-perms/lattice/internal/resolver"
	"github.com/lattice-perms/lattice/internal/storage"
	"github.com/lattice-perms/lattice/internal/valkey"
)

const valkeyDialTimeout = 5 * time.Second

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Lattice")

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, valkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Valkey connected")

	// Wire the permission engine: storage feeds the registry, the resolver
	// walks the registry, the cache memoizes resolutions, and the fanout
	// spreads invalidations across instances.
	store := storage.NewPGStore(db, log.Logger)
	reg := registry.New(store, log.Logger)
	res := resolver.New(reg, log.Logger)
	mgr := cache.NewManager(res, log.Logger)
	fanout := &cache.Fanout{
		Local: mgr,
		Pub:   cache.NewPublisher(rdb),
		Log:   log.Logger,
	}
	reg.SetInvalidator(fanout)

	if err := reg.LoadAll(ctx); err != nil {
		return fmt.Errorf("load groups and tracks: %w", err)
	}
	log.Info().Int("groups", len(reg.Groups())).Int("tracks", len(reg.Tracks())).Msg("Registry loaded")

	// Start the cache invalidation subscriber with reconnection.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	sub := cache.NewSubscriber(mgr, rdb, log.Logger)
	go func() {
		for {
			if err := sub.Run(bgCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Invalidation subscriber stopped, restarting in 5s")
				select {
				case <-bgCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()

	eval := meta.New(mgr, store, fanout, log.Logger)
	br := bridge.New(reg, eval, mgr, log.Logger)
	keeper := housekeeper.New(cfg.HolderRetention, nil, log.Logger, mgr, reg)
	buf := registry.NewSyncBuffer(reg, log.Logger)

	// Periodic sweep of cold holders.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if n := keeper.Sweep(); n > 0 {
					log.Debug().Int("evicted", n).Msg("Housekeeper sweep")
				}
			}
		}
	}()

	// Periodic storage sync, if enabled.
	if cfg.SyncInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.SyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-bgCtx.Done():
					return
				case <-ticker.C:
					if err := buf.RequestDirect(bgCtx); err != nil {
						log.Error().Err(err).Msg("Periodic sync failed")
					}
				}
			}
		}()
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: cfg.ServerName,
		// ErrorHandler catches errors returned by handlers that are not
		// already mapped to structured responses (e.g. Fiber's built-in
		// 404/405).
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    httputil.StatusCode(status),
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	registerRoutes(app, cfg, db, rdb, reg, mgr, store, fanout, keeper, br, buf)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		bgCancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	db *pgxpool.Pool,
	rdb *redis.Client,
	reg *registry.Registry,
	mgr *cache.Manager,
	store *storage.PGStore,
	fanout *cache.Fanout,
	keeper *housekeeper.Housekeeper,
	br *bridge.Bridge,
	buf *registry.SyncBuffer,
) {
	health := api.NewHealthHandler(db, redisPinger{client: rdb})
	app.Get("/api/v1/health", health.Health)

	holders := api.NewHolderHandler(reg, mgr, store, fanout, keeper, log.Logger)
	chat := api.NewChatHandler(br, log.Logger)
	editor := api.NewEditorHandler(reg, store, buf, keeper, cfg.MaxOfflineHolders, log.Logger)
	synch := api.NewSyncHandler(buf, log.Logger)

	// Everything except health requires a caller token. Tokens are minted
	// out of band with the shared secret; the issuer claim is the server
	// name.
	v1 := app.Group("/api/v1", auth.RequireAuth(cfg.JWTSecret, cfg.ServerName))

	v1.Get("/users/:userID", holders.GetUser)
	v1.Get("/users/:userID/check", holders.CheckPermission)
	v1.Post("/users/:userID/nodes", holders.SetUserNode)
	v1.Delete("/users/:userID/nodes", holders.UnsetUserNode)
	v1.Put("/users/:userID/parents/:group", holders.AddUserParent)
	v1.Delete("/users/:userID/parents/:group", holders.RemoveUserParent)

	v1.Get("/groups", holders.ListGroups)
	v1.Post("/groups", holders.CreateGroup)
	v1.Get("/groups/:name", holders.GetGroup)
	v1.Post("/groups/:name/nodes", holders.SetGroupNode)
	v1.Delete("/groups/:name/nodes", holders.UnsetGroupNode)
	v1.Put("/groups/:name/parents/:group", holders.AddGroupParent)
	v1.Delete("/groups/:name/parents/:group", holders.RemoveGroupParent)

	v1.Get("/tracks", holders.ListTracks)
	v1.Post("/tracks", holders.CreateTrack)

	v1.Get("/chat/players/:name", chat.GetPlayerChat)
	v1.Put("/chat/players/:name", chat.SetPlayerChat)
	v1.Get("/chat/players/:name/meta/:key", chat.GetPlayerMeta)
	v1.Put("/chat/players/:name/meta/:key", chat.SetPlayerMeta)
	v1.Get("/chat/groups/:name", chat.GetGroupChat)
	v1.Put("/chat/groups/:name", chat.SetGroupChat)

	v1.Post("/editor/export", editor.Export)
	v1.Post("/sync", synch.Sync)
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }
