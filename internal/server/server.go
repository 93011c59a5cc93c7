// Package server is the development gateway: a PostgREST-style table API,
// RPC, auth, signed storage uploads and a realtime websocket, all backed by
// sqlgateway's row security.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"chatsync/internal/cache"
	"chatsync/internal/config"
	"chatsync/internal/database"
	"chatsync/internal/gateway"
	"chatsync/internal/gateway/sqlgateway"
	"chatsync/internal/middleware"
	"chatsync/internal/models"
	"chatsync/internal/realtime"
	"chatsync/internal/storage"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server is the development gateway: a row API, auth, signed uploads and a
// realtime socket over one database.
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	gateway        *sqlgateway.Gateway
	hub            *realtime.Hub
	notifier       *realtime.Notifier
	storage        *storage.Service
}

// NewServer connects to the database, Redis and object storage described by
// cfg and builds a server over them.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A nil client means realtime stays in-process.
	redisClient := cache.Connect(ctx, cfg.RedisURL)

	store, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}
	if store != nil {
		if err := store.EnsureBuckets(ctx); err != nil {
			middleware.Logger.Warn("storage buckets not ready", "error", err)
		}
	}

	return NewServerWithDeps(cfg, db, redisClient, store), nil
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient and store may be nil.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, store *storage.Service) *Server {
	middleware.InitMiddleware(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("chatsync-gateway"),
		shutdownCtx:    ctx,
		shutdownFn:     cancel,
		hub:            realtime.NewHub(),
		storage:        store,
	}

	// With Redis, every instance publishes to Redis and fans in from it so
	// subscribers see writes made on any instance.
	var pub realtime.Publisher
	if redisClient != nil {
		s.notifier = realtime.NewNotifier(redisClient)
		pub = s.notifier
	}
	s.gateway = sqlgateway.New(db, s.hub, pub)
	s.app = s.newApp()
	return s
}

// Gateway exposes the row-security gateway, e.g. for seeding.
func (s *Server) Gateway() *sqlgateway.Gateway {
	return s.gateway
}

// App returns the Fiber app serving the gateway.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "chatsync gateway",
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: s.errorHandler,
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// SetupMiddleware installs the middleware chain shared by every route.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
		app.Use(s.promMiddleware.Middleware)
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	app.Use(cors.New(cors.Config{
		AllowOrigins:  s.config.AllowedOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Prefer, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, traceparent",
		AllowMethods:  "GET,HEAD,POST,PATCH,DELETE,OPTIONS",
		ExposeHeaders: "Content-Range, X-Trace-ID",
		MaxAge:        86400,
	}))
}

// SetupRoutes mounts the auth, row, storage and realtime endpoints.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.HealthCheck)

	auth := app.Group("/auth/v1")
	auth.Post("/token", middleware.RateLimit(s.redis, 10, 5*time.Minute, "token"), s.Token)
	auth.Post("/signup", middleware.RateLimit(s.redis, 3, 10*time.Minute, "signup"), s.Signup)
	auth.Get("/user", middleware.AuthRequired, s.CurrentUser)

	api := app.Group("/rest/v1", middleware.AuthRequired)
	// RPC before the generic /:table routes
	api.Post("/rpc/:fn", middleware.RateLimit(s.redis, 60, time.Minute, "rpc"), s.CallRPC)
	api.Get("/:table", s.SelectRows)
	api.Post("/:table", middleware.RateLimit(s.redis, 30, time.Minute, "insert"), s.InsertRow)
	api.Patch("/:table", s.UpdateRows)
	api.Delete("/:table", s.DeleteRows)

	app.Post("/storage/v1/object/upload/sign/:bucket/*", middleware.AuthRequired, s.SignUpload)

	app.Use(realtimePath, middleware.WebSocketAuthRequired, upgradeRequired)
	app.Get(realtimePath, s.RealtimeHandler())
}

// HealthCheck reports the database, Redis and storage dependencies. Redis
// and storage are optional, so only a failing ping degrades the gateway.
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := fiber.Map{
		"database": pingStatus(s.pingDB(ctx)),
		"redis":    "unavailable",
		"storage":  "unavailable",
	}
	degraded := checks["database"] != "healthy"
	if s.redis != nil {
		checks["redis"] = pingStatus(s.redis.Ping(ctx).Err())
		degraded = degraded || checks["redis"] != "healthy"
	}
	if s.storage != nil {
		checks["storage"] = "configured"
	}

	status, overall := fiber.StatusOK, "healthy"
	if degraded {
		status, overall = fiber.StatusServiceUnavailable, "degraded"
	}
	return c.Status(status).JSON(fiber.Map{
		"status":                 overall,
		"checks":                 checks,
		"realtime_subscriptions": s.hub.Count(),
		"time":                   time.Now().UTC(),
	})
}

func (s *Server) pingDB(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func pingStatus(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// errorHandler answers gateway errors with their kind's status and code,
// and everything else in the standard error shape.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		if gerr.Kind == gateway.Transient {
			middleware.Logger.ErrorContext(c.UserContext(), "gateway request failed", "error", err, "path", c.Path())
		}
		return c.Status(gateway.StatusForKind(gerr.Kind)).JSON(models.ErrorResponse{
			Error: gerr.Message,
			Code:  gerr.Code,
		})
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
	}

	middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", "error", err, "path", c.Path())
	return models.RespondWithError(c, err)
}

// Start listens on the configured port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", ":"+s.config.Port)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the gateway on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	if s.notifier != nil {
		if err := s.notifier.StartSubscriber(s.shutdownCtx, s.hub.Dispatch); err != nil {
			return fmt.Errorf("start realtime bridge: %w", err)
		}
	}

	middleware.Logger.Info("gateway listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownFn()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		middleware.Logger.Error("error shutting down http server", "error", err)
	}

	if err := s.hub.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error shutting down realtime hub", "error", err)
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", "error", cerr)
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", "error", rerr)
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
