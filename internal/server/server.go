// Package server exposes the sync engine over a small local HTTP API.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"learnora/internal/api"
	"learnora/internal/featureflags"
	"learnora/internal/feed"
	"learnora/internal/media"
	"learnora/internal/observability"
	"learnora/internal/scheduler"
	"learnora/internal/service"
)

// DefaultBodyLimit caps multipart uploads accepted by the local API.
const DefaultBodyLimit = 32 << 20

var (
	promOnce       sync.Once
	promMiddleware *fiberprometheus.FiberPrometheus
)

// metricsMiddleware returns the process-wide HTTP metrics collector. Collectors
// register on the default registry, so it is created once.
func metricsMiddleware() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		promMiddleware = fiberprometheus.New("learnora-feedsync")
	})
	return promMiddleware
}

// Deps are the runtime components the handlers drive.
type Deps struct {
	Service   *service.FeedService
	View      *feed.View
	Resolver  *media.Resolver
	Scheduler *scheduler.Scheduler
	Flags     *featureflags.Manager
	BodyLimit int
}

// Server holds all dependencies and provides handlers
type Server struct {
	service   *service.FeedService
	view      *feed.View
	resolver  *media.Resolver
	scheduler *scheduler.Scheduler
	flags     *featureflags.Manager
	log       *observability.Logger

	bodyLimit int
	appOnce   sync.Once
	app       *fiber.App
}

// New creates a server instance with all dependencies.
func New(d Deps) *Server {
	if d.BodyLimit <= 0 {
		d.BodyLimit = DefaultBodyLimit
	}
	return &Server{
		service:   d.Service,
		view:      d.View,
		resolver:  d.Resolver,
		scheduler: d.Scheduler,
		flags:     d.Flags,
		log:       observability.For("http"),
		bodyLimit: d.BodyLimit,
	}
}

// App returns the fiber app with middleware and routes installed.
func (s *Server) App() *fiber.App {
	s.appOnce.Do(func() {
		app := fiber.New(fiber.Config{
			AppName:               "learnora-feedsync",
			BodyLimit:             s.bodyLimit,
			DisableStartupMessage: true,
			ReadTimeout:           30 * time.Second,
		})
		s.SetupMiddleware(app)
		s.SetupRoutes(app)
		s.app = app
	})
	return s.app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID, reused as the correlation id of backend calls
	app.Use(requestid.New(requestid.Config{Header: api.RequestIDHeader}))
	app.Use(TracingMiddleware())
	app.Use(ContextMiddleware())

	app.Use(metricsMiddleware().Middleware)
	app.Use(helmet.New())
	app.Use(StructuredLogger(s.log))
}

// SetupRoutes registers the local API.
func (s *Server) SetupRoutes(app *fiber.App) {
	metricsMiddleware().RegisterAt(app, "/metrics")

	app.Get("/health", s.Health)
	app.Get("/feed", s.GetFeed)
	app.Post("/refresh", s.Refresh)

	posts := app.Group("/posts")
	posts.Post("/", s.CreatePost)
	posts.Put("/:id", s.UpdatePost)
	posts.Delete("/:id", s.DeletePost)
	posts.Post("/:id/reactions", s.ReactionChanged)
	posts.Post("/:id/comments/open", s.OpenComments)
	posts.Post("/:id/comments/close", s.CloseComments)

	app.Get("/blobs/:handle", s.GetBlob)
}

// Listen serves the API until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("local API listening", "addr", addr)
	return s.App().Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.App().ShutdownWithContext(ctx)
}
