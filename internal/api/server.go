// Package api exposes instances, conversations, and live events over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/broadcast"
	"github.com/zulandar/switchboard/internal/models"
)

// Orchestrator is the subset of the session orchestrator the API drives.
type Orchestrator interface {
	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Send(ctx context.Context, instanceID, contactID, body string) (*models.Message, error)
	ListActive() []string
	IsActive(instanceID string) bool
}

// Store is the read side plus instance creation.
type Store interface {
	CreateInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListInstances(ctx context.Context, statuses ...models.InstanceStatus) ([]models.Instance, error)
	ListContacts(ctx context.Context, instanceID string) ([]models.Contact, error)
	ListMessages(ctx context.Context, instanceID, contactID string, limit, offset int) ([]models.Message, error)
}

// Subscriber streams broadcast envelopes; *broadcast.Hub satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...broadcast.Topic) (<-chan broadcast.Envelope, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Orchestrator Orchestrator
	Store        Store
	Events       Subscriber
	// Platforms restricts the platform accepted on instance creation.
	// Empty accepts any.
	Platforms []string
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken      string
	AllowedOrigins []string
	Port           int
	Logger         *zerolog.Logger
	Out            io.Writer
}

// Server is the HTTP surface.
type Server struct {
	orch      Orchestrator
	store     Store
	events    Subscriber
	platforms map[string]bool
	token     string
	origins   []string
	port      int
	log       zerolog.Logger
	out       io.Writer
	router    *gin.Engine
}

// New validates opts and builds the router.
func New(opts Opts) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("api: orchestrator is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("api: events subscriber is required")
	}
	if opts.Port <= 0 {
		opts.Port = 3001
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	s := &Server{
		orch:    opts.Orchestrator,
		store:   opts.Store,
		events:  opts.Events,
		token:   opts.AuthToken,
		origins: opts.AllowedOrigins,
		port:    opts.Port,
		log:     log.With().Str("component", "api").Logger(),
		out:     opts.Out,
	}
	if len(opts.Platforms) > 0 {
		s.platforms = make(map[string]bool, len(opts.Platforms))
		for _, p := range opts.Platforms {
			s.platforms[p] = true
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the gin engine, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "API listening on http://localhost:%d\n", s.port)
	}
	s.log.Info().Int("port", s.port).Msg("listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
