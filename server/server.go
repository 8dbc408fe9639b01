package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hupe1980/agentpipe/engine"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/metrics"
)

// Options configure a Server.
type Options struct {
	Logger logging.Logger
	// Metrics enables the /metrics route.
	Metrics *metrics.Metrics
	// RetainRuns bounds how many finished run handles stay queryable.
	RetainRuns int
	// PingInterval is the WebSocket keepalive period.
	PingInterval time.Duration
	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
	// RequestLog enables echo's request logging middleware.
	RequestLog bool
}

// DefaultOptions are applied before the caller's option functions.
var DefaultOptions = Options{
	RetainRuns:   256,
	PingInterval: 30 * time.Second,
	WriteTimeout: 10 * time.Second,
}

// Server serves the run API for one Engine.
type Server struct {
	echo     *echo.Echo
	engine   *engine.Engine
	opts     Options
	upgrader websocket.Upgrader

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu    sync.RWMutex
	runs  map[string]*engine.Run
	order []string
}

// New creates a Server for eng and registers its routes.
func New(eng *engine.Engine, optFns ...func(o *Options)) *Server {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.RetainRuns <= 0 {
		opts.RetainRuns = DefaultOptions.RetainRuns
	}

	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultOptions.PingInterval
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions.WriteTimeout
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if opts.RequestLog {
		e.Use(middleware.Logger())
	}

	e.Use(middleware.Recover())

	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		echo:   e,
		engine: eng,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]*engine.Run),
	}

	s.RegisterRoutes(e)

	return s
}

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", s.CreateRun)
	e.GET("/v1/runs/:run_id", s.GetRun)
	e.DELETE("/v1/runs/:run_id", s.CancelRun)
	e.GET("/v1/runs/:run_id/events", s.StreamEvents)
	e.POST("/v1/definitions/validate", s.ValidateDefinition)
	e.GET("/health", s.Health)

	if s.opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.opts.Metrics.Handler()))
	}
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr. It blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.opts.Logger.Info("server listening", "addr", addr)

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting requests, cancels every run started through the
// server and waits for them to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()

	httpErr := s.echo.Shutdown(ctx)
	runErr := s.engine.Shutdown(ctx)

	return errors.Join(httpErr, runErr)
}

// track remembers run and evicts the oldest finished handles beyond the
// retention bound. Active runs are never evicted.
func (s *Server) track(run *engine.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID()] = run
	s.order = append(s.order, run.ID())

	if len(s.order) <= s.opts.RetainRuns {
		return
	}

	kept := s.order[:0]
	excess := len(s.order) - s.opts.RetainRuns

	for _, id := range s.order {
		if excess > 0 && s.runs[id].Finished() {
			delete(s.runs, id)
			excess--

			continue
		}

		kept = append(kept, id)
	}

	s.order = kept
}

func (s *Server) run(id string) (*engine.Run, bool) {
	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()

	if ok {
		return run, true
	}

	// finished runs are governed by RetainRuns, not the engine's own retention
	if run, ok := s.engine.Lookup(id); ok && !run.Finished() {
		return run, true
	}

	return nil, false
}
