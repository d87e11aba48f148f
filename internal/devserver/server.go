// Package devserver is a reference implementation of the persistence
// service and the generation stream, backed by gorm. It replays canned
// scripts instead of generating anything, so the client can be exercised
// end to end without the real backend.
package devserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultPollInterval is how often a queued stream re-checks the quota.
const DefaultPollInterval = 250 * time.Millisecond

// Options configure the HTTP handler.
type Options struct {
	DB           *gorm.DB
	Script       *Script       // defaults to DefaultScript()
	LeaseTTL     time.Duration // defaults to DefaultLeaseTTL
	PollInterval time.Duration // defaults to DefaultPollInterval
	Logger       *zap.Logger
}

// StartOpts holds configuration for a standalone server.
type StartOpts struct {
	Options
	Port         int
	ReapSchedule string
	Out          io.Writer
}

type server struct {
	db       *gorm.DB
	script   *Script
	ttl      time.Duration
	poll     time.Duration
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the router: the persistence API under /api and the
// generation stream at /generate-stream.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("devserver: db is required")
	}
	s := &server{
		db:     opts.DB,
		script: opts.Script,
		ttl:    opts.LeaseTTL,
		poll:   opts.PollInterval,
		log:    opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.script == nil {
		s.script = DefaultScript()
	}
	if s.ttl <= 0 {
		s.ttl = DefaultLeaseTTL
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	return router, nil
}

// Start launches the server and the lease reaper. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	handler, err := NewHandler(opts.Options)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8005
	}

	reaper, err := StartReaper(opts.DB, opts.LeaseTTL, opts.ReapSchedule, opts.Logger)
	if err != nil {
		return err
	}
	defer reaper.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: handler,
		// Streams watch the request context, so shutdown reaches them too.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Persistence API at http://localhost:%d/api\n", opts.Port)
		fmt.Fprintf(opts.Out, "Generation stream at ws://localhost:%d/generate-stream\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("devserver: %w", err)
	}
	return nil
}
