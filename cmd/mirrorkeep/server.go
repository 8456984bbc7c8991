package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorkeep/mirrorkeep/pkg/config"
	"github.com/mirrorkeep/mirrorkeep/pkg/cron"
	"github.com/mirrorkeep/mirrorkeep/pkg/db"
	"github.com/mirrorkeep/mirrorkeep/pkg/gitea"
	"github.com/mirrorkeep/mirrorkeep/pkg/jobs"
	"github.com/mirrorkeep/mirrorkeep/pkg/stats"
	"github.com/mirrorkeep/mirrorkeep/pkg/sync"
	"github.com/mirrorkeep/mirrorkeep/pkg/web"
)

// Server is the MirrorKeep server.
type Server struct {
	HTTPServer  *web.HTTPServer
	StatsServer *stats.StatsServer
	Cron        *cron.Scheduler
	Scheduler   *sync.Scheduler
	Config      *config.Config
	DB          *db.DB

	logger *log.Logger
	ctx    context.Context
}

// NewServer returns a new *Server configured to serve MirrorKeep. It
// expects a context with *db.DB, store.Store, *log.Logger, and
// *config.Config attached.
func NewServer(ctx context.Context) (*Server, error) {
	var err error
	cfg := config.FromContext(ctx)
	logger := log.FromContext(ctx).WithPrefix("server")

	// Validate the downstream token before anything runs.
	client := gitea.NewClient(cfg.Downstream.URL, cfg.Downstream.Token)
	username, err := client.WhoAmI(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate downstream token: %w", err)
	}
	if cfg.Downstream.User == "" {
		cfg.Downstream.User = username
	}
	logger.Info("downstream token validated", "user", username)

	ctx = gitea.WithContext(ctx, client)

	engine := sync.NewEngine(ctx, client)
	sched := sync.NewScheduler(ctx, engine)
	ctx = sync.WithContext(ctx, sched)

	srv := &Server{
		Config:    cfg,
		DB:        db.FromContext(ctx),
		Scheduler: sched,
		logger:    logger,
		ctx:       ctx,
	}

	// Add cron jobs.
	cronSched := cron.NewScheduler(ctx)
	for n, j := range jobs.List() {
		id, err := cronSched.AddFunc(j.Runner.Spec(ctx), j.Runner.Func(ctx))
		if err != nil {
			logger.Warn("error adding cron job", "job", n, "err", err)
		}

		j.ID = id
	}

	srv.Cron = cronSched

	srv.HTTPServer, err = web.NewHTTPServer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create http server: %w", err)
	}

	srv.StatsServer, err = stats.NewStatsServer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create stats server: %w", err)
	}

	return srv, nil
}

// Start starts the server.
func (s *Server) Start() error {
	errg, ctx := errgroup.WithContext(s.ctx)

	errg.Go(func() error {
		s.logger.Print("Starting HTTP server", "addr", s.Config.HTTP.ListenAddr)
		if err := s.HTTPServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.Config.Stats.Enabled {
		errg.Go(func() error {
			s.logger.Print("Starting Stats server", "addr", s.Config.Stats.ListenAddr)
			if err := s.StatsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	errg.Go(func() error {
		s.Scheduler.Start(ctx)
		s.Cron.Start()
		return nil
	})

	return errg.Wait()
}

// Shutdown lets the server gracefully shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	errg, ctx := errgroup.WithContext(ctx)
	s.Cron.Shutdown()
	errg.Go(func() error {
		return s.Scheduler.Shutdown(ctx)
	})
	errg.Go(func() error {
		return s.HTTPServer.Shutdown(ctx)
	})
	if s.Config.Stats.Enabled {
		errg.Go(func() error {
			return s.StatsServer.Shutdown(ctx)
		})
	}
	return errg.Wait()
}

// Close closes the server.
func (s *Server) Close() error {
	errg, _ := errgroup.WithContext(s.ctx)
	errg.Go(s.HTTPServer.Close)
	errg.Go(s.StatsServer.Close)
	return errg.Wait()
}
