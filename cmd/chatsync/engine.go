package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vedran77/chatsync/internal/auth"
	"github.com/vedran77/chatsync/internal/config"
	"github.com/vedran77/chatsync/internal/metrics"
	"github.com/vedran77/chatsync/internal/repository/rest"
	"github.com/vedran77/chatsync/internal/service"
	"github.com/vedran77/chatsync/internal/transport/ws"
)

// engine is the wired client: session, REST client and sync loop.
type engine struct {
	cfg      *config.Config
	logger   zerolog.Logger
	identity auth.Identity
	session  *ws.Session
	sync     *service.SyncService
	registry *prometheus.Registry
}

func newEngine(c *cli.Context) (*engine, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if token := c.String("token"); token != "" {
		cfg.Auth.Token = token
	}

	logger := newLogger(cfg.Log.Level, c.Bool("verbose"))

	identity, err := auth.ParseIdentity(cfg.Auth.Token)
	if err != nil {
		return nil, fmt.Errorf("invalid credential: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	session := ws.NewSession(ws.Options{
		URL:       cfg.WS.URL,
		Reconnect: cfg.Reconnect.Enabled,
		Backoff:   cfg.Reconnect.Config,
		Logger:    logger,
		Metrics:   m,
	})
	client := rest.NewClient(cfg.API.BaseURL, cfg.Auth.Token,
		rest.WithTimeout(cfg.HTTP.Timeout),
		rest.WithLogger(logger),
	)

	svc := service.NewSyncService(session, client, client, identity.UserID, service.Options{
		FetchTimeout:   cfg.History.FetchTimeout,
		ConfirmTimeout: cfg.Send.ConfirmTimeout,
		MaxUploadSize:  cfg.Upload.MaxSize,
		RefreshRate:    cfg.Refresh.Rate,
		RefreshBurst:   cfg.Refresh.Burst,
		Logger:         logger,
		Metrics:        m,
	})

	return &engine{
		cfg:      cfg,
		logger:   logger,
		identity: identity,
		session:  session,
		sync:     svc,
		registry: reg,
	}, nil
}

func newLogger(level string, verbose bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// run connects, loads the directory and hands the engine to fn. The sync
// loop and the optional metrics server stop when fn returns or on SIGINT.
func run(c *cli.Context, fn func(ctx context.Context, e *engine) error) error {
	e, err := newEngine(c)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.sync.Run(ctx)
	})

	if addr := e.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			e.logger.Info().Str("addr", addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		defer e.sync.Close()
		defer e.session.Close()

		if err := e.session.Open(ctx, e.cfg.Auth.Token); err != nil {
			return err
		}
		if err := e.sync.Refresh(ctx); err != nil {
			return err
		}
		return fn(ctx, e)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
