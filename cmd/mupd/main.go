package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/HsiangNianian/mup/internal/component"
	"github.com/HsiangNianian/mup/internal/config"
	"github.com/HsiangNianian/mup/internal/observability"
	"github.com/HsiangNianian/mup/internal/protocol"
	"github.com/HsiangNianian/mup/internal/queue"
	"github.com/HsiangNianian/mup/internal/router"
	"github.com/HsiangNianian/mup/internal/session"
	"github.com/HsiangNianian/mup/internal/store"
	"github.com/HsiangNianian/mup/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("MUP_CONFIG"), "config file (.json, .jsonc, .hujson, .yaml, .yml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mupd: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger("mupd", cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("mupd failed")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, msglog, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("close store failed")
		}
	}()
	logger.Info().Str("driver", cfg.Store.Driver).Msg("store ready")

	registry := component.NewBuiltinRegistry()
	for _, def := range cfg.Components {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("register component type %q: %w", def.Name, err)
		}
	}

	sessions := session.NewManager(sessionConfig(cfg.Session, registry), sessionOptions(cfg.Session, logger, metrics, st, registry)...)

	pages, err := loadViews(cfg.Server.ViewsDir)
	if err != nil {
		return err
	}
	logger.Info().Strs("intents", pages.intents()).Msg("views loaded")

	r := router.New(router.WithLogger(logger), router.WithMetrics(metrics))
	r.Use(router.Logger(logger), router.CORS(router.CORSOptions{AllowOrigins: cfg.Server.AllowedOrigins}))
	if cfg.Server.RateLimit > 0 {
		r.Use(router.RateLimit(cfg.Server.RateWindow.Std(), cfg.Server.RateLimit))
	}
	if err := r.Handle("/views/:intent", pages.handle); err != nil {
		return err
	}

	hub := ws.NewHub(ws.Config{
		MalformedLimit: cfg.Server.MalformedLimit,
		ReadLimit:      cfg.Server.ReadLimit,
		AdmissionRate:  cfg.Server.AdmissionRate,
		AdmissionBurst: cfg.Server.AdmissionBurst,
		DedupeTTL:      cfg.Store.DedupeTTL.Std(),
		WriteTimeout:   cfg.Server.WriteTimeout.Std(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Queue: queue.Config{
			MaxSize:        cfg.Queue.MaxSize,
			MaxRetries:     cfg.Queue.MaxRetries,
			BaseDelay:      cfg.Queue.BaseDelay.Std(),
			MaxDelay:       cfg.Queue.MaxDelay.Std(),
			ProcessTimeout: cfg.Queue.ProcessTimeout.Std(),
		},
	}, sessions,
		ws.WithRouter(r),
		ws.WithGenerator(pages),
		ws.WithMessageLog(msglog),
		ws.WithLogger(logger.With().Str("component", "hub").Logger()),
		ws.WithMetrics(metrics))
	hub.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, hub)
	mux.HandleFunc(cfg.Server.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"version":  protocol.Version,
			"sessions": sessions.Count(),
			"queued":   hub.Queue().Len(),
		})
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Str("path", cfg.Server.Path).Msg("mupd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		hub.Stop(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	hub.Stop(shutdownCtx)
	return nil
}

func sessionConfig(cfg config.SessionConfig, registry *component.Registry) session.Config {
	caps := cfg.Capabilities
	if len(caps) == 0 {
		caps = append([]string(nil), protocol.DefaultCapabilities...)
		caps = append(caps, protocol.ComponentCapabilities(registry.Names())...)
	}
	return session.Config{
		TTL:                cfg.TTL.Std(),
		SweepInterval:      cfg.SweepInterval.Std(),
		PersistInterval:    cfg.PersistInterval.Std(),
		RequireAuth:        cfg.RequireAuth,
		MaxDepth:           cfg.MaxDepth,
		ServerCapabilities: caps,
	}
}

func sessionOptions(cfg config.SessionConfig, logger zerolog.Logger, metrics *observability.Metrics, st store.Store, registry *component.Registry) []session.Option {
	opts := []session.Option{
		session.WithLogger(logger.With().Str("component", "session").Logger()),
		session.WithMetrics(metrics),
		session.WithStore(st),
		session.WithRegistry(registry),
	}
	var auths []session.Authenticator
	if cfg.AuthToken != "" {
		auths = append(auths, session.TokenAuthenticator{Token: cfg.AuthToken})
	}
	if cfg.JWTSecret != "" {
		auths = append(auths, session.JWTAuthenticator{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   30 * time.Second,
		})
	}
	switch len(auths) {
	case 0:
	case 1:
		opts = append(opts, session.WithAuthenticator(auths[0]))
	default:
		opts = append(opts, session.WithAuthenticator(session.FirstOf(auths...)))
	}
	return opts
}

// openStore returns the session store and message log for the configured
// driver, plus a func releasing its connections.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, store.MessageLog, func() error, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		rs := store.NewRedisStore(cfg.RedisAddr)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return rs, rs, rs.Close, nil
	case config.DriverSQLite, config.DriverPostgres:
		dialect := store.DialectSQLite
		if cfg.Driver == config.DriverPostgres {
			dialect = store.DialectPostgres
		}
		db, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
		}
		if dialect == store.DialectSQLite {
			db.SetMaxOpenConns(1)
		}
		ss, err := store.NewSQLStore(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return ss, ss, db.Close, nil
	default:
		ms := store.NewMemoryStore()
		return ms, ms, func() error { return nil }, nil
	}
}
