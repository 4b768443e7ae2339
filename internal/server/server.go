package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pkazemian/personify/config"
	"github.com/pkazemian/personify/internal/aggregate"
	"github.com/pkazemian/personify/internal/archetype"
	"github.com/pkazemian/personify/internal/correlation"
	"github.com/pkazemian/personify/internal/evidence"
	"github.com/pkazemian/personify/internal/extract"
	"github.com/pkazemian/personify/internal/patterns"
	"github.com/pkazemian/personify/internal/pipeline"
	"github.com/pkazemian/personify/internal/store"
	"github.com/pkazemian/personify/internal/telemetry"
)

// newHTTPErrorHandler turns every handler error into a logged HTTPError
// envelope.
func newHTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
}

// Run boots the HTTP API: migrations, storage, the inference pipeline, and
// the background refresh scheduler.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = newHTTPErrorHandler(baseLogger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Initialize shared dependencies (top-level DI)
	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Enabled() {
		port := cfg.Storage.Redis.Port
		if port == "" {
			port = "6379"
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, port),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, port, err)
		}
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	resolver := correlation.NewResolver(cfg.Correlations.DocumentPath, nil)
	gen := evidence.NewGenerator(resolver, cfg.Scoring, nil)
	agg := aggregate.New(st, gen, archetype.NewRuleClassifier(), cfg.Scoring, nil)
	index, err := patterns.NewIndex()
	if err != nil {
		return fmt.Errorf("building pattern index: %w", err)
	}
	detector := patterns.NewDetector(st, resolver, cfg.Patterns, index, nil)
	extractor := extract.NewStoreExtractor(st, nil)
	orchLogger := log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	orch := pipeline.NewOrchestrator(cfg, orchLogger, tele, st, extractor, agg, nil, nil, rdb)

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, auth.Secret) })
	me.GET("", func(c echo.Context) error {
		return c.JSON(200, MeResponse{UserID: userID(c)})
	})

	ph := &PipelineHandler{Store: st, Orch: orch}
	ph.Register(api.Group("/pipeline"), auth.Secret)

	pers := &PersonalityHandler{Store: st, Detector: detector, Index: index}
	pers.Register(api.Group(""), auth.Secret)

	ch := &ConnectionsHandler{Store: st}
	ch.Register(api.Group("/connections"), auth.Secret)

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Store:    st,
			Orch:     orch,
			Detector: detector,
			Rdb:      rdb,
			Tick:     cfg.Scheduler.TickInterval,
			Stop:     make(chan struct{}),
		}
		sched.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10010"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
