package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabtext/collabd/internal/env"
	"github.com/collabtext/collabd/internal/http/handler"
	"github.com/collabtext/collabd/internal/http/middleware"
	"github.com/collabtext/collabd/internal/redis"
	"github.com/collabtext/collabd/internal/replica"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Custom Gin middleware that logs using Zap
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func main() {
	// Create Zap logger
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	cfg, err := env.Load()
	if err != nil {
		log.Fatal("configuration", zap.Error(err))
	}
	log.Info("starting",
		zap.Uint64("site_id", cfg.SiteID),
		zap.Uint64("ssn", cfg.SSN),
		zap.String("addr", cfg.Addr))

	rdb := redis.NewClient(cfg.RedisAddr, cfg.RedisDB, log)
	defer rdb.Close()

	oplog := redis.NewOpLogRepository(rdb, log)
	snaps := redis.NewSnapshotRepository(rdb, log)
	docs := redis.NewDocumentRepository(rdb, log)
	bcast := redis.NewBroadcaster(rdb, cfg.TopicPrefix, log)

	mgr := replica.NewManager(cfg.SiteID, cfg.SSN, oplog, snaps, bcast, replica.Options{}, log)

	// Bring every registered document online before accepting traffic.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	ids, err := docs.List(bootCtx)
	if err != nil {
		log.Fatal("list documents", zap.Error(err))
	}
	for _, id := range ids {
		if err := mgr.GetOrCreate(id).Bootstrap(bootCtx); err != nil {
			// Any bootstrap failure (SnapshotCorruption, a duplicate
			// sid, or an unreachable store) stops the process.
			log.Fatal("bootstrap", zap.String("doc_id", id), zap.Error(err))
		}
	}
	bootCancel()

	gin.SetMode(gin.ReleaseMode)

	// Create Gin router
	r := gin.New()

	// Trust reverse proxy
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	// Apply middlewares
	r.Use(gin.Recovery()) // Recovery first (outermost)

	// CORS (dev only)
	if cfg.Dev {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Location", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour, // cache preflight
		}))
	}

	r.Use(secure.New(secure.Config{
		ContentTypeNosniff: true,
		FrameDeny:          true,
	}))
	r.Use(middleware.RequestID())
	r.Use(middleware.BodyCap(1 << 20)) // 1 MiB
	r.Use(ZapLogger(log))              // Observability after that (logger, tracing)

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	handler.NewDocumentHandler(log, docs, mgr).Register(r)

	httpserver := &http.Server{
		Addr:    cfg.Addr,
		Handler: r, // <- gin.Engine satisfies http.Handler

		// Configure timeouts (by default: it’s all basically “infinite timeouts”)
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,

		// Header size constraint
		MaxHeaderBytes: 1 << 15, // 32 KB

		// Attach zap's logger
		ErrorLog: zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("running HTTP server", zap.String("addr", cfg.Addr))
		if err := httpserver.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := bcast.Subscribe(gctx, mgr.HandleRemote)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := mgr.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if cfg.SnapshotOnShutdown {
			mgr.SnapshotAll(shutdownCtx)
		}
		return httpserver.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
