package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"taskdeck/api"
	"taskdeck/executor"
	"taskdeck/storage"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	tp := newTracerProvider(cfg.TraceSampleRatio)
	installTracing(tp)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	var store api.Storage
	if cfg.StorageConn != "" {
		s, err := storage.New(cfg.StorageConn, cfg.TasksTable, cfg.ExecutionsQueue)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = s
		log.WithFields(log.Fields{"table": cfg.TasksTable, "queue": cfg.ExecutionsQueue}).Info("using table storage")
	} else {
		store = storage.NewMemory()
		log.Warn("no storage configured, tasks are kept in memory")
	}

	var deduper api.Deduper
	if cfg.RedisConn != "" {
		opts, err := redisOptions(cfg.RedisConn)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		if cfg.CacheTTL > 0 {
			store = storage.NewCache(store, rc, cfg.CacheTTL)
		}
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	var limiter api.Limiter
	if cfg.ExecRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ExecRate), cfg.ExecBurst)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))

	api.Register(e, api.Deps{
		Store:   store,
		Auth:    auth,
		Deduper: deduper,
		Exec:    executor.NewShell(cfg.ExecTimeout, logger),
		Limiter: limiter,
		Log:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("taskd listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func newAuthenticator(cfg config) (api.Authenticator, error) {
	switch cfg.AuthMode {
	case authHS256:
		return api.NewSharedSecretAuth([]byte(cfg.SharedSecret), cfg.Audience, cfg.Issuer), nil
	case authJWKS:
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			return nil, err
		}
		return api.NewJWKSAuth(jwks, cfg.Audience, cfg.Issuer, api.DefaultJWKSCacheTTL), nil
	default:
		log.Warn("auth disabled, all requests share one user")
		return api.Anonymous{}, nil
	}
}
