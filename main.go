package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/karfong/frontend-plastic-detection/internal/auth"
	"github.com/karfong/frontend-plastic-detection/internal/config"
	"github.com/karfong/frontend-plastic-detection/internal/detectclient"
	"github.com/karfong/frontend-plastic-detection/internal/handlers"
	"github.com/karfong/frontend-plastic-detection/internal/logging"
	"github.com/karfong/frontend-plastic-detection/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detection := detectclient.New(cfg.DetectionServiceURL, cfg.DetectionTimeout, logger)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := detection.Ping(pingCtx); err != nil {
		logger.Warn("detection service not reachable yet", zap.String("url", cfg.DetectionServiceURL), zap.Error(err))
	}
	pingCancel()

	previews, closePreviews := initPreviewStore(ctx, cfg, logger)
	defer closePreviews()

	registry := usecase.NewSessionRegistry(detection, previews, cfg.SessionIdleTimeout, logger)
	go registry.Run(ctx, evictionInterval(cfg.SessionIdleTimeout))
	defer registry.Close(context.Background())

	sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionIdleTimeout)
	if err != nil {
		logger.Fatal("invalid session configuration", zap.Error(err))
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, registry, sessions.Middleware(), logger)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("plastic detection front end listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("detection_service", cfg.DetectionServiceURL),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initPreviewStore picks Redis when REDIS_ADDR is set and process memory
// otherwise.
func initPreviewStore(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) (usecase.PreviewStore, func()) {
	if cfg.RedisAddr == "" {
		zapLogger.Info("holding previews in memory")
		return usecase.NewMemoryPreviewStore(), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	zapLogger.Info("holding previews in redis", zap.String("addr", cfg.RedisAddr))
	return usecase.NewRedisPreviewStore(client, cfg.PreviewTTL, zapLogger), func() {
		if err := client.Close(); err != nil {
			zapLogger.Warn("closing redis client", zap.Error(err))
		}
	}
}

func evictionInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
