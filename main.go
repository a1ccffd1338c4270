package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-contour/internal/auth"
	"github.com/example/face-contour/internal/channel"
	"github.com/example/face-contour/internal/config"
	"github.com/example/face-contour/internal/detector"
	"github.com/example/face-contour/internal/detector/pigodetector"
	"github.com/example/face-contour/internal/grpcclient"
	"github.com/example/face-contour/internal/handlers"
	"github.com/example/face-contour/internal/logging"
	"github.com/example/face-contour/internal/metrics"
	"github.com/example/face-contour/internal/normalizer"
	"github.com/example/face-contour/internal/repository"
	"github.com/example/face-contour/internal/usecase"
)

const redisKeyPrefix = "facecontour:"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.Database, logger)
	repo := repository.NewDetectionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Redis, logger)

	uploads, err := newUploadFs(cfg.HTTP.UploadDir)
	if err != nil {
		logger.Fatal("failed to prepare upload directory", zap.String("dir", cfg.HTTP.UploadDir), zap.Error(err))
	}

	faceDetector, closeDetector, err := initDetector(ctx, cfg.Detector, afero.NewOsFs(), logger)
	if err != nil {
		logger.Fatal("failed to initialise face detector", zap.String("backend", cfg.Detector.Backend), zap.Error(err))
	}
	defer closeDetector()

	recorder := metrics.NewRecorder()
	norm := normalizer.New(
		normalizer.WithFs(uploads),
		normalizer.WithLogger(logger),
		normalizer.WithMaxFileSize(cfg.Normalizer.MaxFileSize),
	)
	cache := usecase.NewRedisCache(redisClient, redisKeyPrefix)
	uc := usecase.NewDetectionUseCase(repo, cache, norm, faceDetector, logger,
		usecase.WithMetrics(recorder, cfg.Detector.Backend),
		usecase.WithResultTTL(cfg.Redis.ResultTTL),
	)

	dispatcher := channel.NewDispatcher(logger)
	channel.RegisterFaceDetector(dispatcher, uc, auth.GetClientID)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadSize

	handlers.RegisterRoutes(r, handlers.Config{
		Service:       uc,
		Dispatcher:    dispatcher,
		Auth:          auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
		Metrics:       recorder.Handler(),
		MaxUploadSize: cfg.HTTP.MaxUploadSize,
		UploadFs:      uploads,
		UploadDir:     "/",
		Logger:        logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: r,
	}

	logger.Info("face contour API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("detector_backend", cfg.Detector.Backend))
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// newUploadFs roots file access at dir. Channel callers name files by path,
// so the normalizer and the upload spool never see anything outside it.
func newUploadFs(dir string) (afero.Fs, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return afero.NewBasePathFs(osFs, dir), nil
}

// initDetector builds the configured backend. The returned func releases it.
func initDetector(ctx context.Context, cfg config.DetectorConfig, fs afero.Fs, logger *zap.Logger) (detector.Detector, func(), error) {
	switch cfg.Backend {
	case config.BackendPigo:
		d, err := pigodetector.Load(fs, cfg.CascadePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	case config.BackendGRPC:
		d, conn, err := grpcclient.DialFaceDetector(ctx, cfg.Addr, cfg.DialTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {
			if err := conn.Close(); err != nil {
				logger.Warn("failed to close detector connection", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
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
