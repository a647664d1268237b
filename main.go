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
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/trip-profile/internal/api"
	"github.com/example/trip-profile/internal/auth"
	"github.com/example/trip-profile/internal/camera"
	"github.com/example/trip-profile/internal/config"
	"github.com/example/trip-profile/internal/handlers"
	"github.com/example/trip-profile/internal/logging"
	"github.com/example/trip-profile/internal/photo"
	"github.com/example/trip-profile/internal/repository"
	"github.com/example/trip-profile/internal/session"
	"github.com/example/trip-profile/internal/upload"
	"github.com/example/trip-profile/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewUploadRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	apiClient := api.NewClient(cfg.APIBaseURL, cfg.APITimeout, nil, logger)
	profiles := usecase.NewProfileUseCase(apiClient, usecase.NewRedisCache(redisClient), cfg.ProfileCacheTTL, logger)

	uploaders, closeUploaders := initUploaders(ctx, cfg, apiClient, logger)
	defer closeUploaders()

	sessions := session.NewManager(session.Options{
		Camera:    camera.NewExclusive(camera.New(cfg.Camera.Device, logger), logger),
		Uploaders: uploaders,
		Audit:     repo,
		Profiles:  profiles,
		Constraints: photo.Constraints{
			Facing: photo.FacingUser,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
		},
		Limits: photo.Limits{
			MaxBytes:     cfg.Image.MaxUploadBytes,
			MaxDimension: cfg.Image.MaxDimension,
			MaxPixels:    cfg.Image.MaxPixels,
			JPEGQuality:  cfg.Image.JPEGQuality,
		},
		ObjectHosts: cfg.Image.ObjectURLHosts,
		IdleTimeout: cfg.SessionIdleTimeout,
		Logger:      logger,
	})
	runCtx, stopSessions := context.WithCancel(context.Background())
	sessionsDone := make(chan struct{})
	go func() {
		sessions.Run(runCtx)
		close(sessionsDone)
	}()

	r := gin.Default()
	r.MaxMultipartMemory = cfg.Image.MaxUploadBytes

	handlers.RegisterRoutes(r, handlers.Dependencies{
		API:            apiClient,
		Profiles:       profiles,
		Uploads:        repo,
		Sessions:       sessions,
		MaxUploadBytes: cfg.Image.MaxUploadBytes,
		JPEGQuality:    cfg.Image.JPEGQuality,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("trip-profile listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("upload_backend", cfg.UploadBackend),
	)
	serveErr := serveHTTPServer(server, 15*time.Second, logger)
	stopSessions()
	<-sessionsDone
	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

// initUploaders picks the photo upload backend. The returned func releases
// whatever connection the backend holds.
func initUploaders(ctx context.Context, cfg *config.Config, apiClient *api.Client, logger *zap.Logger) (session.UploaderFactory, func()) {
	switch cfg.UploadBackend {
	case config.BackendGRPC:
		uploader, conn, err := upload.DialPhotoStore(ctx, cfg.UploadGRPCAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to photo store", zap.Error(err))
		}
		return func(userID, _ string) photo.Uploader {
			return uploader.ForUser(userID)
		}, func() { _ = conn.Close() }
	case config.BackendMinio:
		client, err := upload.NewMinioClient(ctx, cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err != nil {
			logger.Fatal("failed to connect to object storage", zap.Error(err))
		}
		uploader := upload.NewMinioUploader(client, cfg.Minio.Bucket, logger)
		return func(userID, _ string) photo.Uploader {
			return uploader.ForUser(userID)
		}, func() {}
	default:
		return func(_, token string) photo.Uploader {
			return apiClient.PhotoUploader(token)
		}, func() {}
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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
