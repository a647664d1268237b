package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Upload backends understood by UPLOAD_BACKEND.
const (
	BackendHTTP  = "http"
	BackendGRPC  = "grpc"
	BackendMinio = "minio"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr       string
	LogLevel       string
	AllowedOrigins []string

	APIBaseURL string
	APITimeout time.Duration

	JWTSecret   string
	JWTAudience string

	DatabaseDSN string
	RedisAddr   string

	ProfileCacheTTL    time.Duration
	SessionIdleTimeout time.Duration

	UploadBackend  string
	UploadGRPCAddr string
	Minio          MinioConfig

	Camera CameraConfig
	Image  ImageConfig
}

// MinioConfig configures the object-storage upload backend.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// CameraConfig carries the device index and the resolution hint.
type CameraConfig struct {
	Device int
	Width  int
	Height int
}

// ImageConfig bounds what the photo pipeline hands to the upload backend.
type ImageConfig struct {
	MaxUploadBytes int64
	MaxDimension   int
	MaxPixels      int64
	JPEGQuality    int
	// ObjectURLHosts are the hosts http(s) photo references may be fetched
	// from. Empty disables server-side fetching.
	ObjectURLHosts []string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:     getEnvAsList("ALLOWED_ORIGINS"),
		APIBaseURL:         strings.TrimRight(getEnv("API_BASE_URL", "http://api:3000/api"), "/"),
		APITimeout:         getEnvAsDuration("API_TIMEOUT", 30*time.Second),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:        os.Getenv("JWT_AUDIENCE"),
		DatabaseDSN:        getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=trips port=5432 sslmode=disable"),
		RedisAddr:          getEnv("REDIS_ADDR", "redis:6379"),
		ProfileCacheTTL:    getEnvAsDuration("PROFILE_CACHE_TTL", 5*time.Minute),
		SessionIdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute),
		UploadBackend:      strings.ToLower(getEnv("UPLOAD_BACKEND", BackendHTTP)),
		UploadGRPCAddr:     getEnv("UPLOAD_GRPC_ADDR", "photo-store:50051"),
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "minio:9000"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    getEnv("MINIO_BUCKET", "profile-photos"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		Camera: CameraConfig{
			Device: getEnvAsInt("CAMERA_DEVICE", 0),
			Width:  getEnvAsInt("CAMERA_WIDTH", 640),
			Height: getEnvAsInt("CAMERA_HEIGHT", 480),
		},
		Image: ImageConfig{
			MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 10<<20)),
			MaxDimension:   getEnvAsInt("MAX_DIMENSION", 2048),
			MaxPixels:      int64(getEnvAsInt("MAX_PIXELS", 40_000_000)),
			JPEGQuality:    getEnvAsInt("JPEG_QUALITY", 90),
			ObjectURLHosts: getEnvAsList("OBJECT_URL_HOSTS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.UploadBackend {
	case BackendHTTP, BackendGRPC, BackendMinio:
	default:
		return fmt.Errorf("unknown upload backend %q", c.UploadBackend)
	}
	if c.Image.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	if c.Image.MaxDimension < 0 {
		return errors.New("MAX_DIMENSION must not be negative")
	}
	if c.Image.MaxPixels <= 0 {
		return errors.New("MAX_PIXELS must be positive")
	}
	if c.Image.JPEGQuality < 1 || c.Image.JPEGQuality > 100 {
		return errors.New("JPEG_QUALITY must be within 1..100")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return errors.New("camera resolution must be positive")
	}
	if c.UploadBackend == BackendMinio && c.Minio.Bucket == "" {
		return errors.New("MINIO_BUCKET is required for the minio backend")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
