package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/trip-profile/internal/logging"
)

// PhotoUpload is one upload attempt made from a photo session.
type PhotoUpload struct {
	ID         uint      `gorm:"primaryKey"`
	SessionID  string    `gorm:"column:session_id;index;size:64"`
	UserID     string    `gorm:"column:user_id;index;size:64"`
	Source     string    `gorm:"column:source;size:16"`
	Filename   string    `gorm:"column:filename;size:128"`
	MIME       string    `gorm:"column:mime;size:64"`
	Bytes      int       `gorm:"column:bytes"`
	Width      int       `gorm:"column:width"`
	Height     int       `gorm:"column:height"`
	Success    bool      `gorm:"column:success"`
	Error      string    `gorm:"column:error;type:text"`
	DurationMs int64     `gorm:"column:duration_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (PhotoUpload) TableName() string {
	return "photo_uploads"
}

// UploadAggregation is the raw roll-up over photo_uploads.
type UploadAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	AverageBytes      float64
	AverageDurationMs float64
}

// UploadRepository persists the upload audit log.
type UploadRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewUploadRepository(db *gorm.DB, logger *zap.Logger) *UploadRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadRepository{
		db:             db,
		logger:         logger.Named("upload_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *UploadRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PhotoUpload{})
}

// SaveUpload records one attempt.
func (r *UploadRepository) SaveUpload(ctx context.Context, upload *PhotoUpload) error {
	return r.executeWithRetry(ctx, "repository.save_upload", upload.SessionID, func() error {
		return r.db.WithContext(ctx).Create(upload).Error
	})
}

// ListByUser returns the user's most recent attempts, newest first.
func (r *UploadRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*PhotoUpload, error) {
	var uploads []*PhotoUpload
	err := r.executeWithRetry(ctx, "repository.list_uploads", userID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(limit).
			Find(&uploads).Error
	})
	if err != nil {
		return nil, err
	}
	return uploads, nil
}

// AggregateUploads rolls up every recorded attempt.
func (r *UploadRepository) AggregateUploads(ctx context.Context) (*UploadAggregation, error) {
	var row struct {
		TotalCount        int64
		SuccessCount      int64
		AverageBytes      float64
		AverageDurationMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_uploads", "", func() error {
		return r.db.WithContext(ctx).
			Model(&PhotoUpload{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(AVG(bytes), 0) AS average_bytes, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &UploadAggregation{
		TotalCount:        row.TotalCount,
		SuccessCount:      row.SuccessCount,
		AverageBytes:      row.AverageBytes,
		AverageDurationMs: row.AverageDurationMs,
	}, nil
}

func (r *UploadRepository) executeWithRetry(ctx context.Context, operation, id string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, id)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, id, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, id, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, id, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
