package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/logging"
	"github.com/example/trip-profile/internal/photo"
)

// ObjectPutter is the part of *minio.Client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioUploader stores photos as objects named <user>/<filename>.
type MinioUploader struct {
	client ObjectPutter
	bucket string
	logger *zap.Logger
}

// NewMinioClient opens a client for endpoint and makes sure bucket exists.
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return client, nil
}

func NewMinioUploader(client ObjectPutter, bucket string, logger *zap.Logger) *MinioUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinioUploader{client: client, bucket: bucket, logger: logger.Named("minio_upload")}
}

// ForUser binds uploads to userID.
func (m *MinioUploader) ForUser(userID string) photo.Uploader {
	return &minioUserUploader{parent: m, userID: userID}
}

type minioUserUploader struct {
	parent *MinioUploader
	userID string
}

func (u *minioUserUploader) UploadPhoto(ctx context.Context, p photo.Payload) error {
	return u.parent.put(ctx, u.userID, p)
}

// ObjectName is where a user's photo is stored.
func ObjectName(userID, filename string) string {
	return path.Join(userID, path.Base(filename))
}

func (m *MinioUploader) put(ctx context.Context, userID string, p photo.Payload) error {
	object := ObjectName(userID, p.Filename)
	info, err := m.client.PutObject(ctx, m.bucket, object, bytes.NewReader(p.Data), int64(len(p.Data)), minio.PutObjectOptions{
		ContentType:  p.MIME,
		UserMetadata: map[string]string{"user-id": userID},
	})
	if err != nil {
		wrapped := logging.NewOperationError("upload.minio", userID, err)
		m.logger.Error("object put failed", zap.Error(wrapped), zap.String("object", object))
		remote := &photo.RemoteError{Status: http.StatusBadGateway, Err: wrapped}
		if resp := minio.ToErrorResponse(err); resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			remote.Status = resp.StatusCode
			remote.Message = resp.Message
		}
		return remote
	}
	m.logger.Info("photo stored",
		zap.String("bucket", info.Bucket),
		zap.String("object", object),
		zap.Int64("size", info.Size),
	)
	return nil
}
