// Package upload holds the non-HTTP photo.Uploader backends.
package upload

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/trip-profile/internal/logging"
	"github.com/example/trip-profile/internal/photo"
)

// UploadMethod is the full gRPC method the photo store serves. The request
// is a BytesValue holding the image; filename, content type and owner travel
// as metadata. The reply is a Struct whose "error" field, when set, is a
// rejection meant for the user.
const UploadMethod = "/photostore.PhotoStore/Upload"

// Metadata keys sent with every upload.
const (
	MetaUserID      = "x-user-id"
	MetaFilename    = "x-filename"
	MetaContentType = "x-content-type"
)

// DialPhotoStore connects to the photo store at addr.
func DialPhotoStore(ctx context.Context, addr string, logger *zap.Logger) (*GRPCUploader, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("upload.dial_photo_store", "", err)
		logger.Error("failed to dial photo store", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewGRPCUploader(conn, logger), conn, nil
}

// GRPCUploader submits photos over an existing connection.
type GRPCUploader struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func NewGRPCUploader(conn grpc.ClientConnInterface, logger *zap.Logger) *GRPCUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCUploader{conn: conn, logger: logger.Named("grpc_upload")}
}

// ForUser binds uploads to userID.
func (g *GRPCUploader) ForUser(userID string) photo.Uploader {
	return &grpcUserUploader{parent: g, userID: userID}
}

type grpcUserUploader struct {
	parent *GRPCUploader
	userID string
}

func (u *grpcUserUploader) UploadPhoto(ctx context.Context, p photo.Payload) error {
	return u.parent.upload(ctx, u.userID, p)
}

func (g *GRPCUploader) upload(ctx context.Context, userID string, p photo.Payload) error {
	ctx = metadata.AppendToOutgoingContext(ctx,
		MetaUserID, userID,
		MetaFilename, p.Filename,
		MetaContentType, p.MIME,
	)
	reply := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, UploadMethod, wrapperspb.Bytes(p.Data), reply); err != nil {
		wrapped := logging.NewOperationError("upload.grpc", userID, err)
		g.logger.Error("photo store call failed", zap.Error(wrapped), zap.String("user_id", userID))
		st := status.Convert(err)
		remote := &photo.RemoteError{Status: httpStatus(st.Code()), Err: wrapped}
		if userFacing(st.Code()) {
			remote.Message = st.Message()
		}
		return remote
	}
	if msg := reply.GetFields()["error"].GetStringValue(); msg != "" {
		g.logger.Warn("photo store rejected upload", zap.String("user_id", userID), zap.String("message", msg))
		return &photo.RemoteError{Status: http.StatusUnprocessableEntity, Message: msg}
	}
	g.logger.Info("photo stored", zap.String("user_id", userID), zap.String("filename", p.Filename))
	return nil
}

// userFacing reports whether a status message was written for the user
// rather than describing a transport failure.
func userFacing(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.ResourceExhausted, codes.PermissionDenied:
		return true
	}
	return false
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.ResourceExhausted:
		return http.StatusRequestEntityTooLarge
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unavailable, codes.DeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
