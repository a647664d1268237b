// Package handlers exposes the auth proxy, the profile and the photo
// sessions over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/api"
	"github.com/example/trip-profile/internal/photo"
	"github.com/example/trip-profile/internal/repository"
	"github.com/example/trip-profile/internal/session"
)

// MaxUploadSize bounds multipart bodies when no limit is configured.
const MaxUploadSize = 10 << 20

// AuthAPI is the remote API surface the auth routes forward to.
type AuthAPI interface {
	SignIn(ctx context.Context, body json.RawMessage) (*api.Response, error)
	SignUp(ctx context.Context, body json.RawMessage) (*api.Response, error)
	ForgotPassword(ctx context.Context, body json.RawMessage) (*api.Response, error)
	ResetPassword(ctx context.Context, resetToken string, body json.RawMessage) (*api.Response, error)
	ResetPasswordWithPIN(ctx context.Context, body json.RawMessage) (*api.Response, error)
	VerifyOTP(ctx context.Context, body json.RawMessage) (*api.Response, error)
}

// ProfileService serves the signed-in user's profile.
type ProfileService interface {
	GetProfile(ctx context.Context, userID, token string) (*api.Response, bool, error)
}

// UploadLog reads the upload audit log.
type UploadLog interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*repository.PhotoUpload, error)
	AggregateUploads(ctx context.Context) (*repository.UploadAggregation, error)
}

// Dependencies are the collaborators RegisterRoutes wires in. Nil optional
// collaborators turn their routes into 503s.
type Dependencies struct {
	API            AuthAPI
	Profiles       ProfileService
	Uploads        UploadLog
	Sessions       *session.Manager
	MaxUploadBytes int64
	JPEGQuality    int
	AllowedOrigins []string
	Logger         *zap.Logger
}

type handler struct {
	deps     Dependencies
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies, authMiddleware gin.HandlerFunc) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = MaxUploadSize
	}
	if deps.JPEGQuality <= 0 {
		deps.JPEGQuality = 90
	}
	h := &handler{deps: deps, logger: deps.Logger.Named("http")}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := router.Group("/auth")
	authGroup.POST("/signin", h.forward(func(ctx context.Context, c *gin.Context, body json.RawMessage) (*api.Response, error) {
		return h.deps.API.SignIn(ctx, body)
	}))
	authGroup.POST("/signup", h.forward(func(ctx context.Context, c *gin.Context, body json.RawMessage) (*api.Response, error) {
		return h.deps.API.SignUp(ctx, body)
	}))
	authGroup.POST("/password/forgot", h.forward(func(ctx context.Context, c *gin.Context, body json.RawMessage) (*api.Response, error) {
		return h.deps.API.ForgotPassword(ctx, body)
	}))
	authGroup.POST("/password/reset/:token", h.forward(func(ctx context.Context, c *gin.Context, body json.RawMessage) (*api.Response, error) {
		return h.deps.API.ResetPassword(ctx, c.Param("token"), body)
	}))
	authGroup.POST("/password/reset-pin", h.forward(func(ctx context.Context, c *gin.Context, body json.RawMessage) (*api.Response, error) {
		return h.deps.API.ResetPasswordWithPIN(ctx, body)
	}))
	authGroup.POST("/otp/verify", h.forward(func(ctx context.Context, c *gin.Context, body json.RawMessage) (*api.Response, error) {
		return h.deps.API.VerifyOTP(ctx, body)
	}))

	protected := router.Group("/")
	protected.Use(authMiddleware)
	protected.GET("/profile", h.getProfile)
	protected.GET("/photo/uploads", h.listUploads)
	protected.GET("/photo/uploads/summary", h.uploadSummary)

	sessions := protected.Group("/photo/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("/:id", h.getSession)
	sessions.DELETE("/:id", h.closeSession)
	sessions.POST("/:id/file/choose", h.chooseFile)
	sessions.POST("/:id/file/cancel", h.cancelFile)
	sessions.POST("/:id/file", h.loadFile)
	sessions.POST("/:id/url", h.loadURL)
	sessions.POST("/:id/camera", h.startCamera)
	sessions.GET("/:id/camera/frame", h.previewFrame)
	sessions.POST("/:id/capture", h.capture)
	sessions.GET("/:id/image", h.currentImage)
	sessions.POST("/:id/crop", h.beginCrop)
	sessions.PUT("/:id/crop", h.dragCrop)
	sessions.DELETE("/:id/crop", h.cancelCrop)
	sessions.POST("/:id/upload", h.upload)
	sessions.POST("/:id/back", h.back)
	sessions.GET("/:id/events", h.events)
}

// statusFor maps a pipeline or session error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, photo.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, photo.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	switch photo.KindOf(err) {
	case photo.KindValidation:
		return http.StatusBadRequest
	case photo.KindDevice:
		return http.StatusServiceUnavailable
	case photo.KindConversion:
		return http.StatusUnprocessableEntity
	case photo.KindRemote:
		return http.StatusBadGateway
	case photo.KindState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": photo.UserMessage(err), "kind": photo.KindOf(err).String()}
	if errors.Is(err, session.ErrNotFound) {
		body["error"] = err.Error()
	}
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients). Browsers must match AllowedOrigins, or the request host when
// none are configured.
func (h *handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.deps.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.deps.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
