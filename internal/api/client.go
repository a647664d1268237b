// Package api is the client for the remote travel API. Credentials, tokens
// and photo storage are owned by that service; this package only forwards
// requests and translates failures.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/logging"
	"github.com/example/trip-profile/internal/photo"
)

const maxResponseBytes = 1 << 20

// Remote endpoints, relative to the base URL.
const (
	pathSignIn        = "/auth/signin"
	pathSignUp        = "/auth/signup"
	pathForgot        = "/auth/forgot-password"
	pathResetToken    = "/auth/reset-password/"
	pathResetPIN      = "/auth/reset-password-pin"
	pathVerifyOTP     = "/auth/verify-otp"
	pathProfile       = "/users/profile"
	pathProfilePhoto  = "/users/profile/photo"
	headerContentType = "Content-Type"
)

// Client talks to the remote API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client for baseURL. A nil httpClient gets one with
// the given timeout.
func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, http: httpClient, logger: logger.Named("api")}
}

// Response is a remote reply passed through untouched. Body is nil when
// a successful reply carried no JSON.
type Response struct {
	Status int
	Body   json.RawMessage
}

type errorBody struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func messageFrom(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if eb.Error != "" {
		return eb.Error
	}
	return eb.Message
}

// SignIn posts credentials and returns the remote reply.
func (c *Client) SignIn(ctx context.Context, body json.RawMessage) (*Response, error) {
	return c.forward(ctx, http.MethodPost, pathSignIn, "", body)
}

func (c *Client) SignUp(ctx context.Context, body json.RawMessage) (*Response, error) {
	return c.forward(ctx, http.MethodPost, pathSignUp, "", body)
}

func (c *Client) ForgotPassword(ctx context.Context, body json.RawMessage) (*Response, error) {
	return c.forward(ctx, http.MethodPost, pathForgot, "", body)
}

// ResetPassword resets with the emailed link token.
func (c *Client) ResetPassword(ctx context.Context, resetToken string, body json.RawMessage) (*Response, error) {
	return c.forward(ctx, http.MethodPost, pathResetToken+url.PathEscape(resetToken), "", body)
}

// ResetPasswordWithPIN resets with the emailed PIN carried in body.
func (c *Client) ResetPasswordWithPIN(ctx context.Context, body json.RawMessage) (*Response, error) {
	return c.forward(ctx, http.MethodPost, pathResetPIN, "", body)
}

func (c *Client) VerifyOTP(ctx context.Context, body json.RawMessage) (*Response, error) {
	return c.forward(ctx, http.MethodPost, pathVerifyOTP, "", body)
}

// GetProfile fetches the caller's profile using their bearer token.
func (c *Client) GetProfile(ctx context.Context, token string) (*Response, error) {
	return c.forward(ctx, http.MethodGet, pathProfile, token, nil)
}

// forward sends a JSON request and returns any reply the server produced.
// Non-2xx replies are returned as a Response, not an error, so callers can
// relay the remote status.
func (c *Client) forward(ctx context.Context, method, path, token string, body json.RawMessage) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, logging.NewOperationError("api."+path, "", err)
	}
	if body != nil {
		req.Header.Set(headerContentType, "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	status, data, err := c.do(req)
	if err != nil {
		wrapped := logging.NewOperationError("api."+path, "", err)
		c.logger.Error("remote api call failed", zap.String("path", path), zap.Error(wrapped))
		return nil, wrapped
	}
	if status >= http.StatusBadRequest {
		c.logger.Info("remote api rejected request", zap.String("path", path), zap.Int("status", status))
	}
	if len(data) == 0 || !json.Valid(data) {
		data = nil
		if status >= http.StatusBadRequest {
			data, _ = json.Marshal(errorBody{Error: http.StatusText(status)})
		}
	}
	return &Response{Status: status, Body: data}, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// PhotoUploader returns a photo.Uploader that submits to the profile photo
// endpoint on behalf of the token's owner.
func (c *Client) PhotoUploader(token string) photo.Uploader {
	return &photoUploader{client: c, token: token}
}

type photoUploader struct {
	client *Client
	token  string
}

func (u *photoUploader) UploadPhoto(ctx context.Context, p photo.Payload) error {
	return u.client.UploadPhoto(ctx, u.token, p)
}

// UploadPhoto sends p as a multipart form. Rejections are returned as
// *photo.RemoteError carrying the server's error text.
func (c *Client) UploadPhoto(ctx context.Context, token string, p photo.Payload) error {
	body, contentType, err := encodeMultipart(p)
	if err != nil {
		return &photo.RemoteError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathProfilePhoto, body)
	if err != nil {
		return &photo.RemoteError{Err: err}
	}
	req.Header.Set(headerContentType, contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	status, data, err := c.do(req)
	if err != nil {
		c.logger.Error("photo upload failed", zap.String("filename", p.Filename), zap.Error(err))
		return &photo.RemoteError{Status: status, Err: err}
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		msg := messageFrom(data)
		c.logger.Warn("photo upload rejected",
			zap.String("filename", p.Filename),
			zap.Int("status", status),
			zap.String("message", msg),
		)
		return &photo.RemoteError{Status: status, Message: msg}
	}
	c.logger.Info("photo uploaded", zap.String("filename", p.Filename), zap.Int("bytes", len(p.Data)))
	return nil
}

func encodeMultipart(p photo.Payload) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	field := p.Field
	if field == "" {
		field = photo.PhotoField
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, p.Filename))
	header.Set(headerContentType, p.MIME)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
