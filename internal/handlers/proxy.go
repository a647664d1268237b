package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/api"
	"github.com/example/trip-profile/internal/auth"
	"github.com/example/trip-profile/internal/usecase"
)

const maxJSONBody = 1 << 20

type forwardFunc func(ctx context.Context, c *gin.Context, body json.RawMessage) (*api.Response, error)

// forward relays a JSON body to the remote API and its reply back verbatim.
func (h *handler) forward(call forwardFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.deps.API == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "remote api not configured"})
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
			return
		}
		if len(data) == 0 || !json.Valid(data) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON"})
			return
		}

		resp, err := call(c.Request.Context(), c, json.RawMessage(data))
		if err != nil {
			h.logger.Warn("remote api unavailable", zap.String("path", c.FullPath()), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "remote api unavailable"})
			return
		}
		writeRemote(c, resp)
	}
}

func writeRemote(c *gin.Context, resp *api.Response) {
	if resp.Body == nil {
		c.Status(resp.Status)
		return
	}
	c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
}

func (h *handler) getProfile(c *gin.Context) {
	if h.deps.Profiles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "profile service not configured"})
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	resp, cached, err := h.deps.Profiles.GetProfile(c.Request.Context(), userID, auth.GetToken(c.Request.Context()))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "remote api unavailable"})
		return
	}
	if cached {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	writeRemote(c, resp)
}

func (h *handler) listUploads(c *gin.Context) {
	if h.deps.Uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upload log not configured"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be within 1..100"})
			return
		}
		limit = n
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	uploads, err := h.deps.Uploads.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list uploads", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load upload history"})
		return
	}

	items := make([]gin.H, 0, len(uploads))
	for _, u := range uploads {
		items = append(items, gin.H{
			"session_id":  u.SessionID,
			"source":      u.Source,
			"filename":    u.Filename,
			"mime":        u.MIME,
			"bytes":       u.Bytes,
			"width":       u.Width,
			"height":      u.Height,
			"success":     u.Success,
			"error":       u.Error,
			"duration_ms": u.DurationMs,
			"created_at":  u.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"uploads": items})
}

func (h *handler) uploadSummary(c *gin.Context) {
	if h.deps.Uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upload log not configured"})
		return
	}
	summary, err := usecase.GetMetricsSummary(c.Request.Context(), h.deps.Uploads)
	if err != nil {
		h.logger.Error("failed to aggregate uploads", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate uploads"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
