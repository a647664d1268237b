package handlers

import (
	"errors"
	"image"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/trip-profile/internal/auth"
	"github.com/example/trip-profile/internal/imaging"
	"github.com/example/trip-profile/internal/photo"
	"github.com/example/trip-profile/internal/session"
)

// sessionView is the JSON form of a session.
type sessionView struct {
	ID string `json:"id"`
	photo.Snapshot
}

func viewOf(s *session.Session) sessionView {
	return sessionView{ID: s.ID, Snapshot: s.Pipeline.Snapshot()}
}

type loadURLRequest struct {
	Ref string `json:"ref" binding:"required"`
}

type beginCropRequest struct {
	DisplayWidth  int `json:"display_width"`
	DisplayHeight int `json:"display_height"`
}

type dragCropRequest struct {
	photo.Region
	Done bool `json:"done"`
}

type uploadRequest struct {
	Crop bool `json:"crop"`
}

// session resolves :id for the caller, writing 404 when it cannot.
func (h *handler) session(c *gin.Context) (*session.Session, bool) {
	if h.deps.Sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "photo sessions not configured"})
		return nil, false
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	s, err := h.deps.Sessions.Get(userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return s, true
}

// respond writes the session state, or the error with the state attached.
func (h *handler) respond(c *gin.Context, s *session.Session, err error) {
	if err != nil {
		status := statusFor(err)
		c.JSON(status, gin.H{
			"error":   photo.UserMessage(err),
			"kind":    photo.KindOf(err).String(),
			"session": viewOf(s),
		})
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

func (h *handler) createSession(c *gin.Context) {
	if h.deps.Sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "photo sessions not configured"})
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	s := h.deps.Sessions.Create(userID, auth.GetToken(c.Request.Context()))
	c.JSON(http.StatusCreated, viewOf(s))
}

func (h *handler) getSession(c *gin.Context) {
	if s, ok := h.session(c); ok {
		c.JSON(http.StatusOK, viewOf(s))
	}
}

func (h *handler) closeSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s.Pipeline.Close()
	c.Status(http.StatusNoContent)
}

func (h *handler) chooseFile(c *gin.Context) {
	if s, ok := h.session(c); ok {
		h.respond(c, s, s.Pipeline.ChooseFile())
	}
}

func (h *handler) cancelFile(c *gin.Context) {
	if s, ok := h.session(c); ok {
		h.respond(c, s, s.Pipeline.CancelFile())
	}
}

func (h *handler) loadFile(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.deps.MaxUploadBytes+(1<<20))
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respond(c, s, photo.ErrTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if header.Size > h.deps.MaxUploadBytes {
		h.respond(c, s, photo.ErrTooLarge)
		return
	}
	src, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open file"})
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
		return
	}

	h.respond(c, s, s.Pipeline.LoadFile(photo.File{
		Name: header.Filename,
		MIME: header.Header.Get("Content-Type"),
		Data: data,
	}))
}

func (h *handler) loadURL(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req loadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ref is required"})
		return
	}
	h.respond(c, s, s.Pipeline.LoadURL(c.Request.Context(), req.Ref))
}

func (h *handler) startCamera(c *gin.Context) {
	if s, ok := h.session(c); ok {
		h.respond(c, s, s.Pipeline.StartCamera(c.Request.Context()))
	}
}

func (h *handler) previewFrame(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	frame, err := s.Pipeline.PreviewFrame(c.Request.Context())
	if err != nil {
		h.respond(c, s, err)
		return
	}
	data, err := imaging.EncodeJPEG(frame, h.deps.JPEGQuality)
	if err != nil {
		h.respond(c, s, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h *handler) capture(c *gin.Context) {
	if s, ok := h.session(c); ok {
		h.respond(c, s, s.Pipeline.Capture(c.Request.Context()))
	}
}

func (h *handler) currentImage(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	buf := s.Pipeline.Image()
	if buf == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no image loaded"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, buf.MIME, buf.Data)
}

func (h *handler) beginCrop(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req beginCropRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid display size"})
		return
	}
	_, err := s.Pipeline.BeginCrop(image.Pt(req.DisplayWidth, req.DisplayHeight))
	h.respond(c, s, err)
}

func (h *handler) dragCrop(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req dragCropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid crop region"})
		return
	}
	if req.Unit == "" {
		req.Unit = photo.UnitPixels
	}
	if _, err := s.Pipeline.DragCrop(req.Region); err != nil {
		h.respond(c, s, err)
		return
	}
	var err error
	if req.Done {
		_, err = s.Pipeline.EndDrag()
	}
	h.respond(c, s, err)
}

func (h *handler) cancelCrop(c *gin.Context) {
	if s, ok := h.session(c); ok {
		h.respond(c, s, s.Pipeline.CancelCrop())
	}
}

func (h *handler) upload(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload request"})
		return
	}
	if req.Crop {
		h.respond(c, s, s.Pipeline.SaveCropAndUpload(c.Request.Context()))
		return
	}
	h.respond(c, s, s.Pipeline.UploadAsIs(c.Request.Context()))
}

func (h *handler) back(c *gin.Context) {
	if s, ok := h.session(c); ok {
		h.respond(c, s, s.Pipeline.Back())
	}
}
