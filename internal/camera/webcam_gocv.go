//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/example/trip-profile/internal/photo"
)

// Webcam opens a local video device through OpenCV.
type Webcam struct {
	device int
	logger *zap.Logger
}

// New returns a camera backed by the video device at index device. A rear
// facing request selects the next device index.
func New(device int, logger *zap.Logger) photo.Camera {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webcam{device: device, logger: logger.Named("webcam")}
}

func (w *Webcam) Open(ctx context.Context, c photo.Constraints) (photo.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	device := w.device
	if c.Facing == photo.FacingEnvironment {
		device++
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("%w: open device %d: %v", photo.ErrCameraUnavailable, device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: device %d not opened", photo.ErrCameraUnavailable, device)
	}
	if c.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	}
	if c.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	}

	w.logger.Info("camera stream opened",
		zap.Int("device", device),
		zap.Int("width", c.Width),
		zap.Int("height", c.Height),
	)
	return &webcamStream{vc: vc, device: device, logger: w.logger}, nil
}

type webcamStream struct {
	mu      sync.Mutex
	vc      *gocv.VideoCapture
	device  int
	stopped bool
	logger  *zap.Logger
}

func (s *webcamStream) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("%w: stream stopped", photo.ErrCameraUnavailable)
	}

	mat := gocv.NewMat()
	defer mat.Close()
	if ok := s.vc.Read(&mat); !ok || mat.Empty() {
		return nil, fmt.Errorf("%w: no frame from device %d", photo.ErrCameraUnavailable, s.device)
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", photo.ErrConversion, err)
	}
	return img, nil
}

func (s *webcamStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if err := s.vc.Close(); err != nil {
		s.logger.Warn("failed to close camera", zap.Int("device", s.device), zap.Error(err))
		return
	}
	s.logger.Info("camera stream released", zap.Int("device", s.device))
}
