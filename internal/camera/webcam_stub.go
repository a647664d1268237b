//go:build !gocv

package camera

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/photo"
)

// New returns a camera that reports every device as unavailable. Build with
// the gocv tag to capture from real hardware.
func New(device int, logger *zap.Logger) photo.Camera {
	if logger == nil {
		logger = zap.NewNop()
	}
	return unavailable{device: device, logger: logger.Named("webcam")}
}

type unavailable struct {
	device int
	logger *zap.Logger
}

func (u unavailable) Open(context.Context, photo.Constraints) (photo.Stream, error) {
	u.logger.Warn("camera requested but capture support is not compiled in", zap.Int("device", u.device))
	return nil, fmt.Errorf("%w: device %d: built without gocv", photo.ErrCameraUnavailable, u.device)
}
