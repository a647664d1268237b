// Package camera provides photo.Camera implementations for the host's video
// devices.
package camera

import (
	"context"
	"image"
	"sync"

	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/photo"
)

// Exclusive wraps a camera so that at most one stream is open at a time
// across every session sharing the device. Opening a new stream stops the
// previous one first; its Done channel closes so the owner can leave live
// mode.
type Exclusive struct {
	inner  photo.Camera
	logger *zap.Logger

	openMu  sync.Mutex
	mu      sync.Mutex
	current *exclusiveStream
}

// NewExclusive returns an Exclusive over inner.
func NewExclusive(inner photo.Camera, logger *zap.Logger) *Exclusive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exclusive{inner: inner, logger: logger.Named("camera")}
}

func (e *Exclusive) Open(ctx context.Context, c photo.Constraints) (photo.Stream, error) {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.mu.Lock()
	prev := e.current
	e.current = nil
	e.mu.Unlock()
	if prev != nil {
		e.logger.Info("releasing previous camera stream before reacquiring")
		prev.Stop()
	}

	stream, err := e.inner.Open(ctx, c)
	if err != nil {
		return nil, err
	}
	s := &exclusiveStream{Stream: stream, owner: e, done: make(chan struct{})}
	e.mu.Lock()
	e.current = s
	e.mu.Unlock()
	return s, nil
}

func (e *Exclusive) release(s *exclusiveStream) {
	e.mu.Lock()
	if e.current == s {
		e.current = nil
	}
	e.mu.Unlock()
}

type exclusiveStream struct {
	photo.Stream
	owner *Exclusive
	once  sync.Once
	done  chan struct{}
}

func (s *exclusiveStream) ReadFrame(ctx context.Context) (image.Image, error) {
	return s.Stream.ReadFrame(ctx)
}

func (s *exclusiveStream) Stop() {
	s.once.Do(func() {
		s.Stream.Stop()
		s.owner.release(s)
		close(s.done)
	})
}

func (s *exclusiveStream) Done() <-chan struct{} {
	return s.done
}
