package photo

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// pngHeader returns a PNG signature and IHDR chunk declaring a w x h
// grayscale image with no pixel data behind it.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth; color type, compression, filter and interlace stay 0
	chunk := append([]byte("IHDR"), ihdr...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

type fakeTrack struct {
	stopped bool
}

type fakeStream struct {
	mu      sync.Mutex
	tracks  []*fakeTrack
	frame   image.Image
	readErr error
	stops   int
	camera  *fakeCamera
}

func (s *fakeStream) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.frame, nil
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stops == 0 && s.camera != nil {
		atomic.AddInt32(&s.camera.live, -1)
	}
	s.stops++
	for _, tr := range s.tracks {
		tr.stopped = true
	}
}

func (s *fakeStream) allStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.tracks {
		if !tr.stopped {
			return false
		}
	}
	return s.stops > 0
}

type fakeCamera struct {
	mu          sync.Mutex
	err         error
	gate        chan struct{}
	entered     chan struct{}
	streams     []*fakeStream
	constraints []Constraints
	opens       int32
	live        int32
	maxLive     int32
}

func (c *fakeCamera) Open(ctx context.Context, cons Constraints) (Stream, error) {
	atomic.AddInt32(&c.opens, 1)
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}

	s := &fakeStream{
		tracks: []*fakeTrack{{}, {}},
		frame:  image.NewNRGBA(image.Rect(0, 0, cons.Width, cons.Height)),
		camera: c,
	}
	live := atomic.AddInt32(&c.live, 1)
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.constraints = append(c.constraints, cons)
	if live > c.maxLive {
		c.maxLive = live
	}
	c.mu.Unlock()
	return s, nil
}

func (c *fakeCamera) lastStream() *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

type fakeUploader struct {
	mu       sync.Mutex
	errs     []error
	payloads []Payload
	gate     chan struct{}
	entered  chan struct{}
}

func (u *fakeUploader) UploadPhoto(ctx context.Context, p Payload) error {
	if u.entered != nil {
		u.entered <- struct{}{}
	}
	if u.gate != nil {
		<-u.gate
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.payloads = append(u.payloads, p)
	if len(u.errs) == 0 {
		return nil
	}
	err := u.errs[0]
	u.errs = u.errs[1:]
	return err
}

func (u *fakeUploader) calls() []Payload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Payload(nil), u.payloads...)
}
