package photo

import (
	"context"
	"image"
)

// Facing selects the front or rear camera.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Constraints is the request sent when acquiring a camera stream.
type Constraints struct {
	Facing Facing
	Width  int
	Height int
}

// DefaultConstraints asks for the front camera at 640x480.
func DefaultConstraints() Constraints {
	return Constraints{Facing: FacingUser, Width: 640, Height: 480}
}

// Camera grants exclusive streams. Open should wrap ErrCameraDenied or
// ErrCameraUnavailable so callers can tell the two apart.
type Camera interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live camera handle. Stop releases every underlying track and
// must be safe to call more than once.
type Stream interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Stop()
}

// Revocable is implemented by streams that can end without the pipeline
// stopping them, such as a shared device taken over by another session.
// Done is closed once the stream has stopped for any reason.
type Revocable interface {
	Done() <-chan struct{}
}

// Uploader submits the final payload. Server-side rejections should be
// returned as *RemoteError carrying the server's message.
type Uploader interface {
	UploadPhoto(ctx context.Context, p Payload) error
}
