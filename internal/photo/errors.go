package photo

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedType   = errors.New("unsupported file type")
	ErrEmptyFile         = errors.New("empty file")
	ErrTooLarge          = errors.New("image too large")
	ErrNoCropRegion      = errors.New("no completed crop region")
	ErrCameraDenied      = errors.New("camera permission denied")
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrConversion        = errors.New("image not convertible")
	ErrInvalidTransition = errors.New("action not available in current phase")
	// ErrSuperseded is returned by an asynchronous operation whose session
	// moved on (closed, went back) while it was in flight.
	ErrSuperseded = errors.New("operation superseded")
)

const genericUploadMessage = "Failed to upload photo. Please try again."

// RemoteError is an upload rejected by, or never delivered to, the remote
// endpoint. Status is zero for transport failures.
type RemoteError struct {
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("upload rejected (status %d): %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("upload failed: %v", e.Err)
	default:
		return fmt.Sprintf("upload rejected (status %d)", e.Status)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Kind groups errors by where in the flow they arise.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindDevice
	KindConversion
	KindRemote
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDevice:
		return "device"
	case KindConversion:
		return "conversion"
	case KindRemote:
		return "remote"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	var remote *RemoteError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &remote):
		return KindRemote
	case errors.Is(err, ErrUnsupportedType), errors.Is(err, ErrEmptyFile),
		errors.Is(err, ErrTooLarge), errors.Is(err, ErrNoCropRegion):
		return KindValidation
	case errors.Is(err, ErrCameraDenied), errors.Is(err, ErrCameraUnavailable):
		return KindDevice
	case errors.Is(err, ErrConversion):
		return KindConversion
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSuperseded):
		return KindState
	}
	return KindUnknown
}

// UserMessage renders err as the text shown in the upload dialog.
func UserMessage(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remote):
		if remote.Message != "" {
			return remote.Message
		}
		return genericUploadMessage
	case errors.Is(err, ErrUnsupportedType):
		return "Please select an image file."
	case errors.Is(err, ErrEmptyFile):
		return "The selected file is empty."
	case errors.Is(err, ErrTooLarge):
		return "The image is too large."
	case errors.Is(err, ErrNoCropRegion):
		return "Please select a crop area first."
	case errors.Is(err, ErrCameraDenied):
		return "Camera access was denied. Please allow camera access and try again."
	case errors.Is(err, ErrCameraUnavailable):
		return "Unable to access the camera."
	case errors.Is(err, ErrConversion):
		return "Could not process the image. Please try again or re-crop."
	case errors.Is(err, ErrInvalidTransition):
		return "That action is not available right now."
	case errors.Is(err, ErrSuperseded):
		return "The photo dialog was closed."
	}
	return "Something went wrong. Please try again."
}
