package photo

import "image"

// Source is where the current image came from.
type Source int

const (
	SourceNone Source = iota
	SourceFile
	SourceCamera
)

func (s Source) String() string {
	switch s {
	case SourceFile:
		return "local-file"
	case SourceCamera:
		return "camera"
	default:
		return "none"
	}
}

// Phase is the pipeline position. Each variant carries exactly the state
// valid in that phase, so a held camera stream only exists inside LiveCamera.
type Phase interface {
	Name() string
	isPhase()
}

type ChoosingMethod struct{}

type AwaitingFile struct{}

type AcquiringCamera struct{}

// LiveCamera owns the open stream until capture or exit.
type LiveCamera struct {
	stream Stream
}

type Previewing struct {
	Source Source
	Image  *Buffer
}

// Cropping edits Region live; Committed is the copy taken when the last drag
// ended and is nil until then.
type Cropping struct {
	Source    Source
	Image     *Buffer
	Display   image.Point
	Region    Region
	Committed *Region
}

// Uploading keeps the image so a failed upload can fall back to Previewing.
type Uploading struct {
	Source Source
	Image  *Buffer
}

type Done struct{}

func (ChoosingMethod) Name() string  { return "choosing_method" }
func (AwaitingFile) Name() string    { return "awaiting_file" }
func (AcquiringCamera) Name() string { return "acquiring_camera" }
func (LiveCamera) Name() string      { return "live_camera" }
func (Previewing) Name() string      { return "previewing" }
func (Cropping) Name() string        { return "cropping" }
func (Uploading) Name() string       { return "uploading" }
func (Done) Name() string            { return "done" }

func (ChoosingMethod) isPhase()  {}
func (AwaitingFile) isPhase()    {}
func (AcquiringCamera) isPhase() {}
func (LiveCamera) isPhase()      {}
func (Previewing) isPhase()      {}
func (Cropping) isPhase()        {}
func (Uploading) isPhase()       {}
func (Done) isPhase()            {}

// SourceOf derives the selected source from a phase.
func SourceOf(p Phase) Source {
	switch v := p.(type) {
	case AwaitingFile:
		return SourceFile
	case AcquiringCamera, LiveCamera:
		return SourceCamera
	case Previewing:
		return v.Source
	case Cropping:
		return v.Source
	case Uploading:
		return v.Source
	}
	return SourceNone
}

// ImageOf returns the image buffer a phase holds, if any.
func ImageOf(p Phase) *Buffer {
	switch v := p.(type) {
	case Previewing:
		return v.Image
	case Cropping:
		return v.Image
	case Uploading:
		return v.Image
	}
	return nil
}
