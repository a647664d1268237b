// Package photo drives a profile photo from acquisition (file or camera)
// through an optional square crop to the upload endpoint.
package photo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/imaging"
)

// Event reports a phase change, or an error surfaced without one (From and
// To are then the same phase).
type Event struct {
	From Phase
	To   Phase
	Err  error
	At   time.Time
}

// Listener observes pipeline events. Listeners run after the pipeline lock
// is released and may call back into the pipeline.
type Listener func(Event)

// Options wires a Pipeline to its collaborators.
type Options struct {
	ID          string
	Camera      Camera
	Uploader    Uploader
	Fetcher     HTTPDoer
	// ObjectHosts lists the hosts LoadURL may fetch from. A leading "*."
	// matches any subdomain. Empty refuses every http(s) reference.
	ObjectHosts []string
	Constraints Constraints
	Limits      Limits
	Logger      *zap.Logger
	Now         func() time.Time
	// OnSuccess fires after a successful upload, once the dialog closed.
	OnSuccess func()
	OnClose   func()
}

// Pipeline is one upload dialog's state machine. All methods are safe for
// concurrent use; transitions are serialized and blocking work (camera
// negotiation, frame reads, fetches, uploads) runs without the lock held.
type Pipeline struct {
	mu      sync.Mutex
	phase   Phase
	gen     uint64
	lastErr error
	pending []Event

	listenersMu  sync.Mutex
	listeners    map[int]Listener
	nextListener int

	id          string
	camera      Camera
	uploader    Uploader
	fetcher     HTTPDoer
	objectHosts hostList
	constraints Constraints
	limits      Limits
	logger      *zap.Logger
	now         func() time.Time
	onSuccess   func()
	onClose     func()
}

// NewPipeline returns a pipeline in ChoosingMethod.
func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		phase:       ChoosingMethod{},
		listeners:   make(map[int]Listener),
		id:          opts.ID,
		camera:      opts.Camera,
		uploader:    opts.Uploader,
		fetcher:     opts.Fetcher,
		objectHosts: newHostList(opts.ObjectHosts),
		constraints: opts.Constraints,
		limits:      opts.Limits,
		logger:      opts.Logger,
		now:         opts.Now,
		onSuccess:   opts.OnSuccess,
		onClose:     opts.OnClose,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("photo_pipeline")
	if p.id != "" {
		p.logger = p.logger.With(zap.String("session_id", p.id))
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.fetcher == nil {
		p.fetcher = &http.Client{
			Timeout:       30 * time.Second,
			CheckRedirect: p.objectHosts.checkRedirect,
		}
	}
	if p.constraints == (Constraints{}) {
		p.constraints = DefaultConstraints()
	}
	return p
}

// Phase returns the current phase.
func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// LastError returns the most recent surfaced error, cleared by the next
// successful transition.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// AddListener registers l and returns a function removing it.
func (p *Pipeline) AddListener(l Listener) func() {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = l
	return func() {
		p.listenersMu.Lock()
		delete(p.listeners, id)
		p.listenersMu.Unlock()
	}
}

// ChooseFile selects the local-file source.
func (p *Pipeline) ChooseFile() error {
	p.mu.Lock()
	defer p.unlock()
	return p.enterAwaitingFile("choose file")
}

// CancelFile handles a dismissed file picker.
func (p *Pipeline) CancelFile() error {
	p.mu.Lock()
	defer p.unlock()
	if _, ok := p.phase.(AwaitingFile); !ok {
		return p.invalid("cancel file")
	}
	p.transition(ChoosingMethod{}, nil)
	return nil
}

// LoadFile validates a picked file and makes it the current image. Non-image
// files are rejected and leave the pipeline waiting for another pick.
func (p *Pipeline) LoadFile(f File) error {
	p.mu.Lock()
	if err := p.enterAwaitingFile("load file"); err != nil {
		p.unlock()
		return err
	}
	gen := p.gen
	p.unlock()

	buf, err := p.bufferFromFile(f)

	p.mu.Lock()
	defer p.unlock()
	if p.gen != gen {
		return ErrSuperseded
	}
	if err != nil {
		return p.surface(err)
	}
	p.transition(Previewing{Source: SourceFile, Image: buf}, nil)
	return nil
}

// LoadURL makes the image behind ref current. ref is either a data URI or
// an http(s) object URL that is fetched and materialized.
func (p *Pipeline) LoadURL(ctx context.Context, ref string) error {
	p.mu.Lock()
	if err := p.enterAwaitingFile("load url"); err != nil {
		p.unlock()
		return err
	}
	gen := p.gen
	p.unlock()

	buf, err := p.bufferFromRef(ctx, ref)

	p.mu.Lock()
	defer p.unlock()
	if p.gen != gen {
		return ErrSuperseded
	}
	if err != nil {
		return p.surface(err)
	}
	p.transition(Previewing{Source: SourceFile, Image: buf}, nil)
	return nil
}

// StartCamera selects the camera source and acquires a stream. A call while
// an acquisition is already in flight, or the camera is already live, is a
// no-op. On failure the pipeline returns to ChoosingMethod.
func (p *Pipeline) StartCamera(ctx context.Context) error {
	p.mu.Lock()
	switch p.phase.(type) {
	case AcquiringCamera, LiveCamera:
		p.unlock()
		return nil
	case ChoosingMethod, Done:
	default:
		err := p.invalid("start camera")
		p.unlock()
		return err
	}
	p.transition(AcquiringCamera{}, nil)
	gen := p.gen
	camera, constraints := p.camera, p.constraints
	p.unlock()

	var (
		stream Stream
		err    error
	)
	if camera == nil {
		err = fmt.Errorf("%w: no camera configured", ErrCameraUnavailable)
	} else {
		stream, err = camera.Open(ctx, constraints)
		if err == nil && stream == nil {
			err = fmt.Errorf("%w: camera returned no stream", ErrCameraUnavailable)
		}
	}

	p.mu.Lock()
	defer p.unlock()
	if p.gen != gen {
		// The dialog moved on while the device negotiated.
		if stream != nil {
			stream.Stop()
		}
		return ErrSuperseded
	}
	if err != nil {
		if stream != nil {
			stream.Stop()
		}
		if !errors.Is(err, ErrCameraDenied) && !errors.Is(err, ErrCameraUnavailable) {
			err = fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
		}
		p.transition(ChoosingMethod{}, err)
		return err
	}
	p.transition(LiveCamera{stream: stream}, nil)
	if r, ok := stream.(Revocable); ok {
		go p.watchStream(r.Done(), p.gen)
	}
	return nil
}

// watchStream leaves LiveCamera when the stream ends underneath the pipeline.
// Any transition out of LiveCamera bumps gen first, so a stream the pipeline
// stopped itself is ignored here.
func (p *Pipeline) watchStream(done <-chan struct{}, gen uint64) {
	<-done
	p.mu.Lock()
	defer p.unlock()
	if p.gen != gen {
		return
	}
	p.transition(ChoosingMethod{}, fmt.Errorf("%w: camera stream ended", ErrCameraUnavailable))
}

// PreviewFrame reads the current frame of the live stream without capturing.
func (p *Pipeline) PreviewFrame(ctx context.Context) (image.Image, error) {
	p.mu.Lock()
	lc, ok := p.phase.(LiveCamera)
	if !ok {
		err := p.invalid("preview frame")
		p.unlock()
		return nil, err
	}
	p.unlock()

	frame, err := lc.stream.ReadFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	return frame, nil
}

// Capture grabs the current frame at the stream's native resolution, encodes
// it and releases the camera.
func (p *Pipeline) Capture(ctx context.Context) error {
	p.mu.Lock()
	lc, ok := p.phase.(LiveCamera)
	if !ok {
		err := p.invalid("capture")
		p.unlock()
		return err
	}
	gen := p.gen
	p.unlock()

	var buf *Buffer
	frame, err := lc.stream.ReadFrame(ctx)
	if err != nil {
		err = fmt.Errorf("%w: capture failed: %v", ErrCameraUnavailable, err)
	} else {
		buf, err = newBufferFromImage(frame, p.limits)
	}

	p.mu.Lock()
	defer p.unlock()
	if p.gen != gen {
		return ErrSuperseded
	}
	if err != nil {
		return p.surface(err)
	}
	p.transition(Previewing{Source: SourceCamera, Image: buf}, nil)
	return nil
}

// BeginCrop enters Cropping with a centered square on the image as displayed
// at display size. A zero display size means the natural size.
func (p *Pipeline) BeginCrop(display image.Point) (Region, error) {
	p.mu.Lock()
	defer p.unlock()
	pv, ok := p.phase.(Previewing)
	if !ok {
		return Region{}, p.invalid("begin crop")
	}
	if display.X <= 0 || display.Y <= 0 {
		display = pv.Image.Size()
	}
	region := CenteredSquare(display)
	p.transition(Cropping{Source: pv.Source, Image: pv.Image, Display: display, Region: region}, nil)
	return region, nil
}

// DragCrop updates the live selection while the user drags.
func (p *Pipeline) DragCrop(r Region) (Region, error) {
	p.mu.Lock()
	defer p.unlock()
	c, ok := p.phase.(Cropping)
	if !ok {
		return Region{}, p.invalid("drag crop")
	}
	c.Region = r.Constrain(c.Display)
	p.phase = c
	return c.Region, nil
}

// EndDrag commits the live selection.
func (p *Pipeline) EndDrag() (Region, error) {
	p.mu.Lock()
	defer p.unlock()
	c, ok := p.phase.(Cropping)
	if !ok {
		return Region{}, p.invalid("end drag")
	}
	committed := c.Region
	c.Committed = &committed
	p.phase = c
	return committed, nil
}

// CancelCrop leaves the crop view keeping the uncropped image.
func (p *Pipeline) CancelCrop() error {
	p.mu.Lock()
	defer p.unlock()
	c, ok := p.phase.(Cropping)
	if !ok {
		return p.invalid("cancel crop")
	}
	p.transition(Previewing{Source: c.Source, Image: c.Image}, nil)
	return nil
}

// UploadAsIs uploads the previewed image unchanged.
func (p *Pipeline) UploadAsIs(ctx context.Context) error {
	p.mu.Lock()
	pv, ok := p.phase.(Previewing)
	if !ok {
		err := p.invalid("upload")
		p.unlock()
		return err
	}
	return p.upload(ctx, pv.Source, pv.Image)
}

// SaveCropAndUpload renders the committed region at natural resolution and
// uploads the result.
func (p *Pipeline) SaveCropAndUpload(ctx context.Context) error {
	p.mu.Lock()
	c, ok := p.phase.(Cropping)
	if !ok {
		err := p.invalid("save crop")
		p.unlock()
		return err
	}
	if c.Committed == nil || c.Committed.Empty() {
		err := p.surface(ErrNoCropRegion)
		p.unlock()
		return err
	}
	gen := p.gen
	p.unlock()

	buf, err := cropBuffer(c.Image, c.Committed.Constrain(c.Display), c.Display, p.limits)

	p.mu.Lock()
	if p.gen != gen {
		p.unlock()
		return ErrSuperseded
	}
	if err != nil {
		err = p.surface(err)
		p.unlock()
		return err
	}
	return p.upload(ctx, c.Source, buf)
}

// Back abandons the current source and returns to method selection. It is
// refused while an upload is in flight.
func (p *Pipeline) Back() error {
	p.mu.Lock()
	defer p.unlock()
	switch p.phase.(type) {
	case Uploading:
		return p.invalid("back")
	case ChoosingMethod, Done:
		return nil
	}
	p.transition(ChoosingMethod{}, nil)
	return nil
}

// Close releases the camera, resets all state and fires the close callback.
// It is valid in every phase and is the teardown path.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if _, ok := p.phase.(ChoosingMethod); !ok {
		p.transition(ChoosingMethod{}, nil)
	}
	p.lastErr = nil
	p.unlock()
	if p.onClose != nil {
		p.onClose()
	}
}

// Snapshot is a serializable view of the pipeline.
type Snapshot struct {
	Phase         string  `json:"phase"`
	Source        string  `json:"source"`
	HasImage      bool    `json:"has_image"`
	MIME          string  `json:"mime,omitempty"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	DisplayWidth  int     `json:"display_width,omitempty"`
	DisplayHeight int     `json:"display_height,omitempty"`
	Region        *Region `json:"region,omitempty"`
	Committed     *Region `json:"committed,omitempty"`
	Error         string  `json:"error,omitempty"`
	ErrorKind     string  `json:"error_kind,omitempty"`
}

// Snapshot returns the current state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{Phase: p.phase.Name(), Source: SourceOf(p.phase).String()}
	if buf := ImageOf(p.phase); buf != nil {
		s.HasImage = true
		s.MIME = buf.MIME
		s.Width, s.Height = buf.Width, buf.Height
	}
	if c, ok := p.phase.(Cropping); ok {
		region := c.Region
		s.Region = &region
		s.Committed = c.Committed
		s.DisplayWidth, s.DisplayHeight = c.Display.X, c.Display.Y
	}
	if p.lastErr != nil {
		s.Error = UserMessage(p.lastErr)
		s.ErrorKind = KindOf(p.lastErr).String()
	}
	return s
}

// Image returns the current image buffer, or nil.
func (p *Pipeline) Image() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ImageOf(p.phase)
}

// upload runs with p.mu held and releases it.
func (p *Pipeline) upload(ctx context.Context, src Source, buf *Buffer) error {
	p.transition(Uploading{Source: src, Image: buf}, nil)
	gen := p.gen
	payload := buf.Payload(p.now())
	uploader := p.uploader
	p.unlock()

	var err error
	if uploader == nil {
		err = errors.New("no uploader configured")
	} else {
		err = uploader.UploadPhoto(ctx, payload)
	}
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			err = &RemoteError{Err: err}
		}
	}

	p.mu.Lock()
	if p.gen != gen {
		// Closed mid-flight; the server state still changed on success.
		p.unlock()
		if err == nil && p.onSuccess != nil {
			p.onSuccess()
		}
		return err
	}
	if err != nil {
		p.transition(Previewing{Source: src, Image: buf}, err)
		p.unlock()
		return err
	}
	p.transition(Done{}, nil)
	p.unlock()

	p.logger.Info("photo uploaded",
		zap.String("filename", payload.Filename),
		zap.String("mime", payload.MIME),
		zap.Int("bytes", len(payload.Data)),
		zap.String("source", src.String()),
	)
	if p.onClose != nil {
		p.onClose()
	}
	if p.onSuccess != nil {
		p.onSuccess()
	}
	return nil
}

func (p *Pipeline) enterAwaitingFile(action string) error {
	switch p.phase.(type) {
	case AwaitingFile:
		return nil
	case ChoosingMethod, Done:
		p.transition(AwaitingFile{}, nil)
		return nil
	}
	return p.invalid(action)
}

func (p *Pipeline) bufferFromFile(f File) (*Buffer, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyFile
	}
	mime := resolveMIME(f.MIME, f.Data)
	if !imaging.IsImageType(mime) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}
	return newBufferFromBytes(f.Data, mime, p.limits)
}

func (p *Pipeline) bufferFromRef(ctx context.Context, ref string) (*Buffer, error) {
	ref = strings.TrimSpace(ref)
	var (
		data []byte
		mime string
		err  error
	)
	if strings.HasPrefix(strings.ToLower(ref), "data:") {
		data, mime, err = ParseDataURL(ref)
	} else {
		data, mime, err = fetchObject(ctx, p.fetcher, p.objectHosts, ref, p.limits.MaxBytes)
	}
	if err != nil {
		return nil, err
	}
	mime = resolveMIME(mime, data)
	buf, err := newBufferFromBytes(data, mime, p.limits)
	if errors.Is(err, ErrUnsupportedType) || errors.Is(err, ErrEmptyFile) {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	return buf, err
}

// resolveMIME trusts the payload over the declared type whenever the bytes
// identify as an image.
func resolveMIME(declared string, data []byte) string {
	declared = imaging.BaseType(declared)
	sniffed := imaging.Sniff(data)
	if imaging.IsImageType(sniffed) {
		return sniffed
	}
	if declared == "" || declared == "application/octet-stream" {
		return sniffed
	}
	return declared
}

func cropBuffer(src *Buffer, r Region, display image.Point, limits Limits) (*Buffer, error) {
	rect := imaging.ScaleRect(r.X, r.Y, r.Width, r.Height, display, src.Size())
	out, err := imaging.Crop(src.Image(), rect)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	return newBufferFromImage(out, limits)
}

// transition moves to next, stopping a held camera stream on every exit from
// LiveCamera. err, when set, is surfaced together with the move.
func (p *Pipeline) transition(next Phase, err error) {
	prev := p.phase
	if lc, ok := prev.(LiveCamera); ok {
		if _, stays := next.(LiveCamera); !stays {
			lc.stream.Stop()
			p.logger.Debug("camera stream released")
		}
	}
	p.phase = next
	p.gen++
	p.lastErr = err
	p.pending = append(p.pending, Event{From: prev, To: next, Err: err, At: p.now()})
	p.logger.Debug("phase transition", zap.String("from", prev.Name()), zap.String("to", next.Name()))
	if err != nil {
		p.logError(err)
	}
}

// surface records err without changing phase.
func (p *Pipeline) surface(err error) error {
	p.lastErr = err
	p.pending = append(p.pending, Event{From: p.phase, To: p.phase, Err: err, At: p.now()})
	p.logError(err)
	return err
}

func (p *Pipeline) logError(err error) {
	p.logger.Warn("photo pipeline error",
		zap.String("phase", p.phase.Name()),
		zap.String("kind", KindOf(err).String()),
		zap.Error(err),
	)
}

func (p *Pipeline) invalid(action string) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, action, p.phase.Name())
}

// unlock releases p.mu and then delivers queued events.
func (p *Pipeline) unlock() {
	events := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(events) == 0 {
		return
	}

	p.listenersMu.Lock()
	listeners := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.listenersMu.Unlock()

	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}
