package photo

import (
	"bytes"
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/trip-profile/internal/imaging"
)

var fixedNow = time.UnixMilli(1700000000123)

func newTestPipeline(cam Camera, up Uploader) *Pipeline {
	return NewPipeline(Options{
		ID:       "test",
		Camera:   cam,
		Uploader: up,
		Limits:   Limits{MaxBytes: 64 << 20, MaxPixels: 16_000_000, JPEGQuality: 90},
		Logger:   zap.NewNop(),
		Now:      func() time.Time { return fixedNow },
	})
}

func TestLoadFileRejectsNonImage(t *testing.T) {
	p := newTestPipeline(nil, &fakeUploader{})

	cases := []File{
		{Name: "notes.txt", MIME: "text/plain", Data: []byte("hello")},
		{Name: "blob", MIME: "", Data: []byte("just some text")},
		{Name: "fake.png", MIME: "image/png", Data: []byte("not really a png")},
	}
	for _, f := range cases {
		err := p.LoadFile(f)
		if !errors.Is(err, ErrUnsupportedType) {
			t.Fatalf("%s: expected ErrUnsupportedType, got %v", f.Name, err)
		}
		if p.Image() != nil {
			t.Fatalf("%s: image buffer must stay unset", f.Name)
		}
		if _, ok := p.Phase().(AwaitingFile); !ok {
			t.Fatalf("%s: expected AwaitingFile, got %s", f.Name, p.Phase().Name())
		}
	}

	if err := p.LoadFile(File{Name: "empty.png", MIME: "image/png"}); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile, got %v", err)
	}
	if KindOf(p.LastError()) != KindValidation {
		t.Fatalf("expected validation kind, got %s", KindOf(p.LastError()))
	}
}

func TestFilePickerCancelReturnsToChoosingMethod(t *testing.T) {
	p := newTestPipeline(nil, nil)
	if err := p.ChooseFile(); err != nil {
		t.Fatalf("choose file: %v", err)
	}
	if err := p.CancelFile(); err != nil {
		t.Fatalf("cancel file: %v", err)
	}
	if _, ok := p.Phase().(ChoosingMethod); !ok {
		t.Fatalf("expected ChoosingMethod, got %s", p.Phase().Name())
	}
	if err := p.CancelFile(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUploadAsIsPreservesFileBytes(t *testing.T) {
	up := &fakeUploader{}
	var order []string
	p := NewPipeline(Options{
		Uploader:  up,
		Now:       func() time.Time { return fixedNow },
		OnClose:   func() { order = append(order, "close") },
		OnSuccess: func() { order = append(order, "success") },
	})

	original := testPNG(t, 32, 24)
	if err := p.LoadFile(File{Name: "me.png", MIME: "image/png", Data: original}); err != nil {
		t.Fatalf("load file: %v", err)
	}
	pv, ok := p.Phase().(Previewing)
	if !ok || pv.Source != SourceFile {
		t.Fatalf("expected file preview, got %s", p.Phase().Name())
	}

	if err := p.UploadAsIs(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}

	calls := up.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one upload, got %d", len(calls))
	}
	got := calls[0]
	if !bytes.Equal(got.Data, original) {
		t.Fatal("uploaded bytes differ from the selected file")
	}
	if got.Field != "photo" || got.MIME != "image/png" {
		t.Fatalf("unexpected payload field/mime %q %q", got.Field, got.MIME)
	}
	if got.Filename != "profile-1700000000123.png" {
		t.Fatalf("unexpected filename %q", got.Filename)
	}
	if _, ok := p.Phase().(Done); !ok {
		t.Fatalf("expected Done, got %s", p.Phase().Name())
	}
	if p.Image() != nil {
		t.Fatal("state must reset after a successful upload")
	}
	if len(order) != 2 || order[0] != "close" || order[1] != "success" {
		t.Fatalf("unexpected callback order %v", order)
	}
}

func TestCaptureReleasesStream(t *testing.T) {
	cam := &fakeCamera{}
	p := newTestPipeline(cam, &fakeUploader{})

	if err := p.StartCamera(context.Background()); err != nil {
		t.Fatalf("start camera: %v", err)
	}
	if _, ok := p.Phase().(LiveCamera); !ok {
		t.Fatalf("expected LiveCamera, got %s", p.Phase().Name())
	}
	if got := cam.constraints[0]; got != (Constraints{Facing: FacingUser, Width: 640, Height: 480}) {
		t.Fatalf("unexpected constraints %+v", got)
	}

	stream := cam.lastStream()
	if err := p.Capture(context.Background()); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !stream.allStopped() {
		t.Fatal("expected every track to be stopped after capture")
	}
	pv, ok := p.Phase().(Previewing)
	if !ok {
		t.Fatalf("expected Previewing, got %s", p.Phase().Name())
	}
	if pv.Source != SourceCamera || pv.Image.MIME != "image/jpeg" {
		t.Fatalf("unexpected preview %v %q", pv.Source, pv.Image.MIME)
	}
	if pv.Image.Width != 640 || pv.Image.Height != 480 {
		t.Fatalf("expected native 640x480 capture, got %dx%d", pv.Image.Width, pv.Image.Height)
	}
	if imaging.Sniff(pv.Image.Data) != "image/jpeg" {
		t.Fatal("captured buffer is not JPEG encoded")
	}
}

func TestCaptureFailureKeepsCameraLive(t *testing.T) {
	cam := &fakeCamera{}
	p := newTestPipeline(cam, nil)
	if err := p.StartCamera(context.Background()); err != nil {
		t.Fatalf("start camera: %v", err)
	}
	stream := cam.lastStream()
	stream.readErr = errors.New("frame dropped")

	if err := p.Capture(context.Background()); !errors.Is(err, ErrCameraUnavailable) {
		t.Fatalf("expected ErrCameraUnavailable, got %v", err)
	}
	if _, ok := p.Phase().(LiveCamera); !ok {
		t.Fatalf("expected LiveCamera, got %s", p.Phase().Name())
	}
	if stream.allStopped() {
		t.Fatal("stream must stay open while no image was captured")
	}
}

func TestRepeatedCameraCyclesKeepOneStreamLive(t *testing.T) {
	cam := &fakeCamera{}
	p := newTestPipeline(cam, nil)

	for i := 0; i < 5; i++ {
		if err := p.StartCamera(context.Background()); err != nil {
			t.Fatalf("cycle %d start: %v", i, err)
		}
		if i%2 == 0 {
			if err := p.Back(); err != nil {
				t.Fatalf("cycle %d back: %v", i, err)
			}
		} else {
			p.Close()
		}
	}

	if cam.maxLive != 1 {
		t.Fatalf("expected at most one live stream, saw %d", cam.maxLive)
	}
	if cam.live != 0 {
		t.Fatalf("expected no live streams, got %d", cam.live)
	}
	for i, s := range cam.streams {
		if !s.allStopped() {
			t.Fatalf("stream %d left running", i)
		}
	}
}

func TestCameraDeniedReturnsToChoosingMethod(t *testing.T) {
	cam := &fakeCamera{err: ErrCameraDenied}
	var events []Event
	p := newTestPipeline(cam, nil)
	p.AddListener(func(e Event) { events = append(events, e) })

	err := p.StartCamera(context.Background())
	if !errors.Is(err, ErrCameraDenied) {
		t.Fatalf("expected ErrCameraDenied, got %v", err)
	}
	if _, ok := p.Phase().(ChoosingMethod); !ok {
		t.Fatalf("expected ChoosingMethod, got %s", p.Phase().Name())
	}
	if cam.live != 0 {
		t.Fatal("no stream may be retained")
	}
	if KindOf(p.LastError()) != KindDevice {
		t.Fatalf("expected device error, got %v", p.LastError())
	}
	if msg := p.Snapshot().Error; msg == "" {
		t.Fatal("expected a user-visible error")
	}

	last := events[len(events)-1]
	if last.To.Name() != "choosing_method" || last.Err == nil {
		t.Fatalf("expected failing transition event, got %+v", last)
	}
}

func TestCameraDeviceErrorIsWrapped(t *testing.T) {
	p := newTestPipeline(&fakeCamera{err: errors.New("no such device")}, nil)
	if err := p.StartCamera(context.Background()); !errors.Is(err, ErrCameraUnavailable) {
		t.Fatalf("expected ErrCameraUnavailable, got %v", err)
	}

	noCamera := newTestPipeline(nil, nil)
	if err := noCamera.StartCamera(context.Background()); !errors.Is(err, ErrCameraUnavailable) {
		t.Fatalf("expected ErrCameraUnavailable without a camera, got %v", err)
	}
}

func TestStartCameraWhileAcquiringIsNoop(t *testing.T) {
	cam := &fakeCamera{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newTestPipeline(cam, nil)

	done := make(chan error, 1)
	go func() { done <- p.StartCamera(context.Background()) }()
	<-cam.entered

	if err := p.StartCamera(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	close(cam.gate)
	if err := <-done; err != nil {
		t.Fatalf("first start: %v", err)
	}
	if cam.opens != 1 {
		t.Fatalf("expected a single acquisition, got %d", cam.opens)
	}
	p.Close()
}

func TestCloseDuringAcquisitionStopsLateStream(t *testing.T) {
	cam := &fakeCamera{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newTestPipeline(cam, nil)

	done := make(chan error, 1)
	go func() { done <- p.StartCamera(context.Background()) }()
	<-cam.entered

	p.Close()
	close(cam.gate)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if s := cam.lastStream(); s == nil || !s.allStopped() {
		t.Fatal("stream granted after close must be stopped")
	}
	if _, ok := p.Phase().(ChoosingMethod); !ok {
		t.Fatalf("expected ChoosingMethod, got %s", p.Phase().Name())
	}
}

func TestCloseMidLiveCameraStopsTracksBeforeCallback(t *testing.T) {
	cam := &fakeCamera{}
	var stoppedAtClose bool
	p := NewPipeline(Options{Camera: cam})
	p.onClose = func() { stoppedAtClose = cam.lastStream().allStopped() }

	if err := p.StartCamera(context.Background()); err != nil {
		t.Fatalf("start camera: %v", err)
	}
	p.Close()
	if !stoppedAtClose {
		t.Fatal("tracks must be stopped before the close callback fires")
	}
}

func TestCropScenarioUploadsNaturalResolution(t *testing.T) {
	up := &fakeUploader{}
	p := newTestPipeline(nil, up)

	if err := p.LoadFile(File{Name: "big.png", MIME: "image/png", Data: testPNG(t, 2000, 2000)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	initial, err := p.BeginCrop(image.Pt(400, 400))
	if err != nil {
		t.Fatalf("begin crop: %v", err)
	}
	if initial != (Region{Unit: UnitPixels, X: 0, Y: 0, Width: 400, Height: 400}) {
		t.Fatalf("unexpected initial region %+v", initial)
	}
	if _, err := p.DragCrop(Region{Unit: UnitPixels, X: 50, Y: 50, Width: 200, Height: 200}); err != nil {
		t.Fatalf("drag: %v", err)
	}
	if _, err := p.EndDrag(); err != nil {
		t.Fatalf("end drag: %v", err)
	}
	if err := p.SaveCropAndUpload(context.Background()); err != nil {
		t.Fatalf("save crop: %v", err)
	}

	calls := up.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one upload, got %d", len(calls))
	}
	img, err := imaging.Decode(calls[0].Data)
	if err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 1000 || b.Dy() != 1000 {
		t.Fatalf("expected 1000x1000 upload, got %dx%d", b.Dx(), b.Dy())
	}
	if calls[0].MIME != "image/jpeg" || calls[0].Filename != "profile-1700000000123.jpg" {
		t.Fatalf("unexpected payload %q %q", calls[0].MIME, calls[0].Filename)
	}
}

func TestCropOutputIgnoresDisplayScale(t *testing.T) {
	for _, display := range []image.Point{image.Pt(100, 100), image.Pt(300, 300), image.Pt(600, 600)} {
		up := &fakeUploader{}
		p := newTestPipeline(nil, up)
		if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 600, 600)}); err != nil {
			t.Fatalf("load: %v", err)
		}
		if _, err := p.BeginCrop(display); err != nil {
			t.Fatalf("begin crop: %v", err)
		}
		half := float64(display.X) / 2
		if _, err := p.DragCrop(Region{Unit: UnitPixels, X: 0, Y: 0, Width: half, Height: half}); err != nil {
			t.Fatalf("drag: %v", err)
		}
		if _, err := p.EndDrag(); err != nil {
			t.Fatalf("end drag: %v", err)
		}
		if err := p.SaveCropAndUpload(context.Background()); err != nil {
			t.Fatalf("save crop: %v", err)
		}
		img, err := imaging.Decode(up.calls()[0].Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 300 || b.Dy() != 300 {
			t.Fatalf("display %v: expected 300x300, got %v", display, b)
		}
	}
}

func TestSaveCropWithoutCommittedRegion(t *testing.T) {
	up := &fakeUploader{}
	p := newTestPipeline(nil, up)
	if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 50, 50)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := p.BeginCrop(image.Point{}); err != nil {
		t.Fatalf("begin crop: %v", err)
	}
	if err := p.SaveCropAndUpload(context.Background()); !errors.Is(err, ErrNoCropRegion) {
		t.Fatalf("expected ErrNoCropRegion, got %v", err)
	}
	if _, ok := p.Phase().(Cropping); !ok {
		t.Fatalf("expected Cropping, got %s", p.Phase().Name())
	}
	if len(up.calls()) != 0 {
		t.Fatal("nothing may be uploaded without a crop region")
	}

	if err := p.CancelCrop(); err != nil {
		t.Fatalf("cancel crop: %v", err)
	}
	if _, ok := p.Phase().(Previewing); !ok {
		t.Fatalf("expected Previewing, got %s", p.Phase().Name())
	}
}

func TestBeginCropResetsRegionForEachImage(t *testing.T) {
	p := newTestPipeline(nil, nil)
	if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 40, 20)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := p.BeginCrop(image.Pt(400, 200)); err != nil {
		t.Fatalf("begin crop: %v", err)
	}
	if _, err := p.DragCrop(Region{X: 10, Y: 10, Width: 50, Height: 50}); err != nil {
		t.Fatalf("drag: %v", err)
	}
	if _, err := p.EndDrag(); err != nil {
		t.Fatalf("end drag: %v", err)
	}
	if err := p.CancelCrop(); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	region, err := p.BeginCrop(image.Pt(400, 200))
	if err != nil {
		t.Fatalf("begin crop: %v", err)
	}
	if region != CenteredSquare(image.Pt(400, 200)) {
		t.Fatalf("expected fresh centered square, got %+v", region)
	}
	if c := p.Phase().(Cropping); c.Committed != nil {
		t.Fatal("committed region must reset")
	}
}

func TestUploadRejectionKeepsImageForRetry(t *testing.T) {
	up := &fakeUploader{errs: []error{&RemoteError{Status: 413, Message: "file too large"}}}
	succeeded := 0
	p := NewPipeline(Options{Uploader: up, OnSuccess: func() { succeeded++ }})

	if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 20, 20)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	held := p.Image()

	err := p.UploadAsIs(context.Background())
	if UserMessage(err) != "file too large" {
		t.Fatalf("expected server message, got %q", UserMessage(err))
	}
	if _, ok := p.Phase().(Previewing); !ok {
		t.Fatalf("expected Previewing, got %s", p.Phase().Name())
	}
	if p.Image() != held {
		t.Fatal("image buffer must be retained after a rejected upload")
	}
	if p.Snapshot().Error != "file too large" {
		t.Fatalf("unexpected snapshot error %q", p.Snapshot().Error)
	}

	if err := p.UploadAsIs(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	calls := up.calls()
	if len(calls) != 2 || !bytes.Equal(calls[0].Data, calls[1].Data) {
		t.Fatal("retry must resend the same image")
	}
	if succeeded != 1 {
		t.Fatalf("expected one success callback, got %d", succeeded)
	}
}

func TestUploadTransportErrorUsesGenericMessage(t *testing.T) {
	up := &fakeUploader{errs: []error{errors.New("connection refused")}}
	p := newTestPipeline(nil, up)
	if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 8, 8)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	err := p.UploadAsIs(context.Background())
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %T", err)
	}
	if UserMessage(err) != genericUploadMessage {
		t.Fatalf("unexpected message %q", UserMessage(err))
	}
}

func TestBackRefusedWhileUploading(t *testing.T) {
	up := &fakeUploader{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := newTestPipeline(nil, up)
	if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 8, 8)}); err != nil {
		t.Fatalf("load: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.UploadAsIs(context.Background()) }()
	<-up.entered

	if err := p.Back(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := p.UploadAsIs(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected concurrent upload to be refused, got %v", err)
	}
	close(up.gate)
	if err := <-done; err != nil {
		t.Fatalf("upload: %v", err)
	}
}

func TestBackClearsImage(t *testing.T) {
	p := newTestPipeline(nil, nil)
	if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 8, 8)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := p.Back(); err != nil {
		t.Fatalf("back: %v", err)
	}
	if p.Image() != nil {
		t.Fatal("back must clear the image")
	}
	if SourceOf(p.Phase()) != SourceNone {
		t.Fatal("back must clear the source")
	}
}

func TestLoadURLDataURI(t *testing.T) {
	p := newTestPipeline(nil, nil)
	buf := &Buffer{Data: testPNG(t, 12, 6), MIME: "image/png"}

	if err := p.LoadURL(context.Background(), "data:image/png;base64,%%%"); !errors.Is(err, ErrConversion) {
		t.Fatalf("expected ErrConversion, got %v", err)
	}
	if _, ok := p.Phase().(AwaitingFile); !ok {
		t.Fatalf("expected AwaitingFile, got %s", p.Phase().Name())
	}

	if err := p.LoadURL(context.Background(), buf.DataURL()); err != nil {
		t.Fatalf("load data uri: %v", err)
	}
	img := p.Image()
	if img == nil || img.Width != 12 || img.Height != 6 || img.MIME != "image/png" {
		t.Fatalf("unexpected buffer %+v", img)
	}
	if !bytes.Equal(img.Data, buf.Data) {
		t.Fatal("decoded bytes differ")
	}
}

func TestLoadURLFetchesObjectReference(t *testing.T) {
	data := testPNG(t, 10, 10)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
			return
		case "/metadata":
			http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()
	srvURL, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}

	closed := newTestPipeline(nil, nil)
	if err := closed.LoadURL(context.Background(), srv.URL+"/photo"); !errors.Is(err, ErrConversion) {
		t.Fatalf("expected ErrConversion without allowed hosts, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatal("a host outside the allow list must not be contacted")
	}

	p := NewPipeline(Options{
		ObjectHosts: []string{srvURL.Host},
		Limits:      Limits{MaxBytes: 1 << 20},
	})
	if err := p.LoadURL(context.Background(), srv.URL+"/missing"); !errors.Is(err, ErrConversion) {
		t.Fatalf("expected ErrConversion, got %v", err)
	}
	if err := p.LoadURL(context.Background(), srv.URL+"/metadata"); !errors.Is(err, ErrConversion) {
		t.Fatalf("expected redirect off the allow list to fail, got %v", err)
	}
	if err := p.LoadURL(context.Background(), "blob:https://app.example.com/1234"); !errors.Is(err, ErrConversion) {
		t.Fatalf("expected ErrConversion for blob reference, got %v", err)
	}
	if err := p.LoadURL(context.Background(), srv.URL+"/photo"); err != nil {
		t.Fatalf("load object url: %v", err)
	}
	if got := p.Image(); got == nil || !bytes.Equal(got.Data, data) {
		t.Fatal("fetched bytes differ")
	}
}

func TestHugeImageRejectedFromHeader(t *testing.T) {
	header := pngHeader(12000, 12000)
	p := newTestPipeline(nil, nil)

	err := p.LoadFile(File{Name: "bomb.png", MIME: "image/png", Data: header})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if p.Image() != nil {
		t.Fatal("image buffer must stay unset")
	}
	if _, ok := p.Phase().(AwaitingFile); !ok {
		t.Fatalf("expected AwaitingFile, got %s", p.Phase().Name())
	}

	ref := (&Buffer{Data: header, MIME: "image/png"}).DataURL()
	if err := p.LoadURL(context.Background(), ref); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge for data uri, got %v", err)
	}

	if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 16, 16)}); err != nil {
		t.Fatalf("small image must still load: %v", err)
	}
}

func TestLoadFileTrustsSniffedType(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 8))
	jpegData, err := imaging.EncodeJPEG(img, 90)
	if err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	up := &fakeUploader{}
	p := newTestPipeline(nil, up)

	if err := p.LoadFile(File{Name: "me.png", MIME: "image/png", Data: jpegData}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Image().MIME; got != "image/jpeg" {
		t.Fatalf("expected sniffed jpeg type, got %q", got)
	}
	if err := p.UploadAsIs(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	call := up.calls()[0]
	if call.MIME != "image/jpeg" || call.Filename != "profile-1700000000123.jpg" {
		t.Fatalf("unexpected payload %q %q", call.MIME, call.Filename)
	}
}

func TestCloseDuringUploadKeepsDialogClosed(t *testing.T) {
	cases := []struct {
		name          string
		errs          []error
		wantSuccesses int
	}{
		{"late success", nil, 1},
		{"late failure", []error{&RemoteError{Status: 500}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := &fakeUploader{errs: tc.errs, gate: make(chan struct{}), entered: make(chan struct{}, 1)}
			var closes, successes int
			p := NewPipeline(Options{
				Uploader:  up,
				OnClose:   func() { closes++ },
				OnSuccess: func() { successes++ },
			})
			var (
				mu    sync.Mutex
				moves []string
			)
			p.AddListener(func(e Event) {
				mu.Lock()
				moves = append(moves, e.To.Name())
				mu.Unlock()
			})
			if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 8, 8)}); err != nil {
				t.Fatalf("load: %v", err)
			}

			done := make(chan error, 1)
			go func() { done <- p.UploadAsIs(context.Background()) }()
			<-up.entered
			p.Close()
			close(up.gate)
			err := <-done

			if (err == nil) != (tc.errs == nil) {
				t.Fatalf("unexpected upload result %v", err)
			}
			if _, ok := p.Phase().(ChoosingMethod); !ok {
				t.Fatalf("expected ChoosingMethod, got %s", p.Phase().Name())
			}
			if p.Image() != nil {
				t.Fatal("a closed dialog must not hold an image")
			}
			if closes != 1 {
				t.Fatalf("expected one close callback, got %d", closes)
			}
			if successes != tc.wantSuccesses {
				t.Fatalf("expected %d success callbacks, got %d", tc.wantSuccesses, successes)
			}
			mu.Lock()
			defer mu.Unlock()
			if last := moves[len(moves)-1]; last != "choosing_method" {
				t.Fatalf("no transition may follow the close, saw %v", moves)
			}
		})
	}
}

func TestOversizedImagesAreDownscaledOrRejected(t *testing.T) {
	p := NewPipeline(Options{Limits: Limits{MaxDimension: 50, JPEGQuality: 80}})
	if err := p.LoadFile(File{MIME: "image/png", Data: testPNG(t, 200, 100)}); err != nil {
		t.Fatalf("load: %v", err)
	}
	img := p.Image()
	if img.Width != 50 || img.Height != 25 || img.MIME != "image/jpeg" {
		t.Fatalf("expected 50x25 jpeg, got %dx%d %s", img.Width, img.Height, img.MIME)
	}

	small := NewPipeline(Options{Limits: Limits{MaxBytes: 10}})
	if err := small.LoadFile(File{MIME: "image/png", Data: testPNG(t, 20, 20)}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestListenersSeeEveryTransition(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	p := newTestPipeline(&fakeCamera{}, &fakeUploader{})
	remove := p.AddListener(func(e Event) {
		mu.Lock()
		names = append(names, e.From.Name()+">"+e.To.Name())
		mu.Unlock()
	})

	ctx := context.Background()
	if err := p.StartCamera(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Capture(ctx); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := p.UploadAsIs(ctx); err != nil {
		t.Fatalf("upload: %v", err)
	}
	remove()
	p.Close()

	want := []string{
		"choosing_method>acquiring_camera",
		"acquiring_camera>live_camera",
		"live_camera>previewing",
		"previewing>uploading",
		"uploading>done",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(names) != len(want) {
		t.Fatalf("unexpected events %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	p := newTestPipeline(nil, nil)
	ctx := context.Background()

	if err := p.Capture(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("capture: expected ErrInvalidTransition, got %v", err)
	}
	if err := p.UploadAsIs(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("upload: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := p.BeginCrop(image.Pt(1, 1)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("crop: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := p.PreviewFrame(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("preview: expected ErrInvalidTransition, got %v", err)
	}
	if err := p.Back(); err != nil {
		t.Fatalf("back from ChoosingMethod should be a no-op, got %v", err)
	}
}
