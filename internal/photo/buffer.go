package photo

import (
	"encoding/base64"
	"fmt"
	"image"
	"time"

	"github.com/example/trip-profile/internal/imaging"
)

// PhotoField is the multipart field the upload endpoint reads.
const PhotoField = "photo"

// File is a user-selected file as the picker hands it over.
type File struct {
	Name string
	MIME string
	Data []byte
}

// Buffer is the single in-memory form of the current image, whatever path
// produced it.
type Buffer struct {
	Data   []byte
	MIME   string
	Width  int
	Height int

	img image.Image
}

// Size returns the natural pixel size.
func (b *Buffer) Size() image.Point {
	return image.Pt(b.Width, b.Height)
}

// Image returns the decoded raster.
func (b *Buffer) Image() image.Image {
	return b.img
}

// DataURL renders the buffer as a base64 data URI.
func (b *Buffer) DataURL() string {
	return "data:" + b.MIME + ";base64," + base64.StdEncoding.EncodeToString(b.Data)
}

// Payload is the binary body handed to an Uploader.
type Payload struct {
	Field    string
	Filename string
	MIME     string
	Data     []byte
}

// Payload builds the upload body for this buffer, naming the file after now.
func (b *Buffer) Payload(now time.Time) Payload {
	mime := b.MIME
	if mime == "" {
		mime = imaging.DefaultMIME
	}
	return Payload{
		Field:    PhotoField,
		Filename: fmt.Sprintf("profile-%d.%s", now.UnixMilli(), imaging.Extension(mime)),
		MIME:     mime,
		Data:     b.Data,
	}
}

// Limits bounds buffers at creation time.
type Limits struct {
	MaxBytes     int64
	MaxDimension int
	// MaxPixels caps width*height as read from the image header, before the
	// raster is allocated. Zero disables the check.
	MaxPixels   int64
	JPEGQuality int
}

func (l Limits) quality() int {
	if l.JPEGQuality < 1 || l.JPEGQuality > 100 {
		return 90
	}
	return l.JPEGQuality
}

// newBufferFromBytes keeps the original bytes unless the image exceeds the
// dimension limit, in which case it is downscaled and re-encoded as JPEG.
func newBufferFromBytes(data []byte, mime string, limits Limits) (*Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if err := checkPixels(data, limits); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	if fitted, changed := imaging.Fit(img, limits.MaxDimension); changed {
		return newBufferFromImage(fitted, limits)
	}
	buf := &Buffer{Data: data, MIME: mime, img: img}
	buf.Width, buf.Height = img.Bounds().Dx(), img.Bounds().Dy()
	return buf, checkSize(buf, limits)
}

// newBufferFromImage encodes a rendered raster (camera frame, crop output).
func newBufferFromImage(img image.Image, limits Limits) (*Buffer, error) {
	img, _ = imaging.Fit(img, limits.MaxDimension)
	data, err := imaging.EncodeJPEG(img, limits.quality())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	buf := &Buffer{Data: data, MIME: imaging.DefaultMIME, img: img}
	buf.Width, buf.Height = img.Bounds().Dx(), img.Bounds().Dy()
	return buf, checkSize(buf, limits)
}

func checkPixels(data []byte, limits Limits) error {
	cfg, err := imaging.DecodeConfig(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: image has no pixels", ErrUnsupportedType)
	}
	if limits.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > limits.MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, limits.MaxPixels)
	}
	return nil
}

func checkSize(buf *Buffer, limits Limits) error {
	if limits.MaxBytes > 0 && int64(len(buf.Data)) > limits.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(buf.Data), limits.MaxBytes)
	}
	return nil
}
