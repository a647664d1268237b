// Package imaging holds the raster operations behind the photo pipeline:
// type sniffing, orientation-aware decoding, scaled cropping, downscaling and
// JPEG encoding.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"mime"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	_ "golang.org/x/image/webp" // register WebP decoder
)

// DefaultMIME is assumed when a payload carries no usable type.
const DefaultMIME = "image/jpeg"

// ErrNotImage is returned when bytes do not decode as a supported image.
var ErrNotImage = errors.New("not a decodable image")

// Sniff detects the MIME type from the payload bytes.
func Sniff(data []byte) string {
	return BaseType(mimetype.Detect(data).String())
}

// BaseType strips parameters and lower-cases a MIME type.
func BaseType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// IsImageType reports whether contentType names an image media type.
func IsImageType(contentType string) bool {
	return strings.HasPrefix(BaseType(contentType), "image/")
}

// Extension returns the file extension, without the dot, for an image MIME
// type; unknown types map to "jpg".
func Extension(contentType string) string {
	base := BaseType(contentType)
	if base == "" {
		return "jpg"
	}
	if mt := mimetype.Lookup(base); mt != nil {
		if ext := strings.TrimPrefix(mt.Extension(), "."); ext != "" {
			return ext
		}
	}
	return "jpg"
}

// DecodeConfig reads only the image header and returns the stored pixel
// dimensions.
func DecodeConfig(data []byte) (image.Config, error) {
	if len(data) == 0 {
		return image.Config{}, ErrNotImage
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return cfg, nil
}

// Decode decodes data, applying the EXIF orientation so the returned bounds
// match what a viewer displays.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrNotImage
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return img, nil
}
