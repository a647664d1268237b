package imaging

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// ScaleRect maps a rectangle authored against an image displayed at
// displayed size onto the image's natural pixel grid. Each axis is scaled
// independently by natural/displayed.
func ScaleRect(x, y, w, h float64, displayed, natural image.Point) image.Rectangle {
	sx, sy := 1.0, 1.0
	if displayed.X > 0 {
		sx = float64(natural.X) / float64(displayed.X)
	}
	if displayed.Y > 0 {
		sy = float64(natural.Y) / float64(displayed.Y)
	}
	x0 := int(math.Round(x * sx))
	y0 := int(math.Round(y * sy))
	return image.Rect(x0, y0, x0+int(math.Round(w*sx)), y0+int(math.Round(h*sy)))
}

// Crop renders the rect region of src onto a new raster exactly rect's size.
// Parts of rect outside src stay transparent.
func Crop(src image.Image, rect image.Rectangle) (*image.NRGBA, error) {
	if rect.Dx() < 1 || rect.Dy() < 1 {
		return nil, fmt.Errorf("empty crop rectangle %v", rect)
	}
	b := src.Bounds()
	rect = rect.Add(b.Min)
	out := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	visible := rect.Intersect(b)
	if visible.Empty() {
		return out, nil
	}
	dst := visible.Sub(rect.Min)
	draw.Draw(out, dst, src, visible.Min, draw.Src)
	return out, nil
}

// Fit downscales img so its longer side is at most maxDim. It reports whether
// the image changed; maxDim <= 0 disables the limit.
func Fit(img image.Image, maxDim int) (image.Image, bool) {
	b := img.Bounds()
	if maxDim <= 0 || (b.Dx() <= maxDim && b.Dy() <= maxDim) {
		return img, false
	}
	return imaging.Fit(img, maxDim, maxDim, imaging.Lanczos), true
}

// EncodeJPEG encodes img as JPEG at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
