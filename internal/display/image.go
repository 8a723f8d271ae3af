package display

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// Downscale shrinks a PNG or JPEG screenshot to maxWidth keeping the aspect
// ratio and returns it as PNG. Images that already fit come back untouched.
func Downscale(data []byte, maxWidth int) ([]byte, error) {
	if maxWidth <= 0 || len(data) == 0 {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxWidth {
		return data, nil
	}
	height := max(bounds.Dy()*maxWidth/bounds.Dx(), 1)

	resized := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}
