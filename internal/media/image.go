package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

// jpegQualities are tried in order until the encoded image fits.
var jpegQualities = []int{80, 65, 50}

// Normalize makes img acceptable to the destination: at most maxWidth pixels
// wide and at most maxBytes long. Images already within both limits are
// returned untouched. Images in a format that cannot be decoded are passed
// through when small enough, and rejected otherwise.
func Normalize(img *domain.ImageBlob, maxBytes, maxWidth int) (*domain.ImageBlob, error) {
	fitsSize := maxBytes <= 0 || len(img.Data) <= maxBytes

	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		if fitsSize {
			return img, nil
		}
		return nil, fmt.Errorf("decode image config: %w", err)
	}

	fitsWidth := maxWidth <= 0 || cfg.Width <= maxWidth
	if fitsSize && fitsWidth {
		return img, nil
	}

	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if !fitsWidth {
		src = scaleToWidth(src, maxWidth)
	}

	for _, q := range jpegQualities {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		if maxBytes <= 0 || buf.Len() <= maxBytes {
			return &domain.ImageBlob{Data: buf.Bytes(), MimeType: "image/jpeg"}, nil
		}
	}
	return nil, errors.New("image does not fit the upload limit")
}

func scaleToWidth(src image.Image, width int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	newH := h * width / w
	if newH < 1 {
		newH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}
