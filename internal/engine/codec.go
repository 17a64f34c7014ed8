package engine

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

var ErrInvalidImage = errors.New("invalid source image")

// EncodeJPEG compresses img as a baseline JPEG.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidImage)
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeImage decodes a PNG, JPEG, GIF or WebP payload. The header is
// checked first so that images larger than maxPixels are rejected before
// any pixel data is allocated; maxPixels <= 0 disables the check.
func DecodeImage(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty dimensions", ErrInvalidImage)
	}
	if maxPixels > 0 && int64(hdr.Width)*int64(hdr.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrInvalidImage, hdr.Width, hdr.Height, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, format, nil
}
