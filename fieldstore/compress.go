// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldstore

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// ImageCompressor shrinks photos into a bounding box before they are stored.
type ImageCompressor struct {
	MaxWidth  int
	MaxHeight int
	Quality   int // JPEG quality, 1..100
}

// DefaultImageCompressor matches typical field photo settings.
func DefaultImageCompressor() *ImageCompressor {
	return &ImageCompressor{MaxWidth: 1920, MaxHeight: 1920, Quality: 80}
}

var errNotSmaller = errors.New("compressed image is not smaller")

// Supports reports whether mimeType can be compressed.
func (c *ImageCompressor) Supports(mimeType string) bool {
	return mimeType == "image/jpeg" || mimeType == "image/png"
}

// Compress resizes data to fit the bounding box and re-encodes it in its own
// format. An error means the caller should keep the original bytes.
func (c *ImageCompressor) Compress(data []byte, mimeType string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	b := src.Bounds()
	w, h := fitBox(b.Dx(), b.Dy(), c.MaxWidth, c.MaxHeight)
	img := src
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	var out bytes.Buffer
	switch mimeType {
	case "image/jpeg":
		q := c.Quality
		if q <= 0 || q > 100 {
			q = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&out, img, &jpeg.Options{Quality: q})
	case "image/png":
		err = (&png.Encoder{CompressionLevel: png.BestCompression}).Encode(&out, img)
	default:
		return nil, fmt.Errorf("unsupported image type %q", mimeType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	if out.Len() >= len(data) && w == b.Dx() && h == b.Dy() {
		return nil, errNotSmaller
	}
	return out.Bytes(), nil
}

func fitBox(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	if maxW > 0 && w > maxW {
		h = h * maxW / w
		w = maxW
	}
	if maxH > 0 && h > maxH {
		w = w * maxH / h
		h = maxH
	}
	return max(w, 1), max(h, 1)
}
