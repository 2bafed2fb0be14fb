package files

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	_ "image/gif"
	_ "image/png"
)

const thumbnailMaxDim = 256

// isImage reports whether thumbnail derivation applies.
func isImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

// deriveThumbnail downscales an image to fit thumbnailMaxDim and encodes
// it as JPEG. Undecodable input returns an error; callers treat that as
// "no thumbnail", never as an upload failure.
func deriveThumbnail(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty image")
	}

	scale := 1.0
	if width > height {
		if width > thumbnailMaxDim {
			scale = float64(thumbnailMaxDim) / float64(width)
		}
	} else if height > thumbnailMaxDim {
		scale = float64(thumbnailMaxDim) / float64(height)
	}

	outW := int(float64(width) * scale)
	outH := int(float64(height) * scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for y := 0; y < outH; y++ {
		srcY := bounds.Min.Y + y*height/outH
		for x := 0; x < outW; x++ {
			srcX := bounds.Min.X + x*width/outW
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
