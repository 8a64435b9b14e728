package blobcache

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	// Decoders for the formats chat uploads arrive in.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

// CompressOptions controls image recompression before storage.
type CompressOptions struct {
	// Threshold is the size below which data is stored untouched.
	Threshold int64
	// AggressiveThreshold selects AggressiveQuality for larger inputs.
	AggressiveThreshold int64
	MaxWidth            int
	Quality             int
	AggressiveQuality   int
}

func DefaultCompressOptions() CompressOptions {
	return CompressOptions{
		Threshold:           100 << 10,
		AggressiveThreshold: 1 << 20,
		MaxWidth:            1280,
		Quality:             80,
		AggressiveQuality:   60,
	}
}

// Compress downscales and re-encodes an image as JPEG. The original is
// returned unchanged when it is below the threshold, is not an image, or the
// result would not be smaller. A non-nil error wraps chat.ErrCompression and
// always comes with the original data.
func Compress(data []byte, mimeType string, opts CompressOptions) ([]byte, string, error) {
	if int64(len(data)) < opts.Threshold || !strings.HasPrefix(mimeType, "image/") {
		return data, mimeType, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, mimeType, fmt.Errorf("%w: decode: %v", chat.ErrCompression, err)
	}

	img := src
	bounds := src.Bounds()
	if opts.MaxWidth > 0 && bounds.Dx() > opts.MaxWidth {
		height := bounds.Dy() * opts.MaxWidth / bounds.Dx()
		if height < 1 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, opts.MaxWidth, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
		img = dst
	}

	quality := opts.Quality
	if int64(len(data)) > opts.AggressiveThreshold {
		quality = opts.AggressiveQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return data, mimeType, fmt.Errorf("%w: encode: %v", chat.ErrCompression, err)
	}
	if buf.Len() >= len(data) {
		return data, mimeType, nil
	}
	return buf.Bytes(), "image/jpeg", nil
}
