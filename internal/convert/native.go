package convert

import (
	"context"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"os"
)

// Native converts with the standard library decoders (PNG, GIF, JPEG) and
// always writes JPEG.
type Native struct {
	Quality int
}

// NewNative creates a Native converter. Out-of-range quality falls back to
// the JPEG default.
func NewNative(quality int) *Native {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Native{Quality: quality}
}

// Convert decodes in and writes it as JPEG to out.
func (n *Native) Convert(ctx context.Context, in, out string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConvert, err)
	}

	src, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("%w: open input: %v", ErrConvert, err)
	}
	defer src.Close()

	img, format, err := image.Decode(src)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrConvert, err)
	}

	dst, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("%w: create output: %v", ErrConvert, err)
	}

	if err := jpeg.Encode(dst, img, &jpeg.Options{Quality: n.Quality}); err != nil {
		dst.Close()
		return fmt.Errorf("%w: encode %s as jpeg: %v", ErrConvert, format, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: close output: %v", ErrConvert, err)
	}
	return nil
}
