// Package convert turns a committed upload into the image served to readers.
package convert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/x11mirror/internal/config"
)

// ErrConvert wraps every conversion failure.
var ErrConvert = errors.New("conversion failed")

// Converter reads the file at in and writes the converted image to out.
// Convert is synchronous; out is only valid when it returns nil.
type Converter interface {
	Convert(ctx context.Context, in, out string) error
}

// Func adapts a plain function to Converter.
type Func func(ctx context.Context, in, out string) error

// Convert calls f.
func (f Func) Convert(ctx context.Context, in, out string) error {
	return f(ctx, in, out)
}

// New builds the converter selected by cfg.Backend.
func New(cfg config.ConvertConfig) (Converter, error) {
	switch strings.ToLower(cfg.Backend) {
	case "magick":
		return NewMagick(cfg), nil
	case "native":
		return NewNative(cfg.Quality), nil
	default:
		return nil, fmt.Errorf("unknown converter backend %q", cfg.Backend)
	}
}
