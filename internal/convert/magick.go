package convert

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/JonMunkholm/x11mirror/internal/config"
)

// Magick converts through the ImageMagick command line tool:
//
//	convert xwd:<in> jpg:<out>
type Magick struct {
	Command      string
	InputFormat  string
	OutputFormat string
	Timeout      time.Duration
}

// NewMagick creates a Magick converter from configuration.
func NewMagick(cfg config.ConvertConfig) *Magick {
	return &Magick{
		Command:      cfg.Command,
		InputFormat:  cfg.InputFormat,
		OutputFormat: cfg.OutputFormat,
		Timeout:      cfg.Timeout,
	}
}

// Args returns the command arguments for converting in to out. The output
// coder is always explicit: out is a temporary name whose extension says
// nothing about the format.
func (m *Magick) Args(in, out string) []string {
	format := m.OutputFormat
	if format == "" {
		format = "jpg"
	}
	return []string{coder(m.InputFormat, in), coder(format, out)}
}

// Convert runs the command, failing with ErrConvert on a non-zero exit.
func (m *Magick) Convert(ctx context.Context, in, out string) error {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.Command, m.Args(in, out)...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%w: %s: %v", ErrConvert, m.Command, err)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrConvert, m.Command, err, msg)
	}
	return nil
}

// coder prefixes path with an explicit ImageMagick format, if any.
func coder(format, path string) string {
	if format == "" {
		return path
	}
	return format + ":" + path
}
