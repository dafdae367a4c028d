package core

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// UploadRecord describes one finished write request.
type UploadRecord struct {
	ID         string `json:"id"`
	ConnID     string `json:"conn_id"`
	ClientIP   string `json:"client_ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Bytes      int64  `json:"bytes"`
	StatusCode int    `json:"status_code,omitempty"`
	Page       string `json:"page,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
	Error      string `json:"error,omitempty"`
	Aborted    bool   `json:"aborted"`

	// Waited is the time spent parked before admission.
	Waited time.Duration `json:"waited_ns"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the wall time of the request.
func (r UploadRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder persists upload records. Recording is best-effort: errors are
// logged, never surfaced to the client.
type Recorder interface {
	RecordUpload(ctx context.Context, rec UploadRecord) error
}

// Recorders fans a record out to several recorders.
type Recorders []Recorder

// RecordUpload calls every recorder and joins their errors.
func (rs Recorders) RecordUpload(ctx context.Context, rec UploadRecord) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordUpload(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopRecorder struct{}

func (nopRecorder) RecordUpload(context.Context, UploadRecord) error { return nil }

// record writes rec with a bounded context detached from the request, which
// is usually gone by the time the destruction hook runs.
func record(r Recorder, timeout time.Duration, logger *slog.Logger, rec UploadRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.RecordUpload(ctx, rec); err != nil {
		logger.Warn("failed to record upload", "upload_id", rec.ID, "error", err)
	}
}
