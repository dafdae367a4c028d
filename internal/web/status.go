package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/x11mirror/internal/admission"
	"github.com/JonMunkholm/x11mirror/internal/core"
	"github.com/JonMunkholm/x11mirror/internal/logging"
)

// defaultRecent is how many uploads the status route lists without ?limit=.
const defaultRecent = 20

// RecentUploads lists finished uploads, newest first.
type RecentUploads interface {
	Recent(ctx context.Context, limit int) ([]core.UploadRecord, error)
}

// StatusReport is the body of the status route.
type StatusReport struct {
	Admission admission.Status    `json:"admission"`
	Recent    []core.UploadRecord `json:"recent"`
	Error     string              `json:"error,omitempty"`
}

// WithStatus serves the admission state of ctrl and the uploads listed by
// recent on the configured status path.
func WithStatus(ctrl *admission.Controller, recent RecentUploads) Option {
	return func(s *Server) {
		s.ctrl = ctrl
		s.recent = recent
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecent
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, r, http.StatusBadRequest, StatusReport{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	report := StatusReport{Admission: s.ctrl.Status(), Recent: []core.UploadRecord{}}
	recs, err := s.recent.Recent(r.Context(), limit)
	if err != nil {
		logging.FromContext(r.Context()).Error("list recent uploads", "error", err)
		report.Error = "recent uploads unavailable"
	} else if recs != nil {
		report.Recent = recs
	}
	writeJSON(w, r, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Warn("json encode error", "error", err)
	}
}
