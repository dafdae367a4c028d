package web

// errors.go provides unified response handling for the web layer.
//
// Every request the state machine saw ends on one of the fixed pages chosen
// by core.StatusFor, including uploads whose body times out or breaks off
// midway. The only exception is a POST the multipart reader refuses before
// any request state exists: that is answered with a plain 400 and the
// connection is closed, since nothing after the bad bytes can be trusted.

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/JonMunkholm/x11mirror/internal/core"
	"github.com/JonMunkholm/x11mirror/internal/logging"
	"github.com/JonMunkholm/x11mirror/internal/web/templates"
)

// errParkAborted is returned when the client disconnects while parked.
var errParkAborted = errors.New("client went away while waiting for the upload slot")

// respond writes st to the client and flushes it. The destruction hook runs
// after the handler returns, so the page must not wait in the write buffer.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, st core.Status) {
	if st.Page == core.PageArtifact {
		s.serveArtifact(w, r, st.Artifact)
		return
	}

	if st.Err != nil {
		logging.FromContext(r.Context()).Debug("request error",
			"path", r.URL.Path,
			"method", r.Method,
			"status", st.Code,
			"page", st.Page.String(),
			"error", st.Err.Error(),
		)
	}

	var body bytes.Buffer
	if err := templates.Page(st.Page).Render(r.Context(), &body); err != nil {
		logging.FromContext(r.Context()).Warn("failed to render page", "page", st.Page.String(), "error", err)
	}

	h := w.Header()
	h.Set("Content-Type", templates.ContentType)
	h.Set("Content-Length", strconv.Itoa(body.Len()))
	if st.Code == http.StatusMethodNotAllowed {
		h.Set("Allow", "GET, HEAD, POST")
	}
	w.WriteHeader(st.Code)
	if r.Method != http.MethodHead {
		if _, err := w.Write(body.Bytes()); err != nil {
			logging.FromContext(r.Context()).Debug("failed to write page", "page", st.Page.String(), "error", err)
			return
		}
	}

	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logging.FromContext(r.Context()).Debug("failed to flush page", "error", err)
	}
}

// protocolError rejects a body that could not be parsed.
func (s *Server) protocolError(w http.ResponseWriter, r *http.Request, err error) {
	logging.FromContext(r.Context()).Info("malformed upload body", "error", err)

	w.Header().Set("Connection", "close")
	http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
}

// reasonFor maps how a handler ended to the completion reason reported to
// the state machine.
func reasonFor(ctx context.Context, readErr error) core.Reason {
	switch {
	case errors.Is(readErr, os.ErrDeadlineExceeded):
		return core.ReasonTimeout
	case ctx.Err() != nil, errors.Is(readErr, errParkAborted):
		return core.ReasonClientAbort
	case readErr != nil:
		return core.ReasonError
	default:
		return core.ReasonCompleted
	}
}
