package web

import (
	"net/http"
	"os"
	"path"

	"github.com/JonMunkholm/x11mirror/internal/core"
	"github.com/JonMunkholm/x11mirror/internal/logging"
)

// handleRead serves the landing page and the converted image. Readers never
// take the upload slot, so they are answered while an upload is running.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	conn := newHTTPConn(w, r, connID(r), s.cfg.Server.ConnectionTimeout)
	req := s.machine.Begin(withClient(r), conn, r.Method)
	defer s.machine.Complete(req, reasonFor(r.Context(), nil))

	s.respond(w, r, s.machine.Read(req, r.URL.Path))
}

// handleNotFound answers unknown paths. A method we never serve wins over
// the unknown path.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
		s.respond(w, r, core.StatusFor(core.ErrNotFound))
	default:
		s.respond(w, r, core.StatusFor(core.ErrBadMethod))
	}
}

// handleBadMethod answers known paths requested with the wrong method.
func (s *Server) handleBadMethod(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, core.StatusFor(core.ErrBadMethod))
}

// serveArtifact streams the converted image. Range and conditional requests
// are handled by http.ServeContent.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, file string) {
	f, err := os.Open(file)
	if err != nil {
		// Removed between the existence check and now.
		s.respond(w, r, core.StatusFor(core.ErrNotFound))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		logging.FromContext(r.Context()).Error("stat artifact", "error", err)
		s.respond(w, r, core.StatusFor(err))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, path.Base(core.ArtifactPath), info.ModTime(), f)
}
