package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/JonMunkholm/x11mirror/internal/core"
)

// withClient adds IP and User-Agent to the request context for the upload history.
func withClient(r *http.Request) context.Context {
	ip := r.RemoteAddr // Already processed by TrustedRealIP
	return core.ContextWithClient(r.Context(), ip, r.UserAgent())
}

// connID names the admission handle after the chi request id, so parked and
// resumed log lines match the access log.
func connID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}
