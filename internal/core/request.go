package core

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/JonMunkholm/x11mirror/internal/admission"
)

// Kind is the request type.
type Kind int

const (
	// KindRead is a GET/HEAD: serves a page or the converted image.
	KindRead Kind = iota
	// KindWrite is a POST carrying an upload.
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Action tells the engine what to do after a Data callback.
type Action int

const (
	// Continue delivering data.
	Continue Action = iota
	// Suspend: the connection was parked. Stop servicing it and, once it is
	// resumed, redeliver the same chunk.
	Suspend
)

// Reason is why the engine finished a request.
type Reason int

const (
	ReasonCompleted Reason = iota
	ReasonClientAbort
	ReasonError
	ReasonTimeout
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonClientAbort:
		return "client abort"
	case ReasonError:
		return "error"
	case ReasonTimeout:
		return "timed out"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Request is the per-request context the engine carries between callbacks.
// Callbacks for one request are never concurrent; different requests are.
type Request struct {
	ID   string
	Kind Kind

	ctx    context.Context
	conn   admission.Conn
	logger *slog.Logger

	staging     *os.File
	ownsStaging bool
	status      *Status
	uploader    bool
	parked      bool
	done        bool

	filename string
	fieldOff int64
	bytes    int64

	startedAt  time.Time
	parkedAt   time.Time
	waited     time.Duration
	finishedAt time.Time
}

// Status returns the terminal status, if one was recorded.
func (r *Request) Status() (Status, bool) {
	if r.status == nil {
		return Status{}, false
	}
	return *r.status, true
}

// Uploader reports whether the request currently holds the upload slot.
func (r *Request) Uploader() bool { return r.uploader }

// Parked reports whether the request is waiting for the upload slot.
func (r *Request) Parked() bool { return r.parked }

// Bytes returns the number of bytes written to the staging file.
func (r *Request) Bytes() int64 { return r.bytes }

// Conn returns the engine handle of the request.
func (r *Request) Conn() admission.Conn { return r.conn }

// setStatus records the terminal status. The first one wins.
func (r *Request) setStatus(st Status) {
	if r.status != nil {
		return
	}
	r.status = &st
}
