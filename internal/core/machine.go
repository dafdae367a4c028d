package core

// machine.go drives a request from arrival to response.
//
// Write requests move through:
//
//	START -> WAITING -> ADMITTED -> RECEIVING -> FINALIZING -> DONE | FAILED
//
// WAITING is skipped when the slot is free. Any state can fall into FAILED;
// whoever holds the slot at that point releases it. Complete is the single
// unconditional cleanup: it runs exactly once per request, whatever happened.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/JonMunkholm/x11mirror/internal/admission"
	"github.com/JonMunkholm/x11mirror/internal/convert"
)

// DefaultFieldPrefix is the marker an upload field key must start with.
const DefaultFieldPrefix = "file"

// ArtifactPath is the URL path of the converted image.
const ArtifactPath = "/get.jpg"

// Options tunes a Machine.
type Options struct {
	// FieldPrefix is the required prefix of the upload field key.
	FieldPrefix string

	// Recorder receives one record per finished write request.
	Recorder Recorder

	// RecordTimeout bounds a single RecordUpload call.
	RecordTimeout time.Duration

	Logger *slog.Logger
}

// Machine is the request state machine. It is safe for concurrent use by
// many requests; per-request state lives in Request.
type Machine struct {
	ctrl    *admission.Controller
	store   *Storage
	conv    convert.Converter
	prefix  string
	rec     Recorder
	recWait time.Duration
	logger  *slog.Logger
}

// NewMachine wires the state machine to its collaborators.
func NewMachine(ctrl *admission.Controller, store *Storage, conv convert.Converter, opts Options) *Machine {
	m := &Machine{
		ctrl:    ctrl,
		store:   store,
		conv:    conv,
		prefix:  opts.FieldPrefix,
		rec:     opts.Recorder,
		recWait: opts.RecordTimeout,
		logger:  opts.Logger,
	}
	if m.prefix == "" {
		m.prefix = DefaultFieldPrefix
	}
	if m.rec == nil {
		m.rec = nopRecorder{}
	}
	if m.recWait <= 0 {
		m.recWait = 5 * time.Second
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Begin creates the context of a new request. Methods other than GET, HEAD
// and POST get their bad-method status right away.
func (m *Machine) Begin(ctx context.Context, conn admission.Conn, method string) *Request {
	req := &Request{
		ID:        uuid.NewString(),
		ctx:       ctx,
		conn:      conn,
		startedAt: time.Now(),
	}
	req.logger = m.logger.With("upload_id", req.ID, "conn", conn.ID())

	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		req.Kind = KindRead
	case http.MethodPost:
		req.Kind = KindWrite
	default:
		req.Kind = KindRead
		m.fail(req, fmt.Errorf("%w: %s", ErrBadMethod, method))
	}
	return req
}

// Read resolves a read request for path.
func (m *Machine) Read(req *Request, path string) Status {
	if st, ok := req.Status(); ok {
		return st
	}

	switch path {
	case "/", "":
		req.setStatus(Status{Code: http.StatusOK, Page: PageDefault})
	case ArtifactPath:
		if artifact, ok := m.store.Artifact(); ok {
			req.setStatus(Status{Code: http.StatusOK, Page: PageArtifact, Artifact: artifact})
		} else {
			req.setStatus(StatusFor(fmt.Errorf("%w: no converted image yet", ErrNotFound)))
		}
	default:
		req.setStatus(StatusFor(fmt.Errorf("%w: %s", ErrNotFound, path)))
	}
	st, _ := req.Status()
	return st
}

// Data handles one chunk of a form field. off is the chunk's offset within
// its field.
//
// Once a terminal status is recorded, chunks are discarded. When Suspend is
// returned nothing was written: the engine must park the connection and
// redeliver the same chunk after it is resumed.
func (m *Machine) Data(req *Request, key, filename string, chunk []byte, off int64) Action {
	if req.status != nil || req.done {
		return Continue
	}

	if req.Kind != KindWrite || !strings.HasPrefix(key, m.prefix) {
		m.fail(req, fmt.Errorf("%w: %q", ErrBadField, key))
		return Continue
	}

	if off == 0 {
		req.fieldOff = 0
	}
	if off != req.fieldOff {
		m.fail(req, fmt.Errorf("%w: got offset %d, want %d", ErrBadOffset, off, req.fieldOff))
		return Continue
	}

	if !req.uploader {
		if act, ok := m.admit(req, filename); !ok {
			return act
		}
	}

	if len(chunk) == 0 {
		return Continue
	}

	n, err := req.staging.Write(chunk)
	req.bytes += int64(n)
	req.fieldOff += int64(n)
	if err != nil {
		m.fail(req, fmt.Errorf("%w: %v", ErrStagingWrite, err))
	}
	return Continue
}

// admit asks for the upload slot and opens the staging file. ok is false
// when the caller must return act instead of writing.
func (m *Machine) admit(req *Request, filename string) (act Action, ok bool) {
	d, err := m.ctrl.TryAcquire(req.conn, req.conn.Timeout())
	if err != nil {
		req.parked = false
		m.fail(req, err)
		return Continue, false
	}

	if d == admission.Suspended {
		if !req.parked {
			req.parked = true
			req.parkedAt = time.Now()
			req.logger.Info("upload parked", "waiting", m.ctrl.Status().Waiting)
		}
		return Suspend, false
	}

	if req.parked {
		req.parked = false
		req.waited += time.Since(req.parkedAt)
	}
	req.uploader = true
	req.filename = filename

	f, err := m.store.OpenStaging()
	if err != nil {
		m.fail(req, err)
		return Continue, false
	}
	req.staging = f
	req.ownsStaging = true
	req.logger.Info("upload admitted", "filename", filename, "waited", req.waited)
	return Continue, true
}

// Finish handles end of data and returns the response to queue.
//
// For an admitted upload this closes the staging file, commits it, runs the
// converter and releases the slot, in that order, before returning.
func (m *Machine) Finish(req *Request) Status {
	if st, ok := req.Status(); ok {
		return st
	}

	if req.Kind != KindWrite || !req.uploader {
		m.fail(req, ErrNoData)
		st, _ := req.Status()
		return st
	}

	f := req.staging
	req.staging = nil
	if err := f.Close(); err != nil {
		m.fail(req, fmt.Errorf("%w: close: %v", ErrStagingWrite, err))
		st, _ := req.Status()
		return st
	}

	if err := m.store.Commit(); err != nil {
		m.fail(req, err)
		st, _ := req.Status()
		return st
	}
	req.ownsStaging = false

	committed, pending := m.store.ConvertPaths()
	// The client may hang up once its bytes are in; the conversion still runs.
	convErr := m.conv.Convert(context.WithoutCancel(req.ctx), committed, pending)
	if err := m.store.DiscardCommitted(); err != nil {
		req.logger.Warn("failed to remove committed upload", "error", err)
	}
	if convErr == nil {
		convErr = m.store.PublishArtifact()
	} else if !errors.Is(convErr, ErrConvert) {
		convErr = fmt.Errorf("%w: %v", ErrConvert, convErr)
	}
	if convErr != nil {
		if err := m.store.DiscardPending(); err != nil {
			req.logger.Warn("failed to remove converter output", "error", err)
		}
		m.fail(req, convErr)
		st, _ := req.Status()
		return st
	}

	m.release(req)
	req.setStatus(StatusFor(nil))
	req.logger.Info("upload completed",
		"filename", req.filename,
		"size", humanize.Bytes(uint64(req.bytes)),
		"duration", time.Since(req.startedAt).Round(time.Millisecond),
	)

	st, _ := req.Status()
	return st
}

// Complete is the destruction hook. The engine calls it exactly once per
// request, including aborted and parked ones; extra calls are ignored.
func (m *Machine) Complete(req *Request, reason Reason) {
	if req == nil || req.done {
		return
	}
	req.done = true
	req.finishedAt = time.Now()

	m.dropStaging(req, req.logger)

	if req.uploader {
		req.logger.Warn("upload abandoned, releasing slot", "reason", reason.String())
		m.release(req)
	} else if req.parked {
		if m.ctrl.Cancel(req.conn) {
			req.logger.Info("parked upload gone", "reason", reason.String())
		}
		req.parked = false
	}

	if req.Kind == KindWrite {
		record(m.rec, m.recWait, req.logger, m.recordOf(req, reason))
	}
}

// Fail ends req with the status for err. The engine calls it when the body
// cannot be read any further; the slot and staging file are let go at once.
func (m *Machine) Fail(req *Request, err error) Status {
	m.fail(req, err)
	st, _ := req.Status()
	return st
}

// fail records a terminal error status. A request holding the slot drops its
// staging file and releases the slot right away so the queue keeps moving.
func (m *Machine) fail(req *Request, err error) {
	st := StatusFor(err)
	req.setStatus(st)

	class := Classify(err)
	logger := req.logger
	if logger == nil {
		logger = m.logger
	}
	if class == ClassClient {
		logger.Info("request rejected", "status", st.Code, "error", err)
	} else {
		logger.Error("upload failed", "status", st.Code, "class", class.String(), "error", err)
	}

	m.dropStaging(req, logger)
	m.release(req)
}

// dropStaging closes and removes a staging file this request created.
func (m *Machine) dropStaging(req *Request, logger *slog.Logger) {
	if req.staging != nil {
		if err := req.staging.Close(); err != nil {
			logger.Warn("failed to close staging file", "error", err)
		}
		req.staging = nil
	}
	if req.ownsStaging {
		req.ownsStaging = false
		if err := m.store.DiscardStaging(); err != nil {
			logger.Warn("failed to remove staging file", "error", err)
		}
	}
}

// release gives the slot back. Only the current uploader may call it.
func (m *Machine) release(req *Request) {
	if !req.uploader {
		return
	}
	req.uploader = false
	m.ctrl.Release()
}

func (m *Machine) recordOf(req *Request, reason Reason) UploadRecord {
	ip, ua := ClientFromContext(req.ctx)
	rec := UploadRecord{
		ID:         req.ID,
		ConnID:     req.conn.ID(),
		ClientIP:   ip,
		UserAgent:  ua,
		Filename:   req.filename,
		Bytes:      req.bytes,
		Aborted:    reason != ReasonCompleted,
		Waited:     req.waited,
		StartedAt:  req.startedAt,
		FinishedAt: req.finishedAt,
	}
	if st, ok := req.Status(); ok {
		rec.StatusCode = st.Code
		rec.Page = st.Page.String()
		if st.Err != nil {
			rec.Error = st.Err.Error()
			rec.ErrorClass = Classify(st.Err).String()
		}
	}
	return rec
}
