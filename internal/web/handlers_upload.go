package web

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/JonMunkholm/x11mirror/internal/core"
	"github.com/JonMunkholm/x11mirror/internal/logging"
)

// handleUpload receives a multipart upload and feeds it to the state machine
// chunk by chunk.
//
// The multipart reader stands in for the engine's form parser: if it cannot
// be created the request is rejected before any state exists. Otherwise every
// field is read in ChunkSize pieces, and a body that stops making sense ends
// on a fixed page like any other failure. When Data parks the request the handler
// goroutine blocks until the connection is resumed and then redelivers the
// same chunk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)

	mr, err := r.MultipartReader()
	if err != nil {
		s.protocolError(w, r, err)
		return
	}

	conn := newHTTPConn(w, r, connID(r), s.cfg.Server.ConnectionTimeout)
	req := s.machine.Begin(withClient(r), conn, r.Method)

	var readErr error
	defer func() {
		s.machine.Complete(req, reasonFor(r.Context(), readErr))
	}()

	buf := make([]byte, s.chunkSize())
	for {
		conn.armDeadline()
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			s.abortRead(w, r, req, err)
			return
		}

		if err := s.receivePart(req, conn, part, buf); err != nil {
			part.Close()
			readErr = err
			s.abortRead(w, r, req, err)
			return
		}
		part.Close()
	}

	s.respond(w, r, s.machine.Finish(req))
}

// receivePart streams one form field into the machine. A field is always
// delivered at least once, even when empty, so its key gets checked.
func (s *Server) receivePart(req *core.Request, conn *httpConn, part *multipart.Part, buf []byte) error {
	key, filename := part.FormName(), part.FileName()

	var off int64
	for {
		conn.armDeadline()
		n, err := readChunk(part, buf)
		if n > 0 || (off == 0 && err == io.EOF) {
			if !s.deliver(req, conn, key, filename, buf[:n], off) {
				return errParkAborted
			}
			off += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// deliver hands a chunk to the machine, parking the goroutine for as long as
// the machine asks. It reports false if the client went away while parked.
func (s *Server) deliver(req *core.Request, conn *httpConn, key, filename string, chunk []byte, off int64) bool {
	for s.machine.Data(req, key, filename, chunk, off) == core.Suspend {
		if !conn.park() {
			return false
		}
	}
	return true
}

func (s *Server) chunkSize() int {
	if n := s.cfg.Upload.ChunkSize; n > 0 {
		return n
	}
	return 32 << 10
}

// abortRead ends a request whose body could not be read to the end. The
// client gets the page for the failure unless it is already gone.
//
// A read deadline also cancels the request context, so it is checked first.
func (s *Server) abortRead(w http.ResponseWriter, r *http.Request, req *core.Request, err error) {
	logger := logging.WithFields(r.Context(), "upload_id", req.ID)

	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Warn("upload timed out", "timeout", req.Conn().Timeout(), "error", err)
		err = fmt.Errorf("%w: %v", core.ErrBodyRead, err)
	case errors.As(err, &tooLarge):
		err = fmt.Errorf("%w: limit is %d bytes", core.ErrTooLarge, tooLarge.Limit)
	case errors.Is(err, errParkAborted), r.Context().Err() != nil:
		logger.Info("upload aborted by client", "error", err)
		return
	default:
		err = fmt.Errorf("%w: %v", core.ErrMalformed, err)
	}

	// The rest of the body is not read.
	w.Header().Set("Connection", "close")
	s.respond(w, r, s.machine.Fail(req, err))
}

// readChunk fills buf from r. It returns io.EOF only at the clean end of
// the field, possibly together with the last bytes.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
