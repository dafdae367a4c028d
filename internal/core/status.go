package core

// status.go maps request outcomes to the fixed response pages.
//
// # Response Classes
//
// Every request ends on exactly one page. The page is chosen once, the first
// time an outcome is known, and never changes afterwards:
//
//	default     200  GET /
//	completed   200  upload committed and converted
//	bad-request 400  wrong field key, no file data, malformed or oversized body
//	file-exists 403  staging file already present (someone else owns it)
//	io-error    500  body read, staging, commit, conversion or queue failure
//	bad-method  405  anything but GET, HEAD or POST
//	not-found   404  unknown path, or no converted image yet
//
// # Error Classes
//
// Errors are grouped by who caused them:
//
//   - ClassClient: the request itself is unacceptable. Terminal at once, the
//     admission queue is never touched.
//   - ClassResource: the filesystem or the converter failed. Terminal, and the
//     upload slot is released if the request held it.
//   - ClassFatal: the suspension pool could not take another waiter. Only the
//     offending request is rejected.

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/x11mirror/internal/admission"
	"github.com/JonMunkholm/x11mirror/internal/convert"
)

// Client errors.
var (
	ErrBadField  = errors.New("upload field key does not carry the file marker")
	ErrNoData    = errors.New("no file data received")
	ErrBadOffset = errors.New("upload chunk out of sequence")
	ErrTooLarge  = errors.New("upload exceeds the size limit")
	ErrMalformed = errors.New("malformed upload body")
	ErrBadMethod = errors.New("method not allowed")
	ErrNotFound  = errors.New("not found")
)

// Resource errors.
var (
	ErrStagingExists = errors.New("staging file already exists")
	ErrStagingOpen   = errors.New("cannot open staging file")
	ErrStagingWrite  = errors.New("cannot write staging file")
	ErrBodyRead      = errors.New("cannot read upload body")
	ErrCommit        = errors.New("cannot commit upload")
	ErrConvert       = convert.ErrConvert
	ErrPublish       = errors.New("cannot publish converted image")
)

// ErrQueueFull is the fatal error for a request that could not be parked.
var ErrQueueFull = admission.ErrPoolFull

// Page identifies one of the fixed response bodies.
type Page int

const (
	PageDefault Page = iota
	PageCompleted
	PageBadRequest
	PageFileExists
	PageIOError
	PageBadMethod
	PageNotFound
	// PageArtifact streams the converted image instead of a page body.
	PageArtifact
)

var pageNames = [...]string{
	PageDefault:    "default",
	PageCompleted:  "completed",
	PageBadRequest: "bad-request",
	PageFileExists: "file-exists",
	PageIOError:    "io-error",
	PageBadMethod:  "bad-method",
	PageNotFound:   "not-found",
	PageArtifact:   "artifact",
}

func (p Page) String() string {
	if p < 0 || int(p) >= len(pageNames) {
		return "unknown"
	}
	return pageNames[p]
}

// Status is the terminal outcome of a request: what the client gets back.
type Status struct {
	Code int
	Page Page

	// Artifact is the file to stream when Page is PageArtifact.
	Artifact string

	// Err is the cause of a failure status, nil on success.
	Err error
}

// OK reports whether the status is a success.
func (s Status) OK() bool {
	return s.Code >= 200 && s.Code < 300
}

// ErrorClass groups errors by who caused them.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassClient
	ClassResource
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassResource:
		return "resource"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}

// Classify returns the class of err.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrBadField), errors.Is(err, ErrNoData), errors.Is(err, ErrBadOffset),
		errors.Is(err, ErrTooLarge), errors.Is(err, ErrMalformed),
		errors.Is(err, ErrBadMethod), errors.Is(err, ErrNotFound):
		return ClassClient
	case errors.Is(err, ErrQueueFull):
		return ClassFatal
	default:
		return ClassResource
	}
}

// StatusFor maps an error to its response. The first matching class wins.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return Status{Code: http.StatusOK, Page: PageCompleted}
	case errors.Is(err, ErrBadMethod):
		return Status{Code: http.StatusMethodNotAllowed, Page: PageBadMethod, Err: err}
	case errors.Is(err, ErrNotFound):
		return Status{Code: http.StatusNotFound, Page: PageNotFound, Err: err}
	case errors.Is(err, ErrBadField), errors.Is(err, ErrNoData), errors.Is(err, ErrBadOffset),
		errors.Is(err, ErrTooLarge), errors.Is(err, ErrMalformed):
		return Status{Code: http.StatusBadRequest, Page: PageBadRequest, Err: err}
	case errors.Is(err, ErrStagingExists):
		return Status{Code: http.StatusForbidden, Page: PageFileExists, Err: err}
	default:
		return Status{Code: http.StatusInternalServerError, Page: PageIOError, Err: err}
	}
}
