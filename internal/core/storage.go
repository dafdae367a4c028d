package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/x11mirror/internal/config"
)

// Storage owns the fixed files of the upload cycle:
//
//	staging    bytes of the upload in progress
//	committed  the finished upload, input of the converter
//	pending    converter output not yet visible to readers
//	artifact   the converted image served to readers
//
// There is exactly one of each process-wide. Only the admission slot holder
// touches staging, committed and pending, so no per-request naming is needed.
// Readers only ever see a complete artifact: it is replaced by rename.
type Storage struct {
	dir       string
	staging   string
	committed string
	pending   string
	artifact  string
}

// NewStorage creates a Storage for the configured directory.
func NewStorage(cfg config.StorageConfig) *Storage {
	return &Storage{
		dir:       cfg.Dir,
		staging:   cfg.StagingPath(),
		committed: cfg.CommittedPath(),
		pending:   cfg.PendingArtifactPath(),
		artifact:  cfg.ArtifactPath(),
	}
}

// Prepare creates the storage directory and removes leftovers of a cycle that
// was interrupted by a crash. The artifact is kept.
func (s *Storage) Prepare() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	for _, p := range []string{s.staging, s.committed, s.pending} {
		if err := removeIfExists(p); err != nil {
			return fmt.Errorf("remove stale %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// OpenStaging creates the staging file. It refuses to reuse an existing one.
func (s *Storage) OpenStaging() (*os.File, error) {
	f, err := os.OpenFile(s.staging, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %v", ErrStagingExists, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStagingOpen, err)
	}
	return f, nil
}

// Commit moves staging to committed. It never replaces an existing committed
// file: on any failure the staging file is left in place for the caller to
// discard.
func (s *Storage) Commit() error {
	if err := os.Link(s.staging, s.committed); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %w", ErrCommit, err)
		}
		// Filesystems without hard links: check then rename.
		if _, statErr := os.Lstat(s.committed); statErr == nil {
			return fmt.Errorf("%w: %s: %w", ErrCommit, s.committed, fs.ErrExist)
		}
		if err := os.Rename(s.staging, s.committed); err != nil {
			return fmt.Errorf("%w: %w", ErrCommit, err)
		}
		return nil
	}

	if err := os.Remove(s.staging); err != nil {
		return fmt.Errorf("%w: unlink staging: %w", ErrCommit, err)
	}
	return nil
}

// DiscardStaging removes the staging file, if present.
func (s *Storage) DiscardStaging() error {
	return removeIfExists(s.staging)
}

// DiscardCommitted removes the committed file once the converter consumed it.
func (s *Storage) DiscardCommitted() error {
	return removeIfExists(s.committed)
}

// PublishArtifact replaces the artifact with the pending converter output.
func (s *Storage) PublishArtifact() error {
	if err := os.Rename(s.pending, s.artifact); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// DiscardPending removes converter output that will not be published.
func (s *Storage) DiscardPending() error {
	return removeIfExists(s.pending)
}

// Artifact returns the path of the converted image and whether it exists.
func (s *Storage) Artifact() (string, bool) {
	info, err := os.Stat(s.artifact)
	if err != nil || !info.Mode().IsRegular() {
		return s.artifact, false
	}
	return s.artifact, true
}

// ConvertPaths returns the converter's input and output.
func (s *Storage) ConvertPaths() (in, out string) {
	return s.committed, s.pending
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
