package history

import (
	"context"
	"sync"

	"github.com/JonMunkholm/x11mirror/internal/core"
)

// DefaultMemorySize is the number of records a MemoryRecorder keeps.
const DefaultMemorySize = 100

// MemoryRecorder keeps the most recent upload records in a ring.
type MemoryRecorder struct {
	mu   sync.Mutex
	buf  []core.UploadRecord
	next int
	full bool
}

// NewMemoryRecorder keeps up to size records.
func NewMemoryRecorder(size int) *MemoryRecorder {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &MemoryRecorder{buf: make([]core.UploadRecord, size)}
}

// RecordUpload implements core.Recorder.
func (m *MemoryRecorder) RecordUpload(_ context.Context, rec core.UploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf[m.next] = rec
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (m *MemoryRecorder) Recent(_ context.Context, limit int) ([]core.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]core.UploadRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.buf)) % len(m.buf)
		out = append(out, m.buf[idx])
	}
	return out, nil
}
