package ublk

import (
	"sync"
)

// MockBackend is an in-memory SegmentedBackend for testing applications
// that serve a device. It counts calls and can be told to fail.
type MockBackend struct {
	mu     sync.RWMutex
	data   []byte
	blocks int

	readErr  error
	writeErr error

	readCalls  int
	writeCalls int
}

// NewMockBackend creates a mock backend of size bytes made of one block.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data:   make([]byte, size),
		blocks: 1,
	}
}

// ReadAt implements the Backend interface
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.readErr != nil {
		return 0, m.readErr
	}
	if !m.inRange(off, len(p)) {
		return 0, ErrOutOfRange
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements the Backend interface
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if !m.inRange(off, len(p)) {
		return 0, ErrOutOfRange
	}
	return copy(m.data[off:], p), nil
}

// inRange reports whether [off, off+n) lies inside the data without
// computing off+n, which can overflow.
func (m *MockBackend) inRange(off int64, n int) bool {
	size := int64(len(m.data))
	return off >= 0 && off <= size && int64(n) <= size-off
}

// Size implements the Backend interface
func (m *MockBackend) Size() int64 {
	return int64(len(m.data))
}

// Blocks implements the SegmentedBackend interface
func (m *MockBackend) Blocks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks
}

// SetBlocks sets the segment count reported by Blocks.
func (m *MockBackend) SetBlocks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = n
}

// FailReads makes every subsequent ReadAt return err; nil clears it.
func (m *MockBackend) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes every subsequent WriteAt return err; nil clears it.
func (m *MockBackend) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// CallCounts returns the number of ReadAt and WriteAt calls.
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
	}
}

// Reset clears the data, the call counters and any injected failure.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.data)
	m.readErr, m.writeErr = nil, nil
	m.readCalls, m.writeCalls = 0, 0
}
