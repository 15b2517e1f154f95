package ublk

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockBackendBounds(t *testing.T) {
	m := NewMockBackend(4096)

	tests := []struct {
		name string
		off  int64
		n    int
		ok   bool
	}{
		{"whole", 0, 4096, true},
		{"last byte", 4095, 1, true},
		{"empty at end", 4096, 0, true},
		{"one past end", 4095, 2, false},
		{"start past end", 4097, 0, false},
		{"negative", -1, 1, false},
		{"wraps int64", math.MaxInt64 - 1, 16, false},
		{"max offset", math.MaxInt64, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.WriteAt(make([]byte, tt.n), tt.off)
			_, rerr := m.ReadAt(make([]byte, tt.n), tt.off)
			if tt.ok {
				assert.NoError(t, err)
				assert.NoError(t, rerr)
			} else {
				assert.ErrorIs(t, err, ErrOutOfRange)
				assert.ErrorIs(t, rerr, ErrOutOfRange)
			}
		})
	}
}

func TestMockBackendFailuresAndReset(t *testing.T) {
	m := NewMockBackend(1024)
	_, err := m.WriteAt([]byte("segment"), 100)
	require.NoError(t, err)

	lost := errors.New("device lost")
	m.FailReads(lost)
	m.FailWrites(lost)
	_, err = m.ReadAt(make([]byte, 7), 100)
	assert.ErrorIs(t, err, lost)
	_, err = m.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, lost)
	assert.Equal(t, map[string]int{"read": 1, "write": 2}, m.CallCounts())

	m.Reset()
	assert.Equal(t, map[string]int{"read": 0, "write": 0}, m.CallCounts())

	got := make([]byte, 7)
	_, err = m.ReadAt(got, 100)
	require.NoError(t, err, "Reset clears injected failures")
	assert.Equal(t, make([]byte, 7), got, "Reset zeroes the data")
	assert.Equal(t, int64(1024), m.Size())
}
