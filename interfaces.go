package ublk

import "github.com/ehrlich-b/go-ublk-vram/internal/interfaces"

// Backend is the storage a device serves: a fixed-size random-access byte
// range. *vmem.Memory is the implementation used by ublk-vram.
type Backend = interfaces.Backend

// SegmentedBackend is a Backend built from independent memory segments.
// The segment count is published as the device's "blocks" metadata.
type SegmentedBackend = interfaces.SegmentedBackend

// Observer receives per-request statistics from every queue.
type Observer = interfaces.Observer

// Completion describes one served request.
type Completion = interfaces.Completion

// Fault classifies a failed request.
type Fault = interfaces.Fault

const (
	FaultNone       = interfaces.FaultNone
	FaultOutOfRange = interfaces.FaultOutOfRange
	FaultSegment    = interfaces.FaultSegment
	FaultBackend    = interfaces.FaultBackend
	FaultInvalid    = interfaces.FaultInvalid
)

// blockCount returns the number of backing segments of b.
func blockCount(b Backend) int {
	if sb, ok := b.(SegmentedBackend); ok {
		return sb.Blocks()
	}
	return 1
}
