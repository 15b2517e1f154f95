package ublk

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/go-ublk-vram/internal/interfaces"
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
)

// latencyBounds are the upper bounds of the latency histogram. Requests
// slower than the last bound land in an overflow bucket.
var latencyBounds = [...]time.Duration{
	time.Microsecond,
	4 * time.Microsecond,
	16 * time.Microsecond,
	64 * time.Microsecond,
	256 * time.Microsecond,
	time.Millisecond,
	4 * time.Millisecond,
	16 * time.Millisecond,
	64 * time.Millisecond,
	256 * time.Millisecond,
	time.Second,
}

const (
	opRead = iota
	opWrite
	opFlush
	opDiscard
	opOther
	numOps
)

func opIndex(op uint8) int {
	switch op {
	case uapi.UBLK_IO_OP_READ:
		return opRead
	case uapi.UBLK_IO_OP_WRITE:
		return opWrite
	case uapi.UBLK_IO_OP_FLUSH:
		return opFlush
	case uapi.UBLK_IO_OP_DISCARD:
		return opDiscard
	default:
		return opOther
	}
}

type opCounters struct {
	requests atomic.Uint64
	bytes    atomic.Uint64
	errors   atomic.Uint64
}

// Metrics aggregates the completions of every queue of a device. It is an
// Observer and is safe for concurrent use.
type Metrics struct {
	ops [numOps]opCounters

	// Data requests by how they map onto the backing segments.
	split        atomic.Uint64 // touched more than one segment
	segmentTotal atomic.Uint64
	maxSegments  atomic.Uint64

	faults [interfaces.NumFaults]atomic.Uint64

	latency    [len(latencyBounds) + 1]atomic.Uint64
	latencySum atomic.Uint64
	latencyMax atomic.Uint64

	batches    atomic.Uint64
	batchTotal atomic.Uint64
	batchMax   atomic.Uint64

	started time.Time
	stopped atomic.Int64 // unix nanos, 0 while running
}

// NewMetrics returns metrics whose uptime starts now.
func NewMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

// ObserveCompletion records one served request.
func (m *Metrics) ObserveCompletion(c interfaces.Completion) {
	ops := &m.ops[opIndex(c.Op)]
	ops.requests.Add(1)
	ops.bytes.Add(c.Bytes)
	if c.Fault != interfaces.FaultNone {
		ops.errors.Add(1)
		if c.Fault < interfaces.NumFaults {
			m.faults[c.Fault].Add(1)
		}
	}

	if c.Segments > 0 {
		m.segmentTotal.Add(uint64(c.Segments))
		if c.Segments > 1 {
			m.split.Add(1)
		}
		storeMax(&m.maxSegments, uint64(c.Segments))
	}

	ns := uint64(max(c.Latency, 0))
	m.latency[latencyBucket(c.Latency)].Add(1)
	m.latencySum.Add(ns)
	storeMax(&m.latencyMax, ns)
}

// ObserveBatch records the size of one completion batch.
func (m *Metrics) ObserveBatch(_ uint16, completions int) {
	if completions <= 0 {
		return
	}
	m.batches.Add(1)
	m.batchTotal.Add(uint64(completions))
	storeMax(&m.batchMax, uint64(completions))
}

// Stop freezes the uptime. Later calls are no-ops.
func (m *Metrics) Stop() {
	m.stopped.CompareAndSwap(0, time.Now().UnixNano())
}

func latencyBucket(d time.Duration) int {
	for i, bound := range latencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

func storeMax(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// OpStats counts the requests of one operation.
type OpStats struct {
	Requests uint64
	Bytes    uint64
	Errors   uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Read    OpStats
	Write   OpStats
	Flush   OpStats
	Discard OpStats
	Other   OpStats // operations the device does not support

	// SplitRequests counts reads and writes that crossed a segment boundary.
	SplitRequests uint64
	// SegmentAccesses sums the segments touched by every read and write.
	SegmentAccesses uint64
	MaxSegments     uint64

	OutOfRange    uint64
	SegmentFaults uint64
	BackendErrors uint64
	Invalid       uint64

	Batches  uint64
	AvgBatch float64
	MaxBatch uint64

	AvgLatency time.Duration
	P50Latency time.Duration
	P99Latency time.Duration
	MaxLatency time.Duration

	Uptime time.Duration
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	load := func(i int) OpStats {
		return OpStats{
			Requests: m.ops[i].requests.Load(),
			Bytes:    m.ops[i].bytes.Load(),
			Errors:   m.ops[i].errors.Load(),
		}
	}
	s := MetricsSnapshot{
		Read:            load(opRead),
		Write:           load(opWrite),
		Flush:           load(opFlush),
		Discard:         load(opDiscard),
		Other:           load(opOther),
		SplitRequests:   m.split.Load(),
		SegmentAccesses: m.segmentTotal.Load(),
		MaxSegments:     m.maxSegments.Load(),
		OutOfRange:      m.faults[interfaces.FaultOutOfRange].Load(),
		SegmentFaults:   m.faults[interfaces.FaultSegment].Load(),
		BackendErrors:   m.faults[interfaces.FaultBackend].Load(),
		Invalid:         m.faults[interfaces.FaultInvalid].Load(),
		Batches:         m.batches.Load(),
		MaxBatch:        m.batchMax.Load(),
		MaxLatency:      time.Duration(m.latencyMax.Load()),
	}
	if s.Batches > 0 {
		s.AvgBatch = float64(m.batchTotal.Load()) / float64(s.Batches)
	}

	var counts [len(latencyBounds) + 1]uint64
	var total uint64
	for i := range m.latency {
		counts[i] = m.latency[i].Load()
		total += counts[i]
	}
	if total > 0 {
		s.AvgLatency = time.Duration(m.latencySum.Load() / total)
		s.P50Latency = percentile(counts[:], total, 0.50, s.MaxLatency)
		s.P99Latency = percentile(counts[:], total, 0.99, s.MaxLatency)
	}

	end := time.Now()
	if ns := m.stopped.Load(); ns != 0 {
		end = time.Unix(0, ns)
	}
	s.Uptime = end.Sub(m.started)
	return s
}

// percentile returns the upper bound of the bucket holding rank q of total.
// The overflow bucket reports the slowest request seen.
func percentile(counts []uint64, total uint64, q float64, slowest time.Duration) time.Duration {
	rank := uint64(math.Ceil(q * float64(total)))
	var seen uint64
	for i, n := range counts {
		seen += n
		if seen >= rank && i < len(latencyBounds) {
			return min(latencyBounds[i], slowest)
		}
	}
	return slowest
}

// Requests returns the number of completed requests of every operation.
func (s MetricsSnapshot) Requests() uint64 {
	return s.Read.Requests + s.Write.Requests + s.Flush.Requests + s.Discard.Requests + s.Other.Requests
}

// Errors returns the number of failed requests.
func (s MetricsSnapshot) Errors() uint64 {
	return s.Read.Errors + s.Write.Errors + s.Flush.Errors + s.Discard.Errors + s.Other.Errors
}

// LogFields returns the snapshot as key/value pairs for structured logging
func (s MetricsSnapshot) LogFields() []any {
	return []any{
		"reads", s.Read.Requests,
		"read_bytes", humanize.IBytes(s.Read.Bytes),
		"writes", s.Write.Requests,
		"write_bytes", humanize.IBytes(s.Write.Bytes),
		"flushes", s.Flush.Requests,
		"discards", s.Discard.Requests,
		"split_requests", s.SplitRequests,
		"max_segments", s.MaxSegments,
		"errors", s.Errors(),
		"out_of_range", s.OutOfRange,
		"segment_faults", s.SegmentFaults,
		"avg_latency", s.AvgLatency.String(),
		"p99_latency", s.P99Latency.String(),
		"uptime", s.Uptime.Round(time.Second).String(),
	}
}

type teeObserver []Observer

// Tee returns an Observer that forwards to each non-nil observer in order
func Tee(observers ...Observer) Observer {
	var t teeObserver
	for _, o := range observers {
		if o != nil {
			t = append(t, o)
		}
	}
	if len(t) == 1 {
		return t[0]
	}
	return t
}

func (t teeObserver) ObserveCompletion(c interfaces.Completion) {
	for _, o := range t {
		o.ObserveCompletion(c)
	}
}

func (t teeObserver) ObserveBatch(queue uint16, completions int) {
	for _, o := range t {
		o.ObserveBatch(queue, completions)
	}
}

var (
	_ Observer = (*Metrics)(nil)
	_ Observer = teeObserver(nil)
)
