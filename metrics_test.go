package ublk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
)

func completion(op uint8, bytes uint64, segments int, fault Fault) Completion {
	return Completion{Op: op, Bytes: bytes, Segments: segments, Fault: fault, Latency: 10 * time.Microsecond}
}

func TestMetricsCountsByOperation(t *testing.T) {
	m := NewMetrics()
	if snap := m.Snapshot(); snap.Requests() != 0 {
		t.Fatalf("Expected no requests initially, got %d", snap.Requests())
	}

	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 4096, 1, FaultNone))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 512, 1, FaultBackend))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_WRITE, 8192, 1, FaultNone))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_FLUSH, 0, 0, FaultNone))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_DISCARD, 1<<20, 0, FaultNone))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_WRITE_SAME, 512, 0, FaultInvalid))

	snap := m.Snapshot()
	assert.Equal(t, OpStats{Requests: 2, Bytes: 4608, Errors: 1}, snap.Read)
	assert.Equal(t, OpStats{Requests: 1, Bytes: 8192}, snap.Write)
	assert.Equal(t, OpStats{Requests: 1}, snap.Flush)
	assert.Equal(t, OpStats{Requests: 1, Bytes: 1 << 20}, snap.Discard)
	assert.Equal(t, OpStats{Requests: 1, Bytes: 512, Errors: 1}, snap.Other)
	assert.Equal(t, uint64(6), snap.Requests())
	assert.Equal(t, uint64(2), snap.Errors())
	assert.Equal(t, uint64(1), snap.BackendErrors)
	assert.Equal(t, uint64(1), snap.Invalid)
}

func TestMetricsSegmentSpans(t *testing.T) {
	m := NewMetrics()

	// Requests touching one, two and three segments. Flushes carry no span.
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 512, 1, FaultNone))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_WRITE, 4096, 2, FaultNone))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 1<<20, 3, FaultNone))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_FLUSH, 0, 0, FaultNone))

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.SplitRequests)
	assert.Equal(t, uint64(6), snap.SegmentAccesses)
	assert.Equal(t, uint64(3), snap.MaxSegments)
}

func TestMetricsFaults(t *testing.T) {
	m := NewMetrics()

	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_WRITE, 4096, 1, FaultOutOfRange))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 4096, 0, FaultOutOfRange))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 4096, 2, FaultSegment))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 4096, 1, FaultNone))

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.OutOfRange)
	assert.Equal(t, uint64(1), snap.SegmentFaults)
	assert.Zero(t, snap.BackendErrors)
	assert.Equal(t, uint64(2), snap.Read.Errors)
	assert.Equal(t, uint64(1), snap.Write.Errors)
	assert.Equal(t, uint64(1), snap.SplitRequests, "a faulted request still reports its span")
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	// 98 fast requests, one at 3ms and one past the last bucket.
	for i := 0; i < 98; i++ {
		m.ObserveCompletion(Completion{Op: uapi.UBLK_IO_OP_READ, Latency: 10 * time.Microsecond})
	}
	m.ObserveCompletion(Completion{Op: uapi.UBLK_IO_OP_READ, Latency: 3 * time.Millisecond})
	m.ObserveCompletion(Completion{Op: uapi.UBLK_IO_OP_READ, Latency: 2 * time.Second})

	snap := m.Snapshot()
	assert.Equal(t, 16*time.Microsecond, snap.P50Latency)
	assert.Equal(t, 4*time.Millisecond, snap.P99Latency)
	assert.Equal(t, 2*time.Second, snap.MaxLatency)
	want := (98*10*time.Microsecond + 3*time.Millisecond + 2*time.Second) / 100
	assert.Equal(t, want, snap.AvgLatency)

	// Every request in the overflow bucket reports the slowest seen.
	slow := NewMetrics()
	slow.ObserveCompletion(Completion{Op: uapi.UBLK_IO_OP_WRITE, Latency: 5 * time.Second})
	assert.Equal(t, 5*time.Second, slow.Snapshot().P99Latency)

	// A bucket bound never exceeds what was observed.
	one := NewMetrics()
	one.ObserveCompletion(Completion{Op: uapi.UBLK_IO_OP_WRITE, Latency: 100 * time.Nanosecond})
	assert.Equal(t, 100*time.Nanosecond, one.Snapshot().P50Latency)
}

func TestMetricsBatches(t *testing.T) {
	m := NewMetrics()
	m.ObserveBatch(0, 1)
	m.ObserveBatch(1, 5)
	m.ObserveBatch(0, 0)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Batches)
	assert.Equal(t, uint64(5), snap.MaxBatch)
	assert.InDelta(t, 3.0, snap.AvgBatch, 0.001)
}

func TestMetricsStopFreezesUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(5 * time.Millisecond)
	m.Stop()

	first := m.Snapshot().Uptime
	assert.GreaterOrEqual(t, first, 5*time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	assert.Equal(t, first, m.Snapshot().Uptime)
}

func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()

	const queues, perQueue = 4, 1000
	var wg sync.WaitGroup
	for q := 0; q < queues; q++ {
		wg.Add(1)
		go func(q int) {
			defer wg.Done()
			for i := 0; i < perQueue; i++ {
				m.ObserveCompletion(Completion{
					Queue:    uint16(q),
					Op:       uapi.UBLK_IO_OP_WRITE,
					Bytes:    512,
					Segments: 1 + i%3,
				})
				m.ObserveBatch(uint16(q), 1+q)
			}
		}(q)
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, uint64(queues*perQueue), snap.Write.Requests)
	assert.Equal(t, uint64(queues*perQueue*512), snap.Write.Bytes)
	assert.Equal(t, uint64(3), snap.MaxSegments)
	assert.Equal(t, uint64(queues), snap.MaxBatch)
}

type recordingObserver struct {
	mu          sync.Mutex
	completions []Completion
	batches     []int
}

func (r *recordingObserver) ObserveCompletion(c Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, c)
}

func (r *recordingObserver) ObserveBatch(_ uint16, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, n)
}

func (r *recordingObserver) ops() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ops []uint8
	for _, c := range r.completions {
		ops = append(ops, c.Op)
	}
	return ops
}

func TestTee(t *testing.T) {
	m := NewMetrics()
	rec := &recordingObserver{}
	obs := Tee(m, nil, rec)

	obs.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 4096, 2, FaultNone))
	obs.ObserveCompletion(completion(uapi.UBLK_IO_OP_FLUSH, 0, 0, FaultNone))
	obs.ObserveBatch(3, 7)

	assert.Equal(t, []uint8{uapi.UBLK_IO_OP_READ, uapi.UBLK_IO_OP_FLUSH}, rec.ops())
	assert.Equal(t, []int{7}, rec.batches)

	snap := m.Snapshot()
	assert.Equal(t, uint64(4096), snap.Read.Bytes)
	assert.Equal(t, uint64(1), snap.Flush.Requests)
	assert.Equal(t, uint64(1), snap.SplitRequests)
	assert.Equal(t, uint64(7), snap.MaxBatch)

	// A single observer is returned unwrapped.
	if _, ok := Tee(nil, rec).(*recordingObserver); !ok {
		t.Error("Tee with one observer should return it directly")
	}
}

func TestSnapshotLogFields(t *testing.T) {
	m := NewMetrics()
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 1<<20, 2, FaultNone))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_WRITE, 2<<20, 1, FaultOutOfRange))
	m.ObserveCompletion(completion(uapi.UBLK_IO_OP_READ, 4096, 1, FaultSegment))

	fields := m.Snapshot().LogFields()
	require.Zero(t, len(fields)%2, "LogFields() has odd length %d", len(fields))
	kv := make(map[string]any)
	for i := 0; i < len(fields); i += 2 {
		kv[fields[i].(string)] = fields[i+1]
	}

	assert.Equal(t, "1.0 MiB", kv["read_bytes"])
	assert.Equal(t, "2.0 MiB", kv["write_bytes"])
	assert.Equal(t, uint64(1), kv["split_requests"])
	assert.Equal(t, uint64(2), kv["max_segments"])
	assert.Equal(t, uint64(2), kv["errors"])
	assert.Equal(t, uint64(1), kv["out_of_range"])
	assert.Equal(t, uint64(1), kv["segment_faults"])
}
