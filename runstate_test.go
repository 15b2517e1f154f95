package ublk

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRunStateRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ublksrvd")
	want := RunState{
		DevID:         3,
		NrHwQueues:    4,
		QueueDepth:    256,
		MaxIOBufBytes: 1 << 20,
		DevSize:       2 << 30,
		ServerPID:     1234,
		Target:        TargetInfo{Name: "ublk-vram", Blocks: 2},
	}

	path, err := WriteRunState(dir, want)
	if err != nil {
		t.Fatalf("WriteRunState: %v", err)
	}
	if path != filepath.Join(dir, "3.json") {
		t.Errorf("path = %s", path)
	}

	got, err := ReadRunState(dir, 3)
	if err != nil {
		t.Fatalf("ReadRunState: %v", err)
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("run state mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStateFieldNames(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteRunState(dir, RunState{DevID: 0, Target: TargetInfo{Name: "ublk-vram", Blocks: 5}})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"dev_id", "nr_hw_queues", "queue_depth", "max_io_buf_bytes", "dev_size", "pid", "target"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	target := raw["target"].(map[string]any)
	if target["blocks"] != float64(5) {
		t.Errorf("target.blocks = %v, want 5", target["blocks"])
	}
}

func TestRunStateOverwrite(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteRunState(dir, RunState{DevID: 1, NrHwQueues: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteRunState(dir, RunState{DevID: 1, NrHwQueues: 8}); err != nil {
		t.Fatal(err)
	}
	got, err := ReadRunState(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.NrHwQueues != 8 {
		t.Errorf("NrHwQueues = %d, want 8", got.NrHwQueues)
	}
}

func TestReadRunStateMissing(t *testing.T) {
	if _, err := ReadRunState(t.TempDir(), 9); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
