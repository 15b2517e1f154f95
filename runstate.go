package ublk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/natefinch/atomic"
)

// TargetInfo is the target-specific part of the run state. Blocks is the
// number of backing segments composed into the device.
type TargetInfo struct {
	Name   string `json:"name"`
	Blocks int    `json:"blocks"`
}

// RunState is published for device management tooling while a device is
// served, at <run dir>/<dev id>.json.
type RunState struct {
	DevID         uint32     `json:"dev_id"`
	NrHwQueues    int        `json:"nr_hw_queues"`
	QueueDepth    int        `json:"queue_depth"`
	MaxIOBufBytes int        `json:"max_io_buf_bytes"`
	DevSize       int64      `json:"dev_size"`
	ServerPID     int        `json:"pid"`
	Target        TargetInfo `json:"target"`
}

// RunStatePath returns the run-state file of device id under dir.
func RunStatePath(dir string, id uint32) string {
	return filepath.Join(dir, strconv.FormatUint(uint64(id), 10)+".json")
}

// WriteRunState atomically replaces the run-state file for st.DevID.
func WriteRunState(dir string, st RunState) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", err
	}
	path := RunStatePath(dir, st.DevID)
	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return "", fmt.Errorf("write run state: %w", err)
	}
	return path, nil
}

// ReadRunState loads the run state of device id from dir.
func ReadRunState(dir string, id uint32) (*RunState, error) {
	data, err := os.ReadFile(RunStatePath(dir, id))
	if err != nil {
		return nil, err
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse run state: %w", err)
	}
	return &st, nil
}
