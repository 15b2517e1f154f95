package uapi

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

// Test structure sizes match kernel expectations
func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"UblksrvCtrlCmd", unsafe.Sizeof(UblksrvCtrlCmd{}), 32},
		{"UblksrvCtrlDevInfo", unsafe.Sizeof(UblksrvCtrlDevInfo{}), 64},
		{"UblksrvIODesc", unsafe.Sizeof(UblksrvIODesc{}), 24},
		{"UblksrvIOCmd", unsafe.Sizeof(UblksrvIOCmd{}), 16},
		{"UblkParamBasic", unsafe.Sizeof(UblkParamBasic{}), 32},
		{"UblkParamDiscard", unsafe.Sizeof(UblkParamDiscard{}), 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

// The encoded opcodes must match the values in <linux/ublk_cmd.h>.
func TestEncodedOpcodes(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"ADD_DEV", UBLK_U_CMD_ADD_DEV, 0xc0207504},
		{"DEL_DEV", UBLK_U_CMD_DEL_DEV, 0xc0207505},
		{"START_DEV", UBLK_U_CMD_START_DEV, 0xc0207506},
		{"STOP_DEV", UBLK_U_CMD_STOP_DEV, 0xc0207507},
		{"SET_PARAMS", UBLK_U_CMD_SET_PARAMS, 0xc0207508},
		{"GET_DEV_INFO", UBLK_U_CMD_GET_DEV_INFO, 0xc0207502},
		{"FETCH_REQ", UBLK_U_IO_FETCH_REQ, 0xc0107520},
		{"COMMIT_AND_FETCH_REQ", UBLK_U_IO_COMMIT_AND_FETCH_REQ, 0xc0107521},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
}

// Test UblksrvIODesc helper methods
func TestIODescHelpers(t *testing.T) {
	desc := &UblksrvIODesc{
		OpFlags: UBLK_IO_F_FUA | UBLK_IO_OP_WRITE,
	}

	if desc.GetOp() != UBLK_IO_OP_WRITE {
		t.Errorf("GetOp() = %d, want %d", desc.GetOp(), UBLK_IO_OP_WRITE)
	}

	if desc.GetFlags() != UBLK_IO_F_FUA>>8 {
		t.Errorf("GetFlags() = %#x, want %#x", desc.GetFlags(), UBLK_IO_F_FUA>>8)
	}
}

func TestIODescAt(t *testing.T) {
	descs := make([]byte, 3*SizeofIODesc)
	want := UblksrvIODesc{OpFlags: UBLK_IO_OP_READ, NrSectors: 8, StartSector: 2048, Addr: 0xdead0000}
	copy(descs[2*SizeofIODesc:], Marshal(&want))

	if diff := cmp.Diff(want, IODescAt(descs, 2)); diff != "" {
		t.Errorf("IODescAt mismatch (-want +got):\n%s", diff)
	}
	if got := IODescAt(descs, 0); got != (UblksrvIODesc{}) {
		t.Errorf("IODescAt(0) = %+v, want zero", got)
	}
}

func TestParamsLayout(t *testing.T) {
	params := &UblkParams{}
	params.SetBasic()
	params.SetDiscard()
	params.Basic = UblkParamBasic{
		Attrs:           UBLK_ATTR_VOLATILE_CACHE,
		LogicalBSShift:  9,
		PhysicalBSShift: 12,
		IOOptShift:      12,
		IOMinShift:      9,
		MaxSectors:      2048,
		DevSectors:      4 << 20,
	}
	params.Discard = UblkParamDiscard{
		DiscardAlignment:   4096,
		DiscardGranularity: 4096,
		MaxDiscardSectors:  0xffffffff,
		MaxDiscardSegments: 1,
	}

	data := Marshal(params)
	if len(data) != 60 {
		t.Fatalf("Marshal length = %d, want 60", len(data))
	}
	if params.Len != 60 {
		t.Errorf("Len = %d, want 60", params.Len)
	}
	// Basic block starts right after the 8 byte header.
	if data[12] != 9 || data[13] != 12 {
		t.Errorf("block shifts = %d/%d, want 9/12", data[12], data[13])
	}

	var decoded UblkParams
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(*params, decoded); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestParamsBasicOnly(t *testing.T) {
	params := &UblkParams{}
	params.SetBasic()
	if got := len(Marshal(params)); got != 40 {
		t.Errorf("Marshal length = %d, want 40", got)
	}
	if params.HasDiscard() {
		t.Error("HasDiscard() should be false")
	}
}

func TestCtrlCmdEncoding(t *testing.T) {
	cmd := &UblksrvCtrlCmd{
		DevID:   UBLK_AUTO_DEV_ID,
		QueueID: UBLK_CTRL_QUEUE_ID,
		Len:     SizeofCtrlDevInfo,
		Addr:    0x123456789ABCDEF0,
		Data:    0xDEADBEEF,
	}

	data := Marshal(cmd)
	if len(data) != SizeofCtrlCmd {
		t.Fatalf("Marshal length = %d, want %d", len(data), SizeofCtrlCmd)
	}

	var decoded UblksrvCtrlCmd
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded != *cmd {
		t.Errorf("decoded = %+v, want %+v", decoded, *cmd)
	}

	if err := Unmarshal(data[:31], &decoded); err != ErrInsufficientData {
		t.Errorf("short Unmarshal error = %v, want %v", err, ErrInsufficientData)
	}
}

func TestIOCmdEncoding(t *testing.T) {
	buf := make([]byte, SizeofIOCmd)
	PutIOCmd(buf, &UblksrvIOCmd{QID: 1, Tag: 42, Result: -5, Addr: 0x1000})

	var decoded UblksrvIOCmd
	if err := Unmarshal(buf, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Result != -5 || decoded.Tag != 42 || decoded.QID != 1 || decoded.Addr != 0x1000 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDevInfoWriteBack(t *testing.T) {
	info := &UblksrvCtrlDevInfo{NrHwQueues: 4, QueueDepth: 256, MaxIOBufBytes: 1 << 20, DevID: UBLK_AUTO_DEV_ID}
	data := MarshalCtrlDevInfo(info)

	// The kernel writes the assigned id back into the same buffer.
	data[12], data[13], data[14], data[15] = 7, 0, 0, 0

	got, err := UnmarshalCtrlDevInfo(data)
	if err != nil {
		t.Fatalf("UnmarshalCtrlDevInfo failed: %v", err)
	}
	if got.DevID != 7 || got.QueueDepth != 256 {
		t.Errorf("decoded = %+v", got)
	}

	if _, err := UnmarshalCtrlDevInfo(data[:10]); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestDescriptorMapping(t *testing.T) {
	const page = 4096
	if got := IODescMapSize(64, page); got != page {
		t.Errorf("IODescMapSize(64) = %d, want %d", got, page)
	}
	if got := IODescMapSize(256, page); got != 2*page {
		t.Errorf("IODescMapSize(256) = %d, want %d", got, 2*page)
	}
	if got := IODescOffset(0, page); got != 0 {
		t.Errorf("IODescOffset(0) = %d, want 0", got)
	}
	if got := IODescOffset(2, page); got != 2*24*page {
		t.Errorf("IODescOffset(2) = %d, want %d", got, 2*24*page)
	}
}

// Test device path helpers
func TestDevicePaths(t *testing.T) {
	if UblkDevicePath(0) != "/dev/ublkc0" {
		t.Errorf("UblkDevicePath(0) = %s, want /dev/ublkc0", UblkDevicePath(0))
	}

	if UblkBlockDevicePath(42) != "/dev/ublkb42" {
		t.Errorf("UblkBlockDevicePath(42) = %s, want /dev/ublkb42", UblkBlockDevicePath(42))
	}
}

func BenchmarkIODescAt(b *testing.B) {
	descs := make([]byte, 64*SizeofIODesc)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IODescAt(descs, i%64)
	}
}
