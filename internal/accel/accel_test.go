package accel

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBAR struct {
	start, size, flags uint64
}

// writeDevice creates a sysfs PCI device directory under root.
func writeDevice(t *testing.T, root, addr string, vendor, device uint16, class uint32, bars ...fakeBAR) {
	t.Helper()
	dir := filepath.Join(root, addr)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("vendor", fmt.Sprintf("0x%04x\n", vendor))
	write("device", fmt.Sprintf("0x%04x\n", device))
	write("class", fmt.Sprintf("0x%06x\n", class))

	var resource string
	for i := 0; i < 13; i++ {
		var b fakeBAR
		if i < len(bars) {
			b = bars[i]
		}
		end := uint64(0)
		if b.size > 0 {
			end = b.start + b.size - 1
		}
		resource += fmt.Sprintf("0x%016x 0x%016x 0x%016x\n", b.start, end, b.flags)
	}
	write("resource", resource)
}

func sysfs(t *testing.T) string {
	root := t.TempDir()
	const (
		mem      = ioresourceMem
		prefetch = ioresourceMem | ioresourcePrefetch
		io       = 0x100
	)
	// NVIDIA GPU: registers, 8 GiB VRAM, 32 MiB window, io ports.
	writeDevice(t, root, "0000:01:00.0", 0x10de, 0x2684, 0x030000,
		fakeBAR{0xf0000000, 16 << 20, mem},
		fakeBAR{0x6000000000, 8 << 30, prefetch},
		fakeBAR{},
		fakeBAR{0x7000000000, 32 << 20, prefetch},
		fakeBAR{},
		fakeBAR{0xe000, 0x80, io},
	)
	// Second NVIDIA GPU on a later bus.
	writeDevice(t, root, "0000:41:00.0", 0x10de, 0x2684, 0x030000,
		fakeBAR{0xd0000000, 16 << 20, mem},
		fakeBAR{0x5000000000, 4 << 30, prefetch},
	)
	// AMD accelerator with two large BARs.
	writeDevice(t, root, "0000:c1:00.0", 0x1002, 0x740f, 0x120000,
		fakeBAR{0x4000000000, 256 << 20, prefetch},
		fakeBAR{},
		fakeBAR{0x3000000000, 1 << 30, prefetch},
	)
	// NIC is ignored.
	writeDevice(t, root, "0000:02:00.0", 0x8086, 0x1572, 0x020000,
		fakeBAR{0xfb000000, 8 << 20, mem},
	)
	// Non-device entries are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "uevent"), nil, 0o644))
	return root
}

func TestEnumerate(t *testing.T) {
	platforms, err := Enumerate(sysfs(t))
	require.NoError(t, err)
	require.Len(t, platforms, 2)

	amd, nvidia := platforms[0], platforms[1]
	assert.Equal(t, uint16(0x1002), amd.Vendor)
	assert.Equal(t, "AMD", amd.Name())
	assert.Equal(t, uint16(0x10de), nvidia.Vendor)
	assert.Equal(t, "NVIDIA", nvidia.Name())

	require.Len(t, nvidia.Devices, 2)
	assert.Equal(t, "0000:01:00.0", nvidia.Devices[0].Address)
	assert.Equal(t, "0000:41:00.0", nvidia.Devices[1].Address)

	gpu := nvidia.Devices[0]
	assert.Equal(t, uint16(0x2684), gpu.DeviceID)
	require.Len(t, gpu.BARs, 3, "io BAR and empty BARs are skipped")
	assert.Equal(t, 0, gpu.BARs[0].Index)
	assert.False(t, gpu.BARs[0].Prefetchable)
	assert.Equal(t, uint64(8<<30), gpu.BARs[1].Size)
	assert.True(t, gpu.BARs[1].Prefetchable)
	assert.Equal(t, filepath.Join(filepath.Dir(gpu.BARs[1].Path), "resource1"), gpu.BARs[1].Path)
}

func TestSegmentBARs(t *testing.T) {
	platforms, err := Enumerate(sysfs(t))
	require.NoError(t, err)

	gpu := platforms[1].Devices[0]
	bars := gpu.SegmentBARs()
	require.Len(t, bars, 1)
	assert.Equal(t, 1, bars[0].Index)
	assert.Equal(t, uint64(8<<30), gpu.Memory())

	accel := platforms[0].Devices[0]
	bars = accel.SegmentBARs()
	require.Len(t, bars, 2)
	assert.Equal(t, 2, bars[0].Index, "largest first")
	assert.Equal(t, 0, bars[1].Index)
	assert.Equal(t, uint64(1<<30+256<<20), accel.Memory())
}

func TestSelect(t *testing.T) {
	platforms, err := Enumerate(sysfs(t))
	require.NoError(t, err)

	dev, err := Select(platforms, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "0000:41:00.0", dev.Address)

	_, err = Select(platforms, 2, 0)
	assert.Error(t, err)
	_, err = Select(platforms, 0, 1)
	assert.Error(t, err)
	_, err = Select(platforms, -1, 0)
	assert.Error(t, err)
}

func TestEnumerateNoDevices(t *testing.T) {
	root := t.TempDir()
	writeDevice(t, root, "0000:02:00.0", 0x8086, 0x1572, 0x020000)

	_, err := Enumerate(root)
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestEnumerateMissingRoot(t *testing.T) {
	_, err := Enumerate(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnumerateMalformedResource(t *testing.T) {
	root := t.TempDir()
	writeDevice(t, root, "0000:01:00.0", 0x10de, 0x2684, 0x030000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "0000:01:00.0", "resource"), []byte("0x0 0x0\n"), 0o644))

	_, err := Enumerate(root)
	assert.Error(t, err)
}

func TestPlatformNameUnknown(t *testing.T) {
	p := Platform{Vendor: 0xabcd}
	assert.Equal(t, "vendor 0xabcd", p.Name())
}
