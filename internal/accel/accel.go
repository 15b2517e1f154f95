// Package accel enumerates PCI display and accelerator devices through
// sysfs. Devices are grouped into platforms by vendor; a device is selected
// by (platform index, device index within the platform). Each memory BAR
// is exposed through its sysfs resourceN file, which can be mapped.
package accel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is where the kernel lists PCI devices.
const DefaultRoot = "/sys/bus/pci/devices"

// MinSegmentBAR is the smallest BAR used as backing memory. Smaller BARs
// are register windows.
const MinSegmentBAR = 64 << 20

const (
	classDisplay     = 0x03
	classAccelerator = 0x12

	ioresourceMem      = 0x00000200
	ioresourcePrefetch = 0x00002000

	numBARs = 6
)

var (
	// ErrNoDevices is returned when no display or accelerator device exists.
	ErrNoDevices = errors.New("accel: no display or accelerator devices")

	pciAddrRegex = regexp.MustCompile(`^[[:xdigit:]]{4}:[[:xdigit:]]{2}:[[:xdigit:]]{2}\.[[:xdigit:]]$`)
)

var vendorNames = map[uint16]string{
	0x1002: "AMD",
	0x10de: "NVIDIA",
	0x8086: "Intel",
	0x1af4: "Red Hat (virtio)",
	0x1234: "QEMU",
	0x15ad: "VMware",
	0x1414: "Microsoft",
}

// BAR is a PCI memory base address register.
type BAR struct {
	Index        int
	Path         string // sysfs resourceN file
	Size         uint64
	Prefetchable bool
}

// Device is one PCI display or accelerator function.
type Device struct {
	Address  string // e.g. 0000:01:00.0
	Vendor   uint16
	DeviceID uint16
	Class    uint32
	BARs     []BAR // memory BARs only
}

// SegmentBARs returns the BARs large enough to back a segment, largest
// first.
func (d *Device) SegmentBARs() []BAR {
	var bars []BAR
	for _, b := range d.BARs {
		if b.Size >= MinSegmentBAR {
			bars = append(bars, b)
		}
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Size > bars[j].Size })
	return bars
}

// Memory returns the total size of SegmentBARs.
func (d *Device) Memory() uint64 {
	var total uint64
	for _, b := range d.SegmentBARs() {
		total += b.Size
	}
	return total
}

// Platform groups the devices of one vendor.
type Platform struct {
	Vendor  uint16
	Devices []Device
}

// Name returns the vendor name, or its ID when unknown.
func (p *Platform) Name() string {
	if name, ok := vendorNames[p.Vendor]; ok {
		return name
	}
	return fmt.Sprintf("vendor 0x%04x", p.Vendor)
}

// Enumerate lists the display and accelerator devices under root, ordered
// by vendor ID and then by PCI address.
func Enumerate(root string) ([]Platform, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("accel: %w", err)
	}

	byVendor := map[uint16][]Device{}
	for _, e := range entries {
		if !pciAddrRegex.MatchString(e.Name()) {
			continue
		}
		dev, ok, err := readDevice(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			byVendor[dev.Vendor] = append(byVendor[dev.Vendor], dev)
		}
	}
	if len(byVendor) == 0 {
		return nil, ErrNoDevices
	}

	platforms := make([]Platform, 0, len(byVendor))
	for vendor, devs := range byVendor {
		sort.Slice(devs, func(i, j int) bool { return devs[i].Address < devs[j].Address })
		platforms = append(platforms, Platform{Vendor: vendor, Devices: devs})
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i].Vendor < platforms[j].Vendor })
	return platforms, nil
}

// Select returns device index dev of platform index platform.
func Select(platforms []Platform, platform, dev int) (*Device, error) {
	if platform < 0 || platform >= len(platforms) {
		return nil, fmt.Errorf("accel: platform %d not found (%d available)", platform, len(platforms))
	}
	p := &platforms[platform]
	if dev < 0 || dev >= len(p.Devices) {
		return nil, fmt.Errorf("accel: device %d not found on platform %s (%d available)", dev, p.Name(), len(p.Devices))
	}
	return &p.Devices[dev], nil
}

func readDevice(dir string) (Device, bool, error) {
	class, err := readHex(filepath.Join(dir, "class"))
	if err != nil {
		return Device{}, false, err
	}
	if base := class >> 16; base != classDisplay && base != classAccelerator {
		return Device{}, false, nil
	}
	vendor, err := readHex(filepath.Join(dir, "vendor"))
	if err != nil {
		return Device{}, false, err
	}
	device, err := readHex(filepath.Join(dir, "device"))
	if err != nil {
		return Device{}, false, err
	}
	bars, err := readBARs(dir)
	if err != nil {
		return Device{}, false, err
	}
	return Device{
		Address:  filepath.Base(dir),
		Vendor:   uint16(vendor),
		DeviceID: uint16(device),
		Class:    uint32(class),
		BARs:     bars,
	}, true, nil
}

// readBARs parses the resource file, one "start end flags" line per
// resource. The first six lines are the BARs.
func readBARs(dir string) ([]BAR, error) {
	data, err := os.ReadFile(filepath.Join(dir, "resource"))
	if err != nil {
		return nil, fmt.Errorf("accel: %w", err)
	}

	var bars []BAR
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i := 0; i < len(lines) && i < numBARs; i++ {
		fields := strings.Fields(lines[i])
		if len(fields) != 3 {
			return nil, fmt.Errorf("accel: %s: malformed resource line %q", dir, lines[i])
		}
		var v [3]uint64
		for j, f := range fields {
			if v[j], err = strconv.ParseUint(f, 0, 64); err != nil {
				return nil, fmt.Errorf("accel: %s: %w", dir, err)
			}
		}
		start, end, flags := v[0], v[1], v[2]
		if end == 0 || end < start || flags&ioresourceMem == 0 {
			continue
		}
		bars = append(bars, BAR{
			Index:        i,
			Path:         filepath.Join(dir, "resource"+strconv.Itoa(i)),
			Size:         end - start + 1,
			Prefetchable: flags&ioresourcePrefetch != 0,
		})
	}
	return bars, nil
}

func readHex(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("accel: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("accel: %s: %w", path, err)
	}
	return v, nil
}
