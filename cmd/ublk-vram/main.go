// Command ublk-vram exposes host RAM or accelerator memory as a ublk block
// device. The device lives until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	ublk "github.com/ehrlich-b/go-ublk-vram"
	"github.com/ehrlich-b/go-ublk-vram/internal/accel"
	"github.com/ehrlich-b/go-ublk-vram/internal/config"
	"github.com/ehrlich-b/go-ublk-vram/internal/logging"
	"github.com/ehrlich-b/go-ublk-vram/vmem"
)

// sysfsRoot is where accelerators are enumerated.
var sysfsRoot = accel.DefaultRoot

type cliFlags struct {
	fs *flag.FlagSet

	configPath  string
	size        string
	segmentSize string
	segments    int
	provider    string
	path        string
	platform    int
	device      int
	queues      int
	depth       int
	runDir      string
	mlock       bool
	verbose     bool
	listDevices bool
}

func newFlags(stderr io.Writer) *cliFlags {
	f := &cliFlags{fs: flag.NewFlagSet("ublk-vram", flag.ContinueOnError)}
	fs := f.fs
	fs.SetOutput(stderr)

	fs.StringVarP(&f.configPath, "config", "c", "", "YAML or TOML configuration file")
	fs.StringVarP(&f.size, "size", "s", "2048M", "device size (e.g. 512M, 2G; plain numbers are MiB)")
	fs.StringVar(&f.segmentSize, "segment-size", "1G", "host provider segment size")
	fs.IntVar(&f.segments, "segments", 0, "host provider segment count (overrides --segment-size)")
	fs.StringVar(&f.provider, "provider", config.ProviderHost, "backing memory: host or mmap")
	fs.StringVar(&f.path, "path", "", "file to map with the mmap provider (default: accelerator BARs)")
	fs.IntVarP(&f.platform, "platform", "p", 0, "accelerator platform index")
	fs.IntVarP(&f.device, "device", "d", 0, "accelerator device index within the platform")
	fs.IntVar(&f.queues, "queues", 0, "hardware queues (default: max(CPUs, 2))")
	fs.IntVar(&f.depth, "depth", 0, "tags per queue (default: queues*64)")
	fs.StringVar(&f.runDir, "run-dir", "", "directory for the run-state file")
	fs.BoolVar(&f.mlock, "mlock", true, "lock all process memory")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	fs.BoolVarP(&f.listDevices, "list-devices", "l", false, "list accelerator platforms and devices, then exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ublk-vram [flags]\n\nFlags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment:\n")
		config.Usage(stderr)
	}
	return f
}

// apply overrides cfg with the flags set on the command line.
func (f *cliFlags) apply(cfg *config.Config) {
	set := f.fs.Changed
	if set("size") {
		cfg.Size = f.size
	}
	if set("segment-size") {
		cfg.SegmentSize = f.segmentSize
	}
	if set("segments") {
		cfg.Segments = f.segments
	}
	if set("provider") {
		cfg.Provider = f.provider
	}
	if set("path") {
		cfg.Path = f.path
	}
	if set("platform") {
		cfg.Platform = f.platform
	}
	if set("device") {
		cfg.Device = f.device
	}
	if set("queues") {
		cfg.Queues = f.queues
	}
	if set("depth") {
		cfg.Depth = f.depth
	}
	if set("run-dir") {
		cfg.RunDir = f.runDir
	}
	if set("mlock") {
		cfg.Mlock = f.mlock
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	f := newFlags(stderr)
	if err := f.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ublk-vram: %v\n", err)
		return 1
	}
	f.apply(cfg)

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "ublk-vram: %v\n", err)
		return 1
	}
	logger := logging.NewLogger(&logging.Config{Level: level, Format: cfg.Log.Format, Output: stderr})
	defer logger.Close()
	logging.SetDefault(logger)

	if f.listDevices {
		if err := listDevices(stdout, sysfsRoot); err != nil {
			logger.Error("failed to list devices", "error", err)
			return 1
		}
		return 0
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	if cfg.Mlock {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			logger.Warn("mlockall failed, memory may be swapped", "error", err)
		}
	}

	mem, err := openBackend(cfg)
	if err != nil {
		logger.Error("failed to allocate backing memory", "error", err)
		return 1
	}
	defer mem.Close()

	params := deviceParams(cfg, mem)
	logger.Info("serving memory",
		"provider", cfg.Provider,
		"size", humanize.IBytes(uint64(mem.Size())),
		"segments", mem.Blocks(),
		"queues", params.NumQueues,
		"depth", params.QueueDepth)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ublk.Serve(ctx, params, &ublk.Options{Logger: logger, RunDir: cfg.RunDir}); err != nil {
		logger.Error("device failed", "error", err)
		return 1
	}
	return 0
}

func deviceParams(cfg *config.Config, mem *vmem.Memory) ublk.DeviceParams {
	params := ublk.DefaultParams(mem)
	if cfg.Queues > 0 {
		params.NumQueues = cfg.Queues
	}
	params.QueueDepth = ublk.DefaultDepth(params.NumQueues)
	if cfg.Depth > 0 {
		params.QueueDepth = cfg.Depth
	}
	params.MaxIOSize = cfg.MaxIOSize
	return params
}

// openBackend allocates the segments of the configured provider and
// composes them in order.
func openBackend(cfg *config.Config) (*vmem.Memory, error) {
	var (
		buffers []vmem.Buffer
		err     error
	)
	switch cfg.Provider {
	case config.ProviderHost:
		buffers, err = vmem.SplitHost(cfg.SizeBytes(), cfg.SegmentSizeBytes())
	case config.ProviderMmap:
		buffers, err = mapBuffers(cfg)
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	mem, err := vmem.New(buffers...)
	if err != nil {
		closeAll(buffers)
		return nil, err
	}
	return mem, nil
}

// mapBuffers maps cfg.Path, or the large BARs of the selected accelerator
// until the configured size is covered.
func mapBuffers(cfg *config.Config) ([]vmem.Buffer, error) {
	size := cfg.SizeBytes()
	if cfg.Path != "" {
		b, err := vmem.MapFile(cfg.Path, 0, size)
		if err != nil {
			return nil, err
		}
		return []vmem.Buffer{b}, nil
	}

	platforms, err := accel.Enumerate(sysfsRoot)
	if err != nil {
		return nil, err
	}
	dev, err := accel.Select(platforms, cfg.Platform, cfg.Device)
	if err != nil {
		return nil, err
	}
	if avail := int64(dev.Memory()); avail < size {
		return nil, fmt.Errorf("device %s has %s of mappable memory, %s requested",
			dev.Address, humanize.IBytes(uint64(avail)), humanize.IBytes(uint64(size)))
	}

	var buffers []vmem.Buffer
	for _, bar := range dev.SegmentBARs() {
		if size == 0 {
			break
		}
		n := min(int64(bar.Size), size)
		b, err := vmem.MapFile(bar.Path, 0, n)
		if err != nil {
			closeAll(buffers)
			return nil, err
		}
		buffers = append(buffers, b)
		size -= n
	}
	return buffers, nil
}

func closeAll(buffers []vmem.Buffer) {
	for _, b := range buffers {
		b.Close()
	}
}

func listDevices(w io.Writer, root string) error {
	platforms, err := accel.Enumerate(root)
	if err != nil {
		return err
	}
	for i, p := range platforms {
		fmt.Fprintf(w, "Platform %d: %s (0x%04x)\n", i, p.Name(), p.Vendor)
		for j, d := range p.Devices {
			fmt.Fprintf(w, "  Device %d: %s [%04x:%04x] %s\n",
				j, d.Address, d.Vendor, d.DeviceID, humanize.IBytes(d.Memory()))
			for _, bar := range d.BARs {
				kind := ""
				if bar.Prefetchable {
					kind = " prefetchable"
				}
				fmt.Fprintf(w, "    BAR%d: %s%s\n", bar.Index, humanize.IBytes(bar.Size), kind)
			}
		}
	}
	return nil
}
