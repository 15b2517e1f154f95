// Package config loads the ublk-vram server configuration. Values come
// from an optional YAML or TOML file, then from UBLK_VRAM_* environment
// variables, which take priority. Command-line flags are applied on top by
// the caller.
package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ehrlich-b/go-ublk-vram/internal/constants"
	"github.com/ehrlich-b/go-ublk-vram/internal/uapi"
)

// Providers of backing memory.
const (
	ProviderHost = "host" // anonymous host RAM, split into segments
	ProviderMmap = "mmap" // shared mapping of a file or accelerator BAR
)

// Config is the server configuration.
type Config struct {
	Size        string `yaml:"size" toml:"size" env:"UBLK_VRAM_SIZE" env-default:"2048M" env-description:"Device size, e.g. 512M or 2G. Plain numbers are MiB."`
	SegmentSize string `yaml:"segment_size" toml:"segment_size" env:"UBLK_VRAM_SEGMENT_SIZE" env-default:"1G" env-description:"Host provider segment size."`
	Segments    int    `yaml:"segments" toml:"segments" env:"UBLK_VRAM_SEGMENTS" env-default:"0" env-description:"Host provider segment count. Overrides segment_size when set."`

	Provider string `yaml:"provider" toml:"provider" env:"UBLK_VRAM_PROVIDER" env-default:"host" env-description:"Backing memory provider: host or mmap."`
	Path     string `yaml:"path" toml:"path" env:"UBLK_VRAM_PATH" env-description:"File to map with the mmap provider. Empty selects accelerator BARs."`
	Platform int    `yaml:"platform" toml:"platform" env:"UBLK_VRAM_PLATFORM" env-default:"0" env-description:"Accelerator platform index."`
	Device   int    `yaml:"device" toml:"device" env:"UBLK_VRAM_DEVICE" env-default:"0" env-description:"Accelerator device index within the platform."`

	Queues    int `yaml:"queues" toml:"queues" env:"UBLK_VRAM_QUEUES" env-default:"0" env-description:"Hardware queues. 0 uses max(CPUs, 2)."`
	Depth     int `yaml:"depth" toml:"depth" env:"UBLK_VRAM_DEPTH" env-default:"0" env-description:"Tags per queue. 0 uses queues*64."`
	MaxIOSize int `yaml:"max_io_size" toml:"max_io_size" env:"UBLK_VRAM_MAX_IO_SIZE" env-default:"1048576" env-description:"Largest request in bytes."`

	RunDir string `yaml:"run_dir" toml:"run_dir" env:"UBLK_VRAM_RUN_DIR" env-default:"/run/ublksrvd" env-description:"Directory for the run-state file."`
	Mlock  bool   `yaml:"mlock" toml:"mlock" env:"UBLK_VRAM_MLOCK" env-default:"true" env-description:"Lock all process memory with mlockall."`

	Log struct {
		Level  string `yaml:"level" toml:"level" env:"UBLK_VRAM_LOG_LEVEL" env-default:"info" env-description:"Log level: debug, info, warn or error."`
		Format string `yaml:"format" toml:"format" env:"UBLK_VRAM_LOG_FORMAT" env-default:"text" env-description:"Log format: text or json."`
	} `yaml:"log" toml:"log"`

	size        int64
	segmentSize int64
}

// Load reads path, if not empty, and then the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Usage writes the environment variables understood by Load.
func Usage(w io.Writer) {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return
	}
	fmt.Fprintln(w, text)
}

// Validate checks every field and resolves the size strings. It must be
// called before SizeBytes or SegmentSizeBytes.
func (c *Config) Validate() error {
	size, err := ParseSize(c.Size)
	if err != nil {
		return fmt.Errorf("config: size: %w", err)
	}
	c.size = size

	switch c.Provider {
	case ProviderHost:
		if c.Segments < 0 || c.Segments > constants.MaxSegments {
			return fmt.Errorf("config: segments %d out of range [1, %d]", c.Segments, constants.MaxSegments)
		}
		if c.Segments > 0 {
			c.segmentSize = roundUp((size+int64(c.Segments)-1)/int64(c.Segments), constants.SectorSize)
		} else {
			seg, err := ParseSize(c.SegmentSize)
			if err != nil {
				return fmt.Errorf("config: segment size: %w", err)
			}
			c.segmentSize = seg
		}
		if n := (size + c.segmentSize - 1) / c.segmentSize; n > constants.MaxSegments {
			return fmt.Errorf("config: %d segments of %s exceed the limit of %d",
				n, humanize.IBytes(uint64(c.segmentSize)), constants.MaxSegments)
		}
	case ProviderMmap:
		if c.Platform < 0 || c.Device < 0 {
			return fmt.Errorf("config: invalid accelerator selection %d:%d", c.Platform, c.Device)
		}
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}

	if c.Queues < 0 || c.Queues > uapi.UBLK_MAX_NR_QUEUES {
		return fmt.Errorf("config: queues %d out of range [1, %d]", c.Queues, uapi.UBLK_MAX_NR_QUEUES)
	}
	if c.Depth < 0 || c.Depth > uapi.UBLK_MAX_QUEUE_DEPTH {
		return fmt.Errorf("config: depth %d out of range [1, %d]", c.Depth, uapi.UBLK_MAX_QUEUE_DEPTH)
	}
	if c.MaxIOSize <= 0 || c.MaxIOSize%constants.SectorSize != 0 || c.MaxIOSize > constants.MaxIOSize {
		return fmt.Errorf("config: max IO size %d must be a multiple of %d up to %d",
			c.MaxIOSize, constants.SectorSize, constants.MaxIOSize)
	}
	if c.RunDir == "" {
		return fmt.Errorf("config: run dir is empty")
	}
	return nil
}

// SizeBytes returns the device size resolved by Validate.
func (c *Config) SizeBytes() int64 { return c.size }

// SegmentSizeBytes returns the host segment size resolved by Validate.
func (c *Config) SegmentSizeBytes() int64 { return c.segmentSize }

func roundUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

// ParseSize parses a size such as "512M", "512MB", "2G" or "2GB". Units are
// binary; a plain number is taken as MiB.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	num, unit := s, "MIB"
	switch {
	case strings.HasSuffix(s, "MB"), strings.HasSuffix(s, "GB"):
		num, unit = s[:len(s)-2], s[len(s)-2:len(s)-1]+"IB"
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "G"):
		num, unit = s[:len(s)-1], s[len(s)-1:]+"IB"
	}
	num = strings.TrimSpace(num)
	if _, err := strconv.ParseUint(num, 10, 64); err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	n, err := humanize.ParseBytes(num + " " + unit)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}
