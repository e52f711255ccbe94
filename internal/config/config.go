// Package config provides the dlshim command configuration.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sliverarmory/dlshim/guest"
	"github.com/sliverarmory/dlshim/memmod"
)

// Config is a complete configuration.
type Config struct {
	// Arch is the guest architecture, "arm" or "arm64".
	Arch string `toml:"arch"`
	// Root is the host directory holding the guest file system.
	Root string `toml:"root"`
	// SearchPath lists the guest directories searched for bare
	// library names.
	SearchPath []string   `toml:"search_path"`
	LogLevel   slog.Level `toml:"log_level"`
	// ErrorBufferSize is the capacity of the dlerror buffer.
	ErrorBufferSize uint64 `toml:"error_buffer_size"`
	// ModuleBase is the guest address of the first loaded module.
	ModuleBase uint64 `toml:"module_base"`

	Trap    Region `toml:"trap"`
	Stack   Region `toml:"stack"`
	Scratch Region `toml:"scratch"`
}

// Region is a range of guest memory.
type Region struct {
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

func (r Region) end() uint64 { return r.Base + r.Size }

type namedRegion struct {
	name string
	Region
}

// Default returns the configuration used for unset keys.
func Default() *Config {
	return &Config{
		Arch:            "arm",
		SearchPath:      []string{"/system/lib"},
		LogLevel:        slog.LevelInfo,
		ErrorBufferSize: 0x40,
		ModuleBase:      memmod.DefaultBase,
		Trap:            Region{Base: 0xffff0000, Size: 0x10000},
		Stack:           Region{Base: 0xbff00000, Size: 0x100000},
		Scratch:         Region{Base: 0x10000000, Size: 0x10000},
	}
}

// Load reads the TOML configuration at path over the defaults. Keys that
// do not belong to the configuration are an error. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// GuestArch returns the configured guest architecture.
func (c *Config) GuestArch() (guest.Arch, error) {
	return guest.ParseArch(c.Arch)
}

// Validate checks that the configuration describes a usable guest.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.GuestArch(); err != nil {
		errs = append(errs, err)
	}
	if c.ErrorBufferSize == 0 {
		errs = append(errs, errors.New("error_buffer_size must be positive"))
	} else if c.ErrorBufferSize >= c.Trap.Size {
		errs = append(errs, fmt.Errorf("error_buffer_size 0x%x does not fit the trap region", c.ErrorBufferSize))
	}
	if c.ModuleBase%guest.PageSize != 0 {
		errs = append(errs, fmt.Errorf("module_base 0x%x is not page aligned", c.ModuleBase))
	}

	regions := []namedRegion{
		{"trap", c.Trap},
		{"stack", c.Stack},
		{"scratch", c.Scratch},
	}
	for _, r := range regions {
		switch {
		case r.Size == 0:
			errs = append(errs, fmt.Errorf("%s region is empty", r.name))
		case r.Base%guest.PageSize != 0 || r.Size%guest.PageSize != 0:
			errs = append(errs, fmt.Errorf("%s region 0x%x+0x%x is not page aligned", r.name, r.Base, r.Size))
		case r.end() < r.Base:
			errs = append(errs, fmt.Errorf("%s region 0x%x+0x%x overflows", r.name, r.Base, r.Size))
		}
	}
	slices.SortFunc(regions, func(a, b namedRegion) int {
		return cmp.Compare(a.Base, b.Base)
	})
	for i := 1; i < len(regions); i++ {
		if regions[i-1].end() > regions[i].Base {
			errs = append(errs, fmt.Errorf("%s and %s regions overlap", regions[i-1].name, regions[i].name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
