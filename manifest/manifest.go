// Package manifest handles tycore.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/tycore/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "tycore.toml"

// Config represents a tycore.toml file.
type Config struct {
	Runtime    Runtime    `toml:"runtime"`
	Monitoring Monitoring `toml:"monitoring"`
	Log        Log        `toml:"log"`

	// Dir is the directory containing the tycore.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime holds interpreter limits and the refcount regime.
type Runtime struct {
	RecursionLimit   int   `toml:"recursion-limit"`
	DataStackSlots   int   `toml:"data-stack-slots"`
	NativeStackLimit int   `toml:"native-stack-limit"`
	FreeThreaded     bool  `toml:"free-threaded"`
	SwitchInterval   int   `toml:"switch-interval"`
	MaxObjects       int64 `toml:"max-objects"`
}

// Monitoring selects events to record and where to record them.
type Monitoring struct {
	Events  []string `toml:"events"`
	TraceDB string   `toml:"trace-db"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	opts := vm.DefaultOptions()
	return &Config{
		Runtime: Runtime{
			RecursionLimit: opts.RecursionLimit,
			DataStackSlots: opts.DataStackSlots,
			SwitchInterval: opts.SwitchInterval,
		},
	}
}

// Load parses a tycore.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// LoadFile parses the configuration at path. Keys absent from the file keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	c.Dir = filepath.Dir(path)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a tycore.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects limits the interpreter cannot honor.
func (c *Config) Validate() error {
	r := c.Runtime
	switch {
	case r.RecursionLimit < 1:
		return fmt.Errorf("runtime.recursion-limit must be positive, got %d", r.RecursionLimit)
	case r.DataStackSlots < 1:
		return fmt.Errorf("runtime.data-stack-slots must be positive, got %d", r.DataStackSlots)
	case r.NativeStackLimit < 0:
		return fmt.Errorf("runtime.native-stack-limit must not be negative, got %d", r.NativeStackLimit)
	case r.SwitchInterval < 1:
		return fmt.Errorf("runtime.switch-interval must be positive, got %d", r.SwitchInterval)
	case r.MaxObjects < 0:
		return fmt.Errorf("runtime.max-objects must not be negative, got %d", r.MaxObjects)
	}
	if _, err := c.EventSet(); err != nil {
		return fmt.Errorf("monitoring.events: %w", err)
	}
	return nil
}

// RuntimeOptions converts the [runtime] table into interpreter options.
func (c *Config) RuntimeOptions() vm.Options {
	opts := vm.DefaultOptions()
	opts.RecursionLimit = c.Runtime.RecursionLimit
	opts.DataStackSlots = c.Runtime.DataStackSlots
	opts.NativeStackLimit = c.Runtime.NativeStackLimit
	opts.FreeThreaded = c.Runtime.FreeThreaded
	opts.SwitchInterval = c.Runtime.SwitchInterval
	opts.MaxObjects = c.Runtime.MaxObjects
	return opts
}

// EventSet parses the monitoring event names.
func (c *Config) EventSet() (vm.EventSet, error) {
	var kinds []vm.EventKind
	for _, name := range c.Monitoring.Events {
		if name == "all" {
			return vm.AllEvents, nil
		}
		k, err := vm.ParseEventKind(name)
		if err != nil {
			return 0, err
		}
		kinds = append(kinds, k)
	}
	return vm.Events(kinds...), nil
}

// TraceDBPath returns the trace database path resolved against Dir, or ""
// when recording is off.
func (c *Config) TraceDBPath() string {
	p := c.Monitoring.TraceDB
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// LogFilePath resolves [log] file the same way as TraceDBPath.
func (c *Config) LogFilePath() string {
	p := c.Log.File
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
