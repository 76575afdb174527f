// Package config holds the tunables shared by the CLI, the benchmark and the
// interactive driver.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sys/cpu"
	"gopkg.in/yaml.v3"

	"jitlower/heap"
	"jitlower/lower"
	"jitlower/object"
	"jitlower/vm"
)

type Config struct {
	// PatchSize is the number of bytes reserved at every exit and call site.
	PatchSize int `yaml:"patchSize"`

	// Region leaves pre-built for constant indices and property numbers.
	IndexedLeaves  int `yaml:"indexedLeaves"`
	NumberedLeaves int `yaml:"numberedLeaves"`

	BarrierCapacity    int `yaml:"barrierCapacity"`
	RememberedCapacity int `yaml:"rememberedCapacity"`

	LogLevel string `yaml:"logLevel"`
	// TargetFeatures overrides the host's features when set.
	TargetFeatures []string `yaml:"targetFeatures"`
}

func Default() *Config {
	return &Config{
		PatchSize:          5,
		IndexedLeaves:      heap.DefaultOptions().IndexedLeaves,
		NumberedLeaves:     heap.DefaultOptions().NumberedLeaves,
		BarrierCapacity:    256,
		RememberedCapacity: 1024,
		LogLevel:           "warn",
	}
}

// Load reads a YAML document over the defaults. Unknown keys are rejected.
func Load(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.PatchSize < 0:
		return fmt.Errorf("patchSize must not be negative, got %d", c.PatchSize)
	case c.IndexedLeaves < 0 || c.NumberedLeaves < 0:
		return fmt.Errorf("region leaves must not be negative")
	case c.BarrierCapacity <= 0:
		return fmt.Errorf("barrierCapacity must be positive, got %d", c.BarrierCapacity)
	case c.RememberedCapacity <= 0:
		return fmt.Errorf("rememberedCapacity must be positive, got %d", c.RememberedCapacity)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	lvl, err := ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("logLevel: %w", err)
	}
	return lvl, nil
}

// ParseLevel accepts a level name (trace, debug, info, warn, error, crit)
// or a legacy numeric verbosity, 0 for crit through 5 for trace.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return log.LevelTrace, nil
	case "crit":
		return log.LevelCrit, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 5 {
			return 0, fmt.Errorf("verbosity %d out of range [0, 5]", n)
		}
		return log.FromLegacyLevel(n), nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return lvl, nil
}

// Features is the target feature list put into lowered modules.
func (c *Config) Features() []string {
	if len(c.TargetFeatures) > 0 {
		return c.TargetFeatures
	}
	return HostFeatures()
}

// NewRuntime builds the runtime the lowered code is resolved against.
func (c *Config) NewRuntime() *vm.Runtime {
	return vm.NewRuntime(object.DefaultLayout(), c.BarrierCapacity, c.RememberedCapacity)
}

// Options builds the lowering options for rt.
func (c *Config) Options(rt *vm.Runtime, logger log.Logger) lower.Options {
	return lower.Options{
		PatchSize:      c.PatchSize,
		TargetFeatures: c.Features(),
		Heaps:          heap.New(rt.Layout, heap.Options{IndexedLeaves: c.IndexedLeaves, NumberedLeaves: c.NumberedLeaves}),
		Logger:         logger,
	}
}

// HostFeatures lists the target features of the machine we are running on,
// in the "+name" form of a target attribute.
func HostFeatures() []string {
	var flags []struct {
		name string
		on   bool
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		flags = []struct {
			name string
			on   bool
		}{
			{"sse2", cpu.X86.HasSSE2},
			{"sse3", cpu.X86.HasSSE3},
			{"ssse3", cpu.X86.HasSSSE3},
			{"sse4.1", cpu.X86.HasSSE41},
			{"sse4.2", cpu.X86.HasSSE42},
			{"popcnt", cpu.X86.HasPOPCNT},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"bmi1", cpu.X86.HasBMI1},
			{"bmi2", cpu.X86.HasBMI2},
			{"fma", cpu.X86.HasFMA},
		}
	case "arm64":
		flags = []struct {
			name string
			on   bool
		}{
			{"neon", cpu.ARM64.HasASIMD},
			{"fp-armv8", cpu.ARM64.HasFP},
			{"crc", cpu.ARM64.HasCRC32},
			{"lse", cpu.ARM64.HasATOMICS},
			{"aes", cpu.ARM64.HasAES},
		}
	}

	var features []string
	for _, f := range flags {
		if f.on {
			features = append(features, "+"+f.name)
		}
	}
	return features
}
