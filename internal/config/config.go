// Package config loads the initramfs runtime configuration written by
// the image generator to /etc/ignited/engine.toml.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/xerrors"
)

// Path is where the generator places the configuration inside the
// initramfs image.
const Path = "/etc/ignited/engine.toml"

// Metadata describes the kernel and module set the image was built for.
type Metadata struct {
	KernelVer      string              `toml:"kver"`
	ModuleBuiltin  []string            `toml:"module-builtin"`
	ModuleDeps     map[string][]string `toml:"module-deps"`
	ModuleOpts     map[string]string   `toml:"module-opts"`
	ModulePostDeps map[string][]string `toml:"module-post-deps"`
}

// Ignited holds behavior switches for the init itself.
type Ignited struct {
	LVM          bool     `toml:"lvm"`
	MDRaid       bool     `toml:"mdraid"`
	ModuleForce  []string `toml:"module-force"`
	MountTimeout int64    `toml:"mount-timeout,omitempty"`
}

// Console configures the virtual console; the section is optional.
type Console struct {
	UTF             bool   `toml:"utf"`
	FontFile        string `toml:"font-file"`
	FontMapFile     string `toml:"font-map-file"`
	FontUnicodeFile string `toml:"font-unicode-file"`
	KeymapFile      string `toml:"keymap-file"`
}

// RuntimeConfig is the read-only aggregate of everything the generator
// decided at image build time. It is loaded once after /proc is mounted
// and never mutated.
type RuntimeConfig struct {
	Metadata Metadata `toml:"metadata"`
	Ignited  Ignited  `toml:"ignited"`
	Console  *Console `toml:"console,omitempty"`
}

// Load parses the configuration file at path. Unknown keys reject the
// file: a key the generator wrote but this binary does not understand
// means the two disagree about behavior.
func Load(path string) (*RuntimeConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("unable to read config: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg RuntimeConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, xerrors.Errorf("unable to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// MountTimeout returns the configured root-mount timeout. Values of
// zero or less mean "wait forever".
func (c *RuntimeConfig) MountTimeout() (time.Duration, bool) {
	if c.Ignited.MountTimeout <= 0 {
		return 0, false
	}
	return time.Duration(c.Ignited.MountTimeout) * time.Second, true
}
