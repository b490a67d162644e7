package schema

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kairos-io/ostree-updater/internal/constants"
	"gopkg.in/yaml.v3"
)

// Mode selects what a single invocation does.
type Mode int

const (
	// ModeUpdate fetches and applies updates.
	ModeUpdate Mode = iota
	// ModeFetch only pulls updates without deploying them.
	ModeFetch
	// ModeApply deploys what was already pulled without touching the network.
	ModeApply
	ModeEntries
	ModeRunning
	ModeLatest
	ModePatch
	ModePrepare
)

func (m Mode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeFetch:
		return "fetch"
	case ModeApply:
		return "apply"
	case ModeEntries:
		return "entries"
	case ModeRunning:
		return "running"
	case ModeLatest:
		return "latest"
	case ModePatch:
		return "patch-procfs"
	case ModePrepare:
		return "prepare-root"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Fetches reports whether the mode pulls from the remote.
func (m Mode) Fetches() bool {
	switch m {
	case ModeUpdate, ModeFetch:
		return true
	case ModeApply, ModeEntries, ModeRunning, ModeLatest, ModePatch, ModePrepare:
		return false
	default:
		return false
	}
}

// Applies reports whether the mode deploys pulled updates.
func (m Mode) Applies() bool {
	switch m {
	case ModeUpdate, ModeApply:
		return true
	case ModeFetch, ModeEntries, ModeRunning, ModeLatest, ModePatch, ModePrepare:
		return false
	default:
		return false
	}
}

// Format is the output format of the entry printing modes.
type Format int

const (
	FormatHuman Format = iota
	FormatShell
	FormatShellExport
)

// Config holds the settings of one invocation. Zero values are replaced by defaults in Normalize.
type Config struct {
	Distro   string        `yaml:"distro"`
	Prefix   string        `yaml:"prefix"`
	Interval time.Duration `yaml:"interval"`
	Hook     string        `yaml:"hook"`
	Sysroot  string        `yaml:"sysroot"`
	Refspec  string        `yaml:"refspec"`
	LockFile string        `yaml:"lock"`
	Ostree   string        `yaml:"ostree"`

	Mode    Mode   `yaml:"-"`
	OneShot bool   `yaml:"-"`
	Format  Format `yaml:"-"`

	intervalSet bool
}

// SetInterval sets the poll interval explicitly. Unlike an unset interval, an explicit zero is
// raised to the minimum by Normalize.
func (c *Config) SetInterval(d time.Duration) {
	c.Interval = d
	c.intervalSet = true
}

// LoadConfig reads the yaml config file at path. A missing file yields an empty config.
func LoadConfig(path string) (*Config, error) {
	c := &Config{}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	var explicit struct {
		Interval *time.Duration `yaml:"interval"`
	}
	if err := yaml.Unmarshal(data, &explicit); err == nil && explicit.Interval != nil {
		c.intervalSet = true
	}
	return c, nil
}

// Normalize fills unset fields with defaults and raises the interval to the minimum. It returns
// true when the interval had to be raised.
func (c *Config) Normalize() (raised bool) {
	if c.Distro == "" {
		c.Distro = constants.DefaultDistro
	}
	if c.Prefix == "" {
		c.Prefix = constants.DefaultPrefix
	}
	if c.Interval == 0 && !c.intervalSet {
		c.Interval = constants.DefaultInterval
	}
	if c.Interval < constants.MinInterval {
		c.Interval = constants.MinInterval
		raised = true
	}
	if c.Hook == "" {
		c.Hook = constants.DefaultHook
	}
	if c.Sysroot == "" {
		c.Sysroot = constants.DefaultSysroot
	}
	if c.LockFile == "" {
		c.LockFile = constants.DefaultLockFile
	}
	if c.Ostree == "" {
		c.Ostree = constants.DefaultOstree
	}
	return raised
}
