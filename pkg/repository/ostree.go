package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kairos-io/ostree-updater/pkg/bootentry"
	"github.com/kairos-io/ostree-updater/pkg/process"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/ini.v1"
)

var ErrNoRefspec = errors.New("no refspec to update from")

// PullFlags tune a pull.
type PullFlags struct {
	// Synthetic skips the network and only looks at what was already pulled.
	Synthetic bool
}

// Deployments is the view of the boot entries the engine needs.
type Deployments interface {
	Refresh() (int, error)
	Latest() (bootentry.Entry, bool)
	Running() (bootentry.Entry, bool)
}

// Ostree drives the ostree binary against a sysroot.
type Ostree struct {
	Binary  string
	Sysroot string
	Distro  string
	// Refspec to follow, read from the origin file of the booted deployment when empty.
	Refspec string

	FS          vfs.FS
	Lock        *Lock
	Deployments Deployments
	Logger      zerolog.Logger
}

func (o *Ostree) repo() string {
	return filepath.Join(o.Sysroot, "ostree", "repo")
}

func (o *Ostree) run(ctx context.Context, args ...string) (string, error) {
	o.Logger.Debug().Strs("args", args).Msg("ostree")
	out, err := process.Line(ctx, o.Binary, args...)
	if err != nil {
		return out, fmt.Errorf("ostree %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// Open checks the binary, the repository and the refspec to follow.
func (o *Ostree) Open(ctx context.Context) error {
	if err := process.Executable(o.Binary); err != nil {
		return err
	}
	st, err := o.FS.Stat(o.repo())
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("opening repository: %s is not a directory", o.repo())
	}
	if o.Refspec != "" {
		return nil
	}

	o.Refspec, err = o.originRefspec()
	if err != nil {
		return err
	}
	o.Logger.Debug().Str("refspec", o.Refspec).Msg("following origin")
	return nil
}

// originRefspec reads refspec from the [origin] group of the booted deployment's origin file.
func (o *Ostree) originRefspec() (string, error) {
	if _, err := o.Deployments.Refresh(); err != nil {
		return "", err
	}
	e, ok := o.Deployments.Running()
	if !ok {
		if e, ok = o.Deployments.Latest(); !ok {
			return "", ErrNoRefspec
		}
	}
	origin := filepath.Join(o.Sysroot, e.DeploymentPath+".origin")
	data, err := o.FS.ReadFile(origin)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoRefspec, err)
	}
	cfg, err := ini.Load(data)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", origin, err)
	}
	refspec := cfg.Section("origin").Key("refspec").String()
	if refspec == "" {
		return "", fmt.Errorf("%s: %w", origin, ErrNoRefspec)
	}
	return refspec, nil
}

func (o *Ostree) LockSysroot() (bool, error) {
	return o.Lock.TryLock()
}

func (o *Ostree) UnlockSysroot() error {
	return o.Lock.Unlock()
}

// Pull fetches the refspec unless synthetic, then reports whether the pulled commit differs from
// the default deployment.
func (o *Ostree) Pull(ctx context.Context, flags PullFlags) (bool, error) {
	if !flags.Synthetic {
		remote, ref, found := strings.Cut(o.Refspec, ":")
		if !found {
			return false, fmt.Errorf("refspec %q has no remote", o.Refspec)
		}
		if _, err := o.run(ctx, "--repo="+o.repo(), "pull", remote, ref); err != nil {
			return false, err
		}
	}

	rev, err := o.run(ctx, "--repo="+o.repo(), "rev-parse", o.Refspec)
	if err != nil {
		return false, err
	}

	if _, err := o.Deployments.Refresh(); err != nil {
		return false, err
	}
	deployed := ""
	if e, ok := o.Deployments.Latest(); ok {
		deployed = e.Checksum()
	}
	o.Logger.Info().Str("pulled", rev).Str("deployed", deployed).Bool("synthetic", flags.Synthetic).Msg("pull done")
	return rev != deployed, nil
}

// Deploy makes the pulled commit the default boot entry.
func (o *Ostree) Deploy(ctx context.Context) error {
	_, err := o.run(ctx, "admin", "deploy", "--sysroot="+o.Sysroot, "--os="+o.Distro, o.Refspec)
	return err
}

// Cleanup prunes leftovers of interrupted operations from the sysroot.
func (o *Ostree) Cleanup(ctx context.Context) error {
	_, err := o.run(ctx, "admin", "cleanup", "--sysroot="+o.Sysroot)
	return err
}
