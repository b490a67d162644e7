package bootentry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kairos-io/ostree-updater/internal/constants"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"
	"golang.org/x/sys/unix"
)

// The working directory is process wide, resolutions must not interleave.
var cwdMu sync.Mutex

// Registry discovers the boot loader entries of an ostree sysroot. Discovery results are cached
// until Refresh is called.
type Registry struct {
	FS     vfs.FS
	Distro string
	// RootPath is stat'ed to find the running entry, "/" unless set.
	RootPath string
	Logger   zerolog.Logger

	discovered bool
	entries    []Entry
	latest     int
	running    int
}

// NewRegistry returns a registry for distro operating on the host filesystem.
func NewRegistry(distro string, l zerolog.Logger) *Registry {
	return &Registry{FS: vfs.OSFS, Distro: distro, RootPath: "/", Logger: l, latest: -1, running: -1}
}

// Discover reads the loader entries and returns how many were found. After a successful discovery
// further calls return the cached count.
func (r *Registry) Discover() (int, error) {
	if r.discovered {
		return len(r.entries), nil
	}

	base, err := r.loaderDir()
	if err != nil {
		return 0, err
	}

	var rootDev, rootIno uint64
	rootKnown := false
	if dev, ino, err := r.statRaw(r.rootPath()); err != nil {
		r.Logger.Warn().Err(err).Str("root", r.rootPath()).Msg("cannot stat root, running entry unknown")
	} else {
		rootDev, rootIno, rootKnown = dev, ino, true
	}

	var entries []Entry
	latest, running, latestVersion := -1, -1, 0
	for i := 0; i < 2; i++ {
		conf := filepath.Join(base, fmt.Sprintf("ostree-%s-%d.conf", r.Distro, i))
		f, err := r.FS.Open(conf)
		if err != nil {
			if i == 0 {
				return 0, fmt.Errorf("%s: %w: %w", conf, ErrNoEntries, err)
			}
			break
		}
		e, err := r.readEntry(i, f)
		_ = f.Close()
		if err != nil {
			return 0, fmt.Errorf("invalid entry %s: %w", conf, err)
		}

		if e.Version > latestVersion {
			latest, latestVersion = i, e.Version
		}
		if rootKnown && e.Device == rootDev && e.Inode == rootIno {
			running = i
		}
		r.Logger.Debug().Int("id", i).Int("version", e.Version).Str("deployment", e.DeploymentPath).Msg("boot entry")
		entries = append(entries, e)
	}

	r.entries, r.latest, r.running = entries, latest, running
	r.discovered = true
	return len(entries), nil
}

// Refresh drops the cached entries and discovers them again.
func (r *Registry) Refresh() (int, error) {
	r.discovered = false
	r.entries, r.latest, r.running = nil, -1, -1
	return r.Discover()
}

// Entries returns a copy of the discovered entries.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Entry returns entry i.
func (r *Registry) Entry(i int) (Entry, bool) {
	if i < 0 || i >= len(r.entries) {
		return Entry{}, false
	}
	return r.entries[i], true
}

// LatestIndex is the index of the entry with the highest version, -1 when unknown.
func (r *Registry) LatestIndex() int {
	if !r.discovered {
		return -1
	}
	return r.latest
}

// RunningIndex is the index of the entry the system booted from, -1 when unknown.
func (r *Registry) RunningIndex() int {
	if !r.discovered {
		return -1
	}
	return r.running
}

// Latest returns the entry with the highest version.
func (r *Registry) Latest() (Entry, bool) { return r.Entry(r.LatestIndex()) }

// Running returns the entry the system booted from.
func (r *Registry) Running() (Entry, bool) { return r.Entry(r.RunningIndex()) }

func (r *Registry) rootPath() string {
	if r.RootPath == "" {
		return "/"
	}
	return r.RootPath
}

func (r *Registry) loaderDir() (string, error) {
	for _, dir := range []string{constants.LoaderEntriesDir, filepath.Join(constants.RootfsDir, constants.LoaderEntriesDir)} {
		_, err := r.FS.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", dir, err)
		}
	}
	return "", ErrNoEntries
}

func (r *Registry) readEntry(id int, f io.Reader) (Entry, error) {
	e, err := parseEntry(id, f)
	if err != nil {
		return e, err
	}

	if err := r.resolve(&e); err != nil {
		return e, err
	}
	return e, nil
}

// resolve follows the boot path symlink to the deployment directory and records its identity.
func (r *Registry) resolve(e *Entry) error {
	p := e.BootPath
	if _, err := r.FS.Stat(p); errors.Is(err, fs.ErrNotExist) {
		p = constants.RootfsDir + "/" + strings.TrimPrefix(e.BootPath, "/")
		if _, err := r.FS.Stat(p); err != nil {
			return fmt.Errorf("failed to resolve boot path %q: %w", e.BootPath, err)
		}
	}

	raw, err := r.FS.RawPath(p)
	if err != nil {
		return err
	}
	resolved, err := canonical(raw)
	if err != nil {
		return fmt.Errorf("failed to resolve boot symlink %q to deployment: %w", p, err)
	}
	deployment, err := r.unraw(resolved)
	if err != nil {
		return err
	}
	e.DeploymentPath = stripMountRoots(deployment)

	e.Device, e.Inode, err = statIdentity(resolved)
	if err != nil {
		return fmt.Errorf("failed to resolve boot symlink %q to deployment: %w", p, err)
	}
	return nil
}

func (r *Registry) statRaw(p string) (dev, ino uint64, err error) {
	raw, err := r.FS.RawPath(p)
	if err != nil {
		return 0, 0, err
	}
	return statIdentity(raw)
}

// unraw turns a host path back into a path of r.FS.
func (r *Registry) unraw(p string) (string, error) {
	rawRoot, err := r.FS.RawPath("/")
	if err != nil {
		return "", err
	}
	if rawRoot == "/" {
		return p, nil
	}
	root, err := canonical(rawRoot)
	if err != nil {
		return "", err
	}
	if p == root {
		return "/", nil
	}
	if !strings.HasPrefix(p, root+"/") {
		return "", fmt.Errorf("%s resolves outside of %s", p, root)
	}
	return strings.TrimPrefix(p, root), nil
}

// canonical resolves every symlink of dir by changing into it and asking for the working
// directory. The previous working directory is always restored.
func canonical(dir string) (resolved string, err error) {
	cwdMu.Lock()
	defer cwdMu.Unlock()

	pwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	defer func() {
		tmpErr := os.Chdir(pwd)
		if err == nil && tmpErr != nil {
			err = tmpErr
		}
	}()

	if err = os.Chdir(dir); err != nil {
		return "", err
	}
	resolved, err = unix.Getwd()
	if err != nil {
		return "", err
	}
	if len(resolved) >= constants.PathMax {
		return "", fmt.Errorf("%.32s...: %w", resolved, ErrPathTooLong)
	}
	return resolved, nil
}

// stripMountRoots removes a leading /rootfs or /sysroot so the path reads the same inside and
// outside of the initramfs. Only one prefix goes: /rootfs/sysroot/x becomes /sysroot/x.
func stripMountRoots(p string) string {
	stripped := p
	if strings.HasPrefix(p, constants.RootfsDir+"/") {
		stripped = strings.TrimPrefix(p, constants.RootfsDir)
	}
	if strings.HasPrefix(p, constants.SysrootDir+"/") {
		stripped = strings.TrimPrefix(p, constants.SysrootDir)
	}
	return stripped
}

func statIdentity(p string) (dev, ino uint64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(p, &st); err != nil {
		return 0, 0, err
	}
	return uint64(st.Dev), uint64(st.Ino), nil
}
