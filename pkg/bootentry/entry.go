package bootentry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kairos-io/ostree-updater/internal/constants"
)

var (
	ErrNoEntries      = errors.New("no boot loader entries found")
	ErrMissingVersion = errors.New("missing config entry 'version'")
	ErrMissingOptions = errors.New("missing config entry 'options'")
	ErrMissingOstree  = errors.New("missing ostree entry in 'options'")
	ErrPathTooLong    = errors.New("path too long")
	ErrNotDetermined  = errors.New("entry could not be determined")
)

// Entry is one boot loader entry, slot A or B.
type Entry struct {
	ID      int
	Version int
	Options string
	// BootPath is the value of the ostree= kernel argument, a symlink under /ostree/boot.N.
	BootPath string
	// DeploymentPath is BootPath resolved to the deployment directory, as seen from the booted system.
	DeploymentPath string
	Device         uint64
	Inode          uint64
}

// Checksum returns the commit checksum of the entry's deployment.
func (e Entry) Checksum() string {
	return Checksum(e.DeploymentPath)
}

// Checksum extracts the commit checksum from a <checksum>.<serial> deployment directory.
func Checksum(deploymentPath string) string {
	if deploymentPath == "" {
		return ""
	}
	base := filepath.Base(deploymentPath)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// parseEntry reads the version and options lines of a loader entry and extracts the boot path.
func parseEntry(id int, r io.Reader) (Entry, error) {
	e := Entry{ID: id}
	var haveOptions bool

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "options "):
			e.Options = strings.TrimPrefix(line, "options ")
			haveOptions = true
		case strings.HasPrefix(line, "version "):
			e.Version = leadingInt(strings.TrimPrefix(line, "version "))
		default:
			continue
		}
		if haveOptions && e.Version != 0 {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return e, err
	}

	if e.Version == 0 {
		return e, ErrMissingVersion
	}
	if !haveOptions {
		return e, ErrMissingOptions
	}

	i := strings.Index(e.Options, "ostree=")
	if i < 0 {
		return e, ErrMissingOstree
	}
	boot := e.Options[i+len("ostree="):]
	if j := strings.IndexByte(boot, ' '); j >= 0 {
		boot = boot[:j]
	}
	if len(boot) >= constants.PathMax {
		return e, fmt.Errorf("ostree=%.32s...: %w", boot, ErrPathTooLong)
	}
	e.BootPath = boot
	return e, nil
}

// leadingInt parses the decimal digits at the start of s, ignoring anything after them.
func leadingInt(s string) int {
	s = strings.TrimLeft(s, " \t")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
