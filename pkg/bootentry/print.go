package bootentry

import (
	"fmt"
	"io"
	"strings"

	"github.com/kairos-io/ostree-updater/pkg/schema"
)

// Printer writes discovered entries either for humans or as shell variable assignments meant to be
// eval'ed, e.g. REFKIT_OSTREE_BOOT0_VERSION=3.
type Printer struct {
	Out    io.Writer
	Format schema.Format
	Prefix string
}

// Entries prints every discovered entry, preceded by the entry count, running and latest index in
// shell formats.
func (p Printer) Entries(r *Registry) error {
	if _, err := r.Discover(); err != nil {
		return err
	}

	w := &errWriter{w: p.Out}
	if p.Format != schema.FormatHuman {
		p.assign(w, "BOOT_ENTRIES", fmt.Sprint(len(r.entries)))
		p.assign(w, "RUNNING_ENTRY", fmt.Sprint(r.RunningIndex()))
		p.assign(w, "LATEST_ENTRY", fmt.Sprint(r.LatestIndex()))
	}
	for i, e := range r.Entries() {
		p.entry(w, fmt.Sprintf("boot entry #%d", i), fmt.Sprintf("BOOT%d", i), e)
	}
	return w.err
}

// Running prints the entry the system booted from.
func (p Printer) Running(r *Registry) error {
	if _, err := r.Discover(); err != nil {
		return err
	}
	e, ok := r.Running()
	if !ok {
		return fmt.Errorf("running %w", ErrNotDetermined)
	}
	w := &errWriter{w: p.Out}
	p.entry(w, fmt.Sprintf("running entry #%d", r.RunningIndex()), "BOOTED", e)
	return w.err
}

// Latest prints the entry with the highest version.
func (p Printer) Latest(r *Registry) error {
	if _, err := r.Discover(); err != nil {
		return err
	}
	e, ok := r.Latest()
	if !ok {
		return fmt.Errorf("latest %w", ErrNotDetermined)
	}
	w := &errWriter{w: p.Out}
	p.entry(w, fmt.Sprintf("latest entry #%d", r.LatestIndex()), "LATEST", e)
	return w.err
}

func (p Printer) entry(w *errWriter, title, infix string, e Entry) {
	if p.Format == schema.FormatHuman {
		w.printf("%s:\n", title)
		w.printf("%14s: %d\n", "id", e.ID)
		w.printf("%14s: %d\n", "version", e.Version)
		w.printf("%14s: '%s'\n", "options", e.Options)
		w.printf("%14s: '%s'\n", "boot", e.BootPath)
		w.printf("%14s: '%s'\n", "deployment", e.DeploymentPath)
		w.printf("%14s: 0x%x/0x%x\n", "dev/ino", e.Device, e.Inode)
		return
	}
	p.assign(w, infix+"_VERSION", fmt.Sprint(e.Version))
	p.assign(w, infix+"_OPTIONS", Quote(e.Options))
	p.assign(w, infix+"_PATH", Quote(e.DeploymentPath))
	p.assign(w, infix+"_DEVICE", fmt.Sprintf("0x%x", e.Device))
	p.assign(w, infix+"_INODE", fmt.Sprint(e.Inode))
}

func (p Printer) assign(w *errWriter, name, value string) {
	export := ""
	if p.Format == schema.FormatShellExport {
		export = "export "
	}
	w.printf("%s%s_%s=%s\n", export, p.Prefix, name, value)
}

// Quote single-quotes s for the shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// errWriter keeps the first write error and drops everything written after it.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
