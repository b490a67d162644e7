package process

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kairos-io/ostree-updater/internal/constants"
	"github.com/rs/zerolog"
)

// ErrNoInhibitor is returned by Inhibit when no systemd-inhibit binary could be found.
var ErrNoInhibitor = errors.New("systemd-inhibit not found")

const (
	releaseGrace = 10 * time.Millisecond
	releasePoll  = 250 * time.Millisecond
	releasePolls = 5
)

// Inhibitor blocks system shutdown while held. The lock is a systemd-inhibit child reading its
// stdin from a pipe we keep the write end of: closing it makes the child exit and drop the lock.
type Inhibitor struct {
	Paths  []string
	Shell  string
	Logger zerolog.Logger

	proc *Process
	w    *os.File
}

// NewInhibitor returns an Inhibitor looking for systemd-inhibit in the usual locations.
func NewInhibitor(l zerolog.Logger) *Inhibitor {
	return &Inhibitor{Paths: constants.InhibitorPaths(), Shell: "/bin/sh", Logger: l}
}

func (i *Inhibitor) binary() (string, error) {
	for _, p := range i.Paths {
		if err := Executable(p); err == nil {
			return p, nil
		}
	}
	return "", ErrNoInhibitor
}

// Held reports whether the inhibitor lock is currently taken.
func (i *Inhibitor) Held() bool {
	return i.proc != nil
}

// Inhibit takes the shutdown inhibitor lock. Taking it while already held is a no-op.
func (i *Inhibitor) Inhibit() error {
	if i.Held() {
		return nil
	}
	bin, err := i.binary()
	if err != nil {
		return err
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating inhibitor pipe: %w", err)
	}

	p, err := Command(bin,
		"--what=shutdown",
		"--who=ostree-update",
		"--why=pulling/applying system update",
		"--mode=block",
		i.Shell, "-c", "read foo",
	).Redirect(r, Stdin).Inherit(Stderr).Spawn()
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("starting shutdown inhibitor: %w", err)
	}

	i.proc, i.w = p, w
	i.Logger.Debug().Int("pid", p.Pid).Msg("shutdown inhibited")
	return nil
}

// Release drops the inhibitor lock. The child is given a short grace period to exit after its
// stdin is closed, then killed.
func (i *Inhibitor) Release() error {
	if !i.Held() {
		return nil
	}
	p := i.proc
	_ = i.w.Close()
	i.proc, i.w = nil, nil

	time.Sleep(releaseGrace)
	_, err := p.WaitTimeout(releasePolls*releasePoll, releasePoll)
	if err == nil {
		i.Logger.Debug().Int("pid", p.Pid).Msg("shutdown allowed")
		return nil
	}
	if !errors.Is(err, ErrTimeout) {
		return err
	}

	i.Logger.Warn().Int("pid", p.Pid).Msg("shutdown inhibitor did not exit, killing it")
	if err := p.Kill(); err != nil {
		return err
	}
	_, err = p.Wait()
	return err
}
