package mount

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/containerd/mount"
	"golang.org/x/sys/unix"
)

// Mounter carries out the mount syscalls of the root shuffle.
type Mounter interface {
	Bind(source, target string, readOnly bool) error
	Move(source, target string) error
	Mkdir(path string, perm os.FileMode) error
}

// SyscallMounter mounts for real.
type SyscallMounter struct{}

func (SyscallMounter) Bind(source, target string, readOnly bool) error {
	m := mount.Mount{Type: "none", Source: source, Options: []string{"bind"}}
	if readOnly {
		m.Options = append(m.Options, "ro")
	}
	return m.Mount(target)
}

func (SyscallMounter) Move(source, target string) error {
	return unix.Mount(source, target, "", unix.MS_MOVE, "")
}

func (SyscallMounter) Mkdir(path string, perm os.FileMode) error {
	if err := os.Mkdir(path, perm); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

// Error is a failed step of the root shuffle.
type Error struct {
	Step   string
	Source string
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s -> %s: %v", e.Step, e.Source, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// mountOperation runs a single plan step through a Mounter.
type mountOperation struct {
	Step    Step
	Mounter Mounter
}

func (m mountOperation) run() error {
	var err error
	switch m.Step.Kind {
	case KindBind:
		err = m.Mounter.Bind(m.Step.Source, m.Step.Target, false)
	case KindMove:
		if m.Step.Mkdir {
			if err = m.Mounter.Mkdir(m.Step.Target, 0o755); err != nil {
				break
			}
		}
		err = m.Mounter.Move(m.Step.Source, m.Step.Target)
	default:
		err = fmt.Errorf("unknown step kind %d", m.Step.Kind)
	}
	if err != nil {
		return &Error{Step: m.Step.Name, Source: m.Step.Source, Target: m.Step.Target, Err: err}
	}
	return nil
}
