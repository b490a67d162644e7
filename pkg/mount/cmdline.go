package mount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cnst "github.com/kairos-io/ostree-updater/internal/constants"
	internalUtils "github.com/kairos-io/ostree-updater/internal/utils"
	"github.com/rs/zerolog"
)

var ErrCmdlineTooLong = errors.New("kernel cmdline too long")

// CmdlinePatch makes ostree= show up in /proc/cmdline for systems booted without it, by binding a
// patched copy over it. Writing the copy and binding it are separate steps: a failure in between
// leaves the copy behind and /proc/cmdline untouched.
type CmdlinePatch struct {
	Cmdline string
	Patched string
	Mounter Mounter
	Logger  zerolog.Logger
}

func (c CmdlinePatch) cmdline() string {
	if c.Cmdline == "" {
		return cnst.ProcCmdline
	}
	return c.Cmdline
}

func (c CmdlinePatch) patched() string {
	if c.Patched == "" {
		return cnst.PatchedCmdline
	}
	return c.Patched
}

// HasOstree reports whether cmdline already carries an ostree= argument.
func HasOstree(cmdline string) bool {
	return strings.HasPrefix(cmdline, "ostree=") || strings.Contains(cmdline, " ostree=")
}

// Apply appends ostree=bootPath to the cmdline unless already present. It returns whether the
// cmdline was patched.
func (c CmdlinePatch) Apply(bootPath string) (bool, error) {
	data, err := os.ReadFile(c.cmdline())
	if err != nil {
		return false, err
	}
	if len(data) >= cnst.PathMax-1 {
		return false, fmt.Errorf("%s: %w", c.cmdline(), ErrCmdlineTooLong)
	}

	current := strings.TrimRight(string(data), "\n")
	newline := len(current) != len(data)

	if HasOstree(current) {
		c.Logger.Debug().Msg("cmdline already has ostree=")
		return false, nil
	}

	patched := current + " ostree=" + bootPath
	if newline {
		patched += "\n"
	}
	if len(patched) > cnst.PathMax-1 {
		return false, fmt.Errorf("%s: %w", c.cmdline(), ErrCmdlineTooLong)
	}

	if err := internalUtils.CreateIfNotExists(filepath.Dir(c.patched())); err != nil {
		return false, err
	}
	if err := os.WriteFile(c.patched(), []byte(patched), 0o644); err != nil {
		return false, err
	}

	mounter := c.Mounter
	if mounter == nil {
		mounter = SyscallMounter{}
	}
	if err := mounter.Bind(c.patched(), c.cmdline(), true); err != nil {
		return false, &Error{Step: "patch-cmdline", Source: c.patched(), Target: c.cmdline(), Err: err}
	}

	if err := os.Remove(c.patched()); err != nil {
		c.Logger.Warn().Err(err).Str("file", c.patched()).Msg("removing patched cmdline")
	}
	c.Logger.Info().Str("ostree", bootPath).Msg("patched kernel cmdline")
	return true, nil
}
