package utils

import (
	"os"
	"strings"

	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/kairos-io/ostree-updater/internal/constants"
)

// CmdlinePath returns the kernel cmdline file, overridable with HOST_PROC_CMDLINE.
func CmdlinePath() string {
	if p := os.Getenv("HOST_PROC_CMDLINE"); p != "" {
		return p
	}
	return constants.ProcCmdline
}

// ReadCMDLineArg returns the values of every cmdline field starting with arg.
// Stanzas without a value return a single empty string.
func ReadCMDLineArg(arg string) []string {
	cmdLine, err := os.ReadFile(CmdlinePath())
	if err != nil {
		return []string{}
	}
	res := []string{}
	fields := strings.Fields(string(cmdLine))
	for _, f := range fields {
		if strings.HasPrefix(f, arg) {
			res = append(res, strings.TrimPrefix(f, arg))
		}
	}
	return res
}

// MountToFstab converts a mount into an fstab entry without target.
func MountToFstab(m mount.Mount) *fstab.Mount {
	opts := map[string]string{}
	for _, o := range m.Options {
		if k, v, found := strings.Cut(o, "="); found {
			opts[k] = v
		} else {
			opts[o] = ""
		}
	}
	return &fstab.Mount{
		Spec:    m.Source,
		VfsType: m.Type,
		MntOps:  opts,
		Freq:    0,
		PassNo:  0,
	}
}
