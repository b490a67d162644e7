package constants

import "time"

const (
	OpMakeMovable    = "make-movable"
	OpBindVar        = "bind-var"
	OpBindBoot       = "bind-boot"
	OpBindHome       = "bind-home"
	OpMoveDeployment = "move-deployment"
	OpNestSysroot    = "nest-sysroot"
	OpSwitchRootfs   = "switch-rootfs"
)

const (
	DefaultDistro    = "refkit"
	DefaultPrefix    = "REFKIT_OSTREE"
	DefaultConfig    = "/etc/ostree-updater.yaml"
	DefaultHook      = "/usr/libexec/ostree-updater/post-apply"
	DefaultLockFile  = "/run/lock/ostree-updater.lock"
	DefaultOstree    = "/usr/bin/ostree"
	DefaultSysroot   = "/"
	DefaultOsRelease = "/etc/os-release"

	// Initramfs layout.
	RootfsDir  = "/rootfs"
	SysrootDir = "/sysroot"
	StagingDir = "/sysroot.tmp"

	LoaderEntriesDir = "/boot/loader/entries"
	ProcCmdline      = "/proc/cmdline"
	PatchedCmdline   = "/run/cmdline.patched"

	// PathMax mirrors the kernel PATH_MAX, longer paths are rejected rather than truncated.
	PathMax = 4096
)

const (
	DefaultInterval = 15 * time.Minute
	MinInterval     = 15 * time.Second
	FailureBackoff  = 30 * time.Second
	HookTimeout     = 60 * time.Second
	HookPoll        = 1 * time.Second
)

// InhibitorPaths are the candidate locations of systemd-inhibit, in lookup order.
func InhibitorPaths() []string {
	return []string{"/usr/bin/systemd-inhibit", "/bin/systemd-inhibit"}
}
