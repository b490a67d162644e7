package mount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/containerd/mount"
	cnst "github.com/kairos-io/ostree-updater/internal/constants"
	internalUtils "github.com/kairos-io/ostree-updater/internal/utils"
)

var (
	ErrPathTooLong = errors.New("path too long")
	ErrNotMounted  = errors.New("not a mount point")
)

type Kind int

const (
	KindBind Kind = iota
	KindMove
)

func (k Kind) String() string {
	switch k {
	case KindBind:
		return "bind"
	case KindMove:
		return "move"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Step is a single mount of the root shuffle.
type Step struct {
	Name   string
	Kind   Kind
	Source string
	Target string
	// Mkdir creates Target before mounting.
	Mkdir bool
}

// Plan is the ordered list of steps turning rootfs/deployment into the new root.
type Plan []Step

// hostPath joins the parts the way the kernel will walk them, ".." included, and checks the result
// fits in PATH_MAX.
func hostPath(parts ...string) (string, error) {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			b.WriteByte('/')
		}
		b.WriteString(strings.TrimSuffix(p, "/"))
	}
	if b.Len() >= cnst.PathMax {
		return "", fmt.Errorf("%.32s...: %w", b.String(), ErrPathTooLong)
	}
	if b.Len() == 0 {
		return "/", nil
	}
	return b.String(), nil
}

// NewPlan computes the shuffle for deployment, a path relative to rootfs such as
// /ostree/deploy/refkit/deploy/<csum>.0.
func NewPlan(rootfs, staging, deployment string) (Plan, error) {
	if deployment == "" || deployment == "/" {
		return nil, fmt.Errorf("invalid deployment path %q", deployment)
	}
	type entry struct {
		name  string
		kind  Kind
		src   []string
		dst   []string
		mkdir bool
	}
	entries := []entry{
		{name: cnst.OpMakeMovable, kind: KindBind, src: []string{rootfs, deployment}, dst: []string{rootfs, deployment}},
		{name: cnst.OpBindVar, kind: KindBind, src: []string{rootfs, deployment, "../../var"}, dst: []string{rootfs, deployment, "var"}},
		{name: cnst.OpBindBoot, kind: KindBind, src: []string{rootfs, "boot"}, dst: []string{rootfs, deployment, "boot"}},
		{name: cnst.OpBindHome, kind: KindBind, src: []string{rootfs, "home"}, dst: []string{rootfs, deployment, "home"}},
		{name: cnst.OpMoveDeployment, kind: KindMove, src: []string{rootfs, deployment}, dst: []string{staging}, mkdir: true},
		{name: cnst.OpNestSysroot, kind: KindMove, src: []string{rootfs}, dst: []string{staging, "sysroot"}},
		{name: cnst.OpSwitchRootfs, kind: KindMove, src: []string{staging}, dst: []string{rootfs}},
	}

	plan := make(Plan, 0, len(entries))
	for _, s := range entries {
		src, err := hostPath(s.src...)
		if err != nil {
			return nil, err
		}
		dst, err := hostPath(s.dst...)
		if err != nil {
			return nil, err
		}
		plan = append(plan, Step{Name: s.name, Kind: s.kind, Source: src, Target: dst, Mkdir: s.mkdir})
	}
	return plan, nil
}

// Fstab renders the plan as fstab lines, moves use the "move" option.
func (p Plan) Fstab() string {
	var out strings.Builder
	for _, s := range p {
		entry := internalUtils.MountToFstab(mount.Mount{Type: "none", Source: s.Source, Options: []string{s.Kind.String()}})
		entry.File = s.Target
		out.WriteString(entry.String())
		out.WriteString("\n")
	}
	return out.String()
}
