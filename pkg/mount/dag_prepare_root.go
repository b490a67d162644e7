package mount

import (
	cnst "github.com/kairos-io/ostree-updater/internal/constants"
	"github.com/spectrocloud-labs/herd"
)

// RegisterPrepareRoot registers the dag turning the latest deployment under /rootfs into the root we
// switch to. The deployment is made movable and gets var, boot and home bound in from the physical
// root, then three moves swap it with /rootfs, nesting the physical root under /sysroot.
// Every step strictly depends on the previous one, the first failure stops everything after it.
func (s *State) RegisterPrepareRoot(g *herd.Graph) error {
	var err error

	if _, err = s.Plan(); err != nil {
		return s.LogIfErrorAndReturn(err, "computing mount plan")
	}

	// Self bind, MS_MOVE refuses to move something that is not a mount point
	if err = s.LogIfErrorAndReturn(s.StepDagStep(g, cnst.OpMakeMovable), "make movable"); err != nil {
		return err
	}

	// State shared with the physical root, plain binds so the sources stay valid until the switch
	if err = s.LogIfErrorAndReturn(s.StepDagStep(g, cnst.OpBindVar, herd.WithDeps(cnst.OpMakeMovable)), "bind var"); err != nil {
		return err
	}
	if err = s.LogIfErrorAndReturn(s.StepDagStep(g, cnst.OpBindBoot, herd.WithDeps(cnst.OpBindVar)), "bind boot"); err != nil {
		return err
	}
	if err = s.LogIfErrorAndReturn(s.StepDagStep(g, cnst.OpBindHome, herd.WithDeps(cnst.OpBindBoot)), "bind home"); err != nil {
		return err
	}

	// Shuffle
	if err = s.LogIfErrorAndReturn(s.StepDagStep(g, cnst.OpMoveDeployment, herd.WithDeps(cnst.OpBindHome)), "move deployment"); err != nil {
		return err
	}
	if err = s.LogIfErrorAndReturn(s.StepDagStep(g, cnst.OpNestSysroot, herd.WithDeps(cnst.OpMoveDeployment)), "nest sysroot"); err != nil {
		return err
	}
	return s.LogIfErrorAndReturn(s.StepDagStep(g, cnst.OpSwitchRootfs, herd.WithDeps(cnst.OpNestSysroot)), "switch rootfs")
}
