package mount

import (
	"context"
	"fmt"
	"sync"

	cnst "github.com/kairos-io/ostree-updater/internal/constants"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"
)

type State struct {
	Logger     zerolog.Logger
	Rootfs     string // where the initramfs mounted the physical root e.g. /rootfs
	Staging    string // temporary mount point of the new root e.g. /sysroot.tmp
	Deployment string // deployment to boot, relative to Rootfs e.g. /ostree/deploy/refkit/deploy/<csum>.0

	Mounter Mounter
	// IsMounted reports whether a path is a mount point, mountinfo.Mounted unless set.
	IsMounted func(string) (bool, error)

	plan Plan
	mu   sync.Mutex
	err  error
	done []string
}

func (s *State) rootfs() string {
	if s.Rootfs == "" {
		return cnst.RootfsDir
	}
	return s.Rootfs
}

func (s *State) staging() string {
	if s.Staging == "" {
		return cnst.StagingDir
	}
	return s.Staging
}

func (s *State) mounter() Mounter {
	if s.Mounter == nil {
		return SyscallMounter{}
	}
	return s.Mounter
}

func (s *State) mounted(p string) (bool, error) {
	if s.IsMounted == nil {
		return mountinfo.Mounted(p)
	}
	return s.IsMounted(p)
}

// Plan returns the steps of the shuffle, computing them on first use.
func (s *State) Plan() (Plan, error) {
	if s.plan != nil {
		return s.plan, nil
	}
	p, err := NewPlan(s.rootfs(), s.staging(), s.Deployment)
	if err != nil {
		return nil, err
	}
	s.plan = p
	return p, nil
}

// CheckRootfs fails unless the physical root is mounted where the shuffle expects it.
func (s *State) CheckRootfs() error {
	mounted, err := s.mounted(s.rootfs())
	if err != nil {
		return fmt.Errorf("checking %s: %w", s.rootfs(), err)
	}
	if !mounted {
		return fmt.Errorf("%s: %w", s.rootfs(), ErrNotMounted)
	}
	return nil
}

// Verify checks the shuffle left the new root at Rootfs with the old one nested under sysroot.
func (s *State) Verify() error {
	for _, p := range []string{s.rootfs(), s.rootfs() + cnst.SysrootDir} {
		mounted, err := s.mounted(p)
		if err != nil {
			return fmt.Errorf("checking %s: %w", p, err)
		}
		if !mounted {
			return fmt.Errorf("%s: %w", p, ErrNotMounted)
		}
	}
	return nil
}

// StepOP returns the callback running step. Once a step failed every later callback refuses to run.
func (s *State) StepOP(step Step) func(context.Context) error {
	return func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.err != nil {
			return fmt.Errorf("%s: skipped after %s failed", step.Name, s.failedStep())
		}
		if err := ctx.Err(); err != nil {
			s.err = &Error{Step: step.Name, Source: step.Source, Target: step.Target, Err: err}
			return s.err
		}

		l := s.Logger.With().Str("what", step.Source).Str("where", step.Target).Str("kind", step.Kind.String()).Logger()
		l.Info().Msg(step.Name)
		op := mountOperation{Step: step, Mounter: s.mounter()}
		if err := op.run(); err != nil {
			l.Err(err).Msg("mount failed")
			s.err = err
			return err
		}
		s.done = append(s.done, step.Name)
		return nil
	}
}

func (s *State) failedStep() string {
	if e, ok := s.err.(*Error); ok {
		return e.Step
	}
	return "a previous step"
}

// Run executes the graph and returns the first failed step, if any.
func (s *State) Run(ctx context.Context, g *herd.Graph) error {
	runErr := g.Run(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return runErr
}

// Done lists the steps that completed, in order.
func (s *State) Done() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.done...)
}

// WriteDAG writes the dag
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t)\n", op.Name, op.Background, op.WeakDeps)
			}
		}
	}
	return
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		s.Logger.Err(e).Msg(msgContext)
	}
	return e
}

// LogIfErrorAndPanic will log if there is an error with the given context as message
// Context can be empty
// Will also panic
func (s *State) LogIfErrorAndPanic(e error, msgContext string) {
	if e != nil {
		s.Logger.Err(e).Msg(msgContext)
		s.Logger.Fatal().Msg(e.Error())
	}
}
