package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	cnst "github.com/kairos-io/ostree-updater/internal/constants"
	"github.com/kairos-io/ostree-updater/pkg/bootentry"
	"github.com/kairos-io/ostree-updater/pkg/process"
	"github.com/kairos-io/ostree-updater/pkg/repository"
	"github.com/kairos-io/ostree-updater/pkg/schema"
	"github.com/rs/zerolog"
)

var ErrNoLatest = errors.New("failed to determine post-update boot entries")

// Outcome is how an update cycle ended.
type Outcome int

const (
	// NoUpdate means nothing new was pulled.
	NoUpdate Outcome = iota
	// Locked means another process holds the sysroot, nothing was done.
	Locked
	// Fetched means an update was pulled but not deployed.
	Fetched
	// Applied means an update was deployed and the post-apply hook succeeded.
	Applied
	// HookFailed means an update was deployed but the post-apply hook failed. The deployment stays.
	HookFailed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NoUpdate:
		return "no-update"
	case Locked:
		return "locked"
	case Fetched:
		return "fetched"
	case Applied:
		return "applied"
	case HookFailed:
		return "hook-failed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Success reports whether the outcome is not a failure.
func (o Outcome) Success() bool {
	switch o {
	case NoUpdate, Locked, Fetched, Applied:
		return true
	case HookFailed, Failed:
		return false
	default:
		return false
	}
}

// Repository is the deployment engine an update cycle drives.
type Repository interface {
	Open(ctx context.Context) error
	LockSysroot() (bool, error)
	UnlockSysroot() error
	Pull(ctx context.Context, flags repository.PullFlags) (bool, error)
	Deploy(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

type Deployments interface {
	Refresh() (int, error)
	Latest() (bootentry.Entry, bool)
	Running() (bootentry.Entry, bool)
}

// Inhibitor blocks system shutdown while an update is in flight.
type Inhibitor interface {
	Inhibit() error
	Release() error
}

type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Updater fetches and applies updates, either once or in a loop.
type Updater struct {
	Config      *schema.Config
	Repo        Repository
	Deployments Deployments
	Inhibitor   Inhibitor
	Clock       Clock
	Logger      zerolog.Logger

	HookTimeout time.Duration
	HookPoll    time.Duration

	// hook that outlived its timeout, reaped once it exits
	lateHook *process.Process
}

func (u *Updater) clock() Clock {
	if u.Clock == nil {
		return realClock{}
	}
	return u.Clock
}

// Open opens the repository, once per process.
func (u *Updater) Open(ctx context.Context) error {
	if err := u.Repo.Open(ctx); err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	return nil
}

// HookPending reports whether a post-apply hook that timed out has not been reaped yet.
func (u *Updater) HookPending() bool {
	return u.lateHook != nil
}

func (u *Updater) reapLateHook(l zerolog.Logger) {
	if u.lateHook == nil {
		return
	}
	status, done, err := u.lateHook.TryWait()
	if err != nil {
		l.Warn().Err(err).Int("pid", u.lateHook.Pid).Msg("reaping post-apply hook")
		u.lateHook = nil
		return
	}
	if done {
		l.Info().Str("status", status.String()).Msg("late post-apply hook finished")
		u.lateHook = nil
	}
}

// RunCycle runs a single lock, inhibit, pull, deploy, hook sequence. The sysroot lock and the
// shutdown inhibitor are always released before returning. Once started, pull and deploy are not
// interrupted by ctx.
func (u *Updater) RunCycle(ctx context.Context) (out Outcome, err error) {
	l := u.Logger
	if id, idErr := uuid.NewV4(); idErr == nil {
		l = l.With().Str("cycle", id.String()).Logger()
	}
	u.reapLateHook(l)
	work := context.WithoutCancel(ctx)

	acquired, err := u.Repo.LockSysroot()
	if err != nil {
		l.Err(err).Msg("failed to lock sysroot")
		return Failed, err
	}
	if !acquired {
		l.Info().Msg("sysroot locked by another process, skipping")
		return Locked, nil
	}

	defer func() {
		var result *multierror.Error
		if e := u.Inhibitor.Release(); e != nil {
			result = multierror.Append(result, fmt.Errorf("allowing shutdown: %w", e))
		}
		if e := u.Repo.UnlockSysroot(); e != nil {
			result = multierror.Append(result, fmt.Errorf("unlocking sysroot: %w", e))
		}
		if e := result.ErrorOrNil(); e != nil {
			l.Err(e).Msg("cleanup")
		}
	}()

	if err = u.Inhibitor.Inhibit(); err != nil {
		if !errors.Is(err, process.ErrNoInhibitor) {
			l.Err(err).Msg("failed to block shutdown")
			return Failed, err
		}
		l.Warn().Msg("no shutdown inhibitor available, updating without it")
	}

	mode := u.Config.Mode
	src := "server"
	if !mode.Fetches() {
		src = "local repository"
	}
	l.Info().Str("source", src).Msg("polling for available updates")

	changed, err := u.Repo.Pull(work, repository.PullFlags{Synthetic: !mode.Fetches()})
	if err != nil {
		l.Err(err).Str("source", src).Msg("failed to poll for updates")
		if !mode.Applies() {
			if cErr := u.Repo.Cleanup(work); cErr != nil {
				l.Err(cErr).Msg("sysroot cleanup")
			}
		}
		return Failed, err
	}
	if !changed {
		l.Info().Msg("no updates pending")
		return NoUpdate, nil
	}
	l.Info().Msg("updates fetched successfully")

	if !mode.Applies() {
		return Fetched, nil
	}

	if err = u.Repo.Deploy(work); err != nil {
		l.Err(err).Msg("failed to deploy updates")
		return Failed, err
	}
	l.Info().Msg("updates applied")

	if _, err = u.Deployments.Refresh(); err != nil {
		l.Err(err).Msg("failed to determine post-update boot entries")
		return Failed, err
	}
	latest, ok := u.Deployments.Latest()
	if !ok {
		return Failed, ErrNoLatest
	}
	prev := ""
	if running, ok := u.Deployments.Running(); ok {
		prev = running.DeploymentPath
	}
	l.Info().Str("from", prev).Str("to", latest.DeploymentPath).Msg("updated")

	if err = u.runHook(l, prev, latest.DeploymentPath); err != nil {
		l.Err(err).Msg("post-apply hook failed")
		return HookFailed, err
	}
	return Applied, nil
}

// runHook calls the post-apply hook with the previous and new deployment. A hook that is missing
// or not executable is skipped.
func (u *Updater) runHook(l zerolog.Logger, prev, next string) error {
	hook := u.Config.Hook
	if hook == "" {
		return nil
	}
	if err := process.Executable(hook); err != nil {
		if _, statErr := os.Stat(hook); statErr == nil {
			l.Warn().Err(err).Str("hook", hook).Msg("post-apply hook is not executable, skipping")
		} else {
			l.Debug().Str("hook", hook).Msg("no post-apply hook")
		}
		return nil
	}

	p, err := process.Command(hook, prev, next).Inherit(process.Stdout).Inherit(process.Stderr).Spawn()
	if err != nil {
		return err
	}
	timeout, poll := u.HookTimeout, u.HookPoll
	if timeout == 0 {
		timeout = cnst.HookTimeout
	}
	if poll == 0 {
		poll = cnst.HookPoll
	}
	l.Info().Str("hook", hook).Msg("waiting for post-apply hook to finish")
	status, err := p.WaitTimeout(timeout, poll)
	if errors.Is(err, process.ErrTimeout) {
		u.lateHook = p
	}
	if err != nil {
		return err
	}
	if !status.Success() {
		return &process.ExitError{Path: hook, Status: status}
	}
	l.Info().Str("hook", hook).Msg("post-apply hook succeeded")
	return nil
}

// Run runs update cycles until an update was applied or ctx is done. In one-shot mode exactly one
// cycle runs.
func (u *Updater) Run(ctx context.Context) (Outcome, error) {
	for {
		out, err := u.RunCycle(ctx)
		u.Logger.Debug().Str("outcome", out.String()).Msg("update cycle done")
		if u.Config.OneShot {
			return out, err
		}

		var wait time.Duration
		switch out {
		case Applied:
			return out, nil
		case NoUpdate, Locked:
			wait = u.Config.Interval
		case Fetched, HookFailed, Failed:
			wait = cnst.FailureBackoff
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-u.clock().After(wait):
		}
	}
}
