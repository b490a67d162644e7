package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	cnst "github.com/kairos-io/ostree-updater/internal/constants"
	"github.com/kairos-io/ostree-updater/internal/utils"
	"github.com/kairos-io/ostree-updater/pkg/bootentry"
	"github.com/kairos-io/ostree-updater/pkg/mount"
	"github.com/kairos-io/ostree-updater/pkg/process"
	"github.com/kairos-io/ostree-updater/pkg/repository"
	"github.com/kairos-io/ostree-updater/pkg/schema"
	"github.com/kairos-io/ostree-updater/pkg/updater"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"
)

var GlobalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "shell",
		Aliases: []string{"s"},
		Usage:   "print entries as shell variable assignments",
		EnvVars: []string{"OSTREE_UPDATE_SHELL"},
	},
	&cli.BoolFlag{
		Name:    "shell-export",
		Aliases: []string{"S"},
		Usage:   "print entries as exported shell variables",
		EnvVars: []string{"OSTREE_UPDATE_SHELL_EXPORT"},
	},
	&cli.StringFlag{
		Name:    "prefix",
		Aliases: []string{"V"},
		Usage:   "variable name prefix in shell output",
		EnvVars: []string{"OSTREE_UPDATE_PREFIX"},
	},
	&cli.StringFlag{
		Name:    "distro",
		Usage:   "distro name used in loader entry file names, os-release ID by default",
		EnvVars: []string{"OSTREE_UPDATE_DISTRO"},
	},
	&cli.StringFlag{
		Name:    "config",
		Value:   cnst.DefaultConfig,
		EnvVars: []string{"OSTREE_UPDATE_CONFIG"},
	},
	&cli.BoolFlag{
		Name:    "debug",
		Aliases: []string{"d"},
		EnvVars: []string{"OSTREE_UPDATE_DEBUG"},
	},
	&cli.StringFlag{
		Name:    "log-level",
		Aliases: []string{"l"},
		Value:   "info",
		EnvVars: []string{"OSTREE_UPDATE_LOG_LEVEL"},
	},
}

var UpdateFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "fetch-only",
		Aliases: []string{"F"},
		Usage:   "pull updates without deploying them",
		EnvVars: []string{"OSTREE_UPDATE_FETCH_ONLY"},
	},
	&cli.BoolFlag{
		Name:    "apply-only",
		Aliases: []string{"A"},
		Usage:   "deploy already pulled updates without touching the network",
		EnvVars: []string{"OSTREE_UPDATE_APPLY_ONLY"},
	},
	&cli.BoolFlag{
		Name:    "one-shot",
		Aliases: []string{"O"},
		Usage:   "run a single update cycle and exit",
		EnvVars: []string{"OSTREE_UPDATE_ONE_SHOT"},
	},
	&cli.IntFlag{
		Name:    "check-interval",
		Aliases: []string{"i"},
		Usage:   "seconds between update checks",
		EnvVars: []string{"OSTREE_UPDATE_CHECK_INTERVAL"},
	},
	&cli.StringFlag{
		Name:    "post-apply-hook",
		Aliases: []string{"P"},
		Usage:   "executable called as `hook previous new` after deploying",
		EnvVars: []string{"OSTREE_UPDATE_POST_APPLY_HOOK"},
	},
}

var Commands = []*cli.Command{
	{
		Name:    "entries",
		Aliases: []string{"b"},
		Usage:   "list the boot loader entries",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c, schema.ModeEntries)
			if err != nil {
				return err
			}
			return printer(cfg).Entries(registry(cfg))
		},
	},
	{
		Name:    "running",
		Aliases: []string{"r"},
		Usage:   "show the entry the system booted from",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c, schema.ModeRunning)
			if err != nil {
				return err
			}
			return printer(cfg).Running(registry(cfg))
		},
	},
	{
		Name:    "latest",
		Aliases: []string{"L"},
		Usage:   "show the entry with the highest version",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c, schema.ModeLatest)
			if err != nil {
				return err
			}
			return printer(cfg).Latest(registry(cfg))
		},
	},
	{
		Name:    "patch-procfs",
		Aliases: []string{"p"},
		Usage:   "add ostree= of the running entry to /proc/cmdline",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c, schema.ModePatch)
			if err != nil {
				return err
			}
			r := registry(cfg)
			if _, err := r.Discover(); err != nil {
				return err
			}
			e, ok := r.Running()
			if !ok {
				return fmt.Errorf("running %w", bootentry.ErrNotDetermined)
			}
			patch := mount.CmdlinePatch{Logger: utils.Log}
			_, err = patch.Apply(e.BootPath)
			return err
		},
	},
	{
		Name:    "prepare-root",
		Aliases: []string{"I"},
		Usage:   "prepare the latest deployment under /rootfs as the root to switch to",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "dry-run",
				Usage:   "print the mount plan without mounting",
				EnvVars: []string{"OSTREE_UPDATE_DRY_RUN"},
			},
		},
		Action: prepareRoot,
	},
	{
		Name:   "update",
		Usage:  "fetch and apply updates",
		Flags:  UpdateFlags,
		Action: Update,
	},
}

// loadConfig merges the config file, flags and defaults for mode. overrides run before defaults
// are filled in.
func loadConfig(c *cli.Context, mode schema.Mode, overrides ...func(*schema.Config)) (*schema.Config, error) {
	cfg, err := schema.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode

	if c.IsSet("distro") {
		cfg.Distro = c.String("distro")
	}
	if cfg.Distro == "" {
		cfg.Distro = utils.GetDistro()
	}
	if c.IsSet("prefix") {
		cfg.Prefix = c.String("prefix")
	}
	switch {
	case c.Bool("shell-export"):
		cfg.Format = schema.FormatShellExport
	case c.Bool("shell"):
		cfg.Format = schema.FormatShell
	}
	for _, o := range overrides {
		o(cfg)
	}

	if cfg.Normalize() {
		utils.Log.Warn().Dur("interval", cfg.Interval).Msg("check interval too small, raised to the minimum")
	}
	utils.Log.Debug().Interface("config", cfg).Str("mode", mode.String()).Msg("configuration")
	return cfg, nil
}

func registry(cfg *schema.Config) *bootentry.Registry {
	return bootentry.NewRegistry(cfg.Distro, utils.Log)
}

func printer(cfg *schema.Config) bootentry.Printer {
	return bootentry.Printer{Out: os.Stdout, Format: cfg.Format, Prefix: cfg.Prefix}
}

func prepareRoot(c *cli.Context) error {
	cfg, err := loadConfig(c, schema.ModePrepare)
	if err != nil {
		return err
	}
	r := registry(cfg)
	if _, err := r.Discover(); err != nil {
		return err
	}
	latest, ok := r.Latest()
	if !ok {
		return fmt.Errorf("latest %w", bootentry.ErrNotDetermined)
	}

	s := &mount.State{Logger: utils.Log, Deployment: latest.DeploymentPath}
	g := herd.DAG()
	if err := s.RegisterPrepareRoot(g); err != nil {
		return err
	}
	utils.Log.Info().Msg(s.WriteDAG(g))

	if c.Bool("dry-run") {
		plan, err := s.Plan()
		if err != nil {
			return err
		}
		fmt.Print(plan.Fstab())
		return nil
	}

	s.LogIfErrorAndPanic(s.CheckRootfs(), "checking rootfs")
	err = s.Run(context.Background(), g)
	utils.Log.Info().Msg(s.WriteDAG(g))
	s.LogIfErrorAndPanic(err, "preparing root")
	s.LogIfErrorAndPanic(s.Verify(), "verifying root")
	return nil
}

// Update runs the update loop, or a single cycle with --one-shot.
func Update(c *cli.Context) error {
	if c.Bool("fetch-only") && c.Bool("apply-only") {
		return errors.New("--fetch-only and --apply-only are mutually exclusive")
	}
	mode := schema.ModeUpdate
	switch {
	case c.Bool("fetch-only"):
		mode = schema.ModeFetch
	case c.Bool("apply-only"):
		mode = schema.ModeApply
	}

	cfg, err := loadConfig(c, mode, func(cfg *schema.Config) {
		if c.IsSet("check-interval") {
			cfg.SetInterval(time.Duration(c.Int("check-interval")) * time.Second)
		}
		if c.IsSet("post-apply-hook") {
			cfg.Hook = c.String("post-apply-hook")
		}
		cfg.OneShot = c.Bool("one-shot")
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	r := registry(cfg)
	ostree := &repository.Ostree{
		Binary:      cfg.Ostree,
		Sysroot:     cfg.Sysroot,
		Distro:      cfg.Distro,
		Refspec:     cfg.Refspec,
		FS:          vfs.OSFS,
		Lock:        repository.NewLock(cfg.LockFile),
		Deployments: r,
		Logger:      utils.Log,
	}
	u := &updater.Updater{
		Config:      cfg,
		Repo:        ostree,
		Deployments: r,
		Inhibitor:   process.NewInhibitor(utils.Log),
		Logger:      utils.Log,
	}
	if err := u.Open(ctx); err != nil {
		return err
	}

	out, err := u.Run(ctx)
	if errors.Is(err, context.Canceled) {
		utils.Log.Info().Msg("interrupted, exiting")
		return nil
	}
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("update cycle ended with %s", out)
	}
	return nil
}
