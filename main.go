package main

import (
	"fmt"
	"os"

	"github.com/kairos-io/ostree-updater/internal/cmd"
	"github.com/kairos-io/ostree-updater/internal/utils"
	"github.com/kairos-io/ostree-updater/internal/version"
	"github.com/urfave/cli/v2"
)

// Keep ostree deployments up to date and boot into them.
func main() {
	app := cli.NewApp()
	app.Name = "ostree-updater"
	app.Usage = "fetch, apply and boot ostree updates"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Kairos authors"}}
	app.Copyright = "kairos authors"
	app.Flags = append(append([]cli.Flag{}, cmd.GlobalFlags...), cmd.UpdateFlags...)
	app.Before = func(c *cli.Context) error {
		level := c.String("log-level")
		if c.Bool("debug") {
			level = "debug"
		}
		utils.SetLogger(level)

		v := version.Get()
		utils.Log.Debug().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("ostree-updater")
		return nil
	}
	app.Action = cmd.Update
	app.Commands = append(cmd.Commands, &cli.Command{
		Name:  "version",
		Usage: "version",
		Action: func(c *cli.Context) error {
			v := version.Get()
			utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("ostree-updater")
			return nil
		},
	})

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
