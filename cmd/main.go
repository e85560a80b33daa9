package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/wangao1236/cgmemtime/pkg/command"
)

const usage = `run a command in a disposable cgroup and report its peak memory.
   Besides user/sys/wall time and the high-water RSS of the command itself,
   it reports the high-water memory of the whole process tree, including
   descendants that were reparented or exited before the command did.

   The exit status is the command's own (128+N when killed by signal N).
   If the command cannot be found (127) or cannot be executed (126),
   nothing is measured and no report is printed.
   cgmemtime's own failures use 240-247.`

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(command.ExitArgs)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "cgmemtime"
	app.Usage = usage
	app.UsageText = "cgmemtime [options] command [arguments...]"
	// 命令本身可能叫 help，不能让 cli 把它当成子命令
	app.HideHelp = true
	app.HideVersion = true

	app.Flags = append([]cli.Flag{
		cli.BoolFlag{
			Name:  "help, h",
			Usage: "Show help",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
	}, command.Flags...)

	app.Before = func(ctx *cli.Context) error {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.WarnLevel)
		if ctx.Bool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
			logrus.SetReportCaller(true)
		}
		return nil
	}

	app.OnUsageError = func(ctx *cli.Context, err error, isSubcommand bool) error {
		return cli.NewExitError(fmt.Sprintf("%v: %v", app.Name, err), command.ExitArgs)
	}

	app.Action = func(ctx *cli.Context) error {
		if ctx.Bool("help") {
			return cli.ShowAppHelp(ctx)
		}
		return command.Action(ctx)
	}

	return app
}
