package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/cgroups/v3"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/wangao1236/cgmemtime/pkg/cgroup"
	"github.com/wangao1236/cgmemtime/pkg/escalate"
	"github.com/wangao1236/cgmemtime/pkg/report"
	"github.com/wangao1236/cgmemtime/pkg/supervisor"
	"github.com/wangao1236/cgmemtime/pkg/util"
	"go.uber.org/multierr"
)

var ErrNotDelegated = errors.New("no delegated cgroup is writable by the current user")

var Flags = []cli.Flag{
	cli.StringFlag{
		Name:   "base",
		Usage:  "Mount point of the cgroup v2 hierarchy (default: detected from mountinfo)",
		EnvVar: "CGMEMTIME_BASE",
	},
	cli.StringFlag{
		Name:   "cgroup, c",
		Usage:  "Create the cgroup from this template instead of locating one, must end in " + cgroup.TemplateSuffix,
		EnvVar: "CGMEMTIME_CGROUP",
	},
	cli.BoolFlag{
		Name:  "tabular, t",
		Usage: "Print the result as a single delimiter separated line",
	},
	cli.StringFlag{
		Name:   "delim, d",
		Usage:  "Column delimiter of the tabular output",
		Value:  report.DefaultDelim,
		EnvVar: "CGMEMTIME_DELIM",
	},
	cli.BoolFlag{
		Name:   "no-escalate, Z",
		Usage:  "Do not re-execute via systemd-run when no delegated cgroup is found",
		EnvVar: "CGMEMTIME_NO_ESCALATE",
	},
	cli.StringFlag{
		Name:  "output, o",
		Usage: "Write the result to this file instead of stderr",
	},
}

type Locator interface {
	Locate() (template string, delegated bool, err error)
}

type Escalator interface {
	Reexec(ctx context.Context, args []string) error
}

type Supervisor interface {
	Run(cg supervisor.Cgroup, args []string) (supervisor.Outcome, *supervisor.Result, error)
}

type Options struct {
	// Base 是 cgroup v2 的挂载点
	Base string
	// Template 非空时直接使用，不再查找委派 cgroup
	Template   string
	NoEscalate bool
	Report     report.Options
	Output     io.Writer

	// Args 是要运行的命令及其参数
	Args []string
	// Argv 是原始命令行去掉程序名之后的部分，提权时原样传给新进程
	Argv []string

	Locator    Locator
	Escalator  Escalator
	Supervisor Supervisor
}

// Action 是 cgmemtime 的入口：解析参数，运行命令，按命令的结束方式退出。
func Action(ctx *cli.Context) error {
	opts := &Options{
		Base:       ctx.String("base"),
		Template:   ctx.String("cgroup"),
		NoEscalate: ctx.Bool("no-escalate"),
		Report: report.Options{
			Tabular: ctx.Bool("tabular"),
			Delim:   ctx.String("delim"),
		},
		Output: os.Stderr,
		Args:   ctx.Args(),
		Argv:   os.Args[1:],
	}

	if opts.Base == "" {
		base, err := util.FindCgroupMountPoint()
		if err != nil {
			logrus.Warningf("failed to find cgroup2 mount point, using %v: %v", cgroup.DefaultBase, err)
			base = cgroup.DefaultBase
		}
		opts.Base = base
	}
	opts.Locator = cgroup.NewLocator(opts.Base)
	opts.Escalator = escalate.New()
	opts.Supervisor = supervisor.New()

	if output := ctx.String("output"); output != "" {
		f, err := os.Create(output)
		if err != nil {
			return cli.NewExitError(err, ExitArgs)
		}
		defer func() {
			if err := f.Close(); err != nil {
				logrus.Warningf("close %v failed: %v", output, err)
			}
		}()
		opts.Output = f
	}

	code, err := Run(opts)
	if err != nil {
		logrus.Errorf("%v", err)
	}
	if code != 0 {
		return cli.NewExitError("", code)
	}
	return nil
}

// Run 在一个临时 cgroup 中运行命令并打印统计，返回 cgmemtime 应该使用的退出码。
// 返回的错误只用于报告，退出码已经体现了失败的类别。
//
// 一旦开始创建 cgroup，不管在哪一步失败，都会尝试删除已经创建的部分。
func Run(opts *Options) (code int, err error) {
	if len(opts.Args) == 0 {
		return ExitArgs, supervisor.ErrNoCommand
	}
	if opts.Template != "" {
		if _, _, err = cgroup.SplitTemplate(opts.Template); err != nil {
			return ExitArgs, err
		}
	}
	if opts.Report.Tabular && opts.Report.Delim == "" {
		return ExitArgs, report.ErrEmptyDelim
	}

	if err = cgroup.CheckControllers(opts.Base); err != nil {
		logrus.Warningf("host cgroup mode is %v", modeName(cgroups.Mode()))
		return ExitPrecondition, err
	}

	template := opts.Template
	if template == "" {
		var delegated bool
		template, delegated, err = opts.Locator.Locate()
		if err != nil {
			return ExitLocate, err
		}
		if !delegated {
			if opts.NoEscalate {
				return ExitLocate, ErrNotDelegated
			}
			if err = opts.Escalator.Reexec(context.Background(), opts.Argv); err != nil {
				return ExitEscalate, fmt.Errorf("failed to escalate: %w", err)
			}
			return ExitEscalate, fmt.Errorf("%v returned without replacing the process", escalate.Helper)
		}
	}
	logrus.Debugf("using cgroup template %v", template)

	cgroupManager := cgroup.NewManager(template)
	defer func() {
		if derr := cgroupManager.Destroy(); derr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to destroy cgroup: %w", derr))
			if code == 0 {
				code = ExitTeardown
			}
			return
		}
		logrus.Debug("destroy cgroup successfully")
	}()

	if err = cgroupManager.Create(); err != nil {
		return createExitCode(err), err
	}

	outcome, result, err := opts.Supervisor.Run(cgroupManager.Leaf(), opts.Args)
	if err != nil {
		if errors.Is(err, supervisor.ErrPeakRead) {
			reportLingering(cgroupManager)
			return ExitObserve, err
		}
		return ExitSupervise, err
	}
	if !outcome.Launched() {
		return outcome.ExitCode(), fmt.Errorf("%v: command %v", opts.Args[0], outcome)
	}
	reportLingering(cgroupManager)

	if err = report.Print(opts.Output, result, opts.Report); err != nil {
		return outcome.ExitCode(), fmt.Errorf("failed to print result: %w", err)
	}
	return outcome.ExitCode(), nil
}

// createExitCode 为创建 cgroup 的错误选择退出码：新 leaf 上没有 memory.peak 和运行之后读不到一样，都是内核太旧。
func createExitCode(err error) int {
	if errors.Is(err, cgroup.ErrPeakUnavailable) {
		return ExitObserve
	}
	return ExitSetup
}

// reportLingering 报告命令退出后仍然留在 cgroup 里的后代进程，它们会让删除 cgroup 失败。
func reportLingering(m *cgroup.Manager) {
	pids, err := m.Lingering()
	if err != nil {
		logrus.Warningf("failed to list processes left in %v: %v", m.Path(), err)
		return
	}
	if len(pids) > 0 {
		logrus.Warningf("%d descendant process(es) still running in %v: %v", len(pids), m.Path(), pids)
	}
}

func modeName(mode cgroups.CGMode) string {
	switch mode {
	case cgroups.Legacy:
		return "legacy (v1 only)"
	case cgroups.Hybrid:
		return "hybrid (v1 controllers with a v2 mount)"
	case cgroups.Unified:
		return "unified (v2)"
	default:
		return "unavailable"
	}
}
