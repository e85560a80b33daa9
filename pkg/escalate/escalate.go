package escalate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// Helper 是用来获得委派 cgroup 的外部程序：systemd 会为它启动的 scope 创建一个归当前用户所有的 cgroup
	Helper = "systemd-run"
	// NoEscalateFlag 加在重新执行的命令行上，避免在 scope 里依然找不到委派 cgroup 时无限重试
	NoEscalateFlag = "--no-escalate"

	probeTimeout = 5 * time.Second
)

var (
	ErrHelperNotFound = errors.New(Helper + " is not found in PATH")
	ErrNoUserManager  = errors.New("systemd user manager is not reachable")
)

// Escalator 通过 systemd-run --user --scope 重新执行当前程序，让它运行在一个委派给当前用户的 cgroup 中。
type Escalator struct {
	lookPath   func(file string) (string, error)
	executable func() (string, error)
	probe      func(ctx context.Context) error
	exec       func(argv0 string, argv []string, envv []string) error
}

func New() *Escalator {
	return &Escalator{
		lookPath:   exec.LookPath,
		executable: os.Executable,
		probe:      probeUserManager,
		exec:       unix.Exec,
	}
}

// Command 拼出重新执行用的完整命令行。
func Command(helper, self string, args []string) []string {
	argv := []string{helper, "--user", "--scope", "--quiet", "--collect", "--", self, NoEscalateFlag}
	return append(argv, args...)
}

// Reexec 用 systemd-run 替换当前进程，args 是原始命令行中程序名之后的部分。
// 成功时不会返回；返回的一定是错误。
func (e *Escalator) Reexec(ctx context.Context, args []string) error {
	helper, err := e.lookPath(Helper)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHelperNotFound, err)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err = e.probe(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNoUserManager, err)
	}

	self, err := e.executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable: %w", err)
	}

	argv := Command(Helper, self, args)
	logrus.Infof("no delegated cgroup, re-executing via %v", argv)
	if err = e.exec(helper, argv, os.Environ()); err != nil {
		return fmt.Errorf("failed to exec %v: %w", helper, err)
	}
	return nil
}

// probeUserManager 确认 systemd 用户实例在运行，否则 systemd-run --user 只会报一个难以理解的 D-Bus 错误。
func probeUserManager(ctx context.Context) error {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	state, err := conn.SystemStateContext(ctx)
	if err != nil {
		return err
	}
	logrus.Debugf("systemd user manager state: %v", state.Value)
	return nil
}
