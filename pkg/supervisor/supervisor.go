package supervisor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrNoCommand            = errors.New("no command given")
	ErrCgroupClosed         = errors.New("cgroup handle is not open")
	ErrUnexpectedWaitStatus = errors.New("unexpected wait status")
	// ErrPeakRead 表示命令已经结束，但读取 cgroup 内存峰值失败
	ErrPeakRead = errors.New("failed to read cgroup memory peak")
)

// Cgroup 提供命令结束后的内存峰值，ReadPeak 在进程退出后只读取一次。
type Cgroup interface {
	ReadPeak() (uint64, error)
}

// Placer 是可以在 clone 时直接放入进程的 cgroup（例如 *cgroup.Handle），Fd 是它的目录 fd。
// Run 收到的 Cgroup 同时实现了 Placer 时，进程创建在这个 cgroup 中。
type Placer interface {
	Fd() int
}

// Supervisor 在指定 cgroup 中启动命令并等待它退出，统计时间和内存峰值。
type Supervisor struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	clock clockwork.Clock
}

func New() *Supervisor {
	return NewWithClock(clockwork.NewRealClock())
}

func NewWithClock(clock clockwork.Clock) *Supervisor {
	return &Supervisor{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		clock:  clock,
	}
}

// Run 启动 args 描述的命令并等待它结束。
//
// 进程在 clone 时就直接创建在 cg 里（CLONE_INTO_CGROUP），不存在先创建再迁移的时间窗口，
// 它的所有后代也都在这个 cgroup 中。命令找不到或无法执行时返回 127/126 对应的 Outcome，不是错误。
// 命令结束后读取峰值失败时，返回有效的 Outcome 和 ErrPeakRead。
func (s *Supervisor) Run(cg Cgroup, args []string) (Outcome, *Result, error) {
	if len(args) == 0 {
		return Outcome{}, nil, ErrNoCommand
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = s.Stdin
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if placer, ok := cg.(Placer); ok {
		fd := placer.Fd()
		if fd < 0 {
			return Outcome{}, nil, ErrCgroupClosed
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			UseCgroupFD: true,
			CgroupFD:    fd,
		}
	}

	if outcome, ok := lookup(cmd, args[0]); !ok {
		logrus.Debugf("command %v is %v", args[0], outcome.Kind)
		return outcome, nil, nil
	}

	restore := ignoreInterrupts()
	defer restore()

	start := s.clock.Now()
	if err := cmd.Start(); err != nil {
		if outcome, ok := classifyStartError(err); ok {
			logrus.Debugf("failed to execute %v: %v", args[0], err)
			return outcome, nil, nil
		}
		return Outcome{}, nil, fmt.Errorf("failed to start %v: %w", args[0], err)
	}
	logrus.Debugf("started %v with pid %v", cmd.Path, cmd.Process.Pid)

	err := cmd.Wait()
	stop := s.clock.Now()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Outcome{}, nil, fmt.Errorf("failed to wait for %v: %w", args[0], err)
		}
	}

	outcome, err := outcomeOf(cmd.ProcessState)
	if err != nil {
		return Outcome{}, nil, err
	}
	logrus.Debugf("command %v", outcome)

	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok {
		return outcome, nil, fmt.Errorf("no resource usage for pid %v", cmd.ProcessState.Pid())
	}

	peak, err := cg.ReadPeak()
	if err != nil {
		return outcome, nil, fmt.Errorf("%w: %w", ErrPeakRead, err)
	}

	return outcome, &Result{
		User: time.Duration(rusage.Utime.Nano()),
		Sys:  time.Duration(rusage.Stime.Nano()),
		Wall: stop.Sub(start),
		// ru_maxrss 的单位是 KiB
		ChildRSSHighwater:  uint64(rusage.Maxrss) * 1024,
		CgroupRSSHighwater: peak,
	}, nil
}

// lookup 在创建进程之前解析命令，ok 为 false 时 outcome 说明了失败原因。
func lookup(cmd *exec.Cmd, name string) (outcome Outcome, ok bool) {
	// 通过 PATH 中的 "." 找到的命令同样可以执行，和 shell 的行为保持一致
	if errors.Is(cmd.Err, exec.ErrDot) {
		path, err := filepath.Abs(cmd.Path)
		if err != nil {
			logrus.Debugf("failed to resolve %v: %v", cmd.Path, err)
			return Outcome{Kind: KindNotFound}, false
		}
		cmd.Path = path
		cmd.Err = nil
	}
	err := cmd.Err
	if err == nil && strings.ContainsRune(name, '/') {
		_, err = exec.LookPath(name)
	}
	if err == nil {
		return Outcome{}, true
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return Outcome{Kind: KindNotFound}, false
	}
	return Outcome{Kind: KindNotExecutable}, false
}

// classifyStartError 区分 execve 本身的失败（126/127）和创建进程的失败。
// EACCES 不在其中：lookup 已经检查过执行权限，这里的 EACCES 来自 clone3 无权放入 cgroup。
func classifyStartError(err error) (Outcome, bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return Outcome{}, false
	}
	switch errno {
	case unix.ENOENT:
		return Outcome{Kind: KindNotFound}, true
	case unix.ENOEXEC, unix.ETXTBSY, unix.E2BIG, unix.ELOOP, unix.ENAMETOOLONG, unix.EISDIR:
		return Outcome{Kind: KindNotExecutable}, true
	default:
		return Outcome{}, false
	}
}

func outcomeOf(state *os.ProcessState) (Outcome, error) {
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %T", ErrUnexpectedWaitStatus, state.Sys())
	}
	switch {
	case status.Exited():
		return Outcome{Kind: KindExited, Code: status.ExitStatus()}, nil
	case status.Signaled():
		return Outcome{Kind: KindSignaled, Signal: status.Signal()}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %#x", ErrUnexpectedWaitStatus, uint32(status))
	}
}
