package supervisor

import (
	"fmt"
	"syscall"
	"time"
)

// Kind 描述命令是如何结束的。
type Kind int

const (
	// KindExited 命令正常退出
	KindExited Kind = iota
	// KindSignaled 命令被信号杀死
	KindSignaled
	// KindNotFound 命令不存在，没有创建任何进程
	KindNotFound
	// KindNotExecutable 命令存在但无法执行，没有创建任何进程
	KindNotExecutable
)

func (k Kind) String() string {
	switch k {
	case KindExited:
		return "exited"
	case KindSignaled:
		return "signaled"
	case KindNotFound:
		return "not found"
	case KindNotExecutable:
		return "not executable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome 是命令的结束方式，最终会映射为 cgmemtime 自己的退出码。
type Outcome struct {
	Kind   Kind
	Code   int
	Signal syscall.Signal
}

// Launched 表示命令确实被启动过，此时才有资源统计可以报告。
func (o Outcome) Launched() bool {
	return o.Kind == KindExited || o.Kind == KindSignaled
}

// ExitCode 按 shell 的约定返回退出码：正常退出原样返回，被信号杀死返回 128+N，
// 找不到命令返回 127，无法执行返回 126。
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case KindExited:
		return o.Code
	case KindSignaled:
		return 128 + int(o.Signal)
	case KindNotFound:
		return 127
	default:
		return 126
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindExited:
		return fmt.Sprintf("exited with code %d", o.Code)
	case KindSignaled:
		return fmt.Sprintf("killed by signal %v", o.Signal)
	default:
		return o.Kind.String()
	}
}

// Result 是一次运行的资源统计。
type Result struct {
	User time.Duration
	Sys  time.Duration
	Wall time.Duration

	// ChildRSSHighwater 是直接启动的进程自身的 RSS 峰值（字节）
	ChildRSSHighwater uint64
	// CgroupRSSHighwater 是整个 cgroup（包括所有后代进程）的内存峰值（字节）
	CgroupRSSHighwater uint64
}
