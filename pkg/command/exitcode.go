package command

// 0-255 之外的退出码属于命令本身（被信号杀死时为 128+N，找不到命令 127，无法执行 126），
// cgmemtime 自己的错误使用 240 开始的一段保留值。
const (
	// ExitArgs 参数错误或没有给出命令
	ExitArgs = 240 + iota
	// ExitPrecondition memory controller 不可用或没有向下开启
	ExitPrecondition
	// ExitLocate 读不到所在 cgroup，或者没有委派 cgroup 且禁止了提权
	ExitLocate
	// ExitEscalate 通过 systemd-run 重新执行失败
	ExitEscalate
	// ExitSetup 创建 cgroup 失败
	ExitSetup
	// ExitSupervise 创建或等待进程失败
	ExitSupervise
	// ExitObserve 读不到 memory.peak
	ExitObserve
	// ExitTeardown 删除 cgroup 失败
	ExitTeardown
)
