package supervisor

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// 终端上的 Ctrl-C / Ctrl-\ 会同时发给整个前台进程组，由命令自己决定怎么处理，
// cgmemtime 要活到命令退出，才能读峰值并删除 cgroup。
var interrupts = []os.Signal{unix.SIGINT, unix.SIGQUIT}

// ignoreInterrupts 在等待命令期间吞掉 SIGINT 和 SIGQUIT，返回的 restore 恢复原来的处理方式。
// 这里用 Notify 而不是 signal.Ignore：被忽略的信号会跨 exec 继承给命令，被捕获的则会在 exec 时恢复默认。
// 启动前就已经被忽略的信号保持不动。
func ignoreInterrupts() (restore func()) {
	var sigs []os.Signal
	for _, sig := range interrupts {
		if !signal.Ignored(sig) {
			sigs = append(sigs, sig)
		}
	}
	if len(sigs) == 0 {
		return func() {}
	}

	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)
	go func() {
		for {
			select {
			case sig := <-ch:
				logrus.Debugf("received %v, waiting for the command to exit", sig)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
