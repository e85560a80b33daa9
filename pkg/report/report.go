package report

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wangao1236/cgmemtime/pkg/supervisor"
)

const DefaultDelim = ";"

var ErrEmptyDelim = errors.New("delimiter must not be empty")

type Options struct {
	// Tabular 输出一行用分隔符隔开的数值，便于脚本处理
	Tabular bool
	Delim   string
}

// Print 把一次运行的统计写到 w。时间单位为秒，内存单位为 KiB。
func Print(w io.Writer, r *supervisor.Result, opts Options) error {
	if opts.Tabular {
		return printTabular(w, r, opts.Delim)
	}
	return printHuman(w, r)
}

func printHuman(w io.Writer, r *supervisor.Result) error {
	_, err := fmt.Fprintf(w,
		"Child user: %8.3f s\n"+
			"Child sys : %8.3f s\n"+
			"Child wall: %8.3f s\n"+
			"Child high-water RSS                    : %10d KiB\n"+
			"Recursive and accumulated high-water RSS: %10d KiB\n",
		seconds(r.User), seconds(r.Sys), seconds(r.Wall),
		kib(r.ChildRSSHighwater), kib(r.CgroupRSSHighwater))
	return err
}

func printTabular(w io.Writer, r *supervisor.Result, delim string) error {
	if delim == "" {
		return ErrEmptyDelim
	}
	_, err := fmt.Fprintf(w, "%.6g%s%.6g%s%.6g%s%d%s%d\n",
		seconds(r.User), delim, seconds(r.Sys), delim, seconds(r.Wall), delim,
		kib(r.ChildRSSHighwater), delim, kib(r.CgroupRSSHighwater))
	return err
}

// seconds 只保留微秒精度，与 rusage 的 timeval 一致
func seconds(d time.Duration) float64 {
	return d.Truncate(time.Microsecond).Seconds()
}

func kib(bytes uint64) uint64 {
	return bytes / 1024
}
