package cgroup

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// readLimit 是单次读取 cgroup 接口文件的上限，接口文件都很小，一次 read 就能读完
	readLimit = 64 * 1024

	procsFile = "cgroup.procs"
)

var ErrHandleClosed = errors.New("cgroup handle is closed")

// Handle 表示一个已打开的 cgroup 目录（目录 fd）。
// 目录创建之后，对它的所有操作（开启 controller、放入进程、读计数器、删除子目录）都通过 fd 完成，不再依赖路径字符串。
// path 只用于日志和错误信息。
type Handle struct {
	fd   int
	path string
}

func openHandle(path string) (*Handle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Handle{fd: fd, path: path}, nil
}

// Fd 返回目录 fd，已关闭的句柄返回 -1。
func (h *Handle) Fd() int {
	if h == nil {
		return -1
	}
	return h.fd
}

func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Close 关闭目录 fd，可以重复调用。
func (h *Handle) Close() error {
	if h == nil || h.fd < 0 {
		return nil
	}
	fd := h.fd
	h.fd = -1
	if err := unix.Close(fd); err != nil {
		return &os.PathError{Op: "close", Path: h.path, Err: err}
	}
	return nil
}

// OpenChild 以当前目录为基准打开子 cgroup 目录。
func (h *Handle) OpenChild(name string) (*Handle, error) {
	if err := h.usable("openat", name); err != nil {
		return nil, err
	}
	fd, err := unix.Openat(h.fd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: h.join(name), Err: err}
	}
	return &Handle{fd: fd, path: h.join(name)}, nil
}

// Mkdir 创建子 cgroup。
func (h *Handle) Mkdir(name string, perm uint32) error {
	if err := h.usable("mkdirat", name); err != nil {
		return err
	}
	if err := unix.Mkdirat(h.fd, name, perm); err != nil {
		return &os.PathError{Op: "mkdirat", Path: h.join(name), Err: err}
	}
	return nil
}

// Rmdir 删除子 cgroup，子 cgroup 里不能再有进程。
func (h *Handle) Rmdir(name string) error {
	if err := h.usable("unlinkat", name); err != nil {
		return err
	}
	if err := unix.Unlinkat(h.fd, name, unix.AT_REMOVEDIR); err != nil {
		return &os.PathError{Op: "unlinkat", Path: h.join(name), Err: err}
	}
	return nil
}

// WriteFile 把 value 一次性写入接口文件，例如 cgroup.subtree_control。
func (h *Handle) WriteFile(name, value string) error {
	if err := h.usable("openat", name); err != nil {
		return err
	}
	fd, err := unix.Openat(h.fd, name, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "openat", Path: h.join(name), Err: err}
	}
	n, err := unix.Write(fd, []byte(value))
	if err == nil && n != len(value) {
		err = io.ErrShortWrite
	}
	if err != nil {
		_ = unix.Close(fd)
		return &os.PathError{Op: "write", Path: h.join(name), Err: err}
	}
	if err = unix.Close(fd); err != nil {
		return &os.PathError{Op: "close", Path: h.join(name), Err: err}
	}
	return nil
}

// ReadFile 读取接口文件，只做一次 read。
func (h *Handle) ReadFile(name string) ([]byte, error) {
	if err := h.usable("openat", name); err != nil {
		return nil, err
	}
	fd, err := unix.Openat(h.fd, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: h.join(name), Err: err}
	}
	defer unix.Close(fd) //nolint:errcheck

	buf := make([]byte, readLimit)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return nil, &os.PathError{Op: "read", Path: h.join(name), Err: err}
	}
	return buf[:n], nil
}

// Procs 返回该 cgroup 中仍然存活的进程。
func (h *Handle) Procs() ([]int, error) {
	body, err := h.ReadFile(procsFile)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, field := range strings.Fields(string(body)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, &os.PathError{Op: "parse", Path: h.join(procsFile), Err: err}
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (h *Handle) usable(op, name string) error {
	if h == nil || h.fd < 0 {
		return &os.PathError{Op: op, Path: h.join(name), Err: ErrHandleClosed}
	}
	return nil
}

func (h *Handle) join(name string) string {
	return filepath.Join(h.Path(), name)
}
