package cgroup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/containerd/cgroups/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBase = "/sys/fs/cgroup"

	procSelfCgroup = "/proc/self/cgroup"
	// delegationMarker 标记可写的委派边界：systemd 会把 *.service（例如 user@1000.service）整棵子树委派给对应用户
	delegationMarker = ".service"
	templatePrefix   = "cgmemtime-"
)

var ErrNoUnifiedEntry = errors.New("no cgroup v2 entry in " + procSelfCgroup)

// Locator 在 Base 下寻找当前进程有权写入的委派 cgroup。
type Locator struct {
	Base string
	// Membership 返回当前进程所在的 cgroup v2 路径，默认读取 /proc/self/cgroup
	Membership func() (string, error)

	euid int
	egid int
}

func NewLocator(base string) *Locator {
	return &Locator{
		Base:       base,
		Membership: readMembership,
		euid:       os.Geteuid(),
		egid:       os.Getegid(),
	}
}

// Locate 返回 <Base><委派边界>/cgmemtime-XXXXXX 形式的路径模板。
// 找不到可写的委派边界时 delegated 为 false，这不是错误，调用方可以选择提权重试。
func (l *Locator) Locate() (template string, delegated bool, err error) {
	member, err := l.Membership()
	if err != nil {
		return "", false, fmt.Errorf("failed to read cgroup membership: %w", err)
	}
	logrus.Debugf("current cgroup is %v", member)

	boundary, ok := delegationBoundary(member)
	if !ok {
		logrus.Debugf("no %v segment in %v", delegationMarker, member)
		return "", false, nil
	}

	dir := filepath.Join(l.Base, boundary)
	writable, err := l.writable(dir)
	if err != nil {
		return "", false, err
	}
	if !writable {
		logrus.Debugf("cgroup %v is not writable by uid %v", dir, l.euid)
		return "", false, nil
	}
	return filepath.Join(dir, templatePrefix+TemplateSuffix), true, nil
}

// writable 粗略判断能否在 dir 下创建子 cgroup（不考虑 ACL）。
func (l *Locator) writable(dir string) (bool, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return false, fmt.Errorf("failed to stat delegated cgroup: %w", err)
	}
	if l.euid == 0 {
		return true, nil
	}
	stt, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return false, nil
	}
	switch {
	case stt.Uid == uint32(l.euid):
		return stt.Mode&syscall.S_IWUSR != 0, nil
	case stt.Gid == uint32(l.egid):
		return stt.Mode&syscall.S_IWGRP != 0, nil
	default:
		return stt.Mode&syscall.S_IWOTH != 0, nil
	}
}

// delegationBoundary 截取 member 中直到第一个 *.service 段（含）为止的部分。
func delegationBoundary(member string) (string, bool) {
	segments := strings.Split(strings.Trim(member, "/"), "/")
	for i, seg := range segments {
		if strings.HasSuffix(seg, delegationMarker) && len(seg) > len(delegationMarker) {
			return "/" + strings.Join(segments[:i+1], "/"), true
		}
	}
	return "", false
}

func readMembership() (string, error) {
	f, err := os.Open(procSelfCgroup)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.Warningf("close %v failed: %v", procSelfCgroup, err)
		}
	}()
	return parseMembership(f)
}

func parseMembership(r io.Reader) (string, error) {
	_, unified, err := cgroups.ParseCgroupFromReaderUnified(r)
	if err != nil {
		return "", err
	}
	if unified == "" {
		return "", ErrNoUnifiedEntry
	}
	return unified, nil
}
