package util

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
)

const (
	procSelfMountinfo = "/proc/self/mountinfo"
	cgroup2FSType     = "cgroup2"
)

var ErrCgroup2NotMounted = errors.New("no cgroup2 filesystem is mounted")

// FindCgroupMountPoint 从 /proc/self/mountinfo 中找到 cgroup v2（unified）层级的挂载点，如：/sys/fs/cgroup
func FindCgroupMountPoint() (string, error) {
	f, err := os.Open(procSelfMountinfo)
	if err != nil {
		logrus.Errorf("failed to open %v: %v", procSelfMountinfo, err)
		return "", fmt.Errorf("open %v: %w", procSelfMountinfo, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.Warningf("close mountinfo failed: %v", err)
		}
	}()
	return readCgroupMountPoint(f)
}

// readCgroupMountPoint 返回 mountinfo 格式的 r 中第一个 cgroup2 挂载点。
func readCgroupMountPoint(r io.Reader) (string, error) {
	mounts, err := mountinfo.GetMountsFromReader(r, mountinfo.FSTypeFilter(cgroup2FSType))
	if err != nil {
		logrus.Errorf("failed to parse mountinfo: %v", err)
		return "", fmt.Errorf("parse mountinfo: %w", err)
	}
	if len(mounts) == 0 {
		return "", ErrCgroup2NotMounted
	}
	logrus.Debugf("found %v mounted at %v", cgroup2FSType, mounts[0].Mountpoint)
	return mounts[0].Mountpoint, nil
}
