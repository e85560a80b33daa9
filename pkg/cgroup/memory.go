package cgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	controllersFile    = "cgroup.controllers"
	subtreeControlFile = "cgroup.subtree_control"
	peakFile           = "memory.peak"
)

var (
	ErrControllerUnavailable  = errors.New("controller is not available")
	ErrControllerNotDelegated = errors.New("controller is not enabled for sub-cgroups")
	ErrPeakUnavailable        = errors.New(peakFile + " is unavailable, needs Linux >= 5.19")
)

var _ Subsystem = &MemorySubsystem{}

type MemorySubsystem struct {
}

func (s *MemorySubsystem) Name() string {
	return "memory"
}

// Check 读取 base 下的 cgroup.controllers 和 cgroup.subtree_control，
// 确认 memory controller 既可用又已经向下开启。
func (s *MemorySubsystem) Check(base string) error {
	controllersPath := filepath.Join(base, controllersFile)
	available, err := readControllers(controllersPath)
	if err != nil {
		return err
	}
	if !available[s.Name()] {
		return fmt.Errorf("%w: %v is not listed in %v (the kernel needs CONFIG_MEMCG and the unified cgroup v2 hierarchy)",
			ErrControllerUnavailable, s.Name(), controllersPath)
	}

	subtreePath := filepath.Join(base, subtreeControlFile)
	enabled, err := readControllers(subtreePath)
	if err != nil {
		return err
	}
	if !enabled[s.Name()] {
		return fmt.Errorf("%w: %v is not listed in %v (try `echo +%v > %v` as root)",
			ErrControllerNotDelegated, s.Name(), subtreePath, s.Name(), subtreePath)
	}
	return nil
}

func (s *MemorySubsystem) Enable(h *Handle) error {
	return h.WriteFile(subtreeControlFile, "+"+s.Name())
}

// Peak 读取 memory.peak：cgroup 中所有进程（包括已退出的）的内存使用峰值，单位字节。
func (s *MemorySubsystem) Peak(h *Handle) (uint64, error) {
	body, err := h.ReadFile(peakFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w (%w)", ErrPeakUnavailable, err)
		}
		return 0, err
	}
	peak, err := parsePeak(body)
	if err != nil {
		return 0, &os.PathError{Op: "parse", Path: h.join(peakFile), Err: err}
	}
	return peak, nil
}

// ReadPeak 读取该 cgroup 的 memory.peak。
func (h *Handle) ReadPeak() (uint64, error) {
	return Memory.Peak(h)
}

func parsePeak(body []byte) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
}

func readControllers(path string) (map[string]bool, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read controllers: %w", err)
	}
	controllers := make(map[string]bool)
	for _, c := range strings.Fields(string(body)) {
		controllers[c] = true
	}
	return controllers, nil
}
