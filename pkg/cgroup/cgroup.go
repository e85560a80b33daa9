package cgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	// TemplateSuffix 是 cgroup 路径模板末尾的占位符，创建时会被替换成随机字符串
	TemplateSuffix = "XXXXXX"

	leafName = "leaf"
	leafPerm = 0755
)

var (
	Memory = &MemorySubsystem{}

	Subsystems = []Subsystem{
		Memory,
	}

	ErrInvalidTemplate = errors.New("cgroup path template must end in " + TemplateSuffix)
)

// Subsystem 对应 cgroup v2 的一个 controller：
type Subsystem interface {
	// Name 返回 controller 名称，如 memory
	Name() string
	// Check 检查 base 上该 controller 是否可用、是否已经向下开启
	Check(base string) error
	// Enable 在 h 的 cgroup.subtree_control 中开启该 controller，让子 cgroup 可以统计
	Enable(h *Handle) error
}

// CheckControllers 在创建任何 cgroup 之前检查所有 controller 的前置条件。
func CheckControllers(base string) error {
	for _, ss := range Subsystems {
		if err := ss.Check(base); err != nil {
			return err
		}
	}
	return nil
}

// Manager 管理一次运行所用的临时 cgroup：<模板生成的目录>/leaf。
// 外层目录只用来开启 controller 并在最后删除；被监控的进程放在 leaf 里。
// cgroup v2 不允许同一个节点既有进程又写 cgroup.subtree_control，所以需要两层。
type Manager struct {
	template string
	path     string

	outer       *Handle
	leaf        *Handle
	leafCreated bool
}

func NewManager(template string) *Manager {
	return &Manager{
		template: template,
	}
}

// Path 返回生成的外层 cgroup 路径，Create 之前为空。
func (m *Manager) Path() string {
	return m.path
}

// Leaf 返回 leaf cgroup 的句柄，被监控的进程在创建时直接放入这里。
func (m *Manager) Leaf() *Handle {
	return m.leaf
}

// Create 依次创建外层目录、leaf 子目录并开启 controller。
// 任何一步失败都直接返回，不在这里清理；无论成功与否调用方都必须调用 Destroy。
func (m *Manager) Create() error {
	dir, prefix, err := SplitTemplate(m.template)
	if err != nil {
		return err
	}

	path, err := os.MkdirTemp(dir, prefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create cgroup from template %v: %w", m.template, err)
	}
	m.path = path
	logrus.Debugf("created cgroup %v", path)

	if m.outer, err = openHandle(path); err != nil {
		return fmt.Errorf("failed to open cgroup %v: %w", path, err)
	}

	if err = m.outer.Mkdir(leafName, leafPerm); err != nil {
		return fmt.Errorf("failed to create leaf cgroup: %w", err)
	}
	m.leafCreated = true

	for _, ss := range Subsystems {
		if err = ss.Enable(m.outer); err != nil {
			return fmt.Errorf("failed to enable %v controller on %v: %w", ss.Name(), path, err)
		}
	}

	if m.leaf, err = m.outer.OpenChild(leafName); err != nil {
		return fmt.Errorf("failed to open leaf cgroup: %w", err)
	}

	// 新建的 cgroup 还没有任何进程，峰值必须是 0
	peak, err := Memory.Peak(m.leaf)
	if err != nil {
		return err
	}
	if peak != 0 {
		return fmt.Errorf("fresh cgroup %v reports %v bytes in %v instead of 0", m.leaf.Path(), peak, peakFile)
	}
	return nil
}

// Lingering 返回命令退出后仍然留在 leaf cgroup 中的后代进程。
func (m *Manager) Lingering() ([]int, error) {
	return m.leaf.Procs()
}

// Destroy 按顺序释放 Create 建立的一切：关闭 leaf 句柄、删除 leaf、关闭外层句柄、删除外层目录。
// 某一步失败不会阻止后续步骤，所有错误都会记录并合并返回。重复调用是安全的。
func (m *Manager) Destroy() error {
	var result error

	if err := m.leaf.Close(); err != nil {
		logrus.Errorf("failed to close leaf cgroup handle: %v", err)
		result = multierr.Append(result, err)
	}

	if m.leafCreated {
		if err := m.removeLeaf(); err != nil {
			logrus.Errorf("failed to remove leaf cgroup: %v", err)
			result = multierr.Append(result, err)
		} else {
			m.leafCreated = false
		}
	}

	if err := m.outer.Close(); err != nil {
		logrus.Errorf("failed to close cgroup handle: %v", err)
		result = multierr.Append(result, err)
	}

	if m.path != "" {
		if err := unix.Rmdir(m.path); err != nil {
			err = &os.PathError{Op: "rmdir", Path: m.path, Err: err}
			logrus.Errorf("failed to remove cgroup: %v", err)
			result = multierr.Append(result, err)
		} else {
			logrus.Debugf("removed cgroup %v", m.path)
			m.path = ""
		}
	}
	return result
}

// removeLeaf 优先通过外层句柄删除 leaf；外层句柄已关闭时（例如再次调用 Destroy）退回到按路径删除。
func (m *Manager) removeLeaf() error {
	if m.outer.Fd() >= 0 {
		return m.outer.Rmdir(leafName)
	}
	path := filepath.Join(m.path, leafName)
	if err := unix.Rmdir(path); err != nil {
		return &os.PathError{Op: "rmdir", Path: path, Err: err}
	}
	return nil
}

// SplitTemplate 把以 XXXXXX 结尾的路径模板拆成父目录和名字前缀。
func SplitTemplate(template string) (dir, prefix string, err error) {
	if !strings.HasSuffix(template, TemplateSuffix) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTemplate, template)
	}
	dir, prefix = filepath.Split(strings.TrimSuffix(template, TemplateSuffix))
	if dir == "" {
		dir = "."
	}
	return dir, prefix, nil
}
