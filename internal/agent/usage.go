package agent

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fslongjin/sandboxd/pkg/model"
	"k8s.io/utils/clock"
)

const (
	DefaultCgroupRoot = "/sys/fs/cgroup"
	bytesPerGB        = 1 << 30
)

// UsageReader samples the sandbox's own cgroup v2 counters. CPU is a rate
// derived from the previous sample, so the first sample reports zero cores.
// Memory bandwidth is not exposed by cgroups and is always reported as zero.
type UsageReader struct {
	root      string
	workspace string
	clock     clock.PassiveClock

	mu       sync.Mutex
	last     time.Time
	lastCPU  uint64
	hasPrior bool
}

func NewUsageReader(root, workspace string, clk clock.PassiveClock) *UsageReader {
	if root == "" {
		root = DefaultCgroupRoot
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &UsageReader{root: root, workspace: workspace, clock: clk}
}

func (r *UsageReader) Sample() (model.UsageSample, error) {
	cpuStat, err := readKeyed(filepath.Join(r.root, "cpu.stat"))
	if err != nil {
		return model.UsageSample{}, err
	}
	memory, err := readUint(filepath.Join(r.root, "memory.current"))
	if err != nil {
		return model.UsageSample{}, err
	}
	disk, err := dirSize(r.workspace)
	if err != nil {
		return model.UsageSample{}, err
	}

	now := r.clock.Now()
	usage := cpuStat["usage_usec"]
	sample := model.UsageSample{
		RAMGB:  float64(memory) / bytesPerGB,
		DiskGB: float64(disk) / bytesPerGB,
		Unit:   model.UnitAbsolute,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasPrior {
		elapsed := now.Sub(r.last)
		if elapsed > 0 && usage >= r.lastCPU {
			sample.CPUCores = float64(usage-r.lastCPU) / float64(elapsed.Microseconds())
		}
	}
	r.last, r.lastCPU, r.hasPrior = now, usage, true
	return sample, nil
}

func readUint(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v := strings.TrimSpace(string(raw))
	if v == "max" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return n, nil
}

// readKeyed parses "key value" lines such as cpu.stat.
func readKeyed(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()

	out := make(map[string]uint64)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		if n, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
			out[fields[0]] = n
		}
	}
	return out, sc.Err()
}

func dirSize(root string) (int64, error) {
	if root == "" {
		return 0, nil
	}
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure workspace: %w", err)
	}
	return total, nil
}
