package system

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ImageExtensions lists the inputs the source package can decode.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp", ".pdf"}

// EnsureDir creates dir and its parents. It is safe to call concurrently and repeatedly.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// IsImage reports whether the file name has a supported extension.
func IsImage(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range ImageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ListImages returns the supported files directly inside dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsImage(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	// os.ReadDir already sorts by file name.
	return paths, nil
}

// FindLatestImage returns the most recently modified supported file in dir.
func FindLatestImage(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var latestFile string
	var latestTime time.Time

	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latestFile = filepath.Join(dir, e.Name())
		}
	}

	if latestFile == "" {
		return "", fmt.Errorf("no images found in %s", dir)
	}
	return latestFile, nil
}

// HostStats is a snapshot of the machine the batch runs on.
type HostStats struct {
	LogicalCPUs    int
	TotalMemory    uint64
	AvailMemory    uint64
	MemUsedPercent float64
}

// ReadHostStats queries CPU and memory through gopsutil.
func ReadHostStats() (HostStats, error) {
	var s HostStats

	n, err := cpu.Counts(true)
	if err != nil {
		return s, fmt.Errorf("count cpus: %w", err)
	}
	s.LogicalCPUs = n

	vm, err := mem.VirtualMemory()
	if err != nil {
		return s, fmt.Errorf("read memory: %w", err)
	}
	s.TotalMemory = vm.Total
	s.AvailMemory = vm.Available
	s.MemUsedPercent = vm.UsedPercent
	return s, nil
}

// perImageBudget is a rough upper bound of memory held by one in-flight photo:
// decoded source, RGBA canvas, JPEG buffer and the base64 copy.
const perImageBudget = 256 << 20

// WorkerLimit caps the requested worker count by available CPUs and memory.
func WorkerLimit(requested int, s HostStats) int {
	limit := requested
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	if s.LogicalCPUs > 0 && limit > s.LogicalCPUs {
		limit = s.LogicalCPUs
	}
	if s.AvailMemory > 0 {
		byMem := int(s.AvailMemory / perImageBudget)
		if byMem < limit {
			limit = byMem
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
