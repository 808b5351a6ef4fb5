package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Checker runs periodic readiness checks for the aggregation server. The
// server persists one file per station, so the checks watch the data
// directory's filesystem (free space, writability) and the process's
// descriptor headroom.
type Checker struct {
	dataDir string
	logger  *zap.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	checks    map[string]CheckResult
	ready     bool
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// NewChecker creates a Checker for the given data directory.
func NewChecker(dataDir string, logger *zap.Logger) *Checker {
	return &Checker{
		dataDir: dataDir,
		logger:  logger,
		checks:  make(map[string]CheckResult),
		ready:   true,
	}
}

// Start runs the checks every 10 seconds until the context is cancelled.
// One round runs immediately so probes have an answer before the first tick.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	c.runChecks()

	for {
		select {
		case <-ticker.C:
			c.runChecks()
		case <-ctx.Done():
			c.logger.Info("Health checker stopped")
			return
		}
	}
}

func (c *Checker) runChecks() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCheck = time.Now()

	ready := true
	for _, check := range []func() CheckResult{
		c.checkDiskSpace,
		c.checkDataDirWritable,
		c.checkFileDescriptors,
	} {
		result := check()
		c.checks[result.Name] = result
		if result.Status == "critical" {
			ready = false
		}
	}
	c.ready = ready

	c.logger.Debug("Health check completed", zap.Bool("ready", c.ready))
}

// checkDiskSpace flags the data directory's filesystem when it runs low.
func (c *Checker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.dataDir, &stat); err != nil {
		return CheckResult{
			Name:      "disk_space",
			Status:    "critical",
			Message:   fmt.Sprintf("Failed to stat filesystem: %v", err),
			Timestamp: time.Now(),
		}
	}

	total := stat.Blocks * uint64(stat.Bsize)
	used := total - stat.Bfree*uint64(stat.Bsize)
	usagePercent := float64(used) / float64(total) * 100

	switch {
	case usagePercent > 95:
		return CheckResult{
			Name:      "disk_space",
			Status:    "critical",
			Message:   fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	case usagePercent > 90:
		return CheckResult{
			Name:      "disk_space",
			Status:    "warning",
			Message:   fmt.Sprintf("Disk usage high: %.2f%%", usagePercent),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "disk_space",
		Status:    "healthy",
		Message:   fmt.Sprintf("Disk usage: %.2f%%", usagePercent),
		Timestamp: time.Now(),
	}
}

// checkDataDirWritable probes that record files can still be created.
func (c *Checker) checkDataDirWritable() CheckResult {
	info, err := os.Stat(c.dataDir)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_writable",
			Status:    "critical",
			Message:   fmt.Sprintf("Data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:      "data_dir_writable",
			Status:    "critical",
			Message:   "Data path is not a directory",
			Timestamp: time.Now(),
		}
	}

	probe := fmt.Sprintf("%s/.health_check_%d", c.dataDir, time.Now().UnixNano())
	f, err := os.Create(probe)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_writable",
			Status:    "critical",
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(probe)

	return CheckResult{
		Name:      "data_dir_writable",
		Status:    "healthy",
		Message:   "Data directory is writable",
		Timestamp: time.Now(),
	}
}

// checkFileDescriptors warns when descriptor usage nears the soft limit.
// Every live connection and record write holds a descriptor.
func (c *Checker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "warning",
			Message:   fmt.Sprintf("Failed to get rlimit: %v", err),
			Timestamp: time.Now(),
		}
	}

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// Not available outside Linux.
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "healthy",
			Message:   fmt.Sprintf("Soft limit: %d", rlimit.Cur),
			Timestamp: time.Now(),
		}
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	if usagePercent > 90 {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    "warning",
			Message:   fmt.Sprintf("File descriptor usage high: %d/%d", openFDs, rlimit.Cur),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "file_descriptors",
		Status:    "healthy",
		Message:   fmt.Sprintf("File descriptor usage: %d/%d", openFDs, rlimit.Cur),
		Timestamp: time.Now(),
	}
}

// IsReady reports whether the last round of checks found no critical
// failures.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// SetReady overrides readiness, used to drain traffic during shutdown.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Checks returns a copy of the latest check results.
func (c *Checker) Checks() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	checks := make(map[string]CheckResult, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	return checks
}
