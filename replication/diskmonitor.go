package replication

import (
	"context"
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	diskMetricsOnce sync.Once
	diskUsagePct    *expvar.Float
	memUsagePct     *expvar.Float
)

func initDiskMetrics() {
	diskMetricsOnce.Do(func() {
		diskUsagePct = new(expvar.Float)
		expvar.Publish("repl_backlog_disk_usage_percent", diskUsagePct)
		memUsagePct = new(expvar.Float)
		expvar.Publish("repl_backlog_mem_usage_percent", memUsagePct)
	})
}

// DiskMonitor periodically samples the filesystem backing a backlog's data
// directory and process-wide memory usage, exposing both as expvar gauges
// for the debug/metrics endpoint. It runs on its own ticker, never the
// reactor goroutine: it only ever reads os/gopsutil stats and never
// touches ReplMeta or the WAL.
type DiskMonitor struct {
	dataDir  string
	interval time.Duration
	logger   *slog.Logger
}

// NewDiskMonitor creates a monitor for dataDir, sampling every interval
// (defaulting to 15s if zero or negative).
func NewDiskMonitor(dataDir string, interval time.Duration, logger *slog.Logger) *DiskMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	initDiskMetrics()
	return &DiskMonitor{
		dataDir:  dataDir,
		interval: interval,
		logger:   logger.With("component", "replication.DiskMonitor"),
	}
}

// Run samples on its own ticker until ctx is canceled.
func (d *DiskMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sampleOnce()
		}
	}
}

func (d *DiskMonitor) sampleOnce() {
	if usage, err := disk.Usage(d.dataDir); err == nil {
		diskUsagePct.Set(usage.UsedPercent)
	} else {
		d.logger.Warn("disk usage sample failed", "dir", d.dataDir, "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsagePct.Set(vm.UsedPercent)
	} else {
		d.logger.Warn("memory usage sample failed", "error", err)
	}
}
