package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"ingestflow/logger"
)

// SystemStats is a host snapshot. Fields are zero when the platform does not
// expose them.
type SystemStats struct {
	CPUPercent   float64
	MemoryMB     float64
	DiskMB       float64
	NetBytesSent uint64
	NetBytesRecv uint64
	Goroutines   int
}

func ReadSystemStats() SystemStats {
	s := SystemStats{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		s.DiskMB = float64(du.Used) / 1024 / 1024
	}
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		s.NetBytesSent = io[0].BytesSent
		s.NetBytesRecv = io[0].BytesRecv
	}
	return s
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, interval time.Duration, reg *Registry) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				LogReport(reg)
			}
		}
	}()
}

// LogReport writes one runtime report line.
func LogReport(reg *Registry) {
	sys := ReadSystemStats()

	counts := map[string]map[string]int64{}
	for _, c := range logger.Counts() {
		counts[c.Component] = map[string]int64{"warns": c.Warns, "errors": c.Errors}
	}

	fields := logger.Fields{
		"goroutines":     sys.Goroutines,
		"cpu_percent":    sys.CPUPercent,
		"memory_mb":      int64(sys.MemoryMB),
		"disk_mb":        int64(sys.DiskMB),
		"net_bytes_sent": int64(sys.NetBytesSent),
		"net_bytes_recv": int64(sys.NetBytesRecv),
		"log_counts":     counts,
	}
	if reg != nil {
		if samples, err := reg.Snapshot(); err == nil {
			values := make(map[string]float64, len(samples))
			for _, s := range samples {
				if s.Value != 0 {
					values[s.Key()] = s.Value
				}
			}
			fields["metrics"] = values
		}
	}

	logger.GetLogger().WithComponent("report").WithFields(fields).Info("runtime report")
}
