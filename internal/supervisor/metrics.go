package supervisor

import (
	"context"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"ghost/internal/model"
)

// collectMetrics samples CPU/memory/handle stats for pid. MemoryBytes
// is the absolute RSS; MemPercent divides it by the host's total
// memory, not page size. HandleCount is best-effort via NumFDs.
func collectMetrics(ctx context.Context, pid int) (model.ProcessMetrics, error) {
	now := time.Now().UTC()

	if pid <= 0 || pid > math.MaxInt32 {
		return model.ProcessMetrics{Timestamp: now}, nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return model.ProcessMetrics{}, err
	}

	m := model.ProcessMetrics{Timestamp: now}

	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		m.CPUPercent = cpuPercent
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		m.MemoryBytes = memInfo.RSS

		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
			m.MemPercent = float64(memInfo.RSS) / float64(vm.Total) * 100
		}
	}

	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		m.Threads = int(threads)
	}

	if fds, err := proc.NumFDsWithContext(ctx); err == nil {
		m.HandleCount = int(fds)
	}

	return m, nil
}
