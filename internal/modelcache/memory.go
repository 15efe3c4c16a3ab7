package modelcache

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryStats reports host memory in bytes.
type MemoryStats struct {
	Total     uint64
	Available uint64
}

// FreeRatio returns available memory as a fraction of total.
func (m MemoryStats) FreeRatio() float64 {
	if m.Total == 0 {
		return 1
	}
	return float64(m.Available) / float64(m.Total)
}

// MemoryProbe samples host memory.
type MemoryProbe func(ctx context.Context) (MemoryStats, error)

// SystemMemory samples host memory through gopsutil.
func SystemMemory(ctx context.Context) (MemoryStats, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("read virtual memory: %w", err)
	}
	return MemoryStats{Total: vm.Total, Available: vm.Available}, nil
}
