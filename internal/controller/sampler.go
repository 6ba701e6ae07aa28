package controller

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemSampler reads the host signals the controller steers by
type SystemSampler interface {
	// LoadAverage returns the 1-minute load average
	LoadAverage() float64
	// MemoryFreeRatio returns available/total memory in [0, 1]
	MemoryFreeRatio() float64
}

// hostSampler reads from the OS via gopsutil and falls back to
// runtime-derived approximations where the probes are unsupported.
type hostSampler struct{}

// NewSystemSampler returns the host-backed sampler
func NewSystemSampler() SystemSampler { return hostSampler{} }

func (hostSampler) LoadAverage() float64 {
	avg, err := load.Avg()
	if err != nil {
		// Runnable goroutines per core as a rough stand-in.
		return float64(runtime.NumGoroutine()) / float64(runtime.NumCPU())
	}
	return avg.Load1
}

func (hostSampler) MemoryFreeRatio() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.Sys == 0 {
			return 1
		}
		return 1 - float64(ms.HeapInuse)/float64(ms.Sys)
	}
	return float64(vm.Available) / float64(vm.Total)
}
