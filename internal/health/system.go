package health

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemSampler reads host CPU and memory usage. Failures degrade to
// zero readings rather than failing the health evaluation; a monitoring
// station keeps scoring its pipeline even when /proc is unreadable.
type systemSampler struct{}

func (systemSampler) sample(logger *slog.Logger) SystemHealth {
	var s SystemHealth

	// interval 0 compares against the previous call instead of blocking.
	percent, err := cpu.Percent(0, false)
	if err != nil {
		logger.Debug("CPU usage unavailable", "error", err)
	} else if len(percent) > 0 {
		s.CPUPercent = percent[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Debug("memory usage unavailable", "error", err)
	} else {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
	}
	return s
}
