// Package cpuspec reports CPU identification for startup diagnostics and
// sizes worker pools for batch decoding.
package cpuspec

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// CPUSpec contains information about CPU specifications
type CPUSpec struct {
	BrandName     string
	PhysicalCores int
	LogicalCores  int
}

// GetCPUSpec returns CPU identification as reported by CPUID, with
// runtime fallbacks when the platform does not expose core counts.
func GetCPUSpec() CPUSpec {
	spec := CPUSpec{
		BrandName:     cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}

	if spec.BrandName == "" {
		spec.BrandName = "unknown"
	}
	if spec.LogicalCores <= 0 {
		spec.LogicalCores = runtime.NumCPU()
	}
	if spec.PhysicalCores <= 0 {
		spec.PhysicalCores = spec.LogicalCores
	}

	return spec
}

// GetOptimalWorkerCount returns the recommended number of concurrent
// decode workers. Capped at the CPU count actually available to the
// process, which matters inside VMs and containers.
func (c CPUSpec) GetOptimalWorkerCount() int {
	availableCPUs := runtime.NumCPU()

	workers := c.PhysicalCores
	if workers > availableCPUs {
		workers = availableCPUs
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}
