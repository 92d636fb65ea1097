package main

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	fallbackCPU      = 4
	fallbackMemoryMB = 4096
)

type capacityLogger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// hostCapacity fills unset worker capacity from the host. Detection failures
// fall back to fixed values.
func hostCapacity(ctx context.Context, cpuCores float64, memoryMB int, logger capacityLogger) (float64, int) {
	if cpuCores <= 0 {
		cpuCores = fallbackCPU
		if n, err := cpu.CountsWithContext(ctx, true); err != nil || n <= 0 {
			logger.Warn("host_cpu_detection_failed", "error", errString(err), "fallback", fallbackCPU)
		} else {
			cpuCores = float64(n)
		}
	}
	if memoryMB <= 0 {
		memoryMB = fallbackMemoryMB
		if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil || vm.Total == 0 {
			logger.Warn("host_memory_detection_failed", "error", errString(err), "fallback", fallbackMemoryMB)
		} else {
			memoryMB = int(vm.Total / (1024 * 1024))
		}
	}
	logger.Info("worker_capacity", "cpu", cpuCores, "memory_mb", memoryMB)
	return cpuCores, memoryMB
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
