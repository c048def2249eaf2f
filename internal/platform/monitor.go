// Package platform samples host CPU and memory usage (falling back to
// this process's own CPU percentage when the host reading fails),
// generalising
// the teacher's cgroup-aware CPU monitor into the plain gopsutil
// container-agnostic form used by its own monitoring_collectors.go
// (shirou/gopsutil/v3's cpu/mem/process packages) — the chat gateway
// doesn't need the trading service's quota-precision, only a threshold
// to gate new connections.
package platform

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is the most recently observed resource usage.
type Sample struct {
	CPUPercent float64
	MemBytes   uint64
	Goroutines int
}

// Monitor periodically samples CPU/memory and exposes the latest
// reading without blocking callers on the sampling cost.
type Monitor struct {
	mu     sync.RWMutex
	latest Sample
	proc   *process.Process
}

// New constructs a Monitor bound to the current process.
func New() (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{proc: proc}, nil
}

// Run samples every interval until ctx is cancelled. Intended to run in
// its own goroutine, mirroring the teacher's single-ticker monitoring
// loops (collectMetrics, monitorMemory).
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	var s Sample

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if m.proc != nil {
		if pct, err := m.proc.CPUPercent(); err == nil {
			s.CPUPercent = pct
		}
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		s.MemBytes = vmem.Used
	}

	s.Goroutines = runtime.NumGoroutine()

	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()
}

// Latest returns the most recently sampled reading. Safe for concurrent
// use; never blocks on a live syscall.
func (m *Monitor) Latest() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}
