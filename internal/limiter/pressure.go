// internal/limiter/pressure.go
package limiter

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
)

const (
	// DefaultSampleInterval is how often the monitor samples host resources.
	DefaultSampleInterval = 2 * time.Second
	// DefaultMemoryThreshold is the used-memory fraction that counts as pressure.
	DefaultMemoryThreshold = 0.85
	// DefaultCPUThreshold is the CPU utilization percentage that counts as pressure.
	DefaultCPUThreshold = 90.0
)

// Snapshot is one cached sample of host resource usage.
type Snapshot struct {
	MemoryUsage   float64   // used fraction, 0..1
	CPULoad       float64   // percent, 0..100
	NetworkTxSec  float64   // bytes/sec transmitted since the previous sample
	UnderPressure bool
	SampledAt     time.Time
}

// PressureMonitor samples memory/CPU/network on a fixed interval in a
// background goroutine and publishes the latest Snapshot through an atomic
// pointer. Readers never block samplers and samplers never block readers.
type PressureMonitor struct {
	interval     time.Duration
	memThreshold float64
	cpuThreshold float64
	latest       atomic.Pointer[Snapshot]
	cancel       context.CancelFunc
	done         chan struct{}
	prevTxBytes  uint64
	prevTxAt     time.Time
}

// MonitorOptions configures a PressureMonitor.
type MonitorOptions struct {
	Interval        time.Duration
	MemoryThreshold float64
	CPUThreshold    float64
}

// NewPressureMonitor constructs a monitor; call Start before use.
func NewPressureMonitor(opts MonitorOptions) *PressureMonitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSampleInterval
	}
	if opts.MemoryThreshold <= 0 || opts.MemoryThreshold > 1 {
		opts.MemoryThreshold = DefaultMemoryThreshold
	}
	if opts.CPUThreshold <= 0 || opts.CPUThreshold > 100 {
		opts.CPUThreshold = DefaultCPUThreshold
	}
	return &PressureMonitor{
		interval:     opts.Interval,
		memThreshold: opts.MemoryThreshold,
		cpuThreshold: opts.CPUThreshold,
		done:         make(chan struct{}),
	}
}

// Start launches the sampling loop. It returns immediately; sampling is
// fire-and-forget and never blocks task execution.
func (m *PressureMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
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
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (m *PressureMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// UnderPressure reports the cached pressure verdict. It never samples.
func (m *PressureMonitor) UnderPressure() bool {
	snap := m.latest.Load()
	return snap != nil && snap.UnderPressure
}

// Latest returns the most recent snapshot, or nil before the first sample.
func (m *PressureMonitor) Latest() *Snapshot {
	return m.latest.Load()
}

func (m *PressureMonitor) sample() {
	snap := Snapshot{SampledAt: time.Now()}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsage = vm.UsedPercent / 100
	} else {
		log.Printf("pressure monitor: memory sample failed: %v", err)
	}

	if loads, err := cpu.Percent(0, false); err == nil && len(loads) > 0 {
		snap.CPULoad = loads[0]
	} else if err != nil {
		log.Printf("pressure monitor: cpu sample failed: %v", err)
	}

	if counters, err := gopsnet.IOCounters(false); err == nil && len(counters) > 0 {
		tx := counters[0].BytesSent
		if !m.prevTxAt.IsZero() && tx >= m.prevTxBytes {
			elapsed := snap.SampledAt.Sub(m.prevTxAt).Seconds()
			if elapsed > 0 {
				snap.NetworkTxSec = float64(tx-m.prevTxBytes) / elapsed
			}
		}
		m.prevTxBytes = tx
		m.prevTxAt = snap.SampledAt
	}

	snap.UnderPressure = snap.MemoryUsage >= m.memThreshold || snap.CPULoad >= m.cpuThreshold
	m.latest.Store(&snap)
}
