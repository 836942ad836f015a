package driver

import (
	"sync"
	"time"
)

// CycleStats summarises observed cycle durations and outcomes.
type CycleStats struct {
	Cycles        uint64        `json:"cycles"`
	Applied       uint64        `json:"applied"`
	FetchFailures uint64        `json:"fetch_failures"`
	Undecodable   uint64        `json:"undecodable"`
	Aborted       uint64        `json:"aborted"`
	Completed     bool          `json:"completed"`
	LastSequence  uint64        `json:"last_sequence"`
	Average       time.Duration `json:"average_ns"`
	Max           time.Duration `json:"max_ns"`
	Last          time.Duration `json:"last_ns"`
	LastAppliedAt time.Time     `json:"last_applied_at"`
}

// CycleMonitor accumulates cycle statistics.
type CycleMonitor struct {
	mu    sync.Mutex
	stats CycleStats
	total time.Duration
}

// NewCycleMonitor constructs an empty monitor.
func NewCycleMonitor() *CycleMonitor {
	return &CycleMonitor{}
}

// Observe records one finished cycle.
func (m *CycleMonitor) Observe(report Report) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Cycles++
	switch report.Outcome {
	case Applied:
		m.stats.Applied++
		m.stats.LastSequence = report.Batch.Sequence
		m.stats.LastAppliedAt = report.Finished
	case FetchFailed:
		m.stats.FetchFailures++
	case Undecodable:
		m.stats.Undecodable++
	case Aborted:
		m.stats.Aborted++
	case Complete:
		m.stats.Completed = true
	}
	if report.Duration > 0 {
		m.total += report.Duration
		if report.Duration > m.stats.Max {
			m.stats.Max = report.Duration
		}
		m.stats.Last = report.Duration
	}
	m.stats.Average = m.total / time.Duration(m.stats.Cycles)
}

// Snapshot returns a copy of the statistics.
func (m *CycleMonitor) Snapshot() CycleStats {
	if m == nil {
		return CycleStats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
