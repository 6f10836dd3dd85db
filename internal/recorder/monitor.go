// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recorder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// monitorInterval is how often the monitor refreshes its snapshot.
const monitorInterval = 15 * time.Second

// SystemStats holds collected system metrics, surfaced in status responses.
type SystemStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	DiskFreeBytes    uint64  `json:"disk_free_bytes"`
}

// Monitor collects system metrics periodically, including free space on the
// recording target filesystem.
type Monitor struct {
	root   string
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	stats  SystemStats
}

// NewMonitor creates a Monitor watching the given storage root.
func NewMonitor(root string, logger *slog.Logger) *Monitor {
	return &Monitor{
		root:   root,
		logger: logger.With("component", "monitor"),
		close:  make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop stops the monitor.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats returns the latest collected stats.
func (m *Monitor) Stats() SystemStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	m.collect()

	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var stats SystemStats

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	} else if err != nil {
		m.logger.Debug("cpu stats unavailable", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	} else {
		m.logger.Debug("memory stats unavailable", "error", err)
	}

	if du, err := disk.Usage(m.root); err == nil {
		stats.DiskUsagePercent = du.UsedPercent
		stats.DiskFreeBytes = du.Free
	} else {
		m.logger.Debug("disk stats unavailable", "error", err, "root", m.root)
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	m.logger.Debug("system stats collected",
		"cpu", stats.CPUPercent,
		"mem", stats.MemoryPercent,
		"disk_free_mb", stats.DiskFreeBytes/1024/1024,
	)
}
