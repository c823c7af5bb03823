package observability

import (
	"context"
	"log/slog"
	"messenger-hub/domain/event"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/process"
)

// StatsSource is the read-only view of the hub used by monitoring.
type StatsSource interface {
	CurrentConnectionCount() int
	PendingTotal() int
}

// MonitoringStats is the snapshot served on the debug endpoint.
type MonitoringStats struct {
	Connections    int       `json:"connections"`
	PendingTotal   int       `json:"pending_total"`
	MessagesRouted uint64    `json:"messages_routed"`
	AllocMemMb     uint64    `json:"alloc_mem_mb"`
	NumGC          uint32    `json:"num_gc"`
	Goroutines     int       `json:"goroutines"`
	RssBytes       uint64    `json:"rss_bytes"`
	CpuPercent     float64   `json:"cpu_percent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MonitoringManager refreshes a snapshot of the hub and of the process on a fixed interval.
type MonitoringManager struct {
	log      *slog.Logger
	source   StatsSource
	metrics  *Metrics
	interval time.Duration

	mu          sync.RWMutex
	latestStats MonitoringStats

	MessagesRouted uint64
}

func NewMonitoringManager(log *slog.Logger, source StatsSource, metrics *Metrics, interval time.Duration) *MonitoringManager {
	return &MonitoringManager{
		log:      log,
		source:   source,
		metrics:  metrics,
		interval: interval,
	}
}

func (mm *MonitoringManager) IncrMessagesRouted() {
	atomic.AddUint64(&mm.MessagesRouted, 1)
}

// Handle counts routed messages seen on the telemetry channel.
func (mm *MonitoringManager) Handle(e event.Event) {
	if e.Type == event.MessageRoutedType {
		mm.IncrMessagesRouted()
	}
}

// Run refreshes the snapshot until ctx is done.
func (mm *MonitoringManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		mm.log.Warn("Process stats unavailable", "error", err)
		p = nil
	}

	for {
		select {
		case <-ctx.Done():
			mm.log.Debug("Monitoring manager stopped")
			return nil
		case <-ticker.C:
			mm.Refresh(p)
		}
	}
}

// Refresh recomputes the snapshot once. p may be nil.
func (mm *MonitoringManager) Refresh(p *process.Process) {
	stats := MonitoringStats{
		Connections:    mm.source.CurrentConnectionCount(),
		PendingTotal:   mm.source.PendingTotal(),
		MessagesRouted: atomic.LoadUint64(&mm.MessagesRouted),
		Goroutines:     runtime.NumGoroutine(),
		UpdatedAt:      time.Now().UTC(),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	stats.AllocMemMb = m.Alloc / 1024 / 1024
	stats.NumGC = m.NumGC

	if p != nil {
		if memInfo, err := p.MemoryInfo(); err == nil {
			stats.RssBytes = memInfo.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			stats.CpuPercent = cpu
		}
	}

	mm.metrics.SetConnections(stats.Connections)

	mm.mu.Lock()
	mm.latestStats = stats
	mm.mu.Unlock()

	mm.log.Debug("Stats refreshed",
		"connections", stats.Connections,
		"pending_total", stats.PendingTotal,
		"mem_mb", stats.AllocMemMb,
	)
}

func (mm *MonitoringManager) GetLatest() MonitoringStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.latestStats
}
