package collector

import (
	"sync/atomic"
	"time"

	"github.com/mayank-omega/crypto-data-engine/internal/models"
)

// Totals are cumulative tick counters since the supervisor was created.
type Totals struct {
	Ticks           int64         `json:"ticks"`
	Failures        int64         `json:"failures"`
	RecordsInserted int64         `json:"records_inserted"`
	RecordsExisting int64         `json:"records_already_exists"`
	Published       int64         `json:"published"`
	Abandoned       int64         `json:"abandoned"`
	SuccessRate     float64       `json:"success_rate"`
	AvgTickDuration time.Duration `json:"avg_tick_duration"`
	Uptime          time.Duration `json:"uptime"`
}

// statsCollector tracks tick outcomes with atomic counters. The Prometheus
// pipeline carries the labelled series; these totals back the health report.
type statsCollector struct {
	ticks     atomic.Int64
	failures  atomic.Int64
	inserted  atomic.Int64
	existing  atomic.Int64
	published atomic.Int64
	abandoned atomic.Int64
	tickNanos atomic.Int64

	startTime time.Time
}

func newStatsCollector() *statsCollector {
	return &statsCollector{startTime: time.Now()}
}

func (m *statsCollector) recordTick(result TickResult) {
	m.ticks.Add(1)
	m.tickNanos.Add(result.Duration.Nanoseconds())
	m.inserted.Add(int64(result.Inserted))
	m.existing.Add(int64(result.Existing))
	m.published.Add(int64(result.Delivered))
	if result.Error != nil {
		m.failures.Add(1)
	}
}

func (m *statsCollector) recordAbandoned() {
	m.abandoned.Add(1)
}

func (m *statsCollector) totals() Totals {
	ticks := m.ticks.Load()
	failures := m.failures.Load()

	t := Totals{
		Ticks:           ticks,
		Failures:        failures,
		RecordsInserted: m.inserted.Load(),
		RecordsExisting: m.existing.Load(),
		Published:       m.published.Load(),
		Abandoned:       m.abandoned.Load(),
		Uptime:          time.Since(m.startTime).Round(time.Second),
	}
	if ticks > 0 {
		t.SuccessRate = float64(ticks-failures) / float64(ticks)
		t.AvgTickDuration = time.Duration(m.tickNanos.Load() / ticks)
	}
	return t
}

// stateCounts tallies job states for the jobs gauge.
func stateCounts(snapshots []models.JobSnapshot) map[string]int {
	counts := map[string]int{
		string(models.JobIdle):    0,
		string(models.JobRunning): 0,
		string(models.JobBackoff): 0,
	}
	for _, s := range snapshots {
		counts[string(s.State)]++
	}
	return counts
}
