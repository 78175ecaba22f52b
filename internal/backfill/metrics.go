package backfill

import (
	"sync"
	"time"
)

// IngestionMetrics collects pacing statistics per data kind during a run.
type IngestionMetrics struct {
	mu      sync.Mutex
	metrics map[string]*pacing
}

type pacing struct {
	batches  int
	records  int
	inserted int
	updated  int
	elapsed  time.Duration
}

// PacingSummary is the exported view of one data kind's pacing.
type PacingSummary struct {
	Batches          int     `json:"batches"`
	Records          int     `json:"records"`
	Inserted         int     `json:"inserted"`
	Updated          int     `json:"updated"`
	DurationSeconds  float64 `json:"duration_seconds"`
	RecordsPerSecond float64 `json:"records_per_second"`
}

func NewIngestionMetrics() *IngestionMetrics {
	return &IngestionMetrics{metrics: make(map[string]*pacing)}
}

// Observe records one fetched batch and the time spent fetching it.
func (m *IngestionMetrics) Observe(dataType string, batchSize, inserted, updated int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.metrics[dataType]
	if !ok {
		p = &pacing{}
		m.metrics[dataType] = p
	}
	p.batches++
	p.records += batchSize
	p.inserted += inserted
	p.updated += updated
	p.elapsed += duration
}

// Summary returns throughput per data kind.
func (m *IngestionMetrics) Summary() map[string]PacingSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := make(map[string]PacingSummary, len(m.metrics))
	for dataType, p := range m.metrics {
		elapsed := p.elapsed.Seconds()
		throughput := 0.0
		if elapsed > 0 {
			throughput = float64(p.records) / elapsed
		}
		summary[dataType] = PacingSummary{
			Batches:          p.batches,
			Records:          p.records,
			Inserted:         p.inserted,
			Updated:          p.updated,
			DurationSeconds:  elapsed,
			RecordsPerSecond: throughput,
		}
	}
	return summary
}
