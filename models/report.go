package models

import (
	"encoding/json"
	"time"
)

// UpsertStats describes the result of one idempotent batch upsert.
type UpsertStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Total returns the number of records the batch touched.
func (s UpsertStats) Total() int {
	return s.Inserted + s.Updated + s.Unchanged
}

// Add accumulates another batch's stats.
func (s *UpsertStats) Add(other UpsertStats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
}

// DataTypeReport aggregates batch statistics for one data kind across a run.
type DataTypeReport struct {
	Name        string
	Batches     int
	Fetched     int
	Inserted    int
	Updated     int
	Unchanged   int
	EarliestKey *int64
	LatestKey   *int64
}

// NewDataTypeReport creates an empty report for the named data kind.
func NewDataTypeReport(name string) *DataTypeReport {
	return &DataTypeReport{Name: name}
}

// RecordBatch folds one non-empty batch into the report. firstKey and lastKey
// are the smallest and largest cursor keys in the batch.
func (r *DataTypeReport) RecordBatch(count int, stats UpsertStats, firstKey, lastKey int64) {
	if count == 0 {
		return
	}
	r.Batches++
	r.Fetched += count
	r.Inserted += stats.Inserted
	r.Updated += stats.Updated
	r.Unchanged += stats.Unchanged
	if r.EarliestKey == nil || firstKey < *r.EarliestKey {
		first := firstKey
		r.EarliestKey = &first
	}
	if r.LatestKey == nil || lastKey > *r.LatestKey {
		last := lastKey
		r.LatestKey = &last
	}
}

// MarshalJSON renders epoch millisecond keys as ISO-8601 timestamps.
func (r *DataTypeReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string  `json:"name"`
		Batches   int     `json:"batches"`
		Fetched   int     `json:"fetched"`
		Inserted  int     `json:"inserted"`
		Updated   int     `json:"updated"`
		Unchanged int     `json:"unchanged"`
		Earliest  *string `json:"earliest"`
		Latest    *string `json:"latest"`
	}{
		Name:      r.Name,
		Batches:   r.Batches,
		Fetched:   r.Fetched,
		Inserted:  r.Inserted,
		Updated:   r.Updated,
		Unchanged: r.Unchanged,
		Earliest:  FormatEpochMs(r.EarliestKey),
		Latest:    FormatEpochMs(r.LatestKey),
	})
}

// BackfillReport combines per-kind reports with run wall-clock times.
type BackfillReport struct {
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt time.Time                  `json:"completed_at"`
	Totals      map[string]*DataTypeReport `json:"data_types"`
}

// Duration returns the wall-clock duration of the run.
func (r *BackfillReport) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// FormatEpochMs converts an epoch millisecond value to an ISO-8601 UTC string.
func FormatEpochMs(value *int64) *string {
	if value == nil {
		return nil
	}
	formatted := time.UnixMilli(*value).UTC().Format(time.RFC3339Nano)
	return &formatted
}
