// Package metrics collects counters for a transfer run and renders the
// final report printed to stdout and optionally uploaded to S3.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics uses atomic operations for counters that are bumped from the
// submission goroutine and the poll loop concurrently.
type Metrics struct {
	mu sync.RWMutex

	submissions         int64 // Statements sent to the warehouse
	fallbackResolutions int64 // Ids that needed a catalog search
	polls               int64 // Catalog status queries issued
	transientErrors     int64 // Failed status queries that were retried
	transitions         int64 // Status changes observed

	outcome     Outcome
	startTime   time.Time
	submittedAt time.Time
	resolvedAt  time.Time
}

// Outcome is the terminal state of the run as seen by the poller.
type Outcome struct {
	TransferID  string `json:"transferId"`
	Direction   string `json:"direction"`
	Table       string `json:"table"`
	StoragePath string `json:"storagePath"`
	StatementID int64  `json:"statementId,omitempty"`
	Status      string `json:"status"`
	Detail      string `json:"detail"`
}

// Verification holds post-transfer checks against the storage path.
type Verification struct {
	Files int64 `json:"files"`
	Rows  int64 `json:"rows"`
	Bytes int64 `json:"bytes"`
}

// NewMetrics creates a new Metrics instance with initialized counters
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordSubmission increments the submissions counter and stamps the time
func (m *Metrics) RecordSubmission() {
	atomic.AddInt64(&m.submissions, 1)
	m.mu.Lock()
	m.submittedAt = time.Now()
	m.mu.Unlock()
}

// RecordResolution stamps when the statement id became known
func (m *Metrics) RecordResolution(fallback bool) {
	if fallback {
		atomic.AddInt64(&m.fallbackResolutions, 1)
	}
	m.mu.Lock()
	m.resolvedAt = time.Now()
	m.mu.Unlock()
}

// RecordPoll increments the poll counter
func (m *Metrics) RecordPoll() {
	atomic.AddInt64(&m.polls, 1)
}

// RecordTransientError increments the transient error counter
func (m *Metrics) RecordTransientError() {
	atomic.AddInt64(&m.transientErrors, 1)
}

// RecordTransition increments the transition counter
func (m *Metrics) RecordTransition() {
	atomic.AddInt64(&m.transitions, 1)
}

// RecordOutcome stores the terminal result
func (m *Metrics) RecordOutcome(o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome = o
}

// Report is the JSON document emitted at the end of a run.
type Report struct {
	Outcome
	StartTime           time.Time     `json:"startTime"`
	EndTime             time.Time     `json:"endTime"`
	Duration            time.Duration `json:"duration"`
	SubmitLatency       time.Duration `json:"submitLatency"` // start to statement sent
	ResolveLatency      time.Duration `json:"resolveLatency"`
	Submissions         int64         `json:"submissions"`
	FallbackResolutions int64         `json:"fallbackResolutions"`
	Polls               int64         `json:"polls"`
	TransientErrors     int64         `json:"transientErrors"`
	Transitions         int64         `json:"transitions"`
	Verification        *Verification `json:"verification,omitempty"`
}

// GenerateReport snapshots the counters into a Report.
func (m *Metrics) GenerateReport(v *Verification) Report {
	endTime := time.Now()

	m.mu.RLock()
	outcome := m.outcome
	var submitLatency, resolveLatency time.Duration
	if !m.submittedAt.IsZero() {
		submitLatency = m.submittedAt.Sub(m.startTime)
		if !m.resolvedAt.IsZero() {
			resolveLatency = m.resolvedAt.Sub(m.submittedAt)
		}
	}
	m.mu.RUnlock()

	return Report{
		Outcome:             outcome,
		StartTime:           m.startTime,
		EndTime:             endTime,
		Duration:            endTime.Sub(m.startTime),
		SubmitLatency:       submitLatency,
		ResolveLatency:      resolveLatency,
		Submissions:         atomic.LoadInt64(&m.submissions),
		FallbackResolutions: atomic.LoadInt64(&m.fallbackResolutions),
		Polls:               atomic.LoadInt64(&m.polls),
		TransientErrors:     atomic.LoadInt64(&m.transientErrors),
		Transitions:         atomic.LoadInt64(&m.transitions),
		Verification:        v,
	}
}

// MarshalJSON implements json.Marshaler to render durations as strings.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration       string `json:"duration"`
		SubmitLatency  string `json:"submitLatency"`
		ResolveLatency string `json:"resolveLatency"`
	}{
		Alias:          Alias(r),
		Duration:       r.Duration.String(),
		SubmitLatency:  r.SubmitLatency.String(),
		ResolveLatency: r.ResolveLatency.String(),
	})
}

// String returns a human-readable summary for console output.
func (r Report) String() string {
	s := fmt.Sprintf(
		"Transfer %s (%s %s) finished as %s in %s\n"+
			"Statement: %d\n"+
			"Detail: %s\n"+
			"Polls: %d (transient errors: %d)",
		r.TransferID,
		r.Direction,
		r.Table,
		r.Status,
		r.Duration.Round(time.Millisecond),
		r.StatementID,
		r.Detail,
		r.Polls,
		r.TransientErrors,
	)
	if r.Verification != nil {
		s += fmt.Sprintf("\nVerified: %d files, %d rows, %d bytes",
			r.Verification.Files, r.Verification.Rows, r.Verification.Bytes)
	}
	return s
}
