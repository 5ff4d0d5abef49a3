// Package perfmem remembers, per session, the largest batch size the remote
// service has recently accepted.
package perfmem

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/status_relay/internal/logging"
	"github.com/austindbirch/status_relay/internal/metrics"
)

const (
	DefaultFreshness = 24 * time.Hour
	DefaultWeight    = 0.2
)

type Record struct {
	SessionID      string        `json:"session_id"`
	ProvenSize     int           `json:"proven_batch_size"`
	LastSuccessAt  time.Time     `json:"last_success_at"`
	AverageLatency time.Duration `json:"rolling_average_latency"`
	SuccessRate    float64       `json:"success_rate"`
	Samples        int           `json:"samples"`
}

type Memory struct {
	mu        sync.Mutex
	records   map[string]*Record
	freshness time.Duration
	weight    float64
	now       func() time.Time
}

type Option func(*Memory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

func WithWeight(w float64) Option {
	return func(m *Memory) {
		if w > 0 && w <= 1 {
			m.weight = w
		}
	}
}

func New(freshness time.Duration, opts ...Option) *Memory {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	m := &Memory{
		records:   make(map[string]*Record),
		freshness: freshness,
		weight:    DefaultWeight,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) stale(r *Record, now time.Time) bool {
	return now.Sub(r.LastSuccessAt) > m.freshness
}

// Get returns a copy of the session's record. Stale records are evicted and
// reported as absent.
func (m *Memory) Get(sessionID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[sessionID]
	if !ok {
		return Record{}, false
	}
	if m.stale(r, m.now()) {
		delete(m.records, sessionID)
		metrics.PerfRecords.Set(float64(len(m.records)))
		return Record{}, false
	}
	return *r, true
}

// Update folds one batch attempt into the session's record. Success may only
// raise the proven size. A failure for a session with no record is ignored.
func (m *Memory) Update(sessionID string, batchSize int, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r, ok := m.records[sessionID]
	if ok && m.stale(r, now) {
		delete(m.records, sessionID)
		r, ok = nil, false
	}

	if !ok {
		if !success {
			return
		}
		m.records[sessionID] = &Record{
			SessionID:      sessionID,
			ProvenSize:     batchSize,
			LastSuccessAt:  now,
			AverageLatency: latency,
			SuccessRate:    1,
			Samples:        1,
		}
		metrics.PerfRecords.Set(float64(len(m.records)))
		return
	}

	sample := 0.0
	if success {
		sample = 1
		if batchSize > r.ProvenSize {
			r.ProvenSize = batchSize
		}
		r.LastSuccessAt = now
	}
	r.AverageLatency = time.Duration(m.weight*float64(latency) + (1-m.weight)*float64(r.AverageLatency))
	r.SuccessRate = m.weight*sample + (1-m.weight)*r.SuccessRate
	r.Samples++
}

// Sweep evicts every stale record and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, r := range m.records {
		if m.stale(r, now) {
			delete(m.records, id)
			removed++
		}
	}
	metrics.PerfRecords.Set(float64(len(m.records)))
	return removed
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Janitor sweeps on every tick until ctx is done.
func (m *Memory) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logging.WithFields(map[string]any{"evicted": n}).Debug("swept stale performance records")
			}
		}
	}
}
