package monitor

import (
	"sync"
	"time"

	"github.com/aflt-toolscan/kit-verifier/internal/session"
)

// Monitor keeps a short history of accepted detection events.
type Monitor struct {
	startTime time.Time
	limit     int

	mu         sync.Mutex
	eventsSeen int
	lastFrame  int
	history    []HistoryEntry
}

// NewMonitor creates a Monitor keeping at most limit history entries.
func NewMonitor(limit int) *Monitor {
	if limit <= 0 {
		limit = DefaultConfig().HistorySize
	}
	return &Monitor{
		startTime: time.Now(),
		limit:     limit,
	}
}

// Observe records st when it carries a detection event not seen before.
// Returns true when the history changed.
func (m *Monitor) Observe(st session.Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st.FrameNumber == 0 || st.FrameNumber == m.lastFrame {
		return false
	}
	m.lastFrame = st.FrameNumber
	m.eventsSeen++

	entry := HistoryEntry{
		FrameNumber: st.FrameNumber,
		Timestamp:   float64(time.Now().UnixMilli()) / 1000,
		Recognized:  st.Recognized,
		Missing:     st.Expected - st.Recognized,
		Overlap:     st.Session.Overlap,
	}
	m.history = append([]HistoryEntry{entry}, m.history...)
	if len(m.history) > m.limit {
		m.history = m.history[:m.limit]
	}
	return true
}

// Snapshot returns the monitor stats and a copy of the history, newest first.
func (m *Monitor) Snapshot() (MonitorStats, []HistoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		Uptime:     time.Since(m.startTime).Seconds(),
		EventsSeen: m.eventsSeen,
	}
	historyCopy := make([]HistoryEntry, len(m.history))
	copy(historyCopy, m.history)
	return stats, historyCopy
}
