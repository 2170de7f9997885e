package progress

import (
	"sync"
	"time"
)

// Meter tracks cumulative bytes and computes a smoothed rate.
type Meter struct {
	mu       sync.Mutex
	lastAt   time.Time
	lastDone int64
	rateBps  float64
	alpha    float64
	now      func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now, lastAt: now()}
}

// Observe records the cumulative byte count and returns the updated rate in
// bytes per second. Counts lower than the previous observation are ignored.
func (m *Meter) Observe(done int64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	delta := done - m.lastDone
	if delta <= 0 {
		return m.rateBps
	}
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		return m.rateBps
	}

	inst := float64(delta) / elapsed
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = done
	return m.rateBps
}

// Rate returns the current smoothed rate.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateBps
}
