package tools

import (
	"sort"
	"sync"
	"time"
)

// DefaultHealthWindow is the number of recent invocations kept per tool.
const DefaultHealthWindow = 50

// HealthStats summarizes a tool's recent invocations.
type HealthStats struct {
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
}

type sample struct {
	latency time.Duration
	ok      bool
}

type toolHealth struct {
	samples     []sample
	next        int
	full        bool
	lastSuccess time.Time
	lastFailure time.Time
}

// HealthTracker keeps a rolling window of latency and outcome per tool.
type HealthTracker struct {
	mu     sync.RWMutex
	window int
	tools  map[string]*toolHealth
	now    func() time.Time
}

// NewHealthTracker creates a tracker keeping window samples per tool.
func NewHealthTracker(window int) *HealthTracker {
	if window <= 0 {
		window = DefaultHealthWindow
	}
	return &HealthTracker{
		window: window,
		tools:  make(map[string]*toolHealth),
		now:    time.Now,
	}
}

// Record adds one invocation outcome.
func (h *HealthTracker) Record(tool string, latency time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	th, exists := h.tools[tool]
	if !exists {
		th = &toolHealth{samples: make([]sample, h.window)}
		h.tools[tool] = th
	}

	th.samples[th.next] = sample{latency: latency, ok: ok}
	th.next = (th.next + 1) % h.window
	if th.next == 0 {
		th.full = true
	}

	if ok {
		th.lastSuccess = h.now()
	} else {
		th.lastFailure = h.now()
	}
}

// Stats summarizes one tool. A tool with no samples reports a success rate of 1.
func (h *HealthTracker) Stats(tool string) HealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	th, ok := h.tools[tool]
	if !ok {
		return HealthStats{SuccessRate: 1}
	}
	return th.stats()
}

// All summarizes every tracked tool.
func (h *HealthTracker) All() map[string]HealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]HealthStats, len(h.tools))
	for name, th := range h.tools {
		out[name] = th.stats()
	}
	return out
}

// Degraded lists tools whose success rate is below threshold, sorted by name.
func (h *HealthTracker) Degraded(threshold float64, minSamples int) []string {
	var names []string
	for name, st := range h.All() {
		if st.Samples >= minSamples && st.SuccessRate < threshold {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (th *toolHealth) stats() HealthStats {
	n := th.next
	if th.full {
		n = len(th.samples)
	}
	st := HealthStats{
		Samples:     n,
		SuccessRate: 1,
		LastSuccess: th.lastSuccess,
		LastFailure: th.lastFailure,
	}
	if n == 0 {
		return st
	}

	var total time.Duration
	okCount := 0
	for _, s := range th.samples[:n] {
		total += s.latency
		if s.latency > st.MaxLatency {
			st.MaxLatency = s.latency
		}
		if s.ok {
			okCount++
		}
	}
	st.AvgLatency = total / time.Duration(n)
	st.SuccessRate = float64(okCount) / float64(n)
	return st
}
