// Package perf tracks command latencies, selector stability, and wait-time
// statistics, classifies bottlenecks, and exposes everything as a JSON report
// and Prometheus metrics.
package perf

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"webpilot/internal/logging"
)

const (
	commandWindow = 1000
	waitWindow    = 100
)

// commandStats aggregates one (command, site) pair.
type commandStats struct {
	Command    string  `json:"command"`
	Site       string  `json:"site"`
	Total      int     `json:"total"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	TotalMs    float64 `json:"totalMs"`
	MinMs      float64 `json:"minMs"`
	MaxMs      float64 `json:"maxMs"`

	window []float64 // last 1000 durations, ms
}

func (s *commandStats) AvgMs() float64 {
	if s.Total == 0 {
		return 0
	}
	return s.TotalMs / float64(s.Total)
}

func (s *commandStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// selectorStats aggregates one (selector, strategy, site) triple.
type selectorStats struct {
	Selector   string `json:"selector"`
	Strategy   string `json:"strategy"`
	Site       string `json:"site"`
	Total      int    `json:"total"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
}

// StabilityScore is the success rate weighted by usage (full weight at 10).
func (s *selectorStats) StabilityScore() float64 {
	if s.Total == 0 {
		return 0
	}
	rate := float64(s.Successful) / float64(s.Total)
	weight := float64(s.Total) / 10
	if weight > 1 {
		weight = 1
	}
	return rate * weight
}

// waitStats tracks one (operation, site, pageType) triple.
type waitStats struct {
	Operation string    `json:"operation"`
	Site      string    `json:"site"`
	PageType  string    `json:"pageType"`
	window    []float64 // last 100 durations, ms
}

// OptimalWaitMs is the p95 of recent observations.
func (s *waitStats) OptimalWaitMs() float64 {
	return percentile(s.window, 95)
}

// Bottleneck is one classified performance finding.
type Bottleneck struct {
	Kind           string  `json:"kind"` // slow_command, high_failure_rate
	Severity       string  `json:"severity"`
	Command        string  `json:"command"`
	Site           string  `json:"site"`
	P95Ms          float64 `json:"p95Ms,omitempty"`
	FailureRate    float64 `json:"failureRate,omitempty"`
	Recommendation string  `json:"recommendation"`
}

// Monitor is the process-wide performance tracker. Counters are monotonic;
// rolling windows are bounded.
type Monitor struct {
	mu        sync.Mutex
	commands  map[string]*commandStats  // command|site
	selectors map[string]*selectorStats // selector|strategy|site
	waits     map[string]*waitStats     // operation|site|pageType

	registry     *prometheus.Registry
	cmdDuration  *prometheus.HistogramVec
	cmdTotal     *prometheus.CounterVec
	healAttempts prometheus.Counter
	healSuccess  prometheus.Counter
}

// NewMonitor creates a monitor with its own Prometheus registry.
func NewMonitor() *Monitor {
	registry := prometheus.NewRegistry()
	m := &Monitor{
		commands:  make(map[string]*commandStats),
		selectors: make(map[string]*selectorStats),
		waits:     make(map[string]*waitStats),
		registry:  registry,
		cmdDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "webpilot",
			Name:      "command_duration_seconds",
			Help:      "Browser command durations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"command", "site", "status"}),
		cmdTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webpilot",
			Name:      "commands_total",
			Help:      "Executed browser commands.",
		}, []string{"command", "site", "status"}),
		healAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webpilot",
			Name:      "selector_healing_attempts_total",
			Help:      "Selector healing attempts.",
		}),
		healSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webpilot",
			Name:      "selector_healing_successes_total",
			Help:      "Selector healing successes.",
		}),
	}
	registry.MustRegister(m.cmdDuration, m.cmdTotal, m.healAttempts, m.healSuccess)
	return m
}

// Registry exposes the Prometheus registry for the /metrics endpoint.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// RecordCommand notes one command execution.
func (m *Monitor) RecordCommand(command, site string, duration time.Duration, success bool) {
	ms := float64(duration.Milliseconds())
	status := "success"
	if !success {
		status = "failed"
	}
	m.cmdDuration.WithLabelValues(command, site, status).Observe(duration.Seconds())
	m.cmdTotal.WithLabelValues(command, site, status).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	key := command + "|" + site
	s, ok := m.commands[key]
	if !ok {
		s = &commandStats{Command: command, Site: site, MinMs: ms}
		m.commands[key] = s
	}
	s.Total++
	if success {
		s.Successful++
	} else {
		s.Failed++
	}
	s.TotalMs += ms
	if ms < s.MinMs || s.Total == 1 {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.window = appendBounded(s.window, ms, commandWindow)
}

// RecordSelector notes one selector use.
func (m *Monitor) RecordSelector(selector, strategy, site string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := selector + "|" + strategy + "|" + site
	s, ok := m.selectors[key]
	if !ok {
		s = &selectorStats{Selector: selector, Strategy: strategy, Site: site}
		m.selectors[key] = s
	}
	s.Total++
	if success {
		s.Successful++
	} else {
		s.Failed++
	}
}

// RecordHealing feeds the healing counters.
func (m *Monitor) RecordHealing(success bool) {
	m.healAttempts.Inc()
	if success {
		m.healSuccess.Inc()
	}
}

// RecordWait notes how long an operation actually took on a page type.
func (m *Monitor) RecordWait(operation, site, pageType string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := operation + "|" + site + "|" + pageType
	s, ok := m.waits[key]
	if !ok {
		s = &waitStats{Operation: operation, Site: site, PageType: pageType}
		m.waits[key] = s
	}
	s.window = appendBounded(s.window, float64(duration.Milliseconds()), waitWindow)
}

// OptimalWait suggests a wait in milliseconds for an operation, from the p95
// of recent observations; 0 when unknown.
func (m *Monitor) OptimalWait(operation, site, pageType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.waits[operation+"|"+site+"|"+pageType]
	if !ok {
		return 0
	}
	return int(s.OptimalWaitMs())
}

// SelectorStability returns the stability score for a selector at a site,
// across strategies (highest wins).
func (m *Monitor) SelectorStability(selector, site string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := 0.0
	for _, s := range m.selectors {
		if s.Selector == selector && s.Site == site {
			if score := s.StabilityScore(); score > best {
				best = score
			}
		}
	}
	return best
}

// Bottlenecks classifies current hotspots.
func (m *Monitor) Bottlenecks() []Bottleneck {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Bottleneck
	for _, s := range m.commands {
		p95 := percentile(s.window, 95)
		if p95 > 5000 {
			severity := "medium"
			if p95 > 10000 {
				severity = "high"
			}
			out = append(out, Bottleneck{
				Kind:           "slow_command",
				Severity:       severity,
				Command:        s.Command,
				Site:           s.Site,
				P95Ms:          p95,
				Recommendation: "increase timeout or review site wait configuration",
			})
		}
		if s.Total > 10 && s.FailureRate() > 0.3 {
			severity := "medium"
			if s.FailureRate() > 0.5 {
				severity = "high"
			}
			out = append(out, Bottleneck{
				Kind:           "high_failure_rate",
				Severity:       severity,
				Command:        s.Command,
				Site:           s.Site,
				FailureRate:    s.FailureRate(),
				Recommendation: "review selectors and healing history for this site",
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity == "high"
		}
		return out[i].Command < out[j].Command
	})
	return out
}

// CommandSummary is the report entry for one (command, site).
type CommandSummary struct {
	Command     string  `json:"command"`
	Site        string  `json:"site"`
	Total       int     `json:"total"`
	FailureRate float64 `json:"failureRate"`
	AvgMs       float64 `json:"avgMs"`
	P50Ms       float64 `json:"p50Ms"`
	P95Ms       float64 `json:"p95Ms"`
	P99Ms       float64 `json:"p99Ms"`
}

// SelectorSummary is the report entry for one unstable selector.
type SelectorSummary struct {
	Selector  string  `json:"selector"`
	Strategy  string  `json:"strategy"`
	Site      string  `json:"site"`
	Total     int     `json:"total"`
	Stability float64 `json:"stability"`
}

// Report is the JSON export shape.
type Report struct {
	GeneratedAt       time.Time         `json:"generatedAt"`
	SlowCommands      []CommandSummary  `json:"slowCommands"`
	UnstableSelectors []SelectorSummary `json:"unstableSelectors"`
	Bottlenecks       []Bottleneck      `json:"bottlenecks"`
}

// BuildReport assembles the top-N slowest commands and least stable selectors
// plus bottleneck findings.
func (m *Monitor) BuildReport(topN int) Report {
	bottlenecks := m.Bottlenecks()

	m.mu.Lock()
	commands := make([]CommandSummary, 0, len(m.commands))
	for _, s := range m.commands {
		commands = append(commands, CommandSummary{
			Command:     s.Command,
			Site:        s.Site,
			Total:       s.Total,
			FailureRate: s.FailureRate(),
			AvgMs:       s.AvgMs(),
			P50Ms:       percentile(s.window, 50),
			P95Ms:       percentile(s.window, 95),
			P99Ms:       percentile(s.window, 99),
		})
	}
	selectors := make([]SelectorSummary, 0, len(m.selectors))
	for _, s := range m.selectors {
		selectors = append(selectors, SelectorSummary{
			Selector:  s.Selector,
			Strategy:  s.Strategy,
			Site:      s.Site,
			Total:     s.Total,
			Stability: s.StabilityScore(),
		})
	}
	m.mu.Unlock()

	sort.Slice(commands, func(i, j int) bool { return commands[i].P95Ms > commands[j].P95Ms })
	sort.Slice(selectors, func(i, j int) bool { return selectors[i].Stability < selectors[j].Stability })
	if topN > 0 && len(commands) > topN {
		commands = commands[:topN]
	}
	if topN > 0 && len(selectors) > topN {
		selectors = selectors[:topN]
	}

	logging.PerfDebug("Report: %d commands, %d selectors, %d bottlenecks", len(commands), len(selectors), len(bottlenecks))
	return Report{
		GeneratedAt:       time.Now(),
		SlowCommands:      commands,
		UnstableSelectors: selectors,
		Bottlenecks:       bottlenecks,
	}
}

func appendBounded(window []float64, v float64, max int) []float64 {
	window = append(window, v)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

// percentile computes the nearest-rank percentile of a sample.
func percentile(sample []float64, p float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)
	rank := int(float64(len(sorted)) * p / 100)
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
