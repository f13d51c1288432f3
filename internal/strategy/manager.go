package strategy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"webpilot/internal/logging"
)

// ChallengeType is the closed set of recognised anti-automation challenges.
type ChallengeType string

const (
	ChallengeCloudflare ChallengeType = "cloudflare"
	ChallengeCaptcha    ChallengeType = "captcha"
	ChallengeError      ChallengeType = "error"
	ChallengeRateLimit  ChallengeType = "rate_limit"
	ChallengeBlocked    ChallengeType = "blocked"
)

// TimePattern captures when a challenge has been observed.
type TimePattern struct {
	Hours []int `json:"hours,omitempty"`
	Dow   []int `json:"dow,omitempty"`
}

// ChallengePattern is one observed challenge class for a site.
type ChallengePattern struct {
	Site             string        `json:"site"`
	ChallengeType    ChallengeType `json:"challengeType"`
	TimePattern      *TimePattern  `json:"timePattern,omitempty"`
	TriggerPattern   []string      `json:"triggerPattern,omitempty"`
	RecoveryStrategy string        `json:"recoveryStrategy"`
	SuccessRate      float64       `json:"successRate"`
	LastSeen         time.Time     `json:"lastSeen"`
	Occurrences      int           `json:"occurrences"`
}

// Manager records strategy outcomes and learns challenge patterns by
// time-of-day and trigger.
type Manager struct {
	mu       sync.RWMutex
	retry    *AdaptiveRetry
	patterns map[string]*ChallengePattern // site|type
	now      func() time.Time
}

// NewManager creates a strategy manager around an adaptive retry engine.
func NewManager(retry *AdaptiveRetry) *Manager {
	return &Manager{
		retry:    retry,
		patterns: make(map[string]*ChallengePattern),
		now:      time.Now,
	}
}

// Retry exposes the adaptive retry engine.
func (m *Manager) Retry() *AdaptiveRetry { return m.retry }

// RecordChallenge notes an observed challenge with its trigger (the action or
// URL fragment in flight when it appeared).
func (m *Manager) RecordChallenge(site string, kind ChallengeType, trigger, recovery string) {
	now := m.now()
	key := site + "|" + string(kind)

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patterns[key]
	if !ok {
		p = &ChallengePattern{
			Site:             site,
			ChallengeType:    kind,
			TimePattern:      &TimePattern{},
			RecoveryStrategy: recovery,
		}
		m.patterns[key] = p
	}
	p.Occurrences++
	p.LastSeen = now
	if recovery != "" {
		p.RecoveryStrategy = recovery
	}
	p.TimePattern.Hours = appendUniqueInt(p.TimePattern.Hours, now.Hour())
	p.TimePattern.Dow = appendUniqueInt(p.TimePattern.Dow, int(now.Weekday()))
	if trigger != "" {
		p.TriggerPattern = appendUniqueString(p.TriggerPattern, strings.ToLower(trigger))
	}

	logging.StrategyDebug("Recorded challenge %s@%s trigger=%q occurrences=%d", kind, site, trigger, p.Occurrences)
}

// RecordChallengeOutcome updates a pattern's recovery success rate with a
// running mean.
func (m *Manager) RecordChallengeOutcome(site string, kind ChallengeType, success bool) {
	key := site + "|" + string(kind)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[key]
	if !ok {
		return
	}
	v := 0.0
	if success {
		v = 1.0
	}
	n := float64(p.Occurrences)
	if n < 1 {
		n = 1
	}
	p.SuccessRate = p.SuccessRate + (v-p.SuccessRate)/n
}

// PredictChallenge returns the most likely challenge for a site given the
// current hour, day-of-week, and the action about to run: the matching
// pattern with the highest occurrence count.
func (m *Manager) PredictChallenge(site string, hour, dow int, action string) *ChallengePattern {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*ChallengePattern
	for _, p := range m.patterns {
		if p.Site != site {
			continue
		}
		if !p.matches(hour, dow, action) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Occurrences > candidates[j].Occurrences
	})
	out := *candidates[0]
	return &out
}

// Patterns returns a snapshot of all learned patterns for a site.
func (m *Manager) Patterns(site string) []ChallengePattern {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ChallengePattern
	for _, p := range m.patterns {
		if p.Site == site {
			out = append(out, *p)
		}
	}
	return out
}

func (p *ChallengePattern) matches(hour, dow int, action string) bool {
	if p.TimePattern != nil {
		if len(p.TimePattern.Hours) > 0 && !containsInt(p.TimePattern.Hours, hour) {
			return false
		}
		if len(p.TimePattern.Dow) > 0 && !containsInt(p.TimePattern.Dow, dow) {
			return false
		}
	}
	if len(p.TriggerPattern) > 0 && action != "" {
		a := strings.ToLower(action)
		hit := false
		for _, trig := range p.TriggerPattern {
			if strings.Contains(a, trig) || strings.Contains(trig, a) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func appendUniqueInt(xs []int, v int) []int {
	if containsInt(xs, v) {
		return xs
	}
	return append(xs, v)
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func appendUniqueString(xs []string, v string) []string {
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}
