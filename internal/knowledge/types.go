// Package knowledge accumulates cross-run learning: selector healing history,
// per-intent skill templates, per-site interaction patterns, and per-URL
// patterns. All aggregates live in memory and are persisted through a
// pluggable storage adapter with debounced saves.
package knowledge

import (
	"time"

	"webpilot/internal/types"
)

// SelectorHistory records how a healed selector performed at a site.
// Unique key = (site, originalSelector, strategy).
type SelectorHistory struct {
	Site             string    `json:"site"`
	OriginalSelector string    `json:"originalSelector"`
	HealedSelector   string    `json:"healedSelector"`
	Strategy         string    `json:"strategy"`
	SuccessCount     int       `json:"successCount"`
	FailureCount     int       `json:"failureCount"`
	LastUsed         time.Time `json:"lastUsed"`
}

// SuccessRate is derived, never stored.
func (h *SelectorHistory) SuccessRate() float64 {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(total)
}

// SkillTemplate is the learned skill for one intent. Key = intent.
type SkillTemplate struct {
	Intent      string          `json:"intent"`
	SkillSpec   types.SkillSpec `json:"skillSpec"`
	SuccessRate float64         `json:"successRate"`
	UsageCount  int             `json:"usageCount"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// SitePattern aggregates what is known about one site. Key = site (host).
type SitePattern struct {
	Site            string         `json:"site"`
	CommonIntents   map[string]int `json:"commonIntents"`
	CommonSelectors map[string]int `json:"commonSelectors"`
	CommonFlows     []string       `json:"commonFlows"` // ordered set of "a -> b"
	SuccessRate     float64        `json:"successRate"`
	TotalJobs       int            `json:"totalJobs"`
	LastUpdated     time.Time      `json:"lastUpdated"`
}

// URLPattern aggregates what is known about one exact URL.
type URLPattern struct {
	URL         string         `json:"url"`
	Intents     []string       `json:"intents"`
	Selectors   map[string]int `json:"selectors"`
	SuccessRate float64        `json:"successRate"`
	UsageCount  int            `json:"usageCount"`
	LastUsed    time.Time      `json:"lastUsed"`
}
