package knowledge

import (
	"context"
	"net/url"
	"sync"
	"time"

	"webpilot/internal/logging"
	"webpilot/internal/recording"
	"webpilot/internal/types"
)

// saveDebounce is how long mutations coalesce before being written through
// the adapter.
const saveDebounce = 2 * time.Second

// historyKey identifies one SelectorHistory within a site.
func historyKey(selector, strategy string) string { return selector + "|" + strategy }

// KnowledgeBase is the shared learning store. Reads are non-blocking
// snapshots; mutations take the write lock and schedule a debounced save.
type KnowledgeBase struct {
	mu    sync.RWMutex
	store Store

	histories    map[string]map[string]*SelectorHistory // site -> key -> entry
	templates    map[string]*SkillTemplate              // intent
	sitePatterns map[string]*SitePattern                // site
	urlPatterns  map[string]*URLPattern                 // exact url

	dirtyMu      sync.Mutex
	dirtySites   map[string]bool
	dirtyIntents map[string]bool
	saveTimer    *time.Timer
	closed       bool
}

// New creates a knowledge base over a storage adapter.
func New(store Store) *KnowledgeBase {
	return &KnowledgeBase{
		store:        store,
		histories:    make(map[string]map[string]*SelectorHistory),
		templates:    make(map[string]*SkillTemplate),
		sitePatterns: make(map[string]*SitePattern),
		urlPatterns:  make(map[string]*URLPattern),
		dirtySites:   make(map[string]bool),
		dirtyIntents: make(map[string]bool),
	}
}

// Load cold-starts the in-memory maps from the adapter.
func (k *KnowledgeBase) Load(ctx context.Context) error {
	if err := k.store.Initialize(ctx); err != nil {
		return err
	}

	histories, err := k.store.GetAllSelectorHistories(ctx)
	if err != nil {
		return err
	}
	templates, err := k.store.GetAllSkillTemplates(ctx)
	if err != nil {
		return err
	}
	patterns, err := k.store.GetAllSitePatterns(ctx)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for site, list := range histories {
		bySite := make(map[string]*SelectorHistory, len(list))
		for i := range list {
			h := list[i]
			bySite[historyKey(h.OriginalSelector, h.Strategy)] = &h
		}
		k.histories[site] = bySite
	}
	for intent, tpl := range templates {
		t := tpl
		k.templates[intent] = &t
	}
	for site, p := range patterns {
		sp := p
		k.sitePatterns[site] = &sp
	}
	logging.Knowledge("Loaded knowledge: %d sites with history, %d templates, %d site patterns",
		len(k.histories), len(k.templates), len(k.sitePatterns))
	return nil
}

// Close drains the save debounce and closes the adapter.
func (k *KnowledgeBase) Close(ctx context.Context) error {
	k.dirtyMu.Lock()
	k.closed = true
	if k.saveTimer != nil {
		k.saveTimer.Stop()
		k.saveTimer = nil
	}
	k.dirtyMu.Unlock()

	k.Flush(ctx)
	return k.store.Close()
}

// ----- learning -----

// LearnFromJob folds one executed job into all aggregates: per-selector
// history, the per-intent skill template, the site pattern, and per-URL
// patterns from the transcript's navigations.
func (k *KnowledgeBase) LearnFromJob(site string, actions []types.CanonicalAction, result *types.ExecutionResult, rec *recording.Normalized) {
	if site == "" || result == nil {
		return
	}
	timer := logging.StartTimer(logging.CategoryKnowledge, "learnFromJob")
	defer timer.Stop()

	jobSuccess := result.Success()
	selectorOutcome := commandOutcomes(result)

	k.mu.Lock()

	for _, action := range actions {
		for _, step := range action.Steps {
			if step.Target == nil || step.Target.Selector == "" {
				continue
			}
			succeeded, seen := selectorOutcome[step.Target.Selector]
			if !seen {
				succeeded = jobSuccess
			}
			k.upsertHistoryLocked(site, step.Target.Selector, string(step.Target.Strategy), "", succeeded)
		}
		k.updateTemplateLocked(action, jobSuccess)
	}

	k.updateSitePatternLocked(site, actions, jobSuccess)

	if rec != nil {
		intents := make([]string, 0, len(actions))
		for _, a := range actions {
			intents = append(intents, a.Intent)
		}
		for _, step := range rec.Steps {
			if step.Type == recording.StepNavigate && step.URL != "" {
				k.upsertURLPatternLocked(step.URL, intents, actions, jobSuccess)
			}
		}
	}

	k.mu.Unlock()

	k.markDirty(site, actions)
}

func commandOutcomes(result *types.ExecutionResult) map[string]bool {
	out := make(map[string]bool, len(result.Commands))
	for _, rec := range result.Commands {
		if rec.Command.Selector == "" {
			continue
		}
		// A later failure for the same selector wins over an earlier success.
		if prev, ok := out[rec.Command.Selector]; ok && !prev {
			continue
		}
		out[rec.Command.Selector] = rec.Status == types.CommandSuccess
	}
	return out
}

func (k *KnowledgeBase) upsertHistoryLocked(site, selector, strategy, healed string, success bool) *SelectorHistory {
	bySite, ok := k.histories[site]
	if !ok {
		bySite = make(map[string]*SelectorHistory)
		k.histories[site] = bySite
	}
	key := historyKey(selector, strategy)
	h, ok := bySite[key]
	if !ok {
		h = &SelectorHistory{Site: site, OriginalSelector: selector, Strategy: strategy}
		bySite[key] = h
	}
	if healed != "" {
		h.HealedSelector = healed
	}
	if success {
		h.SuccessCount++
	} else {
		h.FailureCount++
	}
	h.LastUsed = time.Now()
	return h
}

func (k *KnowledgeBase) updateTemplateLocked(action types.CanonicalAction, success bool) {
	tpl, ok := k.templates[action.Intent]
	if !ok {
		tpl = &SkillTemplate{Intent: action.Intent}
		k.templates[action.Intent] = tpl
	}
	tpl.UsageCount++
	v := 0.0
	if success {
		v = 1.0
	}
	tpl.SuccessRate = tpl.SuccessRate + (v-tpl.SuccessRate)/float64(tpl.UsageCount)
	if success {
		// A fresh successful pattern replaces the remembered steps.
		tpl.SkillSpec.Name = action.Intent
		tpl.SkillSpec.Steps = append([]types.CanonicalStep(nil), action.Steps...)
	}
	tpl.LastUpdated = time.Now()
}

func (k *KnowledgeBase) updateSitePatternLocked(site string, actions []types.CanonicalAction, success bool) {
	p, ok := k.sitePatterns[site]
	if !ok {
		p = &SitePattern{
			Site:            site,
			CommonIntents:   make(map[string]int),
			CommonSelectors: make(map[string]int),
		}
		k.sitePatterns[site] = p
	}
	for i, action := range actions {
		p.CommonIntents[action.Intent]++
		for _, step := range action.Steps {
			if step.Target != nil && step.Target.Selector != "" {
				p.CommonSelectors[step.Target.Selector]++
			}
		}
		if i > 0 {
			flow := actions[i-1].Intent + " -> " + action.Intent
			if !containsString(p.CommonFlows, flow) {
				p.CommonFlows = append(p.CommonFlows, flow)
			}
		}
	}
	p.TotalJobs++
	v := 0.0
	if success {
		v = 1.0
	}
	p.SuccessRate = p.SuccessRate + (v-p.SuccessRate)/float64(p.TotalJobs)
	p.LastUpdated = time.Now()
}

func (k *KnowledgeBase) upsertURLPatternLocked(rawURL string, intents []string, actions []types.CanonicalAction, success bool) {
	p, ok := k.urlPatterns[rawURL]
	if !ok {
		p = &URLPattern{URL: rawURL, Selectors: make(map[string]int)}
		k.urlPatterns[rawURL] = p
	}
	for _, intent := range intents {
		if !containsString(p.Intents, intent) {
			p.Intents = append(p.Intents, intent)
		}
	}
	for _, action := range actions {
		for _, step := range action.Steps {
			if step.Target != nil && step.Target.Selector != "" {
				p.Selectors[step.Target.Selector]++
			}
		}
	}
	p.UsageCount++
	v := 0.0
	if success {
		v = 1.0
	}
	p.SuccessRate = p.SuccessRate + (v-p.SuccessRate)/float64(p.UsageCount)
	p.LastUsed = time.Now()
}

// RecordHealedSelector notes that healing mapped original to healed via a
// strategy, and whether the healed selector then worked.
func (k *KnowledgeBase) RecordHealedSelector(site, original, healed, strategy string, success bool) {
	k.mu.Lock()
	k.upsertHistoryLocked(site, original, strategy, healed, success)
	k.mu.Unlock()
	k.markDirtySite(site)
}

// RecordSelectorSuccess creates or updates the history row for a selector.
func (k *KnowledgeBase) RecordSelectorSuccess(site, selector string) {
	k.mu.Lock()
	k.upsertHistoryLocked(site, selector, "css", "", true)
	k.mu.Unlock()
	k.markDirtySite(site)
}

// RecordSelectorFailure is the failure counterpart of RecordSelectorSuccess.
func (k *KnowledgeBase) RecordSelectorFailure(site, selector string) {
	k.mu.Lock()
	k.upsertHistoryLocked(site, selector, "css", "", false)
	k.mu.Unlock()
	k.markDirtySite(site)
}

// ----- queries -----

// BestSelector returns the history entry whose original or healed selector
// equals the argument with the highest success rate.
func (k *KnowledgeBase) BestSelector(site, selector string) (SelectorHistory, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var best *SelectorHistory
	for _, h := range k.histories[site] {
		if h.OriginalSelector != selector && h.HealedSelector != selector {
			continue
		}
		if best == nil || h.SuccessRate() > best.SuccessRate() {
			best = h
		}
	}
	if best == nil {
		return SelectorHistory{}, false
	}
	return *best, true
}

// SelectorStability scores a selector's observed reliability at a site:
// successRate weighted by how often it has been used (full weight at 10 uses).
func (k *KnowledgeBase) SelectorStability(site, selector string) float64 {
	k.mu.RLock()
	defer k.mu.RUnlock()

	for _, h := range k.histories[site] {
		if h.OriginalSelector != selector && h.HealedSelector != selector {
			continue
		}
		uses := float64(h.SuccessCount + h.FailureCount)
		weight := uses / 10
		if weight > 1 {
			weight = 1
		}
		return h.SuccessRate() * weight
	}
	return 0
}

// GetKnownURL looks a URL up exactly, then by scheme://host/path.
func (k *KnowledgeBase) GetKnownURL(rawURL string) (URLPattern, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if p, ok := k.urlPatterns[rawURL]; ok {
		return *p, true
	}
	want := normalizeURL(rawURL)
	if want == "" {
		return URLPattern{}, false
	}
	for stored, p := range k.urlPatterns {
		if normalizeURL(stored) == want {
			return *p, true
		}
	}
	return URLPattern{}, false
}

// SkillTemplate returns the learned template for an intent with its success
// rate; it satisfies the skill generator's template source.
func (k *KnowledgeBase) SkillTemplate(intent string) (types.SkillSpec, float64, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	tpl, ok := k.templates[intent]
	if !ok || len(tpl.SkillSpec.Steps) == 0 {
		return types.SkillSpec{}, 0, false
	}
	return tpl.SkillSpec, tpl.SuccessRate, true
}

// SitePatternFor returns a snapshot of the learned pattern for a site.
func (k *KnowledgeBase) SitePatternFor(site string) (SitePattern, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.sitePatterns[site]
	if !ok {
		return SitePattern{}, false
	}
	out := *p
	return out, true
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + u.Path
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ----- persistence -----

func (k *KnowledgeBase) markDirty(site string, actions []types.CanonicalAction) {
	k.dirtyMu.Lock()
	k.dirtySites[site] = true
	for _, a := range actions {
		k.dirtyIntents[a.Intent] = true
	}
	k.scheduleSaveLocked()
	k.dirtyMu.Unlock()
}

func (k *KnowledgeBase) markDirtySite(site string) {
	k.dirtyMu.Lock()
	k.dirtySites[site] = true
	k.scheduleSaveLocked()
	k.dirtyMu.Unlock()
}

func (k *KnowledgeBase) scheduleSaveLocked() {
	if k.closed || k.saveTimer != nil {
		return
	}
	k.saveTimer = time.AfterFunc(saveDebounce, func() {
		k.dirtyMu.Lock()
		k.saveTimer = nil
		k.dirtyMu.Unlock()
		k.Flush(context.Background())
	})
}

// Flush writes all dirty aggregates through the adapter immediately.
func (k *KnowledgeBase) Flush(ctx context.Context) {
	k.dirtyMu.Lock()
	sites := k.dirtySites
	intents := k.dirtyIntents
	k.dirtySites = make(map[string]bool)
	k.dirtyIntents = make(map[string]bool)
	k.dirtyMu.Unlock()

	for site := range sites {
		k.mu.RLock()
		list := make([]SelectorHistory, 0, len(k.histories[site]))
		for _, h := range k.histories[site] {
			list = append(list, *h)
		}
		var pattern *SitePattern
		if p, ok := k.sitePatterns[site]; ok {
			cp := *p
			pattern = &cp
		}
		k.mu.RUnlock()

		if err := k.store.SaveSelectorHistory(ctx, site, list); err != nil {
			logging.KnowledgeError("Failed to save selector history for %s: %v", site, err)
		}
		if pattern != nil {
			if err := k.store.SaveSitePattern(ctx, site, *pattern); err != nil {
				logging.KnowledgeError("Failed to save site pattern for %s: %v", site, err)
			}
		}
	}

	for intent := range intents {
		k.mu.RLock()
		tpl, ok := k.templates[intent]
		var cp SkillTemplate
		if ok {
			cp = *tpl
		}
		k.mu.RUnlock()
		if !ok {
			continue
		}
		if err := k.store.SaveSkillTemplate(ctx, intent, cp); err != nil {
			logging.KnowledgeError("Failed to save skill template %s: %v", intent, err)
		}
	}
}
