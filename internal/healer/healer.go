// Package healer repairs broken element references. Given a selector that no
// longer matches, it produces a ranked list of alternative selectors using
// learned history, stable attributes, text, structure, semantics, and visual
// probes, each scored in [0,1].
package healer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"webpilot/internal/browser"
	"webpilot/internal/logging"
)

const maxCandidates = 10

// Candidate sources, in strategy priority order.
const (
	SourceLearned   = "learned"
	SourceStable    = "stable-attribute"
	SourceText      = "text"
	SourceStructure = "structure"
	SourceSemantic  = "semantic"
	SourceVisual    = "visual"
	SourceHeuristic = "heuristic"
)

// LearnedSelector is a previously healed selector with its track record.
type LearnedSelector struct {
	Original  string
	Healed    string
	Strategy  string
	Successes int
	Failures  int
}

// KnowledgeSource supplies learned selector statistics. The knowledge base
// implements it; a nil source disables the learned strategy.
type KnowledgeSource interface {
	BestSelector(site, selector string) (LearnedSelector, bool)
	SelectorStability(site, selector string) float64
}

// Context describes what is known about the element the broken selector used
// to match.
type Context struct {
	Site              string            `json:"site,omitempty"`
	ElementText       string            `json:"elementText,omitempty"`
	ElementAttributes map[string]string `json:"elementAttributes,omitempty"`
	ElementType       string            `json:"elementType,omitempty"`
}

// Candidate is one proposed replacement selector.
type Candidate struct {
	Selector string  `json:"selector"`
	Score    float64 `json:"score"`
	Source   string  `json:"source"`

	confidence float64 // source base confidence, pre-scoring
}

// SelectorHealer generates and scores replacement selectors.
type SelectorHealer struct {
	knowledge KnowledgeSource
	cache     *AdvancedCache
	stability *stabilityCache
}

// New creates a healer. knowledge may be nil.
func New(knowledge KnowledgeSource) *SelectorHealer {
	return &SelectorHealer{
		knowledge: knowledge,
		cache:     NewAdvancedCache(),
		stability: newStabilityCache(),
	}
}

// Cache exposes the candidate cache for stats reporting.
func (h *SelectorHealer) Cache() *AdvancedCache { return h.cache }

func cacheKey(site, original string, hctx Context) string {
	return site + "|" + original + "|" + hctx.ElementText + "|" + hctx.ElementType
}

// HealSelector produces up to 10 scored candidates for a failing selector,
// sorted by score non-increasing with duplicate selectors removed. page may be
// nil; structure and visual probes are skipped without one.
func (h *SelectorHealer) HealSelector(ctx context.Context, page browser.Page, original string, hctx Context) []Candidate {
	key := cacheKey(hctx.Site, original, hctx)
	if cached, ok := h.cache.Get(key); ok {
		logging.HealerDebug("Cache hit for %q", original)
		return cached
	}

	timer := logging.StartTimer(logging.CategoryHealer, "healSelector")
	defer timer.Stop()

	var raw []Candidate
	raw = append(raw, h.learnedCandidates(hctx.Site, original)...)
	raw = append(raw, h.stableAttributeCandidates(hctx)...)
	raw = append(raw, h.textCandidates(hctx)...)
	raw = append(raw, h.structureCandidates(ctx, page, hctx)...)
	raw = append(raw, h.semanticCandidates(hctx, original)...)
	raw = append(raw, h.visualCandidates(ctx, page, hctx)...)
	raw = append(raw, h.heuristicCandidates(hctx, original)...)

	for i := range raw {
		if raw[i].Source == SourceLearned {
			continue // learned score is fixed
		}
		raw[i].Score = h.score(raw[i], hctx)
	}

	out := dedupe(raw)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}

	h.cache.Set(key, out)
	logging.Healer("Healed %q: %d candidates, best %q (%.2f)", original, len(out), bestSelectorOf(out), bestScoreOf(out))
	return out
}

// RecordOutcome notes whether a healed candidate worked on the live page. A
// failure invalidates the cached candidate list so the next heal re-derives.
func (h *SelectorHealer) RecordOutcome(site, original string, hctx Context, success bool) {
	if !success {
		h.cache.Invalidate(cacheKey(site, original, hctx))
	}
}

// ----- strategies -----

func (h *SelectorHealer) learnedCandidates(site, original string) []Candidate {
	if h.knowledge == nil || site == "" {
		return nil
	}
	learned, ok := h.knowledge.BestSelector(site, original)
	if !ok || learned.Healed == "" {
		return nil
	}
	if learned.Successes <= learned.Failures {
		return nil
	}
	return []Candidate{{Selector: learned.Healed, Score: 0.95, Source: SourceLearned, confidence: 0.95}}
}

// stableAttrs in priority order with per-attribute base confidence.
var stableAttrs = []struct {
	name       string
	confidence float64
}{
	{"data-testid", 0.90},
	{"data-cy", 0.88},
	{"data-test", 0.86},
	{"name", 0.70},
	{"aria-label", 0.68},
	{"placeholder", 0.62},
	{"role", 0.58},
	{"id", 0.95},
	{"aria-labelledby", 0.55},
}

func (h *SelectorHealer) stableAttributeCandidates(hctx Context) []Candidate {
	if len(hctx.ElementAttributes) == 0 {
		return nil
	}
	var out []Candidate
	for _, attr := range stableAttrs {
		value, ok := hctx.ElementAttributes[attr.name]
		if !ok || value == "" {
			continue
		}
		var sel string
		switch attr.name {
		case "id":
			sel = "#" + value
		default:
			if hctx.ElementType != "" {
				sel = fmt.Sprintf(`%s[%s=%q]`, hctx.ElementType, attr.name, value)
			} else {
				sel = fmt.Sprintf(`[%s=%q]`, attr.name, value)
			}
		}
		out = append(out, Candidate{Selector: sel, Source: SourceStable, confidence: attr.confidence})
	}
	return out
}

func (h *SelectorHealer) textCandidates(hctx Context) []Candidate {
	text := strings.TrimSpace(hctx.ElementText)
	if text == "" || len(text) > 64 {
		return nil
	}
	escaped := regexp.QuoteMeta(text)
	return []Candidate{
		{Selector: "text=" + text, Source: SourceText, confidence: 0.65},
		{Selector: fmt.Sprintf("text=/^%s$/i", escaped), Source: SourceText, confidence: 0.60},
		{Selector: fmt.Sprintf("text=/%s/i", escaped), Source: SourceText, confidence: 0.50},
	}
}

// structureCandidates probes the live DOM for label-derived and
// stable-anchored relative selectors.
func (h *SelectorHealer) structureCandidates(ctx context.Context, page browser.Page, hctx Context) []Candidate {
	if page == nil {
		return nil
	}
	raw, err := page.Eval(ctx, structureProbeJS, hctx.ElementType, hctx.ElementText)
	if err != nil || raw == nil {
		return nil
	}
	var selectors []string
	if err := json.Unmarshal(raw, &selectors); err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(selectors))
	for _, sel := range selectors {
		out = append(out, Candidate{Selector: sel, Source: SourceStructure, confidence: 0.60})
	}
	return out
}

func (h *SelectorHealer) semanticCandidates(hctx Context, original string) []Candidate {
	tag := elementTag(hctx, original)
	if tag == "" {
		return nil
	}
	out := []Candidate{
		{Selector: "main " + tag, Source: SourceSemantic, confidence: 0.45},
		{Selector: "nav " + tag, Source: SourceSemantic, confidence: 0.40},
		{Selector: "form " + tag, Source: SourceSemantic, confidence: 0.45},
	}
	if role := impliedRole(tag, hctx.ElementAttributes); role != "" {
		out = append(out, Candidate{
			Selector:   fmt.Sprintf(`[role=%q]`, role),
			Source:     SourceSemantic,
			confidence: 0.50,
		})
	}
	return out
}

// visualCandidates asks the page for same-tag elements whose bounding box is
// of moderate, interactive size.
func (h *SelectorHealer) visualCandidates(ctx context.Context, page browser.Page, hctx Context) []Candidate {
	if page == nil {
		return nil
	}
	tag := hctx.ElementType
	if tag == "" {
		return nil
	}
	raw, err := page.Eval(ctx, visualProbeJS, tag)
	if err != nil || raw == nil {
		return nil
	}
	var selectors []string
	if err := json.Unmarshal(raw, &selectors); err != nil {
		return nil
	}
	confidence := 0.35
	if interactiveTags[tag] {
		confidence = 0.45
	}
	out := make([]Candidate, 0, len(selectors))
	for _, sel := range selectors {
		out = append(out, Candidate{Selector: sel, Source: SourceVisual, confidence: confidence})
	}
	return out
}

func (h *SelectorHealer) heuristicCandidates(hctx Context, original string) []Candidate {
	tag := elementTag(hctx, original)
	if tag == "" {
		return nil
	}
	return []Candidate{{Selector: tag, Source: SourceHeuristic, confidence: 0.30}}
}

var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true, "textarea": true,
}

var tagRoles = map[string]string{
	"button":   "button",
	"a":        "link",
	"input":    "textbox",
	"textarea": "textbox",
	"select":   "combobox",
	"nav":      "navigation",
}

func impliedRole(tag string, attrs map[string]string) string {
	if r, ok := attrs["role"]; ok && r != "" {
		return r
	}
	return tagRoles[tag]
}

var leadingTagRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*`)

// elementTag resolves the element's tag from the context, falling back to a
// tag prefix in the original selector.
func elementTag(hctx Context, original string) string {
	if hctx.ElementType != "" {
		return strings.ToLower(hctx.ElementType)
	}
	if m := leadingTagRe.FindString(original); m != "" {
		return strings.ToLower(m)
	}
	return ""
}

// ----- scoring -----

// score combines source confidence, uniqueness, text/attribute/role matches,
// learned history, predicted stability, and a depth penalty, clamped to [0,1].
func (h *SelectorHealer) score(c Candidate, hctx Context) float64 {
	s := 0.55 * c.confidence
	s += 0.20 * uniquenessScore(c.Selector)

	if hctx.ElementText != "" && strings.Contains(strings.ToLower(c.Selector), strings.ToLower(hctx.ElementText)) {
		s += 0.10
	}
	if attributeMatch(c.Selector, hctx.ElementAttributes) {
		s += 0.10
	}
	if role := impliedRole(elementTag(hctx, ""), hctx.ElementAttributes); role != "" && strings.Contains(c.Selector, `role=`) {
		s += 0.05
	}
	if h.knowledge != nil && hctx.Site != "" {
		s += 0.10 * h.knowledge.SelectorStability(hctx.Site, c.Selector)
	}
	s += 0.05 * h.PredictStability(c.Selector, hctx.Site, hctx.ElementType)

	// Deep descendant combinators are fragile.
	depth := strings.Count(c.Selector, " ") + strings.Count(c.Selector, ">")
	s -= 0.05 * float64(depth)

	return clamp01(s)
}

// uniquenessScore is rule-based: how likely the selector matches exactly one
// element.
func uniquenessScore(selector string) float64 {
	switch {
	case strings.HasPrefix(selector, "#"):
		return 0.95
	case strings.Contains(selector, "data-testid"):
		return 0.90
	case strings.Contains(selector, "data-cy") || strings.Contains(selector, "data-test"):
		return 0.85
	case strings.Contains(selector, "[name="):
		return 0.70
	case strings.HasPrefix(selector, "text="):
		return 0.65
	case strings.Contains(selector, "aria-label") || strings.Contains(selector, "placeholder"):
		return 0.60
	case strings.Contains(selector, "[role="):
		return 0.45
	case strings.Contains(selector, "[") || strings.Contains(selector, "."):
		return 0.40
	case strings.Contains(selector, " ") || strings.Contains(selector, ">"):
		return 0.30
	default:
		return 0.10 // bare tag
	}
}

func attributeMatch(selector string, attrs map[string]string) bool {
	for name, value := range attrs {
		if value == "" {
			continue
		}
		if strings.Contains(selector, name) && strings.Contains(selector, value) {
			return true
		}
	}
	return false
}

// PredictStability estimates how likely a selector survives page drift. Rule
// based: id and data attributes boost, pseudo-classes and depth penalise.
// Results are cached per (selector, site, type) for an hour.
func (h *SelectorHealer) PredictStability(selector, site, elementType string) float64 {
	key := selector + "|" + site + "|" + elementType
	if s, ok := h.stability.get(key); ok {
		return s
	}

	s := 0.5
	switch {
	case strings.HasPrefix(selector, "#"):
		s += 0.35
	case strings.Contains(selector, "data-testid") || strings.Contains(selector, "data-cy") || strings.Contains(selector, "data-test"):
		s += 0.30
	case strings.Contains(selector, "[name="):
		s += 0.20
	case strings.Contains(selector, "aria-"):
		s += 0.15
	}
	if strings.Contains(selector, ":nth-") || strings.Contains(selector, ":hover") || strings.Contains(selector, ":first-") || strings.Contains(selector, ":last-") {
		s -= 0.25
	}
	// Generated class names (hash suffixes) churn on every build.
	if generatedClassRe.MatchString(selector) {
		s -= 0.30
	}
	depth := strings.Count(selector, " ") + strings.Count(selector, ">")
	s -= 0.08 * float64(depth)

	s = clamp01(s)
	h.stability.set(key, s)
	return s
}

var generatedClassRe = regexp.MustCompile(`\.(jsx|css|sc|emotion)?-?[a-zA-Z]*[0-9a-f]{5,}`)

func dedupe(in []Candidate) []Candidate {
	best := make(map[string]Candidate, len(in))
	order := make([]string, 0, len(in))
	for _, c := range in {
		prev, seen := best[c.Selector]
		if !seen {
			order = append(order, c.Selector)
			best[c.Selector] = c
			continue
		}
		if c.Score > prev.Score {
			best[c.Selector] = c
		}
	}
	out := make([]Candidate, 0, len(order))
	for _, sel := range order {
		out = append(out, best[sel])
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func bestSelectorOf(cs []Candidate) string {
	if len(cs) == 0 {
		return ""
	}
	return cs[0].Selector
}

func bestScoreOf(cs []Candidate) float64 {
	if len(cs) == 0 {
		return 0
	}
	return cs[0].Score
}

// structureProbeJS derives selectors from label elements and stable anchors
// near candidate elements of the given tag.
const structureProbeJS = `
(tag, text) => {
	const out = [];
	const push = (sel) => { if (sel && !out.includes(sel)) out.push(sel); };

	if (tag === 'input' || tag === 'select' || tag === 'textarea' || tag === '') {
		for (const label of Array.from(document.querySelectorAll('label'))) {
			const t = (label.innerText || '').trim();
			if (text && t && !t.toLowerCase().includes(text.toLowerCase())) continue;
			const forId = label.getAttribute('for');
			if (forId) push('#' + CSS.escape(forId));
			const nested = label.querySelector('input, select, textarea');
			if (nested && nested.name) push((nested.tagName.toLowerCase()) + '[name="' + nested.name + '"]');
		}
	}

	const anchors = Array.from(document.querySelectorAll('[id], [name], [data-testid]')).slice(0, 20);
	const containers = ['form', 'nav', 'main', 'article', 'section', '[role="main"]', '[role="navigation"]'];
	for (const container of containers) {
		if (tag && document.querySelector(container + ' ' + tag)) push(container + ' ' + tag);
	}
	for (const anchor of anchors) {
		if (!tag) break;
		const sib = anchor.parentElement && anchor.parentElement.querySelector(tag);
		if (!sib || sib === anchor) continue;
		if (anchor.id) push('#' + CSS.escape(anchor.id) + ' ~ ' + tag);
	}
	return out.slice(0, 8);
}
`

// visualProbeJS returns nth-of-type selectors for same-tag elements whose
// bounding box looks like an interactive control.
const visualProbeJS = `
(tag) => {
	const out = [];
	const els = Array.from(document.querySelectorAll(tag)).slice(0, 50);
	els.forEach((el, i) => {
		const r = el.getBoundingClientRect();
		const area = r.width * r.height;
		if (area < 100 || area > 250000) return;
		if (r.width < 10 || r.height < 10) return;
		out.push(tag + ':nth-of-type(' + (i + 1) + ')');
	});
	return out.slice(0, 5);
}
`
