package executor

import (
	"webpilot/internal/healer"
	"webpilot/internal/knowledge"
)

// KnowledgeSourceFor adapts the knowledge base to the healer's source
// interface. Returns nil for a nil base so the learned strategy stays off.
func KnowledgeSourceFor(kb *knowledge.KnowledgeBase) healer.KnowledgeSource {
	if kb == nil {
		return nil
	}
	return kbAdapter{kb: kb}
}

type kbAdapter struct{ kb *knowledge.KnowledgeBase }

func (a kbAdapter) BestSelector(site, selector string) (healer.LearnedSelector, bool) {
	h, ok := a.kb.BestSelector(site, selector)
	if !ok {
		return healer.LearnedSelector{}, false
	}
	return healer.LearnedSelector{
		Original:  h.OriginalSelector,
		Healed:    h.HealedSelector,
		Strategy:  h.Strategy,
		Successes: h.SuccessCount,
		Failures:  h.FailureCount,
	}, true
}

func (a kbAdapter) SelectorStability(site, selector string) float64 {
	return a.kb.SelectorStability(site, selector)
}
