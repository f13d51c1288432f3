// Package intelligence turns page classifications into execution decisions:
// keep going, wait and retry, navigate away, or hand over to a human.
package intelligence

import (
	"webpilot/internal/analyzer"
	"webpilot/internal/knowledge"
	"webpilot/internal/logging"
	"webpilot/internal/strategy"
)

// DecisionAction is what the executor should do next.
type DecisionAction string

const (
	ActionContinue     DecisionAction = "continue"
	ActionWait         DecisionAction = "wait"
	ActionNavigate     DecisionAction = "navigate"
	ActionNavigateBack DecisionAction = "navigate_back"
	ActionPause        DecisionAction = "pause"
	ActionAbort        DecisionAction = "abort"
)

// Decision is the engine's verdict for one page snapshot.
type Decision struct {
	Action        DecisionAction `json:"action"`
	WaitTime      int            `json:"waitTimeMs,omitempty"`
	RetryAfter    bool           `json:"retryAfter,omitempty"`
	MaxRetries    int            `json:"maxRetries,omitempty"`
	RequiresHuman bool           `json:"requiresHuman,omitempty"`
	TargetURL     string         `json:"targetUrl,omitempty"`
	Reason        string         `json:"reason"`

	// Learned context forwarded on continue-from-known-URL.
	KnownIntents   []string       `json:"knownIntents,omitempty"`
	KnownSelectors map[string]int `json:"knownSelectors,omitempty"`
}

// Engine decides recovery actions from analyses, consulting learned challenge
// patterns and URL knowledge.
type Engine struct {
	knowledge *knowledge.KnowledgeBase
	strategy  *strategy.Manager
}

// New creates an engine. Both collaborators may be nil in tests.
func New(kb *knowledge.KnowledgeBase, sm *strategy.Manager) *Engine {
	return &Engine{knowledge: kb, strategy: sm}
}

// Decide maps an analysis to a decision. expectedURL is where the plan thinks
// the page should be, used for wrong_page recovery.
func (e *Engine) Decide(a analyzer.Analysis, site, expectedURL string) Decision {
	d := e.decide(a, site, expectedURL)
	logging.PipelineDebug("Decision for %s state %s: %s (%s)", a.URL, a.State, d.Action, d.Reason)
	return d
}

func (e *Engine) decide(a analyzer.Analysis, site, expectedURL string) Decision {
	switch a.State {
	case analyzer.StateCloudflare:
		e.recordChallenge(site, strategy.ChallengeCloudflare, "wait")
		wait := 5000
		if learned := e.learnedWait(site, strategy.ChallengeCloudflare); learned > 0 {
			wait = learned
		}
		return Decision{
			Action:     ActionWait,
			WaitTime:   wait,
			RetryAfter: true,
			MaxRetries: 3,
			Reason:     "cloudflare challenge detected",
		}

	case analyzer.StateCaptcha:
		e.recordChallenge(site, strategy.ChallengeCaptcha, "pause")
		return Decision{
			Action:        ActionPause,
			RequiresHuman: true,
			Reason:        "captcha requires human interaction",
		}

	case analyzer.StateError:
		return e.decideError(a, site)

	case analyzer.StateLoading:
		return Decision{
			Action:     ActionWait,
			WaitTime:   2000,
			RetryAfter: true,
			MaxRetries: 5,
			Reason:     "page still loading",
		}

	case analyzer.StateWrongPage:
		return e.decideWrongPage(a, expectedURL)

	default:
		return Decision{Action: ActionContinue, Reason: "page ready"}
	}
}

func (e *Engine) decideError(a analyzer.Analysis, site string) Decision {
	switch a.ErrorType {
	case analyzer.ErrorPage404:
		return Decision{Action: ActionNavigateBack, Reason: "404 page"}
	case analyzer.ErrorPage500, analyzer.ErrorPageTimeout:
		return Decision{
			Action:     ActionWait,
			WaitTime:   3000,
			RetryAfter: true,
			MaxRetries: 2,
			Reason:     "transient server error",
		}
	case analyzer.ErrorPage403:
		e.recordChallenge(site, strategy.ChallengeBlocked, "pause")
		return Decision{Action: ActionPause, RequiresHuman: true, Reason: "access denied"}
	default:
		return Decision{
			Action:     ActionWait,
			WaitTime:   3000,
			RetryAfter: true,
			MaxRetries: 2,
			Reason:     "unclassified error page",
		}
	}
}

// decideWrongPage keeps going when the current URL is a known URL with a good
// track record; otherwise it navigates to the expected URL, or back.
func (e *Engine) decideWrongPage(a analyzer.Analysis, expectedURL string) Decision {
	if e.knowledge != nil {
		if p, ok := e.knowledge.GetKnownURL(a.URL); ok && p.SuccessRate > 0.5 {
			return Decision{
				Action:         ActionContinue,
				Reason:         "known url with good success rate",
				KnownIntents:   p.Intents,
				KnownSelectors: p.Selectors,
			}
		}
	}
	if expectedURL != "" {
		return Decision{Action: ActionNavigate, TargetURL: expectedURL, Reason: "navigating to expected url"}
	}
	return Decision{Action: ActionNavigateBack, Reason: "wrong page with no expected url"}
}

func (e *Engine) recordChallenge(site string, kind strategy.ChallengeType, recovery string) {
	if e.strategy == nil || site == "" {
		return
	}
	e.strategy.RecordChallenge(site, kind, "", recovery)
}

// learnedWait returns a longer wait when this challenge is an established
// pattern whose wait recovery has been working.
func (e *Engine) learnedWait(site string, kind strategy.ChallengeType) int {
	if e.strategy == nil || site == "" {
		return 0
	}
	for _, p := range e.strategy.Patterns(site) {
		if p.ChallengeType != kind || p.RecoveryStrategy != "wait" {
			continue
		}
		if p.Occurrences >= 3 && p.SuccessRate > 0.5 {
			return 10000
		}
	}
	return 0
}
