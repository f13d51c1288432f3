// Package intent chunks normalised transcripts at navigation, assertion, and
// submit boundaries, labels each chunk with an intent tag, and emits
// canonical actions.
package intent

import (
	"context"
	"strings"

	"webpilot/internal/logging"
	"webpilot/internal/recording"
	"webpilot/internal/types"
)

// Confidence levels for the two classification paths.
const (
	patternConfidence = 0.7
	llmConfidence     = 0.9
)

var submitLexicon = []string{"submit", "sign in", "login"}

// Refiner optionally re-labels a chunk with an LLM. Implementations return
// the refined intent tag, or "" to keep the pattern result.
type Refiner interface {
	RefineIntent(ctx context.Context, summary ChunkSummary, patternIntent string) (string, error)
}

// ChunkSummary is the compact chunk description given to a Refiner.
type ChunkSummary struct {
	StepKinds []string `json:"stepKinds"`
	Selectors []string `json:"selectors"`
	URLs      []string `json:"urls"`
	Texts     []string `json:"texts"`
}

// Extractor turns normalised steps into intent-labelled canonical actions.
type Extractor struct {
	refiner Refiner
}

// NewExtractor creates an extractor. refiner may be nil, in which case only
// pattern classification is used.
func NewExtractor(refiner Refiner) *Extractor {
	return &Extractor{refiner: refiner}
}

// Extract chunks the transcript and emits one canonical action per chunk.
func (e *Extractor) Extract(ctx context.Context, n *recording.Normalized, meta recording.Metadata) []types.CanonicalAction {
	timer := logging.StartTimer(logging.CategoryIntent, "Extract")
	defer timer.Stop()

	chunks := chunkSteps(n.Steps)
	actions := make([]types.CanonicalAction, 0, len(chunks))

	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		intentTag := classifyChunk(chunk)
		confidence := patternConfidence
		source := "pattern"

		if e.refiner != nil {
			refined, err := e.refiner.RefineIntent(ctx, summarize(chunk), intentTag)
			if err != nil {
				logging.Get(logging.CategoryIntent).Warn("intent refiner failed: %v", err)
			} else if refined != "" {
				intentTag = refined
				confidence = llmConfidence
				source = "llm"
			}
		}

		steps := translateChunk(chunk)
		if len(steps) == 0 {
			continue
		}

		logging.IntentDebug("Chunk classified: intent=%s steps=%d source=%s", intentTag, len(steps), source)
		actions = append(actions, types.CanonicalAction{
			Intent: intentTag,
			Steps:  steps,
			Metadata: types.ActionMetadata{
				Source:     source,
				Site:       meta.Site,
				Confidence: confidence,
			},
		})
	}
	return actions
}

// chunkSteps splits steps into chunks. A new chunk starts at every navigate
// that is not the first step; a chunk closes after every assert and after
// every submit-looking click. The remaining tail forms a final chunk.
func chunkSteps(steps []recording.NormalizedStep) [][]recording.NormalizedStep {
	var chunks [][]recording.NormalizedStep
	var current []recording.NormalizedStep

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
		}
	}

	for i, step := range steps {
		if step.Type == recording.StepNavigate && i != 0 {
			flush()
		}
		current = append(current, step)
		if step.Type == recording.StepAssert || isSubmitClick(step) {
			flush()
		}
	}
	flush()
	return chunks
}

func isSubmitClick(step recording.NormalizedStep) bool {
	if step.Type != recording.StepClick {
		return false
	}
	text := strings.ToLower(step.Text)
	for _, word := range submitLexicon {
		if text != "" && strings.Contains(text, word) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(step.Selector), "submit")
}

// classifyChunk applies the pattern classifier in its documented priority.
func classifyChunk(chunk []recording.NormalizedStep) string {
	var (
		hasInput          bool
		hasAssert         bool
		inputBeforeSubmit bool
		sawInput          bool
	)

	for _, step := range chunk {
		sel := strings.ToLower(step.Selector)
		switch step.Type {
		case recording.StepInput:
			hasInput = true
			sawInput = true
			if strings.Contains(sel, "password") || strings.Contains(sel, "pwd") {
				return types.IntentSubmitLogin
			}
		case recording.StepClick:
			if sawInput && isSubmitClick(step) {
				inputBeforeSubmit = true
			}
		case recording.StepAssert:
			hasAssert = true
		}
	}

	if inputBeforeSubmit {
		return types.IntentSubmitForm
	}
	for _, step := range chunk {
		sel := strings.ToLower(step.Selector)
		if strings.Contains(sel, "search") || strings.Contains(sel, "query") {
			return types.IntentSearch
		}
	}
	if len(chunk) == 1 && chunk[0].Type == recording.StepNavigate {
		return types.IntentNavigate
	}
	if hasAssert && !hasInput {
		return types.IntentScrapeList
	}
	for _, step := range chunk {
		if step.Type == recording.StepInput && strings.Contains(strings.ToLower(step.Selector), "textarea") {
			return types.IntentPostMessage
		}
	}
	return types.IntentGenericAction
}

// translateChunk maps raw steps to canonical steps. Scrape steps stay in the
// transcript; the task executor extracts data from them directly.
func translateChunk(chunk []recording.NormalizedStep) []types.CanonicalStep {
	var out []types.CanonicalStep
	for _, step := range chunk {
		switch step.Type {
		case recording.StepNavigate:
			out = append(out, types.CanonicalStep{Action: types.ActionNavigate, Value: step.URL})
		case recording.StepInput:
			out = append(out, types.CanonicalStep{
				Action: types.ActionFill,
				Target: cssTarget(step),
				Value:  step.Value,
			})
		case recording.StepClick:
			out = append(out, types.CanonicalStep{Action: types.ActionClick, Target: cssTarget(step)})
		case recording.StepWaitForSelector:
			out = append(out, types.CanonicalStep{
				Action:  types.ActionWaitFor,
				Target:  cssTarget(step),
				Timeout: step.Timeout,
			})
		case recording.StepWaitForTimeout, recording.StepWait, recording.StepPause:
			out = append(out, types.CanonicalStep{Action: types.ActionWaitFor, Timeout: step.Timeout})
		case recording.StepAssert:
			out = append(out, types.CanonicalStep{Action: types.ActionAssert, Value: step.Selector})
		case recording.StepScroll:
			out = append(out, types.CanonicalStep{
				Action:  types.ActionScroll,
				Options: map[string]interface{}{"x": step.OffsetX, "y": step.OffsetY},
			})
		case recording.StepKeyDown:
			out = append(out, types.CanonicalStep{Action: types.ActionPress, Target: cssTarget(step), Value: step.Key})
		case recording.StepKeyUp, recording.StepScrape:
			// keyUp is subsumed by press; scrape is executed from the transcript.
		}
	}
	return out
}

func cssTarget(step recording.NormalizedStep) *types.Target {
	if step.Selector == "" {
		return nil
	}
	t := types.Target{Strategy: types.StrategyCSS, Selector: step.Selector}
	for _, alt := range step.Alternatives {
		if alt == step.Selector {
			continue
		}
		t.Fallbacks = append(t.Fallbacks, types.Target{Strategy: types.StrategyCSS, Selector: alt})
	}
	return &t
}

func summarize(chunk []recording.NormalizedStep) ChunkSummary {
	var s ChunkSummary
	for _, step := range chunk {
		s.StepKinds = append(s.StepKinds, string(step.Type))
		if step.Selector != "" {
			s.Selectors = append(s.Selectors, step.Selector)
		}
		if step.URL != "" {
			s.URLs = append(s.URLs, step.URL)
		}
		if step.Text != "" {
			s.Texts = append(s.Texts, step.Text)
		}
	}
	return s
}
