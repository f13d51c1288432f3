// Package skill annotates canonical actions with declared inputs/outputs,
// retry policies, safety checks, and rate limits, reusing learned templates
// when they have proven themselves.
package skill

import (
	"fmt"
	"regexp"
	"strings"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// templateReuseThreshold is the observed success rate above which a learned
// template's policy is preferred over the generated defaults.
const templateReuseThreshold = 0.7

var templateVarRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// TemplateSource exposes learned skill templates. The knowledge base
// implements it.
type TemplateSource interface {
	SkillTemplate(intent string) (spec types.SkillSpec, successRate float64, ok bool)
}

// Generator produces skill specs from canonical actions.
type Generator struct {
	templates TemplateSource
}

// NewGenerator creates a generator. templates may be nil.
func NewGenerator(templates TemplateSource) *Generator {
	return &Generator{templates: templates}
}

// Generate builds one SkillSpec per canonical action.
func (g *Generator) Generate(actions []types.CanonicalAction) []types.SkillSpec {
	specs := make([]types.SkillSpec, 0, len(actions))
	for i, action := range actions {
		specs = append(specs, g.generateOne(i, action))
	}
	return specs
}

func (g *Generator) generateOne(index int, action types.CanonicalAction) types.SkillSpec {
	if g.templates != nil {
		if tpl, rate, ok := g.templates.SkillTemplate(action.Intent); ok && rate > templateReuseThreshold {
			logging.PipelineDebug("Reusing learned template for intent %s (success rate %.2f)", action.Intent, rate)
			tpl.Steps = action.Steps
			tpl.Name = skillName(index, action.Intent)
			return tpl
		}
	}

	spec := types.SkillSpec{
		Name:         skillName(index, action.Intent),
		Description:  fmt.Sprintf("%s on %s", action.Intent, action.Metadata.Site),
		Inputs:       inferInputs(action),
		Outputs:      inferOutputs(action.Intent),
		Steps:        action.Steps,
		RetryPolicy:  defaultRetryPolicy(action.Intent),
		SafetyChecks: defaultSafetyChecks(action.Intent),
		RateLimit:    defaultRateLimit(action.Intent),
	}
	return spec
}

func skillName(index int, intent string) string {
	return fmt.Sprintf("%s-%d", intent, index)
}

// inferInputs collects {{var}} template variables from step values, plus the
// well-known inputs implied by the intent.
func inferInputs(action types.CanonicalAction) []string {
	seen := map[string]bool{}
	var inputs []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			inputs = append(inputs, name)
		}
	}

	for _, step := range action.Steps {
		for _, m := range templateVarRe.FindAllStringSubmatch(step.Value, -1) {
			add(m[1])
		}
	}
	if action.Intent == types.IntentSubmitLogin {
		add("email")
		add("password")
	}
	return inputs
}

func inferOutputs(intent string) []string {
	switch intent {
	case types.IntentSubmitLogin:
		return []string{"success", "session"}
	case types.IntentSearch:
		return []string{"results"}
	case types.IntentScrapeList:
		return []string{"items"}
	}
	return nil
}

func defaultRetryPolicy(intent string) types.RetryPolicy {
	switch intent {
	case types.IntentNavigate, types.IntentSubmitLogin:
		return types.RetryPolicy{MaxRetries: 3, Backoff: types.BackoffExponential, DelayMs: 1000}
	}
	return types.RetryPolicy{MaxRetries: 2, Backoff: types.BackoffLinear, DelayMs: 500}
}

func defaultSafetyChecks(intent string) []string {
	checks := []string{"page-state"}
	switch intent {
	case types.IntentSubmitLogin:
		checks = append(checks, "no-captcha", "single-submission")
	case types.IntentPostMessage:
		checks = append(checks, "single-submission")
	}
	return checks
}

func defaultRateLimit(intent string) *types.RateLimit {
	switch intent {
	case types.IntentSubmitLogin, types.IntentPostMessage:
		return &types.RateLimit{PerHost: 5, Global: 10, WindowSec: 60}
	case types.IntentSearch, types.IntentScrapeList:
		return &types.RateLimit{PerHost: 10, Global: 20, WindowSec: 60}
	}
	return nil
}

// BindInputs substitutes {{var}} template variables in step values with the
// supplied parameters. Unbound variables are left in place.
func BindInputs(steps []types.CanonicalStep, params map[string]string) []types.CanonicalStep {
	if len(params) == 0 {
		return steps
	}
	out := make([]types.CanonicalStep, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Value = templateVarRe.ReplaceAllStringFunc(out[i].Value, func(match string) string {
			name := strings.Trim(match, "{} \t")
			if v, ok := params[name]; ok {
				return v
			}
			return match
		})
	}
	return out
}
