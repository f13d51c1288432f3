// Package plan maps canonical actions to driver-agnostic command sequences
// and owns the target/selector encoding.
package plan

import (
	"fmt"
	"strings"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// Default command timeouts in milliseconds.
const (
	DefaultNavigationTimeout = 30000
	DefaultActionTimeout     = 10000
)

// Planner translates canonical steps into planned commands.
type Planner struct{}

// NewPlanner creates a command planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan maps every step of every action into commands, in order. Steps that
// cannot be planned (assert, click without target) are dropped here; the
// executor falls back to the original transcript for those.
func (p *Planner) Plan(actions []types.CanonicalAction) []types.Command {
	var commands []types.Command
	for _, action := range actions {
		for _, step := range action.Steps {
			cmd, ok := p.planStep(action.Intent, step)
			if !ok {
				logging.PipelineDebug("Dropped step %s (intent=%s) from plan", step.Action, action.Intent)
				continue
			}
			commands = append(commands, cmd)
		}
	}
	return commands
}

func (p *Planner) planStep(intent string, step types.CanonicalStep) (types.Command, bool) {
	timeout := step.Timeout

	switch step.Action {
	case types.ActionNavigate:
		if timeout == 0 {
			timeout = DefaultNavigationTimeout
		}
		return types.Command{Kind: types.CmdGoto, URL: step.Value, Timeout: timeout, Intent: intent}, true

	case types.ActionFill:
		sel := targetSelector(step.Target)
		if sel == "" {
			return types.Command{}, false
		}
		if timeout == 0 {
			timeout = DefaultActionTimeout
		}
		return types.Command{Kind: types.CmdFill, Selector: sel, Value: step.Value, Timeout: timeout, Intent: intent}, true

	case types.ActionClick:
		sel := targetSelector(step.Target)
		if sel == "" {
			// Executor attempts fallback via the original transcript.
			return types.Command{}, false
		}
		if timeout == 0 {
			timeout = DefaultActionTimeout
		}
		return types.Command{Kind: types.CmdClick, Selector: sel, Timeout: timeout, Intent: intent}, true

	case types.ActionWaitFor:
		// Empty selector means a plain sleep for the declared timeout.
		return types.Command{Kind: types.CmdWaitFor, Selector: targetSelector(step.Target), Timeout: timeout, Intent: intent}, true

	case types.ActionSelect:
		sel := targetSelector(step.Target)
		if sel == "" {
			return types.Command{}, false
		}
		return types.Command{Kind: types.CmdSelectOption, Selector: sel, Value: step.Value, Timeout: timeout, Intent: intent}, true

	case types.ActionPress:
		sel := targetSelector(step.Target)
		if sel == "" {
			sel = "body"
		}
		return types.Command{Kind: types.CmdPress, Selector: sel, Key: step.Value, Timeout: timeout, Intent: intent}, true

	case types.ActionHover:
		sel := targetSelector(step.Target)
		if sel == "" {
			return types.Command{}, false
		}
		return types.Command{Kind: types.CmdHover, Selector: sel, Timeout: timeout, Intent: intent}, true

	case types.ActionScroll:
		var x, y float64
		if step.Options != nil {
			x, _ = step.Options["x"].(float64)
			y, _ = step.Options["y"].(float64)
		}
		return types.Command{Kind: types.CmdScroll, X: x, Y: y, Intent: intent}, true

	case types.ActionAssert:
		// Verification happens in the executor / task executor.
		return types.Command{}, false
	}
	return types.Command{}, false
}

func targetSelector(t *types.Target) string {
	if t == nil {
		return ""
	}
	return TargetToSelector(*t)
}

// TargetToSelector encodes an abstract target into a single selector string.
func TargetToSelector(t types.Target) string {
	switch t.Strategy {
	case types.StrategyCSS:
		return t.Selector
	case types.StrategyXPath:
		return "xpath=" + t.Selector
	case types.StrategyText:
		return "text=" + t.Value
	case types.StrategyRole:
		return "role=" + t.Value
	case types.StrategyTestID:
		return fmt.Sprintf("[data-testid=%q]", t.Value)
	case types.StrategyLabel:
		return "label=" + t.Value
	}
	return t.Selector
}

// SelectorToTarget decodes a selector string back into an abstract target.
// TargetToSelector(SelectorToTarget(s)) == s for the supported strategies.
func SelectorToTarget(sel string) types.Target {
	switch {
	case strings.HasPrefix(sel, "xpath="):
		return types.Target{Strategy: types.StrategyXPath, Selector: strings.TrimPrefix(sel, "xpath=")}
	case strings.HasPrefix(sel, "text="):
		return types.Target{Strategy: types.StrategyText, Value: strings.TrimPrefix(sel, "text=")}
	case strings.HasPrefix(sel, "role="):
		return types.Target{Strategy: types.StrategyRole, Value: strings.TrimPrefix(sel, "role=")}
	case strings.HasPrefix(sel, "label="):
		return types.Target{Strategy: types.StrategyLabel, Value: strings.TrimPrefix(sel, "label=")}
	case strings.HasPrefix(sel, `[data-testid="`) && strings.HasSuffix(sel, `"]`):
		v := strings.TrimSuffix(strings.TrimPrefix(sel, `[data-testid="`), `"]`)
		return types.Target{Strategy: types.StrategyTestID, Value: v}
	}
	return types.Target{Strategy: types.StrategyCSS, Selector: sel}
}
