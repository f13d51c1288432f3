package plan

import (
	"testing"

	"webpilot/internal/types"
)

func TestTargetSelectorRoundTrip(t *testing.T) {
	selectors := []string{
		"button[type='submit']",
		"#login",
		"xpath=//button[1]",
		"text=Sign in",
		"role=button",
		`[data-testid="submit"]`,
		"label=Email",
	}
	for _, sel := range selectors {
		got := TargetToSelector(SelectorToTarget(sel))
		if got != sel {
			t.Errorf("round trip %q -> %q", sel, got)
		}
	}
}

func TestSelectorToTargetStrategies(t *testing.T) {
	cases := []struct {
		sel  string
		want types.TargetStrategy
	}{
		{"div.item", types.StrategyCSS},
		{"xpath=//div", types.StrategyXPath},
		{"text=Hello", types.StrategyText},
		{"role=navigation", types.StrategyRole},
		{`[data-testid="cart"]`, types.StrategyTestID},
		{"label=Password", types.StrategyLabel},
	}
	for _, tc := range cases {
		if got := SelectorToTarget(tc.sel); got.Strategy != tc.want {
			t.Errorf("SelectorToTarget(%q).Strategy = %q, want %q", tc.sel, got.Strategy, tc.want)
		}
	}
}

func TestPlanMapsSteps(t *testing.T) {
	p := NewPlanner()
	actions := []types.CanonicalAction{{
		Intent: types.IntentSubmitLogin,
		Steps: []types.CanonicalStep{
			{Action: types.ActionNavigate, Value: "https://x.test/login"},
			{Action: types.ActionFill, Target: &types.Target{Strategy: types.StrategyCSS, Selector: "input[name='email']"}, Value: "a@b"},
			{Action: types.ActionClick, Target: &types.Target{Strategy: types.StrategyCSS, Selector: "button[type='submit']"}},
			{Action: types.ActionWaitFor, Target: &types.Target{Strategy: types.StrategyCSS, Selector: "#dashboard"}, Timeout: 5000},
		},
	}}

	cmds := p.Plan(actions)
	if len(cmds) != 4 {
		t.Fatalf("got %d commands, want 4", len(cmds))
	}
	if cmds[0].Kind != types.CmdGoto || cmds[0].Timeout != DefaultNavigationTimeout {
		t.Errorf("goto command wrong: %+v", cmds[0])
	}
	if cmds[1].Kind != types.CmdFill || cmds[1].Timeout != DefaultActionTimeout {
		t.Errorf("fill command wrong: %+v", cmds[1])
	}
	if cmds[2].Kind != types.CmdClick {
		t.Errorf("click command wrong: %+v", cmds[2])
	}
	if cmds[3].Kind != types.CmdWaitFor || cmds[3].Timeout != 5000 {
		t.Errorf("waitFor command wrong: %+v", cmds[3])
	}
}

func TestPlanDropsUnplannable(t *testing.T) {
	p := NewPlanner()
	actions := []types.CanonicalAction{{
		Intent: types.IntentGenericAction,
		Steps: []types.CanonicalStep{
			{Action: types.ActionClick}, // no target: dropped
			{Action: types.ActionAssert, Value: "#done"},
			{Action: types.ActionPress, Value: "Enter"}, // defaults to body
		},
	}}
	cmds := p.Plan(actions)
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	if cmds[0].Kind != types.CmdPress || cmds[0].Selector != "body" || cmds[0].Key != "Enter" {
		t.Errorf("press command wrong: %+v", cmds[0])
	}
}

func TestCommandCritical(t *testing.T) {
	critical := []types.CommandKind{types.CmdGoto, types.CmdClick, types.CmdFill}
	for _, k := range critical {
		if !(types.Command{Kind: k}).Critical() {
			t.Errorf("%s should be critical", k)
		}
	}
	for _, k := range []types.CommandKind{types.CmdWaitFor, types.CmdHover, types.CmdScroll, types.CmdPress, types.CmdSelectOption} {
		if (types.Command{Kind: k}).Critical() {
			t.Errorf("%s should not be critical", k)
		}
	}
}
