package knowledge

import (
	"context"
	"testing"

	"webpilot/internal/recording"
	"webpilot/internal/types"
)

func newTestKB(t *testing.T) *KnowledgeBase {
	t.Helper()
	kb := New(NewFileStore(t.TempDir()))
	if err := kb.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return kb
}

func loginAction() types.CanonicalAction {
	return types.CanonicalAction{
		Intent: types.IntentSubmitLogin,
		Steps: []types.CanonicalStep{
			{Action: types.ActionNavigate, Value: "https://x.test/login"},
			{Action: types.ActionFill, Target: &types.Target{Strategy: types.StrategyCSS, Selector: "#email"}, Value: "{{email}}"},
			{Action: types.ActionFill, Target: &types.Target{Strategy: types.StrategyCSS, Selector: "#password"}, Value: "{{password}}"},
			{Action: types.ActionClick, Target: &types.Target{Strategy: types.StrategyCSS, Selector: "button[type=submit]"}},
		},
	}
}

func successResult() *types.ExecutionResult {
	return &types.ExecutionResult{
		Status: "success",
		Commands: []types.CommandRecord{
			{Command: types.Command{Kind: types.CmdGoto, URL: "https://x.test/login"}, Status: types.CommandSuccess},
			{Command: types.Command{Kind: types.CmdFill, Selector: "#email"}, Status: types.CommandSuccess},
			{Command: types.Command{Kind: types.CmdFill, Selector: "#password"}, Status: types.CommandSuccess},
			{Command: types.Command{Kind: types.CmdClick, Selector: "button[type=submit]"}, Status: types.CommandSuccess},
		},
	}
}

func TestLearnFromJobUpdatesAllAggregates(t *testing.T) {
	kb := newTestKB(t)
	rec := &recording.Normalized{
		Steps: []recording.NormalizedStep{{Type: recording.StepNavigate, URL: "https://x.test/login"}},
	}
	actions := []types.CanonicalAction{loginAction()}
	kb.LearnFromJob("x.test", actions, successResult(), rec)

	h, ok := kb.BestSelector("x.test", "#email")
	if !ok {
		t.Fatal("no history for #email")
	}
	if h.SuccessCount != 1 || h.FailureCount != 0 {
		t.Errorf("history = %+v", h)
	}
	if h.SuccessCount+h.FailureCount == 0 {
		t.Error("history with zero counts after update")
	}

	spec, rate, ok := kb.SkillTemplate(types.IntentSubmitLogin)
	if !ok {
		t.Fatal("no template learned")
	}
	if rate != 1.0 || len(spec.Steps) != 4 {
		t.Errorf("template rate=%.2f steps=%d", rate, len(spec.Steps))
	}

	p, ok := kb.SitePatternFor("x.test")
	if !ok {
		t.Fatal("no site pattern")
	}
	if p.CommonIntents[types.IntentSubmitLogin] != 1 || p.TotalJobs != 1 || p.SuccessRate != 1.0 {
		t.Errorf("site pattern = %+v", p)
	}

	u, ok := kb.GetKnownURL("https://x.test/login")
	if !ok {
		t.Fatal("no url pattern")
	}
	if u.UsageCount != 1 || u.SuccessRate != 1.0 {
		t.Errorf("url pattern = %+v", u)
	}
}

func TestTemplateRunningMeanAndStepReplacement(t *testing.T) {
	kb := newTestKB(t)
	action := loginAction()

	kb.LearnFromJob("x.test", []types.CanonicalAction{action}, successResult(), nil)
	failed := &types.ExecutionResult{Status: "failed"}
	kb.LearnFromJob("x.test", []types.CanonicalAction{action}, failed, nil)

	_, rate, ok := kb.SkillTemplate(types.IntentSubmitLogin)
	if !ok {
		t.Fatal("no template")
	}
	if rate != 0.5 {
		t.Errorf("running mean = %.2f, want 0.5", rate)
	}

	// Failed jobs must not wipe remembered steps.
	spec, _, _ := kb.SkillTemplate(types.IntentSubmitLogin)
	if len(spec.Steps) != 4 {
		t.Errorf("steps lost on failure: %d", len(spec.Steps))
	}
}

func TestBestSelectorPrefersHighestRate(t *testing.T) {
	kb := newTestKB(t)
	kb.RecordHealedSelector("x.test", ".broken", "#good", "stable-attribute", true)
	kb.RecordHealedSelector("x.test", ".broken", "#good", "stable-attribute", true)
	kb.RecordHealedSelector("x.test", ".broken", "#meh", "text", false)

	h, ok := kb.BestSelector("x.test", ".broken")
	if !ok {
		t.Fatal("no best selector")
	}
	if h.HealedSelector != "#good" {
		t.Errorf("best = %+v", h)
	}

	// Lookup by the healed selector finds the same entry.
	h2, ok := kb.BestSelector("x.test", "#good")
	if !ok || h2.HealedSelector != "#good" {
		t.Errorf("lookup by healed selector failed: %+v ok=%v", h2, ok)
	}
}

func TestSelectorStabilityWeightsByUses(t *testing.T) {
	kb := newTestKB(t)
	kb.RecordSelectorSuccess("x.test", "#once")
	if got := kb.SelectorStability("x.test", "#once"); got != 0.1 {
		t.Errorf("single use stability = %.2f, want 0.1", got)
	}
	for i := 0; i < 10; i++ {
		kb.RecordSelectorSuccess("x.test", "#often")
	}
	if got := kb.SelectorStability("x.test", "#often"); got != 1.0 {
		t.Errorf("ten-use stability = %.2f, want 1.0", got)
	}
	if got := kb.SelectorStability("x.test", "#unknown"); got != 0 {
		t.Errorf("unknown selector stability = %.2f", got)
	}
}

func TestGetKnownURLNormalises(t *testing.T) {
	kb := newTestKB(t)
	rec := &recording.Normalized{
		Steps: []recording.NormalizedStep{{Type: recording.StepNavigate, URL: "https://x.test/path?q=1"}},
	}
	kb.LearnFromJob("x.test", []types.CanonicalAction{loginAction()}, successResult(), rec)

	if _, ok := kb.GetKnownURL("https://x.test/path?q=1"); !ok {
		t.Error("exact lookup failed")
	}
	// Same scheme://host/path with a different query still matches.
	if _, ok := kb.GetKnownURL("https://x.test/path?q=2"); !ok {
		t.Error("normalised lookup failed")
	}
	if _, ok := kb.GetKnownURL("https://x.test/other"); ok {
		t.Error("unrelated path matched")
	}
}

func TestFlushAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kb := New(NewFileStore(dir))
	if err := kb.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	kb.LearnFromJob("x.test", []types.CanonicalAction{loginAction()}, successResult(), nil)
	if err := kb.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded := New(NewFileStore(dir))
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.BestSelector("x.test", "#email"); !ok {
		t.Error("selector history lost across restart")
	}
	if _, _, ok := reloaded.SkillTemplate(types.IntentSubmitLogin); !ok {
		t.Error("skill template lost across restart")
	}
	if _, ok := reloaded.SitePatternFor("x.test"); !ok {
		t.Error("site pattern lost across restart")
	}
}
