package intelligence

import (
	"context"
	"testing"

	"webpilot/internal/analyzer"
	"webpilot/internal/knowledge"
	"webpilot/internal/recording"
	"webpilot/internal/strategy"
	"webpilot/internal/types"
)

func TestDecideCloudflare(t *testing.T) {
	e := New(nil, strategy.NewManager(strategy.NewAdaptiveRetry()))
	d := e.Decide(analyzer.Analysis{State: analyzer.StateCloudflare}, "x.test", "")
	if d.Action != ActionWait || d.WaitTime != 5000 || !d.RetryAfter || d.MaxRetries != 3 {
		t.Errorf("cloudflare decision = %+v", d)
	}
}

func TestDecideCaptchaPauses(t *testing.T) {
	e := New(nil, nil)
	d := e.Decide(analyzer.Analysis{State: analyzer.StateCaptcha}, "x.test", "")
	if d.Action != ActionPause || !d.RequiresHuman {
		t.Errorf("captcha decision = %+v", d)
	}
}

func TestDecideErrorPages(t *testing.T) {
	e := New(nil, nil)
	cases := []struct {
		errType string
		action  DecisionAction
	}{
		{analyzer.ErrorPage404, ActionNavigateBack},
		{analyzer.ErrorPage500, ActionWait},
		{analyzer.ErrorPageTimeout, ActionWait},
		{analyzer.ErrorPage403, ActionPause},
	}
	for _, tc := range cases {
		d := e.Decide(analyzer.Analysis{State: analyzer.StateError, ErrorType: tc.errType}, "x.test", "")
		if d.Action != tc.action {
			t.Errorf("error %s: action = %s, want %s", tc.errType, d.Action, tc.action)
		}
	}
	d := e.Decide(analyzer.Analysis{State: analyzer.StateError, ErrorType: analyzer.ErrorPage500}, "x.test", "")
	if d.WaitTime != 3000 || d.MaxRetries != 2 {
		t.Errorf("500 retry parameters = %+v", d)
	}
}

func TestDecideLoading(t *testing.T) {
	e := New(nil, nil)
	d := e.Decide(analyzer.Analysis{State: analyzer.StateLoading}, "x.test", "")
	if d.Action != ActionWait || d.WaitTime != 2000 || d.MaxRetries != 5 {
		t.Errorf("loading decision = %+v", d)
	}
}

func TestDecideWrongPageKnownURL(t *testing.T) {
	kb := knowledge.New(knowledge.NewFileStore(t.TempDir()))
	if err := kb.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := &recording.Normalized{
		Steps: []recording.NormalizedStep{{Type: recording.StepNavigate, URL: "https://x.test/inbox"}},
	}
	action := types.CanonicalAction{
		Intent: types.IntentNavigate,
		Steps:  []types.CanonicalStep{{Action: types.ActionNavigate, Value: "https://x.test/inbox"}},
	}
	kb.LearnFromJob("x.test", []types.CanonicalAction{action}, &types.ExecutionResult{Status: "success"}, rec)

	e := New(kb, nil)
	d := e.Decide(analyzer.Analysis{State: analyzer.StateWrongPage, URL: "https://x.test/inbox"}, "x.test", "https://x.test/dashboard")
	if d.Action != ActionContinue {
		t.Errorf("known url decision = %+v", d)
	}
	if len(d.KnownIntents) == 0 {
		t.Error("learned intents not forwarded")
	}
}

func TestDecideWrongPageUnknownURL(t *testing.T) {
	e := New(nil, nil)
	d := e.Decide(analyzer.Analysis{State: analyzer.StateWrongPage, URL: "https://x.test/oops"}, "x.test", "https://x.test/dashboard")
	if d.Action != ActionNavigate || d.TargetURL != "https://x.test/dashboard" {
		t.Errorf("unknown url decision = %+v", d)
	}

	d = e.Decide(analyzer.Analysis{State: analyzer.StateWrongPage, URL: "https://x.test/oops"}, "x.test", "")
	if d.Action != ActionNavigateBack {
		t.Errorf("no expected url decision = %+v", d)
	}
}

func TestDecideReady(t *testing.T) {
	e := New(nil, nil)
	d := e.Decide(analyzer.Analysis{State: analyzer.StateReady}, "x.test", "")
	if d.Action != ActionContinue {
		t.Errorf("ready decision = %+v", d)
	}
}

func TestCloudflareLearnedWait(t *testing.T) {
	sm := strategy.NewManager(strategy.NewAdaptiveRetry())
	e := New(nil, sm)

	// Establish a working wait pattern, then expect the longer learned wait.
	for i := 0; i < 3; i++ {
		sm.RecordChallenge("x.test", strategy.ChallengeCloudflare, "login", "wait")
		sm.RecordChallengeOutcome("x.test", strategy.ChallengeCloudflare, true)
	}
	d := e.Decide(analyzer.Analysis{State: analyzer.StateCloudflare}, "x.test", "")
	if d.WaitTime != 10000 {
		t.Errorf("learned wait = %d, want 10000", d.WaitTime)
	}
}
