package intent

import (
	"context"
	"testing"

	"webpilot/internal/recording"
	"webpilot/internal/types"
)

func normalize(t *testing.T, steps []recording.Step, url string) (*recording.Normalized, recording.Metadata) {
	t.Helper()
	p := recording.NewPreprocessor()
	n, err := p.Normalize(&recording.Transcript{URL: url, Steps: steps})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return n, p.ExtractMetadata(n)
}

func TestExtractLoginChunking(t *testing.T) {
	n, meta := normalize(t, []recording.Step{
		{Type: "navigate", URL: "https://x.test/login"},
		{Type: "input", Selector: "input[name='email']", Value: "a@b"},
		{Type: "input", Selector: "input[type='password']", Value: "p"},
		{Type: "click", Selector: "button[type='submit']"},
		{Type: "waitForSelector", Selector: "#dashboard"},
	}, "https://x.test/login")

	actions := NewExtractor(nil).Extract(context.Background(), n, meta)
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.Intent != types.IntentSubmitLogin {
		t.Errorf("intent = %q, want submit-login", a.Intent)
	}
	if a.Metadata.Site != "x.test" {
		t.Errorf("site = %q, want x.test", a.Metadata.Site)
	}
	if a.Metadata.Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", a.Metadata.Confidence)
	}
	wantActions := []types.ActionType{
		types.ActionNavigate, types.ActionFill, types.ActionFill, types.ActionClick, types.ActionWaitFor,
	}
	if len(a.Steps) != len(wantActions) {
		t.Fatalf("got %d steps, want %d", len(a.Steps), len(wantActions))
	}
	for i, want := range wantActions {
		if a.Steps[i].Action != want {
			t.Errorf("step %d = %q, want %q", i, a.Steps[i].Action, want)
		}
	}
}

func TestChunkBoundaries(t *testing.T) {
	n, meta := normalize(t, []recording.Step{
		{Type: "navigate", URL: "https://x.test/"},
		{Type: "click", Selector: "a.next"},
		{Type: "navigate", URL: "https://x.test/page2"}, // new chunk
		{Type: "assert", Selector: "#list"},             // closes chunk
		{Type: "click", Selector: "a.more"},             // tail chunk
	}, "https://x.test/")

	actions := NewExtractor(nil).Extract(context.Background(), n, meta)
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(actions))
	}
}

func TestClassifyChunk(t *testing.T) {
	cases := []struct {
		name  string
		steps []recording.NormalizedStep
		want  string
	}{
		{
			"password field wins",
			[]recording.NormalizedStep{
				{Type: recording.StepInput, Selector: "#pwd-box"},
			},
			types.IntentSubmitLogin,
		},
		{
			"input then submit click",
			[]recording.NormalizedStep{
				{Type: recording.StepInput, Selector: "input[name='title']"},
				{Type: recording.StepClick, Selector: "button[type='submit']"},
			},
			types.IntentSubmitForm,
		},
		{
			"search selector",
			[]recording.NormalizedStep{
				{Type: recording.StepInput, Selector: "input#search-box"},
			},
			types.IntentSearch,
		},
		{
			"single navigate",
			[]recording.NormalizedStep{
				{Type: recording.StepNavigate, URL: "https://x.test"},
			},
			types.IntentNavigate,
		},
		{
			"asserts no inputs",
			[]recording.NormalizedStep{
				{Type: recording.StepClick, Selector: ".row"},
				{Type: recording.StepAssert, Selector: "#list"},
			},
			types.IntentScrapeList,
		},
		{
			"textarea input",
			[]recording.NormalizedStep{
				{Type: recording.StepInput, Selector: "textarea[name='message']"},
			},
			types.IntentPostMessage,
		},
		{
			"fallback",
			[]recording.NormalizedStep{
				{Type: recording.StepClick, Selector: ".whatever"},
			},
			types.IntentGenericAction,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyChunk(tc.steps); got != tc.want {
				t.Errorf("classifyChunk = %q, want %q", got, tc.want)
			}
		})
	}
}

type fixedRefiner struct{ label string }

func (f fixedRefiner) RefineIntent(_ context.Context, _ ChunkSummary, _ string) (string, error) {
	return f.label, nil
}

func TestRefinerOverrides(t *testing.T) {
	n, meta := normalize(t, []recording.Step{
		{Type: "click", Selector: ".thing"},
	}, "https://x.test/")

	actions := NewExtractor(fixedRefiner{label: types.IntentSearch}).Extract(context.Background(), n, meta)
	if len(actions) != 1 {
		t.Fatalf("got %d actions", len(actions))
	}
	if actions[0].Intent != types.IntentSearch {
		t.Errorf("intent = %q, want refined search", actions[0].Intent)
	}
	if actions[0].Metadata.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", actions[0].Metadata.Confidence)
	}
}

func TestEmptyStepsYieldNoActions(t *testing.T) {
	n, meta := normalize(t, []recording.Step{}, "")
	actions := NewExtractor(nil).Extract(context.Background(), n, meta)
	if len(actions) != 0 {
		t.Errorf("got %d actions, want 0", len(actions))
	}
}
