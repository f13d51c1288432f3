package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"webpilot/internal/browser"
	"webpilot/internal/executor"
	"webpilot/internal/intent"
	"webpilot/internal/plan"
	"webpilot/internal/skill"
	"webpilot/internal/types"
)

// memPage records operations and succeeds at everything.
type memPage struct {
	url    string
	gotos  []string
	clicks []string
	fills  map[string]string
}

func newMemPage() *memPage { return &memPage{fills: map[string]string{}} }

func (p *memPage) Goto(ctx context.Context, url, waitUntil string) error {
	p.url = url
	p.gotos = append(p.gotos, url)
	return nil
}
func (p *memPage) Fill(ctx context.Context, selector, value string) error {
	p.fills[selector] = value
	return nil
}
func (p *memPage) Click(ctx context.Context, selector string) error {
	p.clicks = append(p.clicks, selector)
	return nil
}
func (p *memPage) WaitForSelector(ctx context.Context, selector string) error  { return nil }
func (p *memPage) WaitForLoadState(ctx context.Context, state string) error    { return nil }
func (p *memPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return nil, nil
}
func (p *memPage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	return nil, nil
}
func (p *memPage) Press(ctx context.Context, selector, key string) error           { return nil }
func (p *memPage) Hover(ctx context.Context, selector string) error                { return nil }
func (p *memPage) SelectOption(ctx context.Context, selector, value string) error  { return nil }
func (p *memPage) TypeText(ctx context.Context, selector, text string, humanize bool) error {
	p.fills[selector] = text
	return nil
}
func (p *memPage) ScrollBy(ctx context.Context, x, y float64) error { return nil }
func (p *memPage) URL() string                                      { return p.url }
func (p *memPage) Title(ctx context.Context) (string, error)        { return "", nil }
func (p *memPage) TextContent(ctx context.Context, selector string) (string, error) {
	return "", nil
}
func (p *memPage) Count(ctx context.Context, selector string) (int, error)     { return 1, nil }
func (p *memPage) IsVisible(ctx context.Context, selector string) (bool, error) {
	return true, nil
}
func (p *memPage) GetAttribute(ctx context.Context, selector, name string) (string, error) {
	return "", nil
}
func (p *memPage) InputValue(ctx context.Context, selector string) (string, error) { return "", nil }
func (p *memPage) InnerHTML(ctx context.Context, selector string) (string, error)  { return "", nil }
func (p *memPage) ElementInfo(ctx context.Context, selector string) (*browser.ElementInfo, error) {
	return &browser.ElementInfo{Tag: "div", Visible: true}, nil
}
func (p *memPage) SetViewport(width, height int, mobile bool) error           { return nil }
func (p *memPage) StorageState(ctx context.Context) ([]byte, error)           { return nil, nil }
func (p *memPage) RestoreStorageState(ctx context.Context, blob []byte) error { return nil }
func (p *memPage) IsClosed() bool                                             { return false }
func (p *memPage) Close() error                                               { return nil }

type memDriver struct{ page *memPage }

func (d *memDriver) Launch(ctx context.Context, opts browser.LaunchOptions) error { return nil }
func (d *memDriver) NewPage(ctx context.Context) (browser.Page, error)            { return d.page, nil }
func (d *memDriver) Close() error                                                 { return nil }

const loginTranscript = `{
	"title": "login flow",
	"url": "https://example.com/login",
	"steps": [
		{"type": "navigate", "url": "https://example.com/login"},
		{"type": "input", "selector": "input[name='email']", "value": "{{email}}"},
		{"type": "input", "selector": "input[type='password']", "value": "{{password}}"},
		{"type": "click", "selector": "button[type='submit']"}
	]
}`

func newTestPipeline(page *memPage) *Pipeline {
	runner := executor.New(nil, nil, nil, nil, nil, nil)
	return New(intent.NewExtractor(nil), skill.NewGenerator(nil), plan.NewPlanner(),
		runner, nil, &memDriver{page: page})
}

func TestProcessStages(t *testing.T) {
	p := newTestPipeline(newMemPage())

	pl, err := p.Process(context.Background(), []byte(loginTranscript), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.Normalized.Steps) != 4 {
		t.Fatalf("normalized steps = %d", len(pl.Normalized.Steps))
	}
	if pl.Metadata.Site != "example.com" {
		t.Fatalf("site = %q", pl.Metadata.Site)
	}
	if len(pl.Actions) == 0 || len(pl.Commands) == 0 {
		t.Fatalf("actions = %d, commands = %d", len(pl.Actions), len(pl.Commands))
	}
	if len(pl.Skills) != len(pl.Actions) {
		t.Fatalf("skills = %d for %d actions", len(pl.Skills), len(pl.Actions))
	}
	foundLogin := false
	for _, a := range pl.Actions {
		if a.Intent == types.IntentSubmitLogin {
			foundLogin = true
		}
	}
	if !foundLogin {
		t.Fatal("expected a submit-login action")
	}
}

func TestProcessRejectsInvalidRecording(t *testing.T) {
	p := newTestPipeline(newMemPage())
	for _, raw := range []string{`[]`, `{"title": "no steps"}`, `{"steps": 5}`, `not json`} {
		if _, err := p.Process(context.Background(), []byte(raw), nil); err == nil {
			t.Errorf("Process(%q) accepted invalid input", raw)
		}
	}
}

func TestRunExecutesAndBindsParameters(t *testing.T) {
	page := newMemPage()
	p := newTestPipeline(page)

	params := map[string]string{"email": "a@b.c", "password": "hunter2"}
	result, err := p.Run(context.Background(), []byte(loginTranscript), RunOptions{
		JobID:      "job-1",
		Parameters: params,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success() {
		t.Fatalf("status = %s, error = %s", result.Status, result.Error)
	}
	if len(page.gotos) == 0 || page.gotos[0] != "https://example.com/login" {
		t.Fatalf("gotos = %v", page.gotos)
	}
	if got := page.fills["input[name='email']"]; got != "a@b.c" {
		t.Fatalf("email fill = %q", got)
	}
	if got := page.fills["input[type='password']"]; got != "hunter2" {
		t.Fatalf("password fill = %q", got)
	}
	if len(page.clicks) != 1 {
		t.Fatalf("clicks = %v", page.clicks)
	}
}

func TestRunEmptyStepsSucceedsWithoutBrowser(t *testing.T) {
	page := newMemPage()
	p := newTestPipeline(page)

	result, err := p.Run(context.Background(), []byte(`{"title": "empty", "steps": []}`), RunOptions{JobID: "job-empty"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success() {
		t.Fatalf("status = %s", result.Status)
	}
	if len(result.Commands) != 0 {
		t.Fatalf("commands = %d", len(result.Commands))
	}
	if result.JobID != "job-empty" {
		t.Fatalf("jobId = %q", result.JobID)
	}
	if len(page.gotos) != 0 {
		t.Fatalf("empty recording touched the browser: %v", page.gotos)
	}
}
