package task

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"webpilot/internal/browser"
	"webpilot/internal/executor"
	"webpilot/internal/plan"
	"webpilot/internal/recording"
	"webpilot/internal/types"
)

// stubPage is an in-memory Page: selectors present in elements resolve,
// everything else does not.
type stubPage struct {
	url        string
	gotoLandsAt string // when set, every Goto lands here instead
	elements   map[string]string // selector -> text content
	viewportW  int
	viewportH  int
	mobile     bool

	gotos  []string
	clicks []string
	typed  map[string]string
}

func newStubPage(url string) *stubPage {
	return &stubPage{url: url, elements: map[string]string{}, typed: map[string]string{}}
}

func (p *stubPage) Goto(ctx context.Context, url, waitUntil string) error {
	if p.gotoLandsAt != "" {
		p.url = p.gotoLandsAt
	} else {
		p.url = url
	}
	p.gotos = append(p.gotos, url)
	return nil
}

func (p *stubPage) Fill(ctx context.Context, selector, value string) error {
	p.typed[selector] = value
	return nil
}

func (p *stubPage) Click(ctx context.Context, selector string) error {
	if _, ok := p.elements[selector]; !ok {
		return errFor(selector)
	}
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *stubPage) WaitForSelector(ctx context.Context, selector string) error {
	if _, ok := p.elements[selector]; !ok {
		return errFor(selector)
	}
	return nil
}

func (p *stubPage) WaitForLoadState(ctx context.Context, state string) error { return nil }

func (p *stubPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return []byte{0x89}, nil
}

func (p *stubPage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	return nil, nil
}

func (p *stubPage) Press(ctx context.Context, selector, key string) error { return nil }
func (p *stubPage) Hover(ctx context.Context, selector string) error      { return nil }

func (p *stubPage) SelectOption(ctx context.Context, selector, value string) error { return nil }

func (p *stubPage) TypeText(ctx context.Context, selector, text string, humanize bool) error {
	if _, ok := p.elements[selector]; !ok {
		return errFor(selector)
	}
	p.typed[selector] = text
	return nil
}

func (p *stubPage) ScrollBy(ctx context.Context, x, y float64) error { return nil }

func (p *stubPage) URL() string { return p.url }

func (p *stubPage) Title(ctx context.Context) (string, error) { return "stub", nil }

func (p *stubPage) TextContent(ctx context.Context, selector string) (string, error) {
	if text, ok := p.elements[selector]; ok {
		return text, nil
	}
	return "", errFor(selector)
}

func (p *stubPage) Count(ctx context.Context, selector string) (int, error) {
	if _, ok := p.elements[selector]; ok {
		return 1, nil
	}
	return 0, nil
}

func (p *stubPage) IsVisible(ctx context.Context, selector string) (bool, error) {
	_, ok := p.elements[selector]
	return ok, nil
}

func (p *stubPage) GetAttribute(ctx context.Context, selector, name string) (string, error) {
	return "", errFor(selector)
}

func (p *stubPage) InputValue(ctx context.Context, selector string) (string, error) {
	return p.typed[selector], nil
}

func (p *stubPage) InnerHTML(ctx context.Context, selector string) (string, error) {
	return p.TextContent(ctx, selector)
}

func (p *stubPage) ElementInfo(ctx context.Context, selector string) (*browser.ElementInfo, error) {
	if text, ok := p.elements[selector]; ok {
		return &browser.ElementInfo{Tag: "div", Text: text, Visible: true}, nil
	}
	return nil, errFor(selector)
}

func (p *stubPage) SetViewport(width, height int, mobile bool) error {
	p.viewportW, p.viewportH, p.mobile = width, height, mobile
	return nil
}

func (p *stubPage) StorageState(ctx context.Context) ([]byte, error)            { return nil, nil }
func (p *stubPage) RestoreStorageState(ctx context.Context, blob []byte) error  { return nil }
func (p *stubPage) IsClosed() bool                                              { return false }
func (p *stubPage) Close() error                                                { return nil }

func errFor(selector string) error {
	return &selectorError{selector: selector}
}

type selectorError struct{ selector string }

func (e *selectorError) Error() string { return "element not found: " + e.selector }

// stubDriver hands out a fixed page.
type stubDriver struct{ page *stubPage }

func (d *stubDriver) Launch(ctx context.Context, opts browser.LaunchOptions) error { return nil }
func (d *stubDriver) NewPage(ctx context.Context) (browser.Page, error)            { return d.page, nil }
func (d *stubDriver) Close() error                                                 { return nil }

func newTestTaskExecutor(t *testing.T, page *stubPage, arena *Arena) *TaskExecutor {
	t.Helper()
	runner := executor.New(nil, nil, nil, nil, nil, nil)
	te := NewTaskExecutor(&stubDriver{page: page}, runner, plan.NewPlanner(), nil, nil, nil, arena)
	te.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	te.randInt = func(min, max int) int { return min }
	return te
}

func seedArena(t *testing.T) (*Arena, Website, Task) {
	t.Helper()
	arena := NewArena(t.TempDir())
	website := arena.AddWebsite("example.com", "Example")
	tk, err := arena.AddTask(website.ID, "Search products")
	if err != nil {
		t.Fatal(err)
	}
	return arena, website, tk
}

func clickRecording(selector string) TaskRecording {
	return TaskRecording{
		Success: true,
		Normalized: recording.Normalized{Steps: []recording.NormalizedStep{
			{Type: recording.StepClick, Selector: selector},
		}},
		Actions: []types.CanonicalAction{{
			Intent: "search",
			Steps: []types.CanonicalStep{{
				Action: types.ActionClick,
				Target: &types.Target{Strategy: types.StrategyCSS, Selector: selector},
			}},
		}},
	}
}

func TestExecuteTaskSuccess(t *testing.T) {
	arena, _, tk := seedArena(t)
	if err := arena.AddRecording(tk.ID, clickRecording("#go")); err != nil {
		t.Fatal(err)
	}

	page := newStubPage("https://example.com/")
	page.elements["#go"] = "Go"
	te := newTestTaskExecutor(t, page, arena)

	result, err := te.ExecuteTask(context.Background(), tk.ID, "https://example.com/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success() {
		t.Fatalf("status = %s, error = %s", result.Status, result.Error)
	}
	if len(page.clicks) != 1 || page.clicks[0] != "#go" {
		t.Fatalf("clicks = %v", page.clicks)
	}

	updated, _ := arena.Get(tk.ID)
	if updated.TotalExecutions != 1 || updated.SuccessfulExecutions != 1 {
		t.Fatalf("counters = %d/%d", updated.SuccessfulExecutions, updated.TotalExecutions)
	}
}

func TestExecuteTaskArrivalFailure(t *testing.T) {
	arena, _, tk := seedArena(t)
	if err := arena.AddRecording(tk.ID, clickRecording("#go")); err != nil {
		t.Fatal(err)
	}

	// Navigation always lands on a different host.
	page := newStubPage("https://other.net/")
	page.gotoLandsAt = "https://other.net/"
	page.elements["#go"] = "Go"
	te := newTestTaskExecutor(t, page, arena)

	result, err := te.ExecuteTask(context.Background(), tk.ID, "https://example.com/items", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success() {
		t.Fatal("expected arrival failure")
	}
	if !strings.Contains(result.Error, "arrival verification failed") {
		t.Fatalf("error = %q", result.Error)
	}

	updated, _ := arena.Get(tk.ID)
	if updated.TotalExecutions != 1 || updated.SuccessfulExecutions != 0 {
		t.Fatalf("counters = %d/%d", updated.SuccessfulExecutions, updated.TotalExecutions)
	}
}

func TestLoginReplayFromDedicatedTask(t *testing.T) {
	arena, website, tk := seedArena(t)
	if err := arena.AddRecording(tk.ID, clickRecording("#inbox")); err != nil {
		t.Fatal(err)
	}

	// Dedicated login task whose recording carries no submit-login intent.
	loginTask, err := arena.AddTask(website.ID, "Login")
	if err != nil {
		t.Fatal(err)
	}
	loginRec := TaskRecording{
		Success: true,
		Normalized: recording.Normalized{Steps: []recording.NormalizedStep{
			{Type: recording.StepInput, Selector: "#user", Value: "{{email}}"},
			{Type: recording.StepInput, Selector: "#password", Value: ""},
			{Type: recording.StepClick, Selector: "#submit"},
		}},
		Actions: []types.CanonicalAction{{Intent: "generic-action"}},
	}
	if err := arena.AddRecording(loginTask.ID, loginRec); err != nil {
		t.Fatal(err)
	}

	page := newStubPage("https://example.com/login")
	page.elements["input[type='password']"] = ""
	page.elements["#user"] = ""
	page.elements["#password"] = ""
	page.elements["#submit"] = ""
	page.elements["#inbox"] = "Inbox"
	te := newTestTaskExecutor(t, page, arena)

	if !te.HasLoginKnowledge(tk.ID) {
		t.Fatal("dedicated login task should provide login knowledge")
	}

	params := map[string]string{"email": "a@b.c", "password": "hunter2"}
	result, err := te.ExecuteTask(context.Background(), tk.ID, "https://example.com/", params)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success() {
		t.Fatalf("status = %s, error = %s", result.Status, result.Error)
	}
	if page.typed["#user"] != "a@b.c" {
		t.Fatalf("user field = %q", page.typed["#user"])
	}
	if page.typed["#password"] != "hunter2" {
		t.Fatalf("password field = %q", page.typed["#password"])
	}
	// The login transcript runs on a mobile viewport and restores desktop.
	if page.mobile {
		t.Fatal("viewport left in mobile mode")
	}
	if page.viewportW != desktopWidth {
		t.Fatalf("viewport width = %d", page.viewportW)
	}
}

func TestScrapeWithTransform(t *testing.T) {
	arena, _, tk := seedArena(t)
	rec := clickRecording("#open")
	rec.Normalized.Steps = append(rec.Normalized.Steps, recording.NormalizedStep{
		Type:      recording.StepScrape,
		Selector:  ".message time",
		DataKey:   "lastMessageTime",
		Attribute: "text",
		Transform: "extractTime",
	})
	if err := arena.AddRecording(tk.ID, rec); err != nil {
		t.Fatal(err)
	}

	page := newStubPage("https://example.com/")
	page.elements["#open"] = "Open"
	page.elements[".message time"] = "message text 12:52"
	te := newTestTaskExecutor(t, page, arena)

	result, err := te.ExecuteTask(context.Background(), tk.ID, "https://example.com/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success() {
		t.Fatalf("status = %s, error = %s", result.Status, result.Error)
	}
	if got := result.Data["lastMessageTime"]; got != "12:52" {
		t.Fatalf("lastMessageTime = %v", got)
	}
}

func TestScrapeFailureIsKnowledgeGap(t *testing.T) {
	arena, _, tk := seedArena(t)
	rec := clickRecording("#open")
	rec.Normalized.Steps = append(rec.Normalized.Steps, recording.NormalizedStep{
		Type:    recording.StepScrape,
		Selector: ".missing",
		DataKey: "absent",
	})
	if err := arena.AddRecording(tk.ID, rec); err != nil {
		t.Fatal(err)
	}

	page := newStubPage("https://example.com/")
	page.elements["#open"] = "Open"
	te := newTestTaskExecutor(t, page, arena)

	result, err := te.ExecuteTask(context.Background(), tk.ID, "https://example.com/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success() {
		t.Fatalf("scrape failure must not fail the run: %s", result.Error)
	}
	if len(result.KnowledgeGaps) != 1 || result.KnowledgeGaps[0] != "scrape:absent" {
		t.Fatalf("knowledge gaps = %v", result.KnowledgeGaps)
	}
	if _, ok := result.Data["absent"]; ok {
		t.Fatal("failed scrape must not populate data")
	}
}

func TestSiblingSelectorAdoption(t *testing.T) {
	arena, website, tk := seedArena(t)
	// Recorded click selector no longer resolves; the waitFor step still
	// anchors arrival verification.
	rec := TaskRecording{
		Success: true,
		Normalized: recording.Normalized{Steps: []recording.NormalizedStep{
			{Type: recording.StepClick, Selector: "#old-button"},
		}},
		Actions: []types.CanonicalAction{{
			Intent: "search",
			Steps: []types.CanonicalStep{
				{
					Action: types.ActionWaitFor,
					Target: &types.Target{Strategy: types.StrategyCSS, Selector: "#container"},
				},
				{
					Action: types.ActionClick,
					Target: &types.Target{Strategy: types.StrategyCSS, Selector: "#old-button"},
				},
			},
		}},
	}
	if err := arena.AddRecording(tk.ID, rec); err != nil {
		t.Fatal(err)
	}

	// Sibling task with the same intent knows the live selector.
	sibling, err := arena.AddTask(website.ID, "Search archive")
	if err != nil {
		t.Fatal(err)
	}
	if err := arena.AddRecording(sibling.ID, clickRecording("#new-button")); err != nil {
		t.Fatal(err)
	}

	page := newStubPage("https://example.com/")
	page.elements["#container"] = ""
	page.elements["#new-button"] = "Go"
	te := newTestTaskExecutor(t, page, arena)

	result, err := te.ExecuteTask(context.Background(), tk.ID, "https://example.com/", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success() {
		t.Fatalf("status = %s, error = %s", result.Status, result.Error)
	}
	if len(page.clicks) != 1 || page.clicks[0] != "#new-button" {
		t.Fatalf("clicks = %v", page.clicks)
	}
}

func TestBindFillValue(t *testing.T) {
	params := map[string]string{
		"#user":    "by-selector",
		"email":    "a@b.c",
		"password": "hunter2",
		"input_3":  "positional",
	}

	tests := []struct {
		name     string
		selector string
		recorded string
		position int
		want     string
	}{
		{"explicit selector key", "#user", "old", 0, "by-selector"},
		{"template variable", "#anything", "{{email}}", 0, "a@b.c"},
		{"email heuristic", "input[name='email']", "old", 0, "a@b.c"},
		{"password heuristic", "#password", "old", 0, "hunter2"},
		{"positional", "#field", "old", 3, "positional"},
		{"no match keeps recorded", "#other", "recorded", 9, "recorded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bindFillValue(tt.selector, tt.recorded, params, tt.position)
			if got != tt.want {
				t.Fatalf("bindFillValue() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := bindFillValue("#q", "", map[string]string{"query": "shoes"}, 0); got != "shoes" {
		t.Fatalf("single-parameter fallback = %q", got)
	}
}

func TestApplyTransform(t *testing.T) {
	tests := []struct {
		transform string
		in        string
		want      string
	}{
		{"trim", "  x  ", "x"},
		{"lowercase", "ABC", "abc"},
		{"uppercase", "abc", "ABC"},
		{"extractTime", "message text 12:52", "12:52"},
		{"extractTime", "no time here", ""},
		{"extractNumber", "total: -3.5 items", "-3.5"},
		{"", "as-is", "as-is"},
		{"unknown", "as-is", "as-is"},
	}
	for _, tt := range tests {
		if got := applyTransform(tt.in, tt.transform); got != tt.want {
			t.Errorf("applyTransform(%q, %q) = %q, want %q", tt.in, tt.transform, got, tt.want)
		}
	}
}

func TestVerifyArrivalPaths(t *testing.T) {
	arena, _, tk := seedArena(t)
	if err := arena.AddRecording(tk.ID, clickRecording("#go")); err != nil {
		t.Fatal(err)
	}
	task, _ := arena.Get(tk.ID)
	best := task.BestRecording()

	page := newStubPage("https://www.example.com/items/42")
	page.elements["#go"] = "Go"
	te := newTestTaskExecutor(t, page, arena)
	ctx := context.Background()

	if err := te.verifyArrival(ctx, page, "https://example.com/items", best, false); err != nil {
		t.Fatalf("prefix path with www host should verify: %v", err)
	}
	if err := te.verifyArrival(ctx, page, "https://other.net/items", best, false); err == nil {
		t.Fatal("host mismatch should fail")
	}

	// Expected selector missing fails unless freshly logged in.
	delete(page.elements, "#go")
	if err := te.verifyArrival(ctx, page, "https://example.com/items", best, false); err == nil {
		t.Fatal("missing expected selector should fail")
	}
	if err := te.verifyArrival(ctx, page, "https://example.com/items", best, true); err != nil {
		t.Fatalf("fresh login should get selector slack: %v", err)
	}
}
