package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"webpilot/internal/executor"
	"webpilot/internal/intent"
	"webpilot/internal/jobs"
	"webpilot/internal/perf"
	"webpilot/internal/pipeline"
	"webpilot/internal/plan"
	"webpilot/internal/skill"
	"webpilot/internal/task"
	"webpilot/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	runner := executor.New(nil, nil, nil, nil, nil, nil)
	pipe := pipeline.New(intent.NewExtractor(nil), skill.NewGenerator(nil), plan.NewPlanner(),
		runner, nil, nil)
	arena := task.NewArena(t.TempDir())
	return New(jobs.NewManager(t.TempDir()), pipe, nil, arena, perf.NewMonitor(), nil)
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSubmitJobRejectsBadBody(t *testing.T) {
	s := newTestServer(t)
	if w := doJSON(t, s, http.MethodPost, "/jobs", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodPost, "/jobs", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing recording: code = %d", w.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/jobs/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestReplayDebugReturnsPlan(t *testing.T) {
	s := newTestServer(t)
	body := `{"recording": {"url": "https://example.com/", "steps": [
		{"type": "navigate", "url": "https://example.com/"},
		{"type": "click", "selector": "#go"}
	]}}`
	w := doJSON(t, s, http.MethodPost, "/replay/debug", body)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	var pl pipeline.Plan
	if err := json.Unmarshal(w.Body.Bytes(), &pl); err != nil {
		t.Fatal(err)
	}
	if pl.Metadata.Site != "example.com" || len(pl.Commands) == 0 {
		t.Fatalf("plan = %+v", pl)
	}
}

func TestReplayDebugRejectsInvalidRecording(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/replay/debug", `{"recording": {"title": "no steps"}}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestWebsiteAndTaskEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/websites", `{"domain": "www.example.com", "name": "Example"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add website: code = %d", w.Code)
	}
	var website task.Website
	if err := json.Unmarshal(w.Body.Bytes(), &website); err != nil {
		t.Fatal(err)
	}
	if website.Domain != "example.com" {
		t.Fatalf("domain = %q", website.Domain)
	}

	w = doJSON(t, s, http.MethodPost, "/websites/"+website.ID+"/tasks", `{"name": "Search"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add task: code = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodGet, "/websites", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "example.com") {
		t.Fatalf("list: code = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodPost, "/websites/unknown/tasks", `{"name": "x"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown website: code = %d", w.Code)
	}
}

func TestJobArtifactsEndpoint(t *testing.T) {
	s := newTestServer(t)

	job := s.jobs.Create(nil)
	_ = s.jobs.Start(job.ID)
	_ = s.jobs.Complete(job.ID, &types.ExecutionResult{
		Status:    "success",
		Artifacts: types.Artifacts{Screenshots: []string{"job-1-step-1.png", "job-1-step-2.png"}},
	})

	w := doJSON(t, s, http.MethodGet, "/jobs/"+job.ID+"/artifacts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var body struct {
		Screenshots []string `json:"screenshots"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Screenshots) != 2 || body.Screenshots[0] != "job-1-step-1.png" {
		t.Fatalf("screenshots = %v", body.Screenshots)
	}

	// A job without a result still answers with an empty list.
	pending := s.jobs.Create(nil)
	w = doJSON(t, s, http.MethodGet, "/jobs/"+pending.ID+"/artifacts", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"screenshots":[]`) {
		t.Fatalf("pending: code = %d, body = %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, s, http.MethodGet, "/jobs/nope/artifacts", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown job: code = %d", w.Code)
	}
}

func TestAddTaskRejectsSecondLoginTask(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/websites", `{"domain": "example.com"}`)
	var website task.Website
	if err := json.Unmarshal(w.Body.Bytes(), &website); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, s, http.MethodPost, "/websites/"+website.ID+"/tasks", `{"name": "Login"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("first login task: code = %d", w.Code)
	}
	w = doJSON(t, s, http.MethodPost, "/websites/"+website.ID+"/tasks", `{"name": "Sign in again"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("second login task: code = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.monitor.RecordCommand("click", "example.com", 120*time.Millisecond, true)

	w := doJSON(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "webpilot_commands_total") {
		t.Fatalf("metrics body missing counters: %s", w.Body.String())
	}
}

func TestUnavailableCollaborators(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, nil)
	for _, path := range []string{"/jobs", "/websites", "/performance", "/launcher"} {
		w := doJSON(t, s, http.MethodGet, path, "")
		if w.Code != http.StatusServiceUnavailable && w.Code != http.StatusNotFound {
			t.Fatalf("GET %s = %d", path, w.Code)
		}
	}
}
