package jobs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"webpilot/internal/types"
)

func TestJobLifecycle(t *testing.T) {
	m := NewManager("")
	job := m.Create([]byte(`{"steps": []}`))
	if job.Status != types.JobPending {
		t.Fatalf("status = %s", job.Status)
	}

	if err := m.Start(job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(job.ID)
	if got.Status != types.JobRunning || got.StartedAt == nil {
		t.Fatalf("after start: %+v", got)
	}

	result := &types.ExecutionResult{Status: "success"}
	if err := m.Complete(job.ID, result); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Get(job.ID)
	if got.Status != types.JobSuccess || got.CompletedAt == nil {
		t.Fatalf("after complete: %+v", got)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	m := NewManager("")
	job := m.Create(nil)
	if err := m.Start(job.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Fail(job.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	if err := m.Complete(job.ID, &types.ExecutionResult{Status: "success"}); err == nil {
		t.Fatal("completed a failed job")
	}
	if err := m.SetStatus(job.ID, types.JobRetrying); err == nil {
		t.Fatal("restatused a failed job")
	}
	if err := m.Start(job.ID); err == nil {
		t.Fatal("restarted a failed job")
	}
	got, _ := m.Get(job.ID)
	if got.Status != types.JobFailed || got.Error != "boom" {
		t.Fatalf("job = %+v", got)
	}
}

func TestFailedResultMeansFailedJob(t *testing.T) {
	m := NewManager("")
	job := m.Create(nil)
	_ = m.Start(job.ID)
	_ = m.Complete(job.ID, &types.ExecutionResult{Status: "failed", Error: "timeout"})
	got, _ := m.Get(job.ID)
	if got.Status != types.JobFailed || got.Error != "timeout" {
		t.Fatalf("job = %+v", got)
	}
}

func TestLogsKeepAppendOrder(t *testing.T) {
	m := NewManager("")
	job := m.Create(nil)
	m.AppendLog(job.ID, "first")
	m.AppendLog(job.ID, "second %d", 2)
	m.AppendLog(job.ID, "third")

	logs := m.Logs(job.ID)
	if len(logs) != 3 {
		t.Fatalf("logs = %d", len(logs))
	}
	want := []string{"first", "second 2", "third"}
	for i, line := range logs {
		if line.Message != want[i] {
			t.Fatalf("logs[%d] = %q, want %q", i, line.Message, want[i])
		}
		if line.Time.IsZero() {
			t.Fatalf("logs[%d] has no timestamp", i)
		}
	}
}

func TestListInCreationOrder(t *testing.T) {
	m := NewManager("")
	a := m.Create(nil)
	b := m.Create(nil)
	list := m.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("list = %v", list)
	}
}

func TestTerminalJobsAreArchived(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	job := m.Create([]byte(`{"steps": []}`))
	_ = m.Start(job.ID)
	m.AppendLog(job.ID, "hello")
	_ = m.Complete(job.ID, &types.ExecutionResult{Status: "success"})

	data, err := os.ReadFile(filepath.Join(dir, job.ID+".json"))
	if err != nil {
		t.Fatal(err)
	}
	var archived struct {
		types.Job
		Logs []types.LogLine `json:"logs"`
	}
	if err := json.Unmarshal(data, &archived); err != nil {
		t.Fatal(err)
	}
	if archived.Status != types.JobSuccess || len(archived.Logs) != 1 {
		t.Fatalf("archived = %+v", archived)
	}
}

type recordingRunner struct {
	calls []string
	err   error
}

func (r *recordingRunner) ExecuteTask(ctx context.Context, taskID, targetURL string, params map[string]string) (*types.ExecutionResult, error) {
	r.calls = append(r.calls, taskID)
	return &types.ExecutionResult{Status: "success"}, r.err
}

func writeBindings(t *testing.T, dir string, bindings []Binding) {
	t.Helper()
	data, err := json.Marshal(bindings)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "schedules.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerRunsDueBindings(t *testing.T) {
	dir := t.TempDir()
	past := time.Now().Add(-time.Minute)
	writeBindings(t, dir, []Binding{
		{ID: "b1", TaskID: "task-due", Schedule: "* * * * *", Enabled: true, NextRun: &past},
		{ID: "b2", TaskID: "task-disabled", Schedule: "* * * * *", Enabled: false, NextRun: &past},
	})

	runner := &recordingRunner{}
	s := NewScheduler(dir, runner)
	s.tick(context.Background(), time.Now())

	if len(runner.calls) != 1 || runner.calls[0] != "task-due" {
		t.Fatalf("calls = %v", runner.calls)
	}

	// The binding file carries the updated lastRun and nextRun.
	reloaded, err := s.load()
	if err != nil {
		t.Fatal(err)
	}
	if reloaded[0].LastRun == nil {
		t.Fatal("lastRun not stamped")
	}
	if reloaded[0].NextRun == nil || !reloaded[0].NextRun.After(time.Now()) {
		t.Fatalf("nextRun = %v", reloaded[0].NextRun)
	}
}

func TestSchedulerStampsNextRunOnFailure(t *testing.T) {
	dir := t.TempDir()
	past := time.Now().Add(-time.Minute)
	writeBindings(t, dir, []Binding{
		{ID: "b1", TaskID: "task-1", Schedule: "* * * * *", Enabled: true, NextRun: &past},
	})

	runner := &recordingRunner{err: context.DeadlineExceeded}
	s := NewScheduler(dir, runner)
	s.tick(context.Background(), time.Now())

	reloaded, err := s.load()
	if err != nil {
		t.Fatal(err)
	}
	if reloaded[0].LastRun == nil || reloaded[0].NextRun == nil {
		t.Fatal("run timestamps must move even when the run fails")
	}
	if !reloaded[0].NextRun.After(*reloaded[0].LastRun) {
		t.Fatalf("nextRun %v not after lastRun %v", reloaded[0].NextRun, reloaded[0].LastRun)
	}
}

func TestSchedulerInitialisesNextRunWithoutRunning(t *testing.T) {
	dir := t.TempDir()
	writeBindings(t, dir, []Binding{
		{ID: "b1", TaskID: "task-1", Schedule: "0 3 * * *", Enabled: true},
	})

	runner := &recordingRunner{}
	s := NewScheduler(dir, runner)
	s.tick(context.Background(), time.Now())

	if len(runner.calls) != 0 {
		t.Fatalf("fresh binding ran immediately: %v", runner.calls)
	}
	reloaded, _ := s.load()
	if reloaded[0].NextRun == nil {
		t.Fatal("nextRun not initialised")
	}
}

func TestSchedulerStartStopLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(t.TempDir(), &recordingRunner{})
	s.interval = 10 * time.Millisecond
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
