package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// Binding ties a task to a cron schedule.
type Binding struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"taskId"`
	TargetURL  string            `json:"targetUrl"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Schedule   string            `json:"schedule"`
	Enabled    bool              `json:"enabled"`
	LastRun    *time.Time        `json:"lastRun,omitempty"`
	NextRun    *time.Time        `json:"nextRun,omitempty"`
}

// TaskRunner executes one scheduled task.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, taskID, targetURL string, params map[string]string) (*types.ExecutionResult, error)
}

// Scheduler polls the bindings file once a minute and fires due bindings.
// The file is reread every tick so edits take effect without a restart.
type Scheduler struct {
	mu       sync.Mutex
	path     string
	runner   TaskRunner
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler over dataDir/schedules.json.
func NewScheduler(dataDir string, runner TaskRunner) *Scheduler {
	return &Scheduler{
		path:     filepath.Join(dataDir, "schedules.json"),
		runner:   runner,
		interval: time.Minute,
		now:      time.Now,
	}
}

// Start launches the polling loop. Stop or context cancellation ends it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, s.now())
			}
		}
	}()
	logging.Task("Scheduler started, polling %s every %s", s.path, s.interval)
}

// Stop ends the polling loop and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// tick reloads bindings and runs every enabled one that is due. lastRun is
// stamped before the run and nextRun after it, whether or not the run
// succeeded.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	bindings, err := s.load()
	if err != nil {
		logging.TaskWarn("Scheduler reload failed: %v", err)
		return
	}

	changed := false
	for i := range bindings {
		b := &bindings[i]
		if !b.Enabled {
			continue
		}
		schedule, err := cron.ParseStandard(b.Schedule)
		if err != nil {
			logging.TaskWarn("Binding %s has invalid schedule %q: %v", b.ID, b.Schedule, err)
			continue
		}
		if b.NextRun == nil {
			next := schedule.Next(now)
			b.NextRun = &next
			changed = true
			continue
		}
		if b.NextRun.After(now) {
			continue
		}

		run := now
		b.LastRun = &run
		logging.Task("Scheduled run of task %s (binding %s)", b.TaskID, b.ID)
		if _, err := s.runner.ExecuteTask(ctx, b.TaskID, b.TargetURL, b.Parameters); err != nil {
			logging.TaskWarn("Scheduled task %s failed: %v", b.TaskID, err)
		}
		next := schedule.Next(s.now())
		b.NextRun = &next
		changed = true
	}

	if changed {
		if err := s.save(bindings); err != nil {
			logging.TaskWarn("Scheduler save failed: %v", err)
		}
	}
}

func (s *Scheduler) load() ([]Binding, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var bindings []Binding
	if err := json.Unmarshal(data, &bindings); err != nil {
		return nil, fmt.Errorf("decode schedules: %w", err)
	}
	return bindings, nil
}

func (s *Scheduler) save(bindings []Binding) error {
	data, err := json.MarshalIndent(bindings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
