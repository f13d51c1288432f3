// Package jobs tracks submitted recordings through their lifecycle and runs
// scheduled task bindings.
package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// Manager owns all jobs and their logs. Terminal statuses never transition
// again; terminal jobs are written to the jobs directory.
type Manager struct {
	mu    sync.RWMutex
	dir   string
	jobs  map[string]*types.Job
	logs  map[string][]types.LogLine
	order []string

	now func() time.Time
}

// NewManager creates a job manager. dir is where finished jobs are archived;
// empty disables archiving.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:  dir,
		jobs: make(map[string]*types.Job),
		logs: make(map[string][]types.LogLine),
		now:  time.Now,
	}
}

// Create registers a pending job for a raw recording.
func (m *Manager) Create(rec []byte) *types.Job {
	job := &types.Job{
		ID:        uuid.NewString(),
		Status:    types.JobPending,
		Recording: rec,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	m.mu.Unlock()

	logging.Task("Job %s created", job.ID)
	return m.snapshot(job.ID)
}

// Start moves a pending job to running.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status != types.JobPending && job.Status != types.JobRetrying {
		return fmt.Errorf("job %s is %s, cannot start", id, job.Status)
	}
	job.Status = types.JobRunning
	now := m.now()
	job.StartedAt = &now
	return nil
}

// SetStatus applies an intermediate status (retrying, blocked, captcha) to a
// non-terminal job.
func (m *Manager) SetStatus(id string, status types.JobStatus) error {
	if status.Terminal() {
		return fmt.Errorf("use Complete or Fail for terminal status %s", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}
	job.Status = status
	return nil
}

// Complete finishes a job with its execution result; the terminal status
// follows the result.
func (m *Manager) Complete(id string, result *types.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}
	job.Result = result
	if result != nil && result.Success() {
		job.Status = types.JobSuccess
	} else {
		job.Status = types.JobFailed
		if result != nil {
			job.Error = result.Error
		}
	}
	now := m.now()
	job.CompletedAt = &now
	m.archiveLocked(job)
	return nil
}

// Fail terminates a job with an error that produced no result.
func (m *Manager) Fail(id string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}
	job.Status = types.JobFailed
	job.Error = msg
	now := m.now()
	job.CompletedAt = &now
	m.archiveLocked(job)
	return nil
}

// archiveLocked writes a terminal job, with its logs, to the jobs directory.
func (m *Manager) archiveLocked(job *types.Job) {
	if m.dir == "" {
		return
	}
	record := struct {
		*types.Job
		Logs []types.LogLine `json:"logs,omitempty"`
	}{Job: job, Logs: m.logs[job.ID]}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		logging.TaskWarn("Job %s archive encode failed: %v", job.ID, err)
		return
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		logging.TaskWarn("Jobs dir unavailable: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(m.dir, job.ID+".json"), data, 0o644); err != nil {
		logging.TaskWarn("Job %s archive write failed: %v", job.ID, err)
	}
}

// Get returns a job snapshot.
func (m *Manager) Get(id string) (*types.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.jobs[id]; !ok {
		return nil, false
	}
	return m.snapshotLocked(id), true
}

// List returns all jobs in creation order.
func (m *Manager) List() []*types.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.snapshotLocked(id))
	}
	return out
}

// AppendLog adds a timestamped log line to a job.
func (m *Manager) AppendLog(id, format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return
	}
	m.logs[id] = append(m.logs[id], types.LogLine{Time: m.now(), Message: fmt.Sprintf(format, args...)})
}

// Logs returns a job's log lines in append order.
func (m *Manager) Logs(id string) []types.LogLine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.LogLine(nil), m.logs[id]...)
}

func (m *Manager) snapshot(id string) *types.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(id)
}

func (m *Manager) snapshotLocked(id string) *types.Job {
	out := *m.jobs[id]
	return &out
}
