package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"webpilot/internal/logging"
	"webpilot/internal/recording"
	"webpilot/internal/types"
)

// taskRef locates a task inside the arena without back-pointers.
type taskRef struct {
	websiteIdx int
	taskIdx    int
}

// Arena owns all websites and their tasks as flat records; the taskId index
// is rebuilt on load. Persisted as a single JSON file under the data
// directory.
type Arena struct {
	mu       sync.RWMutex
	path     string
	websites []Website
	byTask   map[string]taskRef
}

// NewArena creates an arena persisted at dataDir/tasks.json.
func NewArena(dataDir string) *Arena {
	return &Arena{
		path:   filepath.Join(dataDir, "tasks.json"),
		byTask: make(map[string]taskRef),
	}
}

// Load reads the arena from disk and rebuilds the task index.
func (a *Arena) Load() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tasks: %w", err)
	}
	if err := json.Unmarshal(data, &a.websites); err != nil {
		return fmt.Errorf("decode tasks: %w", err)
	}
	a.rebuildIndexLocked()
	logging.Task("Loaded %d websites with %d tasks", len(a.websites), len(a.byTask))
	return nil
}

func (a *Arena) rebuildIndexLocked() {
	a.byTask = make(map[string]taskRef)
	for wi := range a.websites {
		for ti := range a.websites[wi].Tasks {
			a.byTask[a.websites[wi].Tasks[ti].ID] = taskRef{websiteIdx: wi, taskIdx: ti}
		}
	}
}

func (a *Arena) saveLocked() {
	data, err := json.MarshalIndent(a.websites, "", "  ")
	if err != nil {
		logging.TaskWarn("Failed to encode tasks: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		logging.TaskWarn("Failed to create data dir: %v", err)
		return
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logging.TaskWarn("Failed to write tasks: %v", err)
		return
	}
	if err := os.Rename(tmp, a.path); err != nil {
		logging.TaskWarn("Failed to replace tasks file: %v", err)
	}
}

// AddWebsite registers a website, returning the existing one when the domain
// is already known.
func (a *Arena) AddWebsite(domain, name string) Website {
	normalized := recording.NormalizeDomain(domain)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.websites {
		if a.websites[i].Domain == normalized {
			return a.websites[i]
		}
	}
	w := Website{ID: uuid.NewString(), Domain: normalized, Name: name}
	a.websites = append(a.websites, w)
	a.saveLocked()
	return w
}

// ErrDuplicateLoginTask rejects a second login-named task under one website.
var ErrDuplicateLoginTask = errors.New("website already has a login task")

// AddTask creates a task under a website. A website carries at most one
// dedicated login task; the login replay path always picks that one.
func (a *Arena) AddTask(websiteID, name string) (Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for wi := range a.websites {
		if a.websites[wi].ID != websiteID {
			continue
		}
		t := Task{ID: uuid.NewString(), WebsiteID: websiteID, Name: name}
		if t.IsLoginTask() {
			for ti := range a.websites[wi].Tasks {
				if a.websites[wi].Tasks[ti].IsLoginTask() {
					return Task{}, ErrDuplicateLoginTask
				}
			}
		}
		a.websites[wi].Tasks = append(a.websites[wi].Tasks, t)
		a.byTask[t.ID] = taskRef{websiteIdx: wi, taskIdx: len(a.websites[wi].Tasks) - 1}
		a.saveLocked()
		return t, nil
	}
	return Task{}, fmt.Errorf("website %s not found", websiteID)
}

// AddRecording attaches a recording to a task. Recording count never moves
// execution statistics.
func (a *Arena) AddRecording(taskID string, rec TaskRecording) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ref, ok := a.byTask[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	rec.ID = uuid.NewString()
	rec.TaskID = taskID
	rec.CreatedAt = time.Now()
	t := &a.websites[ref.websiteIdx].Tasks[ref.taskIdx]
	t.Recordings = append(t.Recordings, rec)
	a.saveLocked()
	return nil
}

// RecordExecution updates a task's execution counters.
func (a *Arena) RecordExecution(taskID string, success bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ref, ok := a.byTask[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t := &a.websites[ref.websiteIdx].Tasks[ref.taskIdx]
	t.TotalExecutions++
	if success {
		t.SuccessfulExecutions++
	}
	now := time.Now()
	t.LastExecutedAt = &now
	a.saveLocked()
	return nil
}

// Get returns a task snapshot by id.
func (a *Arena) Get(taskID string) (Task, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ref, ok := a.byTask[taskID]
	if !ok {
		return Task{}, false
	}
	return cloneTask(a.websites[ref.websiteIdx].Tasks[ref.taskIdx]), true
}

// WebsiteOf returns the website owning a task.
func (a *Arena) WebsiteOf(taskID string) (Website, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ref, ok := a.byTask[taskID]
	if !ok {
		return Website{}, false
	}
	return cloneWebsite(a.websites[ref.websiteIdx]), true
}

// WebsiteByDomain finds a website by normalised domain.
func (a *Arena) WebsiteByDomain(domain string) (Website, bool) {
	normalized := recording.NormalizeDomain(domain)
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range a.websites {
		if a.websites[i].Domain == normalized {
			return cloneWebsite(a.websites[i]), true
		}
	}
	return Website{}, false
}

// Websites returns a snapshot of all websites.
func (a *Arena) Websites() []Website {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Website, 0, len(a.websites))
	for i := range a.websites {
		out = append(out, cloneWebsite(a.websites[i]))
	}
	return out
}

// LoginRecording finds the transcript to use for logging in at a website:
// the dedicated login task first (regardless of extracted intents), then a
// submit-login recording of the current task, then any other task's.
func (a *Arena) LoginRecording(websiteID, currentTaskID string) (*TaskRecording, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var website *Website
	for i := range a.websites {
		if a.websites[i].ID == websiteID {
			website = &a.websites[i]
			break
		}
	}
	if website == nil {
		return nil, false
	}

	for ti := range website.Tasks {
		t := &website.Tasks[ti]
		if t.IsLoginTask() {
			if rec := t.BestRecording(); rec != nil {
				out := *rec
				return &out, true
			}
		}
	}

	if rec := loginIntentRecording(website, currentTaskID); rec != nil {
		return rec, true
	}
	if rec := loginIntentRecording(website, ""); rec != nil {
		return rec, true
	}
	return nil, false
}

// loginIntentRecording scans recordings whose actions carry the submit-login
// intent; taskID restricts the scan to one task, empty means any.
func loginIntentRecording(website *Website, taskID string) *TaskRecording {
	for ti := range website.Tasks {
		t := &website.Tasks[ti]
		if taskID != "" && t.ID != taskID {
			continue
		}
		for ri := len(t.Recordings) - 1; ri >= 0; ri-- {
			for _, action := range t.Recordings[ri].Actions {
				if action.Intent == types.IntentSubmitLogin {
					out := t.Recordings[ri]
					return &out
				}
			}
		}
	}
	return nil
}

func cloneTask(t Task) Task {
	out := t
	out.Recordings = append([]TaskRecording(nil), t.Recordings...)
	return out
}

func cloneWebsite(w Website) Website {
	out := w
	out.Tasks = make([]Task, len(w.Tasks))
	for i := range w.Tasks {
		out.Tasks[i] = cloneTask(w.Tasks[i])
	}
	return out
}
