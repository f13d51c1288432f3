// Package task models websites, their tasks, and task recordings, and
// executes tasks end to end: per-site navigation, login from cross-task
// knowledge, recording replay, and data scraping.
package task

import (
	"regexp"
	"time"

	"webpilot/internal/recording"
	"webpilot/internal/types"
)

// TaskRecording embeds a raw transcript plus its extracted actions and
// whether the recording itself completed successfully when captured.
type TaskRecording struct {
	ID         string                  `json:"id"`
	TaskID     string                  `json:"taskId"`
	Transcript recording.Transcript    `json:"transcript"`
	Normalized recording.Normalized    `json:"normalized"`
	Actions    []types.CanonicalAction `json:"actions"`
	Success    bool                    `json:"success"`
	CreatedAt  time.Time               `json:"createdAt"`
}

// Task is one automatable flow on a website. Success counters move only on
// explicit execution events, never when recordings are added.
type Task struct {
	ID                    string          `json:"id"`
	WebsiteID             string          `json:"websiteId"`
	Name                  string          `json:"name"`
	SuccessfulExecutions  int             `json:"successfulExecutions"`
	TotalExecutions       int             `json:"totalExecutions"`
	LastExecutedAt        *time.Time      `json:"lastExecutedAt,omitempty"`
	Recordings            []TaskRecording `json:"recordings"`
}

// SuccessRate is successfulExecutions / totalExecutions.
func (t *Task) SuccessRate() float64 {
	if t.TotalExecutions == 0 {
		return 0
	}
	return float64(t.SuccessfulExecutions) / float64(t.TotalExecutions)
}

// BestRecording prefers the latest successful recording, falling back to the
// latest overall.
func (t *Task) BestRecording() *TaskRecording {
	for i := len(t.Recordings) - 1; i >= 0; i-- {
		if t.Recordings[i].Success {
			return &t.Recordings[i]
		}
	}
	if len(t.Recordings) == 0 {
		return nil
	}
	return &t.Recordings[len(t.Recordings)-1]
}

var loginNameRe = regexp.MustCompile(`(?i)\b(login|log in|sign in|signin|authenticate|auth)\b`)

// IsLoginTask reports whether the task name marks it as a dedicated login
// flow.
func (t *Task) IsLoginTask() bool {
	return loginNameRe.MatchString(t.Name)
}

// Website owns tasks for one domain.
type Website struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	Name   string `json:"name"`
	Tasks  []Task `json:"tasks"`
}

// SuccessRate is the mean of per-task execution success rates weighted by
// execution volume.
func (w *Website) SuccessRate() float64 {
	var weighted float64
	var total int
	for i := range w.Tasks {
		t := &w.Tasks[i]
		if t.TotalExecutions == 0 {
			continue
		}
		weighted += t.SuccessRate() * float64(t.TotalExecutions)
		total += t.TotalExecutions
	}
	if total == 0 {
		return 0
	}
	return weighted / float64(total)
}
