// Package types holds the driver-neutral domain model shared across the
// automation core: canonical actions, skills, planned commands, execution
// results, and jobs.
package types

import "time"

// =============================================================================
// CANONICAL ACTIONS
// =============================================================================

// ActionType is the closed set of canonical step actions.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionFill     ActionType = "fill"
	ActionClick    ActionType = "click"
	ActionWaitFor  ActionType = "waitFor"
	ActionSelect   ActionType = "select"
	ActionPress    ActionType = "press"
	ActionHover    ActionType = "hover"
	ActionScroll   ActionType = "scroll"
	ActionAssert   ActionType = "assert"
)

// TargetStrategy tags how a Target payload should be interpreted.
type TargetStrategy string

const (
	StrategyCSS    TargetStrategy = "css"
	StrategyXPath  TargetStrategy = "xpath"
	StrategyText   TargetStrategy = "text"
	StrategyRole   TargetStrategy = "role"
	StrategyTestID TargetStrategy = "testId"
	StrategyLabel  TargetStrategy = "label"
)

// Target is an abstract element reference with a strategy and payload.
type Target struct {
	Strategy  TargetStrategy `json:"strategy"`
	Selector  string         `json:"selector,omitempty"`
	Value     string         `json:"value,omitempty"`
	Fallbacks []Target       `json:"fallbacks,omitempty"`
}

// CanonicalStep is one primitive, driver-neutral operation.
type CanonicalStep struct {
	Action  ActionType             `json:"action"`
	Target  *Target                `json:"target,omitempty"`
	Value   string                 `json:"value,omitempty"`
	Timeout int                    `json:"timeout,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Intent labels for canonical actions.
const (
	IntentSubmitLogin   = "submit-login"
	IntentSubmitForm    = "submit-form"
	IntentSearch        = "search"
	IntentNavigate      = "navigate"
	IntentScrapeList    = "scrape-list"
	IntentPostMessage   = "post-message"
	IntentGenericAction = "generic-action"
)

// ActionMetadata carries provenance for a canonical action.
type ActionMetadata struct {
	Source     string  `json:"source"`
	Site       string  `json:"site,omitempty"`
	Confidence float64 `json:"confidence"`
}

// CanonicalAction is one logical intent with its ordered steps.
type CanonicalAction struct {
	Intent   string          `json:"intent"`
	Steps    []CanonicalStep `json:"steps"`
	Metadata ActionMetadata  `json:"metadata"`
}

// =============================================================================
// SKILLS
// =============================================================================

// BackoffKind is the retry backoff family.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
	BackoffFibonacci   BackoffKind = "fibonacci"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy declares how a skill's steps may be retried.
type RetryPolicy struct {
	MaxRetries int         `json:"maxRetries"`
	Backoff    BackoffKind `json:"backoff"`
	DelayMs    int         `json:"delayMs"`
}

// RateLimit declares request budgets for a skill.
type RateLimit struct {
	PerHost   int `json:"perHost"`
	Global    int `json:"global"`
	WindowSec int `json:"windowSec"`
}

// SkillSpec annotates canonical steps with declared inputs/outputs, a retry
// policy, safety checks, and an optional rate limit.
type SkillSpec struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Inputs       []string        `json:"inputs"`
	Outputs      []string        `json:"outputs"`
	Steps        []CanonicalStep `json:"steps"`
	RetryPolicy  RetryPolicy     `json:"retryPolicy"`
	SafetyChecks []string        `json:"safetyChecks"`
	RateLimit    *RateLimit      `json:"rateLimit,omitempty"`
}

// =============================================================================
// PLANNED COMMANDS
// =============================================================================

// CommandKind is the closed set of driver commands a plan may contain.
type CommandKind string

const (
	CmdGoto         CommandKind = "goto"
	CmdFill         CommandKind = "fill"
	CmdClick        CommandKind = "click"
	CmdWaitFor      CommandKind = "waitFor"
	CmdSelectOption CommandKind = "selectOption"
	CmdPress        CommandKind = "press"
	CmdHover        CommandKind = "hover"
	CmdScroll       CommandKind = "scroll"
)

// Command is one planned driver operation.
type Command struct {
	Kind     CommandKind `json:"kind"`
	Selector string      `json:"selector,omitempty"`
	Value    string      `json:"value,omitempty"`
	URL      string      `json:"url,omitempty"`
	Key      string      `json:"key,omitempty"`
	X        float64     `json:"x,omitempty"`
	Y        float64     `json:"y,omitempty"`
	Timeout  int         `json:"timeout,omitempty"` // milliseconds
	Intent   string      `json:"intent,omitempty"`
}

// Critical reports whether a terminal failure of this command halts the plan.
func (c Command) Critical() bool {
	switch c.Kind {
	case CmdGoto, CmdClick, CmdFill:
		return true
	}
	return false
}

// =============================================================================
// EXECUTION RESULTS
// =============================================================================

// CommandStatus is the outcome of one executed command.
type CommandStatus string

const (
	CommandSuccess CommandStatus = "success"
	CommandFailed  CommandStatus = "failed"
	CommandSkipped CommandStatus = "skipped"
)

// CommandRecord is the per-command entry of an ExecutionResult.
type CommandRecord struct {
	Command    Command       `json:"command"`
	Status     CommandStatus `json:"status"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Screenshot string        `json:"screenshot,omitempty"`
	Healed     bool          `json:"healed,omitempty"`
}

// ExecutionMetrics aggregates recovery counters for one run.
type ExecutionMetrics struct {
	SelectorHealingAttempts  int `json:"selectorHealingAttempts"`
	SelectorHealingSuccesses int `json:"selectorHealingSuccesses"`
	Retries                  int `json:"retries"`
}

// Artifacts lists files produced during a run.
type Artifacts struct {
	Screenshots []string `json:"screenshots"`
}

// ExecutionResult is the terminal report for one executed plan.
type ExecutionResult struct {
	Status        string                 `json:"status"`
	JobID         string                 `json:"jobId"`
	StartTime     time.Time              `json:"startTime"`
	EndTime       time.Time              `json:"endTime"`
	Duration      time.Duration          `json:"duration"`
	Commands      []CommandRecord        `json:"commands"`
	Artifacts     Artifacts              `json:"artifacts"`
	Metrics       ExecutionMetrics       `json:"metrics"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Error         string                 `json:"error,omitempty"`
	KnowledgeGaps []string               `json:"knowledgeGaps,omitempty"`
}

// Success reports whether the run ended successfully.
func (r *ExecutionResult) Success() bool { return r.Status == "success" }

// =============================================================================
// JOBS
// =============================================================================

// JobStatus is the closed set of job lifecycle states.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobFailed   JobStatus = "failed"
	JobRetrying JobStatus = "retrying"
	JobBlocked  JobStatus = "blocked"
	JobCaptcha  JobStatus = "captcha"
)

// Terminal reports whether the status admits no further transition.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Job tracks one submitted recording through its lifecycle.
type Job struct {
	ID          string           `json:"id"`
	Status      JobStatus        `json:"status"`
	Recording   []byte           `json:"recording,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// LogLine is one timestamped job log entry.
type LogLine struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}
