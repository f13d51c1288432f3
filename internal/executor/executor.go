// Package executor drives planned commands against a live page in strict
// order, healing broken selectors, retrying classified failures, and asking
// the intelligence engine what to do between commands.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"webpilot/internal/analyzer"
	"webpilot/internal/browser"
	"webpilot/internal/healer"
	"webpilot/internal/intelligence"
	"webpilot/internal/knowledge"
	"webpilot/internal/logging"
	"webpilot/internal/perf"
	"webpilot/internal/strategy"
	"webpilot/internal/types"
)

// ErrRequiresHuman aborts a plan that hit a captcha or hard block; the job
// layer maps it to a blocked status.
var ErrRequiresHuman = errors.New("human interaction required")

const (
	maxHealingCandidates = 5

	clickDelayMinMs = 200
	clickDelayMaxMs = 800
	fillDelayMinMs  = 300
	fillDelayMaxMs  = 800
)

// Options configure one execution run.
type Options struct {
	JobID          string
	Site           string
	ExpectedURL    string
	Screenshots    bool
	ScreenshotDir  string
	DefaultTimeout int // ms, applied when a command has none
}

// Executor runs command plans. Collaborators other than the page may be nil;
// missing ones disable the corresponding behaviour.
type Executor struct {
	healer    *healer.SelectorHealer
	knowledge *knowledge.KnowledgeBase
	retry     *strategy.AdaptiveRetry
	engine    *intelligence.Engine
	analyzer  *analyzer.PageAnalyzer
	monitor   *perf.Monitor

	// injectable for deterministic tests
	sleep   func(ctx context.Context, d time.Duration) error
	randInt func(min, max int) int
}

// New wires an executor.
func New(h *healer.SelectorHealer, kb *knowledge.KnowledgeBase, retry *strategy.AdaptiveRetry,
	engine *intelligence.Engine, pa *analyzer.PageAnalyzer, monitor *perf.Monitor) *Executor {
	return &Executor{
		healer:    h,
		knowledge: kb,
		retry:     retry,
		engine:    engine,
		analyzer:  pa,
		monitor:   monitor,
		sleep:     sleepCtx,
		randInt:   func(min, max int) int { return min + rand.Intn(max-min+1) },
	}
}

// Execute runs the plan and returns a terminal result. Commands execute
// serially; a critical command that fails after all recovery halts the plan.
func (e *Executor) Execute(ctx context.Context, page browser.Page, commands []types.Command, opts Options) *types.ExecutionResult {
	result := &types.ExecutionResult{
		Status:    "success",
		JobID:     opts.JobID,
		StartTime: time.Now(),
	}
	timer := logging.StartTimer(logging.CategoryExecutor, "executePlan")
	defer timer.Stop()

	for i, cmd := range commands {
		if err := ctx.Err(); err != nil {
			result.Status = "failed"
			result.Error = "cancelled"
			break
		}

		rec := e.executeCommand(ctx, page, cmd, opts, result)
		result.Commands = append(result.Commands, rec)

		if rec.Status == types.CommandFailed {
			if errors.Is(errFromRecord(rec), ErrRequiresHuman) {
				result.Status = "failed"
				result.Error = rec.Error
				break
			}
			if cmd.Critical() {
				result.Status = "failed"
				result.Error = fmt.Sprintf("critical command %d (%s) failed: %s", i, cmd.Kind, rec.Error)
				logging.ExecutorError("Plan halted at command %d: %s", i, rec.Error)
				break
			}
			logging.Executor("Non-critical command %d (%s) failed, continuing", i, cmd.Kind)
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result
}

// errFromRecord reconstructs the sentinel check; records carry strings.
func errFromRecord(rec types.CommandRecord) error {
	if strings.Contains(rec.Error, ErrRequiresHuman.Error()) {
		return ErrRequiresHuman
	}
	return errors.New(rec.Error)
}

// executeCommand runs one command with pre/post engine consultation, healing,
// and adaptive retries.
func (e *Executor) executeCommand(ctx context.Context, page browser.Page, cmd types.Command, opts Options, result *types.ExecutionResult) types.CommandRecord {
	rec := types.CommandRecord{Command: cmd, Status: types.CommandSuccess}
	start := time.Now()

	if cmd.Kind == types.CmdGoto {
		if err := e.consultEngine(ctx, page, opts, result); err != nil {
			rec.Status = types.CommandFailed
			rec.Error = err.Error()
			rec.Duration = time.Since(start)
			return rec
		}
	}

	e.humanDelay(ctx, cmd.Kind)

	err := e.runWithTimeout(ctx, page, cmd, opts)
	e.recordAttempt(cmd, opts.Site, time.Since(start), err == nil)

	if err != nil {
		err = e.recover(ctx, page, cmd, opts, err, &rec, result)
	}

	if err != nil {
		rec.Status = types.CommandFailed
		rec.Error = err.Error()
		if opts.Screenshots {
			rec.Screenshot = e.captureScreenshot(ctx, page, opts, len(result.Commands), result)
		}
	} else {
		e.humanDelay(ctx, cmd.Kind)
		if postErr := e.consultEngine(ctx, page, opts, result); postErr != nil {
			rec.Status = types.CommandFailed
			rec.Error = postErr.Error()
		}
	}

	rec.Duration = time.Since(start)
	return rec
}

// recover tries healing for selector failures, then the adaptive retry
// schedule for everything retryable.
func (e *Executor) recover(ctx context.Context, page browser.Page, cmd types.Command, opts Options, execErr error, rec *types.CommandRecord, result *types.ExecutionResult) error {
	kind := strategy.ClassifyError(execErr.Error())

	if kind == strategy.ErrorSelector && cmd.Selector != "" && e.healer != nil {
		if healedErr := e.heal(ctx, page, cmd, opts, rec, result); healedErr == nil {
			return nil
		}
	}

	if e.retry == nil {
		return execErr
	}

	commandKey := string(cmd.Kind) + "|" + cmd.Selector + "|" + cmd.URL
	strat := e.retry.StrategyFor(kind, opts.Site, commandKey)

	var lastErr = execErr
	for attempt := 1; strategy.ShouldRetry(strat, attempt, lastErr.Error()); attempt++ {
		delay := strategy.CalculateDelay(strat, attempt)
		logging.ExecutorDebug("Retry %d/%d for %s after %dms (%s)", attempt, strat.MaxRetries, cmd.Kind, delay, kind)
		if err := e.sleep(ctx, time.Duration(delay)*time.Millisecond); err != nil {
			return err
		}

		e.retry.RecordAttempt(commandKey)
		result.Metrics.Retries++

		start := time.Now()
		lastErr = e.runWithTimeout(ctx, page, cmd, opts)
		e.recordAttempt(cmd, opts.Site, time.Since(start), lastErr == nil)
		if lastErr == nil {
			e.retry.RecordOutcome(opts.Site, kind, true)
			return nil
		}
	}
	e.retry.RecordOutcome(opts.Site, kind, false)
	return lastErr
}

// heal asks the healer for candidates and tries the top 5 in order; the first
// success wins and is recorded in the healer and the knowledge base.
func (e *Executor) heal(ctx context.Context, page browser.Page, cmd types.Command, opts Options, rec *types.CommandRecord, result *types.ExecutionResult) error {
	result.Metrics.SelectorHealingAttempts++
	if e.monitor != nil {
		defer func() { e.monitor.RecordHealing(rec.Healed) }()
	}

	hctx := e.elementContext(ctx, page, cmd.Selector, opts.Site)
	candidates := e.healer.HealSelector(ctx, page, cmd.Selector, hctx)
	if len(candidates) > maxHealingCandidates {
		candidates = candidates[:maxHealingCandidates]
	}

	for _, candidate := range candidates {
		healed := cmd
		healed.Selector = candidate.Selector
		start := time.Now()
		err := e.runWithTimeout(ctx, page, healed, opts)
		e.recordAttempt(healed, opts.Site, time.Since(start), err == nil)
		if err != nil {
			if e.knowledge != nil {
				e.knowledge.RecordHealedSelector(opts.Site, cmd.Selector, candidate.Selector, candidate.Source, false)
			}
			continue
		}

		logging.Healer("Healed %q -> %q via %s", cmd.Selector, candidate.Selector, candidate.Source)
		rec.Healed = true
		result.Metrics.SelectorHealingSuccesses++
		e.healer.RecordOutcome(opts.Site, cmd.Selector, hctx, true)
		if e.knowledge != nil {
			e.knowledge.RecordHealedSelector(opts.Site, cmd.Selector, candidate.Selector, candidate.Source, true)
		}
		return nil
	}

	e.healer.RecordOutcome(opts.Site, cmd.Selector, hctx, false)
	return fmt.Errorf("healing failed for selector %q", cmd.Selector)
}

// elementContext samples what is known about the broken element: the original
// selector first, else the first element of its tag.
func (e *Executor) elementContext(ctx context.Context, page browser.Page, selector, site string) healer.Context {
	hctx := healer.Context{Site: site}
	if page == nil {
		return hctx
	}
	info, err := page.ElementInfo(ctx, selector)
	if err != nil {
		if tag := leadingTag(selector); tag != "" {
			info, err = page.ElementInfo(ctx, tag)
		}
	}
	if err != nil || info == nil {
		return hctx
	}
	hctx.ElementText = info.Text
	hctx.ElementAttributes = info.Attributes
	hctx.ElementType = info.Tag
	return hctx
}

func leadingTag(selector string) string {
	var tag []rune
	for _, r := range selector {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9' && len(tag) > 0) {
			tag = append(tag, r)
			continue
		}
		break
	}
	return strings.ToLower(string(tag))
}

// consultEngine analyses the page and applies the resulting decision,
// re-analysing after waits up to the decision's retry budget.
func (e *Executor) consultEngine(ctx context.Context, page browser.Page, opts Options, result *types.ExecutionResult) error {
	if e.engine == nil || e.analyzer == nil {
		return nil
	}

	for attempt := 0; ; attempt++ {
		a := e.analyzer.Analyze(ctx, page, analyzer.Expectation{URL: opts.ExpectedURL})
		d := e.engine.Decide(a, opts.Site, opts.ExpectedURL)

		switch d.Action {
		case intelligence.ActionContinue:
			return nil
		case intelligence.ActionWait:
			if attempt >= d.MaxRetries {
				if a.State == analyzer.StateLoading {
					return nil // proceed on a slow page rather than give up
				}
				return fmt.Errorf("page stuck in state %s after %d waits", a.State, attempt)
			}
			if err := e.sleep(ctx, time.Duration(d.WaitTime)*time.Millisecond); err != nil {
				return err
			}
		case intelligence.ActionNavigate:
			if err := page.Goto(ctx, d.TargetURL, "load"); err != nil {
				return fmt.Errorf("recovery navigation: %w", err)
			}
		case intelligence.ActionNavigateBack:
			if _, err := page.Eval(ctx, "() => history.back()"); err != nil {
				return fmt.Errorf("navigate back: %w", err)
			}
			if err := e.sleep(ctx, time.Second); err != nil {
				return err
			}
		case intelligence.ActionPause:
			return fmt.Errorf("%w: %s", ErrRequiresHuman, d.Reason)
		case intelligence.ActionAbort:
			return fmt.Errorf("aborted: %s", d.Reason)
		default:
			return nil
		}
	}
}

// runWithTimeout executes the raw driver call with the command's timeout.
func (e *Executor) runWithTimeout(ctx context.Context, page browser.Page, cmd types.Command, opts Options) error {
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = opts.DefaultTimeout
	}
	if timeout == 0 {
		timeout = 10000
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
	defer cancel()
	return e.run(cctx, page, cmd)
}

func (e *Executor) run(ctx context.Context, page browser.Page, cmd types.Command) error {
	switch cmd.Kind {
	case types.CmdGoto:
		return page.Goto(ctx, cmd.URL, "load")
	case types.CmdFill:
		return page.Fill(ctx, cmd.Selector, cmd.Value)
	case types.CmdClick:
		return page.Click(ctx, cmd.Selector)
	case types.CmdWaitFor:
		if cmd.Selector == "" {
			return e.sleep(ctx, time.Duration(cmd.Timeout)*time.Millisecond)
		}
		return page.WaitForSelector(ctx, cmd.Selector)
	case types.CmdSelectOption:
		return page.SelectOption(ctx, cmd.Selector, cmd.Value)
	case types.CmdPress:
		return page.Press(ctx, cmd.Selector, cmd.Key)
	case types.CmdHover:
		return page.Hover(ctx, cmd.Selector)
	case types.CmdScroll:
		return page.ScrollBy(ctx, cmd.X, cmd.Y)
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

// humanDelay applies the mandatory randomised pacing around click and fill.
func (e *Executor) humanDelay(ctx context.Context, kind types.CommandKind) {
	var min, max int
	switch kind {
	case types.CmdClick:
		min, max = clickDelayMinMs, clickDelayMaxMs
	case types.CmdFill:
		min, max = fillDelayMinMs, fillDelayMaxMs
	default:
		return
	}
	_ = e.sleep(ctx, time.Duration(e.randInt(min, max))*time.Millisecond)
}

func (e *Executor) recordAttempt(cmd types.Command, site string, d time.Duration, success bool) {
	if e.monitor == nil {
		return
	}
	e.monitor.RecordCommand(string(cmd.Kind), site, d, success)
	if cmd.Selector != "" {
		e.monitor.RecordSelector(cmd.Selector, "css", site, success)
	}
}

func (e *Executor) captureScreenshot(ctx context.Context, page browser.Page, opts Options, index int, result *types.ExecutionResult) string {
	data, err := page.Screenshot(ctx, false)
	if err != nil || len(data) == 0 {
		return ""
	}
	dir := opts.ScreenshotDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%03d.png", opts.JobID, index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logging.ExecutorError("Failed to write screenshot: %v", err)
		return ""
	}
	result.Artifacts.Screenshots = append(result.Artifacts.Screenshots, path)
	return path
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
