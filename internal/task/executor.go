package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"webpilot/internal/browser"
	"webpilot/internal/executor"
	"webpilot/internal/knowledge"
	"webpilot/internal/launcher"
	"webpilot/internal/logging"
	"webpilot/internal/plan"
	"webpilot/internal/recording"
	"webpilot/internal/siteconfig"
	"webpilot/internal/types"
)

// Mobile viewport used while replaying login transcripts; many sites serve a
// simpler login form to phones.
const (
	mobileWidth  = 390
	mobileHeight = 844

	desktopWidth  = 1920
	desktopHeight = 1080
)

// intentGroups pattern-matches related intents for cross-task selector
// adoption.
var intentGroups = []string{"login", "search", "submit", "navigate"}

// TaskExecutor runs tasks end to end on top of the command executor.
type TaskExecutor struct {
	driver  browser.Driver
	runner  *executor.Executor
	planner *plan.Planner
	kb      *knowledge.KnowledgeBase
	sites   *siteconfig.Manager
	hub     *launcher.Generator
	arena   *Arena

	sleep   func(ctx context.Context, d time.Duration) error
	randInt func(min, max int) int
}

// NewTaskExecutor wires a task executor. hub and sites may be nil.
func NewTaskExecutor(driver browser.Driver, runner *executor.Executor, planner *plan.Planner,
	kb *knowledge.KnowledgeBase, sites *siteconfig.Manager, hub *launcher.Generator, arena *Arena) *TaskExecutor {
	return &TaskExecutor{
		driver:  driver,
		runner:  runner,
		planner: planner,
		kb:      kb,
		sites:   sites,
		hub:     hub,
		arena:   arena,
		sleep: func(ctx context.Context, d time.Duration) error {
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
		},
		randInt: func(min, max int) int { return min + rand.Intn(max-min+1) },
	}
}

// HasLoginKnowledge reports whether a login transcript is available for the
// website owning the task.
func (te *TaskExecutor) HasLoginKnowledge(taskID string) bool {
	website, ok := te.arena.WebsiteOf(taskID)
	if !ok {
		return false
	}
	_, has := te.arena.LoginRecording(website.ID, taskID)
	return has
}

// ExecuteTask runs a task against a target URL and returns the merged result
// including scraped data.
func (te *TaskExecutor) ExecuteTask(ctx context.Context, taskID, targetURL string, params map[string]string) (*types.ExecutionResult, error) {
	task, ok := te.arena.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	website, _ := te.arena.WebsiteOf(taskID)
	best := task.BestRecording()
	if best == nil {
		return nil, fmt.Errorf("task %s has no recordings", taskID)
	}

	timer := logging.StartTimer(logging.CategoryTask, "executeTask")
	defer timer.Stop()

	page, err := te.driver.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	result := &types.ExecutionResult{
		Status:    "success",
		StartTime: time.Now(),
		Data:      make(map[string]interface{}),
	}

	site := recording.Host(targetURL)
	if err := te.openTarget(ctx, page, website, targetURL); err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		te.finish(taskID, result)
		return result, nil
	}

	justLoggedIn := false
	if te.looksLikeLoginPage(ctx, page) {
		if loginRec, has := te.arena.LoginRecording(website.ID, taskID); has {
			logging.Task("Login page detected at %s, replaying login transcript", page.URL())
			if err := te.performLogin(ctx, page, loginRec, params); err != nil {
				logging.TaskWarn("Login replay failed: %v", err)
			} else {
				justLoggedIn = true
			}
			// The login may have landed elsewhere; head back to the target.
			if err := te.navigateWithStrategy(ctx, page, targetURL); err != nil {
				logging.TaskWarn("Post-login navigation failed: %v", err)
			}
		}
	}

	if err := te.verifyArrival(ctx, page, targetURL, best, justLoggedIn); err != nil {
		logging.TaskWarn("Arrival verification failed (%v), retrying navigation once", err)
		if navErr := te.navigateWithStrategy(ctx, page, targetURL); navErr == nil {
			err = te.verifyArrival(ctx, page, targetURL, best, justLoggedIn)
		}
		if err != nil {
			result.Status = "failed"
			result.Error = fmt.Sprintf("arrival verification failed: %v", err)
			te.finish(taskID, result)
			return result, nil
		}
	}

	te.executeRecording(ctx, page, website, best, params, site, targetURL, result)

	te.scrapeAll(ctx, page, best, result)

	te.finish(taskID, result)
	return result, nil
}

func (te *TaskExecutor) finish(taskID string, result *types.ExecutionResult) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err := te.arena.RecordExecution(taskID, result.Success()); err != nil {
		logging.TaskWarn("Failed to record execution: %v", err)
	}
}

// openTarget opens the target via the hub page when available, falling back
// to direct navigation.
func (te *TaskExecutor) openTarget(ctx context.Context, page browser.Page, website Website, targetURL string) error {
	if te.hub != nil && website.Domain != "" {
		if hubURL := te.hub.FileURL(); hubURL != "" {
			if err := page.Goto(ctx, hubURL, "load"); err == nil {
				if err := page.Click(ctx, launcher.LinkSelector(website.Domain)); err == nil {
					// Hub links open in a new tab; this page follows directly.
					if err := te.navigateWithStrategy(ctx, page, targetURL); err == nil {
						return nil
					}
				}
			}
			logging.TaskDebug("Hub navigation unavailable, going direct")
		}
	}
	return te.navigateWithStrategy(ctx, page, targetURL)
}

// navigateWithStrategy applies the per-site navigation strategy: the load
// path with a post-load wait for high-activity sites, otherwise networkidle
// with load and domcontentloaded fallbacks, then custom selector waits.
func (te *TaskExecutor) navigateWithStrategy(ctx context.Context, page browser.Page, targetURL string) error {
	cfg := siteconfig.SiteCfg{NavigationTimeout: 30000, WaitUntil: "networkidle"}
	if te.sites != nil {
		cfg = te.sites.For(targetURL)
	}
	navCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.NavigationTimeout)*time.Millisecond)
	defer cancel()

	var err error
	if cfg.HighActivity {
		err = page.Goto(navCtx, targetURL, "load")
		if err == nil && cfg.PostLoadWait > 0 {
			err = te.sleep(ctx, time.Duration(cfg.PostLoadWait)*time.Millisecond)
		}
	} else {
		err = page.Goto(navCtx, targetURL, cfg.WaitUntil)
		if err != nil {
			logging.TaskDebug("Navigation with %s failed (%v), trying load", cfg.WaitUntil, err)
			err = page.Goto(navCtx, targetURL, "load")
		}
		if err != nil {
			err = page.Goto(navCtx, targetURL, "domcontentloaded")
		}
	}
	if err != nil {
		return fmt.Errorf("navigate %s: %w", targetURL, err)
	}

	if len(cfg.CustomWaitSelectors) > 0 {
		if !te.awaitAny(ctx, page, cfg.CustomWaitSelectors, cfg.CustomWaitTimeout) {
			if len(cfg.CustomWaitFallbackSelectors) > 0 &&
				te.awaitAny(ctx, page, cfg.CustomWaitFallbackSelectors, cfg.CustomWaitFallbackTimeout) {
				// fallback matched
			} else if cfg.FallbackWait > 0 {
				_ = te.sleep(ctx, time.Duration(cfg.FallbackWait)*time.Millisecond)
			}
		}
	}
	if cfg.AdditionalWaitAfterLoad > 0 {
		_ = te.sleep(ctx, time.Duration(cfg.AdditionalWaitAfterLoad)*time.Millisecond)
	}
	return nil
}

// awaitAny races the selectors: polls until one matches or the timeout runs
// out.
func (te *TaskExecutor) awaitAny(ctx context.Context, page browser.Page, selectors []string, timeoutMs int) bool {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, sel := range selectors {
			if n, err := page.Count(ctx, sel); err == nil && n > 0 {
				return true
			}
		}
		if te.sleep(ctx, 200*time.Millisecond) != nil {
			return false
		}
	}
	return false
}

// looksLikeLoginPage checks for a password field or login wording.
func (te *TaskExecutor) looksLikeLoginPage(ctx context.Context, page browser.Page) bool {
	if n, err := page.Count(ctx, "input[type='password']"); err == nil && n > 0 {
		return true
	}
	url := strings.ToLower(page.URL())
	return strings.Contains(url, "login") || strings.Contains(url, "signin") || strings.Contains(url, "sign-in")
}

// performLogin replays the login transcript directly on a mobile viewport,
// which is more forgiving than canonicalised steps when selectors drift.
func (te *TaskExecutor) performLogin(ctx context.Context, page browser.Page, rec *TaskRecording, params map[string]string) error {
	if err := page.SetViewport(mobileWidth, mobileHeight, true); err != nil {
		logging.TaskDebug("Mobile viewport switch failed: %v", err)
	}
	defer func() {
		if err := page.SetViewport(desktopWidth, desktopHeight, false); err != nil {
			logging.TaskDebug("Viewport restore failed: %v", err)
		}
	}()
	return te.replayTranscript(ctx, page, &rec.Normalized, params)
}

// replayTranscript executes a normalised transcript step by step with human
// typing cadence.
func (te *TaskExecutor) replayTranscript(ctx context.Context, page browser.Page, norm *recording.Normalized, params map[string]string) error {
	inputIndex := 0
	for i, step := range norm.Steps {
		var err error
		switch step.Type {
		case recording.StepNavigate:
			err = page.Goto(ctx, step.URL, "load")
		case recording.StepInput:
			value := bindFillValue(step.Selector, stepValue(step), params, inputIndex)
			inputIndex++
			err = page.TypeText(ctx, step.Selector, value, true)
		case recording.StepClick:
			err = page.Click(ctx, step.Selector)
		case recording.StepWaitForSelector:
			err = page.WaitForSelector(ctx, step.Selector)
		case recording.StepWaitForTimeout, recording.StepWait:
			wait := step.Timeout
			if wait == 0 {
				wait = 1000
			}
			err = te.sleep(ctx, time.Duration(wait)*time.Millisecond)
		case recording.StepKeyDown:
			err = page.Press(ctx, step.Selector, step.Key)
		case recording.StepScroll:
			err = page.ScrollBy(ctx, step.OffsetX, step.OffsetY)
		case recording.StepAssert:
			if step.Selector != "" {
				if n, cntErr := page.Count(ctx, step.Selector); cntErr == nil && n == 0 {
					err = fmt.Errorf("assertion failed: %s not present", step.Selector)
				}
			}
		default:
			// pause, keyUp, scrape: nothing to replay here
		}
		if err != nil {
			return fmt.Errorf("transcript step %d (%s): %w", i, step.Type, err)
		}
	}
	return nil
}

// verifyArrival checks host, path prefix, and one expected selector from the
// best recording. Fresh logins get slack on the selector check.
func (te *TaskExecutor) verifyArrival(ctx context.Context, page browser.Page, targetURL string, best *TaskRecording, justLoggedIn bool) error {
	current := page.URL()
	if recording.NormalizeDomain(recording.Host(current)) != recording.NormalizeDomain(recording.Host(targetURL)) {
		return fmt.Errorf("host mismatch: at %s, want %s", current, targetURL)
	}
	wantPath := urlPath(targetURL)
	gotPath := urlPath(current)
	if wantPath != "/" && wantPath != "" && !strings.HasPrefix(gotPath, wantPath) && !strings.HasPrefix(wantPath, gotPath) {
		if gotPath != "/" {
			return fmt.Errorf("path mismatch: at %s, want prefix %s", gotPath, wantPath)
		}
	}

	selectors := expectedSelectors(best)
	if len(selectors) == 0 || justLoggedIn {
		return nil
	}
	for _, sel := range selectors {
		if n, err := page.Count(ctx, sel); err == nil && n > 0 {
			return nil
		}
	}
	return errors.New("no expected selector found on page")
}

// expectedSelectors are the CSS selectors the recording interacted with.
func expectedSelectors(rec *TaskRecording) []string {
	var out []string
	for _, action := range rec.Actions {
		for _, step := range action.Steps {
			if step.Target != nil && step.Target.Strategy == types.StrategyCSS && step.Target.Selector != "" {
				out = append(out, step.Target.Selector)
				if len(out) >= 5 {
					return out
				}
			}
		}
	}
	return out
}

// executeRecording plans and runs the recording's actions, adopting
// selectors from knowledge and sibling tasks when recorded ones no longer
// resolve; actions without usable selectors fall back to raw transcript
// replay.
func (te *TaskExecutor) executeRecording(ctx context.Context, page browser.Page, website Website, best *TaskRecording, params map[string]string, site, targetURL string, result *types.ExecutionResult) {
	for _, action := range best.Actions {
		if !usableSelectors(action) {
			logging.Task("Action %s lacks usable selectors, replaying transcript directly", action.Intent)
			if err := te.replayTranscript(ctx, page, &best.Normalized, params); err != nil {
				result.Status = "failed"
				result.Error = err.Error()
				return
			}
			continue
		}

		adopted := te.adoptSelectors(ctx, page, website, action)
		commands := te.planner.Plan([]types.CanonicalAction{adopted})
		commands = bindParameters(commands, params)

		sub := te.runner.Execute(ctx, page, commands, executor.Options{
			JobID:       best.ID,
			Site:        site,
			ExpectedURL: targetURL,
		})
		mergeResults(result, sub)
		if sub.Status != "success" {
			result.Status = "failed"
			result.Error = sub.Error
			return
		}
	}
}

func usableSelectors(action types.CanonicalAction) bool {
	for _, step := range action.Steps {
		switch step.Action {
		case types.ActionFill, types.ActionClick, types.ActionSelect, types.ActionHover:
			if step.Target == nil || step.Target.Selector == "" {
				return false
			}
		}
	}
	return true
}

// adoptSelectors pre-resolves each step's selector on the live page; dead
// ones are replaced from the knowledge base first, then from sibling tasks
// with the same intent (exact, then pattern-grouped), when the candidate is
// visible.
func (te *TaskExecutor) adoptSelectors(ctx context.Context, page browser.Page, website Website, action types.CanonicalAction) types.CanonicalAction {
	out := action
	out.Steps = append([]types.CanonicalStep(nil), action.Steps...)

	site := recording.NormalizeDomain(recording.Host(page.URL()))
	for i := range out.Steps {
		step := &out.Steps[i]
		if step.Target == nil || step.Target.Selector == "" {
			continue
		}
		if n, err := page.Count(ctx, step.Target.Selector); err == nil && n > 0 {
			continue
		}

		if te.kb != nil {
			if h, ok := te.kb.BestSelector(site, step.Target.Selector); ok && h.HealedSelector != "" && h.SuccessRate() > 0.5 {
				if n, err := page.Count(ctx, h.HealedSelector); err == nil && n > 0 {
					logging.Task("Adopted learned selector %q for %q", h.HealedSelector, step.Target.Selector)
					step.Target = &types.Target{Strategy: types.StrategyCSS, Selector: h.HealedSelector}
					continue
				}
			}
		}

		if alt := te.siblingSelector(ctx, page, website, action.Intent, step.Action); alt != "" {
			logging.Task("Adopted sibling-task selector %q for %q", alt, step.Target.Selector)
			step.Target = &types.Target{Strategy: types.StrategyCSS, Selector: alt}
		}
	}
	return out
}

// siblingSelector searches other tasks in the same website for a step of the
// same action whose intent matches (exactly, then by pattern group) and whose
// selector is visible on the current page.
func (te *TaskExecutor) siblingSelector(ctx context.Context, page browser.Page, website Website, intent string, action types.ActionType) string {
	if sel := te.scanSiblings(ctx, page, website, action, func(other string) bool { return other == intent }); sel != "" {
		return sel
	}
	group := intentGroup(intent)
	if group == "" {
		return ""
	}
	return te.scanSiblings(ctx, page, website, action, func(other string) bool { return intentGroup(other) == group })
}

func (te *TaskExecutor) scanSiblings(ctx context.Context, page browser.Page, website Website, action types.ActionType, match func(intent string) bool) string {
	for ti := range website.Tasks {
		for ri := range website.Tasks[ti].Recordings {
			for _, a := range website.Tasks[ti].Recordings[ri].Actions {
				if !match(a.Intent) {
					continue
				}
				for _, step := range a.Steps {
					if step.Action != action || step.Target == nil || step.Target.Selector == "" {
						continue
					}
					if visible, err := page.IsVisible(ctx, step.Target.Selector); err == nil && visible {
						return step.Target.Selector
					}
				}
			}
		}
	}
	return ""
}

func intentGroup(intent string) string {
	lower := strings.ToLower(intent)
	for _, group := range intentGroups {
		if strings.Contains(lower, group) {
			return group
		}
	}
	return ""
}

// scrapeAll extracts every scrape step of the recording into the result data
// map; missing data is reported as a knowledge gap, not a failure.
func (te *TaskExecutor) scrapeAll(ctx context.Context, page browser.Page, best *TaskRecording, result *types.ExecutionResult) {
	for _, step := range best.Normalized.Steps {
		if step.Type != recording.StepScrape || step.DataKey == "" {
			continue
		}
		value, err := scrapeStep(ctx, page, step)
		if err != nil {
			logging.TaskWarn("Scrape %q failed: %v", step.DataKey, err)
			result.KnowledgeGaps = append(result.KnowledgeGaps, "scrape:"+step.DataKey)
			continue
		}
		result.Data[step.DataKey] = value
	}
}

func mergeResults(into *types.ExecutionResult, sub *types.ExecutionResult) {
	into.Commands = append(into.Commands, sub.Commands...)
	into.Artifacts.Screenshots = append(into.Artifacts.Screenshots, sub.Artifacts.Screenshots...)
	into.Metrics.SelectorHealingAttempts += sub.Metrics.SelectorHealingAttempts
	into.Metrics.SelectorHealingSuccesses += sub.Metrics.SelectorHealingSuccesses
	into.Metrics.Retries += sub.Metrics.Retries
	into.KnowledgeGaps = append(into.KnowledgeGaps, sub.KnowledgeGaps...)
}

func stepValue(step recording.NormalizedStep) string {
	if step.Value != "" {
		return step.Value
	}
	return step.Text
}

// bindFillValue resolves what to type: explicit per-selector parameter,
// template variables, email/password heuristics, positional input_k, then a
// single-parameter fallback.
func bindFillValue(selector, recorded string, params map[string]string, position int) string {
	if len(params) == 0 {
		return recorded
	}
	if v, ok := params[selector]; ok {
		return v
	}
	if name := templateVar(recorded); name != "" {
		if v, ok := params[name]; ok {
			return v
		}
	}
	lower := strings.ToLower(selector)
	if strings.Contains(lower, "email") || strings.Contains(lower, "type='email'") || strings.Contains(lower, `type="email"`) {
		if v, ok := params["email"]; ok {
			return v
		}
	}
	if strings.Contains(lower, "password") {
		if v, ok := params["password"]; ok {
			return v
		}
	}
	if v, ok := params[fmt.Sprintf("input_%d", position)]; ok {
		return v
	}
	if len(params) == 1 && recorded == "" {
		for _, v := range params {
			return v
		}
	}
	return recorded
}

func templateVar(value string) string {
	start := strings.Index(value, "{{")
	end := strings.Index(value, "}}")
	if start < 0 || end <= start+2 {
		return ""
	}
	return strings.TrimSpace(value[start+2 : end])
}

// bindParameters rewrites fill command values from the parameter map.
func bindParameters(commands []types.Command, params map[string]string) []types.Command {
	if len(params) == 0 {
		return commands
	}
	out := append([]types.Command(nil), commands...)
	position := 0
	for i := range out {
		if out[i].Kind != types.CmdFill {
			continue
		}
		out[i].Value = bindFillValue(out[i].Selector, out[i].Value, params, position)
		position++
	}
	return out
}

func urlPath(raw string) string {
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		path := rest[i:]
		if j := strings.IndexAny(path, "?#"); j >= 0 {
			path = path[:j]
		}
		return path
	}
	return "/"
}
