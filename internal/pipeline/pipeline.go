// Package pipeline chains the processing stages that turn a raw recorder
// transcript into an executed, learned-from job: preprocess, intent
// extraction, skill generation, command planning, execution, knowledge
// update.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"webpilot/internal/browser"
	"webpilot/internal/executor"
	"webpilot/internal/intent"
	"webpilot/internal/knowledge"
	"webpilot/internal/logging"
	"webpilot/internal/plan"
	"webpilot/internal/recording"
	"webpilot/internal/skill"
	"webpilot/internal/types"
)

// Pipeline owns one instance of every stage. The knowledge base may be nil;
// learning is skipped then.
type Pipeline struct {
	pre       *recording.Preprocessor
	extractor *intent.Extractor
	skills    *skill.Generator
	planner   *plan.Planner
	runner    *executor.Executor
	knowledge *knowledge.KnowledgeBase
	driver    browser.Driver
}

// New assembles a pipeline from its stages.
func New(extractor *intent.Extractor, skills *skill.Generator, planner *plan.Planner,
	runner *executor.Executor, kb *knowledge.KnowledgeBase, driver browser.Driver) *Pipeline {
	return &Pipeline{
		pre:       recording.NewPreprocessor(),
		extractor: extractor,
		skills:    skills,
		planner:   planner,
		runner:    runner,
		knowledge: kb,
		driver:    driver,
	}
}

// RunOptions parameterise one pipeline run.
type RunOptions struct {
	JobID         string
	TargetURL     string
	Parameters    map[string]string
	Screenshots   bool
	ScreenshotDir string
	Timeout       int // ms per command, 0 for the default

	// PageObserver, when set, sees the live page for the duration of the run.
	// The returned release func fires before the page closes.
	PageObserver func(page browser.Page) (release func())
}

// Plan holds the intermediate artefacts of the processing stages, exposed
// for replay debugging.
type Plan struct {
	Normalized *recording.Normalized   `json:"normalized"`
	Metadata   recording.Metadata      `json:"metadata"`
	Actions    []types.CanonicalAction `json:"actions"`
	Skills     []types.SkillSpec       `json:"skills"`
	Commands   []types.Command         `json:"commands"`
}

// Process runs the non-executing stages only: parse, normalise, extract,
// generate, plan.
func (p *Pipeline) Process(ctx context.Context, raw []byte, params map[string]string) (*Plan, error) {
	transcript, err := p.pre.Parse(raw)
	if err != nil {
		return nil, err
	}
	normalized, err := p.pre.Normalize(transcript)
	if err != nil {
		return nil, err
	}
	meta := p.pre.ExtractMetadata(normalized)

	actions := p.extractor.Extract(ctx, normalized, meta)
	if len(params) > 0 {
		for i := range actions {
			actions[i].Steps = skill.BindInputs(actions[i].Steps, params)
		}
	}
	skills := p.skills.Generate(actions)
	commands := p.planner.Plan(actions)

	logging.Pipeline("Processed recording: %d steps, %d actions, %d commands (site=%s)",
		len(normalized.Steps), len(actions), len(commands), meta.Site)

	return &Plan{
		Normalized: normalized,
		Metadata:   meta,
		Actions:    actions,
		Skills:     skills,
		Commands:   commands,
	}, nil
}

// Run executes a raw recording end to end and feeds the outcome back into
// the knowledge base.
func (p *Pipeline) Run(ctx context.Context, raw []byte, opts RunOptions) (*types.ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Run")
	defer timer.Stop()

	pl, err := p.Process(ctx, raw, opts.Parameters)
	if err != nil {
		return nil, err
	}
	if len(pl.Commands) == 0 {
		logging.Pipeline("Recording produced no executable commands, nothing to run")
		now := time.Now()
		return &types.ExecutionResult{
			Status:    "success",
			JobID:     opts.JobID,
			StartTime: now,
			EndTime:   now,
		}, nil
	}

	page, err := p.driver.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if opts.PageObserver != nil {
		if release := opts.PageObserver(page); release != nil {
			defer release()
		}
	}

	expected := opts.TargetURL
	if expected == "" {
		expected = pl.Metadata.URL
	}

	result := p.runner.Execute(ctx, page, pl.Commands, executor.Options{
		JobID:          opts.JobID,
		Site:           pl.Metadata.Site,
		ExpectedURL:    expected,
		Screenshots:    opts.Screenshots,
		ScreenshotDir:  opts.ScreenshotDir,
		DefaultTimeout: opts.Timeout,
	})

	if p.knowledge != nil {
		p.knowledge.LearnFromJob(pl.Metadata.Site, pl.Actions, result, pl.Normalized)
	}
	return result, nil
}
