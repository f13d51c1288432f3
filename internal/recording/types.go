// Package recording defines the recorder transcript model and the
// preprocessor that validates and normalises raw transcripts before intent
// extraction.
package recording

import "encoding/json"

// StepType is the closed set of recognised recorder step kinds.
type StepType string

const (
	StepClick           StepType = "click"
	StepInput           StepType = "input"
	StepNavigate        StepType = "navigate"
	StepWaitForSelector StepType = "waitForSelector"
	StepWaitForTimeout  StepType = "waitForTimeout"
	StepWait            StepType = "wait"
	StepPause           StepType = "pause"
	StepAssert          StepType = "assert"
	StepScroll          StepType = "scroll"
	StepKeyDown         StepType = "keyDown"
	StepKeyUp           StepType = "keyUp"
	StepScrape          StepType = "scrape"
)

// RefStrategy tags how an element reference should be interpreted.
type RefStrategy string

const (
	RefCSS           RefStrategy = "css"
	RefXPath         RefStrategy = "xpath"
	RefAccessibility RefStrategy = "accessibility"
	RefPiercing      RefStrategy = "piercing"
	RefText          RefStrategy = "text"
	RefRole          RefStrategy = "role"
	RefTestID        RefStrategy = "testId"
	RefLabel         RefStrategy = "label"
	RefVisual        RefStrategy = "visual"
)

// Ref is one alternative element reference inside a selector group.
type Ref struct {
	Strategy RefStrategy `json:"strategy,omitempty"`
	Value    string      `json:"value"`
}

// ScrapeField describes one field of a structured scrape.
type ScrapeField struct {
	Key       string `json:"key"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
	Required  bool   `json:"required,omitempty"`
	Transform string `json:"transform,omitempty"`
}

// Step is one raw recorder step. Selector groups are ordered lists of
// alternatives; each alternative is an opaque string (CSS by default, with
// the well-known prefixes aria/, xpath/, pierce/).
type Step struct {
	Type              string              `json:"type"`
	Selectors         [][]json.RawMessage `json:"selectors,omitempty"`
	Selector          string              `json:"selector,omitempty"`
	Text              string              `json:"text,omitempty"`
	Value             string              `json:"value,omitempty"`
	URL               string              `json:"url,omitempty"`
	Frame             string              `json:"frame,omitempty"`
	Target            string              `json:"target,omitempty"`
	Key               string              `json:"key,omitempty"`
	OffsetX           float64             `json:"offsetX,omitempty"`
	OffsetY           float64             `json:"offsetY,omitempty"`
	Timeout           int                 `json:"timeout,omitempty"`
	Timestamp         int64               `json:"timestamp,omitempty"`
	AssertedEvents    []AssertedEvent     `json:"assertedEvents,omitempty"`
	DataKey           string              `json:"dataKey,omitempty"`
	Attribute         string              `json:"attribute,omitempty"`
	Multiple          bool                `json:"multiple,omitempty"`
	Transform         string              `json:"transform,omitempty"`
	Structure         []ScrapeField       `json:"structure,omitempty"`
	ContainerSelector string              `json:"containerSelector,omitempty"`
}

// AssertedEvent carries navigation assertions emitted by some recorders.
type AssertedEvent struct {
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Transcript is an ordered interaction log produced by a browser recorder.
type Transcript struct {
	Title    string                 `json:"title,omitempty"`
	URL      string                 `json:"url,omitempty"`
	Steps    []Step                 `json:"steps"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NormalizedStep is a validated, canonicalised step. The selector is the
// chosen reference out of the raw step's alternative groups.
type NormalizedStep struct {
	Type              StepType      `json:"type"`
	Selector          string        `json:"selector,omitempty"`
	Alternatives      []string      `json:"alternatives,omitempty"`
	Text              string        `json:"text,omitempty"`
	Value             string        `json:"value,omitempty"`
	URL               string        `json:"url,omitempty"`
	Frame             string        `json:"frame,omitempty"`
	Target            string        `json:"target,omitempty"`
	Key               string        `json:"key,omitempty"`
	OffsetX           float64       `json:"offsetX,omitempty"`
	OffsetY           float64       `json:"offsetY,omitempty"`
	Timeout           int           `json:"timeout,omitempty"`
	Timestamp         int64         `json:"timestamp"`
	DataKey           string        `json:"dataKey,omitempty"`
	Attribute         string        `json:"attribute,omitempty"`
	Multiple          bool          `json:"multiple,omitempty"`
	Transform         string        `json:"transform,omitempty"`
	Structure         []ScrapeField `json:"structure,omitempty"`
	ContainerSelector string        `json:"containerSelector,omitempty"`
}

// Normalized is the preprocessor output: the canonical form of a transcript.
type Normalized struct {
	Title string           `json:"title,omitempty"`
	URL   string           `json:"url,omitempty"`
	Steps []NormalizedStep `json:"steps"`
}

// Metadata summarises a normalised transcript for downstream planning.
type Metadata struct {
	Site          string `json:"site"`
	URL           string `json:"url"`
	TargetURL     string `json:"targetUrl"`
	StepCount     int    `json:"stepCount"`
	HasNavigation bool   `json:"hasNavigation"`
	HasInput      bool   `json:"hasInput"`
	HasAssertion  bool   `json:"hasAssertion"`
}
