package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"webpilot/internal/logging"
)

// ErrInvalidRecording is returned when the input is not a transcript mapping
// or lacks an ordered steps list.
var ErrInvalidRecording = errors.New("invalid recording")

// Preprocessor validates and normalises recorder transcripts.
type Preprocessor struct{}

// NewPreprocessor creates a preprocessor.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

// Parse decodes raw JSON into a Transcript, rejecting anything that is not a
// mapping with a steps array.
func (p *Preprocessor) Parse(data []byte) (*Transcript, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: not a mapping: %v", ErrInvalidRecording, err)
	}
	rawSteps, ok := probe["steps"]
	if !ok {
		return nil, fmt.Errorf("%w: missing steps", ErrInvalidRecording)
	}
	var steps []json.RawMessage
	if err := json.Unmarshal(rawSteps, &steps); err != nil {
		return nil, fmt.Errorf("%w: steps is not a list", ErrInvalidRecording)
	}

	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecording, err)
	}
	return &t, nil
}

// Normalize validates a transcript and produces its canonical form.
// Normalising an already-normalised transcript yields the same result.
func (p *Preprocessor) Normalize(t *Transcript) (*Normalized, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transcript", ErrInvalidRecording)
	}
	if t.Steps == nil {
		return nil, fmt.Errorf("%w: missing steps", ErrInvalidRecording)
	}

	timer := logging.StartTimer(logging.CategoryPipeline, "Normalize")
	defer timer.Stop()

	out := &Normalized{Title: t.Title, URL: t.URL}
	var lastTS int64
	for i := range t.Steps {
		step := p.normalizeStep(&t.Steps[i])

		// Synthetic monotonic timestamp when the recorder omitted one.
		if step.Timestamp == 0 {
			lastTS++
			step.Timestamp = lastTS
		} else if step.Timestamp <= lastTS {
			lastTS++
			step.Timestamp = lastTS
		} else {
			lastTS = step.Timestamp
		}

		out.Steps = append(out.Steps, step)
	}
	if out.Steps == nil {
		out.Steps = []NormalizedStep{}
	}

	logging.PipelineDebug("Normalized transcript: %d steps, url=%s", len(out.Steps), out.URL)
	return out, nil
}

// normalizeStep coerces the type, resolves the reference list, and copies
// through semantic and scrape fields.
func (p *Preprocessor) normalizeStep(s *Step) NormalizedStep {
	selector, alternatives := resolveSelector(s)

	ns := NormalizedStep{
		Type:              coerceType(s),
		Selector:          selector,
		Alternatives:      alternatives,
		Text:              s.Text,
		Value:             s.Value,
		URL:               s.URL,
		Frame:             s.Frame,
		Target:            s.Target,
		Key:               s.Key,
		OffsetX:           s.OffsetX,
		OffsetY:           s.OffsetY,
		Timeout:           s.Timeout,
		Timestamp:         s.Timestamp,
		DataKey:           s.DataKey,
		Attribute:         s.Attribute,
		Multiple:          s.Multiple,
		Transform:         s.Transform,
		Structure:         s.Structure,
		ContainerSelector: s.ContainerSelector,
	}

	// Some recorders put navigation URLs in asserted events only.
	if ns.Type == StepNavigate && ns.URL == "" {
		for _, ev := range s.AssertedEvents {
			if ev.URL != "" {
				ns.URL = ev.URL
				break
			}
		}
	}
	return ns
}

// coerceType maps arbitrary recorder type strings into the closed step set,
// inferring a kind from the present fields when the type is absent.
func coerceType(s *Step) StepType {
	switch strings.TrimSpace(s.Type) {
	case "click", "doubleClick", "dblclick":
		return StepClick
	case "input", "change", "type", "fill", "setValue":
		return StepInput
	case "navigate", "navigation", "goto":
		return StepNavigate
	case "waitForSelector", "waitForElement":
		return StepWaitForSelector
	case "waitForTimeout", "sleep", "delay":
		return StepWaitForTimeout
	case "wait":
		return StepWait
	case "pause":
		return StepPause
	case "assert", "assertion", "waitForExpression":
		return StepAssert
	case "scroll", "scrollTo":
		return StepScroll
	case "keyDown", "keydown":
		return StepKeyDown
	case "keyUp", "keyup":
		return StepKeyUp
	case "scrape", "extract":
		return StepScrape
	case "":
		if s.URL != "" {
			return StepNavigate
		}
		if s.Value != "" || s.Text != "" {
			return StepInput
		}
		return StepClick
	default:
		// Unknown kinds degrade to the same inference as an absent type.
		if s.URL != "" {
			return StepNavigate
		}
		if s.Value != "" || s.Text != "" {
			return StepInput
		}
		return StepClick
	}
}

// resolveSelector picks the primary reference out of the step's alternative
// groups and flattens every alternative for fallback use. Within a group a
// reference with no aria/, xpath/ or pierce/ prefix wins; when no group has
// one, the first group's first entry is used.
func resolveSelector(s *Step) (string, []string) {
	groups := decodeSelectorGroups(s.Selectors)
	if len(groups) == 0 {
		return s.Selector, nil
	}

	var alternatives []string
	for _, group := range groups {
		alternatives = append(alternatives, group...)
	}

	for _, group := range groups {
		for _, ref := range group {
			if !hasPrefixedStrategy(ref) {
				return ref, alternatives
			}
		}
	}

	// Only prefixed references available: keep the recorder's first choice.
	return groups[0][0], alternatives
}

func hasPrefixedStrategy(ref string) bool {
	return strings.HasPrefix(ref, "aria/") ||
		strings.HasPrefix(ref, "xpath/") ||
		strings.HasPrefix(ref, "pierce/")
}

// decodeSelectorGroups tolerates both bare strings and {strategy,value}
// objects inside the inner groups.
func decodeSelectorGroups(raw [][]json.RawMessage) [][]string {
	var groups [][]string
	for _, rawGroup := range raw {
		var group []string
		for _, entry := range rawGroup {
			var str string
			if err := json.Unmarshal(entry, &str); err == nil {
				if str != "" {
					group = append(group, str)
				}
				continue
			}
			var ref Ref
			if err := json.Unmarshal(entry, &ref); err == nil && ref.Value != "" {
				group = append(group, ref.Value)
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

// ExtractMetadata summarises the normalised transcript: first URL, site,
// target host, and feature flags.
func (p *Preprocessor) ExtractMetadata(n *Normalized) Metadata {
	meta := Metadata{StepCount: len(n.Steps)}

	firstURL := n.URL
	lastNavigate := ""
	for _, step := range n.Steps {
		switch step.Type {
		case StepNavigate:
			meta.HasNavigation = true
			if step.URL != "" {
				if firstURL == "" {
					firstURL = step.URL
				}
				lastNavigate = step.URL
			}
		case StepInput:
			meta.HasInput = true
		case StepAssert:
			meta.HasAssertion = true
		}
	}

	meta.URL = firstURL
	meta.Site = Host(firstURL)
	meta.TargetURL = Host(lastNavigate)
	return meta
}

// Host extracts the hostname from a URL string, tolerating bare hosts.
func Host(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Bare host without a scheme.
		if i := strings.IndexAny(raw, "/?#"); i >= 0 {
			raw = raw[:i]
		}
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}

// NormalizeDomain canonicalises a domain for knowledge lookups: lowercase,
// scheme stripped, then one leading label of {www, web, m, mobile} removed.
// The operation is idempotent.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	// Loop so that stacked labels (www.m.example.com) normalise the same way
	// no matter how often the function is applied.
	for stripped := true; stripped; {
		stripped = false
		for _, label := range []string{"www.", "web.", "m.", "mobile."} {
			if strings.HasPrefix(d, label) && len(d) > len(label) {
				d = d[len(label):]
				stripped = true
				break
			}
		}
	}
	return d
}
