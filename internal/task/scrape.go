package task

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"webpilot/internal/browser"
	"webpilot/internal/recording"
)

var (
	timeRe   = regexp.MustCompile(`\b([01]?\d|2[0-3]):[0-5]\d\b`)
	numberRe = regexp.MustCompile(`-?\d+(\.\d+)?`)
)

// applyTransform post-processes one scraped value.
func applyTransform(value, transform string) string {
	switch transform {
	case "trim":
		return strings.TrimSpace(value)
	case "lowercase":
		return strings.ToLower(value)
	case "uppercase":
		return strings.ToUpper(value)
	case "extractTime":
		return timeRe.FindString(value)
	case "extractNumber":
		return numberRe.FindString(value)
	default:
		return value
	}
}

// scrapeStep extracts the step's data from the live page: a scalar for a
// simple scrape, a slice when multiple is set, and a list of field maps for a
// structured scrape over containers.
func scrapeStep(ctx context.Context, page browser.Page, step recording.NormalizedStep) (interface{}, error) {
	if len(step.Structure) > 0 {
		return scrapeStructured(ctx, page, step)
	}
	if step.Multiple {
		return scrapeMultiple(ctx, page, step)
	}
	return scrapeSimple(ctx, page, step)
}

func scrapeSimple(ctx context.Context, page browser.Page, step recording.NormalizedStep) (string, error) {
	value, err := extractAttribute(ctx, page, step.Selector, step.Attribute)
	if err != nil {
		return "", fmt.Errorf("scrape %q: %w", step.DataKey, err)
	}
	return applyTransform(value, step.Transform), nil
}

func extractAttribute(ctx context.Context, page browser.Page, selector, attribute string) (string, error) {
	switch attribute {
	case "", "text", "*":
		return page.TextContent(ctx, selector)
	case "innerHTML":
		return page.InnerHTML(ctx, selector)
	case "value":
		return page.InputValue(ctx, selector)
	default:
		return page.GetAttribute(ctx, selector, attribute)
	}
}

func scrapeMultiple(ctx context.Context, page browser.Page, step recording.NormalizedStep) ([]string, error) {
	raw, err := page.Eval(ctx, multiScrapeJS, step.Selector, step.Attribute)
	if err != nil {
		return nil, fmt.Errorf("scrape %q: %w", step.DataKey, err)
	}
	var values []string
	if raw != nil {
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("decode scrape %q: %w", step.DataKey, err)
		}
	}
	for i := range values {
		values[i] = applyTransform(values[i], step.Transform)
	}
	return values, nil
}

// scrapeStructured iterates container elements and extracts one field map per
// container, applying per-field transforms. Required fields drop containers
// that lack them.
func scrapeStructured(ctx context.Context, page browser.Page, step recording.NormalizedStep) ([]map[string]string, error) {
	container := step.ContainerSelector
	if container == "" {
		container = step.Selector
	}
	fields, err := json.Marshal(step.Structure)
	if err != nil {
		return nil, err
	}
	raw, err := page.Eval(ctx, structuredScrapeJS, container, string(fields))
	if err != nil {
		return nil, fmt.Errorf("structured scrape %q: %w", step.DataKey, err)
	}
	var rows []map[string]string
	if raw != nil {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode structured scrape %q: %w", step.DataKey, err)
		}
	}

	out := make([]map[string]string, 0, len(rows))
rowLoop:
	for _, row := range rows {
		for _, field := range step.Structure {
			value, present := row[field.Key]
			if field.Required && (!present || value == "") {
				continue rowLoop
			}
			if present {
				row[field.Key] = applyTransform(value, field.Transform)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

const multiScrapeJS = `
(selector, attribute) => {
	const pick = (el) => {
		switch (attribute) {
		case '':
		case 'text':
		case '*':
			return el.innerText || '';
		case 'innerHTML':
			return el.innerHTML || '';
		case 'value':
			return el.value || '';
		default:
			return el.getAttribute(attribute) || '';
		}
	};
	return Array.from(document.querySelectorAll(selector)).map(pick);
}
`

const structuredScrapeJS = `
(containerSelector, fieldsJSON) => {
	const fields = JSON.parse(fieldsJSON);
	const pick = (el, attribute) => {
		if (!el) return '';
		switch (attribute || 'text') {
		case 'text':
		case '*':
			return el.innerText || '';
		case 'innerHTML':
			return el.innerHTML || '';
		case 'value':
			return el.value || '';
		default:
			return el.getAttribute(attribute) || '';
		}
	};
	return Array.from(document.querySelectorAll(containerSelector)).map(container => {
		const row = {};
		for (const field of fields) {
			const el = field.selector ? container.querySelector(field.selector) : container;
			row[field.key] = pick(el, field.attribute);
		}
		return row;
	});
}
`
