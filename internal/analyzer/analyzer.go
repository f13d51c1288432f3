// Package analyzer classifies live page state (challenges, error pages,
// loading, relevance) between commands so the intelligence engine can decide
// how to proceed.
package analyzer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"webpilot/internal/browser"
	"webpilot/internal/logging"
	"webpilot/internal/recording"
)

// PageState is the closed set of page classifications, in detection
// precedence order.
type PageState string

const (
	StateCloudflare PageState = "cloudflare_challenge"
	StateCaptcha    PageState = "captcha_required"
	StateError      PageState = "error_page"
	StateLoading    PageState = "loading"
	StateWrongPage  PageState = "wrong_page"
	StateReady      PageState = "ready"
)

// Error page classifications.
const (
	ErrorPage404     = "404"
	ErrorPage500     = "500"
	ErrorPage403     = "403"
	ErrorPageTimeout = "timeout"
	ErrorPageOther   = "other"
)

// Expectation describes what the caller believes the page should be.
type Expectation struct {
	URL       string
	Selectors []string
	Text      string
}

// Analysis is the classification result for one page snapshot.
type Analysis struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	State         PageState `json:"state"`
	Cloudflare    bool      `json:"cloudflare"`
	Captcha       bool      `json:"captcha"`
	ErrorPage     bool      `json:"errorPage"`
	ErrorType     string    `json:"errorType,omitempty"`
	Loading       bool      `json:"loading"`
	PageRelevance float64   `json:"pageRelevance"`
	Timestamp     time.Time `json:"timestamp"`
}

// Relevant reports whether the page matches the expectation well enough to
// keep going.
func (a Analysis) Relevant() bool { return a.PageRelevance >= 0.5 }

// probe is the raw page snapshot the classifier works from.
type probe struct {
	URL        string          `json:"url"`
	Title      string          `json:"title"`
	BodyText   string          `json:"bodyText"`
	ReadyState string          `json:"readyState"`
	Found      map[string]bool `json:"found"`
	Spinner    bool            `json:"spinner"`
}

var cloudflareSelectors = []string{"#cf-wrapper", ".cf-browser-verification", "#challenge-form", "[data-ray]"}

var cloudflareLexicon = []string{
	"checking your browser", "cloudflare", "ddos protection", "ray id",
	"please wait while we verify", "verifying you are human",
}

var captchaSelectors = []string{
	"iframe[src*='recaptcha']", "iframe[src*='hcaptcha']",
	".g-recaptcha", ".h-captcha", "#captcha", "[data-sitekey]",
}

var captchaLexicon = []string{"captcha", "i'm not a robot", "verify you are human", "select all images"}

var errorLexicon = map[string]string{
	"404":                   ErrorPage404,
	"page not found":        ErrorPage404,
	"does not exist":        ErrorPage404,
	"500":                   ErrorPage500,
	"internal server error": ErrorPage500,
	"service unavailable":   ErrorPage500,
	"403":                   ErrorPage403,
	"access denied":         ErrorPage403,
	"forbidden":             ErrorPage403,
	"request timeout":       ErrorPageTimeout,
	"gateway timeout":       ErrorPageTimeout,
	"something went wrong":  ErrorPageOther,
}

var spinnerSelectors = []string{
	".spinner", ".loading", ".loader", "[class*='spinner']",
	"[class*='loading']", "[aria-busy='true']",
}

// PageAnalyzer classifies pages. Stateless; safe for concurrent use.
type PageAnalyzer struct{}

// New creates a page analyzer.
func New() *PageAnalyzer { return &PageAnalyzer{} }

// Analyze snapshots the page and classifies it against the expectation.
func (a *PageAnalyzer) Analyze(ctx context.Context, page browser.Page, expected Expectation) Analysis {
	p := a.snapshot(ctx, page, expected.Selectors)
	analysis := classify(p, expected)
	logging.AnalyzerDebug("Page %s classified %s (relevance %.2f)", analysis.URL, analysis.State, analysis.PageRelevance)
	return analysis
}

// snapshot gathers everything classification needs in one page evaluation.
func (a *PageAnalyzer) snapshot(ctx context.Context, page browser.Page, extraSelectors []string) probe {
	selectors := make([]string, 0, len(cloudflareSelectors)+len(captchaSelectors)+len(spinnerSelectors)+len(extraSelectors))
	selectors = append(selectors, cloudflareSelectors...)
	selectors = append(selectors, captchaSelectors...)
	selectors = append(selectors, spinnerSelectors...)
	selectors = append(selectors, extraSelectors...)

	p := probe{URL: page.URL(), Found: make(map[string]bool)}

	raw, err := page.Eval(ctx, snapshotJS, selectors)
	if err != nil || raw == nil {
		logging.AnalyzerDebug("Page snapshot failed: %v", err)
		return p
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.AnalyzerDebug("Page snapshot decode failed: %v", err)
	}
	if p.URL == "" {
		p.URL = page.URL()
	}
	return p
}

// classify derives the page state in strict precedence:
// cloudflare > captcha > error > loading > wrong_page > ready.
func classify(p probe, expected Expectation) Analysis {
	body := strings.ToLower(p.BodyText)

	analysis := Analysis{
		URL:       p.URL,
		Title:     p.Title,
		Timestamp: time.Now(),
	}

	analysis.Cloudflare = anyFound(p.Found, cloudflareSelectors) || containsAny(body, cloudflareLexicon)
	analysis.Captcha = anyFound(p.Found, captchaSelectors) || containsAny(body, captchaLexicon)
	analysis.ErrorPage, analysis.ErrorType = classifyErrorPage(body, strings.ToLower(p.Title))

	spinnerVisible := p.Spinner || anyFound(p.Found, spinnerSelectors)
	analysis.Loading = spinnerVisible || (p.ReadyState != "" && p.ReadyState != "complete")

	analysis.PageRelevance = relevance(p, expected)

	switch {
	case analysis.Cloudflare:
		analysis.State = StateCloudflare
	case analysis.Captcha:
		analysis.State = StateCaptcha
	case analysis.ErrorPage:
		analysis.State = StateError
	case analysis.Loading:
		analysis.State = StateLoading
	case expected.URL != "" && !analysis.Relevant():
		analysis.State = StateWrongPage
	default:
		analysis.State = StateReady
	}
	return analysis
}

func classifyErrorPage(body, title string) (bool, string) {
	text := body + " " + title
	for marker, kind := range errorLexicon {
		if strings.Contains(text, marker) {
			return true, kind
		}
	}
	return false, ""
}

// relevance scores how well the page matches the expectation. Hostname match
// is mandatory; path must prefix-match unless the expected path is root;
// found selectors and expected text each scale the score multiplicatively.
func relevance(p probe, expected Expectation) float64 {
	if expected.URL == "" {
		return 1.0
	}
	wantHost := recording.Host(expected.URL)
	gotHost := recording.Host(p.URL)
	if wantHost == "" || recording.NormalizeDomain(gotHost) != recording.NormalizeDomain(wantHost) {
		return 0
	}

	score := 1.0
	wantPath := urlPath(expected.URL)
	if wantPath != "" && wantPath != "/" && !strings.HasPrefix(urlPath(p.URL), wantPath) {
		score *= 0.4
	}
	if len(expected.Selectors) > 0 {
		found := 0
		for _, sel := range expected.Selectors {
			if p.Found[sel] {
				found++
			}
		}
		frac := float64(found) / float64(len(expected.Selectors))
		score *= 0.5 + 0.5*frac
	}
	if expected.Text != "" {
		if strings.Contains(strings.ToLower(p.BodyText), strings.ToLower(expected.Text)) {
			score *= 1.0
		} else {
			score *= 0.6
		}
	}
	return score
}

func urlPath(raw string) string {
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/"); i >= 0 {
		path := rest[i:]
		if j := strings.IndexAny(path, "?#"); j >= 0 {
			path = path[:j]
		}
		return path
	}
	return "/"
}

func anyFound(found map[string]bool, selectors []string) bool {
	for _, sel := range selectors {
		if found[sel] {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

const snapshotJS = `
(selectors) => {
	const found = {};
	for (const sel of selectors) {
		try {
			found[sel] = document.querySelector(sel) !== null;
		} catch (e) {
			found[sel] = false;
		}
	}
	let spinner = false;
	for (const sel of ['.spinner', '.loading', '.loader', "[aria-busy='true']"]) {
		const el = document.querySelector(sel);
		if (el) {
			const r = el.getBoundingClientRect();
			if (r.width > 0 && r.height > 0) { spinner = true; break; }
		}
	}
	return {
		url: window.location.href,
		title: document.title,
		bodyText: (document.body ? document.body.innerText : '').slice(0, 4000),
		readyState: document.readyState,
		found,
		spinner
	};
}
`
