package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"webpilot/internal/logging"
)

// RodDriver drives Chromium over CDP using go-rod.
type RodDriver struct {
	mu         sync.Mutex
	opts       LaunchOptions
	browser    *rod.Browser
	controlURL string
	proxyIdx   int
}

// NewRodDriver creates an unlaunched driver.
func NewRodDriver() *RodDriver {
	return &RodDriver{}
}

// Launch starts or connects to a Chromium instance. Firefox/WebKit are not
// supported by the CDP backend; asking for them falls back to Chromium with a
// warning.
func (d *RodDriver) Launch(ctx context.Context, opts LaunchOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return nil // already connected and healthy
		}
		logging.Browser("Stale browser connection detected, reconnecting")
		_ = d.browser.Close()
		d.browser = nil
	}

	d.opts = opts
	if opts.Browser != "" && opts.Browser != "chromium" {
		logging.Get(logging.CategoryBrowser).Warn("browser %q not supported by CDP driver, using chromium", opts.Browser)
	}

	controlURL := opts.DebuggerURL
	if controlURL == "" {
		launch := launcher.New().Headless(opts.Headless)
		if opts.UserDataDir != "" {
			launch = launch.UserDataDir(opts.UserDataDir)
		}
		if proxy := d.nextProxyLocked(); proxy != nil {
			launch = launch.Proxy(proxy.Server)
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chromium: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chromium: %w", err)
	}

	if proxy := d.currentProxyLocked(); proxy != nil && proxy.Username != "" {
		go browser.HandleAuth(proxy.Username, proxy.Password)() //nolint:errcheck
	}

	d.browser = browser
	d.controlURL = controlURL
	logging.Browser("Browser connected: headless=%v", opts.Headless)
	return nil
}

// nextProxyLocked rotates through the proxy pool, preferring the explicit
// proxy when one is set.
func (d *RodDriver) nextProxyLocked() *ProxyConfig {
	if d.opts.Proxy != nil {
		return d.opts.Proxy
	}
	if len(d.opts.ProxyPool) == 0 {
		return nil
	}
	server := d.opts.ProxyPool[d.proxyIdx%len(d.opts.ProxyPool)]
	d.proxyIdx++
	return &ProxyConfig{Server: server}
}

func (d *RodDriver) currentProxyLocked() *ProxyConfig {
	if d.opts.Proxy != nil {
		return d.opts.Proxy
	}
	if len(d.opts.ProxyPool) == 0 || d.proxyIdx == 0 {
		return nil
	}
	return &ProxyConfig{Server: d.opts.ProxyPool[(d.proxyIdx-1)%len(d.opts.ProxyPool)]}
}

// NewPage opens a page inside a fresh incognito context so jobs never share
// cookies or storage.
func (d *RodDriver) NewPage(ctx context.Context) (Page, error) {
	d.mu.Lock()
	browser := d.browser
	opts := d.opts
	d.mu.Unlock()

	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	rp := &rodPage{page: page}
	width, height := opts.ViewportWidth, opts.ViewportHeight
	if width == 0 {
		width = 1920
	}
	if height == 0 {
		height = 1080
	}
	if err := rp.SetViewport(width, height, false); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("failed to set viewport: %v", err)
	}
	return rp, nil
}

// Close shuts the browser down.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.controlURL = ""
	return err
}

// rodPage implements Page on a rod page.
type rodPage struct {
	page   *rod.Page
	mu     sync.Mutex
	closed bool
}

func (p *rodPage) bound(ctx context.Context) *rod.Page {
	return p.page.Context(ctx)
}

func (p *rodPage) Goto(ctx context.Context, url string, waitUntil string) error {
	page := p.bound(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	switch waitUntil {
	case "domcontentloaded":
		return page.WaitDOMStable(300*time.Millisecond, 0)
	case "networkidle":
		if err := page.WaitLoad(); err != nil {
			return err
		}
		wait := page.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
		wait()
		return nil
	default: // load
		return page.WaitLoad()
	}
}

func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := resolve(p.bound(ctx), selector)
	if err != nil {
		return nil, fmt.Errorf("element %s not found: %w", selector, err)
	}
	return el, nil
}

// elementNoWait resolves a selector without rod's retry sleeper, so probes
// against absent elements return immediately.
func (p *rodPage) elementNoWait(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := resolve(p.bound(ctx).Sleeper(rod.NotFoundSleeper), selector)
	if err != nil {
		return nil, fmt.Errorf("element %s not found: %w", selector, err)
	}
	return el, nil
}

// resolve finds the first element for a selector, decoding the planner's
// xpath=/text=/role=/label= encodings. The page carries the caller's sleeper,
// so the JS probes retry or fail fast accordingly.
func resolve(page *rod.Page, selector string) (*rod.Element, error) {
	kind, value := decodeSelector(selector)
	switch kind {
	case "xpath":
		return page.ElementX(value)
	case "text":
		return page.ElementByJS(rod.Eval(textProbeJS, value))
	case "role":
		return page.Element(roleSelector(value))
	case "label":
		return page.ElementByJS(rod.Eval(labelProbeJS, value))
	default:
		return page.Element(value)
	}
}

// textProbeJS picks the deepest element whose own text contains the needle,
// in document order.
const textProbeJS = `(needle) => {
	needle = needle.trim();
	if (!needle) return null;
	const hits = Array.from(document.querySelectorAll('body *'))
		.filter(el => (el.innerText || '').trim().includes(needle));
	const deepest = hits.filter(el => !hits.some(o => o !== el && el.contains(o)));
	return deepest[0] || null;
}`

// labelProbeJS resolves a label to its control through htmlFor or nesting.
const labelProbeJS = `(needle) => {
	needle = needle.trim();
	const label = Array.from(document.querySelectorAll('label'))
		.find(l => (l.innerText || '').trim().includes(needle));
	if (!label) return null;
	if (label.htmlFor) {
		const control = document.getElementById(label.htmlFor);
		if (control) return control;
	}
	return label.querySelector('input, textarea, select') || label;
}`

func (p *rodPage) Fill(ctx context.Context, selector, value string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	return el.Input(value)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) WaitForSelector(ctx context.Context, selector string) error {
	_, err := p.element(ctx, selector)
	return err
}

func (p *rodPage) WaitForLoadState(ctx context.Context, state string) error {
	page := p.bound(ctx)
	switch state {
	case "networkidle":
		wait := page.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
		wait()
		return nil
	case "domcontentloaded":
		return page.WaitDOMStable(300*time.Millisecond, 0)
	default:
		return page.WaitLoad()
	}
}

func (p *rodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.bound(ctx).Screenshot(fullPage, nil)
}

func (p *rodPage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	res, err := p.bound(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.MarshalJSON()
}

// keyNames maps the common recorder key names onto CDP keys.
var keyNames = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowDown":  input.ArrowDown,
	"ArrowUp":    input.ArrowUp,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"PageDown":   input.PageDown,
	"PageUp":     input.PageUp,
	"Home":       input.Home,
	"End":        input.End,
}

func (p *rodPage) Press(ctx context.Context, selector, key string) error {
	if selector != "" && selector != "body" {
		if el, err := p.elementNoWait(ctx, selector); err == nil {
			_ = el.Focus()
		}
	}
	if k, ok := keyNames[key]; ok {
		return p.bound(ctx).Keyboard.Press(k)
	}
	runes := []rune(key)
	if len(runes) == 1 {
		return p.bound(ctx).Keyboard.Press(input.Key(runes[0]))
	}
	return fmt.Errorf("unknown key %q", key)
}

func (p *rodPage) Hover(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Hover()
}

func (p *rodPage) SelectOption(ctx context.Context, selector, value string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Select([]string{value}, true, rod.SelectorTypeText)
}

// TypeText types into an element. With humanize on it simulates human
// cadence: variable per-character delay, extra pauses after spaces, and a
// ~10% chance of a 200-500ms hesitation between characters.
func (p *rodPage) TypeText(ctx context.Context, selector, text string, humanize bool) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return err
	}
	if !humanize {
		return el.Input(text)
	}

	for _, ch := range text {
		if err := el.Input(string(ch)); err != nil {
			return err
		}
		delay := time.Duration(50+rand.Intn(100)) * time.Millisecond
		if ch == ' ' {
			delay += time.Duration(50+rand.Intn(100)) * time.Millisecond
		}
		if rand.Float64() < 0.1 {
			delay += time.Duration(200+rand.Intn(300)) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

func (p *rodPage) ScrollBy(ctx context.Context, x, y float64) error {
	return p.bound(ctx).Mouse.Scroll(x, y, 1)
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.bound(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) TextContent(ctx context.Context, selector string) (string, error) {
	el, err := p.elementNoWait(ctx, selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

func (p *rodPage) Count(ctx context.Context, selector string) (int, error) {
	page := p.bound(ctx).Sleeper(rod.NotFoundSleeper)
	kind, value := decodeSelector(selector)
	switch kind {
	case "xpath":
		els, err := page.ElementsX(value)
		if err != nil {
			return 0, nil
		}
		return len(els), nil
	case "role":
		els, err := page.Elements(roleSelector(value))
		if err != nil {
			return 0, nil
		}
		return len(els), nil
	case "text", "label":
		if _, err := resolve(page, selector); err != nil {
			return 0, nil
		}
		return 1, nil
	default:
		els, err := page.Elements(value)
		if err != nil {
			return 0, nil
		}
		return len(els), nil
	}
}

func (p *rodPage) IsVisible(ctx context.Context, selector string) (bool, error) {
	el, err := p.elementNoWait(ctx, selector)
	if err != nil {
		return false, nil
	}
	return el.Visible()
}

func (p *rodPage) GetAttribute(ctx context.Context, selector, name string) (string, error) {
	el, err := p.elementNoWait(ctx, selector)
	if err != nil {
		return "", err
	}
	attr, err := el.Attribute(name)
	if err != nil || attr == nil {
		return "", err
	}
	return *attr, nil
}

func (p *rodPage) InputValue(ctx context.Context, selector string) (string, error) {
	el, err := p.elementNoWait(ctx, selector)
	if err != nil {
		return "", err
	}
	v, err := el.Property("value")
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (p *rodPage) InnerHTML(ctx context.Context, selector string) (string, error) {
	el, err := p.elementNoWait(ctx, selector)
	if err != nil {
		return "", err
	}
	v, err := el.Property("innerHTML")
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

// ElementInfo snapshots the first element matching the selector: tag, text,
// attribute map, bounding box, visibility. The selector goes through the same
// decoding as the command path, so healing can sample xpath= and text=
// targets too.
func (p *rodPage) ElementInfo(ctx context.Context, selector string) (*ElementInfo, error) {
	el, err := p.elementNoWait(ctx, selector)
	if err != nil {
		return nil, err
	}
	res, err := el.Eval(`() => {
		const el = this;
		const attrs = {};
		for (const { name, value } of Array.from(el.attributes || [])) {
			attrs[name] = value;
		}
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		const visible = style.display !== 'none' && style.visibility !== 'hidden' &&
			style.opacity !== '0' && rect.width > 0 && rect.height > 0;
		return {
			tag: el.tagName.toLowerCase(),
			text: (el.innerText || '').slice(0, 256),
			attributes: attrs,
			box: { x: rect.x, y: rect.y, width: rect.width, height: rect.height },
			visible
		};
	}`)
	if err != nil {
		return nil, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var info ElementInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode element info: %w", err)
	}
	return &info, nil
}

func (p *rodPage) SetViewport(width, height int, mobile bool) error {
	return (proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
		Mobile:            mobile,
	}).Call(p.page)
}

// storageState is the opaque session-continuation blob. The core never
// interprets it beyond round-tripping.
type storageState struct {
	Cookies        []*proto.NetworkCookie `json:"cookies"`
	LocalStorage   string                 `json:"localStorage"`
	SessionStorage string                 `json:"sessionStorage"`
}

func (p *rodPage) StorageState(ctx context.Context) ([]byte, error) {
	page := p.bound(ctx)
	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	state := storageState{
		Cookies:        cookies,
		LocalStorage:   p.snapshotStorage(ctx, "localStorage"),
		SessionStorage: p.snapshotStorage(ctx, "sessionStorage"),
	}
	return json.Marshal(state)
}

func (p *rodPage) RestoreStorageState(ctx context.Context, blob []byte) error {
	var state storageState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("decode storage state: %w", err)
	}
	page := p.bound(ctx)

	params := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite,
			Priority: c.Priority,
		})
	}
	if len(params) > 0 {
		if err := page.SetCookies(params); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
	}

	_, _ = p.Eval(ctx, `
	(local, session) => {
		try {
			Object.entries(JSON.parse(local || "{}")).forEach(([k, v]) => localStorage.setItem(k, v));
		} catch (e) {}
		try {
			Object.entries(JSON.parse(session || "{}")).forEach(([k, v]) => sessionStorage.setItem(k, v));
		} catch (e) {}
	}
	`, state.LocalStorage, state.SessionStorage)
	return nil
}

func (p *rodPage) snapshotStorage(ctx context.Context, store string) string {
	raw, err := p.Eval(ctx, fmt.Sprintf(`() => {
		try {
			const out = {};
			for (const key of Object.keys(%s)) {
				out[key] = %s.getItem(key);
			}
			return JSON.stringify(out);
		} catch (e) {
			return "{}";
		}
	}`, store, store))
	if err != nil || raw == nil {
		return "{}"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "{}"
	}
	return s
}

func (p *rodPage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return true
	}
	if _, err := p.page.Info(); err != nil {
		return true
	}
	return false
}

func (p *rodPage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.page.Close()
}

// decodeSelector splits the planner's selector encodings into a resolution
// kind and its value. Plain strings are CSS.
func decodeSelector(sel string) (kind, value string) {
	switch {
	case strings.HasPrefix(sel, "xpath="):
		return "xpath", strings.TrimPrefix(sel, "xpath=")
	case strings.HasPrefix(sel, "text="):
		return "text", strings.TrimPrefix(sel, "text=")
	case strings.HasPrefix(sel, "role="):
		return "role", strings.TrimPrefix(sel, "role=")
	case strings.HasPrefix(sel, "label="):
		return "label", strings.TrimPrefix(sel, "label=")
	default:
		return "css", sel
	}
}

// implicitRoles maps common ARIA roles onto the elements that carry them
// without a role attribute.
var implicitRoles = map[string]string{
	"button":    "button, input[type='button'], input[type='submit']",
	"link":      "a[href]",
	"textbox":   "input:not([type]), input[type='text'], input[type='email'], input[type='password'], textarea",
	"searchbox": "input[type='search']",
	"checkbox":  "input[type='checkbox']",
	"radio":     "input[type='radio']",
	"combobox":  "select",
	"heading":   "h1, h2, h3, h4, h5, h6",
	"img":       "img",
}

func roleSelector(role string) string {
	sel := fmt.Sprintf("[role=%q]", role)
	if implicit, ok := implicitRoles[role]; ok {
		sel += ", " + implicit
	}
	return sel
}
