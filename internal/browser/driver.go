// Package browser provides the BrowserDriver capability the automation core
// runs against, plus its go-rod implementation over the Chrome DevTools
// Protocol.
package browser

import (
	"context"
	"encoding/json"
)

// ProxyConfig describes one upstream proxy.
type ProxyConfig struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// LaunchOptions configure a browser launch.
type LaunchOptions struct {
	Headless       bool          `json:"headless"`
	Browser        string        `json:"browser"` // chromium, firefox, webkit
	UserDataDir    string        `json:"userDataDir,omitempty"`
	Proxy          *ProxyConfig  `json:"proxy,omitempty"`
	ProxyPool      []string      `json:"proxyPool,omitempty"`
	ViewportWidth  int           `json:"viewportWidth"`
	ViewportHeight int           `json:"viewportHeight"`
	DebuggerURL    string        `json:"debuggerUrl,omitempty"`
}

// Rect is an element bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementInfo is a best-effort snapshot of one DOM element.
type ElementInfo struct {
	Tag        string            `json:"tag"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
	Box        *Rect             `json:"box,omitempty"`
	Visible    bool              `json:"visible"`
}

// Driver is the launch-level browser capability.
type Driver interface {
	// Launch starts or connects to a browser.
	Launch(ctx context.Context, opts LaunchOptions) error
	// NewPage opens a page in a fresh, isolated browser context. Pages from
	// different calls never share cookies or storage.
	NewPage(ctx context.Context) (Page, error)
	// Close shuts the browser down.
	Close() error
}

// Page is the per-page operation surface. Every operation takes a context
// whose deadline bounds the driver call; timeouts surface as errors, never
// panics.
type Page interface {
	Goto(ctx context.Context, url string, waitUntil string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	WaitForSelector(ctx context.Context, selector string) error
	WaitForLoadState(ctx context.Context, state string) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
	Press(ctx context.Context, selector, key string) error
	Hover(ctx context.Context, selector string) error
	SelectOption(ctx context.Context, selector, value string) error
	TypeText(ctx context.Context, selector, text string, humanize bool) error
	ScrollBy(ctx context.Context, x, y float64) error

	URL() string
	Title(ctx context.Context) (string, error)
	TextContent(ctx context.Context, selector string) (string, error)
	Count(ctx context.Context, selector string) (int, error)
	IsVisible(ctx context.Context, selector string) (bool, error)
	GetAttribute(ctx context.Context, selector, name string) (string, error)
	InputValue(ctx context.Context, selector string) (string, error)
	InnerHTML(ctx context.Context, selector string) (string, error)
	ElementInfo(ctx context.Context, selector string) (*ElementInfo, error)

	SetViewport(width, height int, mobile bool) error
	StorageState(ctx context.Context) ([]byte, error)
	RestoreStorageState(ctx context.Context, blob []byte) error
	IsClosed() bool
	Close() error
}
