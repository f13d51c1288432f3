// Package siteconfig loads per-site navigation tuning from a JSON file and
// hot-reloads it when the file changes on disk.
package siteconfig

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"webpilot/internal/logging"
)

// SiteCfg tunes navigation and waiting for one site.
type SiteCfg struct {
	HighActivity                bool     `json:"highActivity,omitempty"`
	NavigationTimeout           int      `json:"navigationTimeout,omitempty"` // ms
	WaitUntil                   string   `json:"waitUntil,omitempty"`         // load, domcontentloaded, networkidle
	PostLoadWait                int      `json:"postLoadWait,omitempty"`
	CustomWaitSelectors         []string `json:"customWaitSelectors,omitempty"`
	CustomWaitTimeout           int      `json:"customWaitTimeout,omitempty"`
	CustomWaitFallbackSelectors []string `json:"customWaitFallbackSelectors,omitempty"`
	CustomWaitFallbackTimeout   int      `json:"customWaitFallbackTimeout,omitempty"`
	AdditionalWaitAfterLoad     int      `json:"additionalWaitAfterLoad,omitempty"`
	FallbackWait                int      `json:"fallbackWait,omitempty"`
}

// DefaultCfg is applied when no site entry matches.
type DefaultCfg struct {
	NavigationTimeout int    `json:"navigationTimeout,omitempty"`
	WaitUntil         string `json:"waitUntil,omitempty"`
	PostLoadWait      int    `json:"postLoadWait,omitempty"`
}

type configFile struct {
	Sites    map[string]SiteCfg `json:"sites"`
	Defaults DefaultCfg         `json:"defaults"`
}

// Manager serves site configs and watches the backing file for changes.
type Manager struct {
	mu       sync.RWMutex
	path     string
	sites    map[string]SiteCfg
	defaults DefaultCfg
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewManager loads the config file. A missing file is not an error; built-in
// defaults apply until one appears.
func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path:     path,
		sites:    make(map[string]SiteCfg),
		defaults: DefaultCfg{NavigationTimeout: 30000, WaitUntil: "networkidle"},
		done:     make(chan struct{}),
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch starts hot-reloading until Close.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		// Watch the file's directory so creation of a missing file is seen.
		dir := m.path[:strings.LastIndex(m.path, "/")+1]
		if dir == "" {
			dir = "."
		}
		if dirErr := watcher.Add(dir); dirErr != nil {
			watcher.Close()
			return dirErr
		}
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case <-m.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.reload(); err != nil {
					logging.Get(logging.CategoryBoot).Warn("Site config reload failed: %v", err)
				} else {
					logging.Boot("Site config reloaded from %s", m.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Get(logging.CategoryBoot).Warn("Site config watcher: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
}

func (m *Manager) reload() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var cfg configFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}

	m.mu.Lock()
	if cfg.Sites != nil {
		m.sites = cfg.Sites
	}
	if cfg.Defaults != (DefaultCfg{}) {
		m.defaults = cfg.Defaults
	}
	m.mu.Unlock()
	return nil
}

// For returns the config for a URL. Domain keys match by substring against
// the URL; the longest matching key wins. Unset fields inherit defaults.
func (m *Manager) For(url string) SiteCfg {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best SiteCfg
	bestLen := -1
	for domain, cfg := range m.sites {
		if strings.Contains(url, domain) && len(domain) > bestLen {
			best = cfg
			bestLen = len(domain)
		}
	}

	if best.NavigationTimeout == 0 {
		best.NavigationTimeout = m.defaults.NavigationTimeout
	}
	if best.WaitUntil == "" {
		if best.HighActivity {
			best.WaitUntil = "load"
		} else {
			best.WaitUntil = m.defaults.WaitUntil
		}
	}
	if best.PostLoadWait == 0 {
		best.PostLoadWait = m.defaults.PostLoadWait
	}
	return best
}
