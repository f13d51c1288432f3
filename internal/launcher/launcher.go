// Package launcher generates the static hub page: an HTML index of known
// websites the task executor can open targets from.
package launcher

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"webpilot/internal/logging"
)

// Site is one hub entry.
type Site struct {
	Domain string
	Name   string
	URL    string
}

// Generator writes and serves the hub page.
type Generator struct {
	mu   sync.Mutex
	path string
}

// NewGenerator creates a generator writing to dataDir/hub.html.
func NewGenerator(dataDir string) *Generator {
	return &Generator{path: filepath.Join(dataDir, "hub.html")}
}

// Path returns the file path of the generated hub page, empty until the
// first Generate.
func (g *Generator) Path() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := os.Stat(g.path); err != nil {
		return ""
	}
	return g.path
}

// FileURL returns the hub page as a file:// URL, empty when absent.
func (g *Generator) FileURL() string {
	path := g.Path()
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return "file://" + abs
}

// LinkSelector returns the CSS selector for a domain's hub link.
func LinkSelector(domain string) string {
	return fmt.Sprintf(`a[data-domain=%q]`, domain)
}

var hubTemplate = template.Must(template.New("hub").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>webpilot hub</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
li { margin: 0.4rem 0; }
</style>
</head>
<body>
<h1>Known websites</h1>
<ul>
{{- range .}}
<li><a data-domain="{{.Domain}}" href="{{.URL}}" target="_blank">{{.Name}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

// Generate rewrites the hub page from the site list.
func (g *Generator) Generate(sites []Site) error {
	for i := range sites {
		if sites[i].Name == "" {
			sites[i].Name = sites[i].Domain
		}
		if sites[i].URL == "" {
			sites[i].URL = "https://" + sites[i].Domain + "/"
		}
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Domain < sites[j].Domain })

	var buf strings.Builder
	if err := hubTemplate.Execute(&buf, sites); err != nil {
		return fmt.Errorf("render hub page: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(g.path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write hub page: %w", err)
	}
	logging.Task("Hub page regenerated with %d sites", len(sites))
	return nil
}
