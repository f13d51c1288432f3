package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"webpilot/internal/logging"
)

// fileDocument is the on-disk shape of the file adapter: one JSON document
// with three top-level maps.
type fileDocument struct {
	SelectorHistory map[string][]SelectorHistory `json:"selectorHistory"`
	SkillTemplates  map[string]SkillTemplate     `json:"skillTemplates"`
	SitePatterns    map[string]SitePattern       `json:"sitePatterns"`
}

// FileStore persists knowledge as a single JSON blob under the data
// directory. Writes are atomic (temp file + rename).
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  fileDocument
}

// NewFileStore creates a file adapter rooted at dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{path: filepath.Join(dataDir, "knowledge.json")}
}

func (s *FileStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc = fileDocument{
		SelectorHistory: make(map[string][]SelectorHistory),
		SkillTemplates:  make(map[string]SkillTemplate),
		SitePatterns:    make(map[string]SitePattern),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read knowledge file: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		// A corrupt file must not brick the core; start fresh and keep the
		// broken document for inspection.
		logging.Get(logging.CategoryKnowledge).Warn("Corrupt knowledge file %s, starting fresh: %v", s.path, err)
		_ = os.Rename(s.path, s.path+".corrupt")
		s.doc = fileDocument{
			SelectorHistory: make(map[string][]SelectorHistory),
			SkillTemplates:  make(map[string]SkillTemplate),
			SitePatterns:    make(map[string]SitePattern),
		}
	}
	if s.doc.SelectorHistory == nil {
		s.doc.SelectorHistory = make(map[string][]SelectorHistory)
	}
	if s.doc.SkillTemplates == nil {
		s.doc.SkillTemplates = make(map[string]SkillTemplate)
	}
	if s.doc.SitePatterns == nil {
		s.doc.SitePatterns = make(map[string]SitePattern)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// flushLocked writes the whole document atomically.
func (s *FileStore) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode knowledge: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write knowledge: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) SaveSelectorHistory(ctx context.Context, site string, list []SelectorHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SelectorHistory[site] = append([]SelectorHistory(nil), list...)
	return s.flushLocked()
}

func (s *FileStore) GetSelectorHistory(ctx context.Context, site string) ([]SelectorHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SelectorHistory(nil), s.doc.SelectorHistory[site]...), nil
}

func (s *FileStore) GetAllSelectorHistories(ctx context.Context) (map[string][]SelectorHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]SelectorHistory, len(s.doc.SelectorHistory))
	for site, list := range s.doc.SelectorHistory {
		out[site] = append([]SelectorHistory(nil), list...)
	}
	return out, nil
}

func (s *FileStore) SaveSkillTemplate(ctx context.Context, intent string, tpl SkillTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SkillTemplates[intent] = tpl
	return s.flushLocked()
}

func (s *FileStore) GetSkillTemplate(ctx context.Context, intent string) (*SkillTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.doc.SkillTemplates[intent]
	if !ok {
		return nil, nil
	}
	return &tpl, nil
}

func (s *FileStore) GetAllSkillTemplates(ctx context.Context) (map[string]SkillTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SkillTemplate, len(s.doc.SkillTemplates))
	for intent, tpl := range s.doc.SkillTemplates {
		out[intent] = tpl
	}
	return out, nil
}

func (s *FileStore) SaveSitePattern(ctx context.Context, site string, pattern SitePattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SitePatterns[site] = pattern
	return s.flushLocked()
}

func (s *FileStore) GetSitePattern(ctx context.Context, site string) (*SitePattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.SitePatterns[site]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *FileStore) GetAllSitePatterns(ctx context.Context) (map[string]SitePattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SitePattern, len(s.doc.SitePatterns))
	for site, p := range s.doc.SitePatterns {
		out[site] = p
	}
	return out, nil
}
