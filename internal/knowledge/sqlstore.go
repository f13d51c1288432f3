package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"webpilot/internal/logging"
)

// SQLStore is the relational adapter: one table per aggregate, map-valued
// fields serialised as JSON, uniqueness enforced by the schema.
type SQLStore struct {
	mu  sync.Mutex
	dsn string
	db  *sql.DB
}

// NewSQLStore creates a relational adapter. dsn is a sqlite path or a
// DATABASE_URL-style DSN.
func NewSQLStore(dsn string) *SQLStore {
	return &SQLStore{dsn: dsn}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS selector_history (
	site              TEXT NOT NULL,
	original_selector TEXT NOT NULL,
	strategy          TEXT NOT NULL,
	healed_selector   TEXT NOT NULL DEFAULT '',
	success_count     INTEGER NOT NULL DEFAULT 0,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	last_used         TIMESTAMP,
	UNIQUE(site, original_selector, strategy)
);
CREATE INDEX IF NOT EXISTS idx_selector_history_site ON selector_history(site);

CREATE TABLE IF NOT EXISTS skill_templates (
	intent       TEXT NOT NULL UNIQUE,
	skill_spec   TEXT NOT NULL,
	success_rate REAL NOT NULL DEFAULT 0,
	usage_count  INTEGER NOT NULL DEFAULT 0,
	last_updated TIMESTAMP
);

CREATE TABLE IF NOT EXISTS site_patterns (
	site             TEXT NOT NULL UNIQUE,
	common_intents   TEXT NOT NULL DEFAULT '{}',
	common_selectors TEXT NOT NULL DEFAULT '{}',
	common_flows     TEXT NOT NULL DEFAULT '[]',
	success_rate     REAL NOT NULL DEFAULT 0,
	total_jobs       INTEGER NOT NULL DEFAULT 0,
	last_updated     TIMESTAMP
);
`

func (s *SQLStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dsn := s.dsn
	if dsn == "" {
		return fmt.Errorf("empty database dsn")
	}
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("open knowledge database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping knowledge database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		db.Close()
		return fmt.Errorf("apply knowledge schema: %w", err)
	}
	s.db = db
	logging.Knowledge("Relational knowledge store ready: %s", dsn)
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLStore) SaveSelectorHistory(ctx context.Context, site string, list []SelectorHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM selector_history WHERE site = ?`, site); err != nil {
		return fmt.Errorf("clear selector history: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO selector_history
			(site, original_selector, strategy, healed_selector, success_count, failure_count, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, h := range list {
		if _, err := stmt.ExecContext(ctx, h.Site, h.OriginalSelector, h.Strategy,
			h.HealedSelector, h.SuccessCount, h.FailureCount, h.LastUsed); err != nil {
			return fmt.Errorf("insert selector history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetSelectorHistory(ctx context.Context, site string) ([]SelectorHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site, original_selector, strategy, healed_selector, success_count, failure_count, last_used
		FROM selector_history WHERE site = ?`, site)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistories(rows)
}

func (s *SQLStore) GetAllSelectorHistories(ctx context.Context) (map[string][]SelectorHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site, original_selector, strategy, healed_selector, success_count, failure_count, last_used
		FROM selector_history`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := scanHistories(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]SelectorHistory)
	for _, h := range all {
		out[h.Site] = append(out[h.Site], h)
	}
	return out, nil
}

func scanHistories(rows *sql.Rows) ([]SelectorHistory, error) {
	var out []SelectorHistory
	for rows.Next() {
		var h SelectorHistory
		var lastUsed sql.NullTime
		if err := rows.Scan(&h.Site, &h.OriginalSelector, &h.Strategy, &h.HealedSelector,
			&h.SuccessCount, &h.FailureCount, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			h.LastUsed = lastUsed.Time
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveSkillTemplate(ctx context.Context, intent string, tpl SkillTemplate) error {
	spec, err := json.Marshal(tpl.SkillSpec)
	if err != nil {
		return fmt.Errorf("encode skill spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skill_templates (intent, skill_spec, success_rate, usage_count, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(intent) DO UPDATE SET
			skill_spec = excluded.skill_spec,
			success_rate = excluded.success_rate,
			usage_count = excluded.usage_count,
			last_updated = excluded.last_updated`,
		intent, string(spec), tpl.SuccessRate, tpl.UsageCount, tpl.LastUpdated)
	return err
}

func (s *SQLStore) GetSkillTemplate(ctx context.Context, intent string) (*SkillTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT intent, skill_spec, success_rate, usage_count, last_updated
		FROM skill_templates WHERE intent = ?`, intent)
	tpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tpl, err
}

func (s *SQLStore) GetAllSkillTemplates(ctx context.Context) (map[string]SkillTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT intent, skill_spec, success_rate, usage_count, last_updated FROM skill_templates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]SkillTemplate)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out[tpl.Intent] = *tpl
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*SkillTemplate, error) {
	var tpl SkillTemplate
	var spec string
	var lastUpdated sql.NullTime
	if err := row.Scan(&tpl.Intent, &spec, &tpl.SuccessRate, &tpl.UsageCount, &lastUpdated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spec), &tpl.SkillSpec); err != nil {
		return nil, fmt.Errorf("decode skill spec for %s: %w", tpl.Intent, err)
	}
	if lastUpdated.Valid {
		tpl.LastUpdated = lastUpdated.Time
	}
	return &tpl, nil
}

func (s *SQLStore) SaveSitePattern(ctx context.Context, site string, pattern SitePattern) error {
	intents, err := json.Marshal(pattern.CommonIntents)
	if err != nil {
		return err
	}
	selectors, err := json.Marshal(pattern.CommonSelectors)
	if err != nil {
		return err
	}
	flows, err := json.Marshal(pattern.CommonFlows)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO site_patterns (site, common_intents, common_selectors, common_flows, success_rate, total_jobs, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site) DO UPDATE SET
			common_intents = excluded.common_intents,
			common_selectors = excluded.common_selectors,
			common_flows = excluded.common_flows,
			success_rate = excluded.success_rate,
			total_jobs = excluded.total_jobs,
			last_updated = excluded.last_updated`,
		site, string(intents), string(selectors), string(flows),
		pattern.SuccessRate, pattern.TotalJobs, pattern.LastUpdated)
	return err
}

func (s *SQLStore) GetSitePattern(ctx context.Context, site string) (*SitePattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT site, common_intents, common_selectors, common_flows, success_rate, total_jobs, last_updated
		FROM site_patterns WHERE site = ?`, site)
	p, err := scanSitePattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLStore) GetAllSitePatterns(ctx context.Context) (map[string]SitePattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site, common_intents, common_selectors, common_flows, success_rate, total_jobs, last_updated
		FROM site_patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]SitePattern)
	for rows.Next() {
		p, err := scanSitePattern(rows)
		if err != nil {
			return nil, err
		}
		out[p.Site] = *p
	}
	return out, rows.Err()
}

func scanSitePattern(row rowScanner) (*SitePattern, error) {
	var p SitePattern
	var intents, selectors, flows string
	var lastUpdated sql.NullTime
	if err := row.Scan(&p.Site, &intents, &selectors, &flows, &p.SuccessRate, &p.TotalJobs, &lastUpdated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(intents), &p.CommonIntents); err != nil {
		return nil, fmt.Errorf("decode common intents for %s: %w", p.Site, err)
	}
	if err := json.Unmarshal([]byte(selectors), &p.CommonSelectors); err != nil {
		return nil, fmt.Errorf("decode common selectors for %s: %w", p.Site, err)
	}
	if err := json.Unmarshal([]byte(flows), &p.CommonFlows); err != nil {
		return nil, fmt.Errorf("decode common flows for %s: %w", p.Site, err)
	}
	if lastUpdated.Valid {
		p.LastUpdated = lastUpdated.Time
	}
	return &p, nil
}
