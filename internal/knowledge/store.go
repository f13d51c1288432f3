package knowledge

import "context"

// Store is the storage adapter contract. Adapters persist three aggregates
// keyed by site or intent, plus bulk get-all for cold start.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error

	SaveSelectorHistory(ctx context.Context, site string, list []SelectorHistory) error
	GetSelectorHistory(ctx context.Context, site string) ([]SelectorHistory, error)
	GetAllSelectorHistories(ctx context.Context) (map[string][]SelectorHistory, error)

	SaveSkillTemplate(ctx context.Context, intent string, tpl SkillTemplate) error
	GetSkillTemplate(ctx context.Context, intent string) (*SkillTemplate, error)
	GetAllSkillTemplates(ctx context.Context) (map[string]SkillTemplate, error)

	SaveSitePattern(ctx context.Context, site string, pattern SitePattern) error
	GetSitePattern(ctx context.Context, site string) (*SitePattern, error)
	GetAllSitePatterns(ctx context.Context) (map[string]SitePattern, error)
}
