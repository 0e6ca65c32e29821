package core

import (
	"fmt"
	"regexp"

	"commentsync/config"
	"commentsync/models"
)

type urlRule struct {
	kind models.ResourceType
	re   *regexp.Regexp
}

// URLMatcher derives a PageContext from a page URL. Rules are tried in
// configuration order. The first capture group is the comment target, the
// optional second one the group.
type URLMatcher struct {
	rules []urlRule
}

func NewURLMatcher(patterns []config.URLPattern) (*URLMatcher, error) {
	m := &URLMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("url pattern for %s: %w", p.Type, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("url pattern for %s has no resource id group", p.Type)
		}
		m.rules = append(m.rules, urlRule{kind: models.ResourceType(p.Type), re: re})
	}
	return m, nil
}

// Match returns the page context for url, or false if no rule applies.
func (m *URLMatcher) Match(url string) (models.PageContext, bool) {
	for _, r := range m.rules {
		sub := r.re.FindStringSubmatch(url)
		if sub == nil || sub[1] == "" {
			continue
		}
		pc := models.PageContext{Type: r.kind, ResourceID: sub[1], URL: url}
		if len(sub) > 2 {
			pc.GroupID = sub[2]
		}
		return pc, true
	}
	return models.PageContext{}, false
}
