package server

import (
	"fmt"
	"path"
	"strings"

	"github.com/permgate-go/pkg/auth/guard"
	"github.com/permgate-go/pkg/config"
)

// Rule maps forwarded requests onto a permission requirement.
type Rule struct {
	Method      string
	Pattern     string
	Requirement guard.Requirement
}

// Rules is an ordered rule table; the first match wins.
type Rules []Rule

func NewRules(cfg []config.RuleConfig) (Rules, error) {
	rules := make(Rules, 0, len(cfg))
	for i, rc := range cfg {
		if _, err := path.Match(rc.Path, "/"); err != nil {
			return nil, fmt.Errorf("rule %d: invalid path pattern %q: %w", i, rc.Path, err)
		}
		method := strings.ToUpper(strings.TrimSpace(rc.Method))
		if method == "" {
			method = "*"
		}
		rules = append(rules, Rule{
			Method:      method,
			Pattern:     rc.Path,
			Requirement: guard.Require(rc.Permissions...),
		})
	}
	return rules, nil
}

// Match returns the requirement of the first rule matching method and p.
func (r Rules) Match(method, p string) (guard.Requirement, bool) {
	method = strings.ToUpper(method)
	for _, rule := range r {
		if rule.Method != "*" && rule.Method != method {
			continue
		}
		if ok, _ := path.Match(rule.Pattern, p); ok {
			return rule.Requirement, true
		}
	}
	return guard.Requirement{}, false
}
