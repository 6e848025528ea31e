// Package ignore decides whether a transaction is suppressed by a user rule.
package ignore

import (
	"strings"

	"github.com/jask/moneysync/internal/database/repository"
)

// Decision is the verdict for one descriptor.
type Decision struct {
	Ignored bool
	RuleID  *string
}

// Filter holds the active rules in evaluation order.
type Filter struct {
	rules []compiled
}

type compiled struct {
	id      string
	pattern string
}

// NewFilter keeps active rules with a non-blank pattern. Callers pass rules in
// priority order (IgnoreRuleRepo.ListActive does).
func NewFilter(rules []repository.IgnoreRule) *Filter {
	f := &Filter{}
	for _, r := range rules {
		p := normalize(r.Pattern)
		if !r.Active || p == "" {
			continue
		}
		f.rules = append(f.rules, compiled{id: r.ID, pattern: p})
	}
	return f
}

// Evaluate reports the first rule whose pattern occurs in the descriptor,
// ignoring case and repeated whitespace.
func (f *Filter) Evaluate(descriptor string) Decision {
	text := normalize(descriptor)
	if text == "" {
		return Decision{}
	}
	for _, r := range f.rules {
		if strings.Contains(text, r.pattern) {
			id := r.id
			return Decision{Ignored: true, RuleID: &id}
		}
	}
	return Decision{}
}

// Len is the number of usable rules.
func (f *Filter) Len() int { return len(f.rules) }

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
