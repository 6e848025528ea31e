package service

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/moneysync/internal/amount"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/ignore"
)

// Uncategorized labels rows without a category in budget totals.
const Uncategorized = "uncategorized"

// CategoryTotal is the expense total of one category in a period.
type CategoryTotal struct {
	Category string          `json:"category"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// BudgetService aggregates expenses for budgeting views.
type BudgetService struct {
	Transactions *repository.TransactionRepo
	Accounts     *repository.AccountRepo
	IgnoreRules  *repository.IgnoreRuleRepo
}

// SumExpensesByCategory totals expense amounts of live rows dated in [from, to).
// Rows flagged ignored are skipped, and so are rows an active ignore rule matches
// now, even when the flag was recorded before the rule existed. Results are
// ordered by category.
func (s *BudgetService) SumExpensesByCategory(ctx context.Context, from, to time.Time) ([]CategoryTotal, error) {
	txns, err := s.Transactions.List(ctx, repository.TransactionFilters{From: from, To: to, ExcludeIgnored: true})
	if err != nil {
		return nil, err
	}
	accts, err := s.Accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]repository.Account, len(accts))
	for _, a := range accts {
		byID[a.ID] = a
	}
	var filter *ignore.Filter
	if s.IgnoreRules != nil {
		rules, err := s.IgnoreRules.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		filter = ignore.NewFilter(rules)
	}

	totals := map[string]*CategoryTotal{}
	for _, t := range txns {
		if filter != nil && filter.Evaluate(descriptor(t)).Ignored {
			continue
		}
		exp, err := amount.Expense(t, byID[t.AccountID])
		if err != nil {
			return nil, err
		}
		cat := Uncategorized
		if t.CategoryLabel != nil && *t.CategoryLabel != "" {
			cat = *t.CategoryLabel
		}
		ct, ok := totals[cat]
		if !ok {
			ct = &CategoryTotal{Category: cat}
			totals[cat] = ct
		}
		ct.Total = ct.Total.Add(exp)
		ct.Count++
	}

	out := make([]CategoryTotal, 0, len(totals))
	for _, ct := range totals {
		out = append(out, *ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}
