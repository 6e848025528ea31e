package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jask/moneysync/internal/apperr"
)

// IgnoreRuleRepo stores suppression patterns.
type IgnoreRuleRepo struct{ db *sql.DB }

func NewIgnoreRuleRepo(db *sql.DB) *IgnoreRuleRepo { return &IgnoreRuleRepo{db: db} }

func (r *IgnoreRuleRepo) Upsert(ctx context.Context, rule IgnoreRule) error {
	if strings.TrimSpace(rule.Pattern) == "" {
		return apperr.New(apperr.CodeValidation, "ignore rule pattern must not be empty")
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO ignore_rules(id, pattern, active, priority, created_at)
	VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
	 pattern=excluded.pattern,
	 active=excluded.active,
	 priority=excluded.priority;
	`, rule.ID, rule.Pattern, rule.Active, rule.Priority)
	return err
}

// ListActive returns active rules in evaluation order (priority, then id).
func (r *IgnoreRuleRepo) ListActive(ctx context.Context) ([]IgnoreRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, pattern, active, priority, created_at FROM ignore_rules WHERE active = 1 ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IgnoreRule
	for rows.Next() {
		var rule IgnoreRule
		if err := rows.Scan(&rule.ID, &rule.Pattern, &rule.Active, &rule.Priority, &rule.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}
