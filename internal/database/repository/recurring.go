package repository

import (
	"context"
	"database/sql"
)

// RecurringRepo stores recurring-bill definitions. The matcher never deletes them.
type RecurringRepo struct{ db *sql.DB }

func NewRecurringRepo(db *sql.DB) *RecurringRepo { return &RecurringRepo{db: db} }

func (r *RecurringRepo) Upsert(ctx context.Context, d RecurringDefinition) error {
	cadence, err := ParseCadence(string(d.Cadence))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
	INSERT INTO recurring_definitions(id, name, pattern, expected_amount, amount_tolerance, cadence, expected_day, account_id, active, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
	 name=excluded.name,
	 pattern=excluded.pattern,
	 expected_amount=excluded.expected_amount,
	 amount_tolerance=excluded.amount_tolerance,
	 cadence=excluded.cadence,
	 expected_day=excluded.expected_day,
	 account_id=excluded.account_id,
	 active=excluded.active;
	`, d.ID, d.Name, d.Pattern, d.ExpectedAmount, d.AmountTolerance, string(cadence), d.ExpectedDay, d.AccountID, d.Active)
	return err
}

// ListActive returns active definitions ordered by id.
func (r *RecurringRepo) ListActive(ctx context.Context) ([]RecurringDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, pattern, expected_amount, amount_tolerance, cadence, expected_day, account_id, active, created_at
	FROM recurring_definitions WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecurringDefinition
	for rows.Next() {
		var d RecurringDefinition
		var cadence string
		var accountID sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &d.Pattern, &d.ExpectedAmount, &d.AmountTolerance, &cadence,
			&d.ExpectedDay, &accountID, &d.Active, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Cadence = Cadence(cadence)
		d.AccountID = nullString(accountID)
		out = append(out, d)
	}
	return out, rows.Err()
}
