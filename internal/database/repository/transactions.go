package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// TransactionFilters defines list filters. Zero values mean "no filter".
type TransactionFilters struct {
	AccountIDs         []string
	From               time.Time // inclusive
	To                 time.Time // exclusive
	IDs                []string
	IncludeRemoved     bool
	ExcludeIgnored     bool
	UnmatchedOrder     bool
	UnmatchedRecurring bool
	Uncategorized      bool
	Search             string
}

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// InsertImported stores a manually imported row. A row whose source hash already
// exists on the account is reported as a duplicate.
func (r *TransactionRepo) InsertImported(ctx context.Context, t Transaction) (duplicate bool, err error) {
	out, err := r.db.ExecContext(ctx, `
	INSERT INTO transactions(
	 id, account_id, provider_transaction_id, source, date, amount, description, merchant_name,
	 pending, source_hash, created_at, updated_at)
	VALUES(?, ?, ?, 'import', ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT DO NOTHING;
	`,
		t.ID, t.AccountID, t.ProviderTransactionID, t.Date, t.Amount, t.Description, t.MerchantName, t.SourceHash)
	if err != nil {
		return false, err
	}
	n, _ := out.RowsAffected()
	return n == 0, nil
}

// SetIgnored records the ignore-filter verdict. It only writes when the verdict changes.
func (r *TransactionRepo) SetIgnored(ctx context.Context, id string, ignored bool, ruleID *string) (bool, error) {
	out, err := r.db.ExecContext(ctx, `
	UPDATE transactions SET ignored = ?, ignored_rule_id = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ? AND (ignored IS NOT ? OR ignored_rule_id IS NOT ?)`, ignored, ruleID, id, ignored, ruleID)
	if err != nil {
		return false, err
	}
	n, _ := out.RowsAffected()
	return n > 0, nil
}

func (r *TransactionRepo) UpdateCategory(ctx context.Context, id string, label *string, confidence *float64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET category_label = ?, category_confidence = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		label, confidence, id)
	return err
}

// BindRecurring sets matched_recurring_id only if the row is still unmatched.
// It reports false when another matcher got there first.
func (r *TransactionRepo) BindRecurring(ctx context.Context, id, definitionID string) (bool, error) {
	out, err := r.db.ExecContext(ctx, `
	UPDATE transactions SET matched_recurring_id = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ? AND matched_recurring_id IS NULL AND removed_at IS NULL`, definitionID, id)
	if err != nil {
		return false, err
	}
	n, _ := out.RowsAffected()
	return n > 0, nil
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// GetByProviderID looks a synced row up by its provider identity.
func (r *TransactionRepo) GetByProviderID(ctx context.Context, accountID, providerID string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE account_id = ? AND provider_transaction_id = ?`,
		accountID, providerID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

const transactionColumns = `id, account_id, provider_transaction_id, source, date, amount, description, merchant_name,
 pending, category_label, category_confidence, ignored, ignored_rule_id, matched_order_id, matched_recurring_id,
 source_hash, removed_at, created_at, updated_at`

// List returns rows ordered by date then id, which every matcher relies on for
// stable iteration.
func (r *TransactionRepo) List(ctx context.Context, f TransactionFilters) ([]Transaction, error) {
	var where []string
	var args []interface{}

	if len(f.AccountIDs) > 0 {
		where = append(where, "account_id IN ("+placeholders(len(f.AccountIDs))+")")
		for _, id := range f.AccountIDs {
			args = append(args, id)
		}
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if !f.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		where = append(where, "date < ?")
		args = append(args, f.To)
	}
	if !f.IncludeRemoved {
		where = append(where, "removed_at IS NULL")
	}
	if f.ExcludeIgnored {
		where = append(where, "ignored = 0")
	}
	if f.UnmatchedOrder {
		where = append(where, "matched_order_id IS NULL")
	}
	if f.UnmatchedRecurring {
		where = append(where, "matched_recurring_id IS NULL")
	}
	if f.Uncategorized {
		where = append(where, "category_label IS NULL")
	}
	if f.Search != "" {
		where = append(where, "description LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecurringSlotTaken reports whether a definition already has a bound row in [from, to).
func (r *TransactionRepo) RecurringSlotTaken(ctx context.Context, definitionID string, from, to time.Time) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions
	WHERE matched_recurring_id = ? AND removed_at IS NULL AND date >= ? AND date < ?`, definitionID, from, to).Scan(&n)
	return n > 0, err
}

// Count returns the number of live rows of an account; mostly for tests and reports.
func (r *TransactionRepo) Count(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE account_id = ? AND removed_at IS NULL`, accountID).Scan(&n)
	return n, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var source string
	var providerID, merchant, category, ignoredRule, matchedOrder, matchedRecurring, sourceHash sql.NullString
	var confidence sql.NullFloat64
	var removed sql.NullTime
	if err := row.Scan(&t.ID, &t.AccountID, &providerID, &source, &t.Date, &t.Amount, &t.Description, &merchant,
		&t.Pending, &category, &confidence, &t.Ignored, &ignoredRule, &matchedOrder, &matchedRecurring,
		&sourceHash, &removed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	t.Source = Source(source)
	t.ProviderTransactionID = nullString(providerID)
	t.MerchantName = nullString(merchant)
	t.CategoryLabel = nullString(category)
	t.IgnoredRuleID = nullString(ignoredRule)
	t.MatchedOrderID = nullString(matchedOrder)
	t.MatchedRecurringID = nullString(matchedRecurring)
	t.SourceHash = nullString(sourceHash)
	if confidence.Valid {
		t.CategoryConfidence = &confidence.Float64
	}
	if removed.Valid {
		t.RemovedAt = &removed.Time
	}
	return t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
