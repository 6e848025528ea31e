package repository

import (
	"context"
	"database/sql"
	"strings"
)

// WebhookLogRepo is the append-only audit of provider notifications.
type WebhookLogRepo struct{ db *sql.DB }

func NewWebhookLogRepo(db *sql.DB) *WebhookLogRepo { return &WebhookLogRepo{db: db} }

func (r *WebhookLogRepo) Add(ctx context.Context, l WebhookLog) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO webhook_logs(id, webhook_type, webhook_code, item_id, account_ids, action, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.WebhookType, l.WebhookCode, l.ItemID, strings.Join(l.AccountIDs, ","), l.Action, l.Error, l.CreatedAt)
	return err
}

// ListByItem returns an item's log, oldest first.
func (r *WebhookLogRepo) ListByItem(ctx context.Context, itemID string) ([]WebhookLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, webhook_type, webhook_code, item_id, account_ids, action, error, created_at
	FROM webhook_logs WHERE item_id = ? ORDER BY created_at, id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookLog
	for rows.Next() {
		var l WebhookLog
		var accountIDs string
		var errText sql.NullString
		if err := rows.Scan(&l.ID, &l.WebhookType, &l.WebhookCode, &l.ItemID, &accountIDs, &l.Action, &errText, &l.CreatedAt); err != nil {
			return nil, err
		}
		if accountIDs != "" {
			l.AccountIDs = strings.Split(accountIDs, ",")
		}
		l.Error = nullString(errText)
		out = append(out, l)
	}
	return out, rows.Err()
}
