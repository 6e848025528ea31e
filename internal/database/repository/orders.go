package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database"
)

// ErrTransactionMatched is wrapped by Link when the target transaction is
// already held by a different order.
var ErrTransactionMatched = errors.New("transaction already matched to another order")

// OrderRepo handles external marketplace orders and their 1:1 link to a transaction.
type OrderRepo struct{ db *sql.DB }

func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

// Upsert stores an order from the ingestion collaborator. Link and ignore state
// are left alone on conflict.
func (r *OrderRepo) Upsert(ctx context.Context, o ExternalOrder) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO external_orders(id, account_id, merchant, amount, order_date, ignored, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
	 account_id=excluded.account_id,
	 merchant=excluded.merchant,
	 amount=excluded.amount,
	 order_date=excluded.order_date,
	 updated_at=CURRENT_TIMESTAMP;
	`, o.ID, o.AccountID, o.Merchant, o.Amount, o.OrderDate, o.Ignored)
	return err
}

const orderColumns = `id, account_id, merchant, amount, order_date, ignored, linked_transaction_id, created_at, updated_at`

func (r *OrderRepo) Get(ctx context.Context, id string) (*ExternalOrder, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM external_orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// ListUnmatched returns non-ignored, unlinked orders ordered by id. An empty ids
// slice means all of them.
func (r *OrderRepo) ListUnmatched(ctx context.Context, ids []string) ([]ExternalOrder, error) {
	q := `SELECT ` + orderColumns + ` FROM external_orders WHERE ignored = 0 AND linked_transaction_id IS NULL`
	var args []interface{}
	if len(ids) > 0 {
		q += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	q += ` ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExternalOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetIgnored toggles the ignore flag. The existing link, if any, is kept.
func (r *OrderRepo) SetIgnored(ctx context.Context, id string, ignored bool) (*ExternalOrder, error) {
	out, err := r.db.ExecContext(ctx, `UPDATE external_orders SET ignored = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, ignored, id)
	if err != nil {
		return nil, err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "order %s not found", id)
	}
	return r.Get(ctx, id)
}

// LinkResult describes what a Link call changed.
type LinkResult struct {
	Order    ExternalOrder
	Changed  bool
	Previous *string // transaction freed by this call
}

// Link binds orderID to txnID, or clears the link when txnID is nil. Relinking to
// the current target is a no-op; relinking elsewhere frees the previous row.
// Both sides are written with compare-and-set guards inside one transaction. A
// transaction already held by another order is a validation error wrapping
// ErrTransactionMatched; a lost race surfaces as persistence_conflict.
func (r *OrderRepo) Link(ctx context.Context, orderID string, txnID *string) (LinkResult, error) {
	var res LinkResult
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM external_orders WHERE id = ?`, orderID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.CodeNotFound, "order %s not found", orderID)
			}
			return err
		}
		if sameTarget(o.LinkedTransactionID, txnID) {
			res.Order = o
			return nil
		}

		// free first: matched_order_id is unique
		if prev := o.LinkedTransactionID; prev != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE transactions SET matched_order_id = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND matched_order_id = ?`, *prev, orderID); err != nil {
				return fmt.Errorf("free previous transaction: %w", err)
			}
			res.Previous = prev
		}
		if txnID != nil {
			if err := bindOrder(ctx, tx, orderID, *txnID); err != nil {
				return err
			}
		}

		out, err := tx.ExecContext(ctx, `UPDATE external_orders SET linked_transaction_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND linked_transaction_id IS ?`, txnID, orderID, o.LinkedTransactionID)
		if err != nil {
			return err
		}
		if n, _ := out.RowsAffected(); n == 0 {
			return apperr.New(apperr.CodePersistenceConflict, "order %s was relinked concurrently", orderID)
		}
		o.LinkedTransactionID = txnID
		res.Order = o
		res.Changed = true
		return nil
	})
	if err != nil {
		return LinkResult{}, err
	}
	return res, nil
}

// bindOrder claims txnID for orderID only if nobody else holds it.
func bindOrder(ctx context.Context, tx *sql.Tx, orderID, txnID string) error {
	t, err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, txnID))
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, "transaction %s not found", txnID)
	}
	if err != nil {
		return err
	}
	if t.RemovedAt != nil {
		return apperr.New(apperr.CodeValidation, "transaction %s was removed by the provider", txnID)
	}
	if t.MatchedOrderID != nil && *t.MatchedOrderID != orderID {
		return apperr.Wrap(apperr.CodeValidation, ErrTransactionMatched, "transaction %s is already matched to order %s", txnID, *t.MatchedOrderID)
	}
	out, err := tx.ExecContext(ctx, `UPDATE transactions SET matched_order_id = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ? AND matched_order_id IS NULL`, orderID, txnID)
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		// claimed between the read and the write
		return apperr.New(apperr.CodePersistenceConflict, "transaction %s was claimed concurrently", txnID)
	}
	return nil
}

func sameTarget(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func scanOrder(row scanner) (ExternalOrder, error) {
	var o ExternalOrder
	var accountID, linked sql.NullString
	if err := row.Scan(&o.ID, &accountID, &o.Merchant, &o.Amount, &o.OrderDate, &o.Ignored, &linked, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return ExternalOrder{}, err
	}
	o.AccountID = nullString(accountID)
	o.LinkedTransactionID = nullString(linked)
	return o, nil
}
