package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database"
)

// CursorStore is the only writer of an account's (cursor, last sync, error state)
// triple. Commit advances the cursor in the same transaction that persists the
// changes it covers, so a failed write never moves the cursor.
type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore { return &CursorStore{db: db} }

// Load returns the current state; missing accounts are a not_found error.
func (s *CursorStore) Load(ctx context.Context, accountID string) (SyncState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT sync_cursor, last_sync_at, error_state, last_error FROM accounts WHERE id = ?`, accountID)
	st := SyncState{AccountID: accountID}
	var cursor, lastErr sql.NullString
	var lastSync sql.NullTime
	var state string
	if err := row.Scan(&cursor, &lastSync, &state, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SyncState{}, apperr.New(apperr.CodeNotFound, "account %s not found", accountID)
		}
		return SyncState{}, err
	}
	st.ErrorState = ErrorState(state)
	if cursor.Valid {
		st.Cursor = &cursor.String
	}
	if lastSync.Valid {
		st.LastSyncAt = &lastSync.Time
	}
	if lastErr.Valid {
		st.LastError = &lastErr.String
	}
	return st, nil
}

// SetErrorState records an error state without touching the cursor.
// ErrorStateNone clears the stored error message.
func (s *CursorStore) SetErrorState(ctx context.Context, accountID string, state ErrorState, message string) error {
	var msg interface{}
	if state != ErrorStateNone && message != "" {
		msg = message
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET error_state = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(state), msg, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "account %s not found", accountID)
	}
	return nil
}

// Commit persists changes and moves the cursor from expected to next as one unit.
// If another writer moved the cursor since expected was read, nothing is written
// and a persistence_conflict error is returned.
func (s *CursorStore) Commit(ctx context.Context, accountID string, expected *string, next string, changes ChangeSet, syncedAt time.Time) (CommitResult, error) {
	res := CommitResult{Cursor: next}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, rec := range changes.Added {
			inserted, touched, id, err := upsertSynced(ctx, tx, accountID, rec)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", rec.ProviderTransactionID, err)
			}
			countUpsert(&res, inserted, touched, id)
		}
		for _, rec := range changes.Modified {
			inserted, touched, id, err := upsertSynced(ctx, tx, accountID, rec)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", rec.ProviderTransactionID, err)
			}
			countUpsert(&res, inserted, touched, id)
		}
		for _, providerID := range changes.Removed {
			n, err := tombstone(ctx, tx, accountID, providerID, syncedAt)
			if err != nil {
				return fmt.Errorf("remove %s: %w", providerID, err)
			}
			res.Removed += n
		}

		out, err := tx.ExecContext(ctx, `
		UPDATE accounts SET sync_cursor = ?, last_sync_at = ?, error_state = 'none', last_error = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND sync_cursor IS ?`, next, syncedAt, accountID, expected)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if n, _ := out.RowsAffected(); n == 0 {
			return apperr.New(apperr.CodePersistenceConflict, "cursor for account %s moved during sync", accountID)
		}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	return res, nil
}

func countUpsert(res *CommitResult, inserted, touched bool, id string) {
	switch {
	case inserted:
		res.Added++
	case touched:
		res.Modified++
	default:
		return
	}
	res.TouchedIDs = append(res.TouchedIDs, id)
}

// SyncedTransactionID is the deterministic row id of a provider transaction, so
// the same change set yields the same rows however it was paginated.
func SyncedTransactionID(accountID, providerTransactionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("txn:"+accountID+"|"+providerTransactionID)).String()
}

func upsertSynced(ctx context.Context, tx *sql.Tx, accountID string, rec ProviderRecord) (inserted, touched bool, id string, err error) {
	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM transactions WHERE account_id = ? AND provider_transaction_id = ?`,
		accountID, rec.ProviderTransactionID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = SyncedTransactionID(accountID, rec.ProviderTransactionID)
		_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions(id, account_id, provider_transaction_id, source, date, amount, description,
		 merchant_name, pending, created_at, updated_at)
		VALUES (?, ?, ?, 'sync', ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
			id, accountID, rec.ProviderTransactionID, rec.Date, rec.Amount, rec.Description, rec.MerchantName, rec.Pending)
		return err == nil, false, id, err
	case err != nil:
		return false, false, "", err
	}

	// only write when a provider field changed or the row was tombstoned
	out, err := tx.ExecContext(ctx, `
	UPDATE transactions SET date = ?, amount = ?, description = ?, merchant_name = ?, pending = ?,
	 removed_at = NULL, updated_at = CURRENT_TIMESTAMP
	WHERE id = ? AND (date IS NOT ? OR amount IS NOT ? OR description IS NOT ? OR merchant_name IS NOT ?
	 OR pending IS NOT ? OR removed_at IS NOT NULL)`,
		rec.Date, rec.Amount, rec.Description, rec.MerchantName, rec.Pending,
		existing, rec.Date, rec.Amount, rec.Description, rec.MerchantName, rec.Pending)
	if err != nil {
		return false, false, "", err
	}
	n, _ := out.RowsAffected()
	return false, n > 0, existing, nil
}

func tombstone(ctx context.Context, tx *sql.Tx, accountID, providerID string, at time.Time) (int, error) {
	if _, err := tx.ExecContext(ctx, `
	UPDATE external_orders SET linked_transaction_id = NULL, updated_at = CURRENT_TIMESTAMP
	WHERE linked_transaction_id = (SELECT id FROM transactions WHERE account_id = ? AND provider_transaction_id = ?)`,
		accountID, providerID); err != nil {
		return 0, err
	}
	out, err := tx.ExecContext(ctx, `
	UPDATE transactions SET removed_at = ?, matched_order_id = NULL, matched_recurring_id = NULL, updated_at = CURRENT_TIMESTAMP
	WHERE account_id = ? AND provider_transaction_id = ? AND removed_at IS NULL`, at, accountID, providerID)
	if err != nil {
		return 0, err
	}
	n, _ := out.RowsAffected()
	return int(n), nil
}
