package repository

import (
	"context"
	"database/sql"
	"errors"
)

// AccountRepo handles account identity and linkage. Cursor and error columns
// belong to CursorStore and are never written here.
type AccountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) Upsert(ctx context.Context, a Account) error {
	if _, err := ParseAccountType(string(a.Type)); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO accounts(id, name, account_type, invert_amounts, institution_name,
	 provider_item_id, provider_account_id, provider_access_token, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
	 name=excluded.name,
	 account_type=excluded.account_type,
	 invert_amounts=excluded.invert_amounts,
	 institution_name=excluded.institution_name,
	 provider_item_id=excluded.provider_item_id,
	 provider_account_id=excluded.provider_account_id,
	 provider_access_token=excluded.provider_access_token,
	 updated_at=CURRENT_TIMESTAMP;
	`, a.ID, a.Name, string(a.Type), a.InvertAmounts, nullIfEmpty(a.InstitutionName),
		nullIfEmpty(a.ProviderItemID), nullIfEmpty(a.ProviderAccountID), nullIfEmpty(a.ProviderAccessToken))
	return err
}

const accountColumns = `id, name, account_type, invert_amounts, institution_name, provider_item_id,
 provider_account_id, provider_access_token, sync_cursor, last_sync_at, error_state, last_error, created_at, updated_at`

// Get returns nil, nil when the account does not exist.
func (r *AccountRepo) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) List(ctx context.Context) ([]Account, error) {
	return r.query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY name, id`)
}

// ByItemID lists every account linked through one provider item.
func (r *AccountRepo) ByItemID(ctx context.Context, itemID string) ([]Account, error) {
	return r.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE provider_item_id = ? ORDER BY id`, itemID)
}

// ListLinked returns accounts that have provider linkage, for scheduled syncs.
func (r *AccountRepo) ListLinked(ctx context.Context) ([]Account, error) {
	return r.query(ctx, `SELECT `+accountColumns+` FROM accounts
	WHERE provider_item_id IS NOT NULL AND provider_access_token IS NOT NULL ORDER BY id`)
}

func (r *AccountRepo) query(ctx context.Context, q string, args ...interface{}) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	var accountType, errorState string
	var institution, itemID, providerAcct, token, cursor, lastErr sql.NullString
	var lastSync sql.NullTime
	if err := row.Scan(&a.ID, &a.Name, &accountType, &a.InvertAmounts, &institution, &itemID,
		&providerAcct, &token, &cursor, &lastSync, &errorState, &lastErr, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	a.Type = AccountType(accountType)
	a.ErrorState = ErrorState(errorState)
	a.InstitutionName = institution.String
	a.ProviderItemID = itemID.String
	a.ProviderAccountID = providerAcct.String
	a.ProviderAccessToken = token.String
	if cursor.Valid {
		a.SyncCursor = &cursor.String
	}
	if lastSync.Valid {
		a.LastSyncAt = &lastSync.Time
	}
	if lastErr.Valid {
		a.LastError = &lastErr.String
	}
	return a, nil
}

// scanner handles both Row and Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
