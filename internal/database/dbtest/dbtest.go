// Package dbtest opens throwaway migrated sqlite databases for tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
)

// Open returns a migrated database under t.TempDir, closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(dbPath))

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Context is a short-lived context for a single test.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Account inserts an account and returns it.
func Account(t testing.TB, db *sql.DB, a repository.Account) repository.Account {
	t.Helper()
	if a.Type == "" {
		a.Type = repository.AccountTypeBank
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	require.NoError(t, repository.NewAccountRepo(db).Upsert(Context(t), a))
	return a
}

// LinkedAccount inserts an account that carries aggregator credentials.
func LinkedAccount(t testing.TB, db *sql.DB, id, itemID string) repository.Account {
	t.Helper()
	return Account(t, db, repository.Account{
		ID:                  id,
		Type:                repository.AccountTypeBank,
		ProviderItemID:      itemID,
		ProviderAccountID:   "prov-" + id,
		ProviderAccessToken: "access-" + itemID,
	})
}

// Date parses 2006-01-02 as UTC midnight.
func Date(t testing.TB, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

// Dec parses a decimal literal.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
