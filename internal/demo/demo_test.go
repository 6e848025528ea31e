package demo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/aggregator"
	"github.com/jask/moneysync/internal/database/dbtest"
	"github.com/jask/moneysync/internal/database/repository"
)

func drain(t *testing.T, c aggregator.Client) []aggregator.Transaction {
	t.Helper()
	var out []aggregator.Transaction
	cursor := ""
	for {
		page, err := c.FetchChanges(context.Background(), aggregator.FetchRequest{AccessToken: AccessToken, Cursor: cursor})
		require.NoError(t, err)
		out = append(out, page.Added...)
		cursor = page.NextCursor
		if !page.HasMore {
			return out
		}
	}
}

func TestTransactionsDeterministic(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC)
	a := Transactions(now)
	b := Transactions(now.AddDate(0, 0, 5))
	require.Equal(t, a, b)
	assert.Len(t, a, 24+6+3)

	seen := map[string]bool{}
	for _, txn := range a {
		assert.False(t, seen[txn.TransactionID], txn.TransactionID)
		seen[txn.TransactionID] = true
		assert.Contains(t, []string{providerID(CheckingID), providerID(CardID)}, txn.AccountID)
	}
}

func TestNewClientServesFeed(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	c := NewClient(10, now)
	assert.Len(t, drain(t, c), len(Transactions(now)))

	link, err := c.ExchangePublicToken(context.Background(), "public-"+ItemID)
	require.NoError(t, err)
	assert.Equal(t, AccessToken, link.AccessToken)
	assert.Len(t, link.Accounts, 2)
}

func TestSeedIdempotent(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	repos := Repos{
		Accounts:    repository.NewAccountRepo(db),
		Orders:      repository.NewOrderRepo(db),
		Recurring:   repository.NewRecurringRepo(db),
		IgnoreRules: repository.NewIgnoreRuleRepo(db),
	}
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Seed(ctx, repos, now))
	require.NoError(t, Seed(ctx, repos, now))

	linked, err := repos.Accounts.ByItemID(ctx, ItemID)
	require.NoError(t, err)
	require.Len(t, linked, 2)
	for _, a := range linked {
		assert.True(t, a.Linked())
	}
	defs, err := repos.Recurring.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
	rules, err := repos.IgnoreRules.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	open, err := repos.Orders.ListUnmatched(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, open, 3)
}
