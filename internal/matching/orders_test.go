package matching

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database/dbtest"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
)

func rec(id, date, amt, desc string) repository.ProviderRecord {
	d, _ := time.Parse("2006-01-02", date)
	return repository.ProviderRecord{ProviderTransactionID: id, Date: d, Amount: decimal.RequireFromString(amt), Description: desc}
}

func seedSynced(t *testing.T, db *sql.DB, accountID string, recs ...repository.ProviderRecord) {
	t.Helper()
	ctx := dbtest.Context(t)
	store := repository.NewCursorStore(db)
	st, err := store.Load(ctx, accountID)
	require.NoError(t, err)
	_, err = store.Commit(ctx, accountID, st.Cursor, "c-"+time.Now().String(), repository.ChangeSet{Added: recs}, time.Now().UTC())
	require.NoError(t, err)
}

func newOrderMatcher(db *sql.DB) *OrderMatcher {
	return NewOrderMatcher(repository.NewTransactionRepo(db), repository.NewOrderRepo(db), repository.NewAccountRepo(db), OrderOptions{
		AmountTolerance:   decimal.RequireFromString("0.01"),
		DateWindowDays:    5,
		AutoLinkThreshold: 0.85,
		Workers:           4,
	}, logging.Discard(), nil)
}

func addOrder(t *testing.T, db *sql.DB, id, amt, date, merchant string) {
	t.Helper()
	require.NoError(t, repository.NewOrderRepo(db).Upsert(dbtest.Context(t), repository.ExternalOrder{
		ID: id, Merchant: merchant, Amount: decimal.RequireFromString(amt), OrderDate: dbtest.Date(t, date),
	}))
}

func TestFindCandidatesIsReadOnlyAndRanked(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.LinkedAccount(t, db, "acc-1", "item-1")
	seedSynced(t, db, "acc-1",
		rec("grocer", "2026-03-04", "25.00", "GROCER"),
		rec("amazon", "2026-03-02", "25.00", "AMAZON MKTPL"),
		rec("far", "2026-03-20", "25.00", "AMAZON MKTPL"),
		rec("other", "2026-03-01", "99.00", "AMAZON MKTPL"),
	)
	addOrder(t, db, "o1", "25.00", "2026-03-01", "Amazon")

	m := newOrderMatcher(db)
	cands, err := m.FindCandidates(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, repository.SyncedTransactionID("acc-1", "amazon"), cands[0].TransactionID)
	assert.InDelta(t, 0.94, cands[0].Score.Total, 0.0001)
	assert.Equal(t, 1, cands[0].DaysApart)
	assert.Equal(t, repository.SyncedTransactionID("acc-1", "grocer"), cands[1].TransactionID)

	o, err := repository.NewOrderRepo(db).Get(ctx, "o1")
	require.NoError(t, err)
	assert.Nil(t, o.LinkedTransactionID)

	_, err = m.FindCandidates(ctx, "missing")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestMatchBatchAutoAndSuggest(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.LinkedAccount(t, db, "acc-1", "item-1")
	seedSynced(t, db, "acc-1",
		rec("amazon", "2026-03-02", "25.00", "AMAZON MKTPL"),
		rec("late", "2026-03-13", "40.00", "CARD PURCHASE"),
	)
	addOrder(t, db, "o-auto", "25.00", "2026-03-01", "Amazon")
	addOrder(t, db, "o-suggest", "40.00", "2026-03-10", "")
	addOrder(t, db, "o-none", "7.00", "2026-03-10", "")
	addOrder(t, db, "o-ignored", "25.00", "2026-03-01", "Amazon")
	_, err := repository.NewOrderRepo(db).SetIgnored(ctx, "o-ignored", true)
	require.NoError(t, err)

	m := newOrderMatcher(db)
	decisions, err := m.MatchBatch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, decisions, 3)

	byID := map[string]OrderDecision{}
	for _, d := range decisions {
		byID[d.OrderID] = d
	}
	auto := byID["o-auto"]
	assert.Equal(t, ModeAuto, auto.Mode)
	assert.Equal(t, repository.SyncedTransactionID("acc-1", "amazon"), *auto.TransactionID)

	suggest := byID["o-suggest"]
	assert.Equal(t, ModeSuggest, suggest.Mode)
	assert.Nil(t, suggest.TransactionID)
	require.Len(t, suggest.Candidates, 1)
	assert.InDelta(t, 0.775, suggest.Score, 0.0001)

	assert.Equal(t, ModeNone, byID["o-none"].Mode)

	txn, err := repository.NewTransactionRepo(db).Get(ctx, *auto.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "o-auto", *txn.MatchedOrderID)

	// linked orders drop out of the next batch
	again, err := m.MatchBatch(ctx, []string{"o-auto"})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMatchBatchIsDeterministic(t *testing.T) {
	t.Parallel()
	run := func(reverse bool) map[string]string {
		db := dbtest.Open(t)
		dbtest.LinkedAccount(t, db, "acc-1", "item-1")
		recs := []repository.ProviderRecord{
			rec("t-1", "2026-03-10", "10.00", "SHOP"),
			rec("t-2", "2026-03-10", "10.00", "SHOP"),
			rec("t-3", "2026-03-11", "10.00", "SHOP"),
		}
		orders := []string{"o-a", "o-b", "o-c"}
		if reverse {
			recs[0], recs[2] = recs[2], recs[0]
			orders[0], orders[2] = orders[2], orders[0]
		}
		seedSynced(t, db, "acc-1", recs...)
		for _, id := range orders {
			addOrder(t, db, id, "10.00", "2026-03-10", "Shop")
		}
		decisions, err := newOrderMatcher(db).MatchBatch(dbtest.Context(t), nil)
		require.NoError(t, err)
		out := map[string]string{}
		for _, d := range decisions {
			require.Equal(t, ModeAuto, d.Mode, d.OrderID)
			out[d.OrderID] = *d.TransactionID
		}
		return out
	}

	first := run(false)
	assert.Equal(t, first, run(true))
	require.Len(t, first, 3)
	seen := map[string]bool{}
	for _, txn := range first {
		assert.False(t, seen[txn], "transaction bound twice")
		seen[txn] = true
	}
	// the one-day-off row goes to whichever order is left after the exact pairs
	assert.Equal(t, repository.SyncedTransactionID("acc-1", "t-3"), first["o-c"])
}

func TestMatchBatchSkipsRemovedAndIgnoredTransactions(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.LinkedAccount(t, db, "acc-1", "item-1")
	seedSynced(t, db, "acc-1", rec("gone", "2026-03-01", "5.00", "SHOP"), rec("muted", "2026-03-01", "5.00", "SHOP"))
	store := repository.NewCursorStore(db)
	st, err := store.Load(ctx, "acc-1")
	require.NoError(t, err)
	_, err = store.Commit(ctx, "acc-1", st.Cursor, "next", repository.ChangeSet{Removed: []string{"gone"}}, time.Now().UTC())
	require.NoError(t, err)
	_, err = repository.NewTransactionRepo(db).SetIgnored(ctx, repository.SyncedTransactionID("acc-1", "muted"), true, nil)
	require.NoError(t, err)
	addOrder(t, db, "o1", "5.00", "2026-03-01", "Shop")

	decisions, err := newOrderMatcher(db).MatchBatch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ModeNone, decisions[0].Mode)
}

// rivalLinker hands the target transaction to another order right before the
// first Link call goes through.
type rivalLinker struct {
	repo  *repository.OrderRepo
	rival string
	calls int
}

func (l *rivalLinker) Link(ctx context.Context, orderID string, txnID *string) (repository.LinkResult, error) {
	l.calls++
	if l.calls == 1 {
		if _, err := l.repo.Link(ctx, l.rival, txnID); err != nil {
			return repository.LinkResult{}, err
		}
	}
	return l.repo.Link(ctx, orderID, txnID)
}

type conflictLinker struct{ calls int }

func (l *conflictLinker) Link(context.Context, string, *string) (repository.LinkResult, error) {
	l.calls++
	return repository.LinkResult{}, apperr.New(apperr.CodePersistenceConflict, "row moved")
}

func TestMatchBatchReportsConflictWhenTransactionIsTaken(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.LinkedAccount(t, db, "acc-1", "item-1")
	seedSynced(t, db, "acc-1", rec("amazon", "2026-03-02", "25.00", "AMAZON MKTPL"))
	addOrder(t, db, "o1", "25.00", "2026-03-01", "Amazon")
	addOrder(t, db, "o-rival", "25.00", "2026-03-01", "Amazon")

	m := newOrderMatcher(db)
	rival := &rivalLinker{repo: repository.NewOrderRepo(db), rival: "o-rival"}
	m.linker = rival
	decisions, err := m.MatchBatch(ctx, []string{"o1"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ModeConflict, decisions[0].Mode)
	assert.Nil(t, decisions[0].TransactionID)
	assert.Empty(t, decisions[0].Candidates)
	assert.Equal(t, 1, rival.calls)

	txn, err := repository.NewTransactionRepo(db).Get(ctx, repository.SyncedTransactionID("acc-1", "amazon"))
	require.NoError(t, err)
	assert.Equal(t, "o-rival", *txn.MatchedOrderID)
	o1, err := repository.NewOrderRepo(db).Get(ctx, "o1")
	require.NoError(t, err)
	assert.Nil(t, o1.LinkedTransactionID)
}

func TestMatchBatchTreatsWriteConflictAsConflict(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.LinkedAccount(t, db, "acc-1", "item-1")
	seedSynced(t, db, "acc-1", rec("amazon", "2026-03-02", "25.00", "AMAZON MKTPL"))
	addOrder(t, db, "o1", "25.00", "2026-03-01", "Amazon")

	m := newOrderMatcher(db)
	cl := &conflictLinker{}
	m.linker = cl
	decisions, err := m.MatchBatch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ModeConflict, decisions[0].Mode)
	assert.Equal(t, 1, cl.calls)
}
