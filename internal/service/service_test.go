package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/classify"
	"github.com/jask/moneysync/internal/database/dbtest"
	"github.com/jask/moneysync/internal/database/repository"
)

func TestImportCSV_HappyPath(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.Account(t, db, repository.Account{ID: "everyday"})
	txns := repository.NewTransactionRepo(db)
	svc := &IngestService{Transactions: txns, Accounts: repository.NewAccountRepo(db), IgnoreRules: repository.NewIgnoreRuleRepo(db)}

	data := "date,description,amount,external_id\n" +
		"2026-02-01,WOOLWORTHS 123,-45.67,ext-1\n" +
		"3/02/2026,SALARY,\"+2,500.00\",\n" +
		"2026-02-04,REFUND,(12.50)"

	res, err := svc.ImportCSV(ctx, "everyday", strings.NewReader(data))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	assert.Equal(t, 3, res.Imported)
	assert.Len(t, res.IDs, 3)

	rows, err := txns.List(ctx, repository.TransactionFilters{AccountIDs: []string{"everyday"}})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, repository.SourceImport, rows[0].Source)
	assert.True(t, rows[0].Amount.Equal(dbtest.Dec("-45.67")))
	assert.Equal(t, dbtest.Date(t, "2026-02-03"), rows[1].Date.UTC())
	assert.True(t, rows[1].Amount.Equal(dbtest.Dec("2500")))
	assert.True(t, rows[2].Amount.Equal(dbtest.Dec("-12.5")))
}

func TestImportCSV_ErrorsSkipsAndIgnores(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.Account(t, db, repository.Account{ID: "everyday"})
	rules := repository.NewIgnoreRuleRepo(db)
	require.NoError(t, rules.Upsert(ctx, repository.IgnoreRule{ID: "xfer", Pattern: "internal transfer", Active: true}))
	txns := repository.NewTransactionRepo(db)
	svc := &IngestService{Transactions: txns, Accounts: repository.NewAccountRepo(db), IgnoreRules: rules}

	data := "2026-02-01,WOOLWORTHS 123,-45.67,ext-1\n" +
		"not-a-date,BAD,10.00\n" +
		"2026-02-02,Internal  Transfer to savings,-100\n" +
		"2026-02-05,WOOLWORTHS 123 again,-45.67,ext-1\n" +
		"2026-02-06,short"

	res, err := svc.ImportCSV(ctx, "everyday", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Ignored)
	assert.Len(t, res.Errors, 2)

	// re-importing the same file writes nothing
	res, err = svc.ImportCSV(ctx, "everyday", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 3, res.Skipped)

	rows, err := txns.List(ctx, repository.TransactionFilters{ExcludeIgnored: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "WOOLWORTHS 123", rows[0].Description)
}

func TestImportCSV_UnknownAccount(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	svc := &IngestService{Transactions: repository.NewTransactionRepo(db), Accounts: repository.NewAccountRepo(db)}
	_, err := svc.ImportCSV(dbtest.Context(t), "nope", strings.NewReader("2026-01-01,x,1"))
	require.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestSumExpensesByCategory(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.Account(t, db, repository.Account{ID: "bank"})
	dbtest.Account(t, db, repository.Account{ID: "card", Type: repository.AccountTypeCreditCard})
	dbtest.LinkedAccount(t, db, "synced", "item-1")
	txns := repository.NewTransactionRepo(db)
	accounts := repository.NewAccountRepo(db)
	ingest := &IngestService{Transactions: txns, Accounts: accounts, IgnoreRules: repository.NewIgnoreRuleRepo(db)}

	_, err := ingest.ImportCSV(ctx, "bank", strings.NewReader("2026-03-02,Coffee,-4.50\n2026-03-03,Lunch,-15.00\n2026-04-01,Next month,-99"))
	require.NoError(t, err)
	_, err = ingest.ImportCSV(ctx, "card", strings.NewReader("2026-03-05,Books,30.00"))
	require.NoError(t, err)

	_, err = repository.NewCursorStore(db).Commit(ctx, "synced", nil, "c1", repository.ChangeSet{Added: []repository.ProviderRecord{
		{ProviderTransactionID: "p1", Date: dbtest.Date(t, "2026-03-10"), Amount: dbtest.Dec("20"), Description: "Groceries run"},
		{ProviderTransactionID: "p2", Date: dbtest.Date(t, "2026-03-11"), Amount: dbtest.Dec("500"), Description: "Transfer to savings"},
	}}, time.Now())
	require.NoError(t, err)

	all, err := txns.List(ctx, repository.TransactionFilters{})
	require.NoError(t, err)
	for _, r := range all {
		switch r.Description {
		case "Coffee", "Lunch":
			label := "Dining"
			require.NoError(t, txns.UpdateCategory(ctx, r.ID, &label, nil))
		case "Transfer to savings":
			_, err := txns.SetIgnored(ctx, r.ID, true, nil)
			require.NoError(t, err)
		}
	}

	budget := &BudgetService{Transactions: txns, Accounts: accounts}
	totals, err := budget.SumExpensesByCategory(ctx, dbtest.Date(t, "2026-03-01"), dbtest.Date(t, "2026-04-01"))
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, "Dining", totals[0].Category)
	assert.True(t, totals[0].Total.Equal(dbtest.Dec("19.5")), totals[0].Total.String())
	assert.Equal(t, Uncategorized, totals[1].Category)
	assert.True(t, totals[1].Total.Equal(dbtest.Dec("50")), totals[1].Total.String())
	assert.Equal(t, 2, totals[1].Count)
}

type stubClassifier struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req classify.Request) (classify.Response, error)
}

func (s *stubClassifier) Classify(ctx context.Context, req classify.Request) (classify.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func seedImported(t *testing.T, txns *repository.TransactionRepo, accountID string, descs ...string) []string {
	t.Helper()
	ctx := dbtest.Context(t)
	ids := make([]string, 0, len(descs))
	for i, d := range descs {
		h := accountID + d
		id := uuid.NewString()
		_, err := txns.InsertImported(ctx, repository.Transaction{
			ID: id, AccountID: accountID, Date: dbtest.Date(t, "2026-03-01").AddDate(0, 0, i),
			Amount: dbtest.Dec("-10"), Description: d, SourceHash: &h,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestCategorizer_AppliesAboveThreshold(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.Account(t, db, repository.Account{ID: "bank"})
	txns := repository.NewTransactionRepo(db)
	ids := seedImported(t, txns, "bank", "UBER TRIP", "XFER 123", "BROKEN")

	cls := &stubClassifier{fn: func(ctx context.Context, req classify.Request) (classify.Response, error) {
		switch req.Description {
		case "UBER TRIP":
			return classify.Response{Category: "Transport", Confidence: 0.7}, nil
		case "XFER 123":
			return classify.Response{Category: "Income", Confidence: 0.69}, nil
		}
		return classify.Response{}, errors.New("boom")
	}}
	var progress []CategorizeProgress
	c := &Categorizer{Transactions: txns, Classifier: cls}
	rep, err := c.Run(ctx, ids, func(p CategorizeProgress) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, CategorizeReport{Considered: 3, Applied: 1, Skipped: 1, Failed: 1}, rep)
	require.Len(t, progress, 3)
	assert.Equal(t, 3, progress[2].Done)
	assert.Equal(t, 3, progress[2].Total)

	got, err := txns.Get(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, got.CategoryLabel)
	assert.Equal(t, "Transport", *got.CategoryLabel)
	got, err = txns.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Nil(t, got.CategoryLabel)

	// labelled rows are not offered again
	rep, err = c.Run(ctx, ids[:1], nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Considered)
	assert.Equal(t, 1, rep.Skipped)
}

func TestCategorizer_TimeoutAndCancel(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	dbtest.Account(t, db, repository.Account{ID: "bank"})
	txns := repository.NewTransactionRepo(db)
	ids := seedImported(t, txns, "bank", "a", "b", "c")

	slow := &stubClassifier{fn: func(ctx context.Context, req classify.Request) (classify.Response, error) {
		<-ctx.Done()
		return classify.Response{}, ctx.Err()
	}}
	c := &Categorizer{Transactions: txns, Classifier: slow, Timeout: 10 * time.Millisecond}
	rep, err := c.Run(dbtest.Context(t), ids, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Failed)

	ctx, cancel := context.WithCancel(dbtest.Context(t))
	c.Timeout = time.Minute
	c.Classifier = &stubClassifier{fn: func(ctx context.Context, req classify.Request) (classify.Response, error) {
		cancel()
		<-ctx.Done()
		return classify.Response{}, ctx.Err()
	}}
	rep, err = c.Run(ctx, ids, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rep.Considered)
}

func TestMaintenanceReset(t *testing.T) {
	t.Parallel()
	db := dbtest.Open(t)
	ctx := dbtest.Context(t)
	dbtest.Account(t, db, repository.Account{ID: "bank"})
	txns := repository.NewTransactionRepo(db)
	seedImported(t, txns, "bank", "a")

	require.NoError(t, (&MaintenanceService{DB: db}).Reset(ctx))
	accts, err := repository.NewAccountRepo(db).List(ctx)
	require.NoError(t, err)
	assert.Empty(t, accts)
	n, err := txns.Count(ctx, "bank")
	require.NoError(t, err)
	assert.Zero(t, n)
}
