package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jask/moneysync/internal/aggregator"
	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/classify"
	"github.com/jask/moneysync/internal/config"
	"github.com/jask/moneysync/internal/database/dbtest"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/matching"
	"github.com/jask/moneysync/internal/webhook"
)

var fixedNow = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

type harness struct {
	db     *sql.DB
	client *aggregator.MemoryClient
	orch   *Orchestrator
	ctx    context.Context
}

func newHarness(t *testing.T, cls classify.Classifier) *harness {
	t.Helper()
	db := dbtest.Open(t)
	client := aggregator.NewMemoryClient(2)
	cfg := config.Default()
	cfg.Sync.RetryMaxElapsed = 0
	orch, err := NewOrchestrator(Deps{
		DB:         db,
		Client:     client,
		Config:     cfg,
		Classifier: cls,
		Categories: []string{"Shopping", "Subscriptions"},
		Now:        func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	ctx := dbtest.Context(t)
	orch.Start(ctx)
	t.Cleanup(orch.Close)
	return &harness{db: db, client: client, orch: orch, ctx: ctx}
}

func (h *harness) linkItem(t *testing.T, itemID string, accountIDs ...string) {
	t.Helper()
	var linked []aggregator.LinkedAccount
	for _, id := range accountIDs {
		dbtest.Account(t, h.db, repository.Account{
			ID:                  id,
			Type:                repository.AccountTypeCreditCard,
			ProviderItemID:      itemID,
			ProviderAccountID:   "prov-" + id,
			ProviderAccessToken: "access-" + itemID,
		})
		linked = append(linked, aggregator.LinkedAccount{ID: "prov-" + id, Name: id})
	}
	h.client.AddItem(itemID, "access-"+itemID, "Test Bank", linked...)
}

func providerTxn(id, account, date, amt, name, merchant string) aggregator.Transaction {
	d, _ := time.Parse("2006-01-02", date)
	t := aggregator.Transaction{TransactionID: id, AccountID: "prov-" + account, Date: d, Amount: dbtest.Dec(amt), Name: name}
	if merchant != "" {
		t.MerchantName = &merchant
	}
	return t
}

// seedCard links account "card" and gives it an order, a recurring charge and a transfer.
func (h *harness) seedCard(t *testing.T) {
	t.Helper()
	h.linkItem(t, "item-1", "card")
	h.client.Add("access-item-1",
		providerTxn("p-amzn", "card", "2026-03-03", "34.99", "AMAZON MKTPL*1234", "Amazon"),
		providerTxn("p-nflx", "card", "2026-03-05", "15.99", "NETFLIX.COM", "Netflix"),
		providerTxn("p-xfer", "card", "2026-03-06", "500.00", "INTERNAL TRANSFER 88", ""),
	)
	require.NoError(t, repository.NewOrderRepo(h.db).Upsert(h.ctx, repository.ExternalOrder{
		ID: "order-1", Merchant: "Amazon", Amount: dbtest.Dec("34.99"), OrderDate: dbtest.Date(t, "2026-03-02"),
	}))
	require.NoError(t, repository.NewRecurringRepo(h.db).Upsert(h.ctx, repository.RecurringDefinition{
		ID: "netflix", Name: "Netflix", Pattern: "netflix", ExpectedAmount: dbtest.Dec("15.99"),
		Cadence: repository.CadenceMonthly, ExpectedDay: 5, Active: true,
	}))
	require.NoError(t, repository.NewIgnoreRuleRepo(h.db).Upsert(h.ctx, repository.IgnoreRule{
		ID: "transfers", Pattern: "internal transfer", Active: true,
	}))
}

func TestRunAccountSync_ReconcilesTouchedRows(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seedCard(t)

	res, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Nil(t, res.Error)
	assert.Equal(t, 3, res.Sync.Added)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, 1, res.RecurringBound)
	assert.Equal(t, 1, res.OrdersLinked)

	order, err := repository.NewOrderRepo(h.db).Get(h.ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, order.LinkedTransactionID)
	assert.Equal(t, repository.SyncedTransactionID("card", "p-amzn"), *order.LinkedTransactionID)

	acct, err := repository.NewAccountRepo(h.db).Get(h.ctx, "card")
	require.NoError(t, err)
	require.NotNil(t, acct.SyncCursor)
	cursor := *acct.SyncCursor

	// nothing new upstream: no row changes, same cursor, nothing re-matched
	again, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)
	assert.Zero(t, again.Sync.Added+again.Sync.Modified+again.Sync.Removed)
	assert.Zero(t, again.RecurringBound)
	assert.Zero(t, again.OrdersLinked)
	acct, err = repository.NewAccountRepo(h.db).Get(h.ctx, "card")
	require.NoError(t, err)
	assert.Equal(t, cursor, *acct.SyncCursor)
}

func TestIgnoredRowsStayOutOfBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seedCard(t)
	_, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)

	// the transfer also matches nothing else, but being bound would not matter either
	got, err := h.orch.Budget(h.ctx, dbtest.Date(t, "2026-03-01"), dbtest.Date(t, "2026-04-01"))
	require.NoError(t, err)
	require.Len(t, got.Totals, 1)
	assert.Equal(t, Uncategorized, got.Totals[0].Category)
	assert.True(t, got.Totals[0].Total.Equal(dbtest.Dec("50.98")), got.Totals[0].Total.String())

	_, err = h.orch.Budget(h.ctx, dbtest.Date(t, "2026-04-01"), dbtest.Date(t, "2026-03-01"))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestSyncAll_IsolatesAccountFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.linkItem(t, "item-a", "a")
	h.linkItem(t, "item-b", "b")
	h.client.Add("access-item-a", providerTxn("pa", "a", "2026-03-02", "10", "A STORE", ""))
	h.client.Add("access-item-b", providerTxn("pb", "b", "2026-03-02", "20", "B STORE", ""))
	h.client.FailNext("access-item-a", &aggregator.APIError{StatusCode: 400, ErrorType: "ITEM_ERROR", ErrorCode: "ITEM_LOGIN_REQUIRED"})

	out, err := h.orch.SyncAll(h.ctx, nil)
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)

	byID := map[string]AccountSyncResult{}
	for _, r := range out.Results {
		byID[r.AccountID] = r
	}
	require.NotNil(t, byID["a"].Error)
	assert.Equal(t, apperr.CodeReauthRequired, byID["a"].Error.Code)
	assert.Equal(t, repository.ErrorStateReauthRequired, byID["a"].Sync.ErrorState)
	assert.True(t, byID["b"].OK)
	assert.Equal(t, 1, byID["b"].Sync.Added)

	accounts := repository.NewAccountRepo(h.db)
	a, err := accounts.Get(h.ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, a.SyncCursor)
	assert.Equal(t, repository.ErrorStateReauthRequired, a.ErrorState)
	b, err := accounts.Get(h.ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, b.SyncCursor)
	assert.Equal(t, repository.ErrorStateNone, b.ErrorState)

	raw, err := json.Marshal(byID["a"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"code":"reauth_required"`)
}

func TestRunAccountSync_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	dbtest.Account(t, h.db, repository.Account{ID: "cash", Type: repository.AccountTypeCash})

	res, err := h.orch.RunAccountSync(h.ctx, "cash")
	require.True(t, apperr.Is(err, apperr.CodeNotLinked))
	assert.False(t, res.OK)
	assert.Equal(t, apperr.CodeNotLinked, res.Error.Code)

	_, err = h.orch.RunAccountSync(h.ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	_, err = h.orch.RunAccountSync(h.ctx, " ")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestProcessWebhook_SyncsAsynchronously(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seedCard(t)

	res, err := h.orch.ProcessWebhook(h.ctx, webhook.Payload{WebhookType: "TRANSACTIONS", WebhookCode: "SYNC_UPDATES_AVAILABLE", ItemID: "item-1"})
	require.NoError(t, err)
	assert.Equal(t, webhook.ActionSyncEnqueued, res.Action)
	assert.Equal(t, []string{"card"}, res.AccountIDs)

	require.NoError(t, h.orch.Flush(h.ctx))
	n, err := repository.NewTransactionRepo(h.db).Count(h.ctx, "card")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	order, err := repository.NewOrderRepo(h.db).Get(h.ctx, "order-1")
	require.NoError(t, err)
	assert.NotNil(t, order.LinkedTransactionID)

	res, err = h.orch.ProcessWebhook(h.ctx, webhook.Payload{WebhookType: "TRANSACTIONS", WebhookCode: "DEFAULT_UPDATE", ItemID: "unknown-item"})
	require.Error(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.CodeNotFound, res.Error.Code)
	logs, err := repository.NewWebhookLogRepo(h.db).ListByItem(h.ctx, "unknown-item")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestLinkOrderAndSetIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seedCard(t)
	// sync without auto-linking: raise the order's amount out of tolerance first
	orders := repository.NewOrderRepo(h.db)
	require.NoError(t, orders.Upsert(h.ctx, repository.ExternalOrder{ID: "order-1", Merchant: "Amazon", Amount: dbtest.Dec("36.00"), OrderDate: dbtest.Date(t, "2026-03-02")}))
	_, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)

	cands, err := h.orch.FindOrderCandidates(h.ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, cands.Candidates)

	amzn := repository.SyncedTransactionID("card", "p-amzn")
	nflx := repository.SyncedTransactionID("card", "p-nflx")

	res, err := h.orch.LinkOrder(h.ctx, "order-1", &amzn)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	require.NotNil(t, res.Order.LinkedTransactionID)
	assert.Equal(t, amzn, *res.Order.LinkedTransactionID)

	res, err = h.orch.LinkOrder(h.ctx, "order-1", &amzn)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = h.orch.LinkOrder(h.ctx, "order-1", &nflx)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	require.NotNil(t, res.PreviousTransactionID)
	assert.Equal(t, amzn, *res.PreviousTransactionID)

	ign, err := h.orch.SetIgnored(h.ctx, "order-1", true)
	require.NoError(t, err)
	assert.True(t, ign.Changed)
	assert.True(t, ign.Order.Ignored)
	assert.Equal(t, nflx, *ign.Order.LinkedTransactionID)

	res, err = h.orch.LinkOrder(h.ctx, "order-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Nil(t, res.Order.LinkedTransactionID)

	// ignored orders are never auto-matched
	batch, err := h.orch.MatchOrders(h.ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, batch.Decisions)

	_, err = h.orch.SetIgnored(h.ctx, "nope", true)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	_, err = h.orch.LinkOrder(h.ctx, "nope", nil)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestMatchOrders_SuggestsBelowThreshold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seedCard(t)
	orders := repository.NewOrderRepo(h.db)
	require.NoError(t, orders.Upsert(h.ctx, repository.ExternalOrder{ID: "order-1", Merchant: "Amazon", Amount: dbtest.Dec("34.99"), OrderDate: dbtest.Date(t, "2026-02-27")}))
	_, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)

	batch, err := h.orch.MatchOrders(h.ctx, []string{"order-1"})
	require.NoError(t, err)
	require.Len(t, batch.Decisions, 1)
	d := batch.Decisions[0]
	assert.Equal(t, matching.ModeSuggest, d.Mode)
	require.NotEmpty(t, d.Candidates)
	assert.Equal(t, repository.SyncedTransactionID("card", "p-amzn"), d.Candidates[0].TransactionID)
	assert.Zero(t, batch.Linked)
}

func TestMatchRecurringForOpenPeriods(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.seedCard(t)
	_, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)

	res, err := h.orch.MatchRecurringForOpenPeriods(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Bound)
	assert.Equal(t, dbtest.Date(t, "2026-02-01"), res.From)
	assert.Equal(t, dbtest.Date(t, "2026-04-01"), res.To)
}

func TestImportCSV_ReconcilesImportedRows(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	dbtest.Account(t, h.db, repository.Account{ID: "everyday"})
	require.NoError(t, repository.NewRecurringRepo(h.db).Upsert(h.ctx, repository.RecurringDefinition{
		ID: "rent", Name: "Rent", Pattern: "rent", ExpectedAmount: dbtest.Dec("2200"), Cadence: repository.CadenceMonthly, ExpectedDay: 1, Active: true,
	}))

	res, err := h.orch.ImportCSV(h.ctx, "everyday", strings.NewReader("2026-03-01,RENT MARCH,-2200.00\n2026-03-02,COFFEE,-4.00"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.RecurringBound)
}

func TestBackgroundCategorization(t *testing.T) {
	t.Parallel()
	h := newHarness(t, classify.NewHeuristicClassifier(time.Second))
	h.seedCard(t)
	_, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)
	require.NoError(t, h.orch.Flush(h.ctx))

	got, err := h.orch.Budget(h.ctx, dbtest.Date(t, "2026-03-01"), dbtest.Date(t, "2026-04-01"))
	require.NoError(t, err)
	totals := map[string]string{}
	for _, ct := range got.Totals {
		totals[ct.Category] = ct.Total.StringFixed(2)
	}
	assert.Equal(t, map[string]string{"Shopping": "34.99", "Subscriptions": "15.99"}, totals)
}

func TestIgnoreRuleAddedAfterSyncLeavesBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.linkItem(t, "item-1", "card")
	h.client.Add("access-item-1", providerTxn("p-xfer", "card", "2026-03-06", "50.00", "INTERNAL TRANSFER 991", ""))
	_, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)

	march, april := dbtest.Date(t, "2026-03-01"), dbtest.Date(t, "2026-04-01")
	got, err := h.orch.Budget(h.ctx, march, april)
	require.NoError(t, err)
	require.Len(t, got.Totals, 1)
	assert.True(t, got.Totals[0].Total.Equal(dbtest.Dec("50")), got.Totals[0].Total.String())

	require.NoError(t, repository.NewIgnoreRuleRepo(h.db).Upsert(h.ctx, repository.IgnoreRule{
		ID: "transfers", Pattern: "internal transfer", Active: true,
	}))
	got, err = h.orch.Budget(h.ctx, march, april)
	require.NoError(t, err)
	assert.Empty(t, got.Totals)

	// the next sync brings nothing new but still persists the verdict
	res, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)
	assert.Zero(t, res.Sync.Added)
	assert.Equal(t, 1, res.Ignored)
	txn, err := repository.NewTransactionRepo(h.db).Get(h.ctx, repository.SyncedTransactionID("card", "p-xfer"))
	require.NoError(t, err)
	assert.True(t, txn.Ignored)

	got, err = h.orch.Budget(h.ctx, march, april)
	require.NoError(t, err)
	assert.Empty(t, got.Totals)
}

// flakyLinker fails the first fail calls with a persistence conflict.
type flakyLinker struct {
	next  orderLinker
	fail  int
	calls int
}

func (l *flakyLinker) Link(ctx context.Context, orderID string, txnID *string) (repository.LinkResult, error) {
	l.calls++
	if l.calls <= l.fail {
		return repository.LinkResult{}, apperr.New(apperr.CodePersistenceConflict, "order %s moved", orderID)
	}
	return l.next.Link(ctx, orderID, txnID)
}

func (h *harness) syncedOrderFixture(t *testing.T) string {
	t.Helper()
	h.linkItem(t, "item-1", "card")
	h.client.Add("access-item-1", providerTxn("p-amzn", "card", "2026-03-03", "34.99", "AMAZON MKTPL*1234", "Amazon"))
	_, err := h.orch.RunAccountSync(h.ctx, "card")
	require.NoError(t, err)
	orders := repository.NewOrderRepo(h.db)
	for _, id := range []string{"order-1", "order-2"} {
		require.NoError(t, orders.Upsert(h.ctx, repository.ExternalOrder{
			ID: id, Merchant: "Amazon", Amount: dbtest.Dec("34.99"), OrderDate: dbtest.Date(t, "2026-03-02"),
		}))
	}
	return repository.SyncedTransactionID("card", "p-amzn")
}

func TestLinkOrderRetriesConflictOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	amzn := h.syncedOrderFixture(t)

	once := &flakyLinker{next: h.orch.orders, fail: 1}
	h.orch.links = once
	res, err := h.orch.LinkOrder(h.ctx, "order-1", &amzn)
	require.NoError(t, err)
	assert.Equal(t, 2, once.calls)
	assert.True(t, res.Changed)
	assert.Nil(t, res.Error)
	require.NotNil(t, res.Order.LinkedTransactionID)
	assert.Equal(t, amzn, *res.Order.LinkedTransactionID)

	twice := &flakyLinker{next: h.orch.orders, fail: 2}
	h.orch.links = twice
	res, err = h.orch.LinkOrder(h.ctx, "order-1", nil)
	require.Error(t, err)
	assert.Equal(t, 2, twice.calls)
	assert.True(t, apperr.Is(err, apperr.CodePersistenceConflict))
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.CodePersistenceConflict, res.Error.Code)

	order, err := repository.NewOrderRepo(h.db).Get(h.ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, order.LinkedTransactionID)
}

func TestLinkOrderRejectsTransactionHeldByAnotherOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	amzn := h.syncedOrderFixture(t)

	_, err := h.orch.LinkOrder(h.ctx, "order-1", &amzn)
	require.NoError(t, err)

	counted := &flakyLinker{next: h.orch.orders}
	h.orch.links = counted
	res, err := h.orch.LinkOrder(h.ctx, "order-2", &amzn)
	require.Error(t, err)
	assert.Equal(t, 1, counted.calls)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.ErrorIs(t, err, repository.ErrTransactionMatched)
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.CodeValidation, res.Error.Code)
}
