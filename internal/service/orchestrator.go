package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jask/moneysync/internal/aggregator"
	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/classify"
	"github.com/jask/moneysync/internal/config"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/ignore"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/matching"
	"github.com/jask/moneysync/internal/metrics"
	"github.com/jask/moneysync/internal/syncer"
	"github.com/jask/moneysync/internal/webhook"
)

// Deps wires an Orchestrator.
type Deps struct {
	DB         *sql.DB
	Client     aggregator.Client
	Config     config.Config
	Log        logrus.FieldLogger
	Metrics    *metrics.Metrics
	Classifier classify.Classifier // nil disables background categorization
	Categories []string
	Now        func() time.Time
}

type orderLinker interface {
	Link(ctx context.Context, orderID string, txnID *string) (repository.LinkResult, error)
}

// Orchestrator is the entry point for every sync, webhook and matching
// operation. Results are plain JSON-serialisable values; failures are carried
// in their Error field as well as returned.
type Orchestrator struct {
	accounts    *repository.AccountRepo
	txns        *repository.TransactionRepo
	orders      *repository.OrderRepo
	links       orderLinker
	ignoreRules *repository.IgnoreRuleRepo

	engine    *syncer.Engine
	queue     *syncer.Queue
	webhooks  *webhook.Processor
	orderM    *matching.OrderMatcher
	recurM    *matching.RecurringMatcher
	ingest    *IngestService
	budget    *BudgetService
	maint     *MaintenanceService
	categorer *Categorizer

	syncWorkers int
	log         *logrus.Entry

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func NewOrchestrator(d Deps) (*Orchestrator, error) {
	if d.DB == nil || d.Client == nil {
		return nil, apperr.New(apperr.CodeValidation, "orchestrator needs a database and an aggregator client")
	}
	if d.Log == nil {
		d.Log = logging.Discard()
	}
	cfg := d.Config
	orderTol, err := decimal.NewFromString(cfg.Matching.AmountTolerance)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "matching.amount_tolerance %q is not a decimal", cfg.Matching.AmountTolerance)
	}
	recurTol, err := decimal.NewFromString(cfg.Matching.RecurringAmountTolerance)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "matching.recurring_amount_tolerance %q is not a decimal", cfg.Matching.RecurringAmountTolerance)
	}

	o := &Orchestrator{
		accounts:    repository.NewAccountRepo(d.DB),
		txns:        repository.NewTransactionRepo(d.DB),
		orders:      repository.NewOrderRepo(d.DB),
		ignoreRules: repository.NewIgnoreRuleRepo(d.DB),
		syncWorkers: cfg.Sync.Workers,
		log:         logging.Component(d.Log, "orchestrator"),
	}
	o.links = o.orders
	if o.syncWorkers <= 0 {
		o.syncWorkers = 1
	}
	cursors := repository.NewCursorStore(d.DB)

	o.engine = syncer.NewEngine(o.accounts, cursors, d.Client, syncer.Options{
		PageSize: cfg.Aggregator.PageSize,
		MaxPages: cfg.Sync.MaxPages,
	}, d.Log, d.Metrics)
	o.queue = syncer.NewQueue(o.engine.SyncAccount, syncer.QueueOptions{
		Workers:         cfg.Sync.Workers,
		Size:            cfg.Sync.QueueSize,
		RetryMaxElapsed: cfg.Sync.RetryMaxElapsed,
		OnComplete:      o.onQueuedSync,
	}, d.Log, d.Metrics)
	o.webhooks = webhook.NewProcessor(o.accounts, cursors, repository.NewWebhookLogRepo(d.DB), o.queue, d.Log, d.Metrics)
	o.orderM = matching.NewOrderMatcher(o.txns, o.orders, o.accounts, matching.OrderOptions{
		AmountTolerance:   orderTol,
		DateWindowDays:    cfg.Matching.DateWindowDays,
		AutoLinkThreshold: cfg.Matching.AutoLinkThreshold,
		Workers:           cfg.Matching.Workers,
	}, d.Log, d.Metrics)
	o.recurM = matching.NewRecurringMatcher(o.txns, repository.NewRecurringRepo(d.DB), o.accounts, matching.RecurringOptions{
		AmountTolerance:  recurTol,
		DayWindow:        cfg.Matching.RecurringDayWindow,
		OpenPeriodMonths: cfg.Matching.OpenPeriodMonths,
		Location:         cfg.Location(),
		Now:              d.Now,
	}, d.Log, d.Metrics)
	o.ingest = &IngestService{Transactions: o.txns, Accounts: o.accounts, IgnoreRules: o.ignoreRules, Log: d.Log}
	o.budget = &BudgetService{Transactions: o.txns, Accounts: o.accounts, IgnoreRules: o.ignoreRules}
	o.maint = &MaintenanceService{DB: d.DB}
	if d.Classifier != nil {
		o.categorer = &Categorizer{
			Transactions: o.txns,
			Classifier:   d.Classifier,
			Categories:   d.Categories,
			Threshold:    cfg.Classifier.ConfidenceThreshold,
			Timeout:      cfg.Classifier.Timeout,
			Log:          d.Log,
		}
	}
	o.bgCtx, o.bgCancel = context.WithCancel(context.Background())
	return o, nil
}

// Start launches the sync workers. Queued runs stop retrying once ctx ends.
func (o *Orchestrator) Start(ctx context.Context) {
	o.queue.Start(ctx)
}

// Close drains the sync queue, cancels background categorization and waits for it.
func (o *Orchestrator) Close() {
	o.queue.Stop()
	o.bgCancel()
	o.bg.Wait()
}

// Flush waits until no sync is queued or running and background work is done.
func (o *Orchestrator) Flush(ctx context.Context) error {
	if err := o.queue.Flush(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AccountSyncResult reports one account's sync plus the reconciliation that followed it.
type AccountSyncResult struct {
	AccountID      string          `json:"accountId"`
	OK             bool            `json:"ok"`
	Sync           syncer.Result   `json:"sync"`
	Ignored        int             `json:"ignored"` // rows newly suppressed by an ignore rule
	RecurringBound int             `json:"recurringBound"`
	OrdersLinked   int             `json:"ordersLinked"`
	Error          *apperr.Payload `json:"error,omitempty"`
}

// RunAccountSync syncs one account now. A run already in flight for the
// account yields sync_in_progress. On success the ignore filter is re-applied
// and both matchers run; categorization is started in the background.
func (o *Orchestrator) RunAccountSync(ctx context.Context, accountID string) (AccountSyncResult, error) {
	res := AccountSyncResult{AccountID: accountID}
	if strings.TrimSpace(accountID) == "" {
		return res.fail(apperr.New(apperr.CodeValidation, "account id required"))
	}
	sr, err := o.queue.RunNow(ctx, accountID)
	res.Sync = sr
	if err != nil {
		return res.fail(err)
	}
	if err := o.afterSync(ctx, sr.TouchedIDs, &res); err != nil {
		return res.fail(err)
	}
	res.OK = true
	return res, nil
}

func (r AccountSyncResult) fail(err error) (AccountSyncResult, error) {
	r.OK = false
	r.Error = apperr.ToPayload(err)
	return r, err
}

// BatchSyncResult holds one outcome per account, in request order.
type BatchSyncResult struct {
	Results   []AccountSyncResult `json:"results"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

// SyncAll syncs the given accounts, or every linked account when ids is empty.
// Accounts run concurrently and fail independently; the batch itself only fails
// when the account list cannot be read.
func (o *Orchestrator) SyncAll(ctx context.Context, ids []string) (BatchSyncResult, error) {
	var out BatchSyncResult
	if len(ids) == 0 {
		linked, err := o.accounts.ListLinked(ctx)
		if err != nil {
			return out, fmt.Errorf("list linked accounts: %w", err)
		}
		for _, a := range linked {
			ids = append(ids, a.ID)
		}
	}
	out.Results = make([]AccountSyncResult, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(o.syncWorkers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			out.Results[i], _ = o.RunAccountSync(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range out.Results {
		if r.OK {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	o.log.WithFields(logrus.Fields{"accounts": len(ids), "succeeded": out.Succeeded, "failed": out.Failed}).Info("batch sync finished")
	return out, nil
}

// ProcessWebhook logs and applies a provider notification. Triggered syncs run
// on the queue; the result never waits for them.
func (o *Orchestrator) ProcessWebhook(ctx context.Context, payload webhook.Payload) (webhook.Result, error) {
	return o.webhooks.Process(ctx, payload)
}

// OrderMatchResult lists one decision per order considered.
type OrderMatchResult struct {
	Decisions []matching.OrderDecision `json:"decisions"`
	Linked    int                      `json:"linked"`
	Error     *apperr.Payload          `json:"error,omitempty"`
}

// MatchOrders runs the order matcher over the given orders, or all open ones.
func (o *Orchestrator) MatchOrders(ctx context.Context, orderIDs []string) (OrderMatchResult, error) {
	res := OrderMatchResult{Decisions: []matching.OrderDecision{}}
	ds, err := o.orderM.MatchBatch(ctx, orderIDs)
	if err != nil {
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	res.Decisions = ds
	for _, d := range ds {
		if d.Mode == matching.ModeAuto {
			res.Linked++
		}
	}
	return res, nil
}

// CandidatesResult is the read-only ranked candidate list of one order.
type CandidatesResult struct {
	OrderID    string               `json:"orderId"`
	Candidates []matching.Candidate `json:"candidates"`
	Error      *apperr.Payload      `json:"error,omitempty"`
}

func (o *Orchestrator) FindOrderCandidates(ctx context.Context, orderID string) (CandidatesResult, error) {
	res := CandidatesResult{OrderID: orderID, Candidates: []matching.Candidate{}}
	cs, err := o.orderM.FindCandidates(ctx, orderID)
	if err != nil {
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	if cs != nil {
		res.Candidates = cs
	}
	return res, nil
}

// RecurringResult wraps a recurring batch report.
type RecurringResult struct {
	matching.RecurringReport
	Error *apperr.Payload `json:"error,omitempty"`
}

// MatchRecurringForOpenPeriods binds recurring charges in the open budgeting periods.
func (o *Orchestrator) MatchRecurringForOpenPeriods(ctx context.Context) (RecurringResult, error) {
	rep, err := o.recurM.MatchOpenPeriods(ctx)
	res := RecurringResult{RecurringReport: rep}
	if err != nil {
		res.Error = apperr.ToPayload(err)
	}
	return res, err
}

// OrderView is the external shape of an order.
type OrderView struct {
	ID                  string          `json:"id"`
	AccountID           *string         `json:"accountId,omitempty"`
	Merchant            string          `json:"merchant"`
	Amount              decimal.Decimal `json:"amount"`
	OrderDate           string          `json:"orderDate"`
	Ignored             bool            `json:"ignored"`
	LinkedTransactionID *string         `json:"linkedTransactionId"`
}

func viewOf(o repository.ExternalOrder) *OrderView {
	return &OrderView{
		ID:                  o.ID,
		AccountID:           o.AccountID,
		Merchant:            o.Merchant,
		Amount:              o.Amount,
		OrderDate:           o.OrderDate.Format(time.DateOnly),
		Ignored:             o.Ignored,
		LinkedTransactionID: o.LinkedTransactionID,
	}
}

// OpenOrders lists orders that are neither linked nor ignored, by id.
func (o *Orchestrator) OpenOrders(ctx context.Context) ([]OrderView, error) {
	rows, err := o.orders.ListUnmatched(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]OrderView, 0, len(rows))
	for _, r := range rows {
		out = append(out, *viewOf(r))
	}
	return out, nil
}

// OrderResult reports a single-order mutation.
type OrderResult struct {
	Order                 *OrderView      `json:"order,omitempty"`
	Changed               bool            `json:"changed"`
	PreviousTransactionID *string         `json:"previousTransactionId,omitempty"`
	Error                 *apperr.Payload `json:"error,omitempty"`
}

// SetIgnored flags an order as ignored (or not). Ignored orders are skipped by
// the matcher; an existing link is kept.
func (o *Orchestrator) SetIgnored(ctx context.Context, orderID string, ignored bool) (OrderResult, error) {
	var res OrderResult
	before, err := o.orders.Get(ctx, orderID)
	if err == nil && before == nil {
		err = apperr.New(apperr.CodeNotFound, "order %s not found", orderID)
	}
	if err != nil {
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	after, err := o.orders.SetIgnored(ctx, orderID, ignored)
	if err != nil {
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	res.Order = viewOf(*after)
	res.Changed = before.Ignored != after.Ignored
	return res, nil
}

// LinkOrder binds an order to a transaction, or clears the link when txnID is
// nil. A persistence conflict is retried once before it is surfaced.
func (o *Orchestrator) LinkOrder(ctx context.Context, orderID string, txnID *string) (OrderResult, error) {
	var res OrderResult
	if txnID != nil && strings.TrimSpace(*txnID) == "" {
		txnID = nil
	}
	lr, err := o.links.Link(ctx, orderID, txnID)
	if apperr.Is(err, apperr.CodePersistenceConflict) {
		o.log.WithError(err).WithField("order_id", orderID).Info("link conflict, retrying once")
		lr, err = o.links.Link(ctx, orderID, txnID)
	}
	if err != nil {
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	res.Order = viewOf(lr.Order)
	res.Changed = lr.Changed
	res.PreviousTransactionID = lr.Previous
	return res, nil
}

// ImportResult reports a CSV import and the reconciliation that followed it.
type ImportResult struct {
	IngestResult
	RecurringBound int             `json:"recurringBound"`
	OrdersLinked   int             `json:"ordersLinked"`
	Error          *apperr.Payload `json:"error,omitempty"`
}

// ImportCSV imports rows into accountID and reconciles them like synced rows.
func (o *Orchestrator) ImportCSV(ctx context.Context, accountID string, r io.Reader) (ImportResult, error) {
	ir, err := o.ingest.ImportCSV(ctx, accountID, r)
	res := ImportResult{IngestResult: ir}
	if err != nil {
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	var post AccountSyncResult
	if err := o.reconcile(ctx, ir.IDs, &post); err != nil {
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	res.RecurringBound, res.OrdersLinked = post.RecurringBound, post.OrdersLinked
	return res, nil
}

// BudgetResult holds expense totals per category.
type BudgetResult struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Totals []CategoryTotal `json:"totals"`
	Error  *apperr.Payload `json:"error,omitempty"`
}

// Budget totals expenses in [from, to), leaving out ignored and removed rows.
func (o *Orchestrator) Budget(ctx context.Context, from, to time.Time) (BudgetResult, error) {
	res := BudgetResult{From: from.Format(time.DateOnly), To: to.Format(time.DateOnly), Totals: []CategoryTotal{}}
	if !to.After(from) {
		err := apperr.New(apperr.CodeValidation, "budget period end must be after its start")
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	totals, err := o.budget.SumExpensesByCategory(ctx, from, to)
	if err != nil {
		res.Error = apperr.ToPayload(err)
		return res, err
	}
	res.Totals = append(res.Totals, totals...)
	return res, nil
}

// Reset wipes all data.
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.maint.Reset(ctx)
}

func (o *Orchestrator) onQueuedSync(ctx context.Context, accountID string, sr syncer.Result, err error) {
	if err != nil {
		return
	}
	res := AccountSyncResult{AccountID: accountID, Sync: sr}
	if err := o.afterSync(ctx, sr.TouchedIDs, &res); err != nil {
		o.log.WithError(err).WithField("account_id", accountID).Warn("post-sync reconciliation failed")
	}
}

// afterSync re-applies the active ignore rules to every live row, then
// reconciles. Rows from a run whose reconciliation failed, and rows that predate
// a rule, are picked up here.
func (o *Orchestrator) afterSync(ctx context.Context, touched []string, res *AccountSyncResult) error {
	n, err := o.applyIgnoreRules(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply ignore rules: %w", err)
	}
	res.Ignored = n
	return o.reconcile(ctx, touched, res)
}

// reconcile runs both matchers and hands new rows to the categorizer.
func (o *Orchestrator) reconcile(ctx context.Context, newIDs []string, res *AccountSyncResult) error {
	rep, err := o.recurM.MatchOpenPeriods(ctx)
	if err != nil {
		return fmt.Errorf("match recurring: %w", err)
	}
	res.RecurringBound = len(rep.Bound)

	ds, err := o.orderM.MatchBatch(ctx, nil)
	if err != nil {
		return fmt.Errorf("match orders: %w", err)
	}
	for _, d := range ds {
		if d.Mode == matching.ModeAuto {
			res.OrdersLinked++
		}
	}
	o.categorizeInBackground(newIDs)
	return nil
}

func (o *Orchestrator) applyIgnoreRules(ctx context.Context, ids []string) (int, error) {
	rules, err := o.ignoreRules.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	filter := ignore.NewFilter(rules)
	rows, err := o.txns.List(ctx, repository.TransactionFilters{IDs: ids})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range rows {
		d := filter.Evaluate(descriptor(t))
		changed, err := o.txns.SetIgnored(ctx, t.ID, d.Ignored, d.RuleID)
		if err != nil {
			return n, err
		}
		if changed && d.Ignored {
			n++
		}
	}
	return n, nil
}

func (o *Orchestrator) categorizeInBackground(ids []string) {
	if o.categorer == nil || len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		rep, err := o.categorer.Run(o.bgCtx, ids, nil)
		entry := o.log.WithFields(logrus.Fields{"considered": rep.Considered, "applied": rep.Applied})
		if err != nil {
			entry.WithError(err).Info("categorization stopped")
			return
		}
		entry.Debug("categorization done")
	}()
}

// descriptor is the text ignore rules are matched against.
func descriptor(t repository.Transaction) string {
	if t.MerchantName != nil && *t.MerchantName != "" {
		return t.Description + " " + *t.MerchantName
	}
	return t.Description
}
