package matching

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jask/moneysync/internal/amount"
	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
)

// Decision modes.
const (
	ModeAuto     = "auto"
	ModeSuggest  = "suggest"
	ModeNone     = "none"
	ModeConflict = "conflict"
)

// Candidate is one ranked transaction for an order.
type Candidate struct {
	TransactionID string          `json:"transactionId"`
	AccountID     string          `json:"accountId"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	DaysApart     int             `json:"daysApart"`
	Score         Breakdown       `json:"score"`
}

// OrderDecision is the outcome for one order in a batch.
type OrderDecision struct {
	OrderID       string      `json:"orderId"`
	Mode          string      `json:"mode"`
	TransactionID *string     `json:"transactionId,omitempty"`
	Score         float64     `json:"score"`
	Candidates    []Candidate `json:"candidates,omitempty"`
}

// OrderOptions configures OrderMatcher.
type OrderOptions struct {
	AmountTolerance   decimal.Decimal
	DateWindowDays    int
	AutoLinkThreshold float64
	Workers           int
}

// linker is the write half of OrderRepo used by MatchBatch.
type linker interface {
	Link(ctx context.Context, orderID string, txnID *string) (repository.LinkResult, error)
}

// OrderMatcher links external orders to transactions.
type OrderMatcher struct {
	txns     *repository.TransactionRepo
	orders   *repository.OrderRepo
	linker   linker
	accounts *repository.AccountRepo
	scorer   Scorer
	opts     OrderOptions
	log      *logrus.Entry
	metrics  *metrics.Metrics
}

func NewOrderMatcher(txns *repository.TransactionRepo, orders *repository.OrderRepo, accounts *repository.AccountRepo, opts OrderOptions, log logrus.FieldLogger, m *metrics.Metrics) *OrderMatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &OrderMatcher{
		txns:     txns,
		orders:   orders,
		linker:   orders,
		accounts: accounts,
		scorer:   Scorer{AmountTolerance: opts.AmountTolerance, DateWindowDays: opts.DateWindowDays},
		opts:     opts,
		log:      logging.Component(log, "order-matcher"),
		metrics:  m,
	}
}

// FindCandidates ranks the transactions that could belong to orderID. It does
// not write anything.
func (m *OrderMatcher) FindCandidates(ctx context.Context, orderID string) ([]Candidate, error) {
	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.New(apperr.CodeNotFound, "order %s not found", orderID)
	}
	accts, err := m.accountIndex(ctx)
	if err != nil {
		return nil, err
	}
	return m.candidates(ctx, *o, accts)
}

// MatchBatch scores every unmatched, non-ignored order (all of them when
// orderIDs is empty) and auto-links the ones whose best candidate clears the
// threshold. Candidate lists are built in parallel; bindings are then applied
// one at a time in a global order (score, date distance, order id,
// transaction id) so each transaction is claimed at most once.
func (m *OrderMatcher) MatchBatch(ctx context.Context, orderIDs []string) ([]OrderDecision, error) {
	orders, err := m.orders.ListUnmatched(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	accts, err := m.accountIndex(ctx)
	if err != nil {
		return nil, err
	}

	ranked := make([][]Candidate, len(orders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for i := range orders {
		i := i
		g.Go(func() error {
			c, err := m.candidates(gctx, orders[i], accts)
			ranked[i] = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type pair struct {
		order int
		cand  Candidate
	}
	var pairs []pair
	for i, cands := range ranked {
		for _, c := range cands {
			if c.Score.Total > m.opts.AutoLinkThreshold {
				pairs = append(pairs, pair{order: i, cand: c})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		pa, pb := pairs[a], pairs[b]
		if pa.cand.Score.Total != pb.cand.Score.Total {
			return pa.cand.Score.Total > pb.cand.Score.Total
		}
		if pa.cand.DaysApart != pb.cand.DaysApart {
			return pa.cand.DaysApart < pb.cand.DaysApart
		}
		if orders[pa.order].ID != orders[pb.order].ID {
			return orders[pa.order].ID < orders[pb.order].ID
		}
		return pa.cand.TransactionID < pb.cand.TransactionID
	})

	decisions := make([]OrderDecision, len(orders))
	for i, o := range orders {
		decisions[i] = OrderDecision{OrderID: o.ID, Mode: ModeNone}
	}
	claimed := map[string]bool{}
	for _, p := range pairs {
		d := &decisions[p.order]
		if d.Mode == ModeAuto || claimed[p.cand.TransactionID] {
			continue
		}
		txnID := p.cand.TransactionID
		if _, err := m.linker.Link(ctx, d.OrderID, &txnID); err != nil {
			if apperr.Is(err, apperr.CodePersistenceConflict) || errors.Is(err, repository.ErrTransactionMatched) {
				// someone else bound it since we read it
				claimed[txnID] = true
				d.Mode = ModeConflict
				m.log.WithError(err).WithField("order_id", d.OrderID).Info("auto-link lost a race")
				continue
			}
			return nil, err
		}
		claimed[txnID] = true
		d.Mode, d.TransactionID, d.Score = ModeAuto, &txnID, p.cand.Score.Total
		m.log.WithFields(logrus.Fields{"order_id": d.OrderID, "transaction_id": txnID, "score": d.Score}).Info("order auto-linked")
	}

	for i := range decisions {
		d := &decisions[i]
		if d.Mode == ModeAuto {
			m.metrics.MatchDecision("order", ModeAuto)
			continue
		}
		for _, c := range ranked[i] {
			if !claimed[c.TransactionID] {
				d.Candidates = append(d.Candidates, c)
			}
		}
		if len(d.Candidates) > 0 {
			d.Mode, d.Score = ModeSuggest, d.Candidates[0].Score.Total
		} else if d.Mode != ModeConflict {
			d.Mode = ModeNone
		}
		m.metrics.MatchDecision("order", d.Mode)
	}
	return decisions, nil
}

func (m *OrderMatcher) accountIndex(ctx context.Context) (map[string]repository.Account, error) {
	list, err := m.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]repository.Account, len(list))
	for _, a := range list {
		idx[a.ID] = a
	}
	return idx, nil
}

func (m *OrderMatcher) candidates(ctx context.Context, o repository.ExternalOrder, accts map[string]repository.Account) ([]Candidate, error) {
	window := time.Duration(m.opts.DateWindowDays) * 24 * time.Hour
	f := repository.TransactionFilters{
		From:           o.OrderDate.Add(-window),
		To:             o.OrderDate.Add(window + 24*time.Hour),
		ExcludeIgnored: true,
		UnmatchedOrder: true,
	}
	if o.AccountID != nil {
		f.AccountIDs = []string{*o.AccountID}
	}
	pool, err := m.txns.List(ctx, f)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, t := range pool {
		acct, ok := accts[t.AccountID]
		if !ok {
			continue
		}
		expense, err := amount.Expense(t, acct)
		if err != nil {
			// rows on an account of unknown type cannot be compared
			continue
		}
		score := m.scorer.Score(expense, t.Date, o.Amount, o.OrderDate, o.Merchant, describe(t))
		if score.Total <= 0 {
			continue
		}
		out = append(out, Candidate{
			TransactionID: t.ID,
			AccountID:     t.AccountID,
			Date:          t.Date,
			Amount:        expense,
			Description:   t.Description,
			DaysApart:     daysApart(t.Date, o.OrderDate),
			Score:         score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total > out[j].Score.Total
		}
		if out[i].DaysApart != out[j].DaysApart {
			return out[i].DaysApart < out[j].DaysApart
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

func describe(t repository.Transaction) string {
	if t.MerchantName != nil && *t.MerchantName != "" {
		return *t.MerchantName + " " + t.Description
	}
	return t.Description
}
