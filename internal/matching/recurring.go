package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jask/moneysync/internal/amount"
	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
)

// RecurringOptions configures RecurringMatcher.
type RecurringOptions struct {
	AmountTolerance  decimal.Decimal // used when a definition has none
	DayWindow        int
	OpenPeriodMonths int
	Location         *time.Location
	Now              func() time.Time // defaults to time.Now
}

// RecurringBinding is one definition bound to one transaction.
type RecurringBinding struct {
	DefinitionID  string  `json:"definitionId"`
	TransactionID string  `json:"transactionId"`
	Slot          string  `json:"slot"`
	Score         float64 `json:"score"`
}

// RecurringReport summarises a batch.
type RecurringReport struct {
	From       time.Time          `json:"from"`
	To         time.Time          `json:"to"`
	Considered int                `json:"considered"`
	Bound      []RecurringBinding `json:"bound"`
	Lost       int                `json:"lost"`
}

// RecurringMatcher tags transactions in open budgeting periods with the
// recurring definition they pay.
type RecurringMatcher struct {
	txns     *repository.TransactionRepo
	defs     *repository.RecurringRepo
	accounts *repository.AccountRepo
	opts     RecurringOptions
	log      *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewRecurringMatcher(txns *repository.TransactionRepo, defs *repository.RecurringRepo, accounts *repository.AccountRepo, opts RecurringOptions, log logrus.FieldLogger, m *metrics.Metrics) *RecurringMatcher {
	if opts.OpenPeriodMonths <= 0 {
		opts.OpenPeriodMonths = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RecurringMatcher{
		txns:     txns,
		defs:     defs,
		accounts: accounts,
		opts:     opts,
		log:      logging.Component(log, "recurring-matcher"),
		metrics:  m,
		now:      opts.Now,
	}
}

// OpenPeriod is [first day of the oldest open month, first day of next month).
func (m *RecurringMatcher) OpenPeriod() (from, to time.Time) {
	today := database.Day(m.now(), m.opts.Location)
	first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -(m.opts.OpenPeriodMonths - 1), 0), first.AddDate(0, 1, 0)
}

type recurringPair struct {
	def   repository.RecurringDefinition
	txn   repository.Transaction
	slot  string
	days  int
	score float64
}

// MatchOpenPeriods binds unmatched transactions of the open periods. Each
// (definition, slot) and each transaction gets at most one binding; rows that
// are already bound are left alone, so re-running is safe.
func (m *RecurringMatcher) MatchOpenPeriods(ctx context.Context) (RecurringReport, error) {
	from, to := m.OpenPeriod()
	report := RecurringReport{From: from, To: to, Bound: []RecurringBinding{}}

	defs, err := m.defs.ListActive(ctx)
	if err != nil {
		return report, err
	}
	rows, err := m.txns.List(ctx, repository.TransactionFilters{From: from, To: to})
	if err != nil {
		return report, err
	}
	accts, err := m.accounts.List(ctx)
	if err != nil {
		return report, err
	}
	byID := make(map[string]repository.Account, len(accts))
	for _, a := range accts {
		byID[a.ID] = a
	}

	taken := map[string]bool{}
	var open []repository.Transaction
	for _, t := range rows {
		if t.MatchedRecurringID != nil {
			if def := findDef(defs, *t.MatchedRecurringID); def != nil {
				taken[slotKey(def.ID, slotFor(*def, t.Date))] = true
			}
			continue
		}
		if !t.Ignored {
			open = append(open, t)
		}
	}
	report.Considered = len(open)

	var pairs []recurringPair
	for _, def := range defs {
		for _, t := range open {
			if p, ok := m.evaluate(def, t, byID); ok {
				pairs = append(pairs, p)
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.days != b.days {
			return a.days < b.days
		}
		if a.def.ID != b.def.ID {
			return a.def.ID < b.def.ID
		}
		if !a.txn.Date.Equal(b.txn.Date) {
			return a.txn.Date.Before(b.txn.Date)
		}
		return a.txn.ID < b.txn.ID
	})

	used := map[string]bool{}
	for _, p := range pairs {
		key := slotKey(p.def.ID, p.slot)
		if taken[key] || used[p.txn.ID] {
			continue
		}
		start, end := slotBounds(p.def, expectedDate(p.def, p.txn.Date))
		busy, err := m.txns.RecurringSlotTaken(ctx, p.def.ID, start, end)
		if err != nil {
			return report, err
		}
		if busy {
			taken[key] = true
			continue
		}
		ok, err := m.txns.BindRecurring(ctx, p.txn.ID, p.def.ID)
		if err != nil {
			return report, err
		}
		used[p.txn.ID] = true
		if !ok {
			report.Lost++
			continue
		}
		taken[key] = true
		report.Bound = append(report.Bound, RecurringBinding{DefinitionID: p.def.ID, TransactionID: p.txn.ID, Slot: p.slot, Score: p.score})
		m.metrics.MatchDecision("recurring", ModeAuto)
		m.log.WithFields(logrus.Fields{"definition_id": p.def.ID, "transaction_id": p.txn.ID, "slot": p.slot, "score": p.score}).Info("recurring charge matched")
	}
	return report, nil
}

func (m *RecurringMatcher) evaluate(def repository.RecurringDefinition, t repository.Transaction, accts map[string]repository.Account) (recurringPair, bool) {
	if def.AccountID != nil && *def.AccountID != t.AccountID {
		return recurringPair{}, false
	}
	pattern := normalize(def.Pattern)
	if pattern == "" || !strings.Contains(normalize(describe(t)), pattern) {
		return recurringPair{}, false
	}
	acct, ok := accts[t.AccountID]
	if !ok {
		return recurringPair{}, false
	}
	expense, err := amount.Expense(t, acct)
	if err != nil {
		return recurringPair{}, false
	}

	tol := m.opts.AmountTolerance
	if def.AmountTolerance.Valid {
		tol = def.AmountTolerance.Decimal
	}
	target := expectedDate(def, t.Date)
	scorer := Scorer{AmountTolerance: tol, DateWindowDays: m.opts.DayWindow}
	if target.Equal(t.Date) {
		scorer.DateWindowDays = 0
	}
	if !scorer.Eligible(expense, t.Date, def.ExpectedAmount, target) {
		return recurringPair{}, false
	}
	score := scorer.Score(expense, t.Date, def.ExpectedAmount, target, def.Pattern, describe(t))
	return recurringPair{
		def:   def,
		txn:   t,
		slot:  slotOf(def, target),
		days:  daysApart(t.Date, target),
		score: score.Total,
	}, true
}

// expectedDate is the due date of a monthly charge closest to d, looking at
// d's month and its neighbours and clamping to each month's last day.
// Definitions without a day accept any date.
func expectedDate(def repository.RecurringDefinition, d time.Time) time.Time {
	if def.ExpectedDay <= 0 || (def.Cadence != repository.CadenceMonthly && def.Cadence != "") {
		return d
	}
	best := d
	bestDays := -1
	for _, shift := range []int{-1, 0, 1} {
		month := time.Date(d.Year(), d.Month()+time.Month(shift), 1, 0, 0, 0, 0, time.UTC)
		last := month.AddDate(0, 1, -1).Day()
		day := def.ExpectedDay
		if day > last {
			day = last
		}
		due := time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, time.UTC)
		if n := daysApart(due, d); bestDays < 0 || n < bestDays {
			best, bestDays = due, n
		}
	}
	return best
}

// slotFor names the cadence slot a payment dated d belongs to.
func slotFor(def repository.RecurringDefinition, d time.Time) string {
	return slotOf(def, expectedDate(def, d))
}

func slotOf(def repository.RecurringDefinition, d time.Time) string {
	switch def.Cadence {
	case repository.CadenceWeekly:
		y, w := d.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case repository.CadenceYearly:
		return fmt.Sprintf("%04d", d.Year())
	}
	return d.Format("2006-01")
}

// slotBounds returns the [start, end) dates of the slot containing d.
func slotBounds(def repository.RecurringDefinition, d time.Time) (time.Time, time.Time) {
	switch def.Cadence {
	case repository.CadenceWeekly:
		offset := (int(d.Weekday()) + 6) % 7 // monday = 0
		start := time.Date(d.Year(), d.Month(), d.Day()-offset, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 7)
	case repository.CadenceYearly:
		start := time.Date(d.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0)
	}
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func slotKey(defID, slot string) string { return defID + "|" + slot }

func findDef(defs []repository.RecurringDefinition, id string) *repository.RecurringDefinition {
	for i := range defs {
		if defs[i].ID == id {
			return &defs[i]
		}
	}
	return nil
}
