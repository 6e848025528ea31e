package syncer

import (
	"github.com/jask/moneysync/internal/aggregator"
	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
)

type pending struct {
	added   bool
	removed bool
	record  repository.ProviderRecord
}

// accumulator folds pages into one change set. A later change to the same
// provider id replaces an earlier one, so page boundaries never matter.
type accumulator struct {
	providerAccountID string
	order             []string
	byID              map[string]*pending
	skipped           int
}

func newAccumulator(providerAccountID string) *accumulator {
	return &accumulator{providerAccountID: providerAccountID, byID: map[string]*pending{}}
}

func (a *accumulator) ours(accountID string) bool {
	if a.providerAccountID == "" || accountID == "" || accountID == a.providerAccountID {
		return true
	}
	a.skipped++
	return false
}

func (a *accumulator) slot(id string) *pending {
	p, ok := a.byID[id]
	if !ok {
		p = &pending{}
		a.byID[id] = p
		a.order = append(a.order, id)
	}
	return p
}

func (a *accumulator) addPage(page aggregator.ChangePage) {
	for _, t := range page.Added {
		if a.ours(t.AccountID) {
			p := a.slot(t.TransactionID)
			p.added, p.removed, p.record = true, false, toRecord(t)
		}
	}
	for _, t := range page.Modified {
		if a.ours(t.AccountID) {
			p := a.slot(t.TransactionID)
			p.removed, p.record = false, toRecord(t)
		}
	}
	for _, r := range page.Removed {
		if a.ours(r.AccountID) {
			p := a.slot(r.TransactionID)
			p.removed = true
		}
	}
}

func (a *accumulator) changeSet() repository.ChangeSet {
	var cs repository.ChangeSet
	for _, id := range a.order {
		p := a.byID[id]
		switch {
		case p.removed:
			cs.Removed = append(cs.Removed, id)
		case p.added:
			cs.Added = append(cs.Added, p.record)
		default:
			cs.Modified = append(cs.Modified, p.record)
		}
	}
	return cs
}

func toRecord(t aggregator.Transaction) repository.ProviderRecord {
	return repository.ProviderRecord{
		ProviderTransactionID: t.TransactionID,
		Date:                  database.Day(t.Date, nil),
		Amount:                t.Amount,
		Description:           t.Name,
		MerchantName:          t.MerchantName,
		Pending:               t.Pending,
	}
}
