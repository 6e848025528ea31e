// Package demo builds a self-contained sample world: a provider-side change feed
// for the in-memory aggregator and the matching local accounts, orders, recurring
// definitions and ignore rules. The same anchor month always yields the same feed,
// so cursors stay valid across process restarts.
package demo

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/moneysync/internal/aggregator"
	"github.com/jask/moneysync/internal/database/repository"
)

const (
	ItemID      = "demo-item"
	AccessToken = "demo-access"
	Institution = "Demo Bank"

	CheckingID = "demo-checking"
	CardID     = "demo-card"
)

// Repos bundles the repositories Seed writes to.
type Repos struct {
	Accounts    *repository.AccountRepo
	Orders      *repository.OrderRepo
	Recurring   *repository.RecurringRepo
	IgnoreRules *repository.IgnoreRuleRepo
}

var merchants = []struct {
	name     string
	merchant string
	min, max int // cents
}{
	{"WOOLWORTHS 1123 SYDNEY", "Woolworths", 2500, 18000},
	{"UBER *TRIP", "Uber", 900, 4500},
	{"SPOTIFY P0123", "Spotify", 1299, 1299},
	{"COLES 0456", "Coles", 1500, 9000},
	{"SHELL COLES EXPRESS", "Shell", 4000, 9000},
}

// NewClient returns a MemoryClient holding the demo item and its feed.
func NewClient(pageSize int, now time.Time) *aggregator.MemoryClient {
	c := aggregator.NewMemoryClient(pageSize)
	Populate(c, now)
	return c
}

// Populate registers the demo item on c and appends its change feed.
func Populate(c *aggregator.MemoryClient, now time.Time) {
	c.AddItem(ItemID, AccessToken, Institution,
		aggregator.LinkedAccount{ID: providerID(CheckingID), Name: "Everyday", Type: "depository", Subtype: "checking"},
		aggregator.LinkedAccount{ID: providerID(CardID), Name: "Rewards Card", Type: "credit", Subtype: "credit card"},
	)
	c.Add(AccessToken, Transactions(now)...)
}

// Transactions is the deterministic demo feed for the month of now and the one before.
func Transactions(now time.Time) []aggregator.Transaction {
	anchor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(anchor.Unix()))
	start := anchor.AddDate(0, -1, 0)

	var out []aggregator.Transaction
	add := func(acct string, day time.Time, cents int64, name, merchant string) {
		m := merchant
		out = append(out, aggregator.Transaction{
			TransactionID: fmt.Sprintf("demo-%03d", len(out)+1),
			AccountID:     providerID(acct),
			Date:          day,
			Amount:        decimal.New(cents, -2),
			Name:          name,
			MerchantName:  &m,
		})
	}

	for i := 0; i < 24; i++ {
		m := merchants[rng.Intn(len(merchants))]
		cents := int64(m.min)
		if m.max > m.min {
			cents += int64(rng.Intn(m.max - m.min))
		}
		acct := CardID
		if rng.Intn(3) == 0 {
			acct = CheckingID
		}
		add(acct, start.AddDate(0, 0, rng.Intn(45)), cents, m.name, m.merchant)
	}
	for _, month := range []time.Time{start, anchor} {
		add(CheckingID, month, 220000, "RENT PAYMENT REF 7781", "Harbour Realty")
		add(CheckingID, month.AddDate(0, 0, 14), -510000, "SALARY ACME PTY LTD", "Acme")
		add(CheckingID, month.AddDate(0, 0, 15), 50000, "INTERNAL TRANSFER TO SAVINGS", "")
	}
	for i, o := range orders(anchor) {
		add(CardID, o.OrderDate.AddDate(0, 0, 1+i%2), o.Amount.Shift(2).IntPart(), "AMAZON MKTPL*"+o.ID[len(o.ID)-4:], "Amazon")
	}
	return out
}

// Seed writes the local side of the demo world. It is idempotent.
func Seed(ctx context.Context, repos Repos, now time.Time) error {
	for _, a := range Accounts() {
		if err := repos.Accounts.Upsert(ctx, a); err != nil {
			return fmt.Errorf("seed account %s: %w", a.ID, err)
		}
	}
	anchor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for _, o := range orders(anchor) {
		if err := repos.Orders.Upsert(ctx, o); err != nil {
			return fmt.Errorf("seed order %s: %w", o.ID, err)
		}
	}
	checking := CheckingID
	defs := []repository.RecurringDefinition{
		{ID: "demo-rent", Name: "Rent", Pattern: "rent payment", ExpectedAmount: decimal.NewFromInt(2200), Cadence: repository.CadenceMonthly, ExpectedDay: 1, AccountID: &checking, Active: true},
		{ID: "demo-spotify", Name: "Spotify", Pattern: "spotify", ExpectedAmount: decimal.RequireFromString("12.99"), Cadence: repository.CadenceMonthly, Active: true},
	}
	for _, d := range defs {
		if err := repos.Recurring.Upsert(ctx, d); err != nil {
			return fmt.Errorf("seed recurring %s: %w", d.ID, err)
		}
	}
	rule := repository.IgnoreRule{ID: "demo-transfers", Pattern: "internal transfer", Active: true}
	if err := repos.IgnoreRules.Upsert(ctx, rule); err != nil {
		return fmt.Errorf("seed ignore rule: %w", err)
	}
	return nil
}

// Accounts are the local accounts linked to the demo item.
func Accounts() []repository.Account {
	return []repository.Account{
		{ID: CheckingID, Name: "Everyday", Type: repository.AccountTypeBank, InstitutionName: Institution,
			ProviderItemID: ItemID, ProviderAccountID: providerID(CheckingID), ProviderAccessToken: AccessToken},
		{ID: CardID, Name: "Rewards Card", Type: repository.AccountTypeCreditCard, InstitutionName: Institution,
			ProviderItemID: ItemID, ProviderAccountID: providerID(CardID), ProviderAccessToken: AccessToken},
	}
}

func orders(anchor time.Time) []repository.ExternalOrder {
	card := CardID
	return []repository.ExternalOrder{
		{ID: "114-0000001-0001", AccountID: &card, Merchant: "Amazon", Amount: decimal.RequireFromString("34.99"), OrderDate: anchor.AddDate(0, 0, 2)},
		{ID: "114-0000002-0002", AccountID: &card, Merchant: "Amazon", Amount: decimal.RequireFromString("89.00"), OrderDate: anchor.AddDate(0, 0, 5)},
		{ID: "114-0000003-0003", Merchant: "Amazon", Amount: decimal.RequireFromString("12.45"), OrderDate: anchor.AddDate(0, 0, 9)},
	}
}

func providerID(localID string) string { return "prov-" + localID }
