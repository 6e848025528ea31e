// Package aggregator talks to the bank-data provider: incremental change feeds
// per linked item, plus the link-token handshake that creates an item.
package aggregator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Client is the provider surface the sync engine and the account linker use.
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client
type Client interface {
	// FetchChanges returns one page of changes after req.Cursor. An empty cursor
	// starts a full initial sync.
	FetchChanges(ctx context.Context, req FetchRequest) (ChangePage, error)
	CreateLinkToken(ctx context.Context, userID string) (string, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (Linkage, error)
}

// FetchRequest addresses one page of an item's change feed.
type FetchRequest struct {
	AccessToken string
	Cursor      string
	Count       int
}

// Transaction is an added or modified provider record. Amount follows the
// provider convention: positive is money leaving the account.
type Transaction struct {
	TransactionID string
	AccountID     string
	Date          time.Time
	Amount        decimal.Decimal
	Name          string
	MerchantName  *string
	Pending       bool
}

// RemovedTransaction identifies a record the provider withdrew.
type RemovedTransaction struct {
	TransactionID string
	AccountID     string
}

// ChangePage is one page of the change feed.
type ChangePage struct {
	Added      []Transaction
	Modified   []Transaction
	Removed    []RemovedTransaction
	NextCursor string
	HasMore    bool
}

// Linkage is what a completed link handshake yields.
type Linkage struct {
	ItemID          string
	AccessToken     string
	InstitutionName string
	Accounts        []LinkedAccount
}

// LinkedAccount is one provider account under an item.
type LinkedAccount struct {
	ID      string
	Name    string
	Type    string
	Subtype string
}
