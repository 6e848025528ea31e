package repository

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/moneysync/internal/apperr"
)

// AccountType is the closed set of account kinds the engine understands.
type AccountType string

const (
	AccountTypeBank       AccountType = "bank"
	AccountTypeCreditCard AccountType = "credit_card"
	AccountTypeCash       AccountType = "cash"
	AccountTypeLoan       AccountType = "loan"
)

// ParseAccountType maps a stored or user-supplied string onto AccountType.
func ParseAccountType(s string) (AccountType, error) {
	switch t := AccountType(strings.ToLower(strings.TrimSpace(s))); t {
	case AccountTypeBank, AccountTypeCreditCard, AccountTypeCash, AccountTypeLoan:
		return t, nil
	}
	return "", apperr.New(apperr.CodeUnsupportedAccountType, "unsupported account type %q", s)
}

// ErrorState records why an account cannot currently sync.
type ErrorState string

const (
	ErrorStateNone           ErrorState = "none"
	ErrorStateReauthRequired ErrorState = "reauth_required"
	ErrorStateProviderError  ErrorState = "provider_error"
)

// Source tells where a transaction row came from.
type Source string

const (
	SourceSync   Source = "sync"
	SourceImport Source = "import"
)

// Cadence is how often a recurring bill is expected.
type Cadence string

const (
	CadenceMonthly Cadence = "monthly"
	CadenceWeekly  Cadence = "weekly"
	CadenceYearly  Cadence = "yearly"
)

// ParseCadence validates a cadence string; empty means monthly.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CadenceMonthly, nil
	case CadenceMonthly, CadenceWeekly, CadenceYearly:
		return c, nil
	}
	return "", apperr.New(apperr.CodeValidation, "unsupported cadence %q", s)
}

// Account represents an account row.
type Account struct {
	ID                  string
	Name                string
	Type                AccountType
	InvertAmounts       bool
	InstitutionName     string
	ProviderItemID      string
	ProviderAccountID   string
	ProviderAccessToken string
	SyncCursor          *string
	LastSyncAt          *time.Time
	ErrorState          ErrorState
	LastError           *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Linked reports whether the account carries usable aggregator credentials.
func (a Account) Linked() bool {
	return strings.TrimSpace(a.ProviderItemID) != "" && strings.TrimSpace(a.ProviderAccessToken) != ""
}

// Transaction represents a transaction row. Amount keeps the sign convention of
// whoever created the row; canonical forms are computed on read.
type Transaction struct {
	ID                    string
	AccountID             string
	ProviderTransactionID *string
	Source                Source
	Date                  time.Time
	Amount                decimal.Decimal
	Description           string
	MerchantName          *string
	Pending               bool
	CategoryLabel         *string
	CategoryConfidence    *float64
	Ignored               bool
	IgnoredRuleID         *string
	MatchedOrderID        *string
	MatchedRecurringID    *string
	SourceHash            *string
	RemovedAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ExternalOrder is a marketplace purchase keyed by its natural order id.
type ExternalOrder struct {
	ID                  string
	AccountID           *string
	Merchant            string
	Amount              decimal.Decimal
	OrderDate           time.Time
	Ignored             bool
	LinkedTransactionID *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RecurringDefinition is a user-declared expected charge.
type RecurringDefinition struct {
	ID              string
	Name            string
	Pattern         string
	ExpectedAmount  decimal.Decimal
	AmountTolerance decimal.NullDecimal
	Cadence         Cadence
	ExpectedDay     int // day of month for monthly cadence, 0 = any
	AccountID       *string
	Active          bool
	CreatedAt       time.Time
}

// IgnoreRule suppresses transactions whose description contains Pattern.
type IgnoreRule struct {
	ID        string
	Pattern   string
	Active    bool
	Priority  int
	CreatedAt time.Time
}

// WebhookLog is one append-only record of a provider notification.
type WebhookLog struct {
	ID          string
	WebhookType string
	WebhookCode string
	ItemID      string
	AccountIDs  []string
	Action      string
	Error       *string
	CreatedAt   time.Time
}

// SyncState is the cursor triple owned by CursorStore.
type SyncState struct {
	AccountID  string
	Cursor     *string
	LastSyncAt *time.Time
	ErrorState ErrorState
	LastError  *string
}

// ProviderRecord is one added or modified transaction as reported by the aggregator.
type ProviderRecord struct {
	ProviderTransactionID string
	Date                  time.Time
	Amount                decimal.Decimal
	Description           string
	MerchantName          *string
	Pending               bool
}

// ChangeSet is everything one sync run wants to persist for one account.
type ChangeSet struct {
	Added    []ProviderRecord
	Modified []ProviderRecord
	Removed  []string // provider transaction ids
}

// CommitResult reports which rows a commit actually wrote.
type CommitResult struct {
	Added      int
	Modified   int
	Removed    int
	TouchedIDs []string
	Cursor     string
}
