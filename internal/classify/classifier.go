// Package classify assigns category labels to transactions. Classification is an
// opaque, time-bounded call; callers decide what confidence is good enough.
package classify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Request describes one transaction to label.
type Request struct {
	Description  string          `json:"description"`
	MerchantName string          `json:"merchant_name,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Date         time.Time       `json:"date"`
	Categories   []string        `json:"categories"`
}

// Response is the classifier's best guess. An empty Category means no opinion.
type Response struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classifier labels transactions.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Response, error)
}
