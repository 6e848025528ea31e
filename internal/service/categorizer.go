package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jask/moneysync/internal/classify"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
)

const defaultConfidenceThreshold = 0.70

// CategorizeProgress is reported after every transaction the categorizer looks at.
type CategorizeProgress struct {
	Done          int
	Total         int
	TransactionID string
	Applied       bool
}

// CategorizeReport summarises one Run.
type CategorizeReport struct {
	Considered int `json:"considered"`
	Applied    int `json:"applied"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Categorizer labels uncategorized transactions with a Classifier. Labels below
// Threshold are left unapplied; user-set labels are never overwritten.
type Categorizer struct {
	Transactions *repository.TransactionRepo
	Classifier   classify.Classifier
	Categories   []string
	Threshold    float64
	Timeout      time.Duration
	Log          logrus.FieldLogger
}

// Run classifies the given ids. It stops early when ctx is cancelled and returns
// the partial report together with ctx's error.
func (c *Categorizer) Run(ctx context.Context, ids []string, progress func(CategorizeProgress)) (CategorizeReport, error) {
	var rep CategorizeReport
	if len(ids) == 0 {
		return rep, nil
	}
	log := logging.Component(c.logger(), "categorizer")
	txns, err := c.Transactions.List(ctx, repository.TransactionFilters{IDs: ids, Uncategorized: true, ExcludeIgnored: true})
	if err != nil {
		return rep, err
	}
	rep.Skipped = len(ids) - len(txns)
	cats := c.Categories
	if len(cats) == 0 {
		cats = classify.DefaultCategories
	}

	for i, t := range txns {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Considered++
		applied, err := c.classifyOne(ctx, t, cats)
		switch {
		case err != nil && ctx.Err() != nil:
			return rep, ctx.Err()
		case err != nil:
			rep.Failed++
			log.WithError(err).WithField("transaction_id", t.ID).Warn("classification failed")
		case applied:
			rep.Applied++
		default:
			rep.Skipped++
		}
		if progress != nil {
			progress(CategorizeProgress{Done: i + 1, Total: len(txns), TransactionID: t.ID, Applied: applied})
		}
	}
	log.WithFields(logrus.Fields{"considered": rep.Considered, "applied": rep.Applied, "failed": rep.Failed}).Debug("categorization finished")
	return rep, nil
}

func (c *Categorizer) classifyOne(ctx context.Context, t repository.Transaction, cats []string) (bool, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := classify.Request{Description: t.Description, Amount: t.Amount, Date: t.Date, Categories: cats}
	if t.MerchantName != nil {
		req.MerchantName = *t.MerchantName
	}
	resp, err := c.Classifier.Classify(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, errors.New("classifier timed out")
		}
		return false, err
	}
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = defaultConfidenceThreshold
	}
	if resp.Category == "" || resp.Confidence < threshold {
		return false, nil
	}
	label, conf := resp.Category, resp.Confidence
	if err := c.Transactions.UpdateCategory(ctx, t.ID, &label, &conf); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Categorizer) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logging.Discard()
	}
	return c.Log
}
