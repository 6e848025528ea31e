package service

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/ignore"
	"github.com/jask/moneysync/internal/logging"
)

// IngestService handles manual CSV imports into a single account.
type IngestService struct {
	Transactions *repository.TransactionRepo
	Accounts     *repository.AccountRepo
	IgnoreRules  *repository.IgnoreRuleRepo
	Log          logrus.FieldLogger
}

// IngestResult reports what one import did. IDs lists the newly inserted rows.
type IngestResult struct {
	AccountID string   `json:"accountId"`
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Ignored   int      `json:"ignored"`
	Errors    []string `json:"errors,omitempty"`
	IDs       []string `json:"-"`
}

var dateLayouts = []string{"2006-01-02", "2/01/2006", "02/01/2006"}

// ImportCSV reads rows of date, description, amount[, external_id]. A header row is
// tolerated. Malformed rows are reported and skipped; rows already imported into the
// account (same source hash) count as Skipped.
func (s *IngestService) ImportCSV(ctx context.Context, accountID string, r io.Reader) (IngestResult, error) {
	res := IngestResult{AccountID: accountID}
	acct, err := s.Accounts.Get(ctx, accountID)
	if err != nil {
		return res, err
	}
	if acct == nil {
		return res, apperr.New(apperr.CodeNotFound, "account %s not found", accountID)
	}
	if _, err := repository.ParseAccountType(string(acct.Type)); err != nil {
		return res, err
	}

	filter := ignore.NewFilter(nil)
	if s.IgnoreRules != nil {
		rules, err := s.IgnoreRules.ListActive(ctx)
		if err != nil {
			return res, fmt.Errorf("load ignore rules: %w", err)
		}
		filter = ignore.NewFilter(rules)
	}

	csvr := csv.NewReader(bufio.NewReader(r))
	csvr.TrimLeadingSpace = true
	csvr.FieldsPerRecord = -1
	line := 0
	for {
		line++
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		if len(rec) < 3 {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: expected at least 3 columns (date, description, amount)", line))
			continue
		}
		date, err := parseDate(rec[0])
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d date: %v", line, err))
			continue
		}
		desc := strings.TrimSpace(rec[1])
		amt, err := parseAmount(rec[2])
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d amount: %v", line, err))
			continue
		}
		externalID := ""
		if len(rec) > 3 {
			externalID = strings.TrimSpace(rec[3])
		}

		t := repository.Transaction{
			ID:          uuid.NewString(),
			AccountID:   acct.ID,
			Source:      repository.SourceImport,
			Date:        date,
			Amount:      amt,
			Description: desc,
			SourceHash:  sourceHash(acct.ID, date, amt, desc, externalID),
		}
		dup, err := s.Transactions.InsertImported(ctx, t)
		if err != nil {
			return res, fmt.Errorf("line %d insert: %w", line, err)
		}
		if dup {
			res.Skipped++
			continue
		}
		res.Imported++
		res.IDs = append(res.IDs, t.ID)

		if d := filter.Evaluate(desc); d.Ignored {
			if _, err := s.Transactions.SetIgnored(ctx, t.ID, true, d.RuleID); err != nil {
				return res, fmt.Errorf("line %d ignore: %w", line, err)
			}
			res.Ignored++
		}
	}
	logging.Component(s.logger(), "ingest").WithFields(logrus.Fields{
		"account_id": acct.ID,
		"imported":   res.Imported,
		"skipped":    res.Skipped,
		"ignored":    res.Ignored,
		"errors":     len(res.Errors),
	}).Info("csv import finished")
	return res, nil
}

func (s *IngestService) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logging.Discard()
	}
	return s.Log
}

func isHeader(rec []string) bool {
	return len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "date")
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// parseAmount accepts 1,234.50, -12, +3.10, $4.00 and (12.50) for negatives.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer(",", "", "$", "", " ", "").Replace(s)
	s = strings.TrimPrefix(s, "+")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

// sourceHash identifies an imported row within its account. An external id, when
// present, takes precedence over the row content.
func sourceHash(accountID string, date time.Time, amt decimal.Decimal, desc, externalID string) *string {
	var key string
	if externalID != "" {
		key = strings.Join([]string{accountID, "ext", externalID}, "|")
	} else {
		key = strings.Join([]string{accountID, date.Format(time.DateOnly), amt.StringFixed(2), strings.ToLower(desc)}, "|")
	}
	sum := sha256.Sum256([]byte(key))
	h := fmt.Sprintf("%x", sum[:])
	return &h
}
