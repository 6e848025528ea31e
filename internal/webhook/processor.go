// Package webhook turns provider notifications into sync triggers and account
// error-state transitions. Every notification is written to the webhook log.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jask/moneysync/internal/aggregator"
	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
)

// Payload is the provider's notification body.
type Payload struct {
	WebhookType string         `json:"webhook_type"`
	WebhookCode string         `json:"webhook_code"`
	ItemID      string         `json:"item_id"`
	Error       *ProviderError `json:"error,omitempty"`
}

// ProviderError is the error object attached to ITEM/ERROR notifications.
type ProviderError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Decode reads a JSON payload.
func Decode(r io.Reader) (Payload, error) {
	var p Payload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return Payload{}, apperr.Wrap(apperr.CodeValidation, err, "webhook body is not valid JSON")
	}
	return p, nil
}

// Actions recorded in the log and returned to the caller.
const (
	ActionSyncEnqueued   = "sync_enqueued"
	ActionSyncDropped    = "sync_dropped"
	ActionReauthRequired = "error_state:reauth_required"
	ActionProviderError  = "error_state:provider_error"
	ActionErrorCleared   = "error_state:none"
	ActionLogged         = "logged"
	ActionUnresolved     = "unresolved"
	ActionRejected       = "rejected"
)

// Result is what the caller acknowledges with.
type Result struct {
	LogID      string          `json:"logId"`
	ItemID     string          `json:"itemId"`
	AccountIDs []string        `json:"accountIds"`
	Action     string          `json:"action"`
	Error      *apperr.Payload `json:"error,omitempty"`
}

// Enqueuer starts asynchronous syncs; syncer.Queue implements it.
type Enqueuer interface {
	Enqueue(accountID string) bool
}

// Processor handles notifications. It never waits for a sync to run.
type Processor struct {
	accounts *repository.AccountRepo
	cursors  *repository.CursorStore
	logs     *repository.WebhookLogRepo
	queue    Enqueuer
	log      *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewProcessor(accounts *repository.AccountRepo, cursors *repository.CursorStore, logs *repository.WebhookLogRepo, queue Enqueuer, log logrus.FieldLogger, m *metrics.Metrics) *Processor {
	return &Processor{
		accounts: accounts,
		cursors:  cursors,
		logs:     logs,
		queue:    queue,
		log:      logging.Component(log, "webhook"),
		metrics:  m,
		now:      database.Now,
	}
}

var syncCodes = map[string]bool{
	"SYNC_UPDATES_AVAILABLE": true,
	"DEFAULT_UPDATE":         true,
	"INITIAL_UPDATE":         true,
	"HISTORICAL_UPDATE":      true,
}

// Process logs the notification and acts on it. The returned error is the
// same failure reported in Result.Error; the log entry is written either way.
func (p *Processor) Process(ctx context.Context, in Payload) (Result, error) {
	typ := strings.ToUpper(strings.TrimSpace(in.WebhookType))
	code := strings.ToUpper(strings.TrimSpace(in.WebhookCode))
	res := Result{LogID: uuid.NewString(), ItemID: in.ItemID, AccountIDs: []string{}}

	p.metrics.Webhook(typ, code)
	entry := p.log.WithFields(logrus.Fields{"type": typ, "code": code, "item_id": in.ItemID})
	entry.Info("webhook received")

	failure := p.handle(ctx, typ, code, in, &res)
	if failure != nil {
		res.Error = apperr.ToPayload(failure)
		entry.WithError(failure).Warn("webhook not applied")
	}

	var logErr *string
	if failure != nil {
		msg := failure.Error()
		logErr = &msg
	}
	if err := p.logs.Add(ctx, repository.WebhookLog{
		ID:          res.LogID,
		WebhookType: typ,
		WebhookCode: code,
		ItemID:      in.ItemID,
		AccountIDs:  res.AccountIDs,
		Action:      res.Action,
		Error:       logErr,
		CreatedAt:   p.now(),
	}); err != nil {
		return res, fmt.Errorf("write webhook log: %w", err)
	}
	return res, failure
}

func (p *Processor) handle(ctx context.Context, typ, code string, in Payload, res *Result) error {
	if typ == "" || code == "" || strings.TrimSpace(in.ItemID) == "" {
		res.Action = ActionRejected
		return apperr.New(apperr.CodeValidation, "webhook_type, webhook_code and item_id are required")
	}
	accts, err := p.accounts.ByItemID(ctx, in.ItemID)
	if err != nil {
		res.Action = ActionUnresolved
		return err
	}
	if len(accts) == 0 {
		res.Action = ActionUnresolved
		return apperr.New(apperr.CodeNotFound, "no account is linked to item %s", in.ItemID)
	}
	for _, a := range accts {
		res.AccountIDs = append(res.AccountIDs, a.ID)
	}

	switch {
	case typ == "TRANSACTIONS" && syncCodes[code]:
		res.Action = ActionSyncEnqueued
		for _, id := range res.AccountIDs {
			if !p.queue.Enqueue(id) {
				res.Action = ActionSyncDropped
			}
		}
		return nil
	case typ == "ITEM" && code == "ERROR":
		state, action := repository.ErrorStateProviderError, ActionProviderError
		msg := "provider reported an item error"
		if in.Error != nil {
			if aggregator.IsCredentialCode(in.Error.ErrorCode) {
				state, action = repository.ErrorStateReauthRequired, ActionReauthRequired
			}
			msg = strings.TrimSpace(in.Error.ErrorCode + ": " + in.Error.ErrorMessage)
		}
		res.Action = action
		return p.setState(ctx, res.AccountIDs, state, msg)
	case typ == "ITEM" && (code == "PENDING_EXPIRATION" || code == "USER_PERMISSION_REVOKED"):
		res.Action = ActionReauthRequired
		return p.setState(ctx, res.AccountIDs, repository.ErrorStateReauthRequired, code)
	case typ == "ITEM" && code == "LOGIN_REPAIRED":
		res.Action = ActionErrorCleared
		return p.setState(ctx, res.AccountIDs, repository.ErrorStateNone, "")
	}
	res.Action = ActionLogged
	return nil
}

func (p *Processor) setState(ctx context.Context, accountIDs []string, state repository.ErrorState, msg string) error {
	for _, id := range accountIDs {
		if err := p.cursors.SetErrorState(ctx, id, state, msg); err != nil {
			return fmt.Errorf("set error state on %s: %w", id, err)
		}
	}
	return nil
}
