// Package syncer pulls incremental changes from the aggregator and persists
// them per account. Engine runs one pass; Queue decides when passes run and
// keeps at most one in flight per account.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jask/moneysync/internal/aggregator"
	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
)

// Options tunes pagination.
type Options struct {
	PageSize    int
	MaxPages    int // per run; the remainder is picked up by the next run
	MaxRestarts int // pagination restarts after a mid-run provider mutation
}

// Result reports one run.
type Result struct {
	AccountID  string                `json:"accountId"`
	Added      int                   `json:"added"`
	Modified   int                   `json:"modified"`
	Removed    int                   `json:"removed"`
	Pages      int                   `json:"pages"`
	Truncated  bool                  `json:"truncated,omitempty"`
	ErrorState repository.ErrorState `json:"errorState"`
	TouchedIDs []string              `json:"-"`
}

// Engine runs sync passes. It holds no per-account state; callers serialize
// runs per account (see Queue).
type Engine struct {
	accounts *repository.AccountRepo
	cursors  *repository.CursorStore
	client   aggregator.Client
	opts     Options
	log      *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEngine(accounts *repository.AccountRepo, cursors *repository.CursorStore, client aggregator.Client, opts Options, log logrus.FieldLogger, m *metrics.Metrics) *Engine {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 200
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 3
	}
	return &Engine{
		accounts: accounts,
		cursors:  cursors,
		client:   client,
		opts:     opts,
		log:      logging.Component(log, "sync"),
		metrics:  m,
		now:      database.Now,
	}
}

// SyncAccount pulls every page after the stored cursor and commits the changes
// together with the new cursor. Provider failures never move the cursor. A cursor
// that moved underneath the run is retried once before the conflict is returned.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) (Result, error) {
	start := time.Now()
	res, err := e.syncAccount(ctx, accountID)
	if apperr.Is(err, apperr.CodePersistenceConflict) {
		// another writer moved the cursor; one more run from the new state
		e.log.WithField("account_id", accountID).Info("cursor moved during sync, retrying once")
		res, err = e.syncAccount(ctx, accountID)
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.CodeOf(err))
	}
	e.metrics.ObserveSync(outcome, time.Since(start), res.Added, res.Modified, res.Removed)

	entry := e.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"added":      res.Added,
		"modified":   res.Modified,
		"removed":    res.Removed,
		"pages":      res.Pages,
		"duration":   time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Warn("sync failed")
	} else {
		entry.Info("sync finished")
	}
	return res, err
}

func (e *Engine) syncAccount(ctx context.Context, accountID string) (Result, error) {
	res := Result{AccountID: accountID}

	acct, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return res, err
	}
	if acct == nil {
		return res, apperr.New(apperr.CodeNotFound, "account %s not found", accountID)
	}
	if !acct.Linked() {
		return res, apperr.New(apperr.CodeNotLinked, "account %s has no provider linkage", accountID)
	}
	state, err := e.cursors.Load(ctx, accountID)
	if err != nil {
		return res, err
	}
	res.ErrorState = state.ErrorState
	e.log.WithFields(logrus.Fields{"account_id": accountID, "has_cursor": state.Cursor != nil}).Debug("sync started")

	var (
		acc  *accumulator
		next string
	)
	for restarts := 0; ; restarts++ {
		acc = newAccumulator(acct.ProviderAccountID)
		next, res.Truncated, res.Pages, err = e.paginate(ctx, acct, state.Cursor, acc)
		if err == nil {
			break
		}
		if errors.Is(err, aggregator.ErrMutationDuringPagination) && restarts < e.opts.MaxRestarts {
			e.log.WithField("account_id", accountID).Info("provider data changed mid-pagination, restarting")
			continue
		}
		return res, e.providerFailure(ctx, accountID, &res, err)
	}
	if res.Truncated {
		e.log.WithFields(logrus.Fields{"account_id": accountID, "max_pages": e.opts.MaxPages}).
			Warn("page limit reached; committing progress and leaving the rest for the next run")
	}

	commit, err := e.cursors.Commit(ctx, accountID, state.Cursor, next, acc.changeSet(), e.now())
	if err != nil {
		return res, err
	}
	res.Added, res.Modified, res.Removed = commit.Added, commit.Modified, commit.Removed
	res.TouchedIDs = commit.TouchedIDs
	res.ErrorState = repository.ErrorStateNone
	return res, nil
}

func (e *Engine) paginate(ctx context.Context, acct *repository.Account, from *string, acc *accumulator) (next string, truncated bool, pages int, err error) {
	if from != nil {
		next = *from
	}
	for {
		if pages >= e.opts.MaxPages {
			return next, true, pages, nil
		}
		page, err := e.client.FetchChanges(ctx, aggregator.FetchRequest{
			AccessToken: acct.ProviderAccessToken,
			Cursor:      next,
			Count:       e.opts.PageSize,
		})
		if err != nil {
			return "", false, pages, err
		}
		pages++
		acc.addPage(page)
		next = page.NextCursor
		if !page.HasMore {
			return next, false, pages, nil
		}
	}
}

// providerFailure maps a provider error onto the account state and the
// returned error code.
func (e *Engine) providerFailure(ctx context.Context, accountID string, res *Result, err error) error {
	switch {
	case errors.Is(err, aggregator.ErrAuth):
		if serr := e.cursors.SetErrorState(ctx, accountID, repository.ErrorStateReauthRequired, err.Error()); serr != nil {
			return serr
		}
		res.ErrorState = repository.ErrorStateReauthRequired
		return apperr.Wrap(apperr.CodeReauthRequired, err, "account %s needs to be re-linked", accountID)
	case errors.Is(err, aggregator.ErrProvider):
		if serr := e.cursors.SetErrorState(ctx, accountID, repository.ErrorStateProviderError, err.Error()); serr != nil {
			return serr
		}
		res.ErrorState = repository.ErrorStateProviderError
		return apperr.Wrap(apperr.CodeProviderError, err, "provider rejected sync for account %s", accountID)
	}
	// transient, cancelled, or out of restarts: leave everything as it was
	return apperr.Wrap(apperr.CodeProviderTransient, err, "sync for account %s did not complete", accountID)
}
