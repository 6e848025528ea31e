package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
)

// RunFunc performs one sync pass for an account.
type RunFunc func(ctx context.Context, accountID string) (Result, error)

// CompleteFunc observes the outcome of a queued (asynchronous) run.
type CompleteFunc func(ctx context.Context, accountID string, res Result, err error)

// QueueOptions sizes the queue.
type QueueOptions struct {
	Workers         int
	Size            int
	RetryMaxElapsed time.Duration
	OnComplete      CompleteFunc
}

type accountSlot struct {
	running bool // a run is executing
	queued  bool // the id sits in the jobs channel
	pending bool // another run was requested while running or queued
}

// Queue is the only way sync runs are started. It guarantees at most one run
// per account at a time: a direct run while one is in flight is rejected, and
// asynchronous triggers collapse into a single follow-up run.
type Queue struct {
	run     RunFunc
	opts    QueueOptions
	log     *logrus.Entry
	metrics *metrics.Metrics

	mu     sync.Mutex
	slots  map[string]*accountSlot
	jobs   chan string
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(run RunFunc, opts QueueOptions, log logrus.FieldLogger, m *metrics.Metrics) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Size <= 0 {
		opts.Size = 1
	}
	return &Queue{
		run:     run,
		opts:    opts,
		log:     logging.Component(log, "sync-queue"),
		metrics: m,
		slots:   map[string]*accountSlot{},
		jobs:    make(chan string, opts.Size),
	}
}

// Start launches the workers. Runs inherit ctx; cancelling it aborts retries.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop refuses new work, lets queued runs drain and waits for the workers.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// RunNow runs a sync in the caller's goroutine. It fails with sync_in_progress
// when the account already has a run executing.
func (q *Queue) RunNow(ctx context.Context, accountID string) (Result, error) {
	q.mu.Lock()
	s := q.slot(accountID)
	if s.running {
		q.mu.Unlock()
		return Result{AccountID: accountID}, apperr.New(apperr.CodeSyncInProgress, "a sync for account %s is already running", accountID)
	}
	s.running = true
	q.mu.Unlock()

	defer q.finish(accountID)
	return q.run(ctx, accountID)
}

// Enqueue asks for an asynchronous run. It reports false when the trigger was
// dropped because the queue is full or stopped.
func (q *Queue) Enqueue(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(accountID)
}

func (q *Queue) enqueueLocked(accountID string) bool {
	if q.closed {
		return false
	}
	s := q.slot(accountID)
	if s.running || s.queued {
		s.pending = true
		return true
	}
	select {
	case q.jobs <- accountID:
		s.queued = true
		return true
	default:
		q.metrics.QueueDropped()
		q.log.WithField("account_id", accountID).Warn("sync queue full, trigger dropped")
		q.gc(accountID)
		return false
	}
}

// Busy reports whether the account has a run executing or waiting.
func (q *Queue) Busy(accountID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.slots[accountID]
	return ok && (s.running || s.queued || s.pending)
}

// Flush blocks until no account has outstanding work or ctx ends.
func (q *Queue) Flush(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		q.mu.Lock()
		idle := len(q.slots) == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (q *Queue) slot(accountID string) *accountSlot {
	s, ok := q.slots[accountID]
	if !ok {
		s = &accountSlot{}
		q.slots[accountID] = s
	}
	return s
}

func (q *Queue) gc(accountID string) {
	if s, ok := q.slots[accountID]; ok && !s.running && !s.queued && !s.pending {
		delete(q.slots, accountID)
	}
}

func (q *Queue) finish(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.slot(accountID)
	s.running = false
	if s.pending && !s.queued {
		s.pending = false
		q.enqueueLocked(accountID)
	}
	q.gc(accountID)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for accountID := range q.jobs {
		q.mu.Lock()
		s := q.slot(accountID)
		s.queued = false
		if s.running {
			// a direct run got there first; run again once it finishes
			s.pending = true
			q.mu.Unlock()
			continue
		}
		s.running = true
		q.mu.Unlock()

		res, err := q.runWithRetry(accountID)
		if q.opts.OnComplete != nil {
			q.opts.OnComplete(q.ctx, accountID, res, err)
		}
		q.finish(accountID)
	}
}

func (q *Queue) runWithRetry(accountID string) (Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = q.opts.RetryMaxElapsed

	var res Result
	op := func() error {
		var err error
		res, err = q.run(q.ctx, accountID)
		if err == nil {
			return nil
		}
		// conflicts were already retried by the engine
		if apperr.Is(err, apperr.CodeProviderTransient) && q.opts.RetryMaxElapsed > 0 {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		q.log.WithError(err).WithFields(logrus.Fields{"account_id": accountID, "retry_in": wait}).Info("retrying sync")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, q.ctx), notify)
	return res, err
}
