package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/events"
	"github.com/lucytrasero/ROBOX-sub001/internal/idgen"
	"github.com/lucytrasero/ROBOX-sub001/internal/ledger"
	"github.com/lucytrasero/ROBOX-sub001/internal/logging"
	"github.com/lucytrasero/ROBOX-sub001/internal/metrics"
	"github.com/lucytrasero/ROBOX-sub001/internal/money"
	"github.com/lucytrasero/ROBOX-sub001/internal/syncutil"
	"github.com/lucytrasero/ROBOX-sub001/internal/traces"
)

// Executor performs one payment. The scheduler retries on error with a
// linear backoff, so executors should return permanent failures (such
// as INSUFFICIENT_FUNDS) as plain errors and let the failure budget
// decide.
type Executor func(ctx context.Context, p *ScheduledPayment) (*ledger.Transaction, error)

// NewTransferExecutor routes scheduled payments through the ledger as
// SUBSCRIPTION transfers. The idempotency key binds the schedule id to
// the execution ordinal, so a driver crash between transfer and state
// update cannot double-pay.
func NewTransferExecutor(core *ledger.Service) Executor {
	return func(ctx context.Context, p *ScheduledPayment) (*ledger.Transaction, error) {
		return core.Transfer(ctx, ledger.System, ledger.TransferInput{
			From:           p.From,
			To:             p.To,
			Amount:         p.Amount,
			Type:           ledger.TypeSubscription,
			Memo:           p.Meta["memo"],
			IdempotencyKey: fmt.Sprintf("%s#%d", p.ID, p.ExecutionCount),
		})
	}
}

// Options configures the scheduler.
type Options struct {
	// CheckInterval is the driver poll period. Defaults to one minute.
	CheckInterval time.Duration
	// MaxFailures disables a payment after this many consecutive
	// failures. Defaults to 3.
	MaxFailures int
	// RetryBackoff is the base delay after a failure; the n-th
	// consecutive failure waits n times this. Defaults to one minute.
	RetryBackoff time.Duration
}

// Scheduler stores recurring payments and drives their execution.
type Scheduler struct {
	store    Store
	exec     Executor
	bus      *events.Bus
	inflight syncutil.KeySet

	checkInterval time.Duration
	maxFailures   int
	retryBackoff  time.Duration

	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool

	nowFn func() time.Time
}

// New creates a scheduler over the given store and executor.
func New(store Store, exec Executor, bus *events.Bus, opts Options) *Scheduler {
	if bus == nil {
		bus = events.New()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Minute
	}
	return &Scheduler{
		store:         store,
		exec:          exec,
		bus:           bus,
		checkInterval: opts.CheckInterval,
		maxFailures:   opts.MaxFailures,
		retryBackoff:  opts.RetryBackoff,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		nowFn:         time.Now,
	}
}

// CreateInput carries a new scheduled payment.
type CreateInput struct {
	From          string
	To            string
	Amount        string
	Schedule      Schedule
	Meta          map[string]string
	MaxExecutions int
	ExpiresAt     *time.Time
}

// Create validates and stores a scheduled payment. The first execution
// time is computed from the schedule; ONE_TIME schedules fire at their
// executeAt.
func (s *Scheduler) Create(ctx context.Context, actor ledger.Actor, in CreateInput) (*ScheduledPayment, error) {
	if err := ledger.Authorize(actor, "createSchedule", in.From); err != nil {
		return nil, err
	}
	if in.From == "" || in.To == "" {
		return nil, ledger.ErrInvalidAccountID
	}
	if in.From == in.To {
		return nil, ledger.ErrSelfTransfer
	}
	if !money.IsPositive(in.Amount) {
		return nil, ledger.ErrInvalidAmount
	}
	if err := in.Schedule.Validate(); err != nil {
		return nil, err
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.nowFn()) {
		return nil, ledger.Errorf(ledger.CodeValidation, "expiry is in the past")
	}

	now := s.nowFn()
	next, ok := in.Schedule.NextExecution(now)
	if !ok {
		return nil, ledger.Errorf(ledger.CodeValidation, "schedule has no future execution")
	}

	p := &ScheduledPayment{
		ID:            idgen.ScheduleID(),
		From:          in.From,
		To:            in.To,
		Amount:        in.Amount,
		Type:          ledger.TypeSubscription,
		Meta:          in.Meta,
		Schedule:      in.Schedule,
		Status:        StatusPending,
		Enabled:       true,
		NextExecuteAt: &next,
		MaxExecutions: in.MaxExecutions,
		ExpiresAt:     in.ExpiresAt,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a scheduled payment. Consumers must be a party to it.
func (s *Scheduler) Get(ctx context.Context, actor ledger.Actor, id string) (*ScheduledPayment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.Authorize(actor, "getSchedule", p.From); err != nil {
		if err2 := ledger.Authorize(actor, "getSchedule", p.To); err2 != nil {
			return nil, err
		}
	}
	return p, nil
}

// List returns scheduled payments matching the filter. Consumers and
// providers see only their own.
func (s *Scheduler) List(ctx context.Context, actor ledger.Actor, f Filter) ([]*ScheduledPayment, error) {
	if !actor.HasRole(ledger.RoleAdmin) && !actor.HasRole(ledger.RoleOperator) && !actor.HasRole(ledger.RoleAuditor) {
		f.AccountID = actor.ID
	}
	if err := ledger.Authorize(actor, "listSchedules", f.AccountID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, f)
}

// Pause stops a payment from firing until resumed.
func (s *Scheduler) Pause(ctx context.Context, actor ledger.Actor, id string) (*ScheduledPayment, error) {
	return s.transition(ctx, actor, id, "pauseSchedule", func(p *ScheduledPayment) error {
		if p.terminal() {
			return ledger.Errorf(ledger.CodeInvalidStatus, "schedule %s is %s", id, p.Status)
		}
		p.Status = StatusPaused
		p.Enabled = false
		return nil
	})
}

// Resume re-enables a paused payment. Firings missed while paused
// coalesce into at most one catch-up execution.
func (s *Scheduler) Resume(ctx context.Context, actor ledger.Actor, id string) (*ScheduledPayment, error) {
	return s.transition(ctx, actor, id, "resumeSchedule", func(p *ScheduledPayment) error {
		if p.Status != StatusPaused {
			return ledger.Errorf(ledger.CodeInvalidStatus, "schedule %s is %s, not PAUSED", id, p.Status)
		}
		p.Status = StatusActive
		p.Enabled = true
		p.FailureCount = 0
		p.LastError = ""
		return nil
	})
}

// Cancel terminally stops a payment.
func (s *Scheduler) Cancel(ctx context.Context, actor ledger.Actor, id string) (*ScheduledPayment, error) {
	return s.transition(ctx, actor, id, "cancelSchedule", func(p *ScheduledPayment) error {
		if p.terminal() {
			return ledger.Errorf(ledger.CodeInvalidStatus, "schedule %s is already %s", id, p.Status)
		}
		p.Status = StatusCancelled
		p.Enabled = false
		p.NextExecuteAt = nil
		return nil
	})
}

func (s *Scheduler) transition(ctx context.Context, actor ledger.Actor, id, action string, mutate func(*ScheduledPayment) error) (*ScheduledPayment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.Authorize(actor, action, p.From); err != nil {
		return nil, err
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ExecuteNow fires a payment immediately, regardless of its next
// execution time. The regular cadence is unaffected.
func (s *Scheduler) ExecuteNow(ctx context.Context, actor ledger.Actor, id string) (*ScheduledPayment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ledger.Authorize(actor, "executeSchedule", p.From); err != nil {
		return nil, err
	}
	if p.terminal() || !p.Enabled {
		return nil, ledger.Errorf(ledger.CodeInvalidStatus, "schedule %s is %s", id, p.Status)
	}
	return s.runOne(ctx, p, false)
}

// Start launches the driver loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle: every due payment executes at most once.
func (s *Scheduler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("scheduler tick panicked", "panic", fmt.Sprint(r))
		}
	}()

	due, err := s.store.ListDue(ctx, s.nowFn(), 0)
	if err != nil {
		logging.L(ctx).Error("scheduler poll failed", "error", err)
		return
	}
	for _, p := range due {
		if _, err := s.runOne(ctx, p, true); err != nil {
			logging.L(ctx).Warn("scheduled payment failed",
				"schedule_id", p.ID, "error", err)
		}
	}
}

// runOne executes a single payment and advances its state. advance
// controls whether the cadence moves forward (driver ticks) or stays
// put (ExecuteNow).
func (s *Scheduler) runOne(ctx context.Context, p *ScheduledPayment, advance bool) (*ScheduledPayment, error) {
	if !s.inflight.TryAdd(p.ID) {
		return p, nil
	}
	defer s.inflight.Remove(p.ID)

	ctx, span := traces.StartSpan(ctx, "scheduler.Execute",
		traces.ScheduleID(p.ID), traces.Amount(p.Amount))
	defer span.End()

	now := s.nowFn()
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		p.Status = StatusExpired
		p.Enabled = false
		p.NextExecuteAt = nil
		if err := s.store.Update(ctx, p); err != nil {
			return nil, err
		}
		return p, nil
	}

	tx, err := s.exec(ctx, p)
	if err != nil {
		return s.recordFailure(ctx, p, err)
	}

	p.ExecutionCount++
	p.FailureCount = 0
	p.LastError = ""
	p.LastExecutedAt = &now
	p.Status = StatusActive

	if advance {
		// Missed firings coalesce: the next time is computed from now,
		// not from the originally scheduled instant.
		if next, ok := p.Schedule.NextExecution(now); ok {
			p.NextExecuteAt = &next
		} else {
			p.Status = StatusCompleted
			p.Enabled = false
			p.NextExecuteAt = nil
		}
	}
	if p.MaxExecutions > 0 && p.ExecutionCount >= p.MaxExecutions {
		p.Status = StatusCompleted
		p.Enabled = false
		p.NextExecuteAt = nil
	}

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.ScheduledExecutionsTotal.WithLabelValues("success").Inc()
	s.bus.Emit(ctx, events.Event{
		Type:     events.PaymentExecuted,
		EntityID: p.ID,
		Payload:  map[string]string{"transaction_id": tx.ID, "amount": p.Amount},
	})
	return p, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, p *ScheduledPayment, cause error) (*ScheduledPayment, error) {
	now := s.nowFn()
	p.FailureCount++
	p.LastError = cause.Error()

	if p.FailureCount >= s.maxFailures {
		p.Status = StatusFailed
		p.Enabled = false
		p.NextExecuteAt = nil
	} else {
		// Linear backoff: the n-th consecutive failure waits n periods.
		retry := now.Add(time.Duration(p.FailureCount) * s.retryBackoff)
		p.NextExecuteAt = &retry
	}

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.ScheduledExecutionsTotal.WithLabelValues("failure").Inc()
	s.bus.Emit(ctx, events.Event{
		Type:     events.PaymentFailed,
		EntityID: p.ID,
		Payload:  map[string]string{"error": cause.Error(), "failures": fmt.Sprint(p.FailureCount)},
	})
	return p, cause
}
