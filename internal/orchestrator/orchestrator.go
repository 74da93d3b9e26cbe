// Package orchestrator is the controller around the call state machine: it
// queues calls for specialists that are due, dispatches them to telephony
// within the concurrency and rate limits, applies lifecycle events, queues
// retries and hands completed calls to the reconciler.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/het0814/SD-voice-ai-service/internal/callflow"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/reconcile"
	"github.com/het0814/SD-voice-ai-service/internal/store"
	"github.com/het0814/SD-voice-ai-service/internal/telephony"
)

// Reconciler processes completed calls.
type Reconciler interface {
	Reconcile(ctx context.Context, callID string) (*reconcile.Result, error)
}

// Notifier is told about calls that exhausted their retry budget.
type Notifier interface {
	PermanentFailure(ctx context.Context, c *model.VerificationCall) error
}

// availability is implemented by dialers that can shed load.
type availability interface {
	Available() bool
}

// Config holds the controller's limits.
type Config struct {
	// Owner names this process on call leases.
	Owner              string
	MaxConcurrentCalls int
	// DispatchRate is calls placed per second.
	DispatchRate     float64
	SweepBatch       int
	SweepConcurrency int
	ProcessBatch     int
	// StaleAfter fails dispatched calls that hear nothing for this long.
	StaleAfter time.Duration
	// ReconcileInline reconciles as soon as a completed event arrives.
	ReconcileInline bool
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "orchestrator"
	}
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 10
	}
	if c.DispatchRate <= 0 {
		c.DispatchRate = 1
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 8
	}
	if c.ProcessBatch <= 0 {
		c.ProcessBatch = 20
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return c
}

// Orchestrator drives verification calls end to end.
type Orchestrator struct {
	st         store.Store
	machine    *callflow.Machine
	dialer     telephony.Dialer
	reconciler Reconciler
	notifier   Notifier
	cfg        Config
	limiter    *rate.Limiter
	now        func() time.Time
}

// New creates an Orchestrator. reconciler and notifier may be nil.
func New(st store.Store, machine *callflow.Machine, dialer telephony.Dialer, reconciler Reconciler,
	notifier Notifier, cfg Config, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		st:         st,
		machine:    machine,
		dialer:     dialer,
		reconciler: reconciler,
		notifier:   notifier,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.DispatchRate), max(int(cfg.DispatchRate), 1)),
		now:        now,
	}
}

// Sweep queues a call for every specialist whose verification is due and
// who has no call in flight. It returns the number of calls queued.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	due, err := o.st.DueSpecialists(ctx, o.now().UTC(), o.cfg.SweepBatch)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list due specialists")
	}
	if len(due) == 0 {
		return 0, nil
	}

	created := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SweepConcurrency)
	for i := range due {
		sp := due[i]
		g.Go(func() error {
			_, err := o.machine.Create(gctx, sp.ID, callflow.CreateOptions{Actor: o.cfg.Owner})
			switch {
			case err == nil:
				created[i] = true
			case errors.Is(err, model.ErrCallActive), errors.Is(err, model.ErrNotFound):
				// Raced with another creator or a delete.
			default:
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	n := 0
	for _, ok := range created {
		if ok {
			n++
		}
	}
	zap.L().Info("orchestrator: sweep complete", zap.Int("due", len(due)), zap.Int("queued", n))
	if err != nil {
		return n, eris.Wrap(err, "orchestrator: sweep")
	}
	return n, nil
}

// DispatchQueued places queued calls whose scheduled time has come, up to
// the free telephony slots. It returns the number of calls placed.
func (o *Orchestrator) DispatchQueued(ctx context.Context) (int, error) {
	slots, err := o.freeSlots(ctx)
	if err != nil || slots == 0 {
		return 0, err
	}

	now := o.now().UTC()
	queued, err := o.st.ListCalls(ctx, store.CallFilter{
		Statuses:    []model.CallStatus{model.CallQueued},
		ScheduledBy: &now,
		Limit:       slots,
	})
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list queued calls")
	}

	placed := 0
	for i := range queued {
		if err := o.limiter.Wait(ctx); err != nil {
			return placed, eris.Wrap(err, "orchestrator: dispatch rate limit")
		}
		ok, err := o.dispatch(ctx, &queued[i])
		if err != nil {
			return placed, err
		}
		if ok {
			placed++
		}
	}
	if len(queued) > 0 {
		zap.L().Info("orchestrator: dispatch complete", zap.Int("queued", len(queued)), zap.Int("placed", placed))
	}
	return placed, nil
}

// InitiateNow queues a call for the specialist and dispatches it at once
// when a slot is free; otherwise it waits in the queue.
func (o *Orchestrator) InitiateNow(ctx context.Context, specialistID, actor string) (*model.VerificationCall, error) {
	c, err := o.machine.Create(ctx, specialistID, callflow.CreateOptions{Actor: actor})
	if err != nil {
		return nil, err
	}
	slots, err := o.freeSlots(ctx)
	if err != nil {
		return nil, err
	}
	if slots == 0 {
		return c, nil
	}
	if _, err := o.dispatch(ctx, c); err != nil {
		return nil, err
	}
	return o.st.GetCall(ctx, c.ID)
}

func (o *Orchestrator) freeSlots(ctx context.Context) (int, error) {
	if a, ok := o.dialer.(availability); ok && !a.Available() {
		zap.L().Warn("orchestrator: telephony unavailable, holding queue")
		return 0, nil
	}
	active, err := o.st.CountCalls(ctx, model.CallDispatched, model.CallRinging, model.CallConnected, model.CallInProgress)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: count active calls")
	}
	return max(o.cfg.MaxConcurrentCalls-active, 0), nil
}

// dispatch moves one queued call to telephony. A false result with nil
// error means the call was skipped or its placement failed and was settled.
func (o *Orchestrator) dispatch(ctx context.Context, c *model.VerificationCall) (bool, error) {
	log := zap.L().With(zap.String("call_id", c.ID), zap.String("specialist_id", c.SpecialistID))

	lease, err := o.machine.Acquire(ctx, c.ID, o.cfg.Owner)
	if errors.Is(err, model.ErrLeaseHeld) || errors.Is(err, model.ErrInvalidTransition) {
		log.Debug("orchestrator: call taken elsewhere", zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sp, err := o.st.GetSpecialist(ctx, c.SpecialistID)
	if err != nil {
		return false, eris.Wrapf(err, "orchestrator: load specialist for %s", c.ID)
	}
	dispatched, err := o.machine.Dispatch(ctx, lease, "", "")
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrLeaseHeld) {
		log.Debug("orchestrator: call dispatched elsewhere", zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	placement, err := o.dialer.PlaceCall(ctx, telephony.NewRequest(dispatched, sp))
	if err != nil {
		log.Warn("orchestrator: place call failed", zap.Error(err))
		failed, outcome, ferr := o.machine.Fail(ctx, lease, "dial: "+err.Error())
		if ferr != nil {
			return false, ferr
		}
		return false, o.settle(ctx, failed, outcome)
	}

	if _, err := o.machine.AttachSession(ctx, lease, placement.TwilioSID, placement.RoomID); err != nil {
		return false, err
	}
	// Events may arrive at any instance; each takes the lease while applying one.
	if err := o.machine.Release(ctx, lease); err != nil {
		return true, err
	}
	return true, nil
}

// HandleEvent applies one lifecycle event from telephony.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev telephony.Event) (*model.VerificationCall, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	lease, err := o.machine.Acquire(ctx, ev.CallID, o.cfg.Owner)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: event %s for %s", ev.Kind, ev.CallID)
	}
	if ev.TwilioSID != "" || ev.RoomID != "" {
		if _, err := o.machine.AttachSession(ctx, lease, ev.TwilioSID, ev.RoomID); err != nil {
			return nil, err
		}
	}

	var (
		c       *model.VerificationCall
		outcome callflow.Outcome
	)
	switch ev.Kind {
	case telephony.EventCompleted:
		c, err = o.machine.Complete(ctx, lease, ev.Transcript, ev.RecordingURL)
	case telephony.EventFailed:
		reason := ev.Reason
		if reason == "" {
			reason = "telephony reported failure"
		}
		c, outcome, err = o.machine.Fail(ctx, lease, reason)
	case telephony.EventVoicemail:
		c, outcome, err = o.machine.Voicemail(ctx, lease)
	default:
		to, _ := ev.Kind.Status()
		c, err = o.machine.Transition(ctx, lease, to)
	}
	if err != nil {
		if rerr := o.machine.Release(ctx, lease); rerr != nil {
			zap.L().Warn("orchestrator: release after rejected event", zap.String("call_id", ev.CallID), zap.Error(rerr))
		}
		return nil, err
	}

	if !c.Status.IsTerminal() {
		if err := o.machine.Release(ctx, lease); err != nil {
			return c, err
		}
		return c, nil
	}

	switch c.Status {
	case model.CallFailed, model.CallVoicemail:
		if err := o.settle(ctx, c, outcome); err != nil {
			return c, err
		}
	case model.CallCompleted:
		if o.cfg.ReconcileInline && o.reconciler != nil {
			if _, err := o.reconciler.Reconcile(ctx, c.ID); err != nil {
				// The process loop retries unreconciled calls.
				zap.L().Warn("orchestrator: inline reconcile failed", zap.String("call_id", c.ID), zap.Error(err))
			}
		}
	}
	return c, nil
}

// settle queues the retry a failed call earned, or raises the alert for
// one that exhausted its budget.
func (o *Orchestrator) settle(ctx context.Context, c *model.VerificationCall, outcome callflow.Outcome) error {
	switch {
	case outcome.Retry:
		next, err := o.machine.CreateRetry(ctx, c)
		if errors.Is(err, model.ErrCallActive) {
			return nil
		}
		if err != nil {
			return err
		}
		zap.L().Info("orchestrator: retry queued",
			zap.String("call_id", next.ID),
			zap.String("failed_call_id", c.ID),
			zap.Int("retry_count", next.RetryCount),
			zap.Time("scheduled_for", next.ScheduledFor),
		)
	case outcome.Permanent:
		if o.notifier != nil {
			if err := o.notifier.PermanentFailure(ctx, c); err != nil {
				zap.L().Error("orchestrator: permanent failure alert", zap.String("call_id", c.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// ReapStale fails calls that were handed to telephony but have reported
// nothing within the stale window and whose lease has lapsed.
func (o *Orchestrator) ReapStale(ctx context.Context) (int, error) {
	now := o.now().UTC()
	cutoff := now.Add(-o.cfg.StaleAfter)
	calls, err := o.st.ListCalls(ctx, store.CallFilter{
		Statuses: []model.CallStatus{model.CallDispatched, model.CallRinging, model.CallConnected, model.CallInProgress},
		Limit:    1000,
	})
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list active calls")
	}

	reaped := 0
	for i := range calls {
		c := &calls[i]
		if c.UpdatedAt.After(cutoff) || !c.LeaseFree(now) {
			continue
		}
		lease, err := o.machine.Acquire(ctx, c.ID, o.cfg.Owner)
		if err != nil {
			zap.L().Debug("orchestrator: skip reaping", zap.String("call_id", c.ID), zap.Error(err))
			continue
		}
		failed, outcome, err := o.machine.Fail(ctx, lease, "stale: no telephony events since "+c.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return reaped, err
		}
		if err := o.settle(ctx, failed, outcome); err != nil {
			return reaped, err
		}
		reaped++
	}
	if reaped > 0 {
		zap.L().Warn("orchestrator: reaped stale calls", zap.Int("count", reaped))
	}
	return reaped, nil
}

// ProcessCompleted reconciles completed calls that have not been
// reconciled yet. A failing call is logged and left for the next pass.
func (o *Orchestrator) ProcessCompleted(ctx context.Context) (int, error) {
	if o.reconciler == nil {
		return 0, eris.New("orchestrator: no reconciler configured")
	}
	calls, err := o.st.ListCalls(ctx, store.CallFilter{
		Statuses:     []model.CallStatus{model.CallCompleted},
		Unreconciled: true,
		Limit:        o.cfg.ProcessBatch,
	})
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list completed calls")
	}

	done := 0
	for _, c := range calls {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := o.reconciler.Reconcile(ctx, c.ID); err != nil {
			zap.L().Error("orchestrator: reconcile failed", zap.String("call_id", c.ID), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// TickStats summarises one scheduler pass.
type TickStats struct {
	Reaped     int `json:"reaped"`
	Queued     int `json:"queued"`
	Placed     int `json:"placed"`
	Reconciled int `json:"reconciled"`
}

// Tick runs one pass: reap, sweep, dispatch, and reconcile when a
// reconciler is configured.
func (o *Orchestrator) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	var err error
	if stats.Reaped, err = o.ReapStale(ctx); err != nil {
		return stats, err
	}
	if stats.Queued, err = o.Sweep(ctx); err != nil {
		return stats, err
	}
	if stats.Placed, err = o.DispatchQueued(ctx); err != nil {
		return stats, err
	}
	if o.reconciler != nil {
		if stats.Reconciled, err = o.ProcessCompleted(ctx); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Run calls Tick every interval until ctx is cancelled. Tick errors are
// logged and the loop continues.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("owner", o.cfg.Owner))
	log.Info("starting scheduler", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats, err := o.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("orchestrator: tick failed", zap.Error(err))
		} else {
			log.Debug("orchestrator: tick",
				zap.Int("reaped", stats.Reaped),
				zap.Int("queued", stats.Queued),
				zap.Int("placed", stats.Placed),
				zap.Int("reconciled", stats.Reconciled),
			)
		}
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
