// Package callflow drives a verification call through its lifecycle. Every
// transition runs in one transaction that holds the call row lock, checks
// the caller's lease and writes the matching audit entry.
package callflow

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/audit"
	"github.com/het0814/SD-voice-ai-service/internal/directory"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

// Policy holds the retry and lease knobs.
type Policy struct {
	MaxRetryAttempts int
	// FailureBackoff is how far next_verification_due_at moves after a
	// permanent failure, a voicemail or an abort.
	FailureBackoff time.Duration
	LeaseTTL       time.Duration
	RetryVoicemail bool
	// RetryBaseDelay and RetryFactor schedule attempt n at base*factor^n.
	RetryBaseDelay time.Duration
	RetryFactor    float64
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetryAttempts: 3,
		FailureBackoff:   7 * 24 * time.Hour,
		LeaseTTL:         15 * time.Minute,
		RetryBaseDelay:   30 * time.Second,
		RetryFactor:      4,
	}
}

// RetryDelay returns the wait before the attempt that follows retryCount
// failures.
func (p Policy) RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return time.Duration(float64(p.RetryBaseDelay) * math.Pow(p.RetryFactor, float64(retryCount)))
}

// Outcome reports what the controller should do after a terminal failure.
type Outcome struct {
	// Retry means a new attempt may be scheduled at NextAttemptAt.
	Retry         bool      `json:"retry"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	// Permanent means the retry budget is exhausted and the specialist was
	// deferred.
	Permanent  bool `json:"permanent"`
	RetryCount int  `json:"retry_count"`
}

// CreateOptions customizes a new call.
type CreateOptions struct {
	Direction    model.CallDirection
	RetryCount   int
	ScheduledFor time.Time
	Actor        string
}

// Machine is the Call State Machine.
type Machine struct {
	st     store.Store
	dir    *directory.Service
	audit  *audit.Recorder
	policy Policy
	now    func() time.Time
}

// New creates a Machine.
func New(st store.Store, dir *directory.Service, rec *audit.Recorder, policy Policy, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{st: st, dir: dir, audit: rec, policy: policy, now: now}
}

// Policy returns the machine's policy.
func (m *Machine) Policy() Policy { return m.policy }

// Create queues a new call for the specialist. It refuses with
// model.ErrCallActive when the specialist already has a non-terminal call.
// The specialist row is locked for the check so concurrent creators
// serialize.
func (m *Machine) Create(ctx context.Context, specialistID string, opts CreateOptions) (*model.VerificationCall, error) {
	now := m.now().UTC()
	c := &model.VerificationCall{
		SpecialistID: specialistID,
		Status:       model.CallQueued,
		Direction:    opts.Direction,
		RetryCount:   opts.RetryCount,
		ScheduledFor: opts.ScheduledFor.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.Direction == "" {
		c.Direction = model.DirectionOutbound
	}
	if opts.ScheduledFor.IsZero() {
		c.ScheduledFor = now
	}

	err := m.st.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockSpecialist(ctx, specialistID); err != nil {
			return err
		}
		active, err := tx.ActiveCall(ctx, specialistID)
		if err != nil {
			return err
		}
		if active != nil {
			return eris.Wrapf(model.ErrCallActive, "specialist %s has call %s in %s", specialistID, active.ID, active.Status)
		}
		if err := tx.InsertCall(ctx, c); err != nil {
			return err
		}
		return m.audit.Record(ctx, tx, model.EntityCall, c.ID, model.ActionCreate, opts.Actor, nil, c)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "callflow: create call for %s", specialistID)
	}

	zap.L().Info("callflow: call queued",
		zap.String("call_id", c.ID),
		zap.String("specialist_id", specialistID),
		zap.Int("retry_count", c.RetryCount),
		zap.Time("scheduled_for", c.ScheduledFor),
	)
	return c, nil
}

// CreateRetry queues the next attempt after a failed call, carrying its
// retry count forward and delaying it by the retry backoff.
func (m *Machine) CreateRetry(ctx context.Context, failed *model.VerificationCall) (*model.VerificationCall, error) {
	if failed.Status != model.CallFailed && failed.Status != model.CallVoicemail {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "callflow: call %s is %s, not retryable", failed.ID, failed.Status)
	}
	if failed.RetryCount >= m.policy.MaxRetryAttempts {
		return nil, eris.Wrapf(model.ErrPermanentFailure, "callflow: call %s used %d attempts", failed.ID, failed.RetryCount)
	}
	return m.Create(ctx, failed.SpecialistID, CreateOptions{
		Direction:    failed.Direction,
		RetryCount:   failed.RetryCount,
		ScheduledFor: m.now().Add(m.policy.RetryDelay(failed.RetryCount - 1)),
	})
}

// Acquire takes the exclusive lease on a call for owner. A live lease held
// by someone else fails with model.ErrLeaseHeld. Re-acquiring by the same
// owner renews it.
func (m *Machine) Acquire(ctx context.Context, callID, owner string) (model.Lease, error) {
	if owner == "" {
		return model.Lease{}, eris.Wrap(model.ErrValidation, "callflow: lease owner required")
	}
	var lease model.Lease
	err := m.st.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockCall(ctx, callID)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return eris.Wrapf(model.ErrInvalidTransition, "call %s is %s", callID, c.Status)
		}
		now := m.now().UTC()
		if !c.LeaseFree(now) && c.LeaseOwner != owner {
			return eris.Wrapf(model.ErrLeaseHeld, "call %s held by %s", callID, c.LeaseOwner)
		}
		token := c.LeaseToken
		if c.LeaseFree(now) || token == "" {
			token = uuid.New().String()
		}
		exp := now.Add(m.policy.LeaseTTL)
		c.LeaseOwner = owner
		c.LeaseToken = token
		c.LeaseExpiresAt = &exp
		c.UpdatedAt = now
		if err := tx.UpdateCall(ctx, c); err != nil {
			return err
		}
		lease = model.Lease{CallID: callID, Owner: owner, Token: token, ExpiresAt: exp}
		return nil
	})
	if err != nil {
		return model.Lease{}, eris.Wrapf(err, "callflow: acquire %s", callID)
	}
	return lease, nil
}

// Release drops the lease. Releasing a lease that already lapsed or was
// cleared by a terminal transition is a no-op.
func (m *Machine) Release(ctx context.Context, lease model.Lease) error {
	err := m.st.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockCall(ctx, lease.CallID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		if !c.HoldsLease(lease, now) {
			if !c.LeaseFree(now) {
				return eris.Wrapf(model.ErrLeaseHeld, "call %s held by %s", c.ID, c.LeaseOwner)
			}
			return nil
		}
		c.ClearLease()
		c.UpdatedAt = now
		return tx.UpdateCall(ctx, c)
	})
	return eris.Wrapf(err, "callflow: release %s", lease.CallID)
}

// Dispatch records the hand-off to telephony: queued -> dispatched.
func (m *Machine) Dispatch(ctx context.Context, lease model.Lease, twilioSID, roomID string) (*model.VerificationCall, error) {
	c, _, err := m.apply(ctx, lease, model.CallDispatched, func(c *model.VerificationCall) {
		if twilioSID != "" {
			c.TwilioSID = twilioSID
		}
		if roomID != "" {
			c.LiveKitRoomID = roomID
		}
	})
	return c, err
}

// AttachSession records telephony session ids learned after dispatch.
func (m *Machine) AttachSession(ctx context.Context, lease model.Lease, twilioSID, roomID string) (*model.VerificationCall, error) {
	var out *model.VerificationCall
	err := m.st.InTx(ctx, func(tx store.Tx) error {
		c, err := m.lockOwned(ctx, tx, lease)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return eris.Wrapf(model.ErrInvalidTransition, "call %s is %s", c.ID, c.Status)
		}
		before := *c
		if twilioSID != "" {
			c.TwilioSID = twilioSID
		}
		if roomID != "" {
			c.LiveKitRoomID = roomID
		}
		c.UpdatedAt = m.now().UTC()
		if err := tx.UpdateCall(ctx, c); err != nil {
			return err
		}
		out = c
		return m.audit.Record(ctx, tx, model.EntityCall, c.ID, model.ActionUpdate, lease.Owner,
			sessionOf(&before), sessionOf(c))
	})
	if err != nil {
		return nil, eris.Wrapf(err, "callflow: attach session to %s", lease.CallID)
	}
	return out, nil
}

// Transition moves the call along one edge. Terminal targets route through
// Complete, Fail and Voicemail so their bookkeeping always runs.
func (m *Machine) Transition(ctx context.Context, lease model.Lease, to model.CallStatus) (*model.VerificationCall, error) {
	switch to {
	case model.CallCompleted:
		return m.Complete(ctx, lease, "", "")
	case model.CallFailed:
		c, _, err := m.Fail(ctx, lease, "unspecified failure")
		return c, err
	case model.CallVoicemail:
		c, _, err := m.Voicemail(ctx, lease)
		return c, err
	}
	c, _, err := m.apply(ctx, lease, to, nil)
	return c, err
}

// Complete ends a call in_progress -> completed with its transcript.
func (m *Machine) Complete(ctx context.Context, lease model.Lease, transcript, recordingURL string) (*model.VerificationCall, error) {
	c, _, err := m.apply(ctx, lease, model.CallCompleted, func(c *model.VerificationCall) {
		c.Transcript = transcript
		c.RecordingURL = recordingURL
	})
	return c, err
}

// Fail ends an active call as failed and increments its retry count. When
// the count reaches the configured maximum the specialist is deferred and a
// permanent_failure entry is written in the same transaction.
func (m *Machine) Fail(ctx context.Context, lease model.Lease, reason string) (*model.VerificationCall, Outcome, error) {
	return m.apply(ctx, lease, model.CallFailed, func(c *model.VerificationCall) {
		c.FailureReason = reason
		c.RetryCount++
	})
}

// Voicemail ends an active call that reached voicemail. It is not retried
// unless the policy says so; otherwise the specialist is deferred.
func (m *Machine) Voicemail(ctx context.Context, lease model.Lease) (*model.VerificationCall, Outcome, error) {
	return m.apply(ctx, lease, model.CallVoicemail, func(c *model.VerificationCall) {
		if m.policy.RetryVoicemail {
			c.RetryCount++
		}
	})
}

// Abort is an operator override: it fails an in-flight call regardless of
// who holds the lease, with failure_reason "aborted: <actor>". Aborted calls
// are never retried.
func (m *Machine) Abort(ctx context.Context, callID, actor string) (*model.VerificationCall, error) {
	if actor == "" {
		actor = model.SystemActor
	}
	var out *model.VerificationCall
	err := m.st.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockCall(ctx, callID)
		if err != nil {
			return err
		}
		if !model.CanTransition(c.Status, model.CallFailed) {
			return eris.Wrapf(model.ErrInvalidTransition, "call %s: %s -> %s", callID, c.Status, model.CallFailed)
		}
		now := m.now().UTC()
		before := *c
		c.Status = model.CallFailed
		c.FailureReason = "aborted: " + actor
		c.UpdatedAt = now
		c.Finish(now)
		c.ClearLease()
		if err := tx.UpdateCall(ctx, c); err != nil {
			return err
		}
		if err := m.audit.Record(ctx, tx, model.EntityCall, c.ID, model.ActionTransition, actor, &before, c); err != nil {
			return err
		}
		out = c
		return m.dir.DeferTx(ctx, tx, c.SpecialistID, now.Add(m.policy.FailureBackoff), c.FailureReason, actor)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "callflow: abort %s", callID)
	}
	zap.L().Warn("callflow: call aborted", zap.String("call_id", callID), zap.String("actor", actor))
	return out, nil
}

func (m *Machine) lockOwned(ctx context.Context, tx store.Tx, lease model.Lease) (*model.VerificationCall, error) {
	c, err := tx.LockCall(ctx, lease.CallID)
	if err != nil {
		return nil, err
	}
	if !c.HoldsLease(lease, m.now().UTC()) {
		return nil, eris.Wrapf(model.ErrLeaseHeld, "call %s not held by %s", c.ID, lease.Owner)
	}
	return c, nil
}

// apply performs one guarded transition.
func (m *Machine) apply(ctx context.Context, lease model.Lease, to model.CallStatus, mutate func(*model.VerificationCall)) (*model.VerificationCall, Outcome, error) {
	var (
		out     *model.VerificationCall
		outcome Outcome
	)
	err := m.st.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockCall(ctx, lease.CallID)
		if err != nil {
			return err
		}
		if !model.CanTransition(c.Status, to) {
			return eris.Wrapf(model.ErrInvalidTransition, "call %s: %s -> %s", c.ID, c.Status, to)
		}
		now := m.now().UTC()
		if !c.HoldsLease(lease, now) {
			return eris.Wrapf(model.ErrLeaseHeld, "call %s not held by %s", c.ID, lease.Owner)
		}

		before := *c
		c.Status = to
		c.UpdatedAt = now
		if to == model.CallConnected {
			c.StartedAt = &now
		}
		if mutate != nil {
			mutate(c)
		}
		if to.IsTerminal() {
			c.Finish(now)
			c.ClearLease()
		} else {
			exp := now.Add(m.policy.LeaseTTL)
			c.LeaseExpiresAt = &exp
		}
		if err := tx.UpdateCall(ctx, c); err != nil {
			return err
		}
		if err := m.audit.Record(ctx, tx, model.EntityCall, c.ID, model.ActionTransition, lease.Owner, &before, c); err != nil {
			return err
		}
		out = c

		if to.IsTerminal() && to != model.CallCompleted {
			outcome, err = m.settleFailure(ctx, tx, c, lease.Owner, now)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, Outcome{}, eris.Wrapf(err, "callflow: %s -> %s", lease.CallID, to)
	}

	fields := []zap.Field{
		zap.String("call_id", out.ID),
		zap.String("specialist_id", out.SpecialistID),
		zap.String("status", string(out.Status)),
	}
	switch {
	case outcome.Permanent:
		zap.L().Error("callflow: retry budget exhausted", append(fields, zap.Int("retry_count", out.RetryCount))...)
	case to == model.CallFailed:
		zap.L().Warn("callflow: call failed", append(fields, zap.String("reason", out.FailureReason))...)
	default:
		zap.L().Debug("callflow: transition", fields...)
	}
	return out, outcome, nil
}

// settleFailure decides retry versus permanent failure for a failed or
// voicemail call inside the transition's transaction.
func (m *Machine) settleFailure(ctx context.Context, tx store.Tx, c *model.VerificationCall, actor string, now time.Time) (Outcome, error) {
	retryable := c.Status == model.CallFailed || m.policy.RetryVoicemail
	if !retryable {
		next := now.Add(m.policy.FailureBackoff)
		return Outcome{RetryCount: c.RetryCount}, m.dir.DeferTx(ctx, tx, c.SpecialistID, next, "voicemail", actor)
	}
	if c.RetryCount < m.policy.MaxRetryAttempts {
		return Outcome{
			Retry:         true,
			NextAttemptAt: now.Add(m.policy.RetryDelay(c.RetryCount - 1)),
			RetryCount:    c.RetryCount,
		}, nil
	}

	next := now.Add(m.policy.FailureBackoff)
	if err := m.dir.DeferTx(ctx, tx, c.SpecialistID, next, "retry budget exhausted", actor); err != nil {
		return Outcome{}, err
	}
	detail := struct {
		RetryCount            int       `json:"retry_count"`
		MaxRetryAttempts      int       `json:"max_retry_attempts"`
		FailureReason         string    `json:"failure_reason"`
		NextVerificationDueAt time.Time `json:"next_verification_due_at"`
	}{c.RetryCount, m.policy.MaxRetryAttempts, c.FailureReason, next}
	if err := m.audit.Record(ctx, tx, model.EntityCall, c.ID, model.ActionPermanentFailure, actor, nil, detail); err != nil {
		return Outcome{}, err
	}
	return Outcome{Permanent: true, RetryCount: c.RetryCount}, nil
}

type session struct {
	TwilioSID     string `json:"twilio_sid,omitempty"`
	LiveKitRoomID string `json:"livekit_room_id,omitempty"`
}

func sessionOf(c *model.VerificationCall) session {
	return session{TwilioSID: c.TwilioSID, LiveKitRoomID: c.LiveKitRoomID}
}
