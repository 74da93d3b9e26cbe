// Package reconcile turns a completed call's transcript into proposed
// field-level updates against the specialist's current data.
package reconcile

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/audit"
	"github.com/het0814/SD-voice-ai-service/internal/directory"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

// AutoActor is recorded on updates applied by the auto-approval policy.
const AutoActor = "auto"

// Extractor is the extraction collaborator. It must not fail on
// well-formed but uninformative transcripts.
type Extractor interface {
	Extract(ctx context.Context, transcript string) ([]model.Candidate, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, transcript string) ([]model.Candidate, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, transcript string) ([]model.Candidate, error) {
	return f(ctx, transcript)
}

// Policy controls review routing and re-verification scheduling.
type Policy struct {
	// ReviewThreshold: confidence below it requires review.
	ReviewThreshold float64
	// AutoApprove applies updates at or above the threshold immediately.
	AutoApprove bool
	// ReverifyInterval schedules the next verification after a successful one.
	ReverifyInterval time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{ReviewThreshold: 0.85, ReverifyInterval: 90 * 24 * time.Hour}
}

// Result describes one reconciliation.
type Result struct {
	CallID       string              `json:"call_id"`
	SpecialistID string              `json:"specialist_id"`
	Updates      []*model.DataUpdate `json:"updates"`
	AutoApproved int                 `json:"auto_approved"`
	// AlreadyReconciled is set when the call had been reconciled before.
	AlreadyReconciled bool `json:"already_reconciled,omitempty"`
}

// Reconciler is the Extraction Reconciler.
type Reconciler struct {
	st        store.Store
	dir       *directory.Service
	audit     *audit.Recorder
	extractor Extractor
	policy    Policy
	now       func() time.Time
}

// New creates a Reconciler.
func New(st store.Store, dir *directory.Service, rec *audit.Recorder, ex Extractor, policy Policy, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{st: st, dir: dir, audit: rec, extractor: ex, policy: policy, now: now}
}

// Reconcile extracts candidates from a completed call and records a
// DataUpdate for every value that differs from the specialist's current
// data. Updates, their audit entries, any auto-approvals, verification
// bookkeeping and the call's reconciled_at stamp commit together. Running it
// again on the same call is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, callID string) (*Result, error) {
	log := zap.L().With(zap.String("call_id", callID))

	call, err := r.st.GetCall(ctx, callID)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: get call %s", callID)
	}
	res := &Result{CallID: call.ID, SpecialistID: call.SpecialistID}
	if call.Status != model.CallCompleted {
		return nil, eris.Wrapf(model.ErrInvalidTransition, "reconcile: call %s is %s, not completed", callID, call.Status)
	}
	if call.ReconciledAt != nil {
		res.AlreadyReconciled = true
		return res, nil
	}

	// An empty transcript proposes nothing and does not verify the
	// specialist, but the call is still stamped reconciled.
	heard := strings.TrimSpace(call.Transcript) != ""
	var merged []model.Candidate
	if heard {
		// Extraction runs outside the transaction; it is a network round trip.
		candidates, err := r.extractor.Extract(ctx, call.Transcript)
		if err != nil {
			return nil, eris.Wrapf(err, "reconcile: extract call %s", callID)
		}
		merged = r.merge(candidates, log)
	}

	err = r.st.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockCall(ctx, callID)
		if err != nil {
			return err
		}
		if c.ReconciledAt != nil {
			res.AlreadyReconciled = true
			return nil
		}
		sp, err := tx.LockSpecialist(ctx, c.SpecialistID)
		if err != nil {
			return err
		}
		now := r.now().UTC()

		for _, cand := range merged {
			u, err := r.propose(ctx, tx, c, sp, cand, now)
			if err != nil {
				return err
			}
			if u == nil {
				continue
			}
			res.Updates = append(res.Updates, u)
			if u.Status == model.UpdateApproved {
				res.AutoApproved++
			}
		}

		if heard {
			if err := r.dir.MarkVerifiedTx(ctx, tx, sp.ID, now, now.Add(r.policy.ReverifyInterval), model.SystemActor); err != nil {
				return err
			}
		}

		before := struct {
			ReconciledAt *time.Time `json:"reconciled_at"`
		}{c.ReconciledAt}
		c.ReconciledAt = &now
		c.UpdatedAt = now
		if err := tx.UpdateCall(ctx, c); err != nil {
			return err
		}
		after := struct {
			ReconciledAt *time.Time `json:"reconciled_at"`
			Updates      int        `json:"updates"`
		}{c.ReconciledAt, len(res.Updates)}
		return r.audit.Record(ctx, tx, model.EntityCall, c.ID, model.ActionUpdate, model.SystemActor, before, after)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: call %s", callID)
	}

	if res.AlreadyReconciled {
		res.Updates = nil
		res.AutoApproved = 0
		return res, nil
	}
	log.Info("reconcile: call reconciled",
		zap.String("specialist_id", res.SpecialistID),
		zap.Int("candidates", len(merged)),
		zap.Int("updates", len(res.Updates)),
		zap.Int("auto_approved", res.AutoApproved),
	)
	return res, nil
}

// merge canonicalises field names, drops unusable candidates, and folds
// duplicates: the last value wins and the confidence is the highest seen.
// The result is sorted by field name.
func (r *Reconciler) merge(candidates []model.Candidate, log *zap.Logger) []model.Candidate {
	byField := make(map[string]model.Candidate, len(candidates))
	registry := r.dir.Registry()
	for _, c := range candidates {
		name := model.CanonicalFieldName(c.FieldName)
		if name == "" {
			continue
		}
		if err := model.ValidateConfidence(c.Confidence); err != nil {
			log.Warn("reconcile: dropping candidate", zap.String("field", name), zap.Error(err))
			continue
		}
		if err := registry.Check(name, c.Value); err != nil {
			log.Warn("reconcile: dropping candidate", zap.String("field", name), zap.Error(err))
			continue
		}
		c.FieldName = name
		if prev, ok := byField[name]; ok && prev.Confidence > c.Confidence {
			c.Confidence = prev.Confidence
		}
		byField[name] = c
	}

	out := make([]model.Candidate, 0, len(byField))
	for _, c := range byField {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldName < out[j].FieldName })
	return out
}

// propose records one update, or returns nil when the candidate changes
// nothing or duplicates a pending proposal.
func (r *Reconciler) propose(ctx context.Context, tx store.Tx, c *model.VerificationCall, sp *model.Specialist,
	cand model.Candidate, now time.Time) (*model.DataUpdate, error) {
	// An absent field reads as null, so a null candidate for it is no change.
	current := sp.CurrentData[cand.FieldName]
	if current.Equal(cand.Value) {
		return nil, nil
	}

	pending, err := tx.ListUpdates(ctx, store.UpdateFilter{
		SpecialistID: sp.ID,
		FieldName:    cand.FieldName,
		Status:       model.UpdatePending,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if p.NewValue.Equal(cand.Value) {
			return nil, nil
		}
	}

	u, err := model.NewDataUpdate(c.ID, sp.ID, cand.FieldName, current, cand.Value, cand.Confidence, r.policy.ReviewThreshold)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = now
	if err := tx.InsertUpdate(ctx, u); err != nil {
		return nil, err
	}
	if err := r.audit.Record(ctx, tx, model.EntityUpdate, u.ID, model.ActionCreate, model.SystemActor, nil, u); err != nil {
		return nil, err
	}

	if !r.policy.AutoApprove || u.RequiresReview {
		return u, nil
	}

	if _, err := r.dir.ApplyFieldUpdateTx(ctx, tx, sp.ID, u.FieldName, u.NewValue, AutoActor); err != nil {
		return nil, err
	}
	before := *u
	u.Status = model.UpdateApproved
	u.ReviewedAt = &now
	u.ReviewedBy = AutoActor
	if err := tx.UpdateUpdate(ctx, u); err != nil {
		return nil, err
	}
	if err := r.audit.Record(ctx, tx, model.EntityUpdate, u.ID, model.ActionAutoApprove, AutoActor, &before, u); err != nil {
		return nil, err
	}
	return u, nil
}
