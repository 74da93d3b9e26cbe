// Package directory owns specialist records and their current known facts.
// Every write is paired with an audit entry in the same transaction.
package directory

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/audit"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

// Service is the Directory Store.
type Service struct {
	st       store.Store
	audit    *audit.Recorder
	registry *model.FieldRegistry
	now      func() time.Time
}

// New creates a directory Service. A nil registry uses the built-in one and
// a nil clock uses time.Now.
func New(st store.Store, rec *audit.Recorder, registry *model.FieldRegistry, now func() time.Time) *Service {
	if registry == nil {
		registry = model.DefaultFieldRegistry()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{st: st, audit: rec, registry: registry, now: now}
}

// Registry returns the field registry used for type checks.
func (s *Service) Registry() *model.FieldRegistry { return s.registry }

// Get returns the specialist or model.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*model.Specialist, error) {
	return s.st.GetSpecialist(ctx, id)
}

// List returns specialists matching the filter.
func (s *Service) List(ctx context.Context, filter store.SpecialistFilter) ([]model.Specialist, error) {
	return s.st.ListSpecialists(ctx, filter)
}

// Create inserts a new specialist and records a create entry.
func (s *Service) Create(ctx context.Context, sp *model.Specialist, actor string) (*model.Specialist, error) {
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	for name, v := range sp.CurrentData {
		if err := s.registry.Check(name, v); err != nil {
			return nil, err
		}
	}
	now := s.now().UTC()
	sp.CreatedAt = now
	sp.UpdatedAt = now

	err := s.st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertSpecialist(ctx, sp); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, model.EntitySpecialist, sp.ID, model.ActionCreate, actor, nil, sp)
	})
	if err != nil {
		return nil, eris.Wrap(err, "directory: create specialist")
	}
	zap.L().Info("directory: specialist created",
		zap.String("specialist_id", sp.ID),
		zap.String("specialty", sp.Specialty),
	)
	return sp, nil
}

// Delete removes a specialist. Calls and updates cascade; audit rows remain.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	err := s.st.InTx(ctx, func(tx store.Tx) error {
		old, err := tx.LockSpecialist(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteSpecialist(ctx, id); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, model.EntitySpecialist, id, model.ActionDelete, actor, old, nil)
	})
	if err != nil {
		return eris.Wrapf(err, "directory: delete specialist %s", id)
	}
	zap.L().Warn("directory: specialist deleted", zap.String("specialist_id", id), zap.String("actor", actor))
	return nil
}

// ApplyFieldUpdate overwrites current_data[field] and returns the new snapshot.
func (s *Service) ApplyFieldUpdate(ctx context.Context, id, field string, value model.Value, actor string) (*model.Specialist, error) {
	var out *model.Specialist
	err := s.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = s.ApplyFieldUpdateTx(ctx, tx, id, field, value, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyFieldUpdateTx is ApplyFieldUpdate inside the caller's transaction. The
// specialist row stays locked until that transaction ends, so racing writers
// to the same specialist serialize and the audit entry records the value
// actually replaced.
func (s *Service) ApplyFieldUpdateTx(ctx context.Context, tx store.Tx, id, field string, value model.Value, actor string) (*model.Specialist, error) {
	if field == "" {
		return nil, eris.Wrap(model.ErrValidation, "directory: empty field name")
	}
	if err := s.registry.Check(field, value); err != nil {
		return nil, err
	}

	sp, err := tx.LockSpecialist(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "directory: lock specialist %s", id)
	}

	old := sp.CurrentData[field]
	sp.CurrentData = sp.CurrentData.Clone()
	sp.CurrentData[field] = value
	sp.UpdatedAt = s.now().UTC()

	if err := tx.UpdateSpecialist(ctx, sp); err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, tx, model.EntitySpecialist, id, model.ActionUpdate, actor,
		model.FieldMap{field: old}, model.FieldMap{field: value}); err != nil {
		return nil, err
	}
	return sp, nil
}

type verification struct {
	IsVerified            bool       `json:"is_verified"`
	LastVerifiedAt        *time.Time `json:"last_verified_at"`
	NextVerificationDueAt *time.Time `json:"next_verification_due_at"`
}

func verificationOf(sp *model.Specialist) verification {
	return verification{
		IsVerified:            sp.IsVerified,
		LastVerifiedAt:        sp.LastVerifiedAt,
		NextVerificationDueAt: sp.NextVerificationDueAt,
	}
}

// MarkVerified records a successful verification at at and schedules the
// next one. nextDueAt must be after at.
func (s *Service) MarkVerified(ctx context.Context, id string, at, nextDueAt time.Time) error {
	return s.st.InTx(ctx, func(tx store.Tx) error {
		return s.MarkVerifiedTx(ctx, tx, id, at, nextDueAt, "")
	})
}

// MarkVerifiedTx is MarkVerified inside the caller's transaction.
func (s *Service) MarkVerifiedTx(ctx context.Context, tx store.Tx, id string, at, nextDueAt time.Time, actor string) error {
	if !nextDueAt.After(at) {
		return eris.Wrapf(model.ErrValidation, "directory: next due %s not after verification %s",
			nextDueAt.Format(time.RFC3339), at.Format(time.RFC3339))
	}
	sp, err := tx.LockSpecialist(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "directory: lock specialist %s", id)
	}
	before := verificationOf(sp)

	at, nextDueAt = at.UTC(), nextDueAt.UTC()
	sp.IsVerified = true
	sp.LastVerifiedAt = &at
	sp.NextVerificationDueAt = &nextDueAt
	sp.UpdatedAt = s.now().UTC()

	if err := tx.UpdateSpecialist(ctx, sp); err != nil {
		return err
	}
	return s.audit.Record(ctx, tx, model.EntitySpecialist, id, model.ActionVerify, actor, before, verificationOf(sp))
}

// Defer pushes the next verification out to nextDueAt without marking the
// specialist verified.
func (s *Service) Defer(ctx context.Context, id string, nextDueAt time.Time, reason string) error {
	return s.st.InTx(ctx, func(tx store.Tx) error {
		return s.DeferTx(ctx, tx, id, nextDueAt, reason, "")
	})
}

// DeferTx is Defer inside the caller's transaction.
func (s *Service) DeferTx(ctx context.Context, tx store.Tx, id string, nextDueAt time.Time, reason, actor string) error {
	now := s.now().UTC()
	if !nextDueAt.After(now) {
		return eris.Wrapf(model.ErrValidation, "directory: deferral %s is not in the future", nextDueAt.Format(time.RFC3339))
	}
	sp, err := tx.LockSpecialist(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "directory: lock specialist %s", id)
	}
	before := verificationOf(sp)

	next := nextDueAt.UTC()
	sp.NextVerificationDueAt = &next
	sp.UpdatedAt = now
	if err := tx.UpdateSpecialist(ctx, sp); err != nil {
		return err
	}
	after := struct {
		verification
		Reason string `json:"reason,omitempty"`
	}{verificationOf(sp), reason}
	return s.audit.Record(ctx, tx, model.EntitySpecialist, id, model.ActionDefer, actor, before, after)
}
