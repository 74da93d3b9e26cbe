// Package review applies reviewer verdicts to pending data updates.
package review

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/audit"
	"github.com/het0814/SD-voice-ai-service/internal/directory"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

// Filter narrows the review queue.
type Filter struct {
	SpecialistID string `json:"specialist_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// Service is the Review Pipeline.
type Service struct {
	st    store.Store
	dir   *directory.Service
	audit *audit.Recorder
	now   func() time.Time
}

// New creates a review Service.
func New(st store.Store, dir *directory.Service, rec *audit.Recorder, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{st: st, dir: dir, audit: rec, now: now}
}

// Pending returns pending updates, newest first.
func (s *Service) Pending(ctx context.Context, f Filter) ([]model.DataUpdate, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	out, err := s.st.ListUpdates(ctx, store.UpdateFilter{
		SpecialistID: f.SpecialistID,
		Status:       model.UpdatePending,
		Limit:        f.Limit,
		Offset:       f.Offset,
	})
	if err != nil {
		return nil, eris.Wrap(err, "review: list pending")
	}
	return out, nil
}

// Get returns one update.
func (s *Service) Get(ctx context.Context, id string) (*model.DataUpdate, error) {
	return s.st.GetUpdate(ctx, id)
}

// Approve writes the update's new value into the specialist's current data
// and marks the update approved. The update and specialist rows are locked
// for the whole transaction, so a concurrent approval of the same update
// fails with model.ErrAlreadyReviewed and the field is written once.
func (s *Service) Approve(ctx context.Context, updateID, reviewer string) (*model.Specialist, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, eris.Wrap(model.ErrValidation, "review: reviewer required")
	}

	var sp *model.Specialist
	var u *model.DataUpdate
	err := s.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		u, err = s.lockPending(ctx, tx, updateID)
		if err != nil {
			return err
		}

		sp, err = s.dir.ApplyFieldUpdateTx(ctx, tx, u.SpecialistID, u.FieldName, u.NewValue, reviewer)
		if err != nil {
			return err
		}

		before := *u
		now := s.now().UTC()
		u.Status = model.UpdateApproved
		u.ReviewedAt = &now
		u.ReviewedBy = reviewer
		if err := tx.UpdateUpdate(ctx, u); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, model.EntityUpdate, u.ID, model.ActionApprove, reviewer, &before, u)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "review: approve %s", updateID)
	}

	zap.L().Info("review: update approved",
		zap.String("update_id", updateID),
		zap.String("specialist_id", u.SpecialistID),
		zap.String("field", u.FieldName),
		zap.String("reviewer", reviewer),
	)
	return sp, nil
}

// Reject marks the update rejected with reason. The specialist is not
// touched.
func (s *Service) Reject(ctx context.Context, updateID, reviewer, reason string) (*model.DataUpdate, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, eris.Wrap(model.ErrValidation, "review: reviewer required")
	}

	var u *model.DataUpdate
	err := s.st.InTx(ctx, func(tx store.Tx) error {
		var err error
		u, err = s.lockPending(ctx, tx, updateID)
		if err != nil {
			return err
		}

		before := *u
		now := s.now().UTC()
		u.Status = model.UpdateRejected
		u.ReviewedAt = &now
		u.ReviewedBy = reviewer
		u.RejectionReason = reason
		if err := tx.UpdateUpdate(ctx, u); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, model.EntityUpdate, u.ID, model.ActionReject, reviewer, &before, u)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "review: reject %s", updateID)
	}

	zap.L().Info("review: update rejected",
		zap.String("update_id", updateID),
		zap.String("reviewer", reviewer),
		zap.String("reason", reason),
	)
	return u, nil
}

func (s *Service) lockPending(ctx context.Context, tx store.Tx, id string) (*model.DataUpdate, error) {
	u, err := tx.LockUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.IsTerminal() {
		return nil, eris.Wrapf(model.ErrAlreadyReviewed, "update %s is %s", id, u.Status)
	}
	return u, nil
}
