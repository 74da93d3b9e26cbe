package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/het0814/SD-voice-ai-service/internal/model"
)

type mockAppender struct {
	mock.Mock
}

func (m *mockAppender) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
}

func TestRecorder_Record(t *testing.T) {
	w := &mockAppender{}
	w.On("AppendAudit", mock.Anything, mock.MatchedBy(func(e *model.AuditEntry) bool {
		return e.EntityType == model.EntitySpecialist &&
			e.EntityID == "sp-1" &&
			e.Action == model.ActionUpdate &&
			e.Actor == "reviewer@example.com" &&
			e.Timestamp.Equal(fixedClock()) &&
			string(e.Changes.Old) == `{"accepting_new_patients":true}` &&
			string(e.Changes.New) == `{"accepting_new_patients":false}`
	})).Return(nil)

	r := NewRecorder(fixedClock)
	err := r.Record(context.Background(), w, model.EntitySpecialist, "sp-1", model.ActionUpdate, "reviewer@example.com",
		model.FieldMap{"accepting_new_patients": model.MustValue(true)},
		model.FieldMap{"accepting_new_patients": model.MustValue(false)},
	)
	require.NoError(t, err)
	w.AssertExpectations(t)
}

func TestRecorder_DefaultsActorToSystem(t *testing.T) {
	w := &mockAppender{}
	w.On("AppendAudit", mock.Anything, mock.MatchedBy(func(e *model.AuditEntry) bool {
		return e.Actor == model.SystemActor && e.Changes.Old == nil
	})).Return(nil)

	r := NewRecorder(fixedClock)
	require.NoError(t, r.Record(context.Background(), w, model.EntityCall, "c-1", model.ActionCreate, "", nil,
		json.RawMessage(`{"status":"queued"}`)))
	w.AssertExpectations(t)
}

func TestRecorder_PropagatesAppendError(t *testing.T) {
	w := &mockAppender{}
	w.On("AppendAudit", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	r := NewRecorder(fixedClock)
	err := r.Record(context.Background(), w, model.EntityUpdate, "u-1", model.ActionApprove, "x", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRecorder_UnencodableSnapshot(t *testing.T) {
	w := &mockAppender{}
	r := NewRecorder(nil)
	err := r.Record(context.Background(), w, model.EntityUpdate, "u-1", model.ActionApprove, "x", make(chan int), nil)
	require.Error(t, err)
	w.AssertNotCalled(t, "AppendAudit", mock.Anything, mock.Anything)
}

func TestRecorder_RejectsUnknownAction(t *testing.T) {
	w := &mockAppender{}
	r := NewRecorder(fixedClock)
	err := r.Record(context.Background(), w, model.EntityCall, "c-1", model.AuditAction("cancel"), "x", nil, nil)
	assert.True(t, errors.Is(err, model.ErrValidation))
	w.AssertNotCalled(t, "AppendAudit", mock.Anything, mock.Anything)
}

func TestRecorder_RecordsDefer(t *testing.T) {
	w := &mockAppender{}
	w.On("AppendAudit", mock.Anything, mock.MatchedBy(func(e *model.AuditEntry) bool {
		return e.Action == model.ActionDefer && e.EntityType == model.EntitySpecialist
	})).Return(nil)

	r := NewRecorder(fixedClock)
	require.NoError(t, r.Record(context.Background(), w, model.EntitySpecialist, "sp-1", model.ActionDefer, "",
		map[string]any{"next_verification_due_at": nil}, map[string]any{"reason": "voicemail"}))
	w.AssertExpectations(t)
}
