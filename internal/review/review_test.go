package review

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/audit"
	"github.com/het0814/SD-voice-ai-service/internal/directory"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
	"github.com/het0814/SD-voice-ai-service/internal/store/storetest"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	svc  *Service
	st   *store.SQLiteStore
	sp   *model.Specialist
	call *model.VerificationCall
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.NewSQLite(t)
	clock := storetest.NewClock()
	rec := audit.NewRecorder(clock.Now)
	dir := directory.New(st, rec, nil, clock.Now)
	sp := storetest.InsertSpecialist(t, st, "S1", model.FieldMap{"accepting_new_patients": model.MustValue(true)})
	return &fixture{
		svc:  New(st, dir, rec, clock.Now),
		st:   st,
		sp:   sp,
		call: storetest.InsertCall(t, st, sp.ID, model.CallCompleted),
	}
}

func (f *fixture) proposal(t *testing.T, field string, newValue any, confidence float64) *model.DataUpdate {
	t.Helper()
	u, err := model.NewDataUpdate(f.call.ID, f.sp.ID, field, f.sp.CurrentData[field], model.MustValue(newValue), confidence, 0.85)
	require.NoError(t, err)
	u.CreatedAt = storetest.Epoch
	require.NoError(t, f.st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertUpdate(context.Background(), u)
	}))
	return u
}

func TestApprove_WritesFieldAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.proposal(t, "accepting_new_patients", false, 0.92)

	sp, err := f.svc.Approve(ctx, u.ID, "reviewer@example.com")
	require.NoError(t, err)
	accepting, ok := sp.AcceptingNewPatients()
	require.True(t, ok)
	assert.False(t, accepting)

	stored, err := f.st.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UpdateApproved, stored.Status)
	assert.Equal(t, "reviewer@example.com", stored.ReviewedBy)
	require.NotNil(t, stored.ReviewedAt)

	reloaded, err := f.st.GetSpecialist(ctx, f.sp.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.CurrentData["accepting_new_patients"].Equal(stored.NewValue))

	spAudit, err := f.st.ListAudit(ctx, store.AuditFilter{EntityType: model.EntitySpecialist, EntityID: f.sp.ID, Action: model.ActionUpdate})
	require.NoError(t, err)
	require.Len(t, spAudit, 1)
	assert.JSONEq(t, `{"accepting_new_patients":true}`, string(spAudit[0].Changes.Old))
	assert.JSONEq(t, `{"accepting_new_patients":false}`, string(spAudit[0].Changes.New))
	assert.Equal(t, "reviewer@example.com", spAudit[0].Actor)

	upAudit, err := f.st.ListAudit(ctx, store.AuditFilter{EntityType: model.EntityUpdate, EntityID: u.ID})
	require.NoError(t, err)
	require.Len(t, upAudit, 1)
	assert.Equal(t, model.ActionApprove, upAudit[0].Action)
	var after model.DataUpdate
	require.NoError(t, json.Unmarshal(upAudit[0].Changes.New, &after))
	assert.Equal(t, model.UpdateApproved, after.Status)
}

func TestApprove_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.proposal(t, "accepting_new_patients", false, 0.92)

	_, err := f.svc.Approve(ctx, u.ID, "a")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, u.ID, "b")
	assert.True(t, errors.Is(err, model.ErrAlreadyReviewed))
	_, err = f.svc.Reject(ctx, u.ID, "b", "changed my mind")
	assert.True(t, errors.Is(err, model.ErrAlreadyReviewed))

	writes, err := f.st.ListAudit(ctx, store.AuditFilter{EntityType: model.EntitySpecialist, Action: model.ActionUpdate})
	require.NoError(t, err)
	assert.Len(t, writes, 1, "field mutated exactly once")

	stored, err := f.st.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.ReviewedBy)
}

func TestReject_LeavesSpecialistUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.proposal(t, "accepting_new_patients", false, 0.40)
	require.True(t, u.RequiresReview)

	rejected, err := f.svc.Reject(ctx, u.ID, "reviewer", "low confidence, re-verify")
	require.NoError(t, err)
	assert.Equal(t, model.UpdateRejected, rejected.Status)
	assert.Equal(t, "low confidence, re-verify", rejected.RejectionReason)

	sp, err := f.st.GetSpecialist(ctx, f.sp.ID)
	require.NoError(t, err)
	accepting, _ := sp.AcceptingNewPatients()
	assert.True(t, accepting)

	entries, err := f.st.ListAudit(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionReject, entries[0].Action)

	_, err = f.svc.Approve(ctx, u.ID, "reviewer")
	assert.True(t, errors.Is(err, model.ErrAlreadyReviewed))
}

func TestReview_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, "missing", "r")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = f.svc.Reject(ctx, "missing", "r", "")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	u := f.proposal(t, "accepting_new_patients", false, 0.9)
	_, err = f.svc.Approve(ctx, u.ID, "  ")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestApprove_KindMismatchRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.proposal(t, "wait_time_weeks", "a few", 0.9)

	_, err := f.svc.Approve(ctx, u.ID, "r")
	assert.True(t, errors.Is(err, model.ErrValidation))

	stored, err := f.st.GetUpdate(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UpdatePending, stored.Status)
}

func TestPending_ExcludesReviewed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.proposal(t, "office_fax", "555-0101", 0.5)
	b := f.proposal(t, "office_hours", "9-5", 0.5)
	_, err := f.svc.Reject(ctx, a.ID, "r", "dup")
	require.NoError(t, err)

	pending, err := f.svc.Pending(ctx, Filter{SpecialistID: f.sp.ID})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	none, err := f.svc.Pending(ctx, Filter{SpecialistID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApprove_ConcurrentDifferentFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := f.proposal(t, "accepting_new_patients", false, 0.9)
	u2 := f.proposal(t, "wait_time_weeks", 4, 0.9)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{u1.ID, u2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.Approve(ctx, id, "r")
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	sp, err := f.st.GetSpecialist(ctx, f.sp.ID)
	require.NoError(t, err)
	assert.True(t, sp.CurrentData["accepting_new_patients"].Equal(model.MustValue(false)))
	assert.True(t, sp.CurrentData["wait_time_weeks"].Equal(model.MustValue(4)), "no lost update")
}

func TestApprove_ConcurrentSameUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.proposal(t, "accepting_new_patients", false, 0.9)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Approve(ctx, u.ID, "r")
		}(i)
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrAlreadyReviewed):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, already)
}

func TestApprove_SameFieldLastCommitWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.proposal(t, "wait_time_weeks", 2, 0.9)
	second := f.proposal(t, "wait_time_weeks", 5, 0.9)

	_, err := f.svc.Approve(ctx, first.ID, "r1")
	require.NoError(t, err)
	sp, err := f.svc.Approve(ctx, second.ID, "r2")
	require.NoError(t, err)
	assert.True(t, sp.CurrentData["wait_time_weeks"].Equal(model.MustValue(5)))

	writes, err := f.st.ListAudit(ctx, store.AuditFilter{EntityType: model.EntitySpecialist, Action: model.ActionUpdate})
	require.NoError(t, err)
	require.Len(t, writes, 2)
	assert.JSONEq(t, `{"wait_time_weeks":2}`, string(writes[1].Changes.Old), "records the then-current value")
}
