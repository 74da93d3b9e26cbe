package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/het0814/SD-voice-ai-service/internal/audit"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
	"github.com/het0814/SD-voice-ai-service/internal/store/storetest"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore, *storetest.Clock) {
	t.Helper()
	st := storetest.NewSQLite(t)
	clock := storetest.NewClock()
	return New(st, audit.NewRecorder(clock.Now), nil, clock.Now), st, clock
}

func TestService_CreateAndGet(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	sp, err := svc.Create(ctx, &model.Specialist{
		Name: "Dr. Ada", Specialty: "Cardiology", ClinicName: "Heart", Phone: "+15555550100",
		CurrentData: model.FieldMap{"accepting_new_patients": model.MustValue(true)},
	}, "seed")
	require.NoError(t, err)

	got, err := svc.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dr. Ada", got.Name)
	assert.True(t, got.CreatedAt.Equal(storetest.Epoch))

	entries, err := st.ListAudit(ctx, store.AuditFilter{EntityID: sp.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionCreate, entries[0].Action)
	assert.Equal(t, "seed", entries[0].Actor)
}

func TestService_CreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), &model.Specialist{Name: "No phone", Specialty: "x", ClinicName: "y"}, "")
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = svc.Create(context.Background(), &model.Specialist{
		Name: "A", Specialty: "B", ClinicName: "C", Phone: "D",
		CurrentData: model.FieldMap{"accepting_new_patients": model.MustValue("maybe")},
	}, "")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestService_ApplyFieldUpdate(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	sp := storetest.InsertSpecialist(t, st, "Alpha", model.FieldMap{"accepting_new_patients": model.MustValue(true)})

	out, err := svc.ApplyFieldUpdate(ctx, sp.ID, "accepting_new_patients", model.MustValue(false), "reviewer")
	require.NoError(t, err)
	v, _ := out.AcceptingNewPatients()
	assert.False(t, v)

	stored, err := svc.Get(ctx, sp.ID)
	require.NoError(t, err)
	v, _ = stored.AcceptingNewPatients()
	assert.False(t, v)

	entries, err := st.ListAudit(ctx, store.AuditFilter{EntityType: model.EntitySpecialist, EntityID: sp.ID, Action: model.ActionUpdate})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"accepting_new_patients":true}`, string(entries[0].Changes.Old))
	assert.JSONEq(t, `{"accepting_new_patients":false}`, string(entries[0].Changes.New))
	assert.Equal(t, "reviewer", entries[0].Actor)
}

func TestService_ApplyFieldUpdate_NewFieldAndErrors(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	sp := storetest.InsertSpecialist(t, st, "Alpha", nil)

	_, err := svc.ApplyFieldUpdate(ctx, sp.ID, "office_fax", model.MustValue("+15555550199"), "")
	require.NoError(t, err)
	entries, err := st.ListAudit(ctx, store.AuditFilter{EntityID: sp.ID, Action: model.ActionUpdate})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"office_fax":null}`, string(entries[0].Changes.Old))
	assert.Equal(t, model.SystemActor, entries[0].Actor)

	_, err = svc.ApplyFieldUpdate(ctx, "missing", "office_fax", model.MustValue("x"), "")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = svc.ApplyFieldUpdate(ctx, sp.ID, "wait_time_weeks", model.MustValue("soon"), "")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestService_ConcurrentFieldUpdates(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	sp := storetest.InsertSpecialist(t, st, "Alpha", nil)

	fields := []string{"office_fax", "office_phone", "scheduling_url", "office_hours"}
	var wg sync.WaitGroup
	for _, f := range fields {
		wg.Add(1)
		go func(field string) {
			defer wg.Done()
			_, err := svc.ApplyFieldUpdate(ctx, sp.ID, field, model.MustValue(field+"-value"), "")
			assert.NoError(t, err)
		}(f)
	}
	wg.Wait()

	got, err := svc.Get(ctx, sp.ID)
	require.NoError(t, err)
	for _, f := range fields {
		assert.True(t, got.CurrentData[f].Equal(model.MustValue(f+"-value")), "lost update on %s", f)
	}
}

func TestService_MarkVerified(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	sp := storetest.InsertSpecialist(t, st, "Alpha", nil)

	at := storetest.Epoch
	err := svc.MarkVerified(ctx, sp.ID, at, at)
	assert.True(t, errors.Is(err, model.ErrValidation), "next due must be after verification")

	next := at.Add(90 * 24 * time.Hour)
	require.NoError(t, svc.MarkVerified(ctx, sp.ID, at, next))

	got, err := svc.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.True(t, got.IsVerified)
	require.NotNil(t, got.LastVerifiedAt)
	require.NotNil(t, got.NextVerificationDueAt)
	assert.True(t, got.NextVerificationDueAt.After(*got.LastVerifiedAt))

	entries, err := st.ListAudit(ctx, store.AuditFilter{EntityID: sp.ID, Action: model.ActionVerify})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestService_Defer(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	sp := storetest.InsertSpecialist(t, st, "Alpha", nil)

	err := svc.Defer(ctx, sp.ID, clock.Now().Add(-time.Hour), "retry budget exhausted")
	assert.True(t, errors.Is(err, model.ErrValidation))

	next := clock.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, svc.Defer(ctx, sp.ID, next, "retry budget exhausted"))

	got, err := svc.Get(ctx, sp.ID)
	require.NoError(t, err)
	assert.False(t, got.IsVerified)
	require.NotNil(t, got.NextVerificationDueAt)
	assert.True(t, got.NextVerificationDueAt.Equal(next))

	entries, err := st.ListAudit(ctx, store.AuditFilter{EntityID: sp.ID, Action: model.ActionDefer})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0].Changes.New), "retry budget exhausted")
}

func TestService_Delete(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	sp := storetest.InsertSpecialist(t, st, "Alpha", nil)
	storetest.InsertCall(t, st, sp.ID, model.CallQueued)

	require.NoError(t, svc.Delete(ctx, sp.ID, "admin"))
	_, err := svc.Get(ctx, sp.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	n, err := st.CountCalls(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := st.ListAudit(ctx, store.AuditFilter{EntityID: sp.ID, Action: model.ActionDelete})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.True(t, errors.Is(svc.Delete(ctx, sp.ID, "admin"), model.ErrNotFound))
}
