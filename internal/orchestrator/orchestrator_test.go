package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/audit"
	"github.com/het0814/SD-voice-ai-service/internal/callflow"
	"github.com/het0814/SD-voice-ai-service/internal/directory"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/reconcile"
	"github.com/het0814/SD-voice-ai-service/internal/store"
	"github.com/het0814/SD-voice-ai-service/internal/store/storetest"
	"github.com/het0814/SD-voice-ai-service/internal/telephony"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeDialer struct {
	mu        sync.Mutex
	requests  []telephony.Request
	err       error
	available bool
}

func (d *fakeDialer) PlaceCall(_ context.Context, req telephony.Request) (*telephony.Placement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	return &telephony.Placement{TwilioSID: "CA-" + req.CallID, RoomID: "room-" + req.CallID}, nil
}

func (d *fakeDialer) Available() bool { return d.available }

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type fakeNotifier struct {
	failed []*model.VerificationCall
}

func (n *fakeNotifier) PermanentFailure(_ context.Context, c *model.VerificationCall) error {
	n.failed = append(n.failed, c)
	return nil
}

type fixture struct {
	o        *Orchestrator
	st       *store.SQLiteStore
	clock    *storetest.Clock
	dialer   *fakeDialer
	notifier *fakeNotifier
	sp       *model.Specialist
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	st := storetest.NewSQLite(t)
	clock := storetest.NewClock()
	rec := audit.NewRecorder(clock.Now)
	dir := directory.New(st, rec, nil, clock.Now)
	machine := callflow.New(st, dir, rec, callflow.DefaultPolicy(), clock.Now)

	extractor := reconcile.ExtractorFunc(func(_ context.Context, transcript string) ([]model.Candidate, error) {
		if transcript == "" {
			return nil, nil
		}
		return []model.Candidate{{FieldName: "accepting_new_patients", Value: model.MustValue(false), Confidence: 0.92}}, nil
	})
	rc := reconcile.New(st, dir, rec, extractor, reconcile.DefaultPolicy(), clock.Now)

	cfg := Config{Owner: "test", MaxConcurrentCalls: 5, DispatchRate: 1000, ReconcileInline: true}
	for _, fn := range mutate {
		fn(&cfg)
	}
	dialer := &fakeDialer{available: true}
	notifier := &fakeNotifier{}
	sp := storetest.InsertSpecialist(t, st, "Alpha", model.FieldMap{"accepting_new_patients": model.MustValue(true)})
	return &fixture{
		o:        New(st, machine, dialer, rc, notifier, cfg, clock.Now),
		st:       st,
		clock:    clock,
		dialer:   dialer,
		notifier: notifier,
		sp:       sp,
	}
}

func (f *fixture) callsFor(t *testing.T, specialistID string) []model.VerificationCall {
	t.Helper()
	calls, err := f.st.ListCalls(context.Background(), store.CallFilter{SpecialistID: specialistID})
	require.NoError(t, err)
	return calls
}

func (f *fixture) event(t *testing.T, callID string, kind telephony.EventKind) *model.VerificationCall {
	t.Helper()
	c, err := f.o.HandleEvent(context.Background(), telephony.Event{CallID: callID, Kind: kind})
	require.NoError(t, err, "event %s", kind)
	f.clock.Advance(10 * time.Second)
	return c
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	queued, err := f.o.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	placed, err := f.o.DispatchQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, placed)

	calls := f.callsFor(t, f.sp.ID)
	require.Len(t, calls, 1)
	c := calls[0]
	assert.Equal(t, model.CallDispatched, c.Status)
	assert.Equal(t, "CA-"+c.ID, c.TwilioSID)
	assert.Equal(t, "room-"+c.ID, c.LiveKitRoomID)
	assert.Empty(t, c.LeaseOwner, "lease released after hand-off")
	assert.Equal(t, "+15555550100", f.dialer.requests[0].Phone)

	f.event(t, c.ID, telephony.EventRinging)
	f.event(t, c.ID, telephony.EventConnected)
	f.event(t, c.ID, telephony.EventInProgress)
	done, err := f.o.HandleEvent(ctx, telephony.Event{
		CallID:     c.ID,
		Kind:       telephony.EventCompleted,
		Transcript: "We are no longer accepting new patients.",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, done.Status)

	stored, err := f.st.GetCall(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReconciledAt, "reconciled inline")

	pending, err := f.st.ListUpdates(ctx, store.UpdateFilter{Status: model.UpdatePending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "accepting_new_patients", pending[0].FieldName)

	sp, err := f.st.GetSpecialist(ctx, f.sp.ID)
	require.NoError(t, err)
	assert.True(t, sp.IsVerified)

	again, err := f.o.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "verified specialist is not due")
}

func TestOrchestrator_SweepSkipsActiveCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.o.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.o.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.callsFor(t, f.sp.ID), 1)
}

func TestOrchestrator_SweepManySpecialists(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SweepConcurrency = 3 })
	for _, name := range []string{"Bravo", "Charlie", "Delta", "Echo", "Foxtrot"} {
		storetest.InsertSpecialist(t, f.st, name, model.FieldMap{})
	}

	n, err := f.o.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestOrchestrator_DispatchRespectsConcurrencyCap(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrentCalls = 2 })
	ctx := context.Background()
	storetest.InsertSpecialist(t, f.st, "Bravo", model.FieldMap{})
	storetest.InsertSpecialist(t, f.st, "Charlie", model.FieldMap{})

	_, err := f.o.Sweep(ctx)
	require.NoError(t, err)

	placed, err := f.o.DispatchQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, placed)

	placed, err = f.o.DispatchQueued(ctx)
	require.NoError(t, err)
	assert.Zero(t, placed, "no free slot")

	n, err := f.st.CountCalls(ctx, model.CallQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOrchestrator_UnavailableDialerHoldsQueue(t *testing.T) {
	f := newFixture(t)
	f.dialer.available = false
	ctx := context.Background()

	_, err := f.o.Sweep(ctx)
	require.NoError(t, err)
	placed, err := f.o.DispatchQueued(ctx)
	require.NoError(t, err)
	assert.Zero(t, placed)
	assert.Zero(t, f.dialer.calls())
}

func TestOrchestrator_DialFailureQueuesDelayedRetry(t *testing.T) {
	f := newFixture(t)
	f.dialer.err = errors.New("gateway unreachable")
	ctx := context.Background()

	_, err := f.o.Sweep(ctx)
	require.NoError(t, err)
	placed, err := f.o.DispatchQueued(ctx)
	require.NoError(t, err)
	assert.Zero(t, placed)

	calls := f.callsFor(t, f.sp.ID)
	require.Len(t, calls, 2)
	byStatus := map[model.CallStatus]model.VerificationCall{}
	for _, c := range calls {
		byStatus[c.Status] = c
	}
	failed := byStatus[model.CallFailed]
	assert.Contains(t, failed.FailureReason, "gateway unreachable")
	assert.Equal(t, 1, failed.RetryCount)
	retry := byStatus[model.CallQueued]
	assert.Equal(t, 1, retry.RetryCount)
	assert.True(t, retry.ScheduledFor.Equal(storetest.Epoch.Add(30*time.Second)))

	f.dialer.err = nil
	placed, err = f.o.DispatchQueued(ctx)
	require.NoError(t, err)
	assert.Zero(t, placed, "retry not yet due")

	f.clock.Advance(31 * time.Second)
	placed, err = f.o.DispatchQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, placed)
}

func TestOrchestrator_PermanentFailureAfterBudget(t *testing.T) {
	f := newFixture(t)
	f.dialer.err = errors.New("no answer")
	ctx := context.Background()

	_, err := f.o.Sweep(ctx)
	require.NoError(t, err)
	for range 3 {
		_, err := f.o.DispatchQueued(ctx)
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}

	assert.Equal(t, 3, f.dialer.calls())
	require.Len(t, f.notifier.failed, 1)
	assert.Equal(t, 3, f.notifier.failed[0].RetryCount)

	for _, c := range f.callsFor(t, f.sp.ID) {
		assert.Equal(t, model.CallFailed, c.Status)
	}

	sp, err := f.st.GetSpecialist(ctx, f.sp.ID)
	require.NoError(t, err)
	require.NotNil(t, sp.NextVerificationDueAt)
	assert.True(t, sp.NextVerificationDueAt.After(f.clock.Now()))

	n, err := f.o.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "deferred specialist is not due")
}

func TestOrchestrator_FailedEventQueuesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.o.InitiateNow(ctx, f.sp.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.CallDispatched, c.Status)

	f.event(t, c.ID, telephony.EventRinging)
	failed, err := f.o.HandleEvent(ctx, telephony.Event{CallID: c.ID, Kind: telephony.EventFailed, Reason: "busy"})
	require.NoError(t, err)
	assert.Equal(t, "busy", failed.FailureReason)

	queued, err := f.st.ListCalls(ctx, store.CallFilter{Statuses: []model.CallStatus{model.CallQueued}})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].RetryCount)
}

func TestOrchestrator_VoicemailDefers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.o.InitiateNow(ctx, f.sp.ID, "")
	require.NoError(t, err)

	f.event(t, c.ID, telephony.EventRinging)
	f.event(t, c.ID, telephony.EventVoicemail)

	queued, err := f.st.CountCalls(ctx, model.CallQueued)
	require.NoError(t, err)
	assert.Zero(t, queued, "voicemail is not retried by default")
	assert.Empty(t, f.notifier.failed)

	sp, err := f.st.GetSpecialist(ctx, f.sp.ID)
	require.NoError(t, err)
	require.NotNil(t, sp.NextVerificationDueAt)
	assert.False(t, sp.IsVerified)
}

func TestOrchestrator_HandleEventGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.HandleEvent(ctx, telephony.Event{Kind: telephony.EventRinging})
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = f.o.HandleEvent(ctx, telephony.Event{CallID: "missing", Kind: telephony.EventRinging})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	c, err := f.o.InitiateNow(ctx, f.sp.ID, "")
	require.NoError(t, err)
	_, err = f.o.HandleEvent(ctx, telephony.Event{CallID: c.ID, Kind: telephony.EventCompleted})
	assert.True(t, errors.Is(err, model.ErrInvalidTransition), "dispatched cannot complete")

	stored, err := f.st.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallDispatched, stored.Status)
}

func TestOrchestrator_InitiateNowQueuesWhenFull(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrentCalls = 1 })
	ctx := context.Background()
	other := storetest.InsertSpecialist(t, f.st, "Bravo", model.FieldMap{})

	first, err := f.o.InitiateNow(ctx, other.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.CallDispatched, first.Status)

	second, err := f.o.InitiateNow(ctx, f.sp.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.CallQueued, second.Status)

	_, err = f.o.InitiateNow(ctx, f.sp.ID, "")
	assert.True(t, errors.Is(err, model.ErrCallActive))
}

func TestOrchestrator_ReapStale(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StaleAfter = 30 * time.Minute })
	ctx := context.Background()
	c, err := f.o.InitiateNow(ctx, f.sp.ID, "")
	require.NoError(t, err)

	n, err := f.o.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(31 * time.Minute)
	n, err = f.o.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.st.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "stale")

	queued, err := f.st.CountCalls(ctx, model.CallQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
}

func TestOrchestrator_ProcessCompleted(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReconcileInline = false })
	ctx := context.Background()
	c, err := f.o.InitiateNow(ctx, f.sp.ID, "")
	require.NoError(t, err)
	f.event(t, c.ID, telephony.EventRinging)
	f.event(t, c.ID, telephony.EventConnected)
	f.event(t, c.ID, telephony.EventInProgress)
	_, err = f.o.HandleEvent(ctx, telephony.Event{CallID: c.ID, Kind: telephony.EventCompleted, Transcript: "closed to new patients"})
	require.NoError(t, err)

	stored, err := f.st.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ReconciledAt, "inline reconcile disabled")

	n, err := f.o.ProcessCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.o.ProcessCompleted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	updates, err := f.st.CountUpdates(ctx, model.UpdatePending)
	require.NoError(t, err)
	assert.Equal(t, 1, updates)
}

func TestOrchestrator_Tick(t *testing.T) {
	f := newFixture(t)
	stats, err := f.o.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStats{Queued: 1, Placed: 1}, stats)
}

func TestOrchestrator_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.o.Run(ctx, time.Hour)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
