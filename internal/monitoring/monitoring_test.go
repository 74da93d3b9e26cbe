package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/config"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
	"github.com/het0814/SD-voice-ai-service/internal/store/storetest"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestCollector_EmptyStore(t *testing.T) {
	st := storetest.NewSQLite(t)
	c := NewCollector(st, 10)

	stats, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.PendingReviews)
	assert.Equal(t, 10, stats.MaxConcurrent)
	assert.False(t, stats.CollectedAt.IsZero())
}

func TestCollector_CountsQueue(t *testing.T) {
	st := storetest.NewSQLite(t)
	ctx := context.Background()
	a := storetest.InsertSpecialist(t, st, "A", model.FieldMap{})
	b := storetest.InsertSpecialist(t, st, "B", model.FieldMap{})

	storetest.InsertCall(t, st, a.ID, model.CallQueued)
	storetest.InsertCall(t, st, b.ID, model.CallQueued)
	storetest.InsertCall(t, st, a.ID, model.CallRinging)
	storetest.InsertCall(t, st, b.ID, model.CallInProgress)
	done := storetest.InsertCall(t, st, a.ID, model.CallCompleted)
	storetest.InsertCall(t, st, a.ID, model.CallFailed)
	storetest.InsertCall(t, st, b.ID, model.CallVoicemail)

	u, err := model.NewDataUpdate(done.ID, a.ID, "office_fax", model.Value{}, model.MustValue("555-0101"), 0.5, 0.85)
	require.NoError(t, err)
	u.CreatedAt = storetest.Epoch
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.InsertUpdate(ctx, u) }))

	stats, err := NewCollector(st, 5).Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Voicemail)
	assert.Equal(t, 1, stats.Unreconciled)
	assert.Equal(t, 1, stats.PendingReviews)
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{QueueDepthThreshold: 100, PendingReviewThreshold: 50})
	assert.Empty(t, a.Evaluate(&QueueStats{Queued: 20, PendingReviews: 10}))
}

func TestAlerter_Evaluate_Thresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{QueueDepthThreshold: 100, PendingReviewThreshold: 50})

	alerts := a.Evaluate(&QueueStats{Queued: 150, Active: 10, MaxConcurrent: 10, PendingReviews: 51})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertQueueDepth, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "150 calls queued")
	assert.Equal(t, AlertReviewBacklog, alerts[1].Type)
}

func TestAlerter_Evaluate_ZeroThresholdDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, a.Evaluate(&QueueStats{Queued: 10000, PendingReviews: 10000}))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertQueueDepth, Severity: "medium", Message: "test alert 1"},
		{Type: AlertReviewBacklog, Severity: "medium", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertQueueDepth}}))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertQueueDepth}}))
}

func TestAlerter_PermanentFailure(t *testing.T) {
	var got Alert
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	c := &model.VerificationCall{ID: "call-1", SpecialistID: "sp-1", Status: model.CallFailed, RetryCount: 3, FailureReason: "no answer"}
	require.NoError(t, a.PermanentFailure(context.Background(), c))

	assert.Equal(t, AlertPermanentFailure, got.Type)
	assert.Equal(t, "high", got.Severity)
	assert.Equal(t, "call-1", got.Details["call_id"])
	assert.EqualValues(t, 3, got.Details["retry_count"])

	assert.NoError(t, NewAlerter(config.MonitoringConfig{}).PermanentFailure(context.Background(), c), "no webhook is not an error")
}

func TestChecker_Check(t *testing.T) {
	st := storetest.NewSQLite(t)
	sp := storetest.InsertSpecialist(t, st, "A", model.FieldMap{})
	storetest.InsertCall(t, st, sp.ID, model.CallQueued)
	storetest.InsertCall(t, st, sp.ID, model.CallQueued)

	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, QueueDepthThreshold: 1}
	checker := NewChecker(NewCollector(st, 10), NewAlerter(cfg), cfg)
	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	st := storetest.NewSQLite(t)
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1}
	checker := NewChecker(NewCollector(st, 10), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}
