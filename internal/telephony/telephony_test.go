package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

func testRequest() Request {
	return Request{CallID: "call-1", SpecialistID: "sp-1", Phone: "+15555550100", SpecialistName: "Dr. Alpha", ClinicName: "Heart Clinic"}
}

func TestEventKind_Status(t *testing.T) {
	tests := []struct {
		kind EventKind
		want model.CallStatus
		ok   bool
	}{
		{EventRinging, model.CallRinging, true},
		{EventConnected, model.CallConnected, true},
		{EventInProgress, model.CallInProgress, true},
		{EventCompleted, model.CallCompleted, true},
		{EventFailed, model.CallFailed, true},
		{EventVoicemail, model.CallVoicemail, true},
		{"hangup", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, ok := tt.kind.Status()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvent_Validate(t *testing.T) {
	assert.NoError(t, Event{CallID: "c", Kind: EventCompleted}.Validate())
	assert.True(t, errors.Is(Event{Kind: EventCompleted}.Validate(), model.ErrValidation))
	assert.True(t, errors.Is(Event{CallID: "c", Kind: "queued"}.Validate(), model.ErrValidation))
}

func TestNewRequest(t *testing.T) {
	sp := &model.Specialist{ID: "sp-1", Name: "Dr. Alpha", Specialty: "Cardiology", ClinicName: "Heart Clinic", Phone: "+15555550100"}
	req := NewRequest(&model.VerificationCall{ID: "call-1"}, sp)
	assert.Equal(t, "call-1", req.CallID)
	assert.Equal(t, "+15555550100", req.Phone)
	assert.Equal(t, "Cardiology", req.Metadata["specialty"])
}

func TestLogDialer(t *testing.T) {
	p, err := LogDialer{}.PlaceCall(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, p.TwilioSID)
	assert.Equal(t, "room-call-1", p.RoomID)
}

func TestGateway_PlaceCall(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/calls", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "call-1", r.Header.Get(IdempotencyHeader))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "call-1", req.CallID)
		assert.Equal(t, "+15555550100", req.Phone)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"twilio_sid":"CA123","livekit_room_id":"room-9"}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL+"/", "secret", WithRetry(fastRetry()))
	p, err := g.PlaceCall(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "CA123", p.TwilioSID)
	assert.Equal(t, "room-9", p.RoomID)
	assert.True(t, g.Available())
}

func TestGateway_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"twilio_sid":"CA1"}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "", WithRetry(fastRetry()))
	p, err := g.PlaceCall(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "CA1", p.TwilioSID)
	assert.Equal(t, int32(3), hits.Load())
}

func TestGateway_RetryReusesIdempotencyKey(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(IdempotencyHeader))
		first := len(keys) == 1
		mu.Unlock()

		if first {
			// The gateway saw the request but the response never arrives.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"twilio_sid":"CA7"}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "", WithRetry(fastRetry()))
	p, err := g.PlaceCall(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "CA7", p.TwilioSID)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(keys), 2)
	for _, k := range keys {
		assert.Equal(t, "call-1", k)
	}
}

func TestGateway_RejectionNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid number"}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "", WithRetry(fastRetry()))
	_, err := g.PlaceCall(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid number")
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, g.Available(), "rejections do not trip the breaker")
}

func TestGateway_BreakerOpens(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "",
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
		WithBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}),
	)
	for range 2 {
		_, err := g.PlaceCall(context.Background(), testRequest())
		require.Error(t, err)
	}
	assert.False(t, g.Available())

	_, err := g.PlaceCall(context.Background(), testRequest())
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, int32(2), hits.Load())
}

func TestGateway_EmptyPlacement(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewGateway(srv.URL, "", WithRetry(fastRetry())).PlaceCall(context.Background(), testRequest())
	require.Error(t, err)
}
