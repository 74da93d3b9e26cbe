package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/het0814/SD-voice-ai-service/internal/resilience"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) {
		g.http = hc
	}
}

// WithRateLimit caps outbound dial requests per second.
func WithRateLimit(rps float64) Option {
	return func(g *Gateway) {
		if rps > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithRetry overrides the in-attempt retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *Gateway) {
		g.retry = cfg
	}
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(g *Gateway) {
		g.breakerCfg = cfg
	}
}

// Gateway is the HTTP client for the SIP/voice-agent gateway that bridges
// the telephony provider and the realtime media rooms.
type Gateway struct {
	baseURL    string
	token      string
	http       *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
}

// IdempotencyHeader carries the call id on placement requests.
const IdempotencyHeader = "Idempotency-Key"

// NewGateway creates a Gateway for baseURL authenticating with token.
func NewGateway(baseURL, token string, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(5, 5),
		retry:      resilience.DefaultRetryConfig(),
		breakerCfg: resilience.DefaultCircuitBreakerConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.retry.OnRetry = resilience.RetryLogger("telephony", "place_call")
	if g.breakerCfg.ShouldTrip == nil {
		g.breakerCfg.ShouldTrip = resilience.IsTransient
	}
	g.breaker = resilience.NewCircuitBreaker("telephony", g.breakerCfg)
	return g
}

// Available reports whether the gateway's circuit admits new calls.
func (g *Gateway) Available() bool {
	return g.breaker.State() != resilience.CircuitOpen
}

// PlaceCall asks the gateway to dial req.Phone and join the call to a new
// agent room. Transient failures are retried within the attempt; a
// rejection by the gateway is returned at once.
func (g *Gateway) PlaceCall(ctx context.Context, req Request) (*Placement, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "telephony: marshal request")
	}

	p, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*Placement, error) {
		return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Placement, error) {
			return g.post(ctx, req.CallID, body)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "telephony: place call %s", req.CallID)
	}

	zap.L().Info("telephony: call placed",
		zap.String("call_id", req.CallID),
		zap.String("twilio_sid", p.TwilioSID),
		zap.String("room_id", p.RoomID),
	)
	return p, nil
}

// post sends one placement attempt. Every attempt for a call carries the
// call id as its idempotency key so the gateway dials at most once.
func (g *Gateway) post(ctx context.Context, callID string, body []byte) (*Placement, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "telephony: rate limit wait")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "telephony: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(IdempotencyHeader, callID)
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "telephony: request failed"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "telephony: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := eris.Errorf("telephony: gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	var p Placement
	if err := json.Unmarshal(respBody, &p); err != nil {
		return nil, eris.Wrap(err, "telephony: decode placement")
	}
	if p.TwilioSID == "" && p.RoomID == "" {
		return nil, eris.New("telephony: gateway returned no session ids")
	}
	return &p, nil
}
