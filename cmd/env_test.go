package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/config"
	"github.com/het0814/SD-voice-ai-service/internal/telephony"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// useTestConfig installs the default configuration with a temp SQLite file.
func useTestConfig(t *testing.T) {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "verify.db")
	c.Anthropic.Key = ""
	c.Telephony.GatewayURL = ""
	cfg = c
}

func TestInitStore_SQLite(t *testing.T) {
	useTestConfig(t)
	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	assert.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	useTestConfig(t)
	cfg.Store.Driver = "mysql"
	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_WithoutAnthropicKey(t *testing.T) {
	useTestConfig(t)
	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Reconciler)
	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Review)
	assert.NotEmpty(t, env.Registry.Fields)
}

func TestInitEnv_WithAnthropicKey(t *testing.T) {
	useTestConfig(t)
	cfg.Anthropic.Key = "test-key"
	env, err := initEnv(context.Background(), "worker")
	require.NoError(t, err)
	defer env.Close()
	assert.NotNil(t, env.Reconciler)
}

func TestInitEnv_ValidatesMode(t *testing.T) {
	useTestConfig(t)
	env, err := initEnv(context.Background(), "worker")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestServiceEnv_CloseNil(t *testing.T) {
	env := &serviceEnv{}
	assert.NotPanics(t, env.Close)
}

func TestLoadRegistry(t *testing.T) {
	reg, err := loadRegistry("")
	require.NoError(t, err)
	_, ok := reg.Lookup("accepting_new_patients")
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fields:\n  - name: Parking Available\n    kind: boolean\n"), 0o644))
	reg, err = loadRegistry(path)
	require.NoError(t, err)
	require.Len(t, reg.Fields, 1)
	_, ok = reg.Lookup("parking_available")
	assert.True(t, ok)

	_, err = loadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPoliciesFromConfig(t *testing.T) {
	useTestConfig(t)

	p := machinePolicy()
	assert.Equal(t, 3, p.MaxRetryAttempts)
	assert.Equal(t, 168*time.Hour, p.FailureBackoff)
	assert.Equal(t, 30*time.Second, p.RetryBaseDelay)
	assert.InDelta(t, 4.0, p.RetryFactor, 0.0001)

	rp := reconcilePolicy()
	assert.InDelta(t, 0.85, rp.ReviewThreshold, 0.0001)
	assert.False(t, rp.AutoApprove)
	assert.Equal(t, 90*24*time.Hour, rp.ReverifyInterval)

	oc := orchestratorConfig()
	assert.NotEmpty(t, oc.Owner)
	assert.Equal(t, 10, oc.MaxConcurrentCalls)
	assert.Equal(t, 30*time.Minute, oc.StaleAfter)

	cfg.Scheduler.Owner = "worker-1"
	assert.Equal(t, "worker-1", orchestratorConfig().Owner)
}

func TestNewDialer(t *testing.T) {
	useTestConfig(t)
	assert.IsType(t, telephony.LogDialer{}, newDialer())

	cfg.Telephony.GatewayURL = "http://gateway.local"
	assert.IsType(t, &telephony.Gateway{}, newDialer())
}

func TestBuildRouter_Health(t *testing.T) {
	useTestConfig(t)
	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	srv := httptest.NewServer(buildRouter(env))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
