package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/audit"
	"github.com/het0814/SD-voice-ai-service/internal/callflow"
	"github.com/het0814/SD-voice-ai-service/internal/directory"
	"github.com/het0814/SD-voice-ai-service/internal/extract"
	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/monitoring"
	"github.com/het0814/SD-voice-ai-service/internal/orchestrator"
	"github.com/het0814/SD-voice-ai-service/internal/reconcile"
	"github.com/het0814/SD-voice-ai-service/internal/resilience"
	"github.com/het0814/SD-voice-ai-service/internal/review"
	"github.com/het0814/SD-voice-ai-service/internal/store"
	"github.com/het0814/SD-voice-ai-service/internal/telephony"
	anthropicpkg "github.com/het0814/SD-voice-ai-service/pkg/anthropic"
)

// serviceEnv holds the store and every service built on it, shared by the
// serve, worker and operator commands.
type serviceEnv struct {
	Store        store.Store
	Registry     *model.FieldRegistry
	Directory    *directory.Service
	Machine      *callflow.Machine
	Reconciler   *reconcile.Reconciler // nil without an Anthropic key
	Review       *review.Service
	Orchestrator *orchestrator.Orchestrator
	Collector    *monitoring.Collector
	Alerter      *monitoring.Alerter
}

// Close releases resources held by the environment.
func (e *serviceEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens and migrates the store and
// wires the services. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*serviceEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	registry, err := loadRegistry(cfg.Verification.FieldsFile)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now
	rec := audit.NewRecorder(now)
	dir := directory.New(st, rec, registry, now)
	machine := callflow.New(st, dir, rec, machinePolicy(), now)

	env := &serviceEnv{
		Store:     st,
		Registry:  registry,
		Directory: dir,
		Machine:   machine,
		Review:    review.New(st, dir, rec, now),
		Collector: monitoring.NewCollector(st, cfg.Telephony.MaxConcurrentCalls),
		Alerter:   monitoring.NewAlerter(cfg.Monitoring),
	}

	// Keep the interface nil when no reconciler is configured.
	var rc orchestrator.Reconciler
	if cfg.Anthropic.Key != "" {
		env.Reconciler = reconcile.New(st, dir, rec, newExtractor(registry), reconcilePolicy(), now)
		rc = env.Reconciler
	} else {
		zap.L().Warn("VERIFY_ANTHROPIC_KEY not set, completed calls will wait for the process worker")
	}

	env.Orchestrator = orchestrator.New(st, machine, newDialer(), rc, env.Alerter, orchestratorConfig(), now)

	zap.L().Info("services ready",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.Int("fields", len(registry.Fields)),
	)
	return env, nil
}

func loadRegistry(path string) (*model.FieldRegistry, error) {
	if path == "" {
		return model.DefaultFieldRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read fields file %s", path)
	}
	registry, err := model.ParseFieldRegistry(data)
	if err != nil {
		return nil, eris.Wrapf(err, "parse fields file %s", path)
	}
	return registry, nil
}

func newExtractor(registry *model.FieldRegistry) *extract.Extractor {
	a := cfg.Anthropic
	client := anthropicpkg.NewClient(a.Key, a.BaseURL)
	return extract.New(client, extract.Config{
		Model:     a.Model,
		MaxTokens: int64(a.MaxTokens),
		Retry:     resilience.FromRetryConfig(a.MaxAttempts, a.InitialBackoffMs, a.MaxBackoffMs),
		Breaker:   resilience.FromCircuitConfig(a.BreakerThreshold, a.BreakerResetTimeoutS),
	}, registry)
}

func newDialer() telephony.Dialer {
	t := cfg.Telephony
	if t.GatewayURL == "" {
		zap.L().Warn("telephony.gateway_url not set, calls are simulated")
		return telephony.LogDialer{}
	}
	return telephony.NewGateway(t.GatewayURL, t.Token,
		telephony.WithRateLimit(t.DispatchRate),
		telephony.WithRetry(resilience.FromRetryConfig(t.MaxAttempts, t.InitialBackoffMs, t.MaxBackoffMs)),
		telephony.WithBreaker(resilience.FromCircuitConfig(t.BreakerThreshold, t.BreakerResetTimeoutS)),
	)
}

func machinePolicy() callflow.Policy {
	v := cfg.Verification
	return callflow.Policy{
		MaxRetryAttempts: v.MaxRetryAttempts,
		FailureBackoff:   time.Duration(v.FailureBackoffHours) * time.Hour,
		LeaseTTL:         time.Duration(v.LeaseTTLSecs) * time.Second,
		RetryVoicemail:   v.RetryVoicemail,
		RetryBaseDelay:   time.Duration(v.RetryBaseDelaySecs) * time.Second,
		RetryFactor:      v.RetryFactor,
	}
}

func reconcilePolicy() reconcile.Policy {
	v := cfg.Verification
	return reconcile.Policy{
		ReviewThreshold:  v.ReviewThreshold,
		AutoApprove:      v.AutoApprove,
		ReverifyInterval: time.Duration(v.ReverifyDays) * 24 * time.Hour,
	}
}

func orchestratorConfig() orchestrator.Config {
	s := cfg.Scheduler
	owner := s.Owner
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return orchestrator.Config{
		Owner:              owner,
		MaxConcurrentCalls: cfg.Telephony.MaxConcurrentCalls,
		DispatchRate:       cfg.Telephony.DispatchRate,
		SweepBatch:         s.SweepBatch,
		SweepConcurrency:   s.SweepConcurrency,
		ProcessBatch:       s.ProcessBatch,
		StaleAfter:         time.Duration(cfg.Telephony.StaleAfterMins) * time.Minute,
		ReconcileInline:    s.ReconcileInline,
	}
}
