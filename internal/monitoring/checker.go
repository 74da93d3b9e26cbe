package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/config"
)

// Checker runs periodic queue checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting queue checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects stats once and sends any alerts. It returns the number of
// alerts triggered.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	stats, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect stats", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Evaluate(stats)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered",
			zap.Int("queued", stats.Queued),
			zap.Int("active", stats.Active),
			zap.Int("pending_reviews", stats.PendingReviews),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return len(alerts)
}
