package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

// QueueStats is a point-in-time view of the call queue and review backlog.
type QueueStats struct {
	Queued         int `json:"queued"`
	Active         int `json:"active"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	Voicemail      int `json:"voicemail"`
	Unreconciled   int `json:"unreconciled"`
	PendingReviews int `json:"pending_reviews"`
	// MaxConcurrent is the configured cap on active calls.
	MaxConcurrent int `json:"max_concurrent"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers queue statistics from the store.
type Collector struct {
	store         store.Reader
	maxConcurrent int
	now           func() time.Time
}

// NewCollector creates a new stats collector.
func NewCollector(st store.Reader, maxConcurrent int) *Collector {
	return &Collector{store: st, maxConcurrent: maxConcurrent, now: time.Now}
}

// Collect gathers a snapshot of the queue.
func (c *Collector) Collect(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		MaxConcurrent: c.maxConcurrent,
		CollectedAt:   c.now().UTC(),
	}

	counts := []struct {
		dst      *int
		statuses []model.CallStatus
	}{
		{&stats.Queued, []model.CallStatus{model.CallQueued}},
		{&stats.Active, activeDialing()},
		{&stats.Completed, []model.CallStatus{model.CallCompleted}},
		{&stats.Failed, []model.CallStatus{model.CallFailed}},
		{&stats.Voicemail, []model.CallStatus{model.CallVoicemail}},
	}
	for _, q := range counts {
		n, err := c.store.CountCalls(ctx, q.statuses...)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count calls")
		}
		*q.dst = n
	}

	unreconciled, err := c.store.ListCalls(ctx, store.CallFilter{
		Statuses:     []model.CallStatus{model.CallCompleted},
		Unreconciled: true,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list unreconciled")
	}
	stats.Unreconciled = len(unreconciled)

	pending, err := c.store.CountUpdates(ctx, model.UpdatePending)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending updates")
	}
	stats.PendingReviews = pending

	return stats, nil
}

// activeDialing lists the statuses that occupy a telephony slot.
func activeDialing() []model.CallStatus {
	return []model.CallStatus{model.CallDispatched, model.CallRinging, model.CallConnected, model.CallInProgress}
}
