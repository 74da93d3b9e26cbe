// Package audit appends immutable audit entries through the caller's
// transaction.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/het0814/SD-voice-ai-service/internal/model"
)

// Appender is the write half of a transaction. store.Tx satisfies it.
type Appender interface {
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
}

// Recorder builds audit entries. It never reads the log back.
type Recorder struct {
	now func() time.Time
}

// NewRecorder returns a Recorder using now as its clock. A nil clock means
// time.Now.
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now}
}

// Record appends one entry describing a state change. Snapshots may be any
// JSON-encodable value, pre-encoded json.RawMessage, or nil.
func (r *Recorder) Record(ctx context.Context, w Appender, entityType model.EntityType, entityID string,
	action model.AuditAction, actor string, oldSnap, newSnap any) error {
	if !action.Valid() {
		return eris.Wrapf(model.ErrValidation, "audit: unknown action %q", action)
	}
	oldRaw, err := snapshot(oldSnap)
	if err != nil {
		return eris.Wrapf(err, "audit: encode old snapshot for %s %s", entityType, entityID)
	}
	newRaw, err := snapshot(newSnap)
	if err != nil {
		return eris.Wrapf(err, "audit: encode new snapshot for %s %s", entityType, entityID)
	}
	if actor == "" {
		actor = model.SystemActor
	}
	e := &model.AuditEntry{
		Timestamp:  r.now().UTC(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Changes:    model.AuditChanges{Old: oldRaw, New: newRaw},
	}
	return eris.Wrapf(w.AppendAudit(ctx, e), "audit: append %s %s %s", action, entityType, entityID)
}

func snapshot(v any) (json.RawMessage, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return s, nil
	}
	return json.Marshal(v)
}
