// Package telephony defines the boundary to the collaborator that places
// calls and reports their lifecycle.
package telephony

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/model"
)

// Request asks the collaborator to call a specialist's office.
type Request struct {
	CallID         string            `json:"call_id"`
	SpecialistID   string            `json:"specialist_id"`
	Phone          string            `json:"to"`
	SpecialistName string            `json:"specialist_name"`
	ClinicName     string            `json:"clinic_name"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewRequest builds the dial request for call c to specialist sp.
func NewRequest(c *model.VerificationCall, sp *model.Specialist) Request {
	return Request{
		CallID:         c.ID,
		SpecialistID:   sp.ID,
		Phone:          sp.Phone,
		SpecialistName: sp.Name,
		ClinicName:     sp.ClinicName,
		Metadata:       map[string]string{"specialty": sp.Specialty},
	}
}

// Placement identifies the session the collaborator opened.
type Placement struct {
	TwilioSID string `json:"twilio_sid"`
	RoomID    string `json:"livekit_room_id"`
}

// Dialer places outbound calls.
type Dialer interface {
	PlaceCall(ctx context.Context, req Request) (*Placement, error)
}

// EventKind is a lifecycle event reported by the collaborator.
type EventKind string

const (
	EventRinging    EventKind = "ringing"
	EventConnected  EventKind = "connected"
	EventInProgress EventKind = "in_progress"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventVoicemail  EventKind = "voicemail"
)

// Status maps the event to the call status it triggers.
func (k EventKind) Status() (model.CallStatus, bool) {
	switch k {
	case EventRinging:
		return model.CallRinging, true
	case EventConnected:
		return model.CallConnected, true
	case EventInProgress:
		return model.CallInProgress, true
	case EventCompleted:
		return model.CallCompleted, true
	case EventFailed:
		return model.CallFailed, true
	case EventVoicemail:
		return model.CallVoicemail, true
	}
	return "", false
}

// Event is one lifecycle notification for a call.
type Event struct {
	CallID       string    `json:"call_id"`
	Kind         EventKind `json:"kind"`
	TwilioSID    string    `json:"twilio_sid,omitempty"`
	RoomID       string    `json:"livekit_room_id,omitempty"`
	Transcript   string    `json:"transcript,omitempty"`
	RecordingURL string    `json:"recording_url,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at,omitempty"`
}

// Validate checks the fields every event needs.
func (e Event) Validate() error {
	if e.CallID == "" {
		return eris.Wrap(model.ErrValidation, "telephony: event without call_id")
	}
	if _, ok := e.Kind.Status(); !ok {
		return eris.Wrapf(model.ErrValidation, "telephony: unknown event kind %q", e.Kind)
	}
	return nil
}

// LogDialer accepts every call without dialing. It stands in for the
// gateway in local runs; lifecycle events are then posted by hand.
type LogDialer struct{}

// PlaceCall logs the request and returns synthetic session ids.
func (LogDialer) PlaceCall(_ context.Context, req Request) (*Placement, error) {
	p := &Placement{TwilioSID: "SIM" + uuid.NewString(), RoomID: "room-" + req.CallID}
	zap.L().Info("telephony: simulated call placed",
		zap.String("call_id", req.CallID),
		zap.String("specialist_id", req.SpecialistID),
		zap.String("twilio_sid", p.TwilioSID),
	)
	return p, nil
}
