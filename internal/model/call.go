package model

import (
	"time"
)

// CallStatus is the lifecycle state of a verification call. The string
// values are part of the persisted wire contract.
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallDispatched CallStatus = "dispatched"
	CallRinging    CallStatus = "ringing"
	CallConnected  CallStatus = "connected"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallVoicemail  CallStatus = "voicemail"
)

// callTransitions lists every legal forward edge.
var callTransitions = map[CallStatus][]CallStatus{
	CallQueued:     {CallDispatched},
	CallDispatched: {CallRinging, CallFailed, CallVoicemail},
	CallRinging:    {CallConnected, CallFailed, CallVoicemail},
	CallConnected:  {CallInProgress, CallFailed, CallVoicemail},
	CallInProgress: {CallCompleted, CallFailed, CallVoicemail},
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	switch s {
	case CallQueued, CallDispatched, CallRinging, CallConnected,
		CallInProgress, CallCompleted, CallFailed, CallVoicemail:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s CallStatus) IsTerminal() bool {
	return s == CallCompleted || s == CallFailed || s == CallVoicemail
}

// ActiveCallStatuses are the non-terminal states.
func ActiveCallStatuses() []CallStatus {
	return []CallStatus{CallQueued, CallDispatched, CallRinging, CallConnected, CallInProgress}
}

// CanTransition reports whether from -> to is an edge of the call state machine.
func CanTransition(from, to CallStatus) bool {
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CallDirection is the direction of a verification call.
type CallDirection string

const (
	DirectionOutbound CallDirection = "outbound"
	DirectionInbound  CallDirection = "inbound"
)

// VerificationCall is one attempt to reach and verify a specialist.
type VerificationCall struct {
	ID              string        `json:"id"`
	SpecialistID    string        `json:"specialist_id"`
	Status          CallStatus    `json:"status"`
	Direction       CallDirection `json:"direction"`
	TwilioSID       string        `json:"twilio_sid,omitempty"`
	LiveKitRoomID   string        `json:"livekit_room_id,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds *int          `json:"duration_seconds,omitempty"`
	Transcript      string        `json:"transcript,omitempty"`
	RecordingURL    string        `json:"recording_url,omitempty"`
	RetryCount      int           `json:"retry_count"`
	FailureReason   string        `json:"failure_reason,omitempty"`

	// ScheduledFor delays dispatch of retry attempts.
	ScheduledFor time.Time  `json:"scheduled_for"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lease is the exclusive right to drive one call's transitions.
type Lease struct {
	CallID    string    `json:"call_id"`
	Owner     string    `json:"owner"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaseFree reports whether a new owner may take the lease at now.
func (c *VerificationCall) LeaseFree(now time.Time) bool {
	return c.LeaseToken == "" || c.LeaseExpiresAt == nil || !c.LeaseExpiresAt.After(now)
}

// HoldsLease reports whether l is the live lease on c at now.
func (c *VerificationCall) HoldsLease(l Lease, now time.Time) bool {
	return c.LeaseToken != "" && c.LeaseToken == l.Token &&
		c.LeaseExpiresAt != nil && c.LeaseExpiresAt.After(now)
}

// ClearLease drops the lease, used on terminal transitions.
func (c *VerificationCall) ClearLease() {
	c.LeaseOwner = ""
	c.LeaseToken = ""
	c.LeaseExpiresAt = nil
}

// Finish stamps ended_at and a duration consistent with started_at. A call
// that never connected has a duration of zero.
func (c *VerificationCall) Finish(at time.Time) {
	end := at
	if c.StartedAt != nil && end.Before(*c.StartedAt) {
		end = *c.StartedAt
	}
	c.EndedAt = &end
	d := 0
	if c.StartedAt != nil {
		d = int(end.Sub(*c.StartedAt) / time.Second)
	}
	c.DurationSeconds = &d
}
