package model

import (
	"encoding/json"
	"time"
)

// EntityType names the kind of entity an audit entry refers to.
type EntityType string

const (
	EntitySpecialist EntityType = "specialist"
	EntityCall       EntityType = "call"
	EntityUpdate     EntityType = "update"
)

// AuditAction names what happened to the entity.
type AuditAction string

const (
	ActionCreate           AuditAction = "create"
	ActionUpdate           AuditAction = "update"
	ActionDelete           AuditAction = "delete"
	ActionVerify           AuditAction = "verify"
	ActionTransition       AuditAction = "transition"
	ActionApprove          AuditAction = "approve"
	ActionReject           AuditAction = "reject"
	ActionAutoApprove      AuditAction = "auto_approve"
	ActionPermanentFailure AuditAction = "permanent_failure"
	ActionDefer            AuditAction = "defer"
)

// Valid reports whether a is a known action.
func (a AuditAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionVerify, ActionTransition,
		ActionApprove, ActionReject, ActionAutoApprove, ActionPermanentFailure, ActionDefer:
		return true
	}
	return false
}

// SystemActor is recorded when no actor is supplied.
const SystemActor = "system"

// AuditChanges holds the before and after snapshots.
type AuditChanges struct {
	Old json.RawMessage `json:"old,omitempty"`
	New json.RawMessage `json:"new,omitempty"`
}

// AuditEntry is an immutable fact about something that happened to an entity.
// Entities are referenced weakly by type and id.
type AuditEntry struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Action     AuditAction  `json:"action"`
	Actor      string       `json:"actor"`
	Changes    AuditChanges `json:"changes"`
}
