package store

import (
	"context"
	"time"

	"github.com/het0814/SD-voice-ai-service/internal/model"
)

// SpecialistFilter specifies criteria for listing specialists.
type SpecialistFilter struct {
	Specialty    string `json:"specialty,omitempty"`
	VerifiedOnly bool   `json:"verified_only,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// CallFilter specifies criteria for listing verification calls.
type CallFilter struct {
	SpecialistID string             `json:"specialist_id,omitempty"`
	Statuses     []model.CallStatus `json:"statuses,omitempty"`
	// Unreconciled limits results to calls with no reconciled_at stamp.
	Unreconciled bool `json:"unreconciled,omitempty"`
	// ScheduledBy limits results to calls scheduled at or before the time.
	ScheduledBy *time.Time `json:"scheduled_by,omitempty"`
	// Newest orders by created_at descending instead of queue order.
	Newest bool `json:"newest,omitempty"`
	Limit  int  `json:"limit,omitempty"`
	Offset int  `json:"offset,omitempty"`
}

// UpdateFilter specifies criteria for listing data updates.
type UpdateFilter struct {
	SpecialistID string             `json:"specialist_id,omitempty"`
	CallID       string             `json:"call_id,omitempty"`
	FieldName    string             `json:"field_name,omitempty"`
	Status       model.UpdateStatus `json:"status,omitempty"`
	Limit        int                `json:"limit,omitempty"`
	Offset       int                `json:"offset,omitempty"`
}

// AuditFilter specifies criteria for reading the audit log.
type AuditFilter struct {
	EntityType model.EntityType  `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Action     model.AuditAction `json:"action,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// Reader holds the read operations available both on the store and inside a
// transaction. Single-row getters return model.ErrNotFound when absent.
type Reader interface {
	GetSpecialist(ctx context.Context, id string) (*model.Specialist, error)
	ListSpecialists(ctx context.Context, filter SpecialistFilter) ([]model.Specialist, error)
	// DueSpecialists returns specialists due at now with no active call.
	DueSpecialists(ctx context.Context, now time.Time, limit int) ([]model.Specialist, error)

	GetCall(ctx context.Context, id string) (*model.VerificationCall, error)
	ListCalls(ctx context.Context, filter CallFilter) ([]model.VerificationCall, error)
	// ActiveCall returns the specialist's non-terminal call, or nil.
	ActiveCall(ctx context.Context, specialistID string) (*model.VerificationCall, error)
	CountCalls(ctx context.Context, statuses ...model.CallStatus) (int, error)

	GetUpdate(ctx context.Context, id string) (*model.DataUpdate, error)
	ListUpdates(ctx context.Context, filter UpdateFilter) ([]model.DataUpdate, error)
	CountUpdates(ctx context.Context, status model.UpdateStatus) (int, error)

	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error)
}

// Tx is a unit of work. Lock* methods take a row lock held until commit.
type Tx interface {
	Reader

	LockSpecialist(ctx context.Context, id string) (*model.Specialist, error)
	InsertSpecialist(ctx context.Context, s *model.Specialist) error
	UpdateSpecialist(ctx context.Context, s *model.Specialist) error
	DeleteSpecialist(ctx context.Context, id string) error

	LockCall(ctx context.Context, id string) (*model.VerificationCall, error)
	InsertCall(ctx context.Context, c *model.VerificationCall) error
	UpdateCall(ctx context.Context, c *model.VerificationCall) error

	LockUpdate(ctx context.Context, id string) (*model.DataUpdate, error)
	InsertUpdate(ctx context.Context, u *model.DataUpdate) error
	// UpdateUpdate writes the review fields of a pending update. It fails
	// with model.ErrAlreadyReviewed when the row is no longer pending.
	UpdateUpdate(ctx context.Context, u *model.DataUpdate) error

	AppendAudit(ctx context.Context, e *model.AuditEntry) error
}

// Store defines the persistence interface for the verification service.
type Store interface {
	Reader

	// InTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
