package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// UpdateStatus is the review state of a DataUpdate.
type UpdateStatus string

const (
	UpdatePending  UpdateStatus = "pending"
	UpdateApproved UpdateStatus = "approved"
	UpdateRejected UpdateStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s UpdateStatus) Valid() bool {
	return s == UpdatePending || s == UpdateApproved || s == UpdateRejected
}

// DataUpdate is a proposed change to one field of one specialist, sourced
// from one call.
type DataUpdate struct {
	ID              string       `json:"id"`
	CallID          string       `json:"call_id"`
	SpecialistID    string       `json:"specialist_id"`
	FieldName       string       `json:"field_name"`
	OldValue        Value        `json:"old_value"`
	NewValue        Value        `json:"new_value"`
	ConfidenceScore float64      `json:"confidence_score"`
	RequiresReview  bool         `json:"requires_review"`
	Status          UpdateStatus `json:"status"`
	ReviewedAt      *time.Time   `json:"reviewed_at,omitempty"`
	ReviewedBy      string       `json:"reviewed_by,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// NewDataUpdate builds a pending update. requires_review is derived from the
// confidence and threshold.
func NewDataUpdate(callID, specialistID, field string, oldValue, newValue Value, confidence, threshold float64) (*DataUpdate, error) {
	if err := ValidateConfidence(confidence); err != nil {
		return nil, err
	}
	if callID == "" || specialistID == "" || field == "" {
		return nil, eris.Wrap(ErrValidation, "data update requires call, specialist and field")
	}
	return &DataUpdate{
		CallID:          callID,
		SpecialistID:    specialistID,
		FieldName:       field,
		OldValue:        oldValue,
		NewValue:        newValue,
		ConfidenceScore: confidence,
		RequiresReview:  confidence < threshold,
		Status:          UpdatePending,
	}, nil
}

// ValidateConfidence rejects scores outside [0,1]. NaN is rejected too.
func ValidateConfidence(c float64) error {
	if !(c >= 0 && c <= 1) {
		return eris.Wrapf(ErrValidation, "confidence %v outside [0,1]", c)
	}
	return nil
}

// IsTerminal reports whether the update has been reviewed.
func (u *DataUpdate) IsTerminal() bool {
	return u.Status != UpdatePending
}
