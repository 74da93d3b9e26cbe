package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Specialist is a directory entry whose facts are periodically re-verified.
type Specialist struct {
	ID         string `json:"id"`
	NPI        string `json:"npi,omitempty"`
	Name       string `json:"name"`
	Specialty  string `json:"specialty"`
	ClinicName string `json:"clinic_name"`
	Phone      string `json:"phone"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	ZipCode    string `json:"zip_code,omitempty"`

	IsVerified            bool       `json:"is_verified"`
	LastVerifiedAt        *time.Time `json:"last_verified_at,omitempty"`
	NextVerificationDueAt *time.Time `json:"next_verification_due_at,omitempty"`

	CurrentData FieldMap `json:"current_data"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the required identity fields.
func (s *Specialist) Validate() error {
	var missing []string
	if strings.TrimSpace(s.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(s.Specialty) == "" {
		missing = append(missing, "specialty")
	}
	if strings.TrimSpace(s.ClinicName) == "" {
		missing = append(missing, "clinic_name")
	}
	if strings.TrimSpace(s.Phone) == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrValidation, "specialist missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// AcceptingNewPatients is the typed accessor for the most-verified field.
func (s *Specialist) AcceptingNewPatients() (bool, bool) {
	return s.CurrentData.Bool("accepting_new_patients")
}

// VerificationDue reports whether the specialist should be called at now.
// A specialist that was never scheduled is always due.
func (s *Specialist) VerificationDue(now time.Time) bool {
	return s.NextVerificationDueAt == nil || !s.NextVerificationDueAt.After(now)
}
