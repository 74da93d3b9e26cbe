// Package storetest provides SQLite-backed store fixtures for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/het0814/SD-voice-ai-service/internal/model"
	"github.com/het0814/SD-voice-ai-service/internal/store"
)

// Epoch is the fixed clock reading used across fixtures.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// NewSQLite returns a migrated SQLite store in a temp directory.
func NewSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "verify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

// NewClock starts at Epoch.
func NewClock() *Clock { return &Clock{T: Epoch} }

// Now returns the current reading.
func (c *Clock) Now() time.Time { return c.T }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// InsertSpecialist stores a specialist with the given current data.
func InsertSpecialist(t *testing.T, st store.Store, name string, data model.FieldMap) *model.Specialist {
	t.Helper()
	s := &model.Specialist{
		Name:        name,
		Specialty:   "Cardiology",
		ClinicName:  name + " Clinic",
		Phone:       "+15555550100",
		CurrentData: data,
		CreatedAt:   Epoch,
		UpdatedAt:   Epoch,
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertSpecialist(context.Background(), s)
	}))
	return s
}

// InsertCall stores a call in the given status.
func InsertCall(t *testing.T, st store.Store, specialistID string, status model.CallStatus) *model.VerificationCall {
	t.Helper()
	c := &model.VerificationCall{
		SpecialistID: specialistID,
		Status:       status,
		Direction:    model.DirectionOutbound,
		ScheduledFor: Epoch,
		CreatedAt:    Epoch,
		UpdatedAt:    Epoch,
	}
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertCall(context.Background(), c)
	}))
	return c
}
