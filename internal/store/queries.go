package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/het0814/SD-voice-ai-service/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn abstracts the driver behind a pool or an open transaction.
type conn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rowIter, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
}

// dialect captures the differences between Postgres and SQLite that leak
// into otherwise shared SQL.
type dialect struct {
	name         string
	forUpdate    string
	offsetOnly   string // LIMIT clause required before a bare OFFSET
	timeArg      func(time.Time) any
	scanTime     func(*time.Time) any
	scanNullTime func(**time.Time) any
}

func (d dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// queries implements Reader and Tx over a conn.
type queries struct {
	c conn
	d dialect
}

var activeStatusList = quoteStatuses(model.ActiveCallStatuses())

func quoteStatuses(statuses []model.CallStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = "'" + string(s) + "'"
	}
	return strings.Join(parts, ", ")
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// argList accumulates positional arguments and hands out $N placeholders.
type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func (d dialect) pageClause(args *argList, limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		b.WriteString(" LIMIT " + args.add(limit))
	}
	if offset > 0 {
		if limit <= 0 {
			b.WriteString(d.offsetOnly)
		}
		b.WriteString(" OFFSET " + args.add(offset))
	}
	return b.String()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// --- Specialists ---

const specialistColumns = `id, npi, name, specialty, clinic_name, phone, address, city, state, zip_code,
	is_verified, last_verified_at, next_verification_due_at, current_data, created_at, updated_at`

func (q *queries) scanSpecialist(row rowScanner) (*model.Specialist, error) {
	var (
		s    model.Specialist
		npi  *string
		data []byte
	)
	if err := row.Scan(
		&s.ID, &npi, &s.Name, &s.Specialty, &s.ClinicName, &s.Phone,
		&s.Address, &s.City, &s.State, &s.ZipCode,
		&s.IsVerified,
		q.d.scanNullTime(&s.LastVerifiedAt),
		q.d.scanNullTime(&s.NextVerificationDueAt),
		&data,
		q.d.scanTime(&s.CreatedAt),
		q.d.scanTime(&s.UpdatedAt),
	); err != nil {
		return nil, err
	}
	if npi != nil {
		s.NPI = *npi
	}
	s.CurrentData = model.FieldMap{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.CurrentData); err != nil {
			return nil, eris.Wrapf(err, "%s: decode current_data for %s", q.d.name, s.ID)
		}
		if s.CurrentData == nil {
			s.CurrentData = model.FieldMap{}
		}
	}
	return &s, nil
}

func (q *queries) getSpecialist(ctx context.Context, id string, lock bool) (*model.Specialist, error) {
	query := `SELECT ` + specialistColumns + ` FROM specialists WHERE id = $1`
	if lock {
		query += q.d.forUpdate
	}
	s, err := q.scanSpecialist(q.c.queryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "specialist %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "%s: get specialist %s", q.d.name, id)
	}
	return s, nil
}

func (q *queries) GetSpecialist(ctx context.Context, id string) (*model.Specialist, error) {
	return q.getSpecialist(ctx, id, false)
}

func (q *queries) LockSpecialist(ctx context.Context, id string) (*model.Specialist, error) {
	return q.getSpecialist(ctx, id, true)
}

func (q *queries) listSpecialists(ctx context.Context, query string, args ...any) ([]model.Specialist, error) {
	rows, err := q.c.query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: list specialists", q.d.name)
	}
	defer rows.Close()

	var out []model.Specialist
	for rows.Next() {
		s, err := q.scanSpecialist(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: scan specialist", q.d.name)
		}
		out = append(out, *s)
	}
	return out, eris.Wrapf(rows.Err(), "%s: iterate specialists", q.d.name)
}

func (q *queries) ListSpecialists(ctx context.Context, f SpecialistFilter) ([]model.Specialist, error) {
	var (
		args  argList
		conds []string
	)
	if f.Specialty != "" {
		conds = append(conds, "lower(specialty) = lower("+args.add(f.Specialty)+")")
	}
	if f.VerifiedOnly {
		conds = append(conds, "is_verified = "+args.add(true))
	}
	query := `SELECT ` + specialistColumns + ` FROM specialists` + whereClause(conds) +
		` ORDER BY name, id` + q.d.pageClause(&args, f.Limit, f.Offset)
	return q.listSpecialists(ctx, query, args...)
}

func (q *queries) DueSpecialists(ctx context.Context, now time.Time, limit int) ([]model.Specialist, error) {
	var args argList
	query := `SELECT ` + specialistColumns + ` FROM specialists
		WHERE (next_verification_due_at IS NULL OR next_verification_due_at <= ` + args.add(q.d.timeArg(now)) + `)
		AND NOT EXISTS (
			SELECT 1 FROM verification_calls c
			WHERE c.specialist_id = specialists.id AND c.status IN (` + activeStatusList + `)
		)
		ORDER BY next_verification_due_at NULLS FIRST, id` + q.d.pageClause(&args, limit, 0)
	return q.listSpecialists(ctx, query, args...)
}

func (q *queries) InsertSpecialist(ctx context.Context, s *model.Specialist) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CurrentData == nil {
		s.CurrentData = model.FieldMap{}
	}
	data, err := json.Marshal(s.CurrentData)
	if err != nil {
		return eris.Wrap(err, "store: marshal current_data")
	}
	var npi any
	if s.NPI != "" {
		npi = s.NPI
	}
	_, err = q.c.exec(ctx,
		`INSERT INTO specialists (`+specialistColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, npi, s.Name, s.Specialty, s.ClinicName, s.Phone,
		s.Address, s.City, s.State, s.ZipCode,
		s.IsVerified, q.d.nullTimeArg(s.LastVerifiedAt), q.d.nullTimeArg(s.NextVerificationDueAt),
		string(data), q.d.timeArg(s.CreatedAt), q.d.timeArg(s.UpdatedAt),
	)
	return eris.Wrapf(err, "%s: insert specialist %s", q.d.name, s.ID)
}

func (q *queries) UpdateSpecialist(ctx context.Context, s *model.Specialist) error {
	data, err := json.Marshal(s.CurrentData)
	if err != nil {
		return eris.Wrap(err, "store: marshal current_data")
	}
	var npi any
	if s.NPI != "" {
		npi = s.NPI
	}
	n, err := q.c.exec(ctx,
		`UPDATE specialists SET npi = $1, name = $2, specialty = $3, clinic_name = $4, phone = $5,
			address = $6, city = $7, state = $8, zip_code = $9, is_verified = $10,
			last_verified_at = $11, next_verification_due_at = $12, current_data = $13, updated_at = $14
		WHERE id = $15`,
		npi, s.Name, s.Specialty, s.ClinicName, s.Phone,
		s.Address, s.City, s.State, s.ZipCode, s.IsVerified,
		q.d.nullTimeArg(s.LastVerifiedAt), q.d.nullTimeArg(s.NextVerificationDueAt),
		string(data), q.d.timeArg(s.UpdatedAt), s.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "%s: update specialist %s", q.d.name, s.ID)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "specialist %s", s.ID)
	}
	return nil
}

func (q *queries) DeleteSpecialist(ctx context.Context, id string) error {
	n, err := q.c.exec(ctx, `DELETE FROM specialists WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "%s: delete specialist %s", q.d.name, id)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "specialist %s", id)
	}
	return nil
}

// --- Calls ---

const callColumns = `id, specialist_id, status, direction, twilio_sid, livekit_room_id,
	started_at, ended_at, duration_seconds, transcript, recording_url, retry_count, failure_reason,
	scheduled_for, reconciled_at, lease_owner, lease_token, lease_expires_at, created_at, updated_at`

func (q *queries) scanCall(row rowScanner) (*model.VerificationCall, error) {
	var (
		c         model.VerificationCall
		status    string
		direction string
	)
	if err := row.Scan(
		&c.ID, &c.SpecialistID, &status, &direction, &c.TwilioSID, &c.LiveKitRoomID,
		q.d.scanNullTime(&c.StartedAt), q.d.scanNullTime(&c.EndedAt), &c.DurationSeconds,
		&c.Transcript, &c.RecordingURL, &c.RetryCount, &c.FailureReason,
		q.d.scanTime(&c.ScheduledFor), q.d.scanNullTime(&c.ReconciledAt),
		&c.LeaseOwner, &c.LeaseToken, q.d.scanNullTime(&c.LeaseExpiresAt),
		q.d.scanTime(&c.CreatedAt), q.d.scanTime(&c.UpdatedAt),
	); err != nil {
		return nil, err
	}
	c.Status = model.CallStatus(status)
	c.Direction = model.CallDirection(direction)
	return &c, nil
}

func (q *queries) getCall(ctx context.Context, id string, lock bool) (*model.VerificationCall, error) {
	query := `SELECT ` + callColumns + ` FROM verification_calls WHERE id = $1`
	if lock {
		query += q.d.forUpdate
	}
	c, err := q.scanCall(q.c.queryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "call %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "%s: get call %s", q.d.name, id)
	}
	return c, nil
}

func (q *queries) GetCall(ctx context.Context, id string) (*model.VerificationCall, error) {
	return q.getCall(ctx, id, false)
}

func (q *queries) LockCall(ctx context.Context, id string) (*model.VerificationCall, error) {
	return q.getCall(ctx, id, true)
}

func (q *queries) ListCalls(ctx context.Context, f CallFilter) ([]model.VerificationCall, error) {
	var (
		args  argList
		conds []string
	)
	if f.SpecialistID != "" {
		conds = append(conds, "specialist_id = "+args.add(f.SpecialistID))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = args.add(string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Unreconciled {
		conds = append(conds, "reconciled_at IS NULL")
	}
	if f.ScheduledBy != nil {
		conds = append(conds, "scheduled_for <= "+args.add(q.d.timeArg(*f.ScheduledBy)))
	}
	order := " ORDER BY scheduled_for, created_at, id"
	if f.Newest {
		order = " ORDER BY created_at DESC, id DESC"
	}
	query := `SELECT ` + callColumns + ` FROM verification_calls` + whereClause(conds) +
		order + q.d.pageClause(&args, f.Limit, f.Offset)

	rows, err := q.c.query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: list calls", q.d.name)
	}
	defer rows.Close()

	var out []model.VerificationCall
	for rows.Next() {
		c, err := q.scanCall(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: scan call", q.d.name)
		}
		out = append(out, *c)
	}
	return out, eris.Wrapf(rows.Err(), "%s: iterate calls", q.d.name)
}

func (q *queries) ActiveCall(ctx context.Context, specialistID string) (*model.VerificationCall, error) {
	c, err := q.scanCall(q.c.queryRow(ctx,
		`SELECT `+callColumns+` FROM verification_calls
		WHERE specialist_id = $1 AND status IN (`+activeStatusList+`)
		ORDER BY created_at DESC LIMIT 1`,
		specialistID,
	))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "%s: active call for %s", q.d.name, specialistID)
	}
	return c, nil
}

func (q *queries) CountCalls(ctx context.Context, statuses ...model.CallStatus) (int, error) {
	var (
		args  argList
		conds []string
	)
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, s := range statuses {
			ph[i] = args.add(string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	var n int
	err := q.c.queryRow(ctx, `SELECT COUNT(*) FROM verification_calls`+whereClause(conds), args...).Scan(&n)
	return n, eris.Wrapf(err, "%s: count calls", q.d.name)
}

func (q *queries) InsertCall(ctx context.Context, c *model.VerificationCall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Direction == "" {
		c.Direction = model.DirectionOutbound
	}
	_, err := q.c.exec(ctx,
		`INSERT INTO verification_calls (`+callColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		c.ID, c.SpecialistID, string(c.Status), string(c.Direction), c.TwilioSID, c.LiveKitRoomID,
		q.d.nullTimeArg(c.StartedAt), q.d.nullTimeArg(c.EndedAt), c.DurationSeconds,
		c.Transcript, c.RecordingURL, c.RetryCount, c.FailureReason,
		q.d.timeArg(c.ScheduledFor), q.d.nullTimeArg(c.ReconciledAt),
		c.LeaseOwner, c.LeaseToken, q.d.nullTimeArg(c.LeaseExpiresAt),
		q.d.timeArg(c.CreatedAt), q.d.timeArg(c.UpdatedAt),
	)
	return eris.Wrapf(err, "%s: insert call %s", q.d.name, c.ID)
}

func (q *queries) UpdateCall(ctx context.Context, c *model.VerificationCall) error {
	n, err := q.c.exec(ctx,
		`UPDATE verification_calls SET status = $1, twilio_sid = $2, livekit_room_id = $3,
			started_at = $4, ended_at = $5, duration_seconds = $6, transcript = $7, recording_url = $8,
			retry_count = $9, failure_reason = $10, scheduled_for = $11, reconciled_at = $12,
			lease_owner = $13, lease_token = $14, lease_expires_at = $15, updated_at = $16
		WHERE id = $17`,
		string(c.Status), c.TwilioSID, c.LiveKitRoomID,
		q.d.nullTimeArg(c.StartedAt), q.d.nullTimeArg(c.EndedAt), c.DurationSeconds,
		c.Transcript, c.RecordingURL, c.RetryCount, c.FailureReason,
		q.d.timeArg(c.ScheduledFor), q.d.nullTimeArg(c.ReconciledAt),
		c.LeaseOwner, c.LeaseToken, q.d.nullTimeArg(c.LeaseExpiresAt),
		q.d.timeArg(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "%s: update call %s", q.d.name, c.ID)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "call %s", c.ID)
	}
	return nil
}

// --- Data updates ---

const updateColumns = `id, call_id, specialist_id, field_name, old_value, new_value, confidence_score,
	requires_review, status, reviewed_at, reviewed_by, rejection_reason, created_at`

func (q *queries) scanUpdate(row rowScanner) (*model.DataUpdate, error) {
	var (
		u        model.DataUpdate
		oldValue []byte
		newValue []byte
		status   string
	)
	if err := row.Scan(
		&u.ID, &u.CallID, &u.SpecialistID, &u.FieldName, &oldValue, &newValue, &u.ConfidenceScore,
		&u.RequiresReview, &status, q.d.scanNullTime(&u.ReviewedAt), &u.ReviewedBy, &u.RejectionReason,
		q.d.scanTime(&u.CreatedAt),
	); err != nil {
		return nil, err
	}
	u.Status = model.UpdateStatus(status)
	if len(oldValue) > 0 {
		if err := u.OldValue.UnmarshalJSON(oldValue); err != nil {
			return nil, err
		}
	}
	if len(newValue) > 0 {
		if err := u.NewValue.UnmarshalJSON(newValue); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func (q *queries) getUpdate(ctx context.Context, id string, lock bool) (*model.DataUpdate, error) {
	query := `SELECT ` + updateColumns + ` FROM data_updates WHERE id = $1`
	if lock {
		query += q.d.forUpdate
	}
	u, err := q.scanUpdate(q.c.queryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "update %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "%s: get update %s", q.d.name, id)
	}
	return u, nil
}

func (q *queries) GetUpdate(ctx context.Context, id string) (*model.DataUpdate, error) {
	return q.getUpdate(ctx, id, false)
}

func (q *queries) LockUpdate(ctx context.Context, id string) (*model.DataUpdate, error) {
	return q.getUpdate(ctx, id, true)
}

func (q *queries) ListUpdates(ctx context.Context, f UpdateFilter) ([]model.DataUpdate, error) {
	var (
		args  argList
		conds []string
	)
	if f.SpecialistID != "" {
		conds = append(conds, "specialist_id = "+args.add(f.SpecialistID))
	}
	if f.CallID != "" {
		conds = append(conds, "call_id = "+args.add(f.CallID))
	}
	if f.FieldName != "" {
		conds = append(conds, "field_name = "+args.add(f.FieldName))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+args.add(string(f.Status)))
	}
	query := `SELECT ` + updateColumns + ` FROM data_updates` + whereClause(conds) +
		` ORDER BY created_at DESC, id` + q.d.pageClause(&args, f.Limit, f.Offset)

	rows, err := q.c.query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: list updates", q.d.name)
	}
	defer rows.Close()

	var out []model.DataUpdate
	for rows.Next() {
		u, err := q.scanUpdate(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: scan update", q.d.name)
		}
		out = append(out, *u)
	}
	return out, eris.Wrapf(rows.Err(), "%s: iterate updates", q.d.name)
}

func (q *queries) CountUpdates(ctx context.Context, status model.UpdateStatus) (int, error) {
	var (
		args  argList
		conds []string
	)
	if status != "" {
		conds = append(conds, "status = "+args.add(string(status)))
	}
	var n int
	err := q.c.queryRow(ctx, `SELECT COUNT(*) FROM data_updates`+whereClause(conds), args...).Scan(&n)
	return n, eris.Wrapf(err, "%s: count updates", q.d.name)
}

func (q *queries) InsertUpdate(ctx context.Context, u *model.DataUpdate) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if err := model.ValidateConfidence(u.ConfidenceScore); err != nil {
		return err
	}
	_, err := q.c.exec(ctx,
		`INSERT INTO data_updates (`+updateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, u.CallID, u.SpecialistID, u.FieldName, u.OldValue.String(), u.NewValue.String(),
		u.ConfidenceScore, u.RequiresReview, string(u.Status), q.d.nullTimeArg(u.ReviewedAt),
		u.ReviewedBy, u.RejectionReason, q.d.timeArg(u.CreatedAt),
	)
	return eris.Wrapf(err, "%s: insert update %s", q.d.name, u.ID)
}

func (q *queries) UpdateUpdate(ctx context.Context, u *model.DataUpdate) error {
	n, err := q.c.exec(ctx,
		`UPDATE data_updates SET status = $1, reviewed_at = $2, reviewed_by = $3, rejection_reason = $4
		WHERE id = $5 AND status = 'pending'`,
		string(u.Status), q.d.nullTimeArg(u.ReviewedAt), u.ReviewedBy, u.RejectionReason, u.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "%s: review update %s", q.d.name, u.ID)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrAlreadyReviewed, "update %s", u.ID)
	}
	return nil
}

// --- Audit ---

func (q *queries) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return eris.Wrap(err, "store: marshal audit changes")
	}
	_, err = q.c.exec(ctx,
		`INSERT INTO audit_log (id, occurred_at, entity_type, entity_id, action, actor, changes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, q.d.timeArg(e.Timestamp), string(e.EntityType), e.EntityID, string(e.Action), e.Actor, string(changes),
	)
	return eris.Wrapf(err, "%s: append audit %s/%s", q.d.name, e.EntityType, e.EntityID)
}

func (q *queries) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditEntry, error) {
	var (
		args  argList
		conds []string
	)
	if f.EntityType != "" {
		conds = append(conds, "entity_type = "+args.add(string(f.EntityType)))
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = "+args.add(f.EntityID))
	}
	if f.Action != "" {
		conds = append(conds, "action = "+args.add(string(f.Action)))
	}
	query := `SELECT id, occurred_at, entity_type, entity_id, action, actor, changes FROM audit_log` +
		whereClause(conds) + ` ORDER BY seq` + q.d.pageClause(&args, f.Limit, 0)

	rows, err := q.c.query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: list audit", q.d.name)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e          model.AuditEntry
			entityType string
			action     string
			changes    []byte
		)
		if err := rows.Scan(&e.ID, q.d.scanTime(&e.Timestamp), &entityType, &e.EntityID, &action, &e.Actor, &changes); err != nil {
			return nil, eris.Wrapf(err, "%s: scan audit", q.d.name)
		}
		e.EntityType = model.EntityType(entityType)
		e.Action = model.AuditAction(action)
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, eris.Wrapf(err, "%s: decode audit changes", q.d.name)
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrapf(rows.Err(), "%s: iterate audit", q.d.name)
}
