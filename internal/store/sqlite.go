package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single one also serializes writers
	// instead of failing them with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as fixed-width UTC text so that string comparison
// in SQL orders them chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS zones (
	tenant_id                TEXT NOT NULL,
	id                       TEXT NOT NULL,
	name                     TEXT NOT NULL DEFAULT '',
	category                 TEXT NOT NULL,
	shape                    TEXT NOT NULL,
	active                   INTEGER NOT NULL DEFAULT 1,
	hysteresis_margin_meters REAL NOT NULL DEFAULT 0,
	group_ids                TEXT NOT NULL DEFAULT '[]',
	updated_at               TEXT NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS zone_states (
	tenant_id          TEXT NOT NULL,
	subject_id         TEXT NOT NULL,
	zone_id            TEXT NOT NULL,
	state              TEXT NOT NULL,
	last_transition_at TEXT NOT NULL,
	last_event_at      TEXT NOT NULL,
	last_sample_at     TEXT NOT NULL,
	PRIMARY KEY (tenant_id, subject_id, zone_id)
);

CREATE TABLE IF NOT EXISTS zone_events (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	subject_id            TEXT NOT NULL,
	zone_id               TEXT NOT NULL,
	zone_category         TEXT NOT NULL,
	event_type            TEXT NOT NULL,
	lat                   REAL NOT NULL,
	lon                   REAL NOT NULL,
	accuracy_meters       REAL,
	distance_meters       REAL NOT NULL,
	occurred_at           TEXT NOT NULL,
	attendance_applied_at TEXT,
	attendance_status     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS attendance_records (
	tenant_id       TEXT NOT NULL,
	subject_id      TEXT NOT NULL,
	group_id        TEXT NOT NULL,
	date            TEXT NOT NULL,
	status          TEXT NOT NULL,
	method          TEXT NOT NULL,
	marked_at       TEXT NOT NULL,
	note            TEXT NOT NULL DEFAULT '',
	source_event_id TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (tenant_id, subject_id, group_id, date)
);

CREATE TABLE IF NOT EXISTS group_memberships (
	tenant_id  TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	group_id   TEXT NOT NULL,
	PRIMARY KEY (tenant_id, subject_id, group_id)
);

CREATE TABLE IF NOT EXISTS pending_attendance (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	event_id       TEXT NOT NULL UNIQUE,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 5,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_zone_states_idle ON zone_states(state, last_sample_at);
CREATE INDEX IF NOT EXISTS idx_zone_events_subject ON zone_events(tenant_id, subject_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_pending_next_retry ON pending_attendance(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Zones

const sqliteUpsertZone = `INSERT INTO zones
	(tenant_id, id, name, category, shape, active, hysteresis_margin_meters, group_ids, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, id) DO UPDATE SET
		name = excluded.name, category = excluded.category, shape = excluded.shape,
		active = excluded.active, hysteresis_margin_meters = excluded.hysteresis_margin_meters,
		group_ids = excluded.group_ids, updated_at = excluded.updated_at
	WHERE excluded.updated_at >= zones.updated_at`

func (s *SQLiteStore) UpsertZones(ctx context.Context, zones []model.Zone) (int, error) {
	if len(zones) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert zones")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertZone)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert zone")
	}
	defer stmt.Close() //nolint:errcheck

	total := 0
	for _, z := range zones {
		cols, err := encodeZone(z)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite")
		}
		updated := z.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		res, err := stmt.ExecContext(ctx,
			z.TenantID, z.ID, z.Name, string(z.Category), string(cols.shape),
			z.Active, z.HysteresisMarginMeters, string(cols.groupIDs), formatTime(updated),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert zone %s/%s", z.TenantID, z.ID)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert zones")
	}
	return total, nil
}

func (s *SQLiteStore) ListZones(ctx context.Context, tenantID string) ([]model.Zone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, id, name, category, shape, active, hysteresis_margin_meters, group_ids, updated_at
		 FROM zones WHERE tenant_id = ? ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list zones")
	}
	defer rows.Close() //nolint:errcheck

	var zones []model.Zone
	for rows.Next() {
		var (
			z                 model.Zone
			shape, groups, at string
		)
		if err := rows.Scan(&z.TenantID, &z.ID, &z.Name, &z.Category, &shape,
			&z.Active, &z.HysteresisMarginMeters, &groups, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan zone")
		}
		if err := decodeZone(&z, []byte(shape), []byte(groups)); err != nil {
			return nil, eris.Wrap(err, "sqlite")
		}
		if z.UpdatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, eris.Wrap(rows.Err(), "sqlite: list zones iterate")
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM zones ORDER BY tenant_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tenants")
	}
	defer rows.Close() //nolint:errcheck
	return scanStrings(rows, "sqlite: list tenants")
}

// Zone states

func (s *SQLiteStore) SaveZoneState(ctx context.Context, st model.ZoneState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zone_states
		 (tenant_id, subject_id, zone_id, state, last_transition_at, last_event_at, last_sample_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, subject_id, zone_id) DO UPDATE SET
		   state = excluded.state, last_transition_at = excluded.last_transition_at,
		   last_event_at = excluded.last_event_at, last_sample_at = excluded.last_sample_at`,
		st.TenantID, st.SubjectID, st.ZoneID, string(st.State),
		formatTime(st.LastTransitionAt), formatTime(st.LastEventAt), formatTime(st.LastSampleAt),
	)
	return eris.Wrapf(err, "sqlite: save zone state %s/%s", st.SubjectID, st.ZoneID)
}

func (s *SQLiteStore) ListZoneStates(ctx context.Context, tenantID string) ([]model.ZoneState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, subject_id, zone_id, state, last_transition_at, last_event_at, last_sample_at
		 FROM zone_states WHERE tenant_id = ?`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list zone states")
	}
	defer rows.Close() //nolint:errcheck

	var states []model.ZoneState
	for rows.Next() {
		var st model.ZoneState
		var transition, event, sample string
		if err := rows.Scan(&st.TenantID, &st.SubjectID, &st.ZoneID, &st.State,
			&transition, &event, &sample); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan zone state")
		}
		if st.LastTransitionAt, err = parseTime(transition); err != nil {
			return nil, err
		}
		if st.LastEventAt, err = parseTime(event); err != nil {
			return nil, err
		}
		if st.LastSampleAt, err = parseTime(sample); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list zone states iterate")
}

func (s *SQLiteStore) DeleteIdleZoneStates(ctx context.Context, idleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM zone_states WHERE state = ? AND last_sample_at < ?`,
		string(model.StateOutside), formatTime(idleBefore),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete idle zone states")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Zone events

func (s *SQLiteStore) AppendZoneEvent(ctx context.Context, ev model.ZoneEvent) error {
	if ev.ID == "" {
		return eris.New("sqlite: append zone event: missing id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zone_events
		 (id, tenant_id, subject_id, zone_id, zone_category, event_type, lat, lon,
		  accuracy_meters, distance_meters, occurred_at, attendance_applied_at, attendance_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.SubjectID, ev.ZoneID, string(ev.ZoneCategory), string(ev.EventType),
		ev.Location.Lat, ev.Location.Lon, nullFloat(ev.AccuracyMeters), ev.DistanceMeters,
		formatTime(ev.OccurredAt), nullTime(ev.AttendanceAppliedAt), string(ev.AttendanceMark),
	)
	return eris.Wrapf(err, "sqlite: append zone event %s", ev.ID)
}

const sqliteEventColumns = `id, tenant_id, subject_id, zone_id, zone_category, event_type, lat, lon,
	accuracy_meters, distance_meters, occurred_at, attendance_applied_at, attendance_status`

func (s *SQLiteStore) GetZoneEvent(ctx context.Context, id string) (*model.ZoneEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM zone_events WHERE id = ?`, id)
	ev, err := scanZoneEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: zone event %s", id)
	}
	return ev, err
}

func (s *SQLiteStore) ListZoneEvents(ctx context.Context, filter EventFilter) ([]model.ZoneEvent, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []any{filter.TenantID}
	)
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.ZoneID != "" {
		where = append(where, "zone_id = ?")
		args = append(args, filter.ZoneID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM zone_events WHERE `+strings.Join(where, " AND ")+
			` ORDER BY occurred_at DESC, id LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list zone events")
	}
	defer rows.Close() //nolint:errcheck

	var events []model.ZoneEvent
	for rows.Next() {
		ev, err := scanZoneEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list zone events iterate")
}

func (s *SQLiteStore) MarkAttendance(ctx context.Context, eventID string, mark model.AttendanceMark, appliedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE zone_events SET attendance_status = ?, attendance_applied_at = ? WHERE id = ?`,
		string(mark), nullTime(appliedAt), eventID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark attendance %s", eventID)
	}
	return checkRowsAffected(res, "zone event", eventID)
}

// Attendance

// sqliteUpsertAttendance writes a decision unless an authoritative row
// already exists: a replaceable row is a non-manual ABSENT or a geofence
// mark captured later than the new one.
const sqliteUpsertAttendance = `INSERT INTO attendance_records
	(tenant_id, subject_id, group_id, date, status, method, marked_at, note, source_event_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, subject_id, group_id, date) DO UPDATE SET
		status = excluded.status, method = excluded.method, marked_at = excluded.marked_at,
		note = excluded.note, source_event_id = excluded.source_event_id, updated_at = excluded.updated_at
	WHERE (attendance_records.status = 'ABSENT' AND attendance_records.method <> 'MANUAL')
	   OR (attendance_records.method = 'GEOFENCE' AND excluded.marked_at < attendance_records.marked_at)`

func (s *SQLiteStore) UpsertAttendance(ctx context.Context, rec model.AttendanceRecord) (bool, error) {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	res, err := s.db.ExecContext(ctx, sqliteUpsertAttendance,
		rec.TenantID, rec.SubjectID, rec.GroupID, rec.Date, string(rec.Status), string(rec.Method),
		formatTime(rec.MarkedAt), rec.Note, rec.SourceEventID, formatTime(updated),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert attendance %s/%s/%s", rec.SubjectID, rec.GroupID, rec.Date)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetAttendance(ctx context.Context, tenantID, subjectID, groupID, date string) (*model.AttendanceRecord, error) {
	var (
		r                 model.AttendanceRecord
		marked, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, subject_id, group_id, date, status, method, marked_at, note, source_event_id, updated_at
		 FROM attendance_records WHERE tenant_id = ? AND subject_id = ? AND group_id = ? AND date = ?`,
		tenantID, subjectID, groupID, date,
	).Scan(&r.TenantID, &r.SubjectID, &r.GroupID, &r.Date, &r.Status, &r.Method,
		&marked, &r.Note, &r.SourceEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get attendance")
	}
	if r.MarkedAt, err = parseTime(marked); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// Group memberships

func (s *SQLiteStore) ListSubjectGroups(ctx context.Context, tenantID, subjectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM group_memberships WHERE tenant_id = ? AND subject_id = ? ORDER BY group_id`,
		tenantID, subjectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subject groups")
	}
	defer rows.Close() //nolint:errcheck
	return scanStrings(rows, "sqlite: list subject groups")
}

func (s *SQLiteStore) ReplaceGroupMemberships(ctx context.Context, tenantID string, members []model.GroupMembership) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin replace memberships")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_memberships WHERE tenant_id = ?`, tenantID); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear memberships")
	}
	inserted := 0
	for _, m := range members {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_memberships (tenant_id, subject_id, group_id) VALUES (?, ?, ?)`,
			tenantID, m.SubjectID, m.GroupID,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert membership %s/%s", m.SubjectID, m.GroupID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit memberships")
	}
	return inserted, nil
}

// Pending attendance

func (s *SQLiteStore) EnqueuePending(ctx context.Context, e resilience.PendingAttendance) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_attendance
		 (id, tenant_id, event_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		e.ID, e.TenantID, e.EventID, e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		formatTime(e.NextRetryAt), formatTime(e.CreatedAt), formatTime(e.LastFailedAt),
	)
	return eris.Wrapf(err, "sqlite: enqueue pending %s", e.EventID)
}

func (s *SQLiteStore) DuePending(ctx context.Context, filter resilience.PendingFilter) ([]resilience.PendingAttendance, error) {
	due := filter.DueAt
	if due.IsZero() {
		due = time.Now()
	}
	query := `SELECT id, tenant_id, event_id, error, error_type, retry_count, max_retries,
	                 next_retry_at, created_at, last_failed_at
	          FROM pending_attendance WHERE next_retry_at <= ?`
	args := []any{formatTime(due)}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due pending")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.PendingAttendance
	for rows.Next() {
		var e resilience.PendingAttendance
		var next, created, failed string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &next, &created, &failed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending")
		}
		if e.NextRetryAt, err = parseTime(next); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if e.LastFailedAt, err = parseTime(failed); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: due pending iterate")
}

func (s *SQLiteStore) IncrementPendingRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_attendance
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		formatTime(nextRetryAt), lastErr, formatTime(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment pending retry %s", id)
	}
	return checkRowsAffected(res, "pending entry", id)
}

func (s *SQLiteStore) RemovePending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_attendance WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove pending")
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_attendance`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanZoneEvent(row scannable) (*model.ZoneEvent, error) {
	var (
		ev       model.ZoneEvent
		accuracy sql.NullFloat64
		occurred string
		applied  sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.SubjectID, &ev.ZoneID, &ev.ZoneCategory, &ev.EventType,
		&ev.Location.Lat, &ev.Location.Lon, &accuracy, &ev.DistanceMeters, &occurred, &applied, &ev.AttendanceMark)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan zone event")
	}
	if accuracy.Valid {
		ev.AccuracyMeters = &accuracy.Float64
	}
	if ev.OccurredAt, err = parseTime(occurred); err != nil {
		return nil, err
	}
	if applied.Valid {
		at, err := parseTime(applied.String)
		if err != nil {
			return nil, err
		}
		ev.AttendanceAppliedAt = &at
	}
	return &ev, nil
}

func scanStrings(rows *sql.Rows, op string) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, op+": scan")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), op+": iterate")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
