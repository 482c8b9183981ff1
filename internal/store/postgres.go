package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/geoattend/internal/db"
	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgSaveZoneState = `INSERT INTO zone_states
		(tenant_id, subject_id, zone_id, state, last_transition_at, last_event_at, last_sample_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, subject_id, zone_id) DO UPDATE SET
			state = EXCLUDED.state, last_transition_at = EXCLUDED.last_transition_at,
			last_event_at = EXCLUDED.last_event_at, last_sample_at = EXCLUDED.last_sample_at`

	pgAppendZoneEvent = `INSERT INTO zone_events
		(id, tenant_id, subject_id, zone_id, zone_category, event_type, lat, lon,
		 accuracy_meters, distance_meters, occurred_at, attendance_applied_at, attendance_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	// A replaceable row is a non-manual ABSENT or a geofence mark captured
	// later than the new one. Manual and excused marks are never overwritten.
	pgUpsertAttendance = `INSERT INTO attendance_records
		(tenant_id, subject_id, group_id, date, status, method, marked_at, note, source_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, subject_id, group_id, date) DO UPDATE SET
			status = EXCLUDED.status, method = EXCLUDED.method, marked_at = EXCLUDED.marked_at,
			note = EXCLUDED.note, source_event_id = EXCLUDED.source_event_id, updated_at = EXCLUDED.updated_at
		WHERE (attendance_records.status = 'ABSENT' AND attendance_records.method <> 'MANUAL')
		   OR (attendance_records.method = 'GEOFENCE' AND EXCLUDED.marked_at < attendance_records.marked_at)`

	pgListSubjectGroups = `SELECT group_id FROM group_memberships WHERE tenant_id = $1 AND subject_id = $2 ORDER BY group_id`

	pgEventColumns = `id, tenant_id, subject_id, zone_id, zone_category, event_type, lat, lon,
		accuracy_meters, distance_meters, occurred_at, attendance_applied_at, attendance_status`
)

// preparedStatements lists the per-sample hot path queries, prepared on
// each new connection.
var preparedStatements = map[string]string{
	"save_zone_state":     pgSaveZoneState,
	"append_zone_event":   pgAppendZoneEvent,
	"upsert_attendance":   pgUpsertAttendance,
	"list_subject_groups": pgListSubjectGroups,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS zones (
	tenant_id                TEXT NOT NULL,
	id                       TEXT NOT NULL,
	name                     TEXT NOT NULL DEFAULT '',
	category                 TEXT NOT NULL,
	shape                    JSONB NOT NULL,
	geom                     BYTEA,
	active                   BOOLEAN NOT NULL DEFAULT true,
	hysteresis_margin_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
	group_ids                JSONB NOT NULL DEFAULT '[]',
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS zone_states (
	tenant_id          TEXT NOT NULL,
	subject_id         TEXT NOT NULL,
	zone_id            TEXT NOT NULL,
	state              TEXT NOT NULL,
	last_transition_at TIMESTAMPTZ NOT NULL,
	last_event_at      TIMESTAMPTZ NOT NULL,
	last_sample_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, subject_id, zone_id)
);

CREATE TABLE IF NOT EXISTS zone_events (
	id                    TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	subject_id            TEXT NOT NULL,
	zone_id               TEXT NOT NULL,
	zone_category         TEXT NOT NULL,
	event_type            TEXT NOT NULL,
	lat                   DOUBLE PRECISION NOT NULL,
	lon                   DOUBLE PRECISION NOT NULL,
	accuracy_meters       DOUBLE PRECISION,
	distance_meters       DOUBLE PRECISION NOT NULL,
	occurred_at           TIMESTAMPTZ NOT NULL,
	attendance_applied_at TIMESTAMPTZ,
	attendance_status     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS attendance_records (
	tenant_id       TEXT NOT NULL,
	subject_id      TEXT NOT NULL,
	group_id        TEXT NOT NULL,
	date            TEXT NOT NULL,
	status          TEXT NOT NULL,
	method          TEXT NOT NULL,
	marked_at       TIMESTAMPTZ NOT NULL,
	note            TEXT NOT NULL DEFAULT '',
	source_event_id TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, subject_id, group_id, date)
);

CREATE TABLE IF NOT EXISTS group_memberships (
	tenant_id  TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	group_id   TEXT NOT NULL,
	PRIMARY KEY (tenant_id, subject_id, group_id)
);

CREATE TABLE IF NOT EXISTS pending_attendance (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id      TEXT NOT NULL,
	event_id       TEXT NOT NULL UNIQUE,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 5,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_zone_states_idle ON zone_states(state, last_sample_at);
CREATE INDEX IF NOT EXISTS idx_zone_events_subject ON zone_events(tenant_id, subject_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_pending_next_retry ON pending_attendance(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Zones

var zoneUpsertConfig = db.UpsertConfig{
	Table: "zones",
	Columns: []string{
		"tenant_id", "id", "name", "category", "shape", "geom",
		"active", "hysteresis_margin_meters", "group_ids", "updated_at",
	},
	ConflictKeys: []string{"tenant_id", "id"},
	UpdateWhere:  "EXCLUDED.updated_at >= zones.updated_at",
}

func (s *PostgresStore) UpsertZones(ctx context.Context, zones []model.Zone) (int, error) {
	rows := make([][]any, 0, len(zones))
	for _, z := range zones {
		cols, err := encodeZone(z)
		if err != nil {
			return 0, eris.Wrap(err, "postgres")
		}
		geomBytes, err := zoneEWKB(z)
		if err != nil {
			return 0, eris.Wrap(err, "postgres")
		}
		updated := z.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		rows = append(rows, []any{
			z.TenantID, z.ID, z.Name, string(z.Category), cols.shape, geomBytes,
			z.Active, z.HysteresisMarginMeters, cols.groupIDs, updated,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, zoneUpsertConfig, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert zones")
	}
	return int(n), nil
}

func (s *PostgresStore) ListZones(ctx context.Context, tenantID string) ([]model.Zone, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, id, name, category, shape, active, hysteresis_margin_meters, group_ids, updated_at
		 FROM zones WHERE tenant_id = $1 ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list zones")
	}
	defer rows.Close()

	var zones []model.Zone
	for rows.Next() {
		var z model.Zone
		var category string
		var shape, groups []byte
		if err := rows.Scan(&z.TenantID, &z.ID, &z.Name, &category, &shape,
			&z.Active, &z.HysteresisMarginMeters, &groups, &z.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan zone")
		}
		z.Category = model.ZoneCategory(category)
		if err := decodeZone(&z, shape, groups); err != nil {
			return nil, eris.Wrap(err, "postgres")
		}
		zones = append(zones, z)
	}
	return zones, eris.Wrap(rows.Err(), "postgres: list zones iterate")
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM zones ORDER BY tenant_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenants")
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return tenants, eris.Wrap(err, "postgres: list tenants collect")
}

// Zone states

func (s *PostgresStore) SaveZoneState(ctx context.Context, st model.ZoneState) error {
	_, err := s.pool.Exec(ctx, pgSaveZoneState,
		st.TenantID, st.SubjectID, st.ZoneID, string(st.State),
		st.LastTransitionAt, st.LastEventAt, st.LastSampleAt,
	)
	return eris.Wrapf(err, "postgres: save zone state %s/%s", st.SubjectID, st.ZoneID)
}

func (s *PostgresStore) ListZoneStates(ctx context.Context, tenantID string) ([]model.ZoneState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, subject_id, zone_id, state, last_transition_at, last_event_at, last_sample_at
		 FROM zone_states WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list zone states")
	}
	defer rows.Close()

	var states []model.ZoneState
	for rows.Next() {
		var st model.ZoneState
		var state string
		if err := rows.Scan(&st.TenantID, &st.SubjectID, &st.ZoneID, &state,
			&st.LastTransitionAt, &st.LastEventAt, &st.LastSampleAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan zone state")
		}
		st.State = model.PresenceState(state)
		states = append(states, st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list zone states iterate")
}

func (s *PostgresStore) DeleteIdleZoneStates(ctx context.Context, idleBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM zone_states WHERE state = $1 AND last_sample_at < $2`,
		string(model.StateOutside), idleBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete idle zone states")
	}
	return int(tag.RowsAffected()), nil
}

// Zone events

func (s *PostgresStore) AppendZoneEvent(ctx context.Context, ev model.ZoneEvent) error {
	if ev.ID == "" {
		return eris.New("postgres: append zone event: missing id")
	}
	_, err := s.pool.Exec(ctx, pgAppendZoneEvent,
		ev.ID, ev.TenantID, ev.SubjectID, ev.ZoneID, string(ev.ZoneCategory), string(ev.EventType),
		ev.Location.Lat, ev.Location.Lon, ev.AccuracyMeters, ev.DistanceMeters,
		ev.OccurredAt, ev.AttendanceAppliedAt, string(ev.AttendanceMark),
	)
	return eris.Wrapf(err, "postgres: append zone event %s", ev.ID)
}

func (s *PostgresStore) GetZoneEvent(ctx context.Context, id string) (*model.ZoneEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgEventColumns+` FROM zone_events WHERE id = $1`, id)
	ev, err := scanPgZoneEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: zone event %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get zone event")
	}
	return ev, nil
}

func (s *PostgresStore) ListZoneEvents(ctx context.Context, filter EventFilter) ([]model.ZoneEvent, error) {
	query := `SELECT ` + pgEventColumns + ` FROM zone_events WHERE tenant_id = $1`
	args := []any{filter.TenantID}
	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		query += fmt.Sprintf(` AND subject_id = $%d`, len(args))
	}
	if filter.ZoneID != "" {
		args = append(args, filter.ZoneID)
		query += fmt.Sprintf(` AND zone_id = $%d`, len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(` AND occurred_at >= $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY occurred_at DESC, id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list zone events")
	}
	defer rows.Close()

	var events []model.ZoneEvent
	for rows.Next() {
		ev, err := scanPgZoneEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan zone event")
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list zone events iterate")
}

func (s *PostgresStore) MarkAttendance(ctx context.Context, eventID string, mark model.AttendanceMark, appliedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE zone_events SET attendance_status = $1, attendance_applied_at = $2 WHERE id = $3`,
		string(mark), appliedAt, eventID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark attendance %s", eventID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "zone event %s", eventID)
	}
	return nil
}

// Attendance

func (s *PostgresStore) UpsertAttendance(ctx context.Context, rec model.AttendanceRecord) (bool, error) {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, pgUpsertAttendance,
		rec.TenantID, rec.SubjectID, rec.GroupID, rec.Date, string(rec.Status), string(rec.Method),
		rec.MarkedAt, rec.Note, rec.SourceEventID, updated,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert attendance %s/%s/%s", rec.SubjectID, rec.GroupID, rec.Date)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetAttendance(ctx context.Context, tenantID, subjectID, groupID, date string) (*model.AttendanceRecord, error) {
	var r model.AttendanceRecord
	var status, method string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, subject_id, group_id, date, status, method, marked_at, note, source_event_id, updated_at
		 FROM attendance_records WHERE tenant_id = $1 AND subject_id = $2 AND group_id = $3 AND date = $4`,
		tenantID, subjectID, groupID, date,
	).Scan(&r.TenantID, &r.SubjectID, &r.GroupID, &r.Date, &status, &method,
		&r.MarkedAt, &r.Note, &r.SourceEventID, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get attendance")
	}
	r.Status = model.AttendanceStatus(status)
	r.Method = model.AttendanceMethod(method)
	return &r, nil
}

// Group memberships

func (s *PostgresStore) ListSubjectGroups(ctx context.Context, tenantID, subjectID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, pgListSubjectGroups, tenantID, subjectID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subject groups")
	}
	groups, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return groups, eris.Wrap(err, "postgres: list subject groups collect")
}

func (s *PostgresStore) ReplaceGroupMemberships(ctx context.Context, tenantID string, members []model.GroupMembership) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin replace memberships")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM group_memberships WHERE tenant_id = $1`, tenantID); err != nil {
		return 0, eris.Wrap(err, "postgres: clear memberships")
	}

	seen := make(map[model.GroupMembership]bool, len(members))
	rows := make([][]any, 0, len(members))
	for _, m := range members {
		key := model.GroupMembership{TenantID: tenantID, SubjectID: m.SubjectID, GroupID: m.GroupID}
		if seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, []any{tenantID, m.SubjectID, m.GroupID})
	}
	if _, err := db.CopyFrom(ctx, tx, "group_memberships", []string{"tenant_id", "subject_id", "group_id"}, rows); err != nil {
		return 0, eris.Wrap(err, "postgres: copy memberships")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit memberships")
	}
	return len(rows), nil
}

// Pending attendance

func (s *PostgresStore) EnqueuePending(ctx context.Context, e resilience.PendingAttendance) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_attendance
		 (id, tenant_id, event_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (event_id) DO UPDATE SET
		   error = $4, error_type = $5, next_retry_at = $8, last_failed_at = $10`,
		e.ID, e.TenantID, e.EventID, e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue pending %s", e.EventID)
}

func (s *PostgresStore) DuePending(ctx context.Context, filter resilience.PendingFilter) ([]resilience.PendingAttendance, error) {
	due := filter.DueAt
	if due.IsZero() {
		due = time.Now().UTC()
	}
	query := `SELECT id, tenant_id, event_id, error, error_type, retry_count, max_retries,
	                 next_retry_at, created_at, last_failed_at
	          FROM pending_attendance WHERE next_retry_at <= $1`
	args := []any{due}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(` AND tenant_id = $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due pending")
	}
	defer rows.Close()

	var entries []resilience.PendingAttendance
	for rows.Next() {
		var e resilience.PendingAttendance
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: due pending iterate")
}

func (s *PostgresStore) IncrementPendingRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_attendance
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment pending retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "pending entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemovePending(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_attendance WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove pending")
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pending_attendance`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count pending")
}

func scanPgZoneEvent(row pgx.Row) (*model.ZoneEvent, error) {
	var ev model.ZoneEvent
	var category, eventType, mark string
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.SubjectID, &ev.ZoneID, &category, &eventType,
		&ev.Location.Lat, &ev.Location.Lon, &ev.AccuracyMeters, &ev.DistanceMeters,
		&ev.OccurredAt, &ev.AttendanceAppliedAt, &mark)
	if err != nil {
		return nil, err
	}
	ev.ZoneCategory = model.ZoneCategory(category)
	ev.EventType = model.EventType(eventType)
	ev.AttendanceMark = model.AttendanceMark(mark)
	return &ev, nil
}
