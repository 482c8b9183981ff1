package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var zoneUpsert = UpsertConfig{
	Table:        "zones",
	Columns:      []string{"tenant_id", "id", "name", "updated_at"},
	ConflictKeys: []string{"tenant_id", "id"},
	UpdateWhere:  "EXCLUDED.updated_at >= zones.updated_at",
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, zoneUpsert, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "zones",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "zones",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_zones" \(LIKE "zones"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_zones"}, zoneUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "zones" .* ON CONFLICT \("tenant_id", "id"\) DO UPDATE SET "name" = EXCLUDED."name", "updated_at" = EXCLUDED."updated_at" WHERE EXCLUDED.updated_at >= zones.updated_at`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{{"t1", "campus", "Campus", nil}, {"t1", "gym", "Gym", nil}}
	n, err := BulkUpsert(context.Background(), mock, zoneUpsert, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_MergeError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_zones"}, zoneUpsert.Columns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO`).WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, zoneUpsert, [][]any{{"t1", "campus", "Campus", nil}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for zones")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"zones"`, sanitizeTable("zones"))
	assert.Equal(t, `"geoattend"."zones"`, sanitizeTable("geoattend.zones"))
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
