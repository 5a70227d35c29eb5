package pg

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/kumogo/internal/spool"
)

func setupPGSpoolTest(t *testing.T) (*Spool, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(db), mock, func() { db.Close() }
}

func TestMigrateCreatesTable(t *testing.T) {
	sp, mock, cleanup := setupPGSpoolTest(t)
	defer cleanup()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mta_spool").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), sp.db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndLoadMeta(t *testing.T) {
	sp, mock, cleanup := setupPGSpoolTest(t)
	defer cleanup()

	id := uuid.New()
	meta := []byte(`{"sender":"a@example.com"}`)

	mock.ExpectExec("INSERT INTO mta_spool").
		WithArgs(id, meta).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, sp.SaveMeta(context.Background(), id, meta))

	mock.ExpectQuery("SELECT meta FROM mta_spool").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"meta"}).AddRow(meta))
	got, err := sp.LoadMeta(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMetaNotFound(t *testing.T) {
	sp, mock, cleanup := setupPGSpoolTest(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT meta FROM mta_spool").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"meta"}))

	_, err := sp.LoadMeta(context.Background(), id)
	assert.ErrorIs(t, err, spool.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndLoadData(t *testing.T) {
	sp, mock, cleanup := setupPGSpoolTest(t)
	defer cleanup()

	id := uuid.New()
	data := []byte("Subject: hi\r\n\r\nbody")

	mock.ExpectExec("INSERT INTO mta_spool").
		WithArgs(id, data).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, sp.SaveData(context.Background(), id, data))

	mock.ExpectQuery("SELECT data FROM mta_spool").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))
	got, err := sp.LoadData(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove(t *testing.T) {
	sp, mock, cleanup := setupPGSpoolTest(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("DELETE FROM mta_spool").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, sp.Remove(context.Background(), id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnumerate(t *testing.T) {
	sp, mock, cleanup := setupPGSpoolTest(t)
	defer cleanup()

	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery("SELECT id FROM mta_spool").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a).AddRow(b))

	var seen []uuid.UUID
	err := sp.Enumerate(context.Background(), func(id uuid.UUID) error {
		seen = append(seen, id)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}
