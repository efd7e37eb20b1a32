package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/parquet-sync/internal/synerrors"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDiscoverFiltersByDBSchemaAndTable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_1_prod_public_casts.sql", "CREATE TABLE casts();")
	writeFile(t, dir, "1_2_prod_public_reactions.sql", "CREATE TABLE reactions();")
	writeFile(t, dir, "2_1_all_public_anything.sql", "CREATE TABLE shared();")
	writeFile(t, dir, "3_1_other_public_casts.sql", "CREATE TABLE other_casts();")
	writeFile(t, dir, "not-a-migration.sql", "garbage")

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := New(db, "prod", "public", "myschema", []string{"casts"}, nil)
	files, err := m.Discover(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "1_1_prod_public_casts.sql", files[0].Name)
	assert.Equal(t, "2_1_all_public_anything.sql", files[1].Name)
}

func TestDiscoverOrdersByNumThenSubAsIntegers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "10_1_all_public_x.sql", "SELECT 1;")
	writeFile(t, dir, "2_1_all_public_x.sql", "SELECT 1;")
	writeFile(t, dir, "2_10_all_public_x.sql", "SELECT 1;")
	writeFile(t, dir, "2_2_all_public_x.sql", "SELECT 1;")

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := New(db, "prod", "public", "myschema", nil, nil)
	files, err := m.Discover(dir)
	require.NoError(t, err)
	require.Len(t, files, 4)
	assert.Equal(t, "2_1_all_public_x.sql", files[0].Name)
	assert.Equal(t, "2_2_all_public_x.sql", files[1].Name)
	assert.Equal(t, "2_10_all_public_x.sql", files[2].Name)
	assert.Equal(t, "10_1_all_public_x.sql", files[3].Name)
}

func TestDiscoverReturnsNoMigrationsWhenTablesConfiguredButNoneMatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_1_other_public_nothing.sql", "SELECT 1;")

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := New(db, "prod", "public", "myschema", []string{"casts"}, nil)
	_, err = m.Discover(dir)
	assert.ErrorIs(t, err, synerrors.ErrNoMigrations)
}

func TestApplySubstitutesPostgresSchemaAndExecutesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "1_1_all_public_x.sql", "CREATE SCHEMA IF NOT EXISTS ${POSTGRES_SCHEMA};")
	writeFile(t, dir, "1_2_all_public_x.sql", "CREATE TABLE ${POSTGRES_SCHEMA}.casts();")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS myschema;`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE myschema\.casts\(\);`).WillReturnResult(sqlmock.NewResult(0, 0))

	m := New(db, "prod", "public", "myschema", nil, nil)
	require.NoError(t, m.Apply(dir))
	require.NoError(t, mock.ExpectationsWereMet())
}
