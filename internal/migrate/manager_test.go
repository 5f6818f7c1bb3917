package migrate

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatementsKeepsFunctionBodies(t *testing.T) {
	stmts := splitStatements(`create table a (x text default 'a;b');
create function f() returns trigger as $$
begin
	raise exception 'no';
end;
$$ language plpgsql;
select 1`)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "'a;b'")
	assert.Contains(t, stmts[1], "raise exception 'no';\nend;\n$$ language plpgsql;")
	assert.Equal(t, "\nselect 1", stmts[2])
}

func TestBundledMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(Migrations(), ".up.sql")
	require.NoError(t, err)
	downs, err := collectSQL(Migrations(), ".down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
	assert.Equal(t, "0001_audit_entries.up.sql", ups[0])
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	files := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (id int); create index b_idx on b (id);")},
		"0002_b.down.sql": {Data: []byte("drop table b;")},
	}
	m := NewManager(db, WithFS(files), WithClock(func() time.Time { return now }))

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_b.up.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
	}
	m := NewManager(db, WithFS(files), WithMigrationsTable("guard_migrations"))

	mock.ExpectExec("create table if not exists guard_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from guard_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from guard_migrations").WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := m.Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0001_a.up.sql", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err = NewManager(db).Down(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
