package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatementsKeepsDollarBodies(t *testing.T) {
	src := `create table a (id int);
create function f() returns trigger as $$
begin
	raise exception 'no; really';
end;
$$ language plpgsql;
insert into a values (1);`
	stmts := splitStatements(src)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if want := "$$ language plpgsql;"; stmts[1][len(stmts[1])-len(want):] != want {
		t.Fatalf("function body split: %q", stmts[1])
	}
}

func TestSplitStatementsQuotedSemicolon(t *testing.T) {
	stmts := splitStatements(`insert into t values ('a;b'); select 1`)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %q", stmts)
	}
}

func TestReadDollarTag(t *testing.T) {
	cases := map[string]string{
		"$$ body":    "$$",
		"$fn$ body":  "$fn$",
		"$1, $2":     "",
		"$ x":        "",
		"$a1$ later": "$a1$",
	}
	for in, want := range cases {
		if got := readDollarTag(in); got != want {
			t.Fatalf("readDollarTag(%q) = %q, want %q", in, got, want)
		}
	}
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table a (id int);\ncreate table b (id int);\n")},
		"0001_init.down.sql": {Data: []byte("drop table b;\ndrop table a;\n")},
		"0002_more.up.sql":   {Data: []byte("alter table a add column name text;\n")},
	}
}

func TestUpAppliesPendingInOneTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a add column name text").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_more.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := NewManager(db, testFS()).Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_more.up.sql" {
		t.Fatalf("unexpected applied list: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by name").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_init.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := NewManager(db, testFS()).Down(context.Background())
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if name != "0001_init.up.sql" {
		t.Fatalf("unexpected rollback: %s", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStatusReportsPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by name").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	applied, pending, err := NewManager(db, testFS()).Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 || len(pending) != 1 || pending[0] != "0002_more.up.sql" {
		t.Fatalf("unexpected status: applied=%v pending=%v", applied, pending)
	}
}
