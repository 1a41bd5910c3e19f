package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/duckmesh/spice/internal/cache"
	"github.com/duckmesh/spice/internal/table"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), DBConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	if _, err := Open(context.Background(), DBConfig{DSN: "postgres://spice@%zz/cache"}); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestParseConnConfigSetsApplicationName(t *testing.T) {
	cases := []struct {
		name string
		cfg  DBConfig
		want string
	}{
		{name: "default", cfg: DBConfig{DSN: "postgres://spice@localhost:5432/cache"}, want: "spice"},
		{name: "configured", cfg: DBConfig{DSN: "postgres://spice@localhost:5432/cache", ApplicationName: "spice-migrate"}, want: "spice-migrate"},
		{name: "dsn wins", cfg: DBConfig{DSN: "postgres://spice@localhost:5432/cache?application_name=ops", ApplicationName: "spice-api"}, want: "ops"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			connConfig, err := parseConnConfig(tc.cfg)
			if err != nil {
				t.Fatalf("parseConnConfig() error = %v", err)
			}
			if got := connConfig.RuntimeParams["application_name"]; got != tc.want {
				t.Fatalf("application_name = %q, want %q", got, tc.want)
			}
		})
	}
}

func sampleEntry() cache.Entry {
	started := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	return cache.Entry{
		Key:                cache.Fingerprint{QueryID: 42}.Key(),
		QueryID:            42,
		ExecutionID:        "01HQ",
		ExecutionStartedAt: &started,
		StoredAt:           started.Add(time.Minute),
		Table: table.Table{
			Columns: []string{"n"},
			Types:   []table.Type{table.TypeInteger},
			Rows:    [][]any{{int64(7)}},
		},
	}
}

func TestSaveUpsertsEntry(t *testing.T) {
	db, mock := newSQLMock(t)
	entry := sampleEntry()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO result_cache (cache_key, query_id, metadata, payload, execution_id, execution_started_at, stored_at)`)).
		WithArgs(entry.Key.String(), int64(42), sqlmock.AnyArg(), sqlmock.AnyArg(), "01HQ", *entry.ExecutionStartedAt, entry.StoredAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := NewStore(db).Save(context.Background(), entry); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestLoadDecodesStoredRow(t *testing.T) {
	db, mock := newSQLMock(t)
	entry := sampleEntry()
	meta, payload, err := cache.EncodeEntry(entry)
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT metadata, payload`)).
		WithArgs(entry.Key.String()).
		WillReturnRows(sqlmock.NewRows([]string{"metadata", "payload"}).AddRow(meta, payload))

	got, err := NewStore(db).Load(context.Background(), entry.Key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ExecutionID != "01HQ" || got.Table.Rows[0][0] != int64(7) {
		t.Fatalf("entry = %+v", got)
	}
	assertSQLMock(t, mock)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	key := cache.Fingerprint{QueryID: 1}.Key()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT metadata, payload`)).
		WithArgs(key.String()).
		WillReturnError(sql.ErrNoRows)

	if _, err := NewStore(db).Load(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestSaveWrapsDatabaseError(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO result_cache`)).WillReturnError(errors.New("connection reset"))

	err := NewStore(db).Save(context.Background(), sampleEntry())
	if err == nil || !regexp.MustCompile(`save cache entry: connection reset`).MatchString(err.Error()) {
		t.Fatalf("Save() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
