package store

import (
	"context"
	"database/sql"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func sampleRecord(id string, created time.Time) Record {
	return Record{
		ID:            id,
		ClientID:      "client-" + id,
		Authenticated: true,
		Capabilities:  []string{"ui-request", "component:card"},
		CreatedAt:     created,
		LastActivity:  created,
		Metadata:      map[string]string{"ip": "127.0.0.1"},
	}
}

// exerciseStore runs the shared Store contract against any implementation.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	a := sampleRecord("a", base)
	b := sampleRecord("b", base.Add(time.Second))
	require.NoError(t, s.Set(ctx, a))
	require.NoError(t, s.Set(ctx, b))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, a.ClientID, got.ClientID)
	assert.True(t, got.Authenticated)
	assert.Equal(t, a.Capabilities, got.Capabilities)
	assert.Equal(t, a.Metadata, got.Metadata)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	a.LastActivity = base.Add(time.Hour)
	require.NoError(t, s.Set(ctx, a))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.LastActivity.Equal(a.LastActivity))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	n, err := s.CleanupBefore(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, "a"), "deleting twice is not an error")
}

func exerciseMessageLog(t *testing.T, l MessageLog) {
	t.Helper()
	ctx := context.Background()

	seen, err := l.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.MarkProcessed(ctx, "m1", time.Minute))
	seen, err = l.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)

	status, err := l.DeliveryStatus(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, status)

	require.NoError(t, l.SetDeliveryStatus(ctx, "m1", "delivered", time.Minute))
	status, err = l.DeliveryStatus(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "delivered", status)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
	exerciseMessageLog(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	rec := sampleRecord("a", time.Now())
	require.NoError(t, m.Set(ctx, rec))
	rec.Metadata["ip"] = "changed"

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", got.Metadata["ip"])
	got.Capabilities[0] = "changed"

	again, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "ui-request", again.Capabilities[0])
}

func TestMemoryMessageLogExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }

	require.NoError(t, m.MarkProcessed(ctx, "m1", time.Second))
	require.NoError(t, m.SetDeliveryStatus(ctx, "m1", "failed", time.Second))
	now = now.Add(2 * time.Second)

	seen, err := m.IsProcessed(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)
	status, err := m.DeliveryStatus(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, status)

	_, err = m.CleanupBefore(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, m.processed)
	assert.Empty(t, m.statuses)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// each connection to :memory: is its own database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLStoreSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLStore(ctx, openSQLite(t), DialectSQLite)
	require.NoError(t, err)
	exerciseStore(t, s)
	exerciseMessageLog(t, s)
}

func TestSQLStoreMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	_, err := NewSQLStore(ctx, db, DialectSQLite)
	require.NoError(t, err)
	_, err = NewSQLStore(ctx, db, DialectSQLite)
	require.NoError(t, err)

	_, err = NewSQLStore(ctx, db, Dialect("oracle"))
	assert.Error(t, err)
}

func TestSQLStorePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mup_sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS mup_sessions_activity").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mup_messages").WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	s, err := NewSQLStore(ctx, db, DialectPostgres)
	require.NoError(t, err)

	created := time.Unix(0, 1_700_000_000_000_000_000).UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `+sessionColumns+` FROM mup_sessions WHERE id = $1`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "authenticated", "capabilities", "metadata", "created_at", "last_activity"}).
			AddRow("s1", "c1", true, `["heartbeat"]`, `{"k":"v"}`, created.UnixNano(), created.UnixNano()))

	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ClientID)
	assert.Equal(t, []string{"heartbeat"}, rec.Capabilities)
	assert.Equal(t, map[string]string{"k": "v"}, rec.Metadata)
	assert.True(t, created.Equal(rec.CreatedAt))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM mup_sessions WHERE id = $1`)).
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)
	_, err = s.Get(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM mup_sessions WHERE id = $1`)).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(ctx, "s1"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBindRewritesPlaceholders(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "a = $1 AND b < $2", pg.bind("a = ? AND b < ?"))
	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "a = ?", lite.bind("a = ?"))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("MUP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MUP_TEST_REDIS_ADDR not set")
	}
	r := NewRedisStore(addr)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Ping(context.Background()))
	require.NoError(t, r.client.FlushDB(context.Background()).Err())

	exerciseStore(t, r)
	exerciseMessageLog(t, r)
}
