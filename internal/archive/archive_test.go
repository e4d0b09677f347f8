package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voicegate/pkg/provider/s2s"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

func (r *mockRows) Values() ([]any, error) { return nil, nil }

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMigrate_ExecutesSchema(t *testing.T) {
	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}}

	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS transcript_entries") {
		t.Errorf("Migrate did not execute the schema DDL, got: %s", gotSQL)
	}
}

func TestAppend_StoresFinalEntry(t *testing.T) {
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		if !strings.Contains(sql, "INSERT INTO transcript_entries") {
			t.Errorf("unexpected SQL: %s", sql)
		}
		gotArgs = args
		return pgconn.CommandTag{}, nil
	}}

	spoken := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	err := New(db).Append(context.Background(), "sess-1", s2s.TranscriptEntry{
		Role:      s2s.RoleAssistant,
		Text:      "Hello there.",
		Final:     true,
		Timestamp: spoken,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	want := []any{"sess-1", "assistant", "Hello there.", spoken}
	if len(gotArgs) != len(want) {
		t.Fatalf("Append args = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("arg[%d] = %v, want %v", i, gotArgs[i], want[i])
		}
	}
}

func TestAppend_RejectsPartialEntry(t *testing.T) {
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		t.Error("partial entry must not reach the database")
		return pgconn.CommandTag{}, nil
	}}

	err := New(db).Append(context.Background(), "sess-1", s2s.TranscriptEntry{
		Role: s2s.RoleUser,
		Text: "hel",
	})
	if err == nil {
		t.Fatal("Append accepted a partial entry")
	}
}

func TestAppend_SkipsEmptyText(t *testing.T) {
	called := false
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		called = true
		return pgconn.CommandTag{}, nil
	}}

	err := New(db).Append(context.Background(), "sess-1", s2s.TranscriptEntry{
		Role:  s2s.RoleUser,
		Final: true,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if called {
		t.Error("empty entry must not be written")
	}
}

func TestAppend_WrapsDatabaseError(t *testing.T) {
	dbErr := errors.New("connection refused")
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, dbErr
	}}

	err := New(db).Append(context.Background(), "sess-1", s2s.TranscriptEntry{
		Role: s2s.RoleUser, Text: "hi", Final: true,
	})
	if !errors.Is(err, dbErr) {
		t.Errorf("Append error = %v, want wrapped %v", err, dbErr)
	}
}

func TestHistory_ReturnsChronologicalEntries(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	rows := &mockRows{data: [][]any{
		{int64(1), "sess-1", "user", "hi", now, now},
		{int64(2), "sess-1", "assistant", "Hello there.", now.Add(time.Second), now.Add(time.Second)},
	}}
	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "ORDER BY spoken_at") {
			t.Errorf("query must order chronologically, got: %s", sql)
		}
		gotArgs = args
		return rows, nil
	}}

	entries, err := New(db).History(context.Background(), "sess-1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "sess-1" {
		t.Errorf("query args = %v, want [sess-1]", gotArgs)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Role != s2s.RoleUser || entries[0].Text != "hi" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Role != s2s.RoleAssistant || entries[1].Text != "Hello there." {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
}

func TestHistory_LimitUsesRecentWindow(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return &mockRows{}, nil
	}}

	if _, err := New(db).History(context.Background(), "sess-1", 5); err != nil {
		t.Fatalf("History: %v", err)
	}
	if !strings.Contains(gotSQL, "LIMIT $2") {
		t.Errorf("limited query must bound the window, got: %s", gotSQL)
	}
	if len(gotArgs) != 2 || gotArgs[1] != 5 {
		t.Errorf("query args = %v, want [sess-1 5]", gotArgs)
	}
}

func TestPurge_DeletesSession(t *testing.T) {
	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		if len(args) != 1 || args[0] != "sess-1" {
			t.Errorf("exec args = %v, want [sess-1]", args)
		}
		return pgconn.CommandTag{}, nil
	}}

	if err := New(db).Purge(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if !strings.Contains(gotSQL, "DELETE FROM transcript_entries") {
		t.Errorf("unexpected SQL: %s", gotSQL)
	}
}
