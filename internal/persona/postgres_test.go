package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return assign(r.data[r.idx-1], dest)
}

// assign copies row values into scan destinations.
func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
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

// personaRow builds a row in selectColumns order.
func personaRow(id, name string, age int, motivations []string) []any {
	mot, _ := json.Marshal(motivations)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []any{
		id, name, age, "designer", "Lisbon", "quote", "bio",
		mot, []byte(`["fees"]`), []byte(`[]`), "be brief", "https://avataaars.io/",
		ts, ts,
	}
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS personas") {
		t.Errorf("unexpected DDL: %s", gotSQL)
	}
}

func TestPostgresStore_MigrateError(t *testing.T) {
	t.Parallel()

	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}}
	err := NewPostgresStore(db).Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "persona: migrate") {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		gotArgs = args
		return &mockRow{scanFunc: func(dest ...any) error {
			return assign(personaRow("p1", "Maya", 34, []string{"save time"}), dest)
		}}
	}}

	d, err := NewPostgresStore(db).Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "p1" {
		t.Errorf("args = %v", gotArgs)
	}
	if d.ID != "p1" || d.Name != "Maya" || d.Age != 34 {
		t.Errorf("unexpected descriptor: %+v", d)
	}
	if len(d.Motivations) != 1 || d.Motivations[0] != "save time" {
		t.Errorf("Motivations = %v", d.Motivations)
	}
	if len(d.Frustrations) != 1 || d.Frustrations[0] != "fees" {
		t.Errorf("Frustrations = %v", d.Frustrations)
	}
	if len(d.Brands) != 0 {
		t.Errorf("Brands = %v, want empty", d.Brands)
	}
	if d.ChatInstructions != "be brief" {
		t.Errorf("ChatInstructions = %q", d.ChatInstructions)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStore(&mockDB{}).Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_GetBadJSON(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			row := personaRow("p1", "Maya", 34, nil)
			row[7] = []byte(`{not json`)
			return assign(row, dest)
		}}
	}}
	_, err := NewPostgresStore(db).Get(context.Background(), "p1")
	if err == nil || !strings.Contains(err.Error(), "unmarshal motivations") {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresStore_Put(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
		gotSQL, gotArgs = sql, args
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*time.Time) = created
			*dest[1].(*time.Time) = created
			return nil
		}}
	}}

	d := maya()
	d.Brands = nil
	if err := NewPostgresStore(db).Put(context.Background(), &d); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if d.ID == "" {
		t.Error("Put did not assign an ID")
	}
	if !d.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v", d.CreatedAt)
	}
	if !strings.Contains(gotSQL, "ON CONFLICT (id) DO UPDATE") {
		t.Errorf("Put is not an upsert: %s", gotSQL)
	}
	if len(gotArgs) != 12 {
		t.Fatalf("got %d args, want 12", len(gotArgs))
	}
	if gotArgs[0] != d.ID || gotArgs[1] != "Maya Chen" || gotArgs[2] != 34 {
		t.Errorf("identity args = %v", gotArgs[:3])
	}
	if string(gotArgs[7].([]byte)) != `["save time","look professional"]` {
		t.Errorf("motivations arg = %s", gotArgs[7])
	}
	if string(gotArgs[9].([]byte)) != `[]` {
		t.Errorf("nil brands should marshal as [], got %s", gotArgs[9])
	}
}

func TestPostgresStore_PutInvalid(t *testing.T) {
	t.Parallel()

	called := false
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		called = true
		return &mockRow{scanFunc: func(...any) error { return nil }}
	}}
	d := Descriptor{Age: -1}
	if err := NewPostgresStore(db).Put(context.Background(), &d); err == nil {
		t.Fatal("expected validation error")
	}
	if called {
		t.Error("invalid descriptor reached the database")
	}
}

func TestPostgresStore_PutDBError(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(...any) error { return errors.New("connection reset") }}
	}}
	d := Descriptor{ID: "p9", Name: "X"}
	err := NewPostgresStore(db).Put(context.Background(), &d)
	if err == nil || !strings.Contains(err.Error(), `persona: put "p9"`) {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresStore_Delete(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Delete(context.Background(), "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(gotArgs) != 1 || gotArgs[0] != "p1" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()

	rows := &mockRows{data: [][]any{
		personaRow("a", "Adam", 40, []string{"x"}),
		personaRow("b", "Zoe", 22, nil),
	}}
	db := &mockDB{queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "ORDER BY name") {
			t.Errorf("List query not ordered: %s", sql)
		}
		return rows, nil
	}}

	list, err := NewPostgresStore(db).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Adam" || list[1].Name != "Zoe" {
		t.Errorf("List = %+v", list)
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
}

func TestPostgresStore_ListErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		db      *mockDB
		wantErr string
	}{
		{
			name: "query error",
			db: &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return nil, errors.New("boom")
			}},
			wantErr: "persona: list: boom",
		},
		{
			name: "scan error",
			db: &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return &mockRows{data: [][]any{{}}, scanErr: errors.New("bad row")}, nil
			}},
			wantErr: "persona: list scan: bad row",
		},
		{
			name: "rows error",
			db: &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
				return &mockRows{err: errors.New("stream broke")}, nil
			}},
			wantErr: "persona: list: stream broke",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewPostgresStore(tc.db).List(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}
