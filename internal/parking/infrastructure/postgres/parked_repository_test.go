package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestParkedRepository_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewParkedRepository(db, WithParkedTable("parked_measurements_it"))
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS parked_measurements_it")
	}()

	deviceID := "device-it-parked"
	other := "device-it-other"
	base := time.Now().UTC().Truncate(time.Second)

	// Insert out of timestamp order; listing must sort by event time.
	if err := repo.Park(ctx, deviceID, base.Add(2*time.Second), []byte(`{"seq":2}`)); err != nil {
		t.Fatalf("park: %v", err)
	}
	if err := repo.Park(ctx, deviceID, base, []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("park: %v", err)
	}
	if err := repo.Park(ctx, other, base, []byte(`{"seq":9}`)); err != nil {
		t.Fatalf("park other: %v", err)
	}

	rows, err := repo.ListPending(ctx, deviceID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[0].EventTS.Equal(base) || !rows[1].EventTS.Equal(base.Add(2*time.Second)) {
		t.Fatalf("rows not in event-timestamp order: %v, %v", rows[0].EventTS, rows[1].EventTS)
	}
	if string(rows[0].RawPayload) != `{"seq":1}` {
		t.Fatalf("unexpected payload %s", rows[0].RawPayload)
	}

	if err := repo.DeleteByIDs(ctx, []int64{rows[0].ID}); err != nil {
		t.Fatalf("delete by ids: %v", err)
	}
	remaining, err := repo.ListPending(ctx, deviceID)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != rows[1].ID {
		t.Fatalf("expected only row %d remaining, got %v", rows[1].ID, remaining)
	}

	if err := repo.DeleteAllForDevice(ctx, deviceID); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	// Idempotent on an already-empty backlog.
	if err := repo.DeleteAllForDevice(ctx, deviceID); err != nil {
		t.Fatalf("repeat delete all: %v", err)
	}

	empty, err := repo.ListPending(ctx, deviceID)
	if err != nil {
		t.Fatalf("list after purge: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty backlog, got %d rows", len(empty))
	}

	untouched, err := repo.ListPending(ctx, other)
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(untouched) != 1 {
		t.Fatalf("purge must not touch other devices, got %d rows", len(untouched))
	}
}

func TestParkedRepository_DeleteByIDsEmptyIsNoop(t *testing.T) {
	repo := NewParkedRepository(nil)
	if err := repo.DeleteByIDs(context.Background(), nil); err != nil {
		t.Fatalf("empty delete must not touch the db: %v", err)
	}
}
