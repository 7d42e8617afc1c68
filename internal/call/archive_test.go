package call

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestArchive(t *testing.T) *Archive {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	a, err := NewArchive(db)
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	return a
}

func TestArchiveRecordAndRecent(t *testing.T) {
	a := setupTestArchive(t)

	now := time.Now()
	rec := Record{
		ID:          "call-1",
		Tool:        "demo.echo",
		Args:        map[string]any{"msg": "hi"},
		Status:      StatusSuccess,
		Result:      `{"msg":"hi"}`,
		CreatedAt:   now,
		StartedAt:   now,
		CompletedAt: now.Add(5 * time.Millisecond),
		DurationMs:  5,
	}
	if err := a.Record(rec); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	got, err := a.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent() len = %d, want 1", len(got))
	}
	if got[0].ID != "call-1" || got[0].Status != StatusSuccess {
		t.Errorf("Recent()[0] = %+v, want recorded call", got[0])
	}
	if got[0].Args["msg"] != "hi" {
		t.Errorf("Args round-trip = %v, want msg=hi", got[0].Args)
	}
	if got[0].DurationMs != 5 {
		t.Errorf("DurationMs = %d, want 5", got[0].DurationMs)
	}
}

func TestArchiveRecentFilterByTool(t *testing.T) {
	a := setupTestArchive(t)

	base := time.Now()
	for i, tool := range []string{"demo.echo", "util.current_time", "demo.echo"} {
		rec := Record{
			ID:        string(rune('a' + i)),
			Tool:      tool,
			Status:    StatusError,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := a.Record(rec); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	got, err := a.Recent("demo.echo", 10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(demo.echo) len = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("Recent(demo.echo) order = [%s %s], want [c a]", got[0].ID, got[1].ID)
	}
}

func TestArchiveReplaceOnDuplicateID(t *testing.T) {
	a := setupTestArchive(t)

	rec := Record{ID: "dup", Tool: "demo.echo", Status: StatusError, CreatedAt: time.Now()}
	if err := a.Record(rec); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	rec.Status = StatusSuccess
	if err := a.Record(rec); err != nil {
		t.Fatalf("Record() replace error: %v", err)
	}

	got, _ := a.Recent("", 10)
	if len(got) != 1 || got[0].Status != StatusSuccess {
		t.Errorf("Recent() = %+v, want single replaced record", got)
	}
}

func TestNilArchiveIsNoop(t *testing.T) {
	var a *Archive
	if err := a.Record(Record{ID: "x"}); err != nil {
		t.Errorf("nil Archive Record() error: %v", err)
	}
	recs, err := a.Recent("", 10)
	if err != nil || recs != nil {
		t.Errorf("nil Archive Recent() = %v, %v; want nil, nil", recs, err)
	}
}
