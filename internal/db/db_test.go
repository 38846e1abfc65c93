package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/featurefactory/internal/events"
)

// testDB connects to FACTORY_TEST_DATABASE_URL and resets the schema.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("FACTORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FACTORY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset test db: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestMigrateIdempotent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var version int
	if err := d.pool.QueryRow(ctx, "SELECT version FROM factory_schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}
}

func TestWriteEventTracksPipeline(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	id := uuid.NewString()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	writes := []events.Event{
		events.At(ts, events.PipelineCreatedData{Prompt: "build a todo app", TargetPath: "/tmp/app"}),
		events.At(ts.Add(time.Second), events.StatusChangedData{From: "qa", To: "exploring"}),
		events.At(ts.Add(2*time.Second), events.ProgressData{Message: "reading code"}),
	}
	for _, ev := range writes {
		if err := d.WriteEvent(ctx, id, ev); err != nil {
			t.Fatalf("write %s: %v", ev.Type, err)
		}
	}

	row, err := d.Pipeline(ctx, id)
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	if row == nil {
		t.Fatal("expected pipeline row")
	}
	if row.Prompt != "build a todo app" || row.Status != "exploring" {
		t.Errorf("unexpected row: %+v", row)
	}

	got, err := d.Events(ctx, id, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[2].Data["message"] != "reading code" {
		t.Errorf("unexpected data: %v", got[2].Data)
	}

	recent, err := d.Events(ctx, id, 1)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(recent) != 1 || recent[0].Type != string(events.Progress) {
		t.Errorf("expected the latest event only, got %+v", recent)
	}

	counts, err := d.EventCounts(ctx, id)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[string(events.StatusChanged)] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestPipelineMissing(t *testing.T) {
	d := testDB(t)
	row, err := d.Pipeline(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	if row != nil {
		t.Errorf("expected nil row, got %+v", row)
	}
}
