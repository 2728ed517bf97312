package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/schedule"
	logx "cadence/pkg/logx"
)

func TestLoadAllMissingFile(t *testing.T) {
	t.Parallel()
	s := New(filepath.Join(t.TempDir(), "schedules.json"), logx.Nop())
	got := s.LoadAll()
	if got == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %d entries", len(got))
	}
}

func TestLoadAllCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedules.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(path, logx.Nop())
	if got := s.LoadAll(); len(got) != 0 {
		t.Fatalf("corrupt file should read as empty, got %d entries", len(got))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "schedules.json")
	s := New(path, logx.Nop())

	in := []schedule.Schedule{
		{
			ID:             schedule.NewID(),
			Mode:           "agent",
			Kind:           schedule.KindCron,
			CronExpression: "0 * * * *",
			Active:         true,
			CreatedAt:      time.Now().UTC().Truncate(time.Second),
		},
		{
			ID:     schedule.NewID(),
			Mode:   "agent",
			Kind:   schedule.KindOneTime,
			Active: false,
		},
	}
	if err := s.SaveAll(in); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	out := s.LoadAll()
	if len(out) != 2 {
		t.Fatalf("got %d entries, want 2", len(out))
	}
	if out[0].ID != in[0].ID || out[0].CronExpression != "0 * * * *" {
		t.Fatalf("first entry mismatch: %+v", out[0])
	}
	if out[1].Active {
		t.Fatal("explicit inactive flag lost")
	}
	// Normalize ran at the load boundary.
	if out[1].Interaction != schedule.InteractWait {
		t.Fatalf("Interaction = %q, want wait default", out[1].Interaction)
	}

	// No stray tmp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}
}

func TestLegacyFileWithoutActiveField(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedules.json")
	raw := `{"schedules":[{"id":"old","mode":"agent","scheduleKind":"cron","cronExpression":"0 * * * *"}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(path, logx.Nop())
	out := s.LoadAll()
	if len(out) != 1 {
		t.Fatalf("got %d entries, want 1", len(out))
	}
	if !out[0].Active {
		t.Fatal("pre-active-field record should default to active")
	}
}

func TestUnchangedTracksOwnWrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedules.json")
	s := New(path, logx.Nop())
	if err := s.SaveAll(nil); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s.unchanged(data) {
		t.Fatal("own write should be recognized as unchanged")
	}
	if s.unchanged([]byte(`{"schedules":[]} `)) {
		t.Fatal("different bytes should not be unchanged")
	}
}
