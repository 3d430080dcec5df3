package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/jobwatch/internal/bus"
	"github.com/basket/jobwatch/internal/persistence"
	"github.com/basket/jobwatch/internal/taskstatus"
)

func openStore(t *testing.T, b *bus.Bus) (*persistence.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobwatch.db")
	store, err := persistence.Open(path, b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestOpen_EnablesWALAndLedger(t *testing.T) {
	store, _ := openStore(t, nil)

	var mode string
	if err := store.DB().QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	var version int
	var checksum string
	if err := store.DB().QueryRow("SELECT version, checksum FROM schema_migrations;").Scan(&version, &checksum); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if version != 1 || checksum == "" {
		t.Fatalf("ledger = (%d, %q)", version, checksum)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	store, path := openStore(t, nil)
	if _, err := store.DB().Exec("UPDATE schema_migrations SET checksum = 'tampered';"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestEntities_UpsertGetList(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSnapshotChanged)
	defer b.Unsubscribe(sub)
	store, _ := openStore(t, b)
	ctx := context.Background()

	saved, err := store.UpsertEntity(ctx, persistence.Entity{
		Type:   taskstatus.EntityDataset,
		ID:     "7",
		Status: "processing",
		Fields: map[string]any{"rows": float64(10)},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if saved.Status != "processing" || saved.Fields["rows"] != float64(10) {
		t.Fatalf("saved = %+v", saved)
	}

	select {
	case ev := <-sub.Ch():
		changed, ok := ev.Payload.(bus.SnapshotChanged)
		if !ok || changed.EntityID != "7" || changed.Status != "processing" {
			t.Fatalf("unexpected bus payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("snapshot.changed not published")
	}

	if _, err := store.UpsertEntity(ctx, persistence.Entity{
		Type: taskstatus.EntityDataset, ID: "7", Status: "ready", StatusMessage: "done",
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := store.GetEntity(ctx, taskstatus.EntityDataset, "7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "ready" || got.StatusMessage != "done" || got.Fields != nil {
		t.Fatalf("got = %+v", got)
	}
	if !got.CreatedAt.Equal(saved.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", saved.CreatedAt, got.CreatedAt)
	}

	if _, err := store.UpsertEntity(ctx, persistence.Entity{Type: taskstatus.EntityModel, ID: "m1", Status: "ready"}); err != nil {
		t.Fatalf("upsert model: %v", err)
	}
	all, err := store.ListEntities(ctx, "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("list all = %d, %v", len(all), err)
	}
	datasets, err := store.ListEntities(ctx, taskstatus.EntityDataset, 10)
	if err != nil || len(datasets) != 1 || datasets[0].ID != "7" {
		t.Fatalf("list datasets = %+v, %v", datasets, err)
	}
}

func TestEntities_Validation(t *testing.T) {
	store, _ := openStore(t, nil)
	ctx := context.Background()

	cases := []persistence.Entity{
		{Type: "spreadsheet", ID: "1", Status: "ready"},
		{Type: taskstatus.EntityDataset, ID: " ", Status: "ready"},
		{Type: taskstatus.EntityDataset, ID: "1"},
	}
	for _, e := range cases {
		if _, err := store.UpsertEntity(ctx, e); err == nil {
			t.Errorf("UpsertEntity(%+v) accepted", e)
		}
	}
	_, err := store.GetEntity(ctx, taskstatus.EntityDataset, "missing")
	if !errors.Is(err, persistence.ErrEntityNotFound) {
		t.Fatalf("err = %v, want ErrEntityNotFound", err)
	}
}

func TestLatestEvents_SaveLoadAcrossReopen(t *testing.T) {
	store, path := openStore(t, nil)
	ctx := context.Background()

	events := []taskstatus.Event{
		{TaskID: "a", EntityType: taskstatus.EntityDataset, EntityID: "7", Status: taskstatus.StatusRunning, Progress: taskstatus.ProgressOf(40), Timestamp: 20},
		{TaskID: "b", EntityType: taskstatus.EntityTrainingJob, EntityID: "3", JobKind: "train", Status: taskstatus.StatusPending, Timestamp: 10},
		{TaskID: "a", EntityType: taskstatus.EntityDataset, EntityID: "7", Status: taskstatus.StatusSuccess, StatusMessage: "ok", Timestamp: 30},
	}
	for _, ev := range events {
		if err := store.SaveLatestEvent(ctx, ev); err != nil {
			t.Fatalf("save %s: %v", ev.Key(), err)
		}
	}
	if err := store.SaveLatestEvent(ctx, taskstatus.Event{TaskID: "x"}); err == nil {
		t.Fatal("invalid event saved")
	}
	_ = store.Close()

	reopened, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadLatestEvents(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d events, want 2", len(loaded))
	}
	if loaded[0].TaskID != "b" || loaded[0].JobKind != "train" || loaded[0].Progress != nil {
		t.Fatalf("first = %+v", loaded[0])
	}
	if loaded[1].Status != taskstatus.StatusSuccess || loaded[1].StatusMessage != "ok" || loaded[1].Progress != nil {
		t.Fatalf("second = %+v", loaded[1])
	}
}
