package journal

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	group := "ooTest" + time.Now().Format("150405.000000")
	key := "redeem:" + group
	rec := sampleRecord(group, key, time.Now().UTC().Truncate(time.Microsecond))
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	confirmed := time.Now().UTC().Truncate(time.Microsecond)
	rec.Status = "applied"
	rec.ConfirmedAt = &confirmed
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get(ctx, group)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != "applied" || got.ConfirmedAt == nil || len(got.Entrypoints) != 1 {
		t.Fatalf("unexpected record: %#v", got)
	}

	byKey, err := store.FindByKey(ctx, key)
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if byKey == nil || byKey.GroupID != group {
		t.Fatalf("unexpected record by key: %#v", byKey)
	}

	missing, err := store.Get(ctx, "ooNowhere")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing group, got %#v, %v", missing, err)
	}
}
