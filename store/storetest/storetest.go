// Package storetest holds conformance checks shared by store.Store
// implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/httpconnections-go/store"
)

// Run exercises s against the store.Store contract. Record ids are prefixed
// with prefix so runs against a shared backend do not collide.
func Run(t *testing.T, s store.Store, prefix string) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, s, prefix) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, s, prefix) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, s, prefix) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, s, prefix) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, s, prefix) })
	t.Run("InvalidRecord", func(t *testing.T) { testInvalidRecord(t, s) })
}

func testPutAndGet(t *testing.T, s store.Store, prefix string) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := store.Record{
		ConnectionID: prefix + "put",
		Transport:    "LongPolling",
		UserID:       "user-1",
		Node:         "node-a",
		CreatedAt:    now,
		LastSeen:     now,
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Failed to put record: %v", err)
	}

	got, err := s.Get(ctx, rec.ConnectionID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if got == nil {
		t.Fatal("Expected record to exist, got nil")
	}
	if got.Transport != rec.Transport || got.UserID != rec.UserID || got.Node != rec.Node {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("unexpected created at: want %v got %v", rec.CreatedAt, got.CreatedAt)
	}
	if got.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", got.ExpiresAt)
	}
}

func testGetUnknown(t *testing.T, s store.Store, prefix string) {
	got, err := s.Get(context.Background(), prefix+"missing")
	if err != nil {
		t.Fatalf("Get should not error for unknown id: %v", err)
	}
	if got != nil {
		t.Fatalf("Expected nil record, got %+v", got)
	}
}

func testReplace(t *testing.T, s store.Store, prefix string) {
	ctx := context.Background()
	id := prefix + "replace"
	if err := s.Put(ctx, store.Record{ConnectionID: id, Transport: "None"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, store.Record{ConnectionID: id, Transport: "WebSockets"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Transport != "WebSockets" {
		t.Fatalf("want WebSockets got %q", got.Transport)
	}
}

func testTTL(t *testing.T, s store.Store, prefix string) {
	ctx := context.Background()
	id := prefix + "ttl"
	if err := s.Put(ctx, store.Record{ConnectionID: id}, store.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("expected record before expiry: %v %v", got, err)
	}
	if got.ExpiresAt == nil {
		t.Fatal("expected expiry to be recorded")
	}

	time.Sleep(250 * time.Millisecond)
	got, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if got != nil {
		t.Fatalf("expected record to expire, got %+v", got)
	}
}

func testDelete(t *testing.T, s store.Store, prefix string) {
	ctx := context.Background()
	id := prefix + "delete"
	if err := s.Put(ctx, store.Record{ConnectionID: id}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.Get(ctx, id); got != nil {
		t.Fatalf("expected record to be deleted, got %+v", got)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("deleting an unknown id should succeed: %v", err)
	}
}

func testInvalidRecord(t *testing.T, s store.Store) {
	if err := s.Put(context.Background(), store.Record{}); err != store.ErrInvalidRecord {
		t.Fatalf("want ErrInvalidRecord got %v", err)
	}
}
