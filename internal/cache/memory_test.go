package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "econfopencount:all", 7, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "econfopencount:all")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != 7 {
		t.Fatalf("Get() = %d, want 7", got)
	}
}

func TestMemoryStoreMissOnUnknownKey(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "unknown")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() error = %v, want ErrMiss", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", 1, -time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	_, err := store.Get(ctx, "k")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() after expiry error = %v, want ErrMiss", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", 1, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() after delete error = %v, want ErrMiss", err)
	}

	// Deleting an absent key is not an error.
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
}
