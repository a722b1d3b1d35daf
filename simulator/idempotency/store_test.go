package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemorySeenAfterRecord(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	seen, err := m.Seen(ctx, "k1")
	if err != nil || seen {
		t.Fatalf("fresh key: seen=%v err=%v", seen, err)
	}
	if err := m.Record(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	seen, err = m.Seen(ctx, "k1")
	if err != nil || !seen {
		t.Fatalf("recorded key: seen=%v err=%v", seen, err)
	}
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}
}

func TestMemoryZeroRetentionKeepsForever(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	m.Record(ctx, "k1")
	m.keys["k1"] = time.Now().Add(-24 * time.Hour)

	if seen, _ := m.Seen(ctx, "k1"); !seen {
		t.Error("zero retention must never expire keys")
	}
}

func TestMemoryRetentionExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	m.Record(ctx, "k1")
	m.keys["k1"] = time.Now().Add(-2 * time.Minute)

	if seen, _ := m.Seen(ctx, "k1"); seen {
		t.Error("expired key still seen")
	}
	if m.Len() != 0 {
		t.Errorf("expired key not evicted, len = %d", m.Len())
	}
}
