package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/model"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mem := NewMemoryStore()
	return NewCachedStore(mem, rdb, time.Minute), mem
}

func TestCachedStore_GetBookForUpdateBypassesCache(t *testing.T) {
	cs, mem := newCachedStore(t)
	ctx := context.Background()

	b := testBook(1)
	if err := cs.Commit(ctx, []*model.Book{b}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := cs.GetBook(ctx, 1); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	// The primary moves on without the cache hearing about it.
	next := b.Clone()
	next.Inner.Total = decimal.NewFromInt(7)
	if err := mem.Commit(ctx, []*model.Book{next}, nil); err != nil {
		t.Fatalf("primary commit: %v", err)
	}

	cached, err := cs.GetBook(ctx, 1)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if !cached.Inner.Total.IsZero() {
		t.Fatalf("cached total = %s, want the stale 0", cached.Inner.Total)
	}
	fresh, err := cs.GetBookForUpdate(ctx, 1)
	if err != nil {
		t.Fatalf("get book for update: %v", err)
	}
	if !fresh.Inner.Total.Equal(decimal.NewFromInt(7)) {
		t.Errorf("fresh total = %s, want 7", fresh.Inner.Total)
	}
}

func TestCachedStore_CommitInvalidates(t *testing.T) {
	cs, _ := newCachedStore(t)
	ctx := context.Background()

	b := testBook(1)
	cs.Commit(ctx, []*model.Book{b}, nil)
	cs.GetBook(ctx, 1)

	next := b.Clone()
	next.Pair.Paused = true
	if err := cs.Commit(ctx, []*model.Book{next}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := cs.GetBook(ctx, 1)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if !got.Pair.Paused {
		t.Error("cache still serves the book from before the commit")
	}
}
