package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/parimutuel/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutChips(ctx context.Context, chips []model.Chip) error {
	if err := s.primary.PutChips(ctx, chips); err != nil {
		return err
	}
	keys := make([]string, 0, len(chips))
	for _, c := range chips {
		keys = append(keys, chipKey(c.Address))
	}
	s.invalidate(ctx, keys...)
	return nil
}

func (s *CachedStore) SaveProtocol(ctx context.Context, p model.Protocol) error {
	if err := s.primary.SaveProtocol(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, protocolKey)
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, books []*model.Book, entries []model.LedgerEntry) error {
	if err := s.primary.Commit(ctx, books, entries); err != nil {
		return err
	}
	keys := make([]string, 0, len(books))
	for _, b := range books {
		keys = append(keys, bookKey(b.Pair.ID))
	}
	s.invalidate(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetChip(ctx context.Context, addr common.Address) (*model.Chip, error) {
	var c model.Chip
	if s.load(ctx, chipKey(addr), &c) {
		return &c, nil
	}

	chip, err := s.primary.GetChip(ctx, addr)
	if err != nil || chip == nil {
		return chip, err
	}
	s.save(ctx, chipKey(addr), chip)
	return chip, nil
}

func (s *CachedStore) GetProtocol(ctx context.Context) (*model.Protocol, error) {
	var p model.Protocol
	if s.load(ctx, protocolKey, &p) {
		return &p, nil
	}

	proto, err := s.primary.GetProtocol(ctx)
	if err != nil {
		return nil, err
	}
	s.save(ctx, protocolKey, proto)
	return proto, nil
}

func (s *CachedStore) GetBook(ctx context.Context, pairID uint64) (*model.Book, error) {
	var b model.Book
	if s.load(ctx, bookKey(pairID), &b) && b.Ballots != nil {
		return &b, nil
	}

	book, err := s.primary.GetBook(ctx, pairID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, bookKey(pairID), book)
	return book, nil
}

// --- Passthrough (not cached) ---

// GetBookForUpdate never touches the cache. A view that read the primary
// before a commit may refill the cache after the commit's invalidation, so
// a cached book is only good for display.
func (s *CachedStore) GetBookForUpdate(ctx context.Context, pairID uint64) (*model.Book, error) {
	return s.primary.GetBookForUpdate(ctx, pairID)
}

func (s *CachedStore) ListChips(ctx context.Context) ([]model.Chip, error) {
	return s.primary.ListChips(ctx)
}

func (s *CachedStore) NextPairID(ctx context.Context) (uint64, error) {
	return s.primary.NextPairID(ctx)
}

func (s *CachedStore) ListPairs(ctx context.Context) ([]model.PairView, error) {
	return s.primary.ListPairs(ctx)
}

func (s *CachedStore) GetLedgerEntriesByPair(ctx context.Context, pairID uint64) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByPair(ctx, pairID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidate drops keys after a primary write. A failed delete leaves a stale
// entry for at most one TTL, so it is logged rather than returned.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

const protocolKey = "parimutuel:protocol"

func bookKey(id uint64) string           { return fmt.Sprintf("parimutuel:pair:%d", id) }
func chipKey(addr common.Address) string { return fmt.Sprintf("parimutuel:chip:%s", addr.Hex()) }

var _ Store = (*CachedStore)(nil)
