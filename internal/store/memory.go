package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/parimutuel/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	chips    map[common.Address]model.Chip
	protocol *model.Protocol
	books    map[uint64]*model.Book
	lastID   uint64
	ledger   []model.LedgerEntry

	// failCommit, when set, is returned by the next Commit. Tests only.
	failCommit error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chips: make(map[common.Address]model.Chip),
		books: make(map[uint64]*model.Book),
	}
}

// FailNextCommit makes the next Commit return err without writing anything.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

func (s *MemoryStore) GetChip(_ context.Context, addr common.Address) (*model.Chip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chips[addr]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) PutChips(_ context.Context, chips []model.Chip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chips {
		s.chips[c.Address] = c
	}
	return nil
}

func (s *MemoryStore) ListChips(_ context.Context) ([]model.Chip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chips := make([]model.Chip, 0, len(s.chips))
	for _, c := range s.chips {
		chips = append(chips, c)
	}
	sort.Slice(chips, func(i, j int) bool { return chips[i].AddedAt.Before(chips[j].AddedAt) })
	return chips, nil
}

func (s *MemoryStore) GetProtocol(_ context.Context) (*model.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.protocol == nil {
		return nil, ErrNotFound
	}
	p := *s.protocol
	return &p, nil
}

func (s *MemoryStore) SaveProtocol(_ context.Context, p model.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.protocol = &p
	return nil
}

func (s *MemoryStore) NextPairID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	return s.lastID, nil
}

func (s *MemoryStore) GetBook(_ context.Context, pairID uint64) (*model.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[pairID]
	if !ok {
		return nil, fmt.Errorf("pair %d: %w", pairID, ErrNotFound)
	}
	// Hand out a copy to avoid external mutation.
	return b.Clone(), nil
}

func (s *MemoryStore) GetBookForUpdate(ctx context.Context, pairID uint64) (*model.Book, error) {
	return s.GetBook(ctx, pairID)
}

func (s *MemoryStore) ListPairs(_ context.Context) ([]model.PairView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]model.PairView, 0, len(s.books))
	for _, b := range s.books {
		views = append(views, b.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Pair.ID < views[j].Pair.ID })
	return views, nil
}

func (s *MemoryStore) Commit(_ context.Context, books []*model.Book, entries []model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failCommit; err != nil {
		s.failCommit = nil
		return err
	}
	for _, b := range books {
		s.books[b.Pair.ID] = b.Clone()
	}
	s.ledger = append(s.ledger, entries...)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByPair(_ context.Context, pairID uint64) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.PairID == pairID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account common.Address) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
