// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/parimutuel/internal/model"
)

// ErrNotFound is returned when a pair or protocol row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Chip registry ---

	// GetChip returns the chip, or nil without error when it is unknown.
	GetChip(ctx context.Context, addr common.Address) (*model.Chip, error)

	// PutChips inserts or replaces chips in one transaction.
	PutChips(ctx context.Context, chips []model.Chip) error

	// ListChips returns every registered chip.
	ListChips(ctx context.Context) ([]model.Chip, error)

	// --- Protocol parameters ---

	// GetProtocol returns ErrNotFound until SaveProtocol was called once.
	GetProtocol(ctx context.Context) (*model.Protocol, error)

	SaveProtocol(ctx context.Context, p model.Protocol) error

	// --- Pairs ---

	// NextPairID allocates a fresh, strictly increasing pair ID.
	NextPairID(ctx context.Context) (uint64, error)

	// GetBook loads the full per-pair aggregate. It may be served from a
	// cache and is meant for reads.
	GetBook(ctx context.Context, pairID uint64) (*model.Book, error)

	// GetBookForUpdate loads the aggregate from the source of truth,
	// bypassing any cache. Callers hold the pair lock and commit the result.
	GetBookForUpdate(ctx context.Context, pairID uint64) (*model.Book, error)

	// ListPairs returns snapshots of every pair ordered by ID.
	ListPairs(ctx context.Context) ([]model.PairView, error)

	// Commit persists the books and appends the ledger entries atomically.
	// Only stakes marked dirty on a book are written.
	Commit(ctx context.Context, books []*model.Book, entries []model.LedgerEntry) error

	// --- Immutable ledger ---

	// GetLedgerEntriesByPair returns all entries for a pair in time order.
	GetLedgerEntriesByPair(ctx context.Context, pairID uint64) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByAccount returns all entries for an account in time order.
	GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error)
}
