// Package market orchestrates the pair lifecycle: it applies the time and
// authorization gates, runs the ledger, consensus and settlement rules on a
// copy of the pair's Book, commits the copy together with its journal entries
// and performs the chip transfers around the commit.
//
// Every state-changing operation holds the lock of each pair it touches for
// its whole duration, so operations on one pair are linearizable.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/chips"
	"github.com/atmx/parimutuel/internal/consensus"
	"github.com/atmx/parimutuel/internal/custody"
	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/lock"
	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/store"
	"github.com/atmx/parimutuel/internal/tier"
)

var (
	ErrInvalidTime        = errors.New("market: invalid time")
	ErrInvalidOptionsQty  = errors.New("market: invalid options qty")
	ErrInvalidResolvers   = errors.New("market: invalid resolvers")
	ErrInvalidCategory    = errors.New("market: invalid category")
	ErrPairNotFound       = errors.New("market: pair not found")
	ErrForbidden          = errors.New("market: forbidden")
	ErrInvalidCreationFee = errors.New("market: invalid creation fee")
	ErrInvalidMaxLevel    = errors.New("market: invalid max level")
	ErrEmptyBatch         = errors.New("market: empty batch")
	ErrInvariant          = errors.New("market: invariant violated")

	// ErrPostCommit wraps a collaborator failure that happened after the
	// operation was committed. The operation's result is still valid.
	ErrPostCommit = errors.New("market: post-commit effect failed")
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Publisher receives events after they are committed.
type Publisher interface {
	Publish(ev model.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Event) {}

// Config holds the engine's protocol parameters.
type Config struct {
	Governance              []common.Address
	Vault                   common.Address
	ResolveGracePeriod      time.Duration
	DefaultCreationFeeRatio uint16
	MaxCreationFeeRatio     uint16
	CreationBondChip        common.Address
	CreationBondAmount      decimal.Decimal
	LockTimeout             time.Duration
}

// Deps are the engine's collaborators. Nil optional fields get in-process
// defaults.
type Deps struct {
	Store    store.Store
	Chips    *chips.Registry
	Custody  custody.Transferer
	Bonus    tier.BonusSource      // optional: tier.Fixed{}
	Activity tier.ActivityReporter // optional: tier.Fixed{}
	Locker   lock.Locker           // optional: lock.NewLocal()
	Clock    Clock                 // optional: SystemClock{}
	Events   Publisher             // optional: discard
}

// Engine implements the pair operations.
type Engine struct {
	store      store.Store
	chips      *chips.Registry
	custody    custody.Transferer
	bonus      tier.BonusSource
	activity   tier.ActivityReporter
	locker     lock.Locker
	clock      Clock
	events     Publisher
	cfg        Config
	governance map[common.Address]struct{}

	expiredMu sync.Mutex
	expired   map[uint64]struct{} // pairs already reported by the watcher
}

// NewEngine creates an engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	e := &Engine{
		store:      deps.Store,
		chips:      deps.Chips,
		custody:    deps.Custody,
		bonus:      deps.Bonus,
		activity:   deps.Activity,
		locker:     deps.Locker,
		clock:      deps.Clock,
		events:     deps.Events,
		cfg:        cfg,
		governance: make(map[common.Address]struct{}, len(cfg.Governance)),
		expired:    make(map[uint64]struct{}),
	}
	if e.bonus == nil {
		e.bonus = tier.Fixed{}
	}
	if e.activity == nil {
		e.activity = tier.Fixed{}
	}
	if e.locker == nil {
		e.locker = lock.NewLocal()
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.events == nil {
		e.events = nopPublisher{}
	}
	if e.cfg.LockTimeout <= 0 {
		e.cfg.LockTimeout = 10 * time.Second
	}
	for _, g := range cfg.Governance {
		e.governance[g] = struct{}{}
	}
	return e
}

// IsGovernance reports whether addr may call governance-only operations.
func (e *Engine) IsGovernance(addr common.Address) bool {
	_, ok := e.governance[addr]
	return ok
}

func (e *Engine) requireGovernance(op string, caller common.Address) error {
	if !e.IsGovernance(caller) {
		return e.reject(op, fmt.Errorf("%w: %s is not governance", ErrForbidden, caller.Hex()))
	}
	return nil
}

// reject counts and returns a rejected operation.
func (e *Engine) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op).Inc()
	slog.Debug("operation rejected", "op", op, "err", err)
	return err
}

func pairKey(id uint64) string { return fmt.Sprintf("pair:%d", id) }

const (
	chipsKey    = "chips"
	protocolKey = "protocol"
)

func (e *Engine) lock(ctx context.Context, keys ...string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	defer cancel()
	release, err := e.locker.Lock(lctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("acquire %v: %w", keys, err)
	}
	return release, nil
}

// loadBook reads the book a locked operation is about to mutate. It always
// goes to the source of truth.
func (e *Engine) loadBook(ctx context.Context, pairID uint64) (*model.Book, error) {
	return e.fetchBook(ctx, pairID, e.store.GetBookForUpdate)
}

// viewBook reads a book for display only; it may come from the cache.
func (e *Engine) viewBook(ctx context.Context, pairID uint64) (*model.Book, error) {
	return e.fetchBook(ctx, pairID, e.store.GetBook)
}

func (e *Engine) fetchBook(ctx context.Context, pairID uint64, get func(context.Context, uint64) (*model.Book, error)) (*model.Book, error) {
	b, err := get(ctx, pairID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPairNotFound, pairID)
	}
	if err != nil {
		return nil, fmt.Errorf("load pair %d: %w", pairID, err)
	}
	return b, nil
}

func newEntry(kind string, pairID uint64, account common.Address, outcomeID uint16, amount, profit decimal.Decimal, now time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        uuid.New().String(),
		PairID:    pairID,
		Kind:      kind,
		Account:   account,
		OutcomeID: outcomeID,
		Amount:    amount,
		Profit:    profit,
		Timestamp: now,
	}
}

// restore re-commits books as they were before a committed operation whose
// transfer failed, and journals the reversal. Stakes listed in touched are
// rewritten too.
func (e *Engine) restore(ctx context.Context, prev []*model.Book, touched []model.StakeKey, reversals []model.LedgerEntry) error {
	for _, b := range prev {
		for _, k := range touched {
			if _, ok := b.Stakes[k.OutcomeID][k.Player]; ok {
				b.MutableStake(k.OutcomeID, k.Player)
			}
		}
	}
	if err := e.commit(ctx, prev, reversals); err != nil {
		return fmt.Errorf("restore after failed transfer: %w", err)
	}
	return nil
}

// commit checks the pool and ballot invariants of every book and persists
// them with entries. A violated invariant aborts the transition.
func (e *Engine) commit(ctx context.Context, books []*model.Book, entries []model.LedgerEntry) error {
	for _, b := range books {
		if err := ledger.CheckTotals(b); err != nil {
			return fmt.Errorf("%w: pair %d: %w", ErrInvariant, b.Pair.ID, err)
		}
		if err := consensus.CheckTallies(b); err != nil {
			return fmt.Errorf("%w: pair %d: %w", ErrInvariant, b.Pair.ID, err)
		}
	}
	return e.store.Commit(ctx, books, entries)
}

// currentFeeRatio is the protocol rate new pairs are frozen with.
func (e *Engine) currentFeeRatio(ctx context.Context) (uint16, error) {
	p, err := e.store.GetProtocol(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return e.cfg.DefaultCreationFeeRatio, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load protocol: %w", err)
	}
	return p.CreationFeeRatio, nil
}
