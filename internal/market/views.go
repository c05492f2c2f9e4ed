package market

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/parimutuel/internal/consensus"
	"github.com/atmx/parimutuel/internal/model"
)

// Tally is the ballot count behind one candidate result.
type Tally struct {
	ResultID uint16 `json:"result_id"`
	Votes    uint32 `json:"votes"`
}

// PairDetail is the full public state of one pair.
type PairDetail struct {
	model.PairView
	State   string                 `json:"state"`
	Ballots []model.ResolverBallot `json:"ballots"`
	Tallies []Tally                `json:"tallies"`
}

// Pair returns one pair with its ballots and tallies.
func (e *Engine) Pair(ctx context.Context, pairID uint64) (*PairDetail, error) {
	book, err := e.viewBook(ctx, pairID)
	if err != nil {
		return nil, err
	}
	state, _ := consensus.Status(book.Inner, e.clock.Now())

	tallies := make([]Tally, 0, len(book.Tallies))
	for id, n := range book.Tallies {
		tallies = append(tallies, Tally{ResultID: id, Votes: n})
	}
	sort.Slice(tallies, func(i, j int) bool { return tallies[i].ResultID < tallies[j].ResultID })

	return &PairDetail{
		PairView: book.View(),
		State:    state.String(),
		Ballots:  book.SortedBallots(),
		Tallies:  tallies,
	}, nil
}

// Pairs lists every pair ordered by ID.
func (e *Engine) Pairs(ctx context.Context) ([]model.PairView, error) {
	views, err := e.store.ListPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	return views, nil
}

// History returns the journal of one pair.
func (e *Engine) History(ctx context.Context, pairID uint64) ([]model.LedgerEntry, error) {
	if _, err := e.viewBook(ctx, pairID); err != nil {
		return nil, err
	}
	entries, err := e.store.GetLedgerEntriesByPair(ctx, pairID)
	if err != nil {
		return nil, fmt.Errorf("pair history: %w", err)
	}
	return entries, nil
}

// AccountHistory returns every journal entry recorded against account.
func (e *Engine) AccountHistory(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	entries, err := e.store.GetLedgerEntriesByAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("account history: %w", err)
	}
	return entries, nil
}
