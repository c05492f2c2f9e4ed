// Package consensus implements the resolver voting state machine of a pair.
//
// A pair is Unresolved until one outcome collects a strict majority of its
// designated resolvers' votes (or the single vote when there is one resolver),
// at which point it becomes Finalized. Governance can void an unresolved pair.
// An unresolved pair whose resolution window has elapsed stays unresolved
// forever and settles as refund-only.
//
// The functions here mutate a *model.Book in place; callers are expected to
// operate on a clone and commit it only when no error is returned.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/parimutuel/internal/model"
)

var (
	// ErrOutdated is returned when a vote is cast outside the resolution window.
	ErrOutdated = errors.New("consensus: outdated")

	// ErrPairResolved is returned when voting on a pair that is already final.
	ErrPairResolved = errors.New("consensus: pair resolved")

	// ErrUnauthorized is returned when the voter is not a designated resolver.
	ErrUnauthorized = errors.New("consensus: unauthorized")

	// ErrResolvedAlready is returned for a second vote by the same resolver,
	// and for governance overrides on a pair that already has a result.
	ErrResolvedAlready = errors.New("consensus: resolved already")

	// ErrInvalidResultID is returned for an outcome outside [1, optionsQty].
	ErrInvalidResultID = errors.New("consensus: invalid result id")
)

// State is the tagged status of a pair's resolution.
type State int

const (
	Unresolved State = iota
	Finalized
	Void
	// Expired is an unresolved pair past its resolve deadline.
	Expired
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Finalized:
		return "finalized"
	case Void:
		return "void"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status derives the resolution state from the inner pair at time now.
// The outcome is non-zero only for Finalized.
func Status(inner model.InnerPair, now time.Time) (State, uint16) {
	switch {
	case inner.ResultID == model.VoidResult:
		return Void, 0
	case inner.ResultID != model.UnresolvedResult:
		return Finalized, inner.ResultID
	case !now.Before(inner.ResolveDeadlineAt):
		return Expired, 0
	default:
		return Unresolved, 0
	}
}

// Decision reports the effect of a vote.
type Decision struct {
	Tally     uint32 `json:"tally"`
	Finalized bool   `json:"finalized"`
	ResultID  uint16 `json:"result_id"`
}

// Vote records resolver's ballot for outcomeID and finalizes the pair once
// the outcome holds a strict majority.
func Vote(b *model.Book, resolver common.Address, outcomeID uint16, now time.Time) (Decision, error) {
	return cast(b, resolver, outcomeID, now)
}

// VoteVoid records resolver's ballot for cancelling the pair. A strict
// majority of void ballots voids it.
func VoteVoid(b *model.Book, resolver common.Address, now time.Time) (Decision, error) {
	return cast(b, resolver, model.VoidResult, now)
}

func cast(b *model.Book, resolver common.Address, outcomeID uint16, now time.Time) (Decision, error) {
	if b.Inner.Resolved() {
		return Decision{}, ErrPairResolved
	}
	if now.Before(b.Pair.ResolutionAt) {
		return Decision{}, fmt.Errorf("%w: window opens at %s", ErrOutdated, b.Pair.ResolutionAt.Format(time.RFC3339))
	}
	if now.After(b.Inner.ResolveDeadlineAt) {
		return Decision{}, fmt.Errorf("%w: window closed at %s", ErrOutdated, b.Inner.ResolveDeadlineAt.Format(time.RFC3339))
	}

	ballot, ok := b.Ballots[resolver]
	if !ok || !ballot.Eligible {
		return Decision{}, ErrUnauthorized
	}
	if ballot.HasVoted {
		return Decision{}, ErrResolvedAlready
	}
	if outcomeID != model.VoidResult && (outcomeID == 0 || outcomeID > b.Pair.OptionsQty) {
		return Decision{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidResultID, outcomeID, b.Pair.OptionsQty)
	}

	ballot.HasVoted = true
	ballot.VotedResultID = outcomeID
	ballot.VotedAt = now
	b.Tallies[outcomeID]++
	tally := b.Tallies[outcomeID]

	d := Decision{Tally: tally}
	if b.Pair.ResolverQty == 1 || tally > uint32(b.Pair.ResolverQty)/2 {
		b.Inner.ResultID = outcomeID
		d.Finalized = true
		d.ResultID = outcomeID
	}
	return d, nil
}

// ForceVoid cancels an unresolved pair regardless of ballots.
func ForceVoid(b *model.Book) error {
	if b.Inner.Resolved() {
		return ErrResolvedAlready
	}
	b.Inner.ResultID = model.VoidResult
	return nil
}

// ForceResult sets the winning outcome of an unresolved pair regardless of
// ballots.
func ForceResult(b *model.Book, outcomeID uint16) error {
	if b.Inner.Resolved() {
		return ErrResolvedAlready
	}
	if outcomeID == 0 || outcomeID > b.Pair.OptionsQty {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidResultID, outcomeID, b.Pair.OptionsQty)
	}
	b.Inner.ResultID = outcomeID
	return nil
}

// CheckTallies verifies that the ballots and tallies agree and that no more
// than one outcome holds a majority.
func CheckTallies(b *model.Book) error {
	var sum uint32
	majorities := 0
	for _, n := range b.Tallies {
		sum += n
		if n > uint32(b.Pair.ResolverQty)/2 {
			majorities++
		}
	}
	if sum > uint32(b.Pair.ResolverQty) {
		return fmt.Errorf("consensus: %d votes exceed %d resolvers", sum, b.Pair.ResolverQty)
	}
	if majorities > 1 {
		return fmt.Errorf("consensus: %d outcomes hold a majority", majorities)
	}

	var voted uint32
	for _, ballot := range b.Ballots {
		if ballot.HasVoted {
			voted++
		}
	}
	if voted != sum {
		return fmt.Errorf("consensus: %d ballots cast but tallies sum to %d", voted, sum)
	}
	return nil
}
