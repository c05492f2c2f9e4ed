// Package settlement implements the pari-mutuel payout math.
//
// With T the pair total, W the raw volume on the winning outcome and Wb its
// bonus-weighted volume, the losers' pool (T - W) is split as:
//
//	90%  to winners, pro rata on bonus-weighted stake
//	10%  rake, of which creationFeeRatio/10000 goes to the creator
//	     and the remainder to the protocol vault
//
// Winners also recover their raw principal. All divisions floor, so the sum
// of every payout never exceeds T.
//
// Like the rest of the core it is stateless: functions read a *model.Book
// and return amounts; the caller applies the flag changes.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/model"
)

var (
	ErrOngoing           = errors.New("settlement: ongoing")
	ErrNothingToWithdraw = errors.New("settlement: nothing be withdrew")
	ErrInvalidPair       = errors.New("settlement: invalid pair")
	ErrClaimed           = errors.New("settlement: claimed")
	ErrSweptAlready      = errors.New("settlement: swept already")
	ErrPairPaused        = errors.New("settlement: pair paused")
)

var (
	nine      = decimal.NewFromInt(9)
	ten       = decimal.NewFromInt(10)
	rakeScale = decimal.NewFromInt(10 * model.FeeDenominator)
	feeDenom  = decimal.NewFromInt(model.FeeDenominator)
)

// Regime names the payout rule that applied to a claim.
type Regime string

const (
	RegimeWinner Regime = "winner"
	RegimeRefund Regime = "refund"
)

// Claim is the payout owed for one (outcome, player) stake.
type Claim struct {
	Regime    Regime          `json:"regime"`
	OutcomeID uint16          `json:"outcome_id"`
	Principal decimal.Decimal `json:"principal"`
	Profit    decimal.Decimal `json:"profit"`
}

// Total is principal plus profit.
func (c Claim) Total() decimal.Decimal {
	return c.Principal.Add(c.Profit)
}

// floorDiv is integer division rounding toward zero on non-negative inputs.
func floorDiv(x, y decimal.Decimal) decimal.Decimal {
	q, _ := x.QuoRem(y, 0)
	return q
}

// Profit returns 9 * p * (t - w) / (10 * wb), floored. p is the player's
// bonus-weighted stake. Zero when wb is zero or nobody lost.
func Profit(p, t, w, wb decimal.Decimal) decimal.Decimal {
	if !wb.IsPositive() || !t.GreaterThan(w) {
		return decimal.Zero
	}
	return floorDiv(nine.Mul(p).Mul(t.Sub(w)), ten.Mul(wb))
}

// RegimeOf classifies the pair at time now. ErrOngoing means nothing is
// payable yet.
func RegimeOf(b *model.Book, now time.Time) (Regime, error) {
	r := b.Inner.ResultID
	switch {
	case r == model.VoidResult:
		return RegimeRefund, nil
	case r != model.UnresolvedResult:
		if b.Volume(r).Amount.IsPositive() {
			return RegimeWinner, nil
		}
		return RegimeRefund, nil
	case !now.Before(b.Inner.ResolveDeadlineAt):
		return RegimeRefund, nil
	case !now.Before(b.Pair.EndStakeAt) && ledger.VolumedOutcomes(b) <= 1:
		// Nobody took the other side, so there is nothing to resolve.
		return RegimeRefund, nil
	default:
		return "", ErrOngoing
	}
}

// ComputeClaim returns what player can withdraw from outcomeID at time now.
func ComputeClaim(b *model.Book, outcomeID uint16, player common.Address, now time.Time) (Claim, error) {
	if b.Pair.Paused {
		return Claim{}, ErrPairPaused
	}
	regime, err := RegimeOf(b, now)
	if err != nil {
		return Claim{}, err
	}

	stake := b.Stake(outcomeID, player)
	if regime == RegimeWinner && outcomeID != b.Inner.ResultID {
		return Claim{}, fmt.Errorf("%w: outcome %d lost", ErrNothingToWithdraw, outcomeID)
	}
	if !stake.Amount.IsPositive() {
		return Claim{}, ErrNothingToWithdraw
	}

	c := Claim{Regime: regime, OutcomeID: outcomeID, Principal: stake.Amount, Profit: decimal.Zero}
	if regime == RegimeWinner {
		win := b.Volume(outcomeID)
		c.Profit = Profit(stake.AmountWithBonus, b.Inner.Total, win.Amount, win.AmountWithBonus)
	}
	return c, nil
}

// losersPool returns T - W for a pair finalized on an outcome that has stake
// and that somebody bet against.
func losersPool(b *model.Book) (decimal.Decimal, error) {
	r := b.Inner.ResultID
	if r == model.UnresolvedResult || r == model.VoidResult {
		return decimal.Zero, fmt.Errorf("%w: pair %d not finalized", ErrInvalidPair, b.Pair.ID)
	}
	w := b.Volume(r).Amount
	if !w.IsPositive() || !b.Inner.Total.GreaterThan(w) {
		return decimal.Zero, fmt.Errorf("%w: pair %d has no losing stake", ErrInvalidPair, b.Pair.ID)
	}
	return b.Inner.Total.Sub(w), nil
}

// CreatorReward returns the creator's share of the rake:
// (T - W) * ratio / (10 * 10000).
func CreatorReward(b *model.Book) (decimal.Decimal, error) {
	pool, err := losersPool(b)
	if err != nil {
		return decimal.Zero, err
	}
	if b.Pair.CreationRewardClaimed {
		return decimal.Zero, ErrClaimed
	}
	ratio := decimal.NewFromInt(int64(b.Pair.CreationFeeRatio))
	return floorDiv(pool.Mul(ratio), rakeScale), nil
}

// VaultSweep returns the protocol's share of the rake:
// (T - W) * (10000 - ratio) / (10 * 10000).
func VaultSweep(b *model.Book) (decimal.Decimal, error) {
	pool, err := losersPool(b)
	if err != nil {
		return decimal.Zero, err
	}
	if b.Inner.VaultSwept {
		return decimal.Zero, ErrSweptAlready
	}
	ratio := decimal.NewFromInt(int64(b.Pair.CreationFeeRatio))
	return floorDiv(pool.Mul(feeDenom.Sub(ratio)), rakeScale), nil
}
