// Package ledger keeps the per-pair stake accounting: raw and bonus-weighted
// amounts per (outcome, player), per-outcome volumes and the pair total.
//
// Raw amounts are what refunds return. Bonus-weighted amounts only steer the
// profit split between winners. Volumes and totals only grow.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/model"
)

var (
	ErrInvalidStakeTime = errors.New("ledger: invalid stake time")
	ErrInvalidAmount    = errors.New("ledger: invalid amount")
	ErrPairPaused       = errors.New("ledger: pair paused")
	ErrInvalidResultID  = errors.New("ledger: invalid result id")
	ErrInvalidBonus     = errors.New("ledger: bonus multiplier below one")
)

var one = decimal.NewFromInt(1)

// Receipt describes the effect of a deposit.
type Receipt struct {
	Amount          decimal.Decimal `json:"amount"`
	AmountWithBonus decimal.Decimal `json:"amount_with_bonus"`
	FirstStake      bool            `json:"first_stake"`
	Total           decimal.Decimal `json:"total"`
}

// Deposit adds amount on outcomeID for player. The bonus-weighted amount is
// floor(amount * multiplier).
func Deposit(b *model.Book, player common.Address, outcomeID uint16, amount, multiplier decimal.Decimal, now time.Time) (Receipt, error) {
	if b.Pair.Paused {
		return Receipt{}, ErrPairPaused
	}
	if !now.Before(b.Pair.EndStakeAt) || b.Inner.Resolved() {
		return Receipt{}, fmt.Errorf("%w: staking closed at %s", ErrInvalidStakeTime, b.Pair.EndStakeAt.Format(time.RFC3339))
	}
	if outcomeID == 0 || outcomeID > b.Pair.OptionsQty {
		return Receipt{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidResultID, outcomeID, b.Pair.OptionsQty)
	}
	if !amount.IsPositive() || !amount.IsInteger() {
		return Receipt{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if multiplier.LessThan(one) {
		return Receipt{}, fmt.Errorf("%w: %s", ErrInvalidBonus, multiplier)
	}

	weighted := amount.Mul(multiplier).Floor()

	stake, _ := b.MutableStake(outcomeID, player)
	first := stake.Amount.IsZero() && stake.AmountWithBonus.IsZero()
	stake.Amount = stake.Amount.Add(amount)
	stake.AmountWithBonus = stake.AmountWithBonus.Add(weighted)

	vol, ok := b.Volumes[outcomeID]
	if !ok {
		vol = &model.OptionVolume{OutcomeID: outcomeID, Amount: decimal.Zero, AmountWithBonus: decimal.Zero}
		b.Volumes[outcomeID] = vol
	}
	vol.Amount = vol.Amount.Add(amount)
	vol.AmountWithBonus = vol.AmountWithBonus.Add(weighted)
	if first {
		vol.Stakers++
	}

	b.Inner.Total = b.Inner.Total.Add(amount)

	return Receipt{
		Amount:          amount,
		AmountWithBonus: weighted,
		FirstStake:      first,
		Total:           b.Inner.Total,
	}, nil
}

// Clear zeroes the player's stake on outcomeID after it has been paid out.
// Volumes and the pair total are left untouched.
func Clear(b *model.Book, outcomeID uint16, player common.Address) {
	stake, _ := b.MutableStake(outcomeID, player)
	stake.Amount = decimal.Zero
	stake.AmountWithBonus = decimal.Zero
}

// CheckTotals verifies Total == Σ volume amounts and that no player stake
// exceeds its outcome volume.
func CheckTotals(b *model.Book) error {
	sum := decimal.Zero
	for _, v := range b.Volumes {
		sum = sum.Add(v.Amount)
	}
	if !sum.Equal(b.Inner.Total) {
		return fmt.Errorf("ledger: total %s != volume sum %s", b.Inner.Total, sum)
	}
	for outcome, players := range b.Stakes {
		vol := b.Volume(outcome)
		for addr, s := range players {
			if s.Amount.GreaterThan(vol.Amount) {
				return fmt.Errorf("ledger: stake of %s on %d exceeds volume", addr.Hex(), outcome)
			}
		}
	}
	return nil
}

// VolumedOutcomes counts the outcomes carrying any stake.
func VolumedOutcomes(b *model.Book) int {
	n := 0
	for _, v := range b.Volumes {
		if v.Amount.IsPositive() {
			n++
		}
	}
	return n
}
