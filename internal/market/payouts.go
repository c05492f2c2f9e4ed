package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/settlement"
)

// ClaimResult is a paid claim.
type ClaimResult struct {
	settlement.Claim
	Paid       decimal.Decimal `json:"paid"`
	TierReward decimal.Decimal `json:"tier_reward"`
}

// Reward is a read-only preview of what a claim would pay.
type Reward struct {
	Regime     settlement.Regime `json:"regime,omitempty"`
	Principal  decimal.Decimal   `json:"principal"`
	Profit     decimal.Decimal   `json:"profit"`
	TierReward decimal.Decimal   `json:"tier_reward"`
}

// Sweep is one pair's contribution to a vault withdrawal.
type Sweep struct {
	PairID uint64          `json:"pair_id"`
	Chip   common.Address  `json:"chip"`
	Amount decimal.Decimal `json:"amount"`
}

func addPayout(kind string, amount decimal.Decimal) {
	f, _ := amount.Float64()
	metrics.PayoutVolume.WithLabelValues(kind).Add(f)
}

func (e *Engine) checkMaxLevel(ctx context.Context, player common.Address, level uint8) error {
	top, err := e.bonus.MaxTierLevel(ctx, player)
	if err != nil {
		return fmt.Errorf("max tier level: %w", err)
	}
	if level > top {
		return fmt.Errorf("%w: %d above %d", ErrInvalidMaxLevel, level, top)
	}
	return nil
}

// Claim pays player's stake on outcomeID according to the pair's settlement
// regime and zeroes it. maxTierLevel selects the secondary tier reward
// released with a winning claim.
func (e *Engine) Claim(ctx context.Context, player common.Address, pairID uint64, outcomeID uint16, maxTierLevel uint8) (*ClaimResult, error) {
	const op = "claim"
	defer metrics.ObserveOp(op, time.Now())

	if err := e.checkMaxLevel(ctx, player, maxTierLevel); err != nil {
		return nil, e.reject(op, err)
	}

	release, err := e.lock(ctx, pairKey(pairID))
	if err != nil {
		return nil, err
	}
	defer release()

	book, err := e.loadBook(ctx, pairID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	claim, err := settlement.ComputeClaim(book, outcomeID, player, now)
	if err != nil {
		return nil, e.reject(op, err)
	}

	next := book.Clone()
	ledger.Clear(next, outcomeID, player)
	paid := claim.Total()
	entry := newEntry(model.EntryClaim, pairID, player, outcomeID, claim.Principal, claim.Profit, now)
	if err := e.commit(ctx, []*model.Book{next}, []model.LedgerEntry{entry}); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	if err := e.custody.TransferOut(ctx, book.Pair.Chip, player, paid); err != nil {
		cause := fmt.Errorf("transfer out: %w", err)
		reversal := newEntry(model.EntryReversal, pairID, player, outcomeID, claim.Principal, claim.Profit, now)
		touched := []model.StakeKey{{OutcomeID: outcomeID, Player: player}}
		if rerr := e.restore(ctx, []*model.Book{book}, touched, []model.LedgerEntry{reversal}); rerr != nil {
			slog.Error("claim restore failed", "pair_id", pairID, "player", player.Hex(), "err", rerr)
			return nil, errors.Join(cause, rerr)
		}
		return nil, cause
	}

	metrics.ClaimsTotal.WithLabelValues(string(claim.Regime)).Inc()
	addPayout(model.EntryClaim, paid)
	slog.Info("claim paid",
		"pair_id", pairID,
		"player", player.Hex(),
		"outcome", outcomeID,
		"regime", claim.Regime,
		"principal", claim.Principal.String(),
		"profit", claim.Profit.String(),
	)
	e.events.Publish(model.Event{
		Type:      "claim_paid",
		PairID:    pairID,
		OutcomeID: outcomeID,
		Account:   player.Hex(),
		Amount:    paid.String(),
	})

	res := &ClaimResult{Claim: claim, Paid: paid, TierReward: decimal.Zero}
	if claim.Regime == settlement.RegimeWinner && maxTierLevel > 0 {
		r, err := e.bonus.ReleaseTierReward(ctx, player, pairID, maxTierLevel, paid)
		if err != nil {
			slog.Error("tier reward release failed", "pair_id", pairID, "player", player.Hex(), "level", maxTierLevel, "err", err)
			return res, fmt.Errorf("%w: tier reward: %w", ErrPostCommit, err)
		}
		res.TierReward = r
	}
	return res, nil
}

// RewardOf previews what Claim would pay right now. Stakes that are not
// payable yet, or never will be, preview as zero.
func (e *Engine) RewardOf(ctx context.Context, pairID uint64, outcomeID uint16, level uint8, player common.Address) (*Reward, error) {
	if err := e.checkMaxLevel(ctx, player, level); err != nil {
		return nil, err
	}
	book, err := e.viewBook(ctx, pairID)
	if err != nil {
		return nil, err
	}

	r := &Reward{Principal: decimal.Zero, Profit: decimal.Zero, TierReward: decimal.Zero}
	claim, err := settlement.ComputeClaim(book, outcomeID, player, e.clock.Now())
	switch {
	case errors.Is(err, settlement.ErrOngoing), errors.Is(err, settlement.ErrNothingToWithdraw), errors.Is(err, settlement.ErrPairPaused):
		return r, nil
	case err != nil:
		return nil, err
	}

	r.Regime = claim.Regime
	r.Principal = claim.Principal
	r.Profit = claim.Profit
	if claim.Regime == settlement.RegimeWinner && level > 0 {
		tr, err := e.bonus.TierReward(ctx, player, level, claim.Total())
		if err != nil {
			return nil, fmt.Errorf("tier reward: %w", err)
		}
		r.TierReward = tr
	}
	return r, nil
}

// ClaimCreationRewards pays the creator's share of the rake. Either the
// creator or governance may trigger it; the creator is always the payee.
func (e *Engine) ClaimCreationRewards(ctx context.Context, caller common.Address, pairID uint64) (decimal.Decimal, error) {
	const op = "creator_fee"
	defer metrics.ObserveOp(op, time.Now())

	release, err := e.lock(ctx, pairKey(pairID))
	if err != nil {
		return decimal.Zero, err
	}
	defer release()

	book, err := e.loadBook(ctx, pairID)
	if err != nil {
		return decimal.Zero, err
	}
	creator := book.Pair.Creator
	if caller != creator && !e.IsGovernance(caller) {
		return decimal.Zero, e.reject(op, fmt.Errorf("%w: %s is not the creator", ErrForbidden, caller.Hex()))
	}

	amount, err := settlement.CreatorReward(book)
	if err != nil {
		return decimal.Zero, e.reject(op, err)
	}

	now := e.clock.Now()
	next := book.Clone()
	next.Pair.CreationRewardClaimed = true
	entry := newEntry(model.EntryCreatorFee, pairID, creator, 0, amount, decimal.Zero, now)
	if err := e.commit(ctx, []*model.Book{next}, []model.LedgerEntry{entry}); err != nil {
		return decimal.Zero, fmt.Errorf("commit creator fee: %w", err)
	}

	if amount.IsPositive() {
		if err := e.custody.TransferOut(ctx, book.Pair.Chip, creator, amount); err != nil {
			cause := fmt.Errorf("transfer out: %w", err)
			reversal := newEntry(model.EntryReversal, pairID, creator, 0, amount, decimal.Zero, now)
			if rerr := e.restore(ctx, []*model.Book{book}, nil, []model.LedgerEntry{reversal}); rerr != nil {
				slog.Error("creator fee restore failed", "pair_id", pairID, "err", rerr)
				return decimal.Zero, errors.Join(cause, rerr)
			}
			return decimal.Zero, cause
		}
	}

	addPayout(model.EntryCreatorFee, amount)
	slog.Info("creator fee paid", "pair_id", pairID, "creator", creator.Hex(), "caller", caller.Hex(), "amount", amount.String())
	e.events.Publish(model.Event{Type: "creator_fee_paid", PairID: pairID, Account: creator.Hex(), Amount: amount.String()})
	return amount, nil
}

// WithdrawToVault sweeps the protocol share of every listed pair to the
// vault. One invalid pair rejects the whole batch.
func (e *Engine) WithdrawToVault(ctx context.Context, caller common.Address, pairIDs []uint64) ([]Sweep, error) {
	const op = "vault_sweep"
	defer metrics.ObserveOp(op, time.Now())

	if err := e.requireGovernance(op, caller); err != nil {
		return nil, err
	}
	ids := uniqueIDs(pairIDs)
	if len(ids) == 0 {
		return nil, e.reject(op, ErrEmptyBatch)
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = pairKey(id)
	}
	release, err := e.lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.clock.Now()
	prev := make([]*model.Book, 0, len(ids))
	next := make([]*model.Book, 0, len(ids))
	sweeps := make([]Sweep, 0, len(ids))
	entries := make([]model.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		book, err := e.loadBook(ctx, id)
		if err != nil {
			return nil, err
		}
		amount, err := settlement.VaultSweep(book)
		if err != nil {
			return nil, e.reject(op, fmt.Errorf("pair %d: %w", id, err))
		}
		n := book.Clone()
		n.Inner.VaultSwept = true

		prev = append(prev, book)
		next = append(next, n)
		sweeps = append(sweeps, Sweep{PairID: id, Chip: book.Pair.Chip, Amount: amount})
		entries = append(entries, newEntry(model.EntryVaultSweep, id, e.cfg.Vault, 0, amount, decimal.Zero, now))
	}

	if err := e.commit(ctx, next, entries); err != nil {
		return nil, fmt.Errorf("commit vault sweep: %w", err)
	}

	// One transfer per chip; a failed chip restores every pair not yet paid.
	totals, order := sumByChip(sweeps)
	for i, chip := range order {
		if !totals[chip].IsPositive() {
			continue
		}
		if err := e.custody.TransferOut(ctx, chip, e.cfg.Vault, totals[chip]); err != nil {
			cause := fmt.Errorf("transfer %s to vault: %w", chip.Hex(), err)
			unpaid := make(map[common.Address]bool)
			for _, c := range order[i:] {
				unpaid[c] = true
			}
			var books []*model.Book
			var reversals []model.LedgerEntry
			for j, s := range sweeps {
				if unpaid[s.Chip] {
					books = append(books, prev[j])
					reversals = append(reversals, newEntry(model.EntryReversal, s.PairID, e.cfg.Vault, 0, s.Amount, decimal.Zero, now))
				}
			}
			if rerr := e.restore(ctx, books, nil, reversals); rerr != nil {
				slog.Error("vault sweep restore failed", "chip", chip.Hex(), "err", rerr)
				return nil, errors.Join(cause, rerr)
			}
			return nil, cause
		}
		addPayout(model.EntryVaultSweep, totals[chip])
	}

	for _, s := range sweeps {
		slog.Info("vault sweep", "pair_id", s.PairID, "chip", s.Chip.Hex(), "amount", s.Amount.String(), "vault", e.cfg.Vault.Hex())
		e.events.Publish(model.Event{Type: "vault_swept", PairID: s.PairID, Amount: s.Amount.String()})
	}
	return sweeps, nil
}

func uniqueIDs(ids []uint64) []uint64 {
	out := append([]uint64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	j := 0
	for i, id := range out {
		if i > 0 && id == out[j-1] {
			continue
		}
		out[j] = id
		j++
	}
	return out[:j]
}

func sumByChip(sweeps []Sweep) (map[common.Address]decimal.Decimal, []common.Address) {
	totals := make(map[common.Address]decimal.Decimal)
	var order []common.Address
	for _, s := range sweeps {
		if _, ok := totals[s.Chip]; !ok {
			order = append(order, s.Chip)
		}
		totals[s.Chip] = totals[s.Chip].Add(s.Amount)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Cmp(order[j]) < 0 })
	return totals, order
}
