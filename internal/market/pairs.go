package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/chips"
	"github.com/atmx/parimutuel/internal/consensus"
	"github.com/atmx/parimutuel/internal/ledger"
	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
)

// OpenParams describe a new pair.
type OpenParams struct {
	Chip         common.Address   `json:"chip"`
	OptionsQty   uint16           `json:"options_qty"`
	EndStakeAt   time.Time        `json:"end_stake_at"`
	ResolutionAt time.Time        `json:"resolution_at"`
	Resolvers    []common.Address `json:"resolvers"`
	Category     string           `json:"category"`
	Metadata     string           `json:"metadata"`
}

var categories = map[string]struct{}{
	model.CategoryCrypto:   {},
	model.CategorySports:   {},
	model.CategoryPolitics: {},
	model.CategoryOthers:   {},
}

func validateResolvers(resolvers []common.Address) error {
	if len(resolvers) == 0 {
		return fmt.Errorf("%w: none given", ErrInvalidResolvers)
	}
	if len(resolvers)%2 == 0 || len(resolvers) > 65535 {
		return fmt.Errorf("%w: count %d must be odd", ErrInvalidResolvers, len(resolvers))
	}
	seen := make(map[common.Address]struct{}, len(resolvers))
	for _, r := range resolvers {
		if r == (common.Address{}) {
			return fmt.Errorf("%w: zero address", ErrInvalidResolvers)
		}
		if _, dup := seen[r]; dup {
			return fmt.Errorf("%w: %s repeated", ErrInvalidResolvers, r.Hex())
		}
		seen[r] = struct{}{}
	}
	return nil
}

// Open creates a pair. The creation bond, when configured, is taken from the
// creator before the pair is stored and refunded if storing fails.
func (e *Engine) Open(ctx context.Context, creator common.Address, p OpenParams) (*model.PairView, error) {
	const op = "open"
	defer metrics.ObserveOp(op, time.Now())
	now := e.clock.Now()

	if p.OptionsQty < 2 || p.OptionsQty > model.MaxOptionsQty {
		return nil, e.reject(op, fmt.Errorf("%w: %d", ErrInvalidOptionsQty, p.OptionsQty))
	}
	if err := validateResolvers(p.Resolvers); err != nil {
		return nil, e.reject(op, err)
	}
	if p.Category == "" {
		p.Category = model.CategoryOthers
	}
	if _, ok := categories[p.Category]; !ok {
		return nil, e.reject(op, fmt.Errorf("%w: %q", ErrInvalidCategory, p.Category))
	}
	valid, err := e.chips.IsValid(ctx, p.Chip)
	if err != nil {
		return nil, fmt.Errorf("check chip: %w", err)
	}
	if !valid {
		return nil, e.reject(op, fmt.Errorf("%w: %s", chips.ErrInvalidChip, p.Chip.Hex()))
	}
	if !p.EndStakeAt.After(now) || !p.ResolutionAt.After(p.EndStakeAt) {
		return nil, e.reject(op, fmt.Errorf("%w: need now < end stake < resolution", ErrInvalidTime))
	}

	ratio, err := e.currentFeeRatio(ctx)
	if err != nil {
		return nil, err
	}

	bond := e.cfg.CreationBondAmount
	if bond.IsPositive() {
		if err := e.custody.TransferIn(ctx, e.cfg.CreationBondChip, creator, bond); err != nil {
			return nil, e.reject(op, fmt.Errorf("creation bond: %w", err))
		}
	}
	refundBond := func(cause error) error {
		if !bond.IsPositive() {
			return cause
		}
		if err := e.custody.TransferOut(ctx, e.cfg.CreationBondChip, creator, bond); err != nil {
			slog.Error("creation bond refund failed", "creator", creator.Hex(), "amount", bond.String(), "err", err)
			return errors.Join(cause, err)
		}
		return cause
	}

	id, err := e.store.NextPairID(ctx)
	if err != nil {
		return nil, refundBond(fmt.Errorf("allocate pair id: %w", err))
	}

	pair := model.Pair{
		ID:               id,
		Creator:          creator,
		Chip:             p.Chip,
		OptionsQty:       p.OptionsQty,
		EndStakeAt:       p.EndStakeAt.UTC(),
		ResolutionAt:     p.ResolutionAt.UTC(),
		ResolverQty:      uint16(len(p.Resolvers)),
		CreationFeeRatio: ratio,
		Category:         p.Category,
		Metadata:         p.Metadata,
		CreatedAt:        now,
	}
	inner := model.InnerPair{
		StartAt:           now,
		ResolveDeadlineAt: pair.ResolutionAt.Add(e.cfg.ResolveGracePeriod),
		Total:             decimal.Zero,
	}
	book := model.NewBook(pair, inner, p.Resolvers)

	entry := newEntry(model.EntryOpen, id, creator, 0, bond, decimal.Zero, now)
	if err := e.commit(ctx, []*model.Book{book}, []model.LedgerEntry{entry}); err != nil {
		return nil, refundBond(fmt.Errorf("commit open: %w", err))
	}

	metrics.PairsOpened.WithLabelValues(pair.Category).Inc()
	metrics.ActivePairs.Inc()

	slog.Info("pair opened",
		"pair_id", id,
		"creator", creator.Hex(),
		"chip", p.Chip.Hex(),
		"options", p.OptionsQty,
		"resolvers", len(p.Resolvers),
		"fee_ratio", ratio,
		"end_stake_at", pair.EndStakeAt,
		"resolution_at", pair.ResolutionAt,
	)
	e.events.Publish(model.Event{Type: "pair_opened", PairID: id, Account: creator.Hex()})

	view := book.View()
	return &view, nil
}

// Stake deposits amount of the pair's chip on outcomeID for player.
func (e *Engine) Stake(ctx context.Context, player common.Address, pairID uint64, outcomeID uint16, amount decimal.Decimal) (ledger.Receipt, error) {
	const op = "stake"
	defer metrics.ObserveOp(op, time.Now())

	release, err := e.lock(ctx, pairKey(pairID))
	if err != nil {
		return ledger.Receipt{}, err
	}
	defer release()

	book, err := e.loadBook(ctx, pairID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	multiplier, err := e.bonus.StakeBonusMultiplier(ctx, player)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("bonus multiplier: %w", err)
	}

	now := e.clock.Now()
	next := book.Clone()
	receipt, err := ledger.Deposit(next, player, outcomeID, amount, multiplier, now)
	if err != nil {
		return ledger.Receipt{}, e.reject(op, err)
	}

	chip := book.Pair.Chip
	if err := e.custody.TransferIn(ctx, chip, player, amount); err != nil {
		return ledger.Receipt{}, e.reject(op, fmt.Errorf("transfer in: %w", err))
	}

	entry := newEntry(model.EntryStake, pairID, player, outcomeID, amount, decimal.Zero, now)
	if err := e.commit(ctx, []*model.Book{next}, []model.LedgerEntry{entry}); err != nil {
		cause := fmt.Errorf("commit stake: %w", err)
		if rerr := e.custody.TransferOut(ctx, chip, player, amount); rerr != nil {
			slog.Error("stake refund failed", "pair_id", pairID, "player", player.Hex(), "amount", amount.String(), "err", rerr)
			return ledger.Receipt{}, errors.Join(cause, rerr)
		}
		return ledger.Receipt{}, cause
	}

	metrics.StakesTotal.Inc()
	amountF, _ := amount.Float64()
	metrics.StakeVolume.WithLabelValues(chip.Hex()).Add(amountF)

	slog.Info("stake accepted",
		"pair_id", pairID,
		"player", player.Hex(),
		"outcome", outcomeID,
		"amount", amount.String(),
		"weighted", receipt.AmountWithBonus.String(),
		"total", receipt.Total.String(),
	)
	e.events.Publish(model.Event{
		Type:      "stake_placed",
		PairID:    pairID,
		OutcomeID: outcomeID,
		Account:   player.Hex(),
		Amount:    amount.String(),
		Total:     receipt.Total.String(),
	})

	if err := e.activity.ReportStakeActivity(ctx, player, chip, amount); err != nil {
		slog.Error("stake activity report failed", "pair_id", pairID, "player", player.Hex(), "err", err)
		return receipt, fmt.Errorf("%w: activity report: %w", ErrPostCommit, err)
	}
	return receipt, nil
}

// Close casts resolver's vote on pairID. With force set the resolver votes to
// void the pair and outcomeID is ignored.
func (e *Engine) Close(ctx context.Context, resolver common.Address, pairID uint64, outcomeID uint16, force bool) (consensus.Decision, error) {
	const op = "close"
	defer metrics.ObserveOp(op, time.Now())

	release, err := e.lock(ctx, pairKey(pairID))
	if err != nil {
		return consensus.Decision{}, err
	}
	defer release()

	book, err := e.loadBook(ctx, pairID)
	if err != nil {
		return consensus.Decision{}, err
	}

	now := e.clock.Now()
	next := book.Clone()
	var d consensus.Decision
	if force {
		d, err = consensus.VoteVoid(next, resolver, now)
		outcomeID = model.VoidResult
	} else {
		d, err = consensus.Vote(next, resolver, outcomeID, now)
	}
	if err != nil {
		return consensus.Decision{}, e.reject(op, err)
	}

	entries := []model.LedgerEntry{newEntry(model.EntryVote, pairID, resolver, outcomeID, decimal.Zero, decimal.Zero, now)}
	if d.Finalized {
		entries = append(entries, newEntry(model.EntryResult, pairID, resolver, d.ResultID, decimal.Zero, decimal.Zero, now))
	}
	if err := e.commit(ctx, []*model.Book{next}, entries); err != nil {
		return consensus.Decision{}, fmt.Errorf("commit vote: %w", err)
	}

	metrics.VotesTotal.WithLabelValues(strconv.FormatBool(d.Finalized)).Inc()
	slog.Info("vote cast",
		"pair_id", pairID,
		"resolver", resolver.Hex(),
		"outcome", outcomeID,
		"tally", d.Tally,
		"finalized", d.Finalized,
	)
	e.events.Publish(model.Event{Type: "vote_cast", PairID: pairID, OutcomeID: outcomeID, Account: resolver.Hex()})
	if d.Finalized {
		e.resolved(pairID, d.ResultID)
	}
	return d, nil
}

// SetResultID is the governance override: it voids the pair when forceVoid is
// set and otherwise finalizes it on outcomeID.
func (e *Engine) SetResultID(ctx context.Context, caller common.Address, pairID uint64, outcomeID uint16, forceVoid bool) (uint16, error) {
	const op = "set_result"
	defer metrics.ObserveOp(op, time.Now())

	if err := e.requireGovernance(op, caller); err != nil {
		return 0, err
	}
	release, err := e.lock(ctx, pairKey(pairID))
	if err != nil {
		return 0, err
	}
	defer release()

	book, err := e.loadBook(ctx, pairID)
	if err != nil {
		return 0, err
	}
	next := book.Clone()
	if forceVoid {
		err = consensus.ForceVoid(next)
	} else {
		err = consensus.ForceResult(next, outcomeID)
	}
	if err != nil {
		return 0, e.reject(op, err)
	}

	now := e.clock.Now()
	result := next.Inner.ResultID
	entry := newEntry(model.EntryResult, pairID, caller, result, decimal.Zero, decimal.Zero, now)
	if err := e.commit(ctx, []*model.Book{next}, []model.LedgerEntry{entry}); err != nil {
		return 0, fmt.Errorf("commit result: %w", err)
	}

	slog.Info("result set by governance", "pair_id", pairID, "caller", caller.Hex(), "result", result)
	e.resolved(pairID, result)
	return result, nil
}

func (e *Engine) resolved(pairID uint64, result uint16) {
	label := "finalized"
	if result == model.VoidResult {
		label = "void"
	}
	metrics.ResolutionsTotal.WithLabelValues(label).Inc()
	metrics.ActivePairs.Dec()
	e.events.Publish(model.Event{Type: "pair_resolved", PairID: pairID, ResultID: result})
}

// PausePair blocks (or unblocks) staking and claiming on a pair.
func (e *Engine) PausePair(ctx context.Context, caller common.Address, pairID uint64, paused bool) error {
	const op = "pause"
	if err := e.requireGovernance(op, caller); err != nil {
		return err
	}
	release, err := e.lock(ctx, pairKey(pairID))
	if err != nil {
		return err
	}
	defer release()

	book, err := e.loadBook(ctx, pairID)
	if err != nil {
		return err
	}
	next := book.Clone()
	next.Pair.Paused = paused

	flag := decimal.Zero
	if paused {
		flag = decimal.NewFromInt(1)
	}
	entry := newEntry(model.EntryPause, pairID, caller, 0, flag, decimal.Zero, e.clock.Now())
	if err := e.commit(ctx, []*model.Book{next}, []model.LedgerEntry{entry}); err != nil {
		return fmt.Errorf("commit pause: %w", err)
	}

	slog.Info("pair pause changed", "pair_id", pairID, "paused", paused, "caller", caller.Hex())
	typ := "pair_resumed"
	if paused {
		typ = "pair_paused"
	}
	e.events.Publish(model.Event{Type: typ, PairID: pairID})
	return nil
}
