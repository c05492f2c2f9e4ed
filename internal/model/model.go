// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal holding raw integer units of the
// chip. Never float64 for money.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	// UnresolvedResult is the ResultID of a pair nobody has settled yet.
	UnresolvedResult uint16 = 0

	// VoidResult marks a pair cancelled without a winner. Stakers recover
	// principal only.
	VoidResult uint16 = 65535

	// MaxOptionsQty is the highest outcome count; 65535 is reserved for VoidResult.
	MaxOptionsQty uint16 = 65534

	// FeeDenominator is the fixed denominator of creation fee ratios.
	FeeDenominator = 10000
)

// Pair categories accepted at open time.
const (
	CategoryCrypto   = "crypto"
	CategorySports   = "sports"
	CategoryPolitics = "politics"
	CategoryOthers   = "others"
)

// Pair is one prediction market instance. Everything except the Paused and
// CreationRewardClaimed flags is fixed at creation.
type Pair struct {
	ID                    uint64         `json:"id" db:"id"`
	Creator               common.Address `json:"creator" db:"creator"`
	Chip                  common.Address `json:"chip" db:"chip"`
	OptionsQty            uint16         `json:"options_qty" db:"options_qty"`
	EndStakeAt            time.Time      `json:"end_stake_at" db:"end_stake_at"`
	ResolutionAt          time.Time      `json:"resolution_at" db:"resolution_at"`
	ResolverQty           uint16         `json:"resolver_qty" db:"resolver_qty"`
	CreationFeeRatio      uint16         `json:"creation_fee_ratio" db:"creation_fee_ratio"` // out of FeeDenominator, frozen at open
	Paused                bool           `json:"paused" db:"paused"`
	CreationRewardClaimed bool           `json:"creation_reward_claimed" db:"creation_reward_claimed"`
	Category              string         `json:"category" db:"category"`
	Metadata              string         `json:"metadata" db:"metadata"` // opaque JSON blob (title, options, source)
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
}

// InnerPair is the mutable settlement facet of a Pair.
type InnerPair struct {
	ResultID          uint16          `json:"result_id" db:"result_id"`
	StartAt           time.Time       `json:"start_at" db:"start_at"`
	ResolveDeadlineAt time.Time       `json:"resolve_deadline_at" db:"resolve_deadline_at"`
	Total             decimal.Decimal `json:"total" db:"total"` // Σ OptionVolume.Amount
	VaultSwept        bool            `json:"vault_swept" db:"vault_swept"`
}

// Resolved reports whether the pair left the unresolved state, either with a
// winner or voided.
func (ip InnerPair) Resolved() bool {
	return ip.ResultID != UnresolvedResult
}

// ResolverBallot is one designated resolver's vote on a pair. Votes are
// immutable once cast.
type ResolverBallot struct {
	Resolver      common.Address `json:"resolver" db:"resolver"`
	Eligible      bool           `json:"eligible" db:"eligible"`
	HasVoted      bool           `json:"has_voted" db:"has_voted"`
	VotedResultID uint16         `json:"voted_result_id" db:"voted_result_id"`
	VotedAt       time.Time      `json:"voted_at" db:"voted_at"`
}

// OptionVolume is the cumulative stake on one outcome. It never decreases.
type OptionVolume struct {
	OutcomeID       uint16          `json:"outcome_id" db:"outcome_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	AmountWithBonus decimal.Decimal `json:"amount_with_bonus" db:"amount_with_bonus"`
	Stakers         uint32          `json:"stakers" db:"stakers"` // distinct players
}

// PlayerStake is one player's position on one outcome. Amount is the raw
// deposit used for refunds; AmountWithBonus weights the profit share.
// Both are zeroed after a successful claim.
type PlayerStake struct {
	OutcomeID       uint16          `json:"outcome_id" db:"outcome_id"`
	Player          common.Address  `json:"player" db:"player"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	AmountWithBonus decimal.Decimal `json:"amount_with_bonus" db:"amount_with_bonus"`
}

// ChipStatus is the admission state of a chip asset.
type ChipStatus uint8

const (
	ChipUnknown ChipStatus = 0
	ChipValid   ChipStatus = 1
	ChipInvalid ChipStatus = 2
)

// Chip is an asset accepted (or formerly accepted) as stake.
type Chip struct {
	Address  common.Address `json:"address" db:"address"`
	Status   ChipStatus     `json:"status" db:"status"`
	Decimals uint8          `json:"decimals" db:"decimals"`
	AddedAt  time.Time      `json:"added_at" db:"added_at"`
}

// Protocol holds the mutable protocol-wide parameters.
type Protocol struct {
	CreationFeeRatio uint16 `json:"creation_fee_ratio" db:"creation_fee_ratio"`
}

// PairView is the public snapshot of a pair without per-player detail.
type PairView struct {
	Pair    Pair           `json:"pair"`
	Inner   InnerPair      `json:"inner"`
	Volumes []OptionVolume `json:"volumes,omitempty"`
}

// Ledger entry kinds.
const (
	EntryOpen       = "open"
	EntryStake      = "stake"
	EntryVote       = "vote"
	EntryResult     = "result"
	EntryPause      = "pause"
	EntryClaim      = "claim"
	EntryCreatorFee = "creator_fee"
	EntryVaultSweep = "vault_sweep"
	EntryReversal   = "reversal" // payout undone after a failed transfer
)

// LedgerEntry is an immutable record of a state transition.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	PairID    uint64          `json:"pair_id" db:"pair_id"`
	Kind      string          `json:"kind" db:"kind"`
	Account   common.Address  `json:"account" db:"account"`
	OutcomeID uint16          `json:"outcome_id" db:"outcome_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // principal, stake or fee
	Profit    decimal.Decimal `json:"profit" db:"profit"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Event is a real-time notification about a pair.
type Event struct {
	Type      string `json:"type"`
	PairID    uint64 `json:"pair_id"`
	OutcomeID uint16 `json:"outcome_id,omitempty"`
	ResultID  uint16 `json:"result_id,omitempty"`
	Account   string `json:"account,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Total     string `json:"total,omitempty"`
}
