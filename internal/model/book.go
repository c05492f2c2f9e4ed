package model

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// StakeKey identifies a PlayerStake within a Book.
type StakeKey struct {
	OutcomeID uint16
	Player    common.Address
}

// Book is the complete per-pair aggregate. The engine loads a Book, mutates a
// Clone and commits it as one unit, so no reader ever sees a half-applied
// transition.
type Book struct {
	Pair    Pair                                       `json:"pair"`
	Inner   InnerPair                                  `json:"inner"`
	Ballots map[common.Address]*ResolverBallot         `json:"ballots"`
	Tallies map[uint16]uint32                          `json:"tallies"`
	Volumes map[uint16]*OptionVolume                   `json:"volumes"`
	Stakes  map[uint16]map[common.Address]*PlayerStake `json:"stakes"`

	dirty map[StakeKey]struct{}
}

// NewBook creates an empty book for the given pair with one eligible ballot
// per resolver.
func NewBook(p Pair, inner InnerPair, resolvers []common.Address) *Book {
	b := &Book{
		Pair:    p,
		Inner:   inner,
		Ballots: make(map[common.Address]*ResolverBallot, len(resolvers)),
		Tallies: make(map[uint16]uint32),
		Volumes: make(map[uint16]*OptionVolume),
		Stakes:  make(map[uint16]map[common.Address]*PlayerStake),
	}
	for _, r := range resolvers {
		b.Ballots[r] = &ResolverBallot{Resolver: r, Eligible: true}
	}
	return b
}

// Clone returns a deep copy. The dirty set starts empty.
func (b *Book) Clone() *Book {
	c := &Book{
		Pair:    b.Pair,
		Inner:   b.Inner,
		Ballots: make(map[common.Address]*ResolverBallot, len(b.Ballots)),
		Tallies: make(map[uint16]uint32, len(b.Tallies)),
		Volumes: make(map[uint16]*OptionVolume, len(b.Volumes)),
		Stakes:  make(map[uint16]map[common.Address]*PlayerStake, len(b.Stakes)),
	}
	for k, v := range b.Ballots {
		cp := *v
		c.Ballots[k] = &cp
	}
	for k, v := range b.Tallies {
		c.Tallies[k] = v
	}
	for k, v := range b.Volumes {
		cp := *v
		c.Volumes[k] = &cp
	}
	for outcome, players := range b.Stakes {
		m := make(map[common.Address]*PlayerStake, len(players))
		for addr, s := range players {
			cp := *s
			m[addr] = &cp
		}
		c.Stakes[outcome] = m
	}
	return c
}

// Volume returns the option volume for an outcome, or a zero value.
func (b *Book) Volume(outcomeID uint16) OptionVolume {
	if v, ok := b.Volumes[outcomeID]; ok {
		return *v
	}
	return OptionVolume{OutcomeID: outcomeID}
}

// Stake returns the player's stake on an outcome, or a zero value.
func (b *Book) Stake(outcomeID uint16, player common.Address) PlayerStake {
	if s, ok := b.Stakes[outcomeID][player]; ok {
		return *s
	}
	return PlayerStake{OutcomeID: outcomeID, Player: player}
}

// MutableStake returns the stake entry for (outcome, player), creating it when
// absent, and marks it dirty for incremental persistence. The second result
// reports whether the entry was created.
func (b *Book) MutableStake(outcomeID uint16, player common.Address) (*PlayerStake, bool) {
	players, ok := b.Stakes[outcomeID]
	if !ok {
		players = make(map[common.Address]*PlayerStake)
		b.Stakes[outcomeID] = players
	}
	s, ok := players[player]
	created := !ok
	if created {
		s = &PlayerStake{OutcomeID: outcomeID, Player: player, Amount: decimal.Zero, AmountWithBonus: decimal.Zero}
		players[player] = s
	}
	if b.dirty == nil {
		b.dirty = make(map[StakeKey]struct{})
	}
	b.dirty[StakeKey{OutcomeID: outcomeID, Player: player}] = struct{}{}
	return s, created
}

// DirtyStakes lists the stakes touched since the book was loaded or cloned.
func (b *Book) DirtyStakes() []PlayerStake {
	out := make([]PlayerStake, 0, len(b.dirty))
	for k := range b.dirty {
		out = append(out, *b.Stakes[k.OutcomeID][k.Player])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OutcomeID != out[j].OutcomeID {
			return out[i].OutcomeID < out[j].OutcomeID
		}
		return out[i].Player.Cmp(out[j].Player) < 0
	})
	return out
}

// SortedVolumes returns the option volumes ordered by outcome.
func (b *Book) SortedVolumes() []OptionVolume {
	out := make([]OptionVolume, 0, len(b.Volumes))
	for _, v := range b.Volumes {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutcomeID < out[j].OutcomeID })
	return out
}

// SortedBallots returns the ballots ordered by resolver address.
func (b *Book) SortedBallots() []ResolverBallot {
	out := make([]ResolverBallot, 0, len(b.Ballots))
	for _, v := range b.Ballots {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resolver.Cmp(out[j].Resolver) < 0 })
	return out
}

// View returns the public snapshot of the book.
func (b *Book) View() PairView {
	return PairView{Pair: b.Pair, Inner: b.Inner, Volumes: b.SortedVolumes()}
}
