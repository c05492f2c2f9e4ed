package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/model"
)

var (
	t0    = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newBook() *model.Book {
	p := model.Pair{
		ID:           7,
		OptionsQty:   2,
		EndStakeAt:   t0.Add(time.Hour),
		ResolutionAt: t0.Add(2 * time.Hour),
		ResolverQty:  1,
	}
	return model.NewBook(p, model.InnerPair{StartAt: t0, Total: decimal.Zero}, []common.Address{alice})
}

func TestDeposit_Accumulates(t *testing.T) {
	b := newBook()

	if _, err := Deposit(b, alice, 1, d(10), d(1), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	r, err := Deposit(b, alice, 1, d(5), d(1), t0)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if r.FirstStake {
		t.Error("second deposit must not count as first stake")
	}
	Deposit(b, bob, 2, d(30), d(1), t0)

	if got := b.Stake(1, alice).Amount; !got.Equal(d(15)) {
		t.Errorf("alice stake = %s, want 15", got)
	}
	if got := b.Volume(1); !got.Amount.Equal(d(15)) || got.Stakers != 1 {
		t.Errorf("volume 1 = %+v", got)
	}
	if !b.Inner.Total.Equal(d(45)) {
		t.Errorf("total = %s, want 45", b.Inner.Total)
	}
	if err := CheckTotals(b); err != nil {
		t.Errorf("totals: %v", err)
	}
	if n := VolumedOutcomes(b); n != 2 {
		t.Errorf("volumed outcomes = %d, want 2", n)
	}
}

func TestDeposit_BonusIsFloored(t *testing.T) {
	b := newBook()
	r, err := Deposit(b, alice, 1, d(7), decimal.RequireFromString("1.5"), t0)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 7 * 1.5 = 10.5 -> 10
	if !r.AmountWithBonus.Equal(d(10)) {
		t.Errorf("weighted = %s, want 10", r.AmountWithBonus)
	}
	if !b.Stake(1, alice).Amount.Equal(d(7)) {
		t.Error("raw amount must not include bonus")
	}
	if !b.Volume(1).AmountWithBonus.Equal(d(10)) {
		t.Errorf("weighted volume = %s", b.Volume(1).AmountWithBonus)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(b *model.Book)
		outcome uint16
		amount  decimal.Decimal
		now     time.Time
		want    error
	}{
		{"at end stake", nil, 1, d(1), t0.Add(time.Hour), ErrInvalidStakeTime},
		{"outcome zero", nil, 0, d(1), t0, ErrInvalidResultID},
		{"outcome past qty", nil, 3, d(1), t0, ErrInvalidResultID},
		{"zero amount", nil, 1, d(0), t0, ErrInvalidAmount},
		{"negative amount", nil, 1, d(-4), t0, ErrInvalidAmount},
		{"fractional amount", nil, 1, decimal.RequireFromString("1.5"), t0, ErrInvalidAmount},
		{"paused", func(b *model.Book) { b.Pair.Paused = true }, 1, d(1), t0, ErrPairPaused},
		{"resolved early", func(b *model.Book) { b.Inner.ResultID = 1 }, 1, d(1), t0, ErrInvalidStakeTime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBook()
			if tc.mutate != nil {
				tc.mutate(b)
			}
			_, err := Deposit(b, alice, tc.outcome, tc.amount, d(1), tc.now)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !b.Inner.Total.IsZero() {
				t.Error("rejected deposit changed the total")
			}
		})
	}
}

func TestClear_KeepsVolumes(t *testing.T) {
	b := newBook()
	Deposit(b, alice, 1, d(10), d(1), t0)
	Clear(b, 1, alice)

	if !b.Stake(1, alice).Amount.IsZero() {
		t.Error("stake should be zero after clear")
	}
	if !b.Volume(1).Amount.Equal(d(10)) || !b.Inner.Total.Equal(d(10)) {
		t.Error("clear must not decrement volume or total")
	}
	if len(b.DirtyStakes()) != 1 {
		t.Errorf("dirty stakes = %d, want 1", len(b.DirtyStakes()))
	}
}
