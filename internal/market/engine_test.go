package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/chips"
	"github.com/atmx/parimutuel/internal/custody"
	"github.com/atmx/parimutuel/internal/model"
	"github.com/atmx/parimutuel/internal/settlement"
	"github.com/atmx/parimutuel/internal/store"
	"github.com/atmx/parimutuel/internal/tier"
)

var (
	t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	chip      = common.HexToAddress("0x00000000000000000000000000000000000c41b0")
	otherChip = common.HexToAddress("0x00000000000000000000000000000000000c41b1")
	gov       = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	vaultAddr = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	creator   = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	r1        = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	r2        = common.HexToAddress("0x0000000000000000000000000000000000000d02")
	r3        = common.HexToAddress("0x0000000000000000000000000000000000000d03")
	p1        = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	p2        = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	p3        = common.HexToAddress("0x0000000000000000000000000000000000000e03")
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// flakyCustody fails the next failOut transfers out.
type flakyCustody struct {
	*custody.Vault
	mu      sync.Mutex
	failOut int
}

func (f *flakyCustody) TransferOut(ctx context.Context, chip, to common.Address, amount decimal.Decimal) error {
	f.mu.Lock()
	fail := f.failOut > 0
	if fail {
		f.failOut--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("transfer rejected")
	}
	return f.Vault.TransferOut(ctx, chip, to, amount)
}

type failingReporter struct{}

func (failingReporter) ReportStakeActivity(context.Context, common.Address, common.Address, decimal.Decimal) error {
	return errors.New("reporter down")
}

type testEnv struct {
	eng     *Engine
	store   *store.MemoryStore
	vault   *custody.Vault
	custody *flakyCustody
	clock   *fakeClock
	events  *recorder
}

type envOption func(*Deps, *Config)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	clock := &fakeClock{now: t0}
	vault := custody.NewVault()
	fc := &flakyCustody{Vault: vault}
	events := &recorder{}

	registry := chips.NewRegistry(st, chips.NewStaticInspector(map[common.Address]uint8{chip: 18, otherChip: 6}), clock.Now)
	if _, err := registry.AddChips(context.Background(), []common.Address{chip, otherChip}); err != nil {
		t.Fatalf("add chips: %v", err)
	}

	deps := Deps{
		Store:   st,
		Chips:   registry,
		Custody: fc,
		Clock:   clock,
		Events:  events,
	}
	cfg := Config{
		Governance:              []common.Address{gov},
		Vault:                   vaultAddr,
		ResolveGracePeriod:      24 * time.Hour,
		DefaultCreationFeeRatio: 5000,
		MaxCreationFeeRatio:     8000,
	}
	for _, o := range opts {
		o(&deps, &cfg)
	}

	for _, p := range []common.Address{p1, p2, p3, creator} {
		vault.Mint(chip, p, d(1000))
		vault.Mint(otherChip, p, d(1000))
	}
	return &testEnv{eng: NewEngine(deps, cfg), store: st, vault: vault, custody: fc, clock: clock, events: events}
}

func (e *testEnv) open(t *testing.T, c common.Address, resolvers ...common.Address) uint64 {
	t.Helper()
	v, err := e.eng.Open(context.Background(), creator, OpenParams{
		Chip:         c,
		OptionsQty:   2,
		EndStakeAt:   t0.Add(time.Hour),
		ResolutionAt: t0.Add(2 * time.Hour),
		Resolvers:    resolvers,
		Category:     model.CategoryCrypto,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return v.Pair.ID
}

func (e *testEnv) stake(t *testing.T, pairID uint64, who common.Address, outcome uint16, amount int64) {
	t.Helper()
	if _, err := e.eng.Stake(context.Background(), who, pairID, outcome, d(amount)); err != nil {
		t.Fatalf("stake %d on %d: %v", amount, outcome, err)
	}
}

// settled opens a single-resolver pair with the reference stakes (10 and 20
// on outcome 1, 30 on outcome 2) and resolves it on outcome 1.
func (e *testEnv) settled(t *testing.T, c common.Address) uint64 {
	t.Helper()
	id := e.open(t, c, r1)
	e.stake(t, id, p1, 1, 10)
	e.stake(t, id, p2, 1, 20)
	e.stake(t, id, p3, 2, 30)
	e.clock.Set(t0.Add(2 * time.Hour))
	dec, err := e.eng.Close(context.Background(), r1, id, 1, false)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !dec.Finalized || dec.ResultID != 1 {
		t.Fatalf("decision = %+v, want finalized on 1", dec)
	}
	return id
}

func TestEngine_ParimutuelLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.settled(t, chip)

	c1, err := env.eng.Claim(ctx, p1, id, 1, 0)
	if err != nil {
		t.Fatalf("claim p1: %v", err)
	}
	if !c1.Principal.Equal(d(10)) || !c1.Profit.Equal(d(9)) || !c1.Paid.Equal(d(19)) {
		t.Errorf("p1 claim = %+v, want 10 + 9", c1)
	}
	c2, err := env.eng.Claim(ctx, p2, id, 1, 0)
	if err != nil {
		t.Fatalf("claim p2: %v", err)
	}
	if !c2.Profit.Equal(d(18)) {
		t.Errorf("p2 profit = %s, want 18", c2.Profit)
	}
	if _, err := env.eng.Claim(ctx, p3, id, 2, 0); !errors.Is(err, settlement.ErrNothingToWithdraw) {
		t.Errorf("loser claim err = %v, want nothing to withdraw", err)
	}

	fee, err := env.eng.ClaimCreationRewards(ctx, creator, id)
	if err != nil {
		t.Fatalf("creator fee: %v", err)
	}
	// 30 * 5000 / 100000 floors to 1.
	if !fee.Equal(d(1)) {
		t.Errorf("creator fee = %s, want 1", fee)
	}
	sweeps, err := env.eng.WithdrawToVault(ctx, gov, []uint64{id})
	if err != nil {
		t.Fatalf("vault sweep: %v", err)
	}
	if len(sweeps) != 1 || !sweeps[0].Amount.Equal(d(1)) {
		t.Errorf("sweeps = %+v, want one of 1", sweeps)
	}

	if got := env.vault.BalanceOf(chip, p1); !got.Equal(d(1009)) {
		t.Errorf("p1 balance = %s, want 1009", got)
	}
	if got := env.vault.BalanceOf(chip, p2); !got.Equal(d(1018)) {
		t.Errorf("p2 balance = %s, want 1018", got)
	}
	if got := env.vault.BalanceOf(chip, vaultAddr); !got.Equal(d(1)) {
		t.Errorf("vault balance = %s, want 1", got)
	}
	// 19 + 38 + 1 + 1 paid out of 60; flooring leaves 1 behind.
	if got := env.vault.Held(chip); !got.Equal(d(1)) {
		t.Errorf("held = %s, want 1", got)
	}
	if n := env.events.count("pair_resolved"); n != 1 {
		t.Errorf("pair_resolved events = %d, want 1", n)
	}

	hist, err := env.eng.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	kinds := map[string]int{}
	for _, e := range hist {
		kinds[e.Kind]++
	}
	want := map[string]int{
		model.EntryOpen: 1, model.EntryStake: 3, model.EntryVote: 1, model.EntryResult: 1,
		model.EntryClaim: 2, model.EntryCreatorFee: 1, model.EntryVaultSweep: 1,
	}
	for k, n := range want {
		if kinds[k] != n {
			t.Errorf("%s entries = %d, want %d", k, kinds[k], n)
		}
	}
}

func TestEngine_ClaimIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.settled(t, chip)

	if _, err := env.eng.Claim(ctx, p1, id, 1, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.eng.Claim(ctx, p1, id, 1, 0); !errors.Is(err, settlement.ErrNothingToWithdraw) {
		t.Errorf("second claim err = %v, want nothing to withdraw", err)
	}
	r, err := env.eng.RewardOf(ctx, id, 1, 0, p1)
	if err != nil {
		t.Fatalf("reward of: %v", err)
	}
	if !r.Principal.IsZero() || !r.Profit.IsZero() {
		t.Errorf("reward after claim = %+v, want zero", r)
	}
	if got := env.vault.BalanceOf(chip, p1); !got.Equal(d(1009)) {
		t.Errorf("p1 balance = %s, want 1009", got)
	}
}

func TestEngine_RewardOfPreviewsClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)
	env.stake(t, id, p1, 1, 10)
	env.stake(t, id, p3, 2, 30)

	r, err := env.eng.RewardOf(ctx, id, 1, 0, p1)
	if err != nil {
		t.Fatalf("reward of: %v", err)
	}
	if !r.Principal.IsZero() {
		t.Errorf("ongoing preview = %+v, want zero", r)
	}

	env.clock.Set(t0.Add(2 * time.Hour))
	if _, err := env.eng.Close(ctx, r1, id, 1, false); err != nil {
		t.Fatalf("close: %v", err)
	}
	r, err = env.eng.RewardOf(ctx, id, 1, 0, p1)
	if err != nil {
		t.Fatalf("reward of: %v", err)
	}
	// 9 * 10 * 30 / (10 * 10) = 27
	if r.Regime != "winner" || !r.Principal.Equal(d(10)) || !r.Profit.Equal(d(27)) {
		t.Errorf("preview = %+v, want winner 10 + 27", r)
	}
}

func TestEngine_TieExpiresToRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1, r2, r3)
	env.stake(t, id, p1, 1, 10)
	env.stake(t, id, p2, 2, 20)

	env.clock.Set(t0.Add(2 * time.Hour))
	if dec, err := env.eng.Close(ctx, r1, id, 1, false); err != nil || dec.Finalized {
		t.Fatalf("r1 vote = %+v, %v", dec, err)
	}
	if dec, err := env.eng.Close(ctx, r2, id, 2, false); err != nil || dec.Finalized {
		t.Fatalf("r2 vote = %+v, %v", dec, err)
	}
	if _, err := env.eng.Close(ctx, r1, id, 2, false); err == nil {
		t.Fatal("second ballot accepted")
	}

	if _, err := env.eng.Claim(ctx, p1, id, 1, 0); !errors.Is(err, settlement.ErrOngoing) {
		t.Errorf("claim before deadline err = %v, want ongoing", err)
	}

	env.clock.Set(t0.Add(27 * time.Hour))
	if _, err := env.eng.Close(ctx, r3, id, 1, false); err == nil {
		t.Error("vote after deadline accepted")
	}
	expired, err := env.eng.ScanExpired(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(expired) != 1 || expired[0] != id {
		t.Errorf("expired = %v, want [%d]", expired, id)
	}
	if again, _ := env.eng.ScanExpired(ctx); len(again) != 0 {
		t.Errorf("rescan = %v, want none", again)
	}

	for _, tc := range []struct {
		who     common.Address
		outcome uint16
		want    int64
	}{{p1, 1, 10}, {p2, 2, 20}} {
		c, err := env.eng.Claim(ctx, tc.who, id, tc.outcome, 0)
		if err != nil {
			t.Fatalf("refund %s: %v", tc.who.Hex(), err)
		}
		if c.Regime != "refund" || !c.Paid.Equal(d(tc.want)) {
			t.Errorf("refund = %+v, want %d", c, tc.want)
		}
	}
	if got := env.vault.Held(chip); !got.IsZero() {
		t.Errorf("held after refunds = %s, want 0", got)
	}
	detail, err := env.eng.Pair(ctx, id)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if detail.State != "expired" || len(detail.Tallies) != 2 {
		t.Errorf("detail = %+v", detail)
	}
}

func TestEngine_OneSidedPairRefundsAfterStaking(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)
	env.stake(t, id, p1, 1, 10)
	env.stake(t, id, p2, 1, 20)

	if _, err := env.eng.Claim(ctx, p1, id, 1, 0); !errors.Is(err, settlement.ErrOngoing) {
		t.Errorf("claim while staking err = %v, want ongoing", err)
	}
	env.clock.Set(t0.Add(time.Hour))
	c, err := env.eng.Claim(ctx, p1, id, 1, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c.Regime != "refund" || !c.Paid.Equal(d(10)) {
		t.Errorf("claim = %+v, want refund of 10", c)
	}
}

func TestEngine_VoidRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)
	env.stake(t, id, p1, 1, 10)
	env.stake(t, id, p3, 2, 30)

	env.clock.Set(t0.Add(2 * time.Hour))
	dec, err := env.eng.Close(ctx, r1, id, 0, true)
	if err != nil {
		t.Fatalf("void vote: %v", err)
	}
	if !dec.Finalized || dec.ResultID != model.VoidResult {
		t.Fatalf("decision = %+v, want void", dec)
	}
	c, err := env.eng.Claim(ctx, p3, id, 2, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !c.Paid.Equal(d(30)) || !c.Profit.IsZero() {
		t.Errorf("void claim = %+v, want 30 principal only", c)
	}
	if _, err := env.eng.ClaimCreationRewards(ctx, creator, id); !errors.Is(err, settlement.ErrInvalidPair) {
		t.Errorf("creator fee on void err = %v, want invalid pair", err)
	}
}

func TestEngine_SetResultIDGovernanceOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)

	if _, err := env.eng.SetResultID(ctx, p1, id, 1, false); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-governance err = %v, want forbidden", err)
	}
	res, err := env.eng.SetResultID(ctx, gov, id, 2, false)
	if err != nil || res != 2 {
		t.Fatalf("set result = %d, %v", res, err)
	}
	if _, err := env.eng.SetResultID(ctx, gov, id, 0, true); err == nil {
		t.Error("second override accepted")
	}
	env.clock.Set(t0.Add(2 * time.Hour))
	if _, err := env.eng.Close(ctx, r1, id, 1, false); err == nil {
		t.Error("vote on resolved pair accepted")
	}
}

func TestEngine_OpenValidation(t *testing.T) {
	env := newTestEnv(t)
	base := OpenParams{
		Chip:         chip,
		OptionsQty:   2,
		EndStakeAt:   t0.Add(time.Hour),
		ResolutionAt: t0.Add(2 * time.Hour),
		Resolvers:    []common.Address{r1},
	}
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	tests := []struct {
		name   string
		mutate func(p *OpenParams)
		want   error
	}{
		{"one option", func(p *OpenParams) { p.OptionsQty = 1 }, ErrInvalidOptionsQty},
		{"void sentinel option", func(p *OpenParams) { p.OptionsQty = 65535 }, ErrInvalidOptionsQty},
		{"no resolvers", func(p *OpenParams) { p.Resolvers = nil }, ErrInvalidResolvers},
		{"even resolvers", func(p *OpenParams) { p.Resolvers = []common.Address{r1, r2} }, ErrInvalidResolvers},
		{"repeated resolver", func(p *OpenParams) { p.Resolvers = []common.Address{r1, r1, r2} }, ErrInvalidResolvers},
		{"zero resolver", func(p *OpenParams) { p.Resolvers = []common.Address{{}} }, ErrInvalidResolvers},
		{"unknown chip", func(p *OpenParams) { p.Chip = unknown }, chips.ErrInvalidChip},
		{"end stake in past", func(p *OpenParams) { p.EndStakeAt = t0 }, ErrInvalidTime},
		{"resolution before end", func(p *OpenParams) { p.ResolutionAt = p.EndStakeAt }, ErrInvalidTime},
		{"bad category", func(p *OpenParams) { p.Category = "weather" }, ErrInvalidCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			if _, err := env.eng.Open(context.Background(), creator, p); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	v, err := env.eng.Open(context.Background(), creator, base)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if v.Pair.Category != model.CategoryOthers || v.Pair.CreationFeeRatio != 5000 {
		t.Errorf("pair = %+v, want default category and fee", v.Pair)
	}
	if !v.Inner.ResolveDeadlineAt.Equal(t0.Add(26 * time.Hour)) {
		t.Errorf("deadline = %s", v.Inner.ResolveDeadlineAt)
	}
}

func TestEngine_InvalidatedChipKeepsExistingPairs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)

	if _, err := env.eng.UpdateChip(ctx, p1, chip, model.ChipInvalid); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-governance err = %v, want forbidden", err)
	}
	if _, err := env.eng.UpdateChip(ctx, gov, chip, model.ChipInvalid); err != nil {
		t.Fatalf("update chip: %v", err)
	}
	if _, err := env.eng.Open(ctx, creator, OpenParams{
		Chip: chip, OptionsQty: 2, EndStakeAt: t0.Add(time.Hour), ResolutionAt: t0.Add(2 * time.Hour),
		Resolvers: []common.Address{r1},
	}); !errors.Is(err, chips.ErrInvalidChip) {
		t.Errorf("open on invalid chip err = %v", err)
	}
	env.stake(t, id, p1, 1, 10)
}

func TestEngine_CreationFeeFrozenAtOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	before := env.open(t, chip, r1)

	if err := env.eng.SetCreationFee(ctx, p1, 100); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-governance err = %v, want forbidden", err)
	}
	if err := env.eng.SetCreationFee(ctx, gov, 9000); !errors.Is(err, ErrInvalidCreationFee) {
		t.Errorf("above max err = %v, want invalid creation fee", err)
	}
	if err := env.eng.SetCreationFee(ctx, gov, 2000); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	if got, _ := env.eng.CreationFee(ctx); got != 2000 {
		t.Errorf("fee = %d, want 2000", got)
	}
	after := env.open(t, chip, r1)

	a, _ := env.eng.Pair(ctx, before)
	b, _ := env.eng.Pair(ctx, after)
	if a.Pair.CreationFeeRatio != 5000 || b.Pair.CreationFeeRatio != 2000 {
		t.Errorf("ratios = %d, %d; want 5000, 2000", a.Pair.CreationFeeRatio, b.Pair.CreationFeeRatio)
	}
}

func TestEngine_PausedBlocksStakeAndClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)
	env.stake(t, id, p1, 1, 10)

	if err := env.eng.PausePair(ctx, p1, id, true); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-governance err = %v, want forbidden", err)
	}
	if err := env.eng.PausePair(ctx, gov, id, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.eng.Stake(ctx, p2, id, 1, d(5)); err == nil {
		t.Error("stake on paused pair accepted")
	}
	if got := env.vault.BalanceOf(chip, p2); !got.Equal(d(1000)) {
		t.Errorf("p2 charged while paused: %s", got)
	}

	env.clock.Set(t0.Add(time.Hour))
	if _, err := env.eng.Claim(ctx, p1, id, 1, 0); !errors.Is(err, settlement.ErrPairPaused) {
		t.Errorf("claim while paused err = %v", err)
	}
	if err := env.eng.PausePair(ctx, gov, id, false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.eng.Claim(ctx, p1, id, 1, 0); err != nil {
		t.Errorf("claim after resume: %v", err)
	}
}

func TestEngine_StakeRefundedWhenCommitFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)

	env.store.FailNextCommit(errors.New("disk full"))
	if _, err := env.eng.Stake(ctx, p1, id, 1, d(10)); err == nil {
		t.Fatal("stake succeeded despite failed commit")
	}
	if got := env.vault.BalanceOf(chip, p1); !got.Equal(d(1000)) {
		t.Errorf("p1 balance = %s, want 1000", got)
	}
	detail, err := env.eng.Pair(ctx, id)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if !detail.Inner.Total.IsZero() {
		t.Errorf("total = %s, want 0", detail.Inner.Total)
	}
}

func TestEngine_StakeTransferFailureLeavesBookUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)

	if _, err := env.eng.Stake(ctx, p1, id, 1, d(5000)); !errors.Is(err, custody.ErrInsufficientBalance) {
		t.Errorf("err = %v, want insufficient balance", err)
	}
	detail, _ := env.eng.Pair(ctx, id)
	if !detail.Inner.Total.IsZero() || len(detail.Volumes) != 0 {
		t.Errorf("pair mutated: %+v", detail.PairView)
	}
}

func TestEngine_ClaimRestoredWhenTransferFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.settled(t, chip)

	env.custody.failOut = 1
	if _, err := env.eng.Claim(ctx, p1, id, 1, 0); err == nil {
		t.Fatal("claim succeeded despite failed transfer")
	}
	r, err := env.eng.RewardOf(ctx, id, 1, 0, p1)
	if err != nil {
		t.Fatalf("reward of: %v", err)
	}
	if !r.Principal.Equal(d(10)) {
		t.Errorf("stake not restored: %+v", r)
	}

	c, err := env.eng.Claim(ctx, p1, id, 1, 0)
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if !c.Paid.Equal(d(19)) {
		t.Errorf("paid = %s, want 19", c.Paid)
	}

	hist, _ := env.eng.AccountHistory(ctx, p1)
	var reversals int
	for _, e := range hist {
		if e.Kind == model.EntryReversal {
			reversals++
		}
	}
	if reversals != 1 {
		t.Errorf("reversals = %d, want 1", reversals)
	}
}

func TestEngine_CreationRewards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.settled(t, chip)

	if _, err := env.eng.ClaimCreationRewards(ctx, p1, id); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger err = %v, want forbidden", err)
	}
	fee, err := env.eng.ClaimCreationRewards(ctx, gov, id)
	if err != nil {
		t.Fatalf("governance claim: %v", err)
	}
	if got := env.vault.BalanceOf(chip, creator); !got.Equal(d(1000).Add(fee)) {
		t.Errorf("creator balance = %s, want 1000 + %s", got, fee)
	}
	if _, err := env.eng.ClaimCreationRewards(ctx, creator, id); !errors.Is(err, settlement.ErrClaimed) {
		t.Errorf("second claim err = %v, want claimed", err)
	}
}

func TestEngine_WithdrawToVaultIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	done := env.settled(t, chip)

	env.clock.Set(t0)
	pending := env.open(t, chip, r1)

	if _, err := env.eng.WithdrawToVault(ctx, p1, []uint64{done}); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-governance err = %v, want forbidden", err)
	}
	if _, err := env.eng.WithdrawToVault(ctx, gov, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty batch err = %v", err)
	}
	if _, err := env.eng.WithdrawToVault(ctx, gov, []uint64{done, pending}); !errors.Is(err, settlement.ErrInvalidPair) {
		t.Errorf("mixed batch err = %v, want invalid pair", err)
	}
	detail, _ := env.eng.Pair(ctx, done)
	if detail.Inner.VaultSwept {
		t.Error("valid pair swept by a rejected batch")
	}

	sweeps, err := env.eng.WithdrawToVault(ctx, gov, []uint64{done, done})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(sweeps) != 1 {
		t.Errorf("sweeps = %+v, want one", sweeps)
	}
	if _, err := env.eng.WithdrawToVault(ctx, gov, []uint64{done}); !errors.Is(err, settlement.ErrSweptAlready) {
		t.Errorf("repeat sweep err = %v, want swept already", err)
	}
}

func TestEngine_WithdrawToVaultRestoresUnpaidChips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.settled(t, chip)
	env.clock.Set(t0)
	b := env.settled(t, otherChip)

	env.custody.failOut = 1
	if _, err := env.eng.WithdrawToVault(ctx, gov, []uint64{a, b}); err == nil {
		t.Fatal("sweep succeeded despite failed transfer")
	}
	for _, id := range []uint64{a, b} {
		detail, _ := env.eng.Pair(ctx, id)
		if detail.Inner.VaultSwept {
			t.Errorf("pair %d left swept after failed transfer", id)
		}
	}
	if _, err := env.eng.WithdrawToVault(ctx, gov, []uint64{a, b}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestEngine_ClaimMaxLevel(t *testing.T) {
	table, err := tier.NewTable([]tier.Level{{MinVolume: d(10), Multiplier: d(1), RewardBps: 1000}})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	env := newTestEnv(t, func(deps *Deps, _ *Config) {
		deps.Bonus = table
		deps.Activity = table
	})
	ctx := context.Background()
	id := env.open(t, chip, r1)
	env.stake(t, id, p1, 1, 10)
	env.stake(t, id, p2, 1, 5)
	env.stake(t, id, p3, 2, 30)
	env.clock.Set(t0.Add(2 * time.Hour))
	if _, err := env.eng.Close(ctx, r1, id, 1, false); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := env.eng.Claim(ctx, p2, id, 1, 1); !errors.Is(err, ErrInvalidMaxLevel) {
		t.Errorf("p2 level 1 err = %v, want invalid max level", err)
	}
	c, err := env.eng.Claim(ctx, p1, id, 1, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// profit 9 * 10 * 30 / (10 * 15) = 18, paid 28, reward 10% floored.
	if !c.Paid.Equal(d(28)) || !c.TierReward.Equal(d(2)) {
		t.Errorf("claim = %+v, want paid 28 reward 2", c)
	}
	if got := table.Released(p1); !got.Equal(d(2)) {
		t.Errorf("released = %s, want 2", got)
	}
}

func TestEngine_ActivityFailureKeepsStake(t *testing.T) {
	env := newTestEnv(t, func(deps *Deps, _ *Config) { deps.Activity = failingReporter{} })
	ctx := context.Background()
	id := env.open(t, chip, r1)

	receipt, err := env.eng.Stake(ctx, p1, id, 1, d(10))
	if !errors.Is(err, ErrPostCommit) {
		t.Fatalf("err = %v, want post-commit", err)
	}
	if !receipt.Total.Equal(d(10)) {
		t.Errorf("receipt = %+v", receipt)
	}
	detail, _ := env.eng.Pair(ctx, id)
	if !detail.Inner.Total.Equal(d(10)) {
		t.Errorf("total = %s, want 10", detail.Inner.Total)
	}
}

func TestEngine_CreationBond(t *testing.T) {
	env := newTestEnv(t, func(_ *Deps, cfg *Config) {
		cfg.CreationBondChip = chip
		cfg.CreationBondAmount = d(50)
	})
	env.open(t, chip, r1)
	if got := env.vault.BalanceOf(chip, creator); !got.Equal(d(950)) {
		t.Errorf("creator balance = %s, want 950", got)
	}

	env.store.FailNextCommit(errors.New("down"))
	if _, err := env.eng.Open(context.Background(), creator, OpenParams{
		Chip: chip, OptionsQty: 2, EndStakeAt: t0.Add(time.Hour), ResolutionAt: t0.Add(2 * time.Hour),
		Resolvers: []common.Address{r1},
	}); err == nil {
		t.Fatal("open succeeded despite failed commit")
	}
	if got := env.vault.BalanceOf(chip, creator); !got.Equal(d(950)) {
		t.Errorf("bond not refunded: %s", got)
	}
}

func TestEngine_ConcurrentStakesKeepTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.open(t, chip, r1)

	players := []common.Address{p1, p2, p3}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.eng.Stake(ctx, players[i%3], id, uint16(i%2+1), d(1)); err != nil {
				t.Errorf("stake: %v", err)
			}
		}(i)
	}
	wg.Wait()

	book, err := env.store.GetBook(ctx, id)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if !book.Inner.Total.Equal(d(30)) {
		t.Errorf("total = %s, want 30", book.Inner.Total)
	}
	sum := decimal.Zero
	for _, v := range book.Volumes {
		sum = sum.Add(v.Amount)
	}
	if !sum.Equal(book.Inner.Total) {
		t.Errorf("volume sum %s != total %s", sum, book.Inner.Total)
	}
}

func TestEngine_ConcurrentVotesFinalizeOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r4 := common.HexToAddress("0x0000000000000000000000000000000000000d04")
	r5 := common.HexToAddress("0x0000000000000000000000000000000000000d05")
	id := env.open(t, chip, r1, r2, r3, r4, r5)
	env.clock.Set(t0.Add(2 * time.Hour))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		finalized int
		rejected  int
	)
	for _, r := range []common.Address{r1, r2, r3, r4, r5} {
		wg.Add(1)
		go func(r common.Address) {
			defer wg.Done()
			dec, err := env.eng.Close(ctx, r, id, 1, false)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				return
			}
			if dec.Finalized {
				finalized++
			}
		}(r)
	}
	wg.Wait()

	if finalized != 1 {
		t.Errorf("finalized = %d, want 1", finalized)
	}
	// Ballots after the third are refused because the pair is resolved.
	if rejected != 2 {
		t.Errorf("rejected = %d, want 2", rejected)
	}
}

func TestEngine_ReplayStakeActivityRebuildsTiers(t *testing.T) {
	levels := []tier.Level{{MinVolume: d(10), Multiplier: d(1), RewardBps: 1000}}
	table, err := tier.NewTable(levels)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	env := newTestEnv(t, func(deps *Deps, _ *Config) {
		deps.Bonus = table
		deps.Activity = table
	})
	ctx := context.Background()
	id := env.open(t, chip, r1)
	env.stake(t, id, p1, 1, 6)
	env.stake(t, id, p1, 2, 4)
	env.stake(t, id, p2, 1, 5)

	// A restarted process starts with an empty table over the same store.
	fresh, _ := tier.NewTable(levels)
	restarted := NewEngine(Deps{
		Store:    env.store,
		Chips:    env.eng.chips,
		Custody:  env.custody,
		Bonus:    fresh,
		Activity: fresh,
		Clock:    env.clock,
	}, env.eng.cfg)

	n, err := restarted.ReplayStakeActivity(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 3 {
		t.Errorf("replayed %d stakes, want 3", n)
	}
	for _, tc := range []struct {
		player common.Address
		want   uint8
	}{{p1, 1}, {p2, 0}} {
		got, _ := fresh.MaxTierLevel(ctx, tc.player)
		before, _ := table.MaxTierLevel(ctx, tc.player)
		if got != tc.want || got != before {
			t.Errorf("level of %s = %d (before restart %d), want %d", tc.player.Hex(), got, before, tc.want)
		}
	}
}
