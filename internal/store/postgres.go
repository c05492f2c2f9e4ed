package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Chips ---

func (s *PostgresStore) GetChip(ctx context.Context, addr common.Address) (*model.Chip, error) {
	var c model.Chip
	var address string
	var status, decimals int16

	err := s.pool.QueryRow(ctx,
		`SELECT address, status, decimals, added_at FROM chips WHERE address = $1`, addr.Hex()).
		Scan(&address, &status, &decimals, &c.AddedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chip %s: %w", addr.Hex(), err)
	}
	c.Address = common.HexToAddress(address)
	c.Status = model.ChipStatus(status)
	c.Decimals = uint8(decimals)
	return &c, nil
}

func (s *PostgresStore) PutChips(ctx context.Context, chips []model.Chip) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, c := range chips {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chips (address, status, decimals, added_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (address) DO UPDATE SET status = EXCLUDED.status, decimals = EXCLUDED.decimals`,
			c.Address.Hex(), int16(c.Status), int16(c.Decimals), c.AddedAt,
		); err != nil {
			return fmt.Errorf("put chip %s: %w", c.Address.Hex(), err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListChips(ctx context.Context) ([]model.Chip, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, status, decimals, added_at FROM chips ORDER BY added_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chips []model.Chip
	for rows.Next() {
		var c model.Chip
		var address string
		var status, decimals int16
		if err := rows.Scan(&address, &status, &decimals, &c.AddedAt); err != nil {
			return nil, err
		}
		c.Address = common.HexToAddress(address)
		c.Status = model.ChipStatus(status)
		c.Decimals = uint8(decimals)
		chips = append(chips, c)
	}
	return chips, rows.Err()
}

// --- Protocol ---

func (s *PostgresStore) GetProtocol(ctx context.Context) (*model.Protocol, error) {
	var ratio int32
	err := s.pool.QueryRow(ctx, `SELECT creation_fee_ratio FROM protocol WHERE id = 1`).Scan(&ratio)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol: %w", err)
	}
	return &model.Protocol{CreationFeeRatio: uint16(ratio)}, nil
}

func (s *PostgresStore) SaveProtocol(ctx context.Context, p model.Protocol) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO protocol (id, creation_fee_ratio) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET creation_fee_ratio = EXCLUDED.creation_fee_ratio`,
		int32(p.CreationFeeRatio))
	return err
}

// --- Pairs ---

func (s *PostgresStore) NextPairID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('pair_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next pair id: %w", err)
	}
	return uint64(id), nil
}

const pairColumns = `p.id, p.creator, p.chip, p.options_qty, p.end_stake_at, p.resolution_at,
	p.resolver_qty, p.creation_fee_ratio, p.paused, p.creation_reward_claimed,
	p.category, p.metadata, p.created_at,
	i.result_id, i.start_at, i.resolve_deadline_at, i.total::TEXT, i.vault_swept`

func scanPair(row pgx.Row) (model.Pair, model.InnerPair, error) {
	var p model.Pair
	var in model.InnerPair
	var id int64
	var creator, chip, total string
	var optionsQty, resolverQty, ratio, resultID int32

	err := row.Scan(&id, &creator, &chip, &optionsQty, &p.EndStakeAt, &p.ResolutionAt,
		&resolverQty, &ratio, &p.Paused, &p.CreationRewardClaimed,
		&p.Category, &p.Metadata, &p.CreatedAt,
		&resultID, &in.StartAt, &in.ResolveDeadlineAt, &total, &in.VaultSwept)
	if err != nil {
		return p, in, err
	}
	p.ID = uint64(id)
	p.Creator = common.HexToAddress(creator)
	p.Chip = common.HexToAddress(chip)
	p.OptionsQty = uint16(optionsQty)
	p.ResolverQty = uint16(resolverQty)
	p.CreationFeeRatio = uint16(ratio)
	in.ResultID = uint16(resultID)
	in.Total, err = decimal.NewFromString(total)
	return p, in, err
}

// GetBookForUpdate is GetBook: PostgreSQL is the source of truth.
func (s *PostgresStore) GetBookForUpdate(ctx context.Context, pairID uint64) (*model.Book, error) {
	return s.GetBook(ctx, pairID)
}

func (s *PostgresStore) GetBook(ctx context.Context, pairID uint64) (*model.Book, error) {
	p, in, err := scanPair(s.pool.QueryRow(ctx,
		`SELECT `+pairColumns+`
		 FROM pairs p JOIN inner_pairs i ON i.pair_id = p.id
		 WHERE p.id = $1`, int64(pairID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pair %d: %w", pairID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pair %d: %w", pairID, err)
	}

	b := model.NewBook(p, in, nil)
	if err := s.loadBallots(ctx, b); err != nil {
		return nil, err
	}
	if err := s.loadTallies(ctx, b); err != nil {
		return nil, err
	}
	if err := s.loadVolumes(ctx, b); err != nil {
		return nil, err
	}
	if err := s.loadStakes(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) loadBallots(ctx context.Context, b *model.Book) error {
	rows, err := s.pool.Query(ctx,
		`SELECT resolver, eligible, has_voted, voted_result_id, voted_at
		 FROM resolver_ballots WHERE pair_id = $1`, int64(b.Pair.ID))
	if err != nil {
		return fmt.Errorf("load ballots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r model.ResolverBallot
		var resolver string
		var voted int32
		var votedAt *time.Time
		if err := rows.Scan(&resolver, &r.Eligible, &r.HasVoted, &voted, &votedAt); err != nil {
			return err
		}
		r.Resolver = common.HexToAddress(resolver)
		r.VotedResultID = uint16(voted)
		if votedAt != nil {
			r.VotedAt = *votedAt
		}
		b.Ballots[r.Resolver] = &r
	}
	return rows.Err()
}

func (s *PostgresStore) loadTallies(ctx context.Context, b *model.Book) error {
	rows, err := s.pool.Query(ctx,
		`SELECT outcome_id, votes FROM result_tallies WHERE pair_id = $1`, int64(b.Pair.ID))
	if err != nil {
		return fmt.Errorf("load tallies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome, votes int32
		if err := rows.Scan(&outcome, &votes); err != nil {
			return err
		}
		b.Tallies[uint16(outcome)] = uint32(votes)
	}
	return rows.Err()
}

func (s *PostgresStore) loadVolumes(ctx context.Context, b *model.Book) error {
	rows, err := s.pool.Query(ctx,
		`SELECT outcome_id, amount::TEXT, amount_with_bonus::TEXT, stakers
		 FROM option_volumes WHERE pair_id = $1`, int64(b.Pair.ID))
	if err != nil {
		return fmt.Errorf("load volumes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v model.OptionVolume
		var outcome int32
		var stakers int64
		var amountS, bonusS string
		if err := rows.Scan(&outcome, &amountS, &bonusS, &stakers); err != nil {
			return err
		}
		v.OutcomeID = uint16(outcome)
		v.Stakers = uint32(stakers)
		v.Amount, _ = decimal.NewFromString(amountS)
		v.AmountWithBonus, _ = decimal.NewFromString(bonusS)
		b.Volumes[v.OutcomeID] = &v
	}
	return rows.Err()
}

func (s *PostgresStore) loadStakes(ctx context.Context, b *model.Book) error {
	rows, err := s.pool.Query(ctx,
		`SELECT outcome_id, player, amount::TEXT, amount_with_bonus::TEXT
		 FROM player_stakes WHERE pair_id = $1`, int64(b.Pair.ID))
	if err != nil {
		return fmt.Errorf("load stakes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ps model.PlayerStake
		var outcome int32
		var player, amountS, bonusS string
		if err := rows.Scan(&outcome, &player, &amountS, &bonusS); err != nil {
			return err
		}
		ps.OutcomeID = uint16(outcome)
		ps.Player = common.HexToAddress(player)
		ps.Amount, _ = decimal.NewFromString(amountS)
		ps.AmountWithBonus, _ = decimal.NewFromString(bonusS)
		if b.Stakes[ps.OutcomeID] == nil {
			b.Stakes[ps.OutcomeID] = make(map[common.Address]*model.PlayerStake)
		}
		b.Stakes[ps.OutcomeID][ps.Player] = &ps
	}
	return rows.Err()
}

func (s *PostgresStore) ListPairs(ctx context.Context) ([]model.PairView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pairColumns+`
		 FROM pairs p JOIN inner_pairs i ON i.pair_id = p.id
		 ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []model.PairView
	index := make(map[uint64]int)
	for rows.Next() {
		p, in, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		index[p.ID] = len(views)
		views = append(views, model.PairView{Pair: p, Inner: in})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	vrows, err := s.pool.Query(ctx,
		`SELECT pair_id, outcome_id, amount::TEXT, amount_with_bonus::TEXT, stakers
		 FROM option_volumes ORDER BY pair_id, outcome_id`)
	if err != nil {
		return nil, err
	}
	defer vrows.Close()

	for vrows.Next() {
		var pairID, stakers int64
		var outcome int32
		var amountS, bonusS string
		if err := vrows.Scan(&pairID, &outcome, &amountS, &bonusS, &stakers); err != nil {
			return nil, err
		}
		i, ok := index[uint64(pairID)]
		if !ok {
			continue
		}
		v := model.OptionVolume{OutcomeID: uint16(outcome), Stakers: uint32(stakers)}
		v.Amount, _ = decimal.NewFromString(amountS)
		v.AmountWithBonus, _ = decimal.NewFromString(bonusS)
		views[i].Volumes = append(views[i].Volumes, v)
	}
	return views, vrows.Err()
}

// Commit writes every book and ledger entry in a single transaction.
func (s *PostgresStore) Commit(ctx context.Context, books []*model.Book, entries []model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, b := range books {
		queueBook(batch, b)
	}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO ledger_entries (id, pair_id, kind, account, outcome_id, amount, profit, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
			e.ID, int64(e.PairID), e.Kind, e.Account.Hex(), int32(e.OutcomeID),
			e.Amount.String(), e.Profit.String(), e.Timestamp,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("commit statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func queueBook(batch *pgx.Batch, b *model.Book) {
	p, in := b.Pair, b.Inner
	id := int64(p.ID)

	batch.Queue(
		`INSERT INTO pairs (id, creator, chip, options_qty, end_stake_at, resolution_at, resolver_qty,
		                    creation_fee_ratio, paused, creation_reward_claimed, category, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET paused = EXCLUDED.paused,
		                               creation_reward_claimed = EXCLUDED.creation_reward_claimed`,
		id, p.Creator.Hex(), p.Chip.Hex(), int32(p.OptionsQty), p.EndStakeAt, p.ResolutionAt,
		int32(p.ResolverQty), int32(p.CreationFeeRatio), p.Paused, p.CreationRewardClaimed,
		p.Category, p.Metadata, p.CreatedAt,
	)
	batch.Queue(
		`INSERT INTO inner_pairs (pair_id, result_id, start_at, resolve_deadline_at, total, vault_swept)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (pair_id) DO UPDATE SET result_id = EXCLUDED.result_id, total = EXCLUDED.total,
		                                    vault_swept = EXCLUDED.vault_swept`,
		id, int32(in.ResultID), in.StartAt, in.ResolveDeadlineAt, in.Total.String(), in.VaultSwept,
	)

	for _, r := range b.SortedBallots() {
		var votedAt *time.Time
		if r.HasVoted {
			t := r.VotedAt
			votedAt = &t
		}
		batch.Queue(
			`INSERT INTO resolver_ballots (pair_id, resolver, eligible, has_voted, voted_result_id, voted_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (pair_id, resolver) DO UPDATE SET eligible = EXCLUDED.eligible,
			     has_voted = EXCLUDED.has_voted, voted_result_id = EXCLUDED.voted_result_id,
			     voted_at = EXCLUDED.voted_at`,
			id, r.Resolver.Hex(), r.Eligible, r.HasVoted, int32(r.VotedResultID), votedAt,
		)
	}
	for outcome, votes := range b.Tallies {
		batch.Queue(
			`INSERT INTO result_tallies (pair_id, outcome_id, votes) VALUES ($1, $2, $3)
			 ON CONFLICT (pair_id, outcome_id) DO UPDATE SET votes = EXCLUDED.votes`,
			id, int32(outcome), int32(votes),
		)
	}
	for _, v := range b.SortedVolumes() {
		batch.Queue(
			`INSERT INTO option_volumes (pair_id, outcome_id, amount, amount_with_bonus, stakers)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
			 ON CONFLICT (pair_id, outcome_id) DO UPDATE SET amount = EXCLUDED.amount,
			     amount_with_bonus = EXCLUDED.amount_with_bonus, stakers = EXCLUDED.stakers`,
			id, int32(v.OutcomeID), v.Amount.String(), v.AmountWithBonus.String(), int64(v.Stakers),
		)
	}
	for _, ps := range b.DirtyStakes() {
		batch.Queue(
			`INSERT INTO player_stakes (pair_id, outcome_id, player, amount, amount_with_bonus)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
			 ON CONFLICT (pair_id, outcome_id, player) DO UPDATE SET amount = EXCLUDED.amount,
			     amount_with_bonus = EXCLUDED.amount_with_bonus`,
			id, int32(ps.OutcomeID), ps.Player.Hex(), ps.Amount.String(), ps.AmountWithBonus.String(),
		)
	}
}

// --- Ledger ---

func (s *PostgresStore) GetLedgerEntriesByPair(ctx context.Context, pairID uint64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pair_id, kind, account, outcome_id, amount::TEXT, profit::TEXT, timestamp
		 FROM ledger_entries WHERE pair_id = $1 ORDER BY timestamp`, int64(pairID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pair_id, kind, account, outcome_id, amount::TEXT, profit::TEXT, timestamp
		 FROM ledger_entries WHERE account = $1 ORDER BY timestamp`, account.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var pairID int64
		var outcome int32
		var account, amountS, profitS string

		if err := rows.Scan(&e.ID, &pairID, &e.Kind, &account, &outcome,
			&amountS, &profitS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.PairID = uint64(pairID)
		e.Account = common.HexToAddress(account)
		e.OutcomeID = uint16(outcome)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Profit, _ = decimal.NewFromString(profitS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
