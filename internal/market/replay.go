package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/parimutuel/internal/model"
)

// ReplayStakeActivity reports every journaled stake to the activity reporter
// again. An in-process reporter such as tier.Table keeps its volumes in
// memory, so this rebuilds them after a restart against a persistent store.
// It returns the number of stakes replayed.
func (e *Engine) ReplayStakeActivity(ctx context.Context) (int, error) {
	views, err := e.store.ListPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pairs: %w", err)
	}

	n := 0
	for _, v := range views {
		entries, err := e.store.GetLedgerEntriesByPair(ctx, v.Pair.ID)
		if err != nil {
			return n, fmt.Errorf("pair %d history: %w", v.Pair.ID, err)
		}
		for _, en := range entries {
			if en.Kind != model.EntryStake {
				continue
			}
			if err := e.activity.ReportStakeActivity(ctx, en.Account, v.Pair.Chip, en.Amount); err != nil {
				return n, fmt.Errorf("replay stake on pair %d: %w", v.Pair.ID, err)
			}
			n++
		}
	}
	slog.Info("stake activity replayed", "pairs", len(views), "stakes", n)
	return n, nil
}
