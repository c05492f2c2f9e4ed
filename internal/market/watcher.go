package market

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/parimutuel/internal/consensus"
	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/model"
)

// ScanExpired reports pairs that passed their resolve deadline without a
// result since the last scan. Expiry is derived from time alone, so the scan
// only publishes it; nothing is written.
func (e *Engine) ScanExpired(ctx context.Context) ([]uint64, error) {
	views, err := e.Pairs(ctx)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()

	e.expiredMu.Lock()
	defer e.expiredMu.Unlock()

	var found []uint64
	active := 0
	for _, v := range views {
		state, _ := consensus.Status(v.Inner, now)
		switch state {
		case consensus.Unresolved:
			active++
		case consensus.Expired:
			if _, seen := e.expired[v.Pair.ID]; seen {
				continue
			}
			e.expired[v.Pair.ID] = struct{}{}
			found = append(found, v.Pair.ID)
		}
	}
	metrics.ActivePairs.Set(float64(active))

	for _, id := range found {
		metrics.ResolutionsTotal.WithLabelValues("expired").Inc()
		slog.Info("pair expired", "pair_id", id)
		e.events.Publish(model.Event{Type: "pair_expired", PairID: id})
	}
	return found, nil
}

// WatchExpiries runs ScanExpired every interval until ctx is done.
func (e *Engine) WatchExpiries(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.ScanExpired(ctx); err != nil {
			slog.Error("expiry scan failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
