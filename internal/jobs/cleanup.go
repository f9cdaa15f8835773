package jobs

import (
	"context"
	"time"

	"github.com/eigerco/cartridge/internal/store"
	"github.com/eigerco/cartridge/pkg/log"
)

// CleanHistory deletes succeeded and failed records that finished before
// cutoff and returns how many were removed.
func (sc *Scheduler) CleanHistory(cutoff time.Time) (int, error) {
	return store.WriteValue(sc.store, func(tx *store.WriteTx) (int, error) {
		removed := 0
		for _, st := range []Status{Succeeded, Failed} {
			recs, err := List(tx, st)
			if err != nil {
				return 0, err
			}
			for _, rec := range recs {
				if !rec.FinishedAt.Before(cutoff) {
					continue
				}
				if err := tx.Delete(Prefix(st).Append(rec.ID)); err != nil {
					return 0, err
				}
				removed++
			}
		}
		return removed, nil
	})
}

func (sc *Scheduler) cleanupLoop(ctx context.Context) {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sc.CleanHistory(sc.now().Add(-sc.keep))
			if err != nil {
				log.Jobs.Error().Err(err).Msg("clean job history")
				continue
			}
			if n > 0 {
				log.Jobs.Debug().Int("removed", n).Msg("cleaned job history")
			}
		}
	}
}
