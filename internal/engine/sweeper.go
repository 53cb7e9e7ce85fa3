package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tidepay/tidepay/internal/ledger"
)

// Sweeper periodically fails transactions abandoned before their atomic
// commit, e.g. by a process crash mid-operation. Such transactions carry no
// ledger entries, so failing them never touches a balance.
type Sweeper struct {
	store      ledger.Store
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSweeper constructs a sweeper; call Start to begin sweeping.
func NewSweeper(store ledger.Store, interval, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// SweepOnce runs a single sweep pass and returns how many transactions were
// failed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	return s.store.FailStalePending(ctx, time.Now().Add(-s.staleAfter))
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("stale transaction sweep failed", "error", err)
		return
	}
	if swept > 0 {
		s.logger.Info("swept stale transactions", "count", swept)
	}
}
