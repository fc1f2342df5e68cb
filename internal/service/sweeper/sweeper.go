package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/metrics"
	"github.com/nkiryanov/schoolgate/internal/repository"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 100
)

type Config struct {
	Interval  time.Duration
	BatchSize int

	// Clock, time.Now if not set
	Now func() time.Time
}

// Sweeper closes sessions past their expiry and expires their tokens
type Sweeper struct {
	interval  time.Duration
	batchSize int
	now       func() time.Time

	storage repository.Storage
	logger  logger.Logger
}

func New(cfg Config, storage repository.Storage, l logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Sweeper{
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
		storage:   storage,
		logger:    l,
	}
}

// Run sweeps every interval until ctx is done
// Returned channel is closed when the sweeper stopped
func (s *Sweeper) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	s.logger.Debug("Starting sweeper", "interval", s.interval, "batch_size", s.batchSize)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Sweeper stopped by context")
				return

			case <-ticker.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Error("Failed to sweep expired sessions", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("Expired sessions swept", "count", n)
				}
			}
		}
	}()

	return idleStopped
}

// Sweep deactivates expired sessions batch by batch
// Each batch with tokens of its sessions is one transaction
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	now := s.now()

	for {
		var swept int
		err := s.storage.InTx(ctx, func(tx repository.Storage) error {
			ids, err := tx.Session().DeactivateExpired(ctx, now, s.batchSize)
			if err != nil {
				return err
			}

			for _, id := range ids {
				if err := tx.Token().ExpireSessionTokens(ctx, id); err != nil {
					return fmt.Errorf("failed to expire tokens of session %s: %w", id, err)
				}
			}
			swept = len(ids)
			return nil
		})
		if err != nil {
			return total, err
		}

		total += swept
		metrics.SessionsSwept.Add(float64(swept))

		if swept < s.batchSize || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}
