package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/models"
)

const DefaultSweepInterval = time.Hour

// Sweep removes every encrypted message that expired before now, together
// with its index entries. Running it again on the same state removes nothing.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	const op = "chat.Sweep"

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.EncryptedMessage
	err := s.store.EncryptedMessages.Iterate(ctx, func(_ uint64, m models.EncryptedMessage) error {
		if m.IsExpired(now) {
			expired = append(expired, m)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	removed := 0
	for _, m := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.removeEncrypted(ctx, m); err != nil {
			return removed, fmt.Errorf("%s: message %d: %w", op, m.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Sweeper runs Sweep on a fixed interval.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{service: service, interval: interval}
}

// Run blocks until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	log := sw.service.log(ctx).With(zap.Duration("interval", sw.interval))
	log.Info("expiry sweeper started")

	t := time.NewTicker(sw.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("expiry sweeper stopped")
			return
		case <-t.C:
			removed, err := sw.service.Sweep(ctx, sw.service.now())
			if err != nil {
				log.Error("sweep failed", zap.Int("removed", removed), zap.Error(err))
				continue
			}
			if removed > 0 {
				log.Info("expired messages removed", zap.Int("removed", removed))
			}
		}
	}
}
