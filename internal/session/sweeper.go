package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/observability"
)

// Sweeper reaps sessions idle past the TTL on a fixed interval. OnExpire
// runs per reaped session, outside the registry lock, so the stream for a
// still-attached subscriber can be ended.
type Sweeper struct {
	Manager  *Manager
	Interval time.Duration
	Logger   *slog.Logger
	OnExpire func(token string)
}

func (s *Sweeper) ensureDefaults() {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		s.ProcessOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce runs one sweep cycle and returns the number of sessions
// reaped.
func (s *Sweeper) ProcessOnce(ctx context.Context) int {
	expired := s.Manager.SweepExpired()
	for _, token := range expired {
		observability.SessionExpired()
		if s.Logger != nil {
			s.Logger.InfoContext(ctx, "session expired",
				slog.String("session_token", token),
			)
		}
		if s.OnExpire != nil {
			s.OnExpire(token)
		}
	}
	return len(expired)
}
