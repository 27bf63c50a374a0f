package imgcache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Restore replaces the index and counters with the stored snapshot. A
// missing snapshot is not an error. On any failure the service is left
// empty and an ErrPersistenceRead error is returned for logging; the
// service stays usable either way.
func (s *Service) Restore(ctx context.Context) error {
	if s.opts.Backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	blob, ok, err := s.opts.Backend.Load(ctx, s.opts.StoreKey)

	s.mu.Lock()
	s.window.Reset()
	if err != nil || !ok {
		s.index.Reset()
		s.mu.Unlock()
		if err != nil {
			s.stats.Reset()
			return fmt.Errorf("%w: %w", ErrPersistenceRead, err)
		}
		return nil
	}
	st, err := s.index.Restore(blob)
	n := s.index.Len()
	s.mu.Unlock()

	if err != nil {
		s.stats.Reset()
		return fmt.Errorf("%w: %w", ErrPersistenceRead, err)
	}
	s.stats.Restore(st)
	s.logger.Info("snapshot restored", zap.Int("entries", n))
	return nil
}

// Flush writes the snapshot now. The service keeps working on failure
// and retries at the next flush.
func (s *Service) Flush(ctx context.Context) error {
	if s.opts.Backend == nil {
		s.dirty.Store(false)
		return nil
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Service) flushLocked(ctx context.Context) error {
	s.dirty.Store(false)
	s.mu.Lock()
	blob, err := s.index.Snapshot(s.stats.Snapshot(), s.clock.Now())
	s.mu.Unlock()
	if err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.opts.Backend.Save(ctx, s.opts.StoreKey, blob); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("%w: %w", ErrPersistenceWrite, err)
	}
	return nil
}

// flushAsync starts a background flush. Failures are logged only. The
// flush is skipped if another one already wrote the latest state.
func (s *Service) flushAsync() {
	if s.opts.Backend == nil {
		return
	}
	s.goBackground(func() {
		s.flushMu.Lock()
		defer s.flushMu.Unlock()
		if !s.dirty.Load() {
			return
		}
		if err := s.flushLocked(s.ctx); err != nil {
			s.logger.Warn("snapshot flush skipped", zap.Error(err))
		}
	})
}
