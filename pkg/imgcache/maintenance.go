package imgcache

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mode selects a maintenance pass.
type Mode uint8

const (
	// ModeMemoryOnly releases decoded images and leaves the index and
	// the snapshot alone.
	ModeMemoryOnly Mode = iota
	// ModeFull applies the eviction policy to the index.
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeMemoryOnly:
		return "memory"
	case ModeFull:
		return "full"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory", "memory_only", "memoryonly":
		return ModeMemoryOnly, nil
	case "", "full":
		return ModeFull, nil
	}
	return 0, fmt.Errorf("%w: unknown maintenance mode %q", ErrInvalidInput, s)
}

// RunMaintenance runs one pass and returns the number of removed
// entries. The error is non-nil only for an unknown mode.
func (s *Service) RunMaintenance(ctx context.Context, mode Mode) (int, error) {
	var removed int
	switch mode {
	case ModeMemoryOnly:
		removed = s.trimMemory()
	case ModeFull:
		removed = s.evict()
		if removed > 0 {
			s.flushAsync()
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrInvalidInput, mode)
	}
	s.logger.Info("maintenance done", zap.Stringer("mode", mode), zap.Int("removed", removed))
	return removed, nil
}

// evict applies the eviction policy to the index and drops the victims
// from the memory window as well.
func (s *Service) evict() int {
	now := s.clock.Now()

	s.mu.Lock()
	victims := s.opts.Policy.Plan(s.index.Entries(), now)
	for _, v := range victims {
		s.window.Del(v.Key)
		s.index.Remove(v.Key)
	}
	s.mu.Unlock()

	s.stats.MarkCleanup(now)
	if len(victims) == 0 {
		return 0
	}
	s.stats.RecordEviction(len(victims))
	s.dirty.Store(true)
	for _, v := range victims {
		s.logger.Debug("evicted", zap.Stringer("key", v.Key), zap.Stringer("reason", v.Reason))
	}
	return len(victims)
}

// trimMemory drops resident images whose entries have expired, then
// truncates the window to the memory target.
func (s *Service) trimMemory() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, k := range s.opts.Policy.Expired(s.index.Entries(), now) {
		if _, ok := s.window.Del(k); ok {
			removed++
		}
	}
	s.stats.RecordEviction(removed)

	// Truncate reports through onWindowEvict.
	removed += len(s.window.Truncate(s.opts.MemoryTarget))
	return removed
}
