package frame

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Target is one primary allocation's compactable state: its log, the
// directory its snapshots live in, and the policy governing when to act.
type Target struct {
	Log           *Log
	SnapshotDir   string
	MaxLogSize    int64
	MinAckedFrame func() uint64 // lowest frame number acknowledged by any tracked replica
}

// ShouldCompact reports whether t's log has grown past its size threshold.
// Compaction never advances beyond the minimum frame number any tracked
// replica has acknowledged, so a lagging replica caps how far it can run.
func (t Target) ShouldCompact() bool {
	return t.Log.byteSize() > t.MaxLogSize
}

// byteSize is a small accessor kept unexported since only the compaction
// policy above needs it; everything else goes through the public API.
func (l *Log) byteSize() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Compact freezes t's log into a new snapshot covering every frame up to
// the minimum of the log's current tail and the lowest frame acknowledged
// by any replica, then truncates the log to that point.
func Compact(t Target, logger zerolog.Logger) error {
	tail := t.Log.MaxAvailableFrameNo()
	floor := t.Log.Floor()
	if tail <= floor {
		return nil // nothing new to compact
	}

	ceiling := tail
	if t.MinAckedFrame != nil {
		if acked := t.MinAckedFrame(); acked < ceiling {
			ceiling = acked
		}
	}
	if ceiling <= floor {
		return nil // a lagging replica has nothing new acknowledged
	}

	frames, err := t.Log.StreamFrom(floor + 1)
	if err != nil {
		return fmt.Errorf("compact: read frames to freeze: %w", err)
	}
	// Trim to the ceiling: StreamFrom returns up to the tail, but we must
	// not freeze frames past what every tracked replica has acknowledged.
	for i, f := range frames {
		if f.FrameNo > ceiling {
			frames = frames[:i]
			break
		}
	}
	if len(frames) == 0 {
		return nil
	}

	if _, err := WriteSnapshot(t.SnapshotDir, frames, logger); err != nil {
		return fmt.Errorf("compact: write snapshot: %w", err)
	}
	if err := t.Log.resetAfterCompaction(ceiling); err != nil {
		return fmt.Errorf("compact: reset log: %w", err)
	}
	logger.Info().Uint64("floor", ceiling).Msg("compacted frame log")
	return nil
}

// Scheduler runs Compact across a set of registered targets on a cron
// schedule; each sweep compacts the targets whose log has grown past
// MaxLogSize. No other code path compacts a log.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	targets map[string]func() Target
}

// NewScheduler creates a Scheduler with no targets; Start sets its
// schedule.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger.With().Str("component", "compactor").Logger(),
		targets: make(map[string]func() Target),
	}
}

// Register adds an allocation's compaction target under name (its db_name),
// resolved lazily on each tick since the underlying Log may be replaced
// across allocation restarts.
func (s *Scheduler) Register(name string, resolve func() Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[name] = resolve
}

// Unregister removes an allocation from the schedule, e.g. on deallocation.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, name)
}

// Start schedules a sweep at spec, a standard 5-field cron expression
// (e.g. "*/30 * * * *"), and runs until ctx is canceled. An empty spec
// schedules no sweep, so no registered target is ever compacted.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	if spec == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	_, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return fmt.Errorf("compactor: bad cron spec %q: %w", spec, err)
	}
	s.cron.Start()
	<-ctx.Done()
	s.cron.Stop()
	return ctx.Err()
}

func (s *Scheduler) sweep() {
	s.mu.Lock()
	resolvers := make([]func() Target, 0, len(s.targets))
	for _, r := range s.targets {
		resolvers = append(resolvers, r)
	}
	s.mu.Unlock()

	for _, resolve := range resolvers {
		t := resolve()
		if !t.ShouldCompact() {
			continue
		}
		if err := Compact(t, s.logger); err != nil {
			s.logger.Err(err).Msg("scheduled compaction failed")
		}
	}
}
