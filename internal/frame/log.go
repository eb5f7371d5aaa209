package frame

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ErrSnapshotRequired is returned by StreamFrom when the requested offset
// precedes the compaction horizon: the caller must fetch a snapshot and
// resume streaming from snapshot.LastFrameNo()+1 instead.
var ErrSnapshotRequired = errors.New("frame: snapshot required")

// Log is an append-only, on-disk WAL frame log for one allocation. Frame
// numbers are dense and contiguous starting at floor+1, where floor is the
// frame number of the most recent compaction.
//
// All mutation goes through the owning allocation actor's single goroutine,
// so Log itself only needs to guard readers racing a concurrent Compact.
type Log struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	file    *os.File
	floor   uint64 // frames 1..floor have been compacted away
	tail    uint64 // highest frame number appended
	offsets map[uint64]int64
	size    int64
}

// Open opens or creates the frame log at path.
func Open(path string, logger zerolog.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("frame log: open %s: %w", path, err)
	}
	l := &Log{
		path:    path,
		logger:  logger.With().Str("component", "frame-log").Logger(),
		file:    f,
		offsets: make(map[uint64]int64),
	}
	if err := l.reindex(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// reindex scans the log file once at startup to recover the offset index
// and tail frame number. A torn trailing frame (a crash mid-append) is
// truncated away rather than surfaced as an error.
func (l *Log) reindex() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("frame log: stat: %w", err)
	}
	buf := make([]byte, info.Size())
	if _, err := l.file.ReadAt(buf, 0); err != nil && info.Size() > 0 {
		return fmt.Errorf("frame log: read: %w", err)
	}

	var pos int64
	rest := buf
	for len(rest) > 0 {
		f, n, err := Decode(rest)
		if err != nil {
			l.logger.Warn().Err(err).Int64("offset", pos).Msg("truncating torn tail frame")
			break
		}
		l.offsets[f.FrameNo] = pos
		l.tail = f.FrameNo
		pos += int64(n)
		rest = rest[n:]
	}
	l.size = pos
	return l.file.Truncate(pos)
}

// Append writes frame to the tail of the log. It must be called only from
// the allocation actor's single goroutine (the one that owns writes).
func (l *Log) Append(f Frame) error {
	if f.FrameNo == 0 {
		return ErrInvalidFrameNo
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if f.FrameNo != l.tail+1 {
		return fmt.Errorf("frame log: non-contiguous append, want frame %d, got %d", l.tail+1, f.FrameNo)
	}

	buf := f.Encode(nil)
	if _, err := l.file.WriteAt(buf, l.size); err != nil {
		return fmt.Errorf("frame log: append: %w", err)
	}
	l.offsets[f.FrameNo] = l.size
	l.size += int64(len(buf))
	l.tail = f.FrameNo
	return nil
}

// MaxAvailableFrameNo returns the highest frame number currently in the log.
func (l *Log) MaxAvailableFrameNo() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail
}

// Floor returns the compaction horizon: the highest frame number compacted
// away (0 before any compaction). Frames at or below Floor require a
// snapshot; Floor+1 is the lowest frame number readable from the log.
func (l *Log) Floor() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.floor
}

// StreamFrom returns frames [from, from+1, ...] up to the current tail, in
// order. If from is at or below the compaction horizon, it returns
// ErrSnapshotRequired instead of silently skipping frames.
func (l *Log) StreamFrom(from uint64) ([]Frame, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if from <= l.floor {
		return nil, ErrSnapshotRequired
	}
	if from > l.tail {
		return nil, nil
	}

	frames := make([]Frame, 0, l.tail-from+1)
	for fn := from; fn <= l.tail; fn++ {
		off, ok := l.offsets[fn]
		if !ok {
			return nil, fmt.Errorf("frame log: missing frame %d below tail %d", fn, l.tail)
		}
		full := make([]byte, l.size-off)
		n, err := l.file.ReadAt(full, off)
		if err != nil && n == 0 {
			return nil, fmt.Errorf("frame log: read frame %d: %w", fn, err)
		}
		f, _, err := Decode(full)
		if err != nil {
			return nil, fmt.Errorf("frame log: decode frame %d: %w", fn, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// resetAfterCompaction discards frames up to newFloor and moves the frames
// after it to the front of the backing file, called only by Compact.
func (l *Log) resetAfterCompaction(newFloor uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if newFloor < l.floor {
		return fmt.Errorf("frame log: compaction floor must not move backwards (have %d, want %d)", l.floor, newFloor)
	}
	var keep []byte
	offsets := make(map[uint64]int64)
	if start, ok := l.offsets[newFloor+1]; ok {
		keep = make([]byte, l.size-start)
		if _, err := l.file.ReadAt(keep, start); err != nil {
			return fmt.Errorf("frame log: read retained frames: %w", err)
		}
		for fn := newFloor + 1; fn <= l.tail; fn++ {
			offsets[fn] = l.offsets[fn] - start
		}
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("frame log: truncate: %w", err)
	}
	if _, err := l.file.WriteAt(keep, 0); err != nil {
		return fmt.Errorf("frame log: rewrite retained frames: %w", err)
	}
	l.offsets = offsets
	l.size = int64(len(keep))
	l.floor = newFloor
	if newFloor > l.tail {
		l.tail = newFloor
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}
