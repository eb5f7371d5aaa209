package frame

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Snapshot is a frozen copy of the frames one compaction took out of the
// log (those after the previous compaction horizon, up to and including
// LastFrameNo), written to its own file. A reader that hits
// ErrSnapshotRequired loads the snapshot holding its offset and resumes
// from LastFrameNo()+1.
type Snapshot struct {
	path        string
	lastFrameNo uint64
}

// LastFrameNo returns the highest frame number covered by the snapshot.
func (s *Snapshot) LastFrameNo() uint64 {
	return s.lastFrameNo
}

// Frames reads every frame stored in the snapshot, in order.
func (s *Snapshot) Frames() ([]Frame, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", s.path, err)
	}
	var frames []Frame
	for len(data) > 0 {
		f, n, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode: %w", err)
		}
		frames = append(frames, f)
		data = data[n:]
	}
	return frames, nil
}

// WriteSnapshot freezes frames (which must already be in increasing
// frame-number order) into a new snapshot file under dir, using a
// temp-name-then-rename so a reader never observes a partially written
// snapshot.
func WriteSnapshot(dir string, frames []Frame, logger zerolog.Logger) (*Snapshot, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("snapshot: cannot write an empty snapshot")
	}
	lastFrameNo := frames[len(frames)-1].FrameNo

	finalPath := filepath.Join(dir, fmt.Sprintf("snapshot-%020d.bin", lastFrameNo))
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create temp file: %w", err)
	}

	var buf []byte
	for _, frm := range frames {
		buf = frm.Encode(buf)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("snapshot: rename into place: %w", err)
	}

	logger.Info().Str("path", finalPath).Uint64("last_frame_no", lastFrameNo).Msg("wrote snapshot")
	return &Snapshot{path: finalPath, lastFrameNo: lastFrameNo}, nil
}

// LatestSnapshot finds the snapshot under dir with the lowest LastFrameNo
// that is at least `from` (the one holding frame `from`), or nil if none
// qualifies.
func LatestSnapshot(dir string, from uint64) (*Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: read dir %s: %w", dir, err)
	}

	var best *Snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var lastFrameNo uint64
		if _, err := fmt.Sscanf(e.Name(), "snapshot-%020d.bin", &lastFrameNo); err != nil {
			continue
		}
		if lastFrameNo < from {
			continue
		}
		if best == nil || lastFrameNo < best.lastFrameNo {
			best = &Snapshot{path: filepath.Join(dir, e.Name()), lastFrameNo: lastFrameNo}
		}
	}
	return best, nil
}
