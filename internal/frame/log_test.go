package frame

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frames.bin")
	l, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func mustAppend(t *testing.T, l *Log, frameNo uint64) Frame {
	t.Helper()
	f, err := NewFrame(1, frameNo, []byte{byte(frameNo)})
	if err != nil {
		t.Fatalf("NewFrame(%d): %v", frameNo, err)
	}
	if err := l.Append(f); err != nil {
		t.Fatalf("Append(%d): %v", frameNo, err)
	}
	return f
}

func TestLog_AppendRejectsNonContiguous(t *testing.T) {
	l := openTestLog(t)
	mustAppend(t, l, 1)
	mustAppend(t, l, 2)

	f3, _ := NewFrame(1, 10, []byte("x"))
	if err := l.Append(f3); err == nil {
		t.Fatal("expected error appending a non-contiguous frame number")
	}
}

func TestLog_StreamFrom(t *testing.T) {
	l := openTestLog(t)
	for fn := uint64(1); fn <= 10; fn++ {
		mustAppend(t, l, fn)
	}

	frames, err := l.StreamFrom(5)
	if err != nil {
		t.Fatalf("StreamFrom(5): %v", err)
	}
	if len(frames) != 6 {
		t.Fatalf("got %d frames, want 6", len(frames))
	}
	for i, f := range frames {
		want := uint64(5 + i)
		if f.FrameNo != want {
			t.Fatalf("frames[%d].FrameNo = %d, want %d", i, f.FrameNo, want)
		}
	}
}

func TestLog_StreamFromBeyondTailReturnsEmpty(t *testing.T) {
	l := openTestLog(t)
	mustAppend(t, l, 1)
	mustAppend(t, l, 2)

	frames, err := l.StreamFrom(50)
	if err != nil {
		t.Fatalf("StreamFrom(50): %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames, want 0", len(frames))
	}
}

func TestLog_MaxAvailableFrameNo(t *testing.T) {
	l := openTestLog(t)
	if l.MaxAvailableFrameNo() != 0 {
		t.Fatalf("empty log MaxAvailableFrameNo = %d, want 0", l.MaxAvailableFrameNo())
	}
	mustAppend(t, l, 1)
	mustAppend(t, l, 2)
	mustAppend(t, l, 3)
	if l.MaxAvailableFrameNo() != 3 {
		t.Fatalf("MaxAvailableFrameNo = %d, want 3", l.MaxAvailableFrameNo())
	}
}

func TestLog_CompactThenStreamBelowFloorRequiresSnapshot(t *testing.T) {
	l := openTestLog(t)
	for fn := uint64(1); fn <= 20; fn++ {
		mustAppend(t, l, fn)
	}

	snapDir := t.TempDir()
	target := Target{Log: l, SnapshotDir: snapDir, MaxLogSize: 0}
	if err := Compact(target, zerolog.Nop()); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if l.Floor() != 20 {
		t.Fatalf("Floor() = %d, want 20", l.Floor())
	}
	if _, err := l.StreamFrom(10); err != ErrSnapshotRequired {
		t.Fatalf("StreamFrom(10) after compaction = %v, want ErrSnapshotRequired", err)
	}

	snap, err := LatestSnapshot(snapDir, 10)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot covering frame 10 to exist")
	}
	if snap.LastFrameNo() < 20 {
		t.Fatalf("snapshot.LastFrameNo() = %d, want >= 20", snap.LastFrameNo())
	}

	frames, err := snap.Frames()
	if err != nil {
		t.Fatalf("snap.Frames(): %v", err)
	}
	if len(frames) != 20 {
		t.Fatalf("snapshot has %d frames, want 20", len(frames))
	}

	// Resuming from snapshot.LastFrameNo()+1 must not require another
	// snapshot and must yield no frames (nothing appended since compaction).
	more, err := l.StreamFrom(snap.LastFrameNo() + 1)
	if err != nil {
		t.Fatalf("StreamFrom after snapshot boundary: %v", err)
	}
	if len(more) != 0 {
		t.Fatalf("got %d frames past the compacted tail, want 0", len(more))
	}
}

func TestLog_CompactRespectsMinAckedFrame(t *testing.T) {
	l := openTestLog(t)
	for fn := uint64(1); fn <= 10; fn++ {
		mustAppend(t, l, fn)
	}

	snapDir := t.TempDir()
	target := Target{
		Log:           l,
		SnapshotDir:   snapDir,
		MaxLogSize:    0,
		MinAckedFrame: func() uint64 { return 4 },
	}
	if err := Compact(target, zerolog.Nop()); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if l.Floor() != 4 {
		t.Fatalf("Floor() = %d, want 4 (capped by lagging replica ack)", l.Floor())
	}

	// Frames past the ack-capped floor must still be readable without a
	// snapshot.
	frames, err := l.StreamFrom(5)
	if err != nil {
		t.Fatalf("StreamFrom(5): %v", err)
	}
	if len(frames) != 6 {
		t.Fatalf("got %d frames, want 6", len(frames))
	}
}

func TestLog_ReindexRecoversAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.bin")
	l, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustAppend(t, l, 1)
	mustAppend(t, l, 2)
	mustAppend(t, l, 3)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.MaxAvailableFrameNo() != 3 {
		t.Fatalf("MaxAvailableFrameNo after reopen = %d, want 3", reopened.MaxAvailableFrameNo())
	}
	frames, err := reopened.StreamFrom(1)
	if err != nil {
		t.Fatalf("StreamFrom(1) after reopen: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames after reopen, want 3", len(frames))
	}
}
