// Package frame implements the WAL frame log: appending frames, streaming
// them by offset, falling back to snapshots when the log has been
// compacted past a reader's offset, and compacting the log itself.
package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// headerSize is the fixed size of a frame's header: page number (4 bytes),
// frame number (8 bytes), payload length (4 bytes), checksum (4 bytes).
const headerSize = 4 + 8 + 4 + 4

// Frame is a single WAL record: one page image tagged with its page number,
// its strictly increasing frame number, and a checksum over the payload.
type Frame struct {
	PageNo  uint32
	FrameNo uint64
	Payload []byte
	Checksum uint32
}

// ErrInvalidFrameNo is returned for a frame number of 0, which is never
// valid (frame numbers start at 1).
var ErrInvalidFrameNo = fmt.Errorf("frame: frame number 0 is never valid")

// NewFrame builds a Frame and computes its checksum.
func NewFrame(pageNo uint32, frameNo uint64, payload []byte) (Frame, error) {
	if frameNo == 0 {
		return Frame{}, ErrInvalidFrameNo
	}
	return Frame{
		PageNo:   pageNo,
		FrameNo:  frameNo,
		Payload:  payload,
		Checksum: crc32.ChecksumIEEE(payload),
	}, nil
}

// Verify recomputes the checksum and compares it against the stored value.
func (f Frame) Verify() bool {
	return crc32.ChecksumIEEE(f.Payload) == f.Checksum
}

// EncodedSize returns the number of bytes Encode will write for this frame.
func (f Frame) EncodedSize() int {
	return headerSize + len(f.Payload)
}

// Encode appends the binary encoding of f to buf and returns the result.
func (f Frame) Encode(buf []byte) []byte {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], f.PageNo)
	binary.BigEndian.PutUint64(hdr[4:12], f.FrameNo)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(hdr[16:20], f.Checksum)
	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Payload...)
	return buf
}

// Decode reads one frame from the front of b, returning the frame and the
// number of bytes consumed. It returns an error if b does not contain a
// complete frame (a torn write at the tail of the log file).
func Decode(b []byte) (Frame, int, error) {
	if len(b) < headerSize {
		return Frame{}, 0, fmt.Errorf("frame: short header (%d bytes)", len(b))
	}
	pageNo := binary.BigEndian.Uint32(b[0:4])
	frameNo := binary.BigEndian.Uint64(b[4:12])
	payloadLen := binary.BigEndian.Uint32(b[12:16])
	checksum := binary.BigEndian.Uint32(b[16:20])

	total := headerSize + int(payloadLen)
	if len(b) < total {
		return Frame{}, 0, fmt.Errorf("frame: torn frame, want %d bytes, have %d", total, len(b))
	}

	payload := make([]byte, payloadLen)
	copy(payload, b[headerSize:total])

	f := Frame{PageNo: pageNo, FrameNo: frameNo, Payload: payload, Checksum: checksum}
	if !f.Verify() {
		return Frame{}, 0, fmt.Errorf("frame: checksum mismatch at frame %d", frameNo)
	}
	return f, total, nil
}
