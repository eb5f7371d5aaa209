package frame

import (
	"bytes"
	"testing"
)

func TestNewFrame_RejectsZeroFrameNo(t *testing.T) {
	if _, err := NewFrame(1, 0, []byte("x")); err != ErrInvalidFrameNo {
		t.Fatalf("NewFrame(frameNo=0) = %v, want ErrInvalidFrameNo", err)
	}
}

func TestFrame_EncodeDecodeRoundTrip(t *testing.T) {
	f, err := NewFrame(7, 42, []byte("page payload bytes"))
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	buf := f.Encode(nil)
	if len(buf) != f.EncodedSize() {
		t.Fatalf("EncodedSize() = %d, Encode produced %d bytes", f.EncodedSize(), len(buf))
	}

	decoded, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("Decode consumed %d bytes, want %d", n, len(buf))
	}
	if decoded.PageNo != f.PageNo || decoded.FrameNo != f.FrameNo {
		t.Fatalf("Decode = %+v, want %+v", decoded, f)
	}
	if !bytes.Equal(decoded.Payload, f.Payload) {
		t.Fatalf("Decode payload = %x, want %x", decoded.Payload, f.Payload)
	}
	if !decoded.Verify() {
		t.Fatal("decoded frame failed checksum verification")
	}
}

func TestDecode_TornFrame(t *testing.T) {
	f, _ := NewFrame(1, 1, []byte("hello"))
	buf := f.Encode(nil)
	if _, _, err := Decode(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error decoding a truncated frame")
	}
}

func TestDecode_CorruptChecksum(t *testing.T) {
	f, _ := NewFrame(1, 1, []byte("hello"))
	buf := f.Encode(nil)
	buf[len(buf)-1] ^= 0xFF // corrupt the last payload byte
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestMultipleFrames_EncodeThenDecodeSequentially(t *testing.T) {
	var buf []byte
	var want []Frame
	for fn := uint64(1); fn <= 5; fn++ {
		f, err := NewFrame(uint32(fn), fn, []byte{byte(fn)})
		if err != nil {
			t.Fatalf("NewFrame(%d): %v", fn, err)
		}
		want = append(want, f)
		buf = f.Encode(buf)
	}

	rest := buf
	for i, w := range want {
		got, n, err := Decode(rest)
		if err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if got.FrameNo != w.FrameNo {
			t.Fatalf("frame %d: FrameNo = %d, want %d", i, got.FrameNo, w.FrameNo)
		}
		rest = rest[n:]
	}
	if len(rest) != 0 {
		t.Fatalf("%d trailing bytes after decoding all frames", len(rest))
	}
}
