package hrana

import "testing"

func TestBaton_RoundTrip(t *testing.T) {
	key, err := NewBatonKey()
	if err != nil {
		t.Fatalf("NewBatonKey: %v", err)
	}
	b := mintBaton(key, "stream-1", 0)
	parsed, err := parseBaton(key, b)
	if err != nil {
		t.Fatalf("parseBaton: %v", err)
	}
	if parsed.streamID != "stream-1" || parsed.seq != 0 {
		t.Fatalf("parseBaton = %+v, want {stream-1 0}", parsed)
	}
}

func TestBaton_TamperedRejected(t *testing.T) {
	key, _ := NewBatonKey()
	b := mintBaton(key, "stream-1", 0)
	tampered := b[:len(b)-1] + "x"
	if _, err := parseBaton(key, tampered); err == nil {
		t.Fatal("expected error for tampered baton")
	}
}

func TestBaton_WrongKeyRejected(t *testing.T) {
	key, _ := NewBatonKey()
	other, _ := NewBatonKey()
	b := mintBaton(key, "stream-1", 5)
	if _, err := parseBaton(other, b); err == nil {
		t.Fatal("expected error for baton minted under a different key")
	}
}

func TestBaton_SequenceAdvances(t *testing.T) {
	key, _ := NewBatonKey()
	b0 := mintBaton(key, "stream-1", 0)
	b1 := mintBaton(key, "stream-1", 1)
	if b0 == b1 {
		t.Fatal("batons for different sequence numbers must differ")
	}

	p0, err := parseBaton(key, b0)
	if err != nil {
		t.Fatalf("parseBaton(b0): %v", err)
	}
	if p0.seq != 0 {
		t.Fatalf("p0.seq = %d, want 0", p0.seq)
	}

	p1, err := parseBaton(key, b1)
	if err != nil {
		t.Fatalf("parseBaton(b1): %v", err)
	}
	if p1.seq != 1 {
		t.Fatalf("p1.seq = %d, want 1", p1.seq)
	}
}

func TestParseBaton_Malformed(t *testing.T) {
	key, _ := NewBatonKey()
	cases := []string{"", "not-base64url!!!", "onlyonepart"}
	for _, c := range cases {
		if _, err := parseBaton(key, c); err == nil {
			t.Errorf("parseBaton(%q): expected error", c)
		}
	}
}
