package dbid

import "testing"

func TestFromName_Deterministic(t *testing.T) {
	a := FromName("tenant-one")
	b := FromName("tenant-one")
	if a != b {
		t.Fatalf("FromName(%q) not deterministic: %x != %x", "tenant-one", a, b)
	}
}

func TestFromName_DistinctNames(t *testing.T) {
	a := FromName("tenant-one")
	b := FromName("tenant-two")
	if a == b {
		t.Fatalf("FromName produced the same id for distinct names")
	}
}

func TestFromName_NotZero(t *testing.T) {
	id := FromName("anything")
	if id.IsZero() {
		t.Fatal("FromName should never produce the zero id")
	}
}

func TestDatabaseID_RoundTrip(t *testing.T) {
	id := FromName("roundtrip")
	s := id.String()
	parsed, err := ParseDatabaseID(s)
	if err != nil {
		t.Fatalf("ParseDatabaseID(%q): %v", s, err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %x, want %x", parsed, id)
	}
}

func TestParseDatabaseID_WrongLength(t *testing.T) {
	if _, err := ParseDatabaseID("abcd"); err == nil {
		t.Fatal("expected error for short hex string")
	}
}

func TestParseDatabaseID_BadHex(t *testing.T) {
	if _, err := ParseDatabaseID("not-hex-not-hex-not-hex-not-hex"); err == nil {
		t.Fatal("expected error for non-hex string")
	}
}

func TestZeroDatabaseID_IsZero(t *testing.T) {
	var id DatabaseID
	if !id.IsZero() {
		t.Fatal("zero value DatabaseID should report IsZero")
	}
}
