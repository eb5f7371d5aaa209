package host

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		host   string
		dbName string
		ok     bool
	}{
		{"mydb.hranad.example.com:8080", "mydb", true},
		{"mydb:8080", "mydb", true},
		{"mydb", "mydb", true},
		{"mydb.internal", "mydb", true},
		{".hranad.example.com", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := Split(c.host)
		if ok != c.ok || got != c.dbName {
			t.Errorf("Split(%q) = (%q, %v), want (%q, %v)", c.host, got, ok, c.dbName, c.ok)
		}
	}
}

func TestMiddleware_ResolvesDBName(t *testing.T) {
	var gotName string
	var gotOK bool
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = DBName(r.Context())
		_, gotOK = DatabaseIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://tenant-a.hranad.example.com/v1/pipeline", nil)
	req.Host = "tenant-a.hranad.example.com"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotName != "tenant-a" {
		t.Errorf("DBName = %q, want %q", gotName, "tenant-a")
	}
	if !gotOK {
		t.Error("DatabaseIDFromContext: ok = false, want true")
	}
}

func TestMiddleware_RejectsMalformedHost(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for a malformed host")
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/v1/pipeline", nil)
	req.Host = ".hranad.example.com"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
