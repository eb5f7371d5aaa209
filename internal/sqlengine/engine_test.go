package sqlengine

import "testing"

func TestIsReadOnly(t *testing.T) {
	cases := []struct {
		sql  string
		want bool
	}{
		{"SELECT * FROM t", true},
		{"  select 1", true},
		{"\n\tPRAGMA table_info(t)", true},
		{"EXPLAIN QUERY PLAN SELECT 1", true},
		{"VALUES (1), (2)", true},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET x = 1", false},
		{"DELETE FROM t", false},
		{"BEGIN", false},
		{"CREATE TABLE t (x INTEGER)", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsReadOnly(c.sql); got != c.want {
			t.Errorf("IsReadOnly(%q) = %v, want %v", c.sql, got, c.want)
		}
	}
}

func TestIsExplain(t *testing.T) {
	if !isExplain("EXPLAIN SELECT 1") {
		t.Error("expected EXPLAIN to be detected")
	}
	if isExplain("SELECT 1") {
		t.Error("did not expect SELECT to be detected as EXPLAIN")
	}
}
