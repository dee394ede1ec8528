package signaturedb

import "testing"

func TestBuildSkipsBadPatternButKeepsRest(t *testing.T) {
	db, errs := Build([]RuleSpec{
		{ID: "r1", Pattern: `(unclosed`},
		{ID: "r2", Pattern: `select.*from`, Caseless: true},
	})
	if len(errs) != 1 {
		t.Fatalf("expected exactly one compile error, got %d: %v", len(errs), errs)
	}
	if db.Len() != 1 {
		t.Fatalf("expected 1 surviving rule, got %d", db.Len())
	}
}

func TestBuildDedupesIdenticalIDAndPattern(t *testing.T) {
	db, errs := Build([]RuleSpec{
		{ID: "r1", Pattern: "foo"},
		{ID: "r1", Pattern: "foo"},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if db.Len() != 1 {
		t.Fatalf("expected dedup to collapse to 1 rule, got %d", db.Len())
	}
}

func TestMatchesAnyAndMatchValue(t *testing.T) {
	db, _ := Build([]RuleSpec{{ID: "sqli-1", Pattern: `(?i)select\s+.*\s+from`}})
	if !db.MatchesAny([]string{"benign", "SELECT * FROM users"}) {
		t.Fatal("expected a match across the bag")
	}
	hits := db.MatchValue("SELECT * FROM users")
	if len(hits) != 1 || hits[0].ID != "sqli-1" {
		t.Fatalf("expected single matching rule sqli-1, got %+v", hits)
	}
	if len(db.MatchValue("benign")) != 0 {
		t.Fatal("expected no matches for benign value")
	}
}

func TestCaselessFlagMakesPatternCaseInsensitive(t *testing.T) {
	db, errs := Build([]RuleSpec{{ID: "xss-1", Pattern: "<script>", Caseless: true}})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(db.MatchValue("<SCRIPT>")) != 1 {
		t.Fatal("expected caseless pattern to match different case")
	}
}
