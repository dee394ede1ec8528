package contentfilter

import (
	"regexp"
	"testing"

	"github.com/hollowreed/sentrywall/internal/field"
	"github.com/hollowreed/sentrywall/internal/signaturedb"
)

func defaultSection(kind SectionKind) Section {
	return Section{Kind: kind, MaxCount: 100, MaxLength: 1024, ByName: map[string]EntryRule{}}
}

func emptyProfile() Profile {
	return Profile{
		Headers: defaultSection(SectionHeaders),
		Cookies: defaultSection(SectionCookies),
		Args:    defaultSection(SectionArgs),
	}
}

func TestTooManyEntriesBlocks(t *testing.T) {
	sec := defaultSection(SectionArgs)
	sec.MaxCount = 1
	f := field.New()
	f.Add("a", "1")
	f.Add("b", "2")
	_, blocked := checkSection(sec, f)
	if blocked == nil || blocked.Reason.Kind != KindTooManyEntries {
		t.Fatalf("expected too_many_entries block, got %+v", blocked)
	}
}

func TestEntryTooLargeBlocks(t *testing.T) {
	sec := defaultSection(SectionArgs)
	sec.MaxLength = 3
	f := field.New()
	f.Add("a", "toolong")
	_, blocked := checkSection(sec, f)
	if blocked == nil || blocked.Reason.Kind != KindEntryTooLarge {
		t.Fatalf("expected entry_too_large block, got %+v", blocked)
	}
}

func TestRestrictEntryRuleBlocksOnMismatch(t *testing.T) {
	sec := defaultSection(SectionArgs)
	sec.ByName["id"] = EntryRule{Re: regexp.MustCompile(`^\d+$`), Restrict: true}
	f := field.New()
	f.Add("id", "not-a-number")
	_, blocked := checkSection(sec, f)
	if blocked == nil || blocked.Reason.Kind != KindMismatch {
		t.Fatalf("expected mismatch block, got %+v", blocked)
	}
}

func TestIgnoreAlphanumOmitsEntry(t *testing.T) {
	sec := defaultSection(SectionArgs)
	sec.IgnoreAlphanum = true
	db, _ := signaturedb.Build([]signaturedb.RuleSpec{{ID: "always", Pattern: "."}})
	f := field.New()
	f.Add("q", "abc123")
	survivors, blocked := checkSection(sec, f)
	if blocked != nil {
		t.Fatalf("unexpected block: %+v", blocked)
	}
	if len(survivors) != 0 {
		t.Fatalf("expected alphanumeric value to be omitted from scanning, got %v", survivors)
	}
	if patternCheck(sec, survivors, db) != nil {
		t.Fatal("expected no pattern match on an omitted entry")
	}
}

func TestInjectionCheckDetectsSQLi(t *testing.T) {
	entries := []fieldEntry{{name: "q", value: "' OR 1=1--"}}
	res := injectionCheck(defaultSection(SectionArgs), entries)
	if res == nil || res.Reason.Kind != KindSQLi {
		t.Fatalf("expected sqli block, got %+v", res)
	}
}

func TestInjectionCheckDetectsXSS(t *testing.T) {
	entries := []fieldEntry{{name: "q", value: "<script>alert(1)</script>"}}
	res := injectionCheck(defaultSection(SectionArgs), entries)
	if res == nil || res.Reason.Kind != KindXSS {
		t.Fatalf("expected xss block, got %+v", res)
	}
}

func TestInjectionCheckHonorsExclusions(t *testing.T) {
	entries := []fieldEntry{{name: "q", value: "' OR 1=1--", exclusions: map[string]struct{}{"sqli": {}}}}
	if res := injectionCheck(defaultSection(SectionArgs), entries); res != nil {
		t.Fatalf("expected exclusion to suppress the match, got %+v", res)
	}
}

func TestPatternCheckFindsMatchingRuleAndRespectsExclusions(t *testing.T) {
	db, _ := signaturedb.Build([]signaturedb.RuleSpec{{ID: "r1", Pattern: `bad-pattern`}})
	entries := []fieldEntry{{name: "q", value: "contains bad-pattern here"}}
	res := patternCheck(defaultSection(SectionArgs), entries, db)
	if res == nil || res.Reason.RuleID != "r1" {
		t.Fatalf("expected a match on r1, got %+v", res)
	}

	excludedEntries := []fieldEntry{{name: "q", value: "contains bad-pattern here", exclusions: map[string]struct{}{"r1": {}}}}
	if res := patternCheck(defaultSection(SectionArgs), excludedEntries, db); res != nil {
		t.Fatalf("expected exclusion to suppress the pattern match, got %+v", res)
	}
}

func TestEvaluateCleanRequestPasses(t *testing.T) {
	profile := emptyProfile()
	headers := field.New()
	headers.Add("host", "example.com")
	cookies := field.New()
	args := field.New()
	args.Add("q", "hello")

	if res := Evaluate(profile, headers, cookies, args, nil); res != nil {
		t.Fatalf("expected clean request to pass, got %+v", res)
	}
}

func TestMaskReplacesMaskedFieldsIdempotently(t *testing.T) {
	sec := defaultSection(SectionArgs)
	sec.ByName["password"] = EntryRule{Mask: true}
	f := field.New()
	f.Add("password", "hunter2")
	f.Add("q", "hello")

	Mask(sec, f)
	v, _ := f.Get("password")
	if v != Masked {
		t.Fatalf("expected password to be masked, got %q", v)
	}
	other, _ := f.Get("q")
	if other != "hello" {
		t.Fatalf("expected q to be untouched, got %q", other)
	}

	Mask(sec, f)
	v2, _ := f.Get("password")
	if v2 != Masked {
		t.Fatalf("expected masking to be idempotent, got %q", v2)
	}
}
