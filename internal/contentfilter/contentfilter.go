// Package contentfilter implements the WAF evaluator: per-section caps,
// entry-rule omission/restriction, SQLi/XSS heuristics, a compiled
// multi-pattern scan, and the final masking pass.
package contentfilter

import (
	"regexp"
	"unicode"

	"github.com/hollowreed/sentrywall/internal/field"
	"github.com/hollowreed/sentrywall/internal/signaturedb"
)

// SectionKind names which part of the request a Section governs.
type SectionKind int

const (
	SectionHeaders SectionKind = iota
	SectionCookies
	SectionArgs
)

func (k SectionKind) String() string {
	switch k {
	case SectionHeaders:
		return "headers"
	case SectionCookies:
		return "cookies"
	default:
		return "args"
	}
}

// EntryRule governs one field name (or regex-matched set of names).
type EntryRule struct {
	Re         *regexp.Regexp
	Restrict   bool
	Exclusions map[string]struct{}
	Mask       bool
}

// RegexRule pairs a name-matching regex with the EntryRule it applies.
type RegexRule struct {
	NameRe *regexp.Regexp
	Rule   EntryRule
}

// Section is one of {headers, cookies, args}'s profile.
type Section struct {
	Kind           SectionKind
	MaxCount       int
	MaxLength      int
	IgnoreAlphanum bool
	ByName         map[string]EntryRule
	ByRegex        []RegexRule
}

// Profile mirrors ContentFilterProfile.
type Profile struct {
	Name     string
	Headers  Section
	Cookies  Section
	Args     Section
}

func (p Profile) sections() []Section {
	return []Section{p.Headers, p.Cookies, p.Args}
}

// Reason is the structured JSON blob attached to a blocking Decision.
type Reason struct {
	Initiator   string   `json:"initiator"`
	Section     string   `json:"section"`
	Name        string   `json:"name"`
	Value       string   `json:"value,omitempty"`
	Category    string   `json:"category,omitempty"`
	Subcategory string   `json:"subcategory,omitempty"`
	Operand     string   `json:"operand,omitempty"`
	RuleID      string   `json:"id,omitempty"`
	Severity    int      `json:"severity,omitempty"`
	Msg         string   `json:"msg,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	Kind        string   `json:"kind"`
}

// These constants name the kind of block found, for the "kind" reason field.
const (
	KindTooManyEntries = "too_many_entries"
	KindEntryTooLarge  = "entry_too_large"
	KindMismatch       = "mismatch"
	KindSQLi           = "sqli"
	KindXSS            = "xss"
	KindPolicies       = "policies"
)

// Result is the outcome of evaluating one section or the whole profile.
type Result struct {
	Blocked bool
	Reason  Reason
}

func findEntryRule(sec Section, name string) (EntryRule, bool) {
	if r, ok := sec.ByName[name]; ok {
		return r, true
	}
	for _, rr := range sec.ByRegex {
		if rr.NameRe.MatchString(name) {
			return rr.Rule, true
		}
	}
	return EntryRule{}, false
}

func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// evalEntry checks one (name, value) pair against the section's caps and
// entry rule, returning whether it should be omitted from pattern scanning
// and, if not, a populated exclusion set plus any immediate block.
func evalEntry(sec Section, name, value string) (omit bool, exclusions map[string]struct{}, blocked *Result) {
	if len(value) > sec.MaxLength {
		return false, nil, &Result{Blocked: true, Reason: Reason{
			Initiator: "content_filter", Section: sec.Kind.String(), Name: name, Kind: KindEntryTooLarge,
		}}
	}
	if sec.IgnoreAlphanum && isAlphanumeric(value) {
		return true, nil, nil
	}
	rule, found := findEntryRule(sec, name)
	if !found {
		return false, nil, nil
	}
	if rule.Re != nil {
		if rule.Re.MatchString(value) {
			return true, rule.Exclusions, nil
		}
		if rule.Restrict {
			return false, nil, &Result{Blocked: true, Reason: Reason{
				Initiator: "content_filter", Section: sec.Kind.String(), Name: name, Kind: KindMismatch,
			}}
		}
	}
	return false, rule.Exclusions, nil
}

func excluded(exclusions map[string]struct{}, id string) bool {
	if exclusions == nil {
		return false
	}
	_, ok := exclusions[id]
	return ok
}

// checkSection applies entry-count and entry-rule checks over one section,
// returning the surviving (name, value, exclusions) entries to feed into
// injection and pattern scanning, or an immediate block.
func checkSection(sec Section, f *field.Field) ([]fieldEntry, *Result) {
	if f.Len() > sec.MaxCount {
		return nil, &Result{Blocked: true, Reason: Reason{
			Initiator: "content_filter", Section: sec.Kind.String(), Kind: KindTooManyEntries,
		}}
	}
	var survivors []fieldEntry
	f.Each(func(name, value string) {
		omit, exclusions, blocked := evalEntry(sec, name, value)
		if blocked != nil {
			return
		}
		if omit {
			return
		}
		survivors = append(survivors, fieldEntry{name: name, value: value, exclusions: exclusions})
	})
	// Re-run to surface a block without mutating state. Each has no
	// ordering guarantee, so when several entries block, which one is
	// reported is not fixed.
	var blockResult *Result
	f.Each(func(name, value string) {
		if blockResult != nil {
			return
		}
		_, _, blocked := evalEntry(sec, name, value)
		if blocked != nil {
			blockResult = blocked
		}
	})
	if blockResult != nil {
		return nil, blockResult
	}
	return survivors, nil
}

type fieldEntry struct {
	name       string
	value      string
	exclusions map[string]struct{}
}

// injectionCheck runs the libinjection-style SQLi/XSS heuristics over every
// surviving entry. No pure-Go libinjection binding exists anywhere in the
// retrieved pack (it is a C library with no idiomatic Go port), so this is
// a standard-library regex-heuristic approximation, documented in
// DESIGN.md.
func injectionCheck(sec Section, entries []fieldEntry) *Result {
	for _, e := range entries {
		if looksLikeSQLi(e.value) && !excluded(e.exclusions, "sqli") {
			return &Result{Blocked: true, Reason: Reason{
				Initiator: "content_filter", Section: sec.Kind.String(), Name: e.name,
				Value: e.value, Kind: KindSQLi,
			}}
		}
		if looksLikeXSS(e.value) && !excluded(e.exclusions, "xss") {
			return &Result{Blocked: true, Reason: Reason{
				Initiator: "content_filter", Section: sec.Kind.String(), Name: e.name,
				Value: e.value, Kind: KindXSS,
			}}
		}
	}
	return nil
}

var sqliPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bor\b\s+['"]?\s*\d+\s*=\s*\d+`),
	regexp.MustCompile(`(?i)\bunion\b\s+\bselect\b`),
	regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop)\b.*\b(from|into|table)\b`),
	regexp.MustCompile(`(?i)--\s*$`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate)\b`),
}

func looksLikeSQLi(s string) bool {
	for _, re := range sqliPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)on(error|load|click|mouseover)\s*=`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)<img[^>]+onerror`),
}

func looksLikeXSS(s string) bool {
	for _, re := range xssPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// patternCheck runs the compiled multi-pattern database over entries: a
// single bag-wide pass, then a per-value re-scan to collect matching rule
// ids filtered by exclusions.
func patternCheck(sec Section, entries []fieldEntry, db *signaturedb.DB) *Result {
	values := make([]string, len(entries))
	for i, e := range entries {
		values[i] = e.value
	}
	if !db.MatchesAny(values) {
		return nil
	}
	for _, e := range entries {
		hits := db.MatchValue(e.value)
		var surviving []signaturedb.Rule
		for _, r := range hits {
			if !excluded(e.exclusions, r.ID) {
				surviving = append(surviving, r)
			}
		}
		if len(surviving) == 0 {
			continue
		}
		r := surviving[0]
		return &Result{Blocked: true, Reason: Reason{
			Initiator: "content_filter", Section: sec.Kind.String(), Name: e.name, Value: e.value,
			Category: r.Category, Subcategory: r.Subcategory, Operand: r.Operand,
			RuleID: r.ID, Severity: int(r.Severity), Msg: r.Msg, Groups: r.Groups, Kind: KindPolicies,
		}}
	}
	return nil
}

// Evaluate runs the full check sequence over the three sections of a
// request, in order: headers, cookies, args.
func Evaluate(profile Profile, headers, cookies, args *field.Field, db *signaturedb.DB) *Result {
	sections := []struct {
		sec Section
		f   *field.Field
	}{
		{profile.Headers, headers},
		{profile.Cookies, cookies},
		{profile.Args, args},
	}
	for _, s := range sections {
		survivors, blocked := checkSection(s.sec, s.f)
		if blocked != nil {
			return blocked
		}
		if blocked := injectionCheck(s.sec, survivors); blocked != nil {
			return blocked
		}
		if blocked := patternCheck(s.sec, survivors, db); blocked != nil {
			return blocked
		}
	}
	return nil
}

// Masked is the value used to replace a masked field's contents.
const Masked = "*MASKED*"

// Mask replaces the value of every field whose entry rule (by name or by
// regex) has Mask=true with Masked. It is idempotent: masking an
// already-masked field leaves it unchanged.
func Mask(sec Section, f *field.Field) {
	names := make([]string, 0, f.Len())
	f.Each(func(name, _ string) { names = append(names, name) })
	for _, name := range names {
		rule, found := findEntryRule(sec, name)
		if found && rule.Mask {
			f.Set(name, Masked)
		}
	}
}
