// Package signaturedb compiles the content-filter's multi-pattern rule
// database: a parallel vector of compiled regexes and rule metadata,
// standing in for the original's hyperscan database since no pure-Go
// hyperscan binding exists (see DESIGN.md).
package signaturedb

import (
	"fmt"
	"regexp"

	"github.com/cespare/xxhash/v2"
)

// Severity mirrors the rule metadata severity scale.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Rule is one compiled pattern plus its metadata.
type Rule struct {
	ID          string
	Re          *regexp.Regexp
	Category    string
	Subcategory string
	Operand     string
	Severity    Severity
	Msg         string
	Groups      []string

	hash uint64
}

// DB is the compiled multi-pattern database: a parallel id vector plus
// compiled regexes, scanned as a set and then re-scanned per-value when a
// match is found.
type DB struct {
	rules []Rule
	seen  map[uint64]struct{}
}

// Build compiles every (id, pattern, flags) triple into a DB, skipping and
// logging (via the returned errs slice) any pattern that fails to compile —
// one bad rule never aborts the reload.
func Build(specs []RuleSpec) (*DB, []error) {
	db := &DB{seen: make(map[uint64]struct{})}
	var errs []error
	for _, s := range specs {
		pattern := applyFlags(s.Pattern, s.Multiline, s.DotAll, s.Caseless)
		re, err := regexp.Compile(pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("signaturedb: rule %s: %w", s.ID, err))
			continue
		}
		h := xxhash.Sum64String(s.ID + "\x00" + s.Pattern)
		if _, dup := db.seen[h]; dup {
			continue
		}
		db.seen[h] = struct{}{}
		db.rules = append(db.rules, Rule{
			ID: s.ID, Re: re, Category: s.Category, Subcategory: s.Subcategory,
			Operand: s.Operand, Severity: s.Severity, Msg: s.Msg, Groups: s.Groups,
			hash: h,
		})
	}
	return db, errs
}

// RuleSpec is the raw (unresolved) content-filter rule read from JSON.
type RuleSpec struct {
	ID          string
	Pattern     string
	Category    string
	Subcategory string
	Operand     string
	Severity    Severity
	Msg         string
	Groups      []string
	Multiline   bool
	DotAll      bool
	Caseless    bool
}

func applyFlags(pattern string, multiline, dotall, caseless bool) string {
	flags := ""
	if multiline {
		flags += "m"
	}
	if dotall {
		flags += "s"
	}
	if caseless {
		flags += "i"
	}
	if flags == "" {
		return pattern
	}
	return "(?" + flags + ")" + pattern
}

// MatchesAny reports whether any rule matches any value in the bag, used as
// the cheap first pass over all section values at once.
func (db *DB) MatchesAny(values []string) bool {
	if db == nil {
		return false
	}
	for _, v := range values {
		for _, r := range db.rules {
			if r.Re.MatchString(v) {
				return true
			}
		}
	}
	return false
}

// MatchValue re-scans a single value and returns every rule that matches
// it, for per-field exclusion filtering.
func (db *DB) MatchValue(value string) []Rule {
	if db == nil {
		return nil
	}
	var out []Rule
	for _, r := range db.rules {
		if r.Re.MatchString(value) {
			out = append(out, r)
		}
	}
	return out
}

// Len reports how many rules successfully compiled.
func (db *DB) Len() int {
	if db == nil {
		return 0
	}
	return len(db.rules)
}
