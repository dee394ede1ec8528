// Package globalfilter implements the tagging/global-filter evaluator: a
// boolean tree of typed predicates per section, with IP predicates
// collapsed into a single range-membership check and an action-precedence
// merge across sections, mirroring tag_request.
package globalfilter

import (
	"fmt"
	"net/netip"
	"regexp"

	"github.com/hollowreed/sentrywall/internal/decision"
	"github.com/hollowreed/sentrywall/internal/iptools"
	"github.com/hollowreed/sentrywall/internal/request"
	"github.com/hollowreed/sentrywall/internal/selector"
	"github.com/hollowreed/sentrywall/internal/tags"
)

// Relation is the boolean combinator applied to a subsection's children.
type Relation int

const (
	And Relation = iota
	Or
)

// EntryKind names which request attribute a leaf predicate tests.
type EntryKind int

const (
	EntryArgs EntryKind = iota
	EntryCookies
	EntryHeaders
	EntryPath
	EntryQuery
	EntryURI
	EntryCountry
	EntryMethod
	EntryASN
	EntryCompany
	EntryAuthority
	EntryIP
	EntryNetwork
)

func (k EntryKind) isIP() bool { return k == EntryIP || k == EntryNetwork }

func (k EntryKind) selectorKind() (selector.Kind, bool) {
	switch k {
	case EntryArgs:
		return selector.KindArgs, true
	case EntryCookies:
		return selector.KindCookie, true
	case EntryHeaders:
		return selector.KindHeader, true
	case EntryPath:
		return selector.KindPath, true
	case EntryQuery:
		return selector.KindQuery, true
	case EntryURI:
		return selector.KindURI, true
	case EntryCountry:
		return selector.KindCountry, true
	case EntryMethod:
		return selector.KindMethod, true
	case EntryCompany:
		return selector.KindCompany, true
	case EntryAuthority:
		return selector.KindAuthority, true
	default:
		return 0, false
	}
}

// RawEntry is one leaf predicate as read from globalfilter.json, before
// regex compilation and IP-range aggregation.
type RawEntry struct {
	Kind    EntryKind
	Negate  bool
	Key     string // Args/Cookies/Headers key name
	Exact   string
	Pattern string // compiled to Re if non-empty; mutually exclusive with Exact
	ASN     uint32
	IP      string // parsed to netip.Addr (EntryIP) or netip.Prefix (EntryNetwork)
}

// RawSection is one node of the boolean tree, as read from JSON.
type RawSection struct {
	Relation Relation
	Entries  []RawEntry
	Children []RawSection
}

// RawFilter is one top-level global-filter section.
type RawFilter struct {
	Name    string
	Active  bool
	Section RawSection
	Tags    []string
	Action  *decision.SimpleAction
}

// test is a resolved non-IP leaf predicate.
type test struct {
	kind   EntryKind
	negate bool
	sel    selector.Selector
	exact  string
	re     *regexp.Regexp
	asn    uint32
}

// Section is the resolved boolean tree: IP/Network entries have been
// collapsed into at most one positive and one negative range per node.
type Section struct {
	Relation Relation
	Tests    []test
	PosIP    *iptools.Range
	NegIP    *iptools.Range
	Children []Section
}

// Filter is one resolved global-filter section ready for evaluation.
type Filter struct {
	Name      string
	Active    bool
	Section   Section
	Tags      *tags.Tags
	HasAction bool
	Action    decision.SimpleAction
}

func compileEntry(e RawEntry) (test, *iptools.Range, bool, error) {
	if e.Kind.isIP() {
		r, err := entryRange(e)
		if err != nil {
			return test{}, nil, false, err
		}
		return test{}, &r, true, nil
	}
	t := test{kind: e.Kind, negate: e.Negate, asn: e.ASN}
	if e.Kind == EntryASN {
		return t, nil, false, nil
	}
	sk, ok := e.Kind.selectorKind()
	if !ok {
		return test{}, nil, false, fmt.Errorf("globalfilter: unknown entry kind %d", e.Kind)
	}
	t.sel = selector.Selector{Kind: sk, Key: e.Key}
	if e.Pattern != "" {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return test{}, nil, false, fmt.Errorf("globalfilter: compiling pattern %q: %w", e.Pattern, err)
		}
		t.re = re
	} else {
		t.exact = e.Exact
	}
	return t, nil, false, nil
}

func entryRange(e RawEntry) (iptools.Range, error) {
	if e.Kind == EntryIP {
		addr, err := netip.ParseAddr(e.IP)
		if err != nil {
			return iptools.Range{}, fmt.Errorf("globalfilter: parsing ip %q: %w", e.IP, err)
		}
		return iptools.FromAddr(addr), nil
	}
	prefix, err := netip.ParsePrefix(e.IP)
	if err != nil {
		return iptools.Range{}, fmt.Errorf("globalfilter: parsing network %q: %w", e.IP, err)
	}
	return iptools.FromPrefix(prefix), nil
}

// BuildSection resolves one RawSection, compiling regexes and aggregating
// IP/Network entries into at most one positive and one negative range,
// using union for Or and intersection for And. A bad entry is skipped and
// logged via the returned errs slice; it never aborts the rest of the
// section.
func BuildSection(raw RawSection) (Section, []error) {
	sec := Section{Relation: raw.Relation}
	var errs []error
	var posRanges, negRanges []iptools.Range

	for _, e := range raw.Entries {
		t, r, isIP, err := compileEntry(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if isIP {
			if e.Negate {
				negRanges = append(negRanges, *r)
			} else {
				posRanges = append(posRanges, *r)
			}
			continue
		}
		sec.Tests = append(sec.Tests, t)
	}

	if len(posRanges) > 0 {
		r := aggregate(raw.Relation, false, posRanges)
		sec.PosIP = &r
	}
	if len(negRanges) > 0 {
		r := aggregate(raw.Relation, true, negRanges)
		sec.NegIP = &r
	}

	for _, child := range raw.Children {
		cs, cerrs := BuildSection(child)
		sec.Children = append(sec.Children, cs)
		errs = append(errs, cerrs...)
	}

	return sec, errs
}

// aggregate combines ranges under relation rel, flipping the relation for
// the negated stack per De Morgan's laws: NOT(a AND b) = NOT(a) OR NOT(b),
// so an And section's negated entries must union (not intersect) before
// the NOT is applied at match time, and symmetrically for Or.
func aggregate(rel Relation, negated bool, ranges []iptools.Range) iptools.Range {
	useAnd := rel == And
	if negated {
		useAnd = !useAnd
	}
	if useAnd {
		return iptools.Intersect(ranges...)
	}
	return iptools.Union(ranges...)
}

// Build resolves every RawFilter into a Filter, skipping and logging
// entries/patterns that fail to compile without dropping the whole
// filter.
func Build(raws []RawFilter) ([]Filter, []error) {
	var out []Filter
	var errs []error
	for _, r := range raws {
		sec, serrs := BuildSection(r.Section)
		errs = append(errs, serrs...)

		tg := tags.New()
		for _, raw := range r.Tags {
			tg.Insert(raw)
		}

		f := Filter{Name: r.Name, Active: r.Active, Section: sec, Tags: tg}
		if r.Action != nil {
			f.HasAction = true
			f.Action = *r.Action
		}
		out = append(out, f)
	}
	return out, errs
}

func ipOf(info *request.Info) (netip.Addr, bool) {
	if !info.Geo.HasAddr {
		return netip.Addr{}, false
	}
	return info.Geo.Addr, true
}

func evalTest(t test, info *request.Info, tg *tags.Tags) bool {
	var match bool
	switch t.kind {
	case EntryASN:
		match = info.Geo.HasASN && info.Geo.ASN == t.asn
	default:
		v, ok := selector.Select(info, t.sel)
		if !ok {
			match = false
		} else if t.re != nil {
			match = t.re.MatchString(v)
		} else {
			match = v == t.exact
		}
	}
	if t.negate {
		return !match
	}
	return match
}

// Eval evaluates a resolved Section's boolean tree against one request.
func Eval(sec Section, info *request.Info, tg *tags.Tags) bool {
	var results []bool
	for _, t := range sec.Tests {
		results = append(results, evalTest(t, info, tg))
	}
	if sec.PosIP != nil {
		addr, ok := ipOf(info)
		results = append(results, ok && sec.PosIP.Contains(addr))
	}
	if sec.NegIP != nil {
		addr, ok := ipOf(info)
		results = append(results, !(ok && sec.NegIP.Contains(addr)))
	}
	for _, c := range sec.Children {
		results = append(results, Eval(c, info, tg))
	}

	if sec.Relation == And {
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	}
	for _, r := range results {
		if r {
			return true
		}
	}
	return false
}

// Reason is the structured JSON blob attached to a matching global-filter's
// Decision.
type Reason struct {
	Initiator string `json:"initiator"`
	Name      string `json:"name"`
}

// Result is the outcome of Evaluate: the merged tag set from every
// matching active filter, plus the strongest surviving action and the
// name of the filter that produced it.
type Result struct {
	Tags      *tags.Tags
	HasAction bool
	Action    decision.SimpleAction
	Name      string
}

// Evaluate runs every active filter against one request, in order. Every
// matching filter's tags merge into the result regardless of its action;
// Challenge actions are skipped entirely when isHuman is true (never
// surface, never block a stronger action from a later filter); among the
// rest, the strongest action wins via decision.Strongest.
func Evaluate(filters []Filter, info *request.Info, tg *tags.Tags, isHuman bool) Result {
	merged := tags.New()
	var best decision.SimpleAction
	var name string
	found := false

	for _, f := range filters {
		if !f.Active {
			continue
		}
		if !Eval(f.Section, info, tg) {
			continue
		}
		merged.Merge(f.Tags)
		if !f.HasAction {
			continue
		}
		if f.Action.Kind == decision.KindChallenge && isHuman {
			continue
		}
		if !found {
			best, name = f.Action, f.Name
			found = true
			continue
		}
		if decision.Outranks(best, f.Action) {
			name = f.Name
		}
		best = decision.Strongest(best, f.Action)
	}

	return Result{Tags: merged, HasAction: found, Action: best, Name: name}
}
