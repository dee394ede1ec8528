// Package selector implements RequestSelector, the typed field-extraction
// sum type shared by rate-limit keys, flow-control keys, and global-filter
// predicates.
package selector

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/hollowreed/sentrywall/internal/request"
	"github.com/hollowreed/sentrywall/internal/tags"
)

// Kind discriminates the selector variants.
type Kind int

const (
	KindIP Kind = iota
	KindPath
	KindQuery
	KindURI
	KindCountry
	KindMethod
	KindASN
	KindCompany
	KindAuthority
	KindTags
	KindArgs
	KindCookie
	KindHeader
)

// Selector picks one piece of data out of a request.Info. Args/Cookie/Header
// carry the key name to look up; the rest are fixed attributes.
type Selector struct {
	Kind Kind
	Key  string
}

// decodeAttribute resolves a bare attribute name, mirroring decode_attribute.
func decodeAttribute(s string) (Selector, bool) {
	switch s {
	case "ip":
		return Selector{Kind: KindIP}, true
	case "path":
		return Selector{Kind: KindPath}, true
	case "query":
		return Selector{Kind: KindQuery}, true
	case "uri":
		return Selector{Kind: KindURI}, true
	case "country":
		return Selector{Kind: KindCountry}, true
	case "method":
		return Selector{Kind: KindMethod}, true
	case "asn":
		return Selector{Kind: KindASN}, true
	case "company":
		return Selector{Kind: KindCompany}, true
	case "authority":
		return Selector{Kind: KindAuthority}, true
	case "tags":
		return Selector{Kind: KindTags}, true
	default:
		return Selector{}, false
	}
}

// Resolve builds a Selector from a {kind: name} pair, e.g. {"headers": "x-foo"}
// or {"attrs": "ip"}.
func Resolve(kind, value string) (Selector, error) {
	switch kind {
	case "headers":
		return Selector{Kind: KindHeader, Key: value}, nil
	case "cookies":
		return Selector{Kind: KindCookie, Key: value}, nil
	case "args":
		return Selector{Kind: KindArgs, Key: value}, nil
	case "attrs":
		if sel, ok := decodeAttribute(value); ok {
			return sel, nil
		}
		return Selector{}, fmt.Errorf("unknown attribute %q", value)
	default:
		return Selector{}, fmt.Errorf("unknown selector kind %q", kind)
	}
}

// Condition is a predicate over a selector's value, or a bare tag test.
type Condition struct {
	IsTag bool
	Tag   string
	Sel   Selector
	Re    *regexp.Regexp
}

// ResolveCondition builds a Condition from a {kind: name} pair plus a regex
// string, special-casing {"attrs": "tags"} into a direct tag membership test.
func ResolveCondition(kind, value, cond string) (Condition, error) {
	if kind == "attrs" && value == "tags" {
		return Condition{IsTag: true, Tag: cond}, nil
	}
	sel, err := Resolve(kind, value)
	if err != nil {
		return Condition{}, err
	}
	re, err := regexp.Compile(cond)
	if err != nil {
		return Condition{}, fmt.Errorf("compiling selector condition: %w", err)
	}
	return Condition{Sel: sel, Re: re}, nil
}

// Select extracts the selector's string value out of info. The asn attribute
// is rendered with strconv, matching the original's U32-to-string case.
func Select(info *request.Info, sel Selector) (string, bool) {
	switch sel.Kind {
	case KindArgs:
		return info.Query.Args.Get(sel.Key)
	case KindHeader:
		return info.Headers.Get(sel.Key)
	case KindCookie:
		return info.Cookies.Get(sel.Key)
	case KindIP:
		return info.Geo.IPStr, true
	case KindURI:
		if !info.Query.HasURI {
			return "", false
		}
		return info.Query.URI, true
	case KindPath:
		return info.Query.QPath, true
	case KindQuery:
		return info.Query.Query, true
	case KindMethod:
		return info.Meta.Method, true
	case KindCountry:
		if !info.Geo.HasCountry {
			return "", false
		}
		return info.Geo.CountryISO, true
	case KindAuthority:
		return info.Host, true
	case KindCompany:
		if !info.Geo.HasASN {
			return "", false
		}
		return info.Geo.Company, true
	case KindASN:
		if !info.Geo.HasASN {
			return "", false
		}
		return strconv.FormatUint(uint64(info.Geo.ASN), 10), true
	default:
		return "", false
	}
}

// Check evaluates a Condition against info/tg.
func Check(info *request.Info, tg *tags.Tags, c Condition) bool {
	if c.IsTag {
		return tg.Contains(c.Tag)
	}
	v, ok := Select(info, c.Sel)
	if !ok {
		return false
	}
	return c.Re.MatchString(v)
}
