// Package securitypolicy resolves a (host, path) pair to the SecurityPolicy
// that governs it, mirroring match_securitypolicy.
package securitypolicy

import (
	"fmt"
	"regexp"
	"sort"
)

// Policy mirrors SecurityPolicy.
type Policy struct {
	Name                string
	ACLActive           bool
	ACLProfile          string
	ContentFilterActive bool
	ContentFilterProfile string
	RateLimitIDs        []string
}

// pathEntry is one (path-regex -> Policy) matching inside a HostMap.
type pathEntry struct {
	matcher string
	re      *regexp.Regexp
	policy  Policy
}

// HostMap groups an ordered list of path matchings with a default fallback.
type HostMap struct {
	Name    string
	entries []pathEntry
	deflt   *Policy
}

// NewHostMap builds a HostMap from raw (matcher, policy) pairs, compiling
// every non-default matcher and sorting entries longest-matcher-first so
// more specific routes are tried before more general ones. A matcher string
// of "__default__" is extracted into the default slot instead of being
// compiled as a regex.
func NewHostMap(name string, raw []struct {
	Matcher string
	Policy  Policy
}) (*HostMap, []error) {
	hm := &HostMap{Name: name}
	var errs []error
	for _, r := range raw {
		if r.Matcher == "__default__" {
			p := r.Policy
			hm.deflt = &p
			continue
		}
		re, err := regexp.Compile(r.Matcher)
		if err != nil {
			errs = append(errs, fmt.Errorf("hostmap %s: path matcher %q: %w", name, r.Matcher, err))
			continue
		}
		hm.entries = append(hm.entries, pathEntry{matcher: r.Matcher, re: re, policy: r.Policy})
	}
	sort.SliceStable(hm.entries, func(i, j int) bool {
		return len(hm.entries[i].matcher) > len(hm.entries[j].matcher)
	})
	return hm, errs
}

// Match returns the first entry whose regex matches path, or the default.
func (hm *HostMap) Match(path string) (Policy, bool) {
	for _, e := range hm.entries {
		if e.re.MatchString(path) {
			return e.policy, true
		}
	}
	if hm.deflt != nil {
		return *hm.deflt, true
	}
	return Policy{}, false
}

// hostEntry is one (host-regex -> HostMap) matching inside a Config.
type hostEntry struct {
	matcher string
	re      *regexp.Regexp
	hostMap *HostMap
}

// Config groups an ordered list of host matchings with a default fallback.
type Config struct {
	entries []hostEntry
	deflt   *HostMap
}

// NewConfig builds a Config from raw (matcher, HostMap) pairs using the same
// longest-matcher-first / "__default__" convention as NewHostMap.
func NewConfig(raw []struct {
	Matcher string
	HostMap *HostMap
}) (*Config, []error) {
	cfg := &Config{}
	var errs []error
	for _, r := range raw {
		if r.Matcher == "__default__" {
			cfg.deflt = r.HostMap
			continue
		}
		re, err := regexp.Compile(r.Matcher)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: host matcher %q: %w", r.Matcher, err))
			continue
		}
		cfg.entries = append(cfg.entries, hostEntry{matcher: r.Matcher, re: re, hostMap: r.HostMap})
	}
	sort.SliceStable(cfg.entries, func(i, j int) bool {
		return len(cfg.entries[i].matcher) > len(cfg.entries[j].matcher)
	})
	return cfg, errs
}

// Match resolves (host, urlDecodedPath) to (hostmap-name, Policy). The path
// argument must already be url-decoded. It returns ok=false when no
// host-map matches and no default host-map is configured, or when the
// chosen host-map has neither a matching entry nor a default entry.
func (c *Config) Match(host, path string) (hostMapName string, pol Policy, ok bool) {
	hm := c.deflt
	for _, e := range c.entries {
		if e.re.MatchString(host) {
			hm = e.hostMap
			break
		}
	}
	if hm == nil {
		return "", Policy{}, false
	}
	p, found := hm.Match(path)
	if !found {
		return hm.Name, Policy{}, false
	}
	return hm.Name, p, true
}
