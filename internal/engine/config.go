// Package engine ties every inspector package together behind a single
// hot-reloaded Config snapshot and the nine-step analyze pipeline.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hollowreed/sentrywall/internal/acl"
	"github.com/hollowreed/sentrywall/internal/contentfilter"
	"github.com/hollowreed/sentrywall/internal/decision"
	"github.com/hollowreed/sentrywall/internal/flowcontrol"
	"github.com/hollowreed/sentrywall/internal/globalfilter"
	"github.com/hollowreed/sentrywall/internal/ratelimit"
	"github.com/hollowreed/sentrywall/internal/securitypolicy"
	"github.com/hollowreed/sentrywall/internal/selector"
	"github.com/hollowreed/sentrywall/internal/signaturedb"
	"github.com/hollowreed/sentrywall/internal/tags"
)

// policyFiles names the eight JSON documents that make up the hot-reloaded
// policy directory, in the order they are loaded.
var policyFiles = []string{
	"securitypolicy.json",
	"limits.json",
	"globalfilter.json",
	"acl-profiles.json",
	"contentfilter-profiles.json",
	"contentfilter-rules.json",
	"contentfilter-groups.json",
	"flow-control.json",
}

// Config is the resolved, immutable snapshot of one policy directory
// generation. A new Config is built in full on every reload and swapped in
// atomically; nothing mutates an installed Config in place.
type Config struct {
	SecurityPolicy        *securitypolicy.Config
	Limits                map[string]ratelimit.Limit
	GlobalFilters         []globalfilter.Filter
	ACLProfiles           map[string]acl.Profile
	ContentFilterProfiles map[string]contentfilter.Profile
	SignatureDB           *signaturedb.DB
	Flows                 map[string]flowcontrol.Bucket
	LoadedAt              time.Time
	Errors                []error
}

// --- raw JSON shapes, resolved into the types above at load time ---

type rawSelectorRef struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func resolveSelectorRef(r rawSelectorRef) (selector.Selector, error) {
	return selector.Resolve(r.Kind, r.Value)
}

type rawCondition struct {
	Kind    string `json:"kind"`
	Value   string `json:"value"`
	Pattern string `json:"pattern"`
}

func resolveCondition(r rawCondition) (selector.Condition, error) {
	return selector.ResolveCondition(r.Kind, r.Value, r.Pattern)
}

type rawAction struct {
	Kind          string            `json:"kind"`
	Status        int               `json:"status"`
	Headers       map[string]string `json:"headers"`
	Content       string            `json:"content"`
	Location      string            `json:"location"`
	BlockMode     bool              `json:"block_mode"`
	BanSub        *rawAction        `json:"ban_sub"`
	BanTTLSeconds int               `json:"ban_ttl_seconds"`
	RequestTags   []string          `json:"request_tags"`
}

func resolveAction(r rawAction) (decision.SimpleAction, error) {
	var kind decision.ActionKind
	switch r.Kind {
	case "monitor", "":
		kind = decision.KindMonitor
	case "request_header":
		kind = decision.KindRequestHeader
	case "response":
		kind = decision.KindResponse
	case "redirect":
		kind = decision.KindRedirect
	case "challenge":
		kind = decision.KindChallenge
	case "default":
		kind = decision.KindDefault
	case "ban":
		kind = decision.KindBan
	default:
		return decision.SimpleAction{}, fmt.Errorf("unknown action kind %q", r.Kind)
	}
	a := decision.SimpleAction{
		Kind: kind, Status: r.Status, Headers: r.Headers, Content: r.Content,
		Location: r.Location, BlockMode: r.BlockMode, BanTTL: r.BanTTLSeconds,
		RequestTags: r.RequestTags,
	}
	if r.BanSub != nil {
		sub, err := resolveAction(*r.BanSub)
		if err != nil {
			return decision.SimpleAction{}, fmt.Errorf("ban_sub: %w", err)
		}
		a.BanSub = &sub
	}
	return a, nil
}

// securitypolicy.json

type rawPolicy struct {
	Name                  string   `json:"name"`
	ACLActive             bool     `json:"acl_active"`
	ACLProfile            string   `json:"acl_profile"`
	ContentFilterActive   bool     `json:"content_filter_active"`
	ContentFilterProfile  string   `json:"content_filter_profile"`
	RateLimitIDs          []string `json:"rate_limit_ids"`
}

type rawPathEntry struct {
	Matcher string    `json:"matcher"`
	Policy  rawPolicy `json:"policy"`
}

type rawHostMap struct {
	Name    string         `json:"name"`
	Entries []rawPathEntry `json:"entries"`
}

type rawHostEntry struct {
	Matcher string     `json:"matcher"`
	HostMap rawHostMap `json:"hostmap"`
}

func buildSecurityPolicy(raws []rawHostEntry) (*securitypolicy.Config, []error) {
	var errs []error
	var hostRaw []struct {
		Matcher string
		HostMap *securitypolicy.HostMap
	}
	for _, he := range raws {
		var pathRaw []struct {
			Matcher string
			Policy  securitypolicy.Policy
		}
		for _, pe := range he.HostMap.Entries {
			pathRaw = append(pathRaw, struct {
				Matcher string
				Policy  securitypolicy.Policy
			}{Matcher: pe.Matcher, Policy: securitypolicy.Policy{
				Name: pe.Policy.Name, ACLActive: pe.Policy.ACLActive, ACLProfile: pe.Policy.ACLProfile,
				ContentFilterActive: pe.Policy.ContentFilterActive, ContentFilterProfile: pe.Policy.ContentFilterProfile,
				RateLimitIDs: pe.Policy.RateLimitIDs,
			}})
		}
		hm, herrs := securitypolicy.NewHostMap(he.HostMap.Name, pathRaw)
		errs = append(errs, herrs...)
		hostRaw = append(hostRaw, struct {
			Matcher string
			HostMap *securitypolicy.HostMap
		}{Matcher: he.Matcher, HostMap: hm})
	}
	cfg, cerrs := securitypolicy.NewConfig(hostRaw)
	errs = append(errs, cerrs...)
	return cfg, errs
}

// limits.json

type rawThreshold struct {
	Count  int       `json:"count"`
	Action rawAction `json:"action"`
}

type rawLimit struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	TimeframeSeconds int              `json:"timeframe_seconds"`
	Thresholds       []rawThreshold   `json:"thresholds"`
	IncludeTags      []string         `json:"include_tags"`
	ExcludeTags      []string         `json:"exclude_tags"`
	Key              []rawSelectorRef `json:"key"`
	PairWith         *rawSelectorRef  `json:"pairwith"`
}

func buildLimits(raws []rawLimit) (map[string]ratelimit.Limit, []error) {
	out := make(map[string]ratelimit.Limit, len(raws))
	var errs []error
	for _, r := range raws {
		var thresholds []ratelimit.Threshold
		ok := true
		for _, th := range r.Thresholds {
			a, err := resolveAction(th.Action)
			if err != nil {
				errs = append(errs, fmt.Errorf("limit %s: threshold action: %w", r.ID, err))
				ok = false
				break
			}
			thresholds = append(thresholds, ratelimit.Threshold{Count: th.Count, Action: a})
		}
		if !ok {
			continue
		}
		var keySels []selector.Selector
		for _, k := range r.Key {
			s, err := resolveSelectorRef(k)
			if err != nil {
				errs = append(errs, fmt.Errorf("limit %s: key selector: %w", r.ID, err))
				ok = false
				break
			}
			keySels = append(keySels, s)
		}
		if !ok {
			continue
		}
		var pairWith *selector.Selector
		if r.PairWith != nil {
			s, err := resolveSelectorRef(*r.PairWith)
			if err != nil {
				errs = append(errs, fmt.Errorf("limit %s: pairwith selector: %w", r.ID, err))
				continue
			}
			pairWith = &s
		}
		out[r.ID] = ratelimit.Limit{
			ID: r.ID, Name: r.Name, Timeframe: time.Duration(r.TimeframeSeconds) * time.Second,
			Thresholds: ratelimit.SortThresholds(thresholds), IncludeTags: tags.SetOf(r.IncludeTags...),
			ExcludeTags: tags.SetOf(r.ExcludeTags...), KeySelectors: keySels, PairWith: pairWith,
		}
	}
	return out, errs
}

// globalfilter.json

type rawGFEntry struct {
	Kind    string `json:"kind"`
	Negate  bool   `json:"negate"`
	Key     string `json:"key"`
	Exact   string `json:"exact"`
	Pattern string `json:"pattern"`
	ASN     uint32 `json:"asn"`
	IP      string `json:"ip"`
}

var gfKindNames = map[string]globalfilter.EntryKind{
	"args": globalfilter.EntryArgs, "cookies": globalfilter.EntryCookies,
	"headers": globalfilter.EntryHeaders, "path": globalfilter.EntryPath,
	"query": globalfilter.EntryQuery, "uri": globalfilter.EntryURI,
	"country": globalfilter.EntryCountry, "method": globalfilter.EntryMethod,
	"asn": globalfilter.EntryASN, "company": globalfilter.EntryCompany,
	"authority": globalfilter.EntryAuthority, "ip": globalfilter.EntryIP,
	"network": globalfilter.EntryNetwork,
}

func resolveGFEntry(r rawGFEntry) (globalfilter.RawEntry, error) {
	kind, ok := gfKindNames[r.Kind]
	if !ok {
		return globalfilter.RawEntry{}, fmt.Errorf("unknown global-filter entry kind %q", r.Kind)
	}
	return globalfilter.RawEntry{
		Kind: kind, Negate: r.Negate, Key: r.Key, Exact: r.Exact,
		Pattern: r.Pattern, ASN: r.ASN, IP: r.IP,
	}, nil
}

type rawGFSection struct {
	Relation string         `json:"relation"`
	Entries  []rawGFEntry   `json:"entries"`
	Children []rawGFSection `json:"children"`
}

func resolveGFSection(r rawGFSection) (globalfilter.RawSection, []error) {
	var errs []error
	sec := globalfilter.RawSection{Relation: globalfilter.Or}
	if r.Relation == "and" {
		sec.Relation = globalfilter.And
	}
	for _, e := range r.Entries {
		re, err := resolveGFEntry(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sec.Entries = append(sec.Entries, re)
	}
	for _, c := range r.Children {
		cs, cerrs := resolveGFSection(c)
		sec.Children = append(sec.Children, cs)
		errs = append(errs, cerrs...)
	}
	return sec, errs
}

type rawGFFilter struct {
	Name    string       `json:"name"`
	Active  bool         `json:"active"`
	Section rawGFSection `json:"section"`
	Tags    []string     `json:"tags"`
	Action  *rawAction   `json:"action"`
}

func buildGlobalFilters(raws []rawGFFilter) ([]globalfilter.Filter, []error) {
	var errs []error
	var resolved []globalfilter.RawFilter
	for _, r := range raws {
		sec, serrs := resolveGFSection(r.Section)
		errs = append(errs, serrs...)
		rf := globalfilter.RawFilter{Name: r.Name, Active: r.Active, Section: sec, Tags: r.Tags}
		if r.Action != nil {
			a, err := resolveAction(*r.Action)
			if err != nil {
				errs = append(errs, fmt.Errorf("global filter %s: action: %w", r.Name, err))
			} else {
				rf.Action = &a
			}
		}
		resolved = append(resolved, rf)
	}
	filters, berrs := globalfilter.Build(resolved)
	errs = append(errs, berrs...)
	return filters, errs
}

// acl-profiles.json

type rawACLProfile struct {
	Name        string   `json:"name"`
	Allow       []string `json:"allow"`
	AllowBot    []string `json:"allow_bot"`
	Deny        []string `json:"deny"`
	DenyBot     []string `json:"deny_bot"`
	Passthrough []string `json:"passthrough"`
	ForceDeny   []string `json:"force_deny"`
}

func buildACLProfiles(raws []rawACLProfile) map[string]acl.Profile {
	out := make(map[string]acl.Profile, len(raws))
	for _, r := range raws {
		out[r.Name] = acl.Profile{
			Allow: tags.SetOf(r.Allow...), AllowBot: tags.SetOf(r.AllowBot...),
			Deny: tags.SetOf(r.Deny...), DenyBot: tags.SetOf(r.DenyBot...),
			Passthrough: tags.SetOf(r.Passthrough...), ForceDeny: tags.SetOf(r.ForceDeny...),
		}
	}
	return out
}

// contentfilter-groups.json

type rawGroup struct {
	Name    string   `json:"name"`
	RuleIDs []string `json:"rule_ids"`
}

func expandExclusions(tokens []string, groups map[string][]string) map[string]struct{} {
	if len(tokens) == 0 {
		return nil
	}
	out := make(map[string]struct{})
	for _, tok := range tokens {
		if ids, isGroup := groups[tok]; isGroup {
			for _, id := range ids {
				out[id] = struct{}{}
			}
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// contentfilter-profiles.json

type rawEntryRule struct {
	Pattern    string   `json:"pattern"`
	Restrict   bool     `json:"restrict"`
	Exclusions []string `json:"exclusions"`
	Mask       bool     `json:"mask"`
}

type rawRegexRule struct {
	NamePattern string       `json:"name_pattern"`
	Rule        rawEntryRule `json:"rule"`
}

type rawCFSection struct {
	MaxCount       int                     `json:"max_count"`
	MaxLength      int                     `json:"max_length"`
	IgnoreAlphanum bool                    `json:"ignore_alphanum"`
	Names          map[string]rawEntryRule `json:"names"`
	Regex          []rawRegexRule          `json:"regex"`
}

type rawCFProfile struct {
	Name    string       `json:"name"`
	Headers rawCFSection `json:"headers"`
	Cookies rawCFSection `json:"cookies"`
	Args    rawCFSection `json:"args"`
}

func resolveEntryRule(r rawEntryRule, groups map[string][]string) (contentfilter.EntryRule, error) {
	rule := contentfilter.EntryRule{Restrict: r.Restrict, Mask: r.Mask, Exclusions: expandExclusions(r.Exclusions, groups)}
	if r.Pattern != "" {
		re, err := regexpCompile(r.Pattern)
		if err != nil {
			return contentfilter.EntryRule{}, err
		}
		rule.Re = re
	}
	return rule, nil
}

func resolveCFSection(kind contentfilter.SectionKind, r rawCFSection, groups map[string][]string) (contentfilter.Section, []error) {
	var errs []error
	sec := contentfilter.Section{
		Kind: kind, MaxCount: r.MaxCount, MaxLength: r.MaxLength, IgnoreAlphanum: r.IgnoreAlphanum,
		ByName: make(map[string]contentfilter.EntryRule, len(r.Names)),
	}
	for name, rr := range r.Names {
		rule, err := resolveEntryRule(rr, groups)
		if err != nil {
			errs = append(errs, fmt.Errorf("content-filter section %s: entry %s: %w", kind, name, err))
			continue
		}
		sec.ByName[name] = rule
	}
	for _, rr := range r.Regex {
		nameRe, err := regexpCompile(rr.NamePattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("content-filter section %s: regex rule name pattern: %w", kind, err))
			continue
		}
		rule, err := resolveEntryRule(rr.Rule, groups)
		if err != nil {
			errs = append(errs, fmt.Errorf("content-filter section %s: regex rule: %w", kind, err))
			continue
		}
		sec.ByRegex = append(sec.ByRegex, contentfilter.RegexRule{NameRe: nameRe, Rule: rule})
	}
	return sec, errs
}

func buildContentFilterProfiles(raws []rawCFProfile, rawGroups []rawGroup) (map[string]contentfilter.Profile, []error) {
	groups := make(map[string][]string, len(rawGroups))
	for _, g := range rawGroups {
		groups[g.Name] = g.RuleIDs
	}
	out := make(map[string]contentfilter.Profile, len(raws))
	var errs []error
	for _, r := range raws {
		headers, herrs := resolveCFSection(contentfilter.SectionHeaders, r.Headers, groups)
		cookies, cerrs := resolveCFSection(contentfilter.SectionCookies, r.Cookies, groups)
		args, aerrs := resolveCFSection(contentfilter.SectionArgs, r.Args, groups)
		errs = append(errs, herrs...)
		errs = append(errs, cerrs...)
		errs = append(errs, aerrs...)
		out[r.Name] = contentfilter.Profile{Name: r.Name, Headers: headers, Cookies: cookies, Args: args}
	}
	return out, errs
}

// contentfilter-rules.json

type rawRuleSpec struct {
	ID          string `json:"id"`
	Pattern     string `json:"pattern"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Operand     string `json:"operand"`
	Severity    string `json:"severity"`
	Msg         string `json:"msg"`
	Groups      []string `json:"groups"`
	Multiline   bool   `json:"multiline"`
	DotAll      bool   `json:"dotall"`
	Caseless    bool   `json:"caseless"`
}

func severityOf(s string) signaturedb.Severity {
	switch s {
	case "medium":
		return signaturedb.SeverityMedium
	case "high":
		return signaturedb.SeverityHigh
	case "critical":
		return signaturedb.SeverityCritical
	default:
		return signaturedb.SeverityLow
	}
}

func buildSignatureDB(raws []rawRuleSpec) (*signaturedb.DB, []error) {
	specs := make([]signaturedb.RuleSpec, len(raws))
	for i, r := range raws {
		specs[i] = signaturedb.RuleSpec{
			ID: r.ID, Pattern: r.Pattern, Category: r.Category, Subcategory: r.Subcategory,
			Operand: r.Operand, Severity: severityOf(r.Severity), Msg: r.Msg, Groups: r.Groups,
			Multiline: r.Multiline, DotAll: r.DotAll, Caseless: r.Caseless,
		}
	}
	return signaturedb.Build(specs)
}

// flow-control.json

type rawFlowElement struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	IncludeTags      []string         `json:"include_tags"`
	ExcludeTags      []string         `json:"exclude_tags"`
	Key              []rawSelectorRef `json:"key"`
	Conditions       []rawCondition   `json:"conditions"`
	Step             int              `json:"step"`
	TotalSteps       int              `json:"total_steps"`
	TTLSeconds       int              `json:"ttl_seconds"`
	Action           rawAction        `json:"action"`
	IsLast           bool             `json:"is_last"`
	Method           string           `json:"method"`
	Host             string           `json:"host"`
	URI              string           `json:"uri"`
}

func buildFlows(raws []rawFlowElement) (map[string]flowcontrol.Bucket, []error) {
	var errs []error
	byKey := make(map[string][]flowcontrol.Element)
	for _, r := range raws {
		var keySels []selector.Selector
		ok := true
		for _, k := range r.Key {
			s, err := resolveSelectorRef(k)
			if err != nil {
				errs = append(errs, fmt.Errorf("flow %s: key selector: %w", r.ID, err))
				ok = false
				break
			}
			keySels = append(keySels, s)
		}
		if !ok {
			continue
		}
		var conds []selector.Condition
		for _, c := range r.Conditions {
			cond, err := resolveCondition(c)
			if err != nil {
				errs = append(errs, fmt.Errorf("flow %s: condition: %w", r.ID, err))
				ok = false
				break
			}
			conds = append(conds, cond)
		}
		if !ok {
			continue
		}
		action, err := resolveAction(r.Action)
		if err != nil {
			errs = append(errs, fmt.Errorf("flow %s: action: %w", r.ID, err))
			continue
		}
		el := flowcontrol.Element{
			ID: r.ID, Name: r.Name, IncludeTags: tags.SetOf(r.IncludeTags...), ExcludeTags: tags.SetOf(r.ExcludeTags...),
			KeySelectors: keySels, SelectorConds: conds, StepIndex: r.Step, TotalSteps: r.TotalSteps,
			TTL: time.Duration(r.TTLSeconds) * time.Second, Action: action, IsLast: r.IsLast,
		}
		key := flowcontrol.SequenceKey(r.Method, r.Host, r.URI)
		byKey[key] = append(byKey[key], el)
	}
	out := make(map[string]flowcontrol.Bucket, len(byKey))
	for key, els := range byKey {
		out[key] = flowcontrol.SortBucket(els)
	}
	return out, errs
}

func regexpCompile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

// loadArray reads path as a JSON array of T, tolerating a missing file by
// returning an empty slice along with an error the caller records as a
// warning (the partial-failure policy in spec §4.1: a missing or
// unparseable file yields an empty list plus a warning, never an aborted
// reload).
func loadArray[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path built from trusted policy base_path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s is missing; loaded as an empty list", path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return out, nil
}

// Load reads every policy file under basePath/json and resolves them into a
// fresh Config. Per-entry failures are collected into Config.Errors rather
// than aborting the load.
func Load(basePath string) (*Config, error) {
	dir := filepath.Join(basePath, "json")
	var errs []error

	securityRaw, err := loadArray[rawHostEntry](filepath.Join(dir, "securitypolicy.json"))
	if err != nil {
		errs = append(errs, err)
	}
	limitsRaw, err := loadArray[rawLimit](filepath.Join(dir, "limits.json"))
	if err != nil {
		errs = append(errs, err)
	}
	gfRaw, err := loadArray[rawGFFilter](filepath.Join(dir, "globalfilter.json"))
	if err != nil {
		errs = append(errs, err)
	}
	aclRaw, err := loadArray[rawACLProfile](filepath.Join(dir, "acl-profiles.json"))
	if err != nil {
		errs = append(errs, err)
	}
	cfProfilesRaw, err := loadArray[rawCFProfile](filepath.Join(dir, "contentfilter-profiles.json"))
	if err != nil {
		errs = append(errs, err)
	}
	cfRulesRaw, err := loadArray[rawRuleSpec](filepath.Join(dir, "contentfilter-rules.json"))
	if err != nil {
		errs = append(errs, err)
	}
	cfGroupsRaw, err := loadArray[rawGroup](filepath.Join(dir, "contentfilter-groups.json"))
	if err != nil {
		errs = append(errs, err)
	}
	flowsRaw, err := loadArray[rawFlowElement](filepath.Join(dir, "flow-control.json"))
	if err != nil {
		errs = append(errs, err)
	}

	secPolicy, serrs := buildSecurityPolicy(securityRaw)
	errs = append(errs, serrs...)
	limits, lerrs := buildLimits(limitsRaw)
	errs = append(errs, lerrs...)
	filters, gferrs := buildGlobalFilters(gfRaw)
	errs = append(errs, gferrs...)
	aclProfiles := buildACLProfiles(aclRaw)
	cfProfiles, cferrs := buildContentFilterProfiles(cfProfilesRaw, cfGroupsRaw)
	errs = append(errs, cferrs...)
	db, dberrs := buildSignatureDB(cfRulesRaw)
	errs = append(errs, dberrs...)
	flows, flerrs := buildFlows(flowsRaw)
	errs = append(errs, flerrs...)

	return &Config{
		SecurityPolicy: secPolicy, Limits: limits, GlobalFilters: filters,
		ACLProfiles: aclProfiles, ContentFilterProfiles: cfProfiles, SignatureDB: db,
		Flows: flows, LoadedAt: time.Now(), Errors: errs,
	}, nil
}

// newestMtime returns the most recent modification time among the policy
// files present under basePath/json, used to decide whether a reload is
// needed without re-parsing every file.
func newestMtime(basePath string) time.Time {
	dir := filepath.Join(basePath, "json")
	var newest time.Time
	for _, name := range policyFiles {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}
