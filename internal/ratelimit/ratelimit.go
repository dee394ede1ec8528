// Package ratelimit implements a distributed rate-limit engine: keyed
// counters in an external store, threshold escalation, and ban sub-actions.
package ratelimit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/hollowreed/sentrywall/internal/decision"
	"github.com/hollowreed/sentrywall/internal/request"
	"github.com/hollowreed/sentrywall/internal/selector"
	"github.com/hollowreed/sentrywall/internal/store"
	"github.com/hollowreed/sentrywall/internal/tags"
)

// Threshold is one (count, action) escalation rung.
type Threshold struct {
	Count  int
	Action decision.SimpleAction
}

// Limit mirrors the Limit data type.
type Limit struct {
	ID              string
	Name            string
	Timeframe       time.Duration
	Thresholds      []Threshold
	IncludeTags     map[string]struct{}
	ExcludeTags     map[string]struct{}
	KeySelectors    []selector.Selector
	PairWith        *selector.Selector
}

// SortThresholds orders thresholds with count==0 first (unconditional),
// then descending by count, so the first matching threshold in order is
// the strongest one that applies.
func SortThresholds(ts []Threshold) []Threshold {
	out := append([]Threshold(nil), ts...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Count == 0 && b.Count != 0 {
			return true
		}
		if a.Count != 0 && b.Count == 0 {
			return false
		}
		return a.Count > b.Count
	})
	return out
}

// matchesFilters reports whether the limit's include/exclude tag filters
// allow it to run against tg.
func matchesFilters(tg *tags.Tags, l Limit) bool {
	if len(l.IncludeTags) > 0 && len(tg.Intersection(l.IncludeTags)) == 0 {
		return false
	}
	if len(l.ExcludeTags) > 0 && len(tg.Intersection(l.ExcludeTags)) > 0 {
		return false
	}
	return true
}

func buildKey(policyName string, l Limit, fields []string) (string, bool) {
	h := md5.New()
	h.Write([]byte(policyName))
	h.Write([]byte{0})
	h.Write([]byte(l.ID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(fields, "")))
	return hex.EncodeToString(h.Sum(nil)), true
}

func selectFields(info *request.Info, sels []selector.Selector) ([]string, bool) {
	out := make([]string, 0, len(sels))
	for _, s := range sels {
		v, ok := selector.Select(info, s)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func banKey(key string) string {
	h := md5.Sum([]byte("limit-ban-hash" + key))
	return hex.EncodeToString(h[:])
}

// Reason is the structured JSON blob attached to a reacting Decision.
type Reason struct {
	Initiator string `json:"initiator"`
	LimitName string `json:"limitname"`
	Key       string `json:"key"`
}

// Outcome is what happened when checking one limit.
type Outcome struct {
	Reacted  bool
	Decision decision.Decision
	Tag      string
}

// Check evaluates a single limit against one request.
// s may be nil (no store configured); this is treated as fail-open for the
// whole limit, matching the store-unavailable error semantics.
func Check(ctx context.Context, s *store.Store, policyName string, l Limit, info *request.Info, tg *tags.Tags) Outcome {
	if !matchesFilters(tg, l) {
		return Outcome{}
	}
	fields, ok := selectFields(info, l.KeySelectors)
	if !ok || s == nil {
		return Outcome{}
	}
	key, _ := buildKey(policyName, l, fields)
	bk := banKey(key)

	if exists, err := s.Exists(ctx, bk); err == nil && exists {
		sorted := SortThresholds(l.Thresholds)
		if len(sorted) == 0 {
			return Outcome{}
		}
		return react(ctx, s, l, sorted[0].Action, policyName, key)
	}

	var pairValue string
	if l.PairWith != nil {
		v, ok := selector.Select(info, *l.PairWith)
		if !ok {
			return Outcome{}
		}
		pairValue = v
	}

	var count int64
	var err error
	if l.PairWith != nil {
		count, err = s.SaddAndTTL(ctx, key, pairValue, l.Timeframe)
	} else {
		count, err = s.IncrAndTTL(ctx, key, l.Timeframe)
	}
	if err != nil {
		return Outcome{}
	}

	for _, th := range SortThresholds(l.Thresholds) {
		if int(count) > th.Count || th.Count == 0 {
			return react(ctx, s, l, th.Action, policyName, key)
		}
	}
	return Outcome{}
}

func react(ctx context.Context, s *store.Store, l Limit, action decision.SimpleAction, policyName, key string) Outcome {
	effective := action
	if action.Kind == decision.KindBan && action.BanSub != nil {
		if s != nil {
			_ = s.SetWithTTL(ctx, banKey(key), "1", time.Duration(action.BanTTL)*time.Second)
		}
		effective = *action.BanSub
	}
	d := decision.FromAction(effective, Reason{Initiator: "limit", LimitName: l.Name, Key: key})
	return Outcome{Reacted: true, Decision: d, Tag: l.Name}
}
