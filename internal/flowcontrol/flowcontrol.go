// Package flowcontrol implements a per-sequence step counter: an ordered
// series of request steps tracked in an external store, keyed by
// method+host+uri.
package flowcontrol

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

// SequenceKey identifies one flow sequence.
func SequenceKey(method, host, uri string) string {
	return method + "\x00" + host + "\x00" + uri
}

// Element mirrors FlowElement.
type Element struct {
	ID                string
	Name              string
	IncludeTags       map[string]struct{}
	ExcludeTags       map[string]struct{}
	KeySelectors      []selector.Selector
	SelectorConds     []selector.Condition
	StepIndex         int
	TotalSteps        int
	TTL               time.Duration
	Action            decision.SimpleAction
	IsLast            bool
}

// Bucket is the ordered set of Elements sharing a SequenceKey, stored in
// reverse step order (largest step first).
type Bucket []Element

// SortBucket returns elements ordered largest-step-first.
func SortBucket(es []Element) Bucket {
	out := append(Bucket(nil), es...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepIndex > out[j].StepIndex })
	return out
}

func matchesFilters(tg *tags.Tags, e Element) bool {
	if len(e.IncludeTags) > 0 && len(tg.Intersection(e.IncludeTags)) == 0 {
		return false
	}
	if len(e.ExcludeTags) > 0 && len(tg.Intersection(e.ExcludeTags)) > 0 {
		return false
	}
	return true
}

func matchesConditions(info *request.Info, tg *tags.Tags, e Element) bool {
	for _, c := range e.SelectorConds {
		if !selector.Check(info, tg, c) {
			return false
		}
	}
	return true
}

func buildKey(e Element, fields []string) string {
	h := md5.New()
	h.Write([]byte(e.ID))
	h.Write([]byte{0})
	h.Write([]byte(e.Name))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(fields, "")))
	return hex.EncodeToString(h.Sum(nil))
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

// Reason is the structured JSON blob attached to a reacting Decision.
type Reason struct {
	Initiator string `json:"initiator"`
	FlowName  string `json:"flowname"`
	Key       string `json:"key"`
}

// Outcome is what happened when checking one bucket of flow elements.
type Outcome struct {
	Reacted  bool
	Passed   bool
	Decision decision.Decision
}

// Check evaluates bucket (already sorted largest-step-first by the config
// loader) for one request.
func Check(ctx context.Context, s *store.Store, bucket Bucket, info *request.Info, tg *tags.Tags) Outcome {
	var candidate *decision.Decision

	for _, e := range bucket {
		if !matchesFilters(tg, e) || !matchesConditions(info, tg, e) {
			continue
		}
		fields, ok := selectFields(info, e.KeySelectors)
		if !ok || s == nil {
			continue
		}
		key := buildKey(e, fields)

		length, err := s.Len(ctx, key)
		if err != nil {
			continue
		}

		if !e.IsLast {
			// Non-terminal steps never block: advance the counter when this
			// request represents the expected step, but either way a
			// matching non-terminal element settles the whole check as a
			// pass, overriding any terminal mismatch staged earlier in the
			// bucket (largest-step-first order checks the terminal element
			// before its predecessors).
			if int(length) == e.StepIndex {
				_ = s.PushAndTTL(ctx, key, e.Name, e.TTL)
			}
			return Outcome{Passed: true}
		}

		if int(length) == e.StepIndex {
			return Outcome{Passed: true}
		}

		if candidate == nil {
			d := decision.FromAction(e.Action, Reason{Initiator: "flow_check", FlowName: e.Name, Key: key})
			candidate = &d
		}
	}

	if candidate != nil {
		return Outcome{Reacted: true, Decision: *candidate}
	}
	return Outcome{}
}
