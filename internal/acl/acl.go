// Package acl implements the ACL evaluator: set intersection over the tag
// universe with force_deny/passthrough/allow/deny precedence.
package acl

import "github.com/hollowreed/sentrywall/internal/tags"

// Profile is a set of six disjoint tag sets.
type Profile struct {
	Allow       map[string]struct{}
	AllowBot    map[string]struct{}
	Deny        map[string]struct{}
	DenyBot     map[string]struct{}
	Passthrough map[string]struct{}
	ForceDeny   map[string]struct{}
}

// Bypass is returned when force_deny or passthrough short-circuits the ACL.
type Bypass struct {
	Allowed bool
	Tags    []string
}

// SidedMatch carries the intersection found for one side (bot or human).
type SidedMatch struct {
	Tags    []string
	Allowed bool
	Matched bool
}

// Match is returned when neither force_deny nor passthrough short-circuits.
type Match struct {
	Bot   SidedMatch
	Human SidedMatch
}

// Result is the outcome of Evaluate: exactly one of Bypass/Match is set.
type Result struct {
	IsBypass bool
	Bypass   Bypass
	Match    Match
}

func intersect(tg *tags.Tags, set map[string]struct{}) []string {
	return tg.Intersection(set)
}

// Evaluate runs the ACL profile against a request's tags, checking
// force-deny and passthrough bypasses before the bot/human allow/deny sets.
func Evaluate(tg *tags.Tags, p Profile) Result {
	if hits := intersect(tg, p.ForceDeny); len(hits) > 0 {
		return Result{IsBypass: true, Bypass: Bypass{Allowed: false, Tags: hits}}
	}
	if hits := intersect(tg, p.Passthrough); len(hits) > 0 {
		return Result{IsBypass: true, Bypass: Bypass{Allowed: true, Tags: hits}}
	}

	var m Match
	if hits := intersect(tg, p.AllowBot); len(hits) > 0 {
		m.Bot = SidedMatch{Tags: hits, Allowed: true, Matched: true}
	} else if hits := intersect(tg, p.DenyBot); len(hits) > 0 {
		m.Bot = SidedMatch{Tags: hits, Allowed: false, Matched: true}
	}
	if hits := intersect(tg, p.Allow); len(hits) > 0 {
		m.Human = SidedMatch{Tags: hits, Allowed: true, Matched: true}
	} else if hits := intersect(tg, p.Deny); len(hits) > 0 {
		m.Human = SidedMatch{Tags: hits, Allowed: false, Matched: true}
	}
	return Result{Match: m}
}

// Outcome is the caller-facing interpretation of a Match.
type Outcome int

const (
	// OutcomeAllow: nothing blocks the request.
	OutcomeAllow Outcome = iota
	// OutcomeBlock: block unconditionally (human side denies).
	OutcomeBlock
	// OutcomeChallenge: bot side denies and the caller is not known human;
	// attempt a phase-01 challenge, falling through to block if unavailable.
	OutcomeChallenge
)

// Interpret applies the caller-side rules to a Match, given whether the
// request is already considered human.
func Interpret(m Match, isHuman bool) (Outcome, []string) {
	botDenies := m.Bot.Matched && !m.Bot.Allowed
	humanDenies := m.Human.Matched && !m.Human.Allowed

	if botDenies && humanDenies {
		if isHuman {
			return OutcomeBlock, m.Human.Tags
		}
		return OutcomeBlock, m.Bot.Tags
	}
	if humanDenies {
		return OutcomeBlock, m.Human.Tags
	}
	if botDenies && !isHuman {
		return OutcomeChallenge, m.Bot.Tags
	}
	return OutcomeAllow, nil
}
