package acl

import (
	"testing"

	"github.com/hollowreed/sentrywall/internal/tags"
)

func setOf(vs ...string) map[string]struct{} { return tags.SetOf(vs...) }

func TestForceDenyBypassesEverythingElse(t *testing.T) {
	tg := tags.New()
	tg.Insert("geo:france")
	p := Profile{
		ForceDeny: setOf("geo:france"),
		Allow:     setOf("geo:france"),
	}
	res := Evaluate(tg, p)
	if !res.IsBypass || res.Bypass.Allowed {
		t.Fatalf("expected force_deny bypass, got %+v", res)
	}
}

func TestPassthroughBypassesWhenNoForceDeny(t *testing.T) {
	tg := tags.New()
	tg.Insert("known-good")
	p := Profile{Passthrough: setOf("known-good")}
	res := Evaluate(tg, p)
	if !res.IsBypass || !res.Bypass.Allowed {
		t.Fatalf("expected passthrough allow bypass, got %+v", res)
	}
}

func TestMatchComputesBotAndHumanSides(t *testing.T) {
	tg := tags.New()
	tg.Insert("bad-actor")
	p := Profile{DenyBot: setOf("bad-actor")}
	res := Evaluate(tg, p)
	if res.IsBypass {
		t.Fatal("expected a Match, not a bypass")
	}
	if !res.Match.Bot.Matched || res.Match.Bot.Allowed {
		t.Fatalf("expected bot side to deny, got %+v", res.Match.Bot)
	}
}

func TestInterpretHumanDenyAlwaysBlocks(t *testing.T) {
	m := Match{Human: SidedMatch{Matched: true, Allowed: false, Tags: []string{"x"}}}
	outcome, _ := Interpret(m, true)
	if outcome != OutcomeBlock {
		t.Fatalf("expected block, got %v", outcome)
	}
	outcome2, _ := Interpret(m, false)
	if outcome2 != OutcomeBlock {
		t.Fatalf("expected block regardless of is_human, got %v", outcome2)
	}
}

func TestInterpretBotDenyChallengesNonHuman(t *testing.T) {
	m := Match{Bot: SidedMatch{Matched: true, Allowed: false, Tags: []string{"x"}}}
	outcome, _ := Interpret(m, false)
	if outcome != OutcomeChallenge {
		t.Fatalf("expected challenge, got %v", outcome)
	}
	outcome2, _ := Interpret(m, true)
	if outcome2 != OutcomeAllow {
		t.Fatalf("expected allow when already human, got %v", outcome2)
	}
}
