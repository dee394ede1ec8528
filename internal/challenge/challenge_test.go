package challenge

import (
	"testing"

	"github.com/hollowreed/sentrywall/internal/field"
)

func TestPhase01WithNoopHelperFails(t *testing.T) {
	d := Phase01(NoopGrasshopper{}, "test-agent", nil)
	if d.Status != 500 {
		t.Fatalf("expected internal-error status 500 without a helper, got %d", d.Status)
	}
}

func TestPhase01WithDefaultHelperSucceeds(t *testing.T) {
	gh := DefaultGrasshopper{JSAppSrc: "/* bundle */"}
	d := Phase01(gh, "test-agent", []string{"bot:known"})
	if d.Status != 247 {
		t.Fatalf("expected status 247, got %d", d.Status)
	}
	if len(d.ExtraTags) != 1 || d.ExtraTags[0] != "challenge_phase01" {
		t.Fatalf("expected challenge_phase01 tag, got %v", d.ExtraTags)
	}
	if d.Headers["Cache-Control"] == "" {
		t.Fatal("expected no-cache headers to be set")
	}
}

func TestPhase02RequiresVerificationPrefix(t *testing.T) {
	headers := field.New()
	headers.Add("user-agent", "test-agent")
	headers.Add("x-zebra-proof", "abc")
	_, ok := Phase02(DefaultGrasshopper{}, "/not-the-prefix/foo", headers)
	if ok {
		t.Fatal("expected no phase02 decision outside the verification prefix")
	}
}

func TestPhase02SucceedsWithZebraHeaderAndUA(t *testing.T) {
	headers := field.New()
	headers.Add("user-agent", "test-agent")
	headers.Add("x-zebra-proof", "a-b-c")
	d, ok := Phase02(DefaultGrasshopper{}, VerificationPrefix+"foo", headers)
	if !ok {
		t.Fatal("expected a phase02 decision")
	}
	if d.Status != 248 {
		t.Fatalf("expected status 248, got %d", d.Status)
	}
	if d.Headers["Set-Cookie"] == "" {
		t.Fatal("expected Set-Cookie header with rbzid")
	}
	if len(d.ExtraTags) != 1 || d.ExtraTags[0] != "challenge_phase02" {
		t.Fatalf("expected challenge_phase02 tag, got %v", d.ExtraTags)
	}
}

func TestPhase02MissingZebraHeaderPassesThrough(t *testing.T) {
	headers := field.New()
	headers.Add("user-agent", "test-agent")
	_, ok := Phase02(DefaultGrasshopper{}, VerificationPrefix+"foo", headers)
	if ok {
		t.Fatal("expected pass-through without an x-zebra-* header")
	}
}

func TestExtractZebraSubstitutesDashForEquals(t *testing.T) {
	headers := field.New()
	headers.Add("x-zebra-proof", "a-b-c")
	v, ok := extractZebra(headers)
	if !ok || v != "a=b=c" {
		t.Fatalf("expected a=b=c, got %q %v", v, ok)
	}
}
