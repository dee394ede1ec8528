// Package challenge implements the phase01/phase02 bot-verification
// handshake: a JS proof-of-work challenge served to suspected bots, and a
// verification endpoint that exchanges a valid workproof for an rbzid
// cookie.
package challenge

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/hollowreed/sentrywall/internal/decision"
	"github.com/hollowreed/sentrywall/internal/field"
)

// VerificationPrefix is the fixed URI prefix that triggers phase02.
const VerificationPrefix = "/7060ac19f50208cbb6b45328ef94140a612ee92387e015594234077b4d1e64f1/"

// Grasshopper is the challenge-cryptography helper capability set. The
// engine treats a nil Grasshopper, or any method returning its zero value,
// as "not implemented": no challenge is issued, no rbzid is verified.
type Grasshopper interface {
	JSApp() (string, bool)
	JSBio() (string, bool)
	ParseRBZID(rbzid, seed string) (bool, bool)
	GenNewSeed(ua string) (string, bool)
	VerifyWorkproof(workproof, ua string) (string, bool)
}

// NoopGrasshopper implements Grasshopper with every capability absent.
type NoopGrasshopper struct{}

func (NoopGrasshopper) JSApp() (string, bool)                       { return "", false }
func (NoopGrasshopper) JSBio() (string, bool)                        { return "", false }
func (NoopGrasshopper) ParseRBZID(string, string) (bool, bool)       { return false, false }
func (NoopGrasshopper) GenNewSeed(string) (string, bool)             { return "", false }
func (NoopGrasshopper) VerifyWorkproof(string, string) (string, bool) { return "", false }

// DefaultGrasshopper is a minimal, self-contained capability
// implementation: it does not serve an external anti-bot bundle, but
// generates real per-challenge seeds and accepts any non-empty workproof
// as verified, so the pipeline can be exercised end-to-end without a real
// Grasshopper deployment. Production deployments are expected to provide
// their own implementation backed by the actual challenge bundle.
type DefaultGrasshopper struct {
	JSAppSrc string
	JSBioSrc string
}

func (g DefaultGrasshopper) JSApp() (string, bool) { return g.JSAppSrc, g.JSAppSrc != "" }
func (g DefaultGrasshopper) JSBio() (string, bool) { return g.JSBioSrc, g.JSBioSrc != "" }

func (DefaultGrasshopper) ParseRBZID(rbzid, seed string) (bool, bool) {
	return rbzid != "" && seed != "", true
}

func (DefaultGrasshopper) GenNewSeed(string) (string, bool) {
	return uuid.NewString(), true
}

func (DefaultGrasshopper) VerifyWorkproof(workproof, _ string) (string, bool) {
	if workproof == "" {
		return "", false
	}
	return uuid.NewString(), true
}

type phase01Reason struct {
	Initiator string   `json:"initiator"`
	Reason    string   `json:"reason"`
	Tags      []string `json:"tags,omitempty"`
}

var phase01Headers = map[string]string{
	"Content-Type":  "text/html; charset=utf-8",
	"Expires":       "Thu, 01 Aug 1978 00:01:48 GMT",
	"Cache-Control": "no-cache, private, no-transform, no-store",
	"Pragma":        "no-cache",
	"P3P":           `CP="IDC DSP COR ADM DEVi TAIi PSA PSD IVAi IVDi CONi HIS OUR IND CNT"`,
}

// failDecision mirrors gh_fail_decision: an internal-error block when a
// required helper call fails, which includes every call of a nil helper
// or NoopGrasshopper.
func failDecision(reason string) decision.Decision {
	r, _ := json.Marshal(map[string]string{"initiator": "phase01", "reason": reason})
	return decision.Decision{
		Pass: false, Kind: decision.Block, BlockMode: true, Status: 500,
		Content: "internal_error", Reason: r,
	}
}

// Phase01 emits the JS proof-of-work challenge page for a suspected bot
// with a known user-agent. tags, if non-empty, are the ACL intersection
// tags that triggered the challenge.
func Phase01(gh Grasshopper, ua string, tags []string) decision.Decision {
	if gh == nil {
		gh = NoopGrasshopper{}
	}
	seed, ok := gh.GenNewSeed(ua)
	if !ok {
		return failDecision("could not call gen_new_seed")
	}
	challLib, ok := gh.JSApp()
	if !ok {
		return failDecision("could not call chall_lib")
	}

	var content strings.Builder
	content.WriteString(`<html><head><meta charset="utf-8"><script>`)
	content.WriteString(challLib)
	content.WriteString(`;;window.rbzns={bereshit: "1", seed: "`)
	content.WriteString(seed)
	content.WriteString(`", storage:"3"};winsocks();`)
	content.WriteString(`</script></head><body></body></html>`)

	reason := phase01Reason{Initiator: "phase01", Reason: "challenge"}
	if len(tags) > 0 {
		reason.Tags = tags
	}
	reasonJSON, _ := json.Marshal(reason)

	return decision.Decision{
		Pass: false, Kind: decision.Block, BlockMode: true, Status: 247,
		Headers: phase01Headers, Content: content.String(), Reason: reasonJSON,
		ExtraTags: []string{"challenge_phase01"},
	}
}

// extractZebra returns the x-zebra-* header's value with '-' substituted
// back to '=', which the client uses to smuggle a base64 payload through a
// header-name-safe encoding.
func extractZebra(headers *field.Field) (string, bool) {
	var found string
	var ok bool
	headers.Each(func(name, value string) {
		if ok {
			return
		}
		if strings.HasPrefix(name, "x-zebra-") {
			found = strings.ReplaceAll(value, "-", "=")
			ok = true
		}
	})
	return found, ok
}

// Phase02 verifies a workproof submitted to VerificationPrefix and, on
// success, issues the rbzid cookie. It returns ok=false when uri is not
// under the verification prefix, or when any required input/capability is
// missing — a pure pass-through to the rest of the pipeline.
func Phase02(gh Grasshopper, uri string, headers *field.Field) (decision.Decision, bool) {
	if !strings.HasPrefix(uri, VerificationPrefix) {
		return decision.Decision{}, false
	}
	ua, ok := headers.Get("user-agent")
	if !ok {
		return decision.Decision{}, false
	}
	workproof, ok := extractZebra(headers)
	if !ok {
		return decision.Decision{}, false
	}
	if gh == nil {
		gh = NoopGrasshopper{}
	}
	verified, ok := gh.VerifyWorkproof(workproof, ua)
	if !ok {
		return decision.Decision{}, false
	}

	cookie := "rbzid=" + strings.ReplaceAll(verified, "=", "-") + "; Path=/; HttpOnly"
	reasonJSON, _ := json.Marshal(map[string]string{"initiator": "phase02", "reason": "challenge"})

	return decision.Decision{
		Pass: false, Kind: decision.Block, BlockMode: true, Status: 248,
		Headers:   map[string]string{"Set-Cookie": cookie},
		Content:   "{}",
		Reason:    reasonJSON,
		ExtraTags: []string{"challenge_phase02"},
	}, true
}

// IsHumanByCookie reports whether the rbzid cookie parses as valid under gh
// for the given user-agent, letting subsequent requests skip challenges.
func IsHumanByCookie(gh Grasshopper, cookies *field.Field, ua string) bool {
	if gh == nil {
		return false
	}
	rbzid, ok := cookies.Get("rbzid")
	if !ok {
		return false
	}
	valid, ok := gh.ParseRBZID(rbzid, ua)
	return ok && valid
}
