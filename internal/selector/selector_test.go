package selector

import (
	"testing"

	"github.com/hollowreed/sentrywall/internal/request"
	"github.com/hollowreed/sentrywall/internal/tags"
)

func sampleInfo() *request.Info {
	info := request.Map(nil, "203.0.113.5", map[string]string{
		"Host":   "example.com",
		"Cookie": "session=abc",
	}, request.Meta{Method: "GET", Path: "/foo?bar=baz"}, nil)
	return &info
}

func TestResolveHeadersCookiesArgsAttrs(t *testing.T) {
	if sel, err := Resolve("headers", "x-foo"); err != nil || sel.Kind != KindHeader || sel.Key != "x-foo" {
		t.Fatalf("headers resolve: %+v %v", sel, err)
	}
	if sel, err := Resolve("attrs", "ip"); err != nil || sel.Kind != KindIP {
		t.Fatalf("attrs ip resolve: %+v %v", sel, err)
	}
	if _, err := Resolve("attrs", "bogus"); err == nil {
		t.Fatal("expected error for unknown attribute")
	}
}

func TestSelectArgsHeaderCookie(t *testing.T) {
	info := sampleInfo()
	if v, ok := Select(info, Selector{Kind: KindArgs, Key: "bar"}); !ok || v != "baz" {
		t.Fatalf("args bar = %q %v", v, ok)
	}
	if v, ok := Select(info, Selector{Kind: KindHeader, Key: "host"}); !ok || v != "example.com" {
		t.Fatalf("header host = %q %v", v, ok)
	}
	if v, ok := Select(info, Selector{Kind: KindCookie, Key: "session"}); !ok || v != "abc" {
		t.Fatalf("cookie session = %q %v", v, ok)
	}
}

func TestSelectAttrsIPAuthorityMethod(t *testing.T) {
	info := sampleInfo()
	if v, ok := Select(info, Selector{Kind: KindIP}); !ok || v != "203.0.113.5" {
		t.Fatalf("ip = %q %v", v, ok)
	}
	if v, ok := Select(info, Selector{Kind: KindAuthority}); !ok || v != "example.com" {
		t.Fatalf("authority = %q %v", v, ok)
	}
	if v, ok := Select(info, Selector{Kind: KindMethod}); !ok || v != "GET" {
		t.Fatalf("method = %q %v", v, ok)
	}
}

func TestSelectCountryAbsentWhenNoGeoIP(t *testing.T) {
	info := sampleInfo()
	if _, ok := Select(info, Selector{Kind: KindCountry}); ok {
		t.Fatal("expected no country without a GeoIP lookup")
	}
}

func TestCheckConditionTagShortCircuitsRegex(t *testing.T) {
	info := sampleInfo()
	tg := tags.New()
	tg.Insert("known-bot")
	cond, err := ResolveCondition("attrs", "tags", "known-bot")
	if err != nil {
		t.Fatalf("resolve condition: %v", err)
	}
	if !Check(info, tg, cond) {
		t.Fatal("expected tag condition to match")
	}
}

func TestCheckConditionRegexOverSelector(t *testing.T) {
	info := sampleInfo()
	tg := tags.New()
	cond, err := ResolveCondition("attrs", "method", "^GET$")
	if err != nil {
		t.Fatalf("resolve condition: %v", err)
	}
	if !Check(info, tg, cond) {
		t.Fatal("expected method regex to match GET")
	}
}
