package request

import (
	"testing"

	"github.com/hollowreed/sentrywall/internal/field"
)

func TestMapArgsSplitsQueryFromPath(t *testing.T) {
	qi := mapArgs("/foo/bar?a=1&b=2", "", nil)
	if qi.QPath != "/foo/bar" {
		t.Fatalf("qpath = %q", qi.QPath)
	}
	if qi.Query != "a=1&b=2" {
		t.Fatalf("query = %q", qi.Query)
	}
	if v, ok := qi.Args.Get("a"); !ok || v != "1" {
		t.Fatalf("a = %q %v", v, ok)
	}
}

func TestMapArgsNoQueryString(t *testing.T) {
	qi := mapArgs("/foo/bar", "", nil)
	if qi.Query != "" {
		t.Fatalf("expected empty query, got %q", qi.Query)
	}
	if qi.Args.Len() != 0 {
		t.Fatalf("expected no args, got %d", qi.Args.Len())
	}
}

func TestMapArgsDecodesBodyByContentType(t *testing.T) {
	qi := mapArgs("/submit", "application/json", []byte(`{"x":"y"}`))
	if qi.BodyDecoding != BodyDecodingOK {
		t.Fatalf("expected decode ok, got %v", qi.BodyDecoding)
	}
	if v, ok := qi.Args.Get("x"); !ok || v != "y" {
		t.Fatalf("x = %q %v", v, ok)
	}
}

func TestCookieMapSplitsOnSemicolonSpaceThenEquals(t *testing.T) {
	f := field.New()
	cookieMap(f, "a=1; b=2; c")
	if v, _ := f.Get("a"); v != "1" {
		t.Fatalf("a = %q", v)
	}
	if v, _ := f.Get("b"); v != "2" {
		t.Fatalf("b = %q", v)
	}
	if _, ok := f.Get("c"); !ok {
		t.Fatal("expected bare cookie name to still be present")
	}
}

func TestMapHeadersLowercasesKeysAndSplitsCookies(t *testing.T) {
	headers, cookies := mapHeaders(map[string]string{
		"Host":   "example.com",
		"Cookie": "session=abc",
		"X-Foo":  "Bar",
	})
	if _, ok := headers.Get("host"); !ok {
		t.Fatal("expected lowercased host header")
	}
	if v, ok := cookies.Get("session"); !ok || v != "abc" {
		t.Fatalf("session cookie = %q %v", v, ok)
	}
	if _, ok := headers.Get("cookie"); ok {
		t.Fatal("cookie header should not also appear in headers")
	}
}

func TestMapResolvesHostFromAuthorityThenHeaderThenUnknown(t *testing.T) {
	i1 := Map(nil, "", map[string]string{"Host": "example.com"}, Meta{Authority: "auth.example.com", Path: "/"}, nil)
	if i1.Host != "auth.example.com" {
		t.Fatalf("expected authority to win, got %q", i1.Host)
	}

	i2 := Map(nil, "", map[string]string{"Host": "header.example.com"}, Meta{Path: "/"}, nil)
	if i2.Host != "header.example.com" {
		t.Fatalf("expected host header fallback, got %q", i2.Host)
	}

	i3 := Map(nil, "", map[string]string{}, Meta{Path: "/"}, nil)
	if i3.Host != "unknown" {
		t.Fatalf("expected unknown fallback, got %q", i3.Host)
	}
}

func TestFindGeoIPToleratesUnparseableAddress(t *testing.T) {
	g := FindGeoIP(nil, "not-an-ip")
	if g.HasAddr {
		t.Fatal("expected HasAddr false for unparseable input")
	}
}
