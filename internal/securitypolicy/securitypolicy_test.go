package securitypolicy

import "testing"

func buildHostMap(t *testing.T) *HostMap {
	hm, errs := NewHostMap("site", []struct {
		Matcher string
		Policy  Policy
	}{
		{Matcher: "__default__", Policy: Policy{Name: "default"}},
		{Matcher: "^/v1/.*", Policy: Policy{Name: "v1"}},
		{Matcher: "^/v1/ping$", Policy: Policy{Name: "v1-ping"}},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	return hm
}

func TestHostMapMatchesLongestMatcherFirst(t *testing.T) {
	hm := buildHostMap(t)
	pol, ok := hm.Match("/v1/ping")
	if !ok || pol.Name != "v1-ping" {
		t.Fatalf("expected v1-ping to win over v1, got %+v %v", pol, ok)
	}
}

func TestHostMapFallsBackToDefault(t *testing.T) {
	hm := buildHostMap(t)
	pol, ok := hm.Match("/other")
	if !ok || pol.Name != "default" {
		t.Fatalf("expected default policy, got %+v %v", pol, ok)
	}
}

func TestConfigResolvesHostThenPath(t *testing.T) {
	hm := buildHostMap(t)
	otherHM, _ := NewHostMap("other", []struct {
		Matcher string
		Policy  Policy
	}{{Matcher: "__default__", Policy: Policy{Name: "other-default"}}})

	cfg, errs := NewConfig([]struct {
		Matcher string
		HostMap *HostMap
	}{
		{Matcher: "__default__", HostMap: otherHM},
		{Matcher: "^api\\.example\\.com$", HostMap: hm},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	name, pol, ok := cfg.Match("api.example.com", "/v1/ping")
	if !ok || name != "site" || pol.Name != "v1-ping" {
		t.Fatalf("expected site/v1-ping, got %q %+v %v", name, pol, ok)
	}

	name2, pol2, ok2 := cfg.Match("unknown.example.com", "/anything")
	if !ok2 || name2 != "other" || pol2.Name != "other-default" {
		t.Fatalf("expected fallback to default host-map, got %q %+v %v", name2, pol2, ok2)
	}
}

func TestConfigNoDefaultReturnsNotOK(t *testing.T) {
	cfg, _ := NewConfig(nil)
	if _, _, ok := cfg.Match("example.com", "/"); ok {
		t.Fatal("expected no match when there is no default host-map")
	}
}
