package ratelimit

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hollowreed/sentrywall/internal/decision"
	"github.com/hollowreed/sentrywall/internal/request"
	"github.com/hollowreed/sentrywall/internal/selector"
	"github.com/hollowreed/sentrywall/internal/store"
	"github.com/hollowreed/sentrywall/internal/tags"
)

// skipIfNoRedis skips the test if no Redis instance answers at REDIS_ADDR
// (defaulting to localhost:6379); the ban-reaction path needs a real store
// round trip to exercise.
func skipIfNoRedis(t *testing.T) *store.Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available, skipping test")
	}
	client.Close()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("parsing REDIS_ADDR: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing REDIS_ADDR port: %v", err)
	}
	return store.New(store.Config{Host: host, Port: port})
}

func TestSortThresholdsZeroFirstThenDescending(t *testing.T) {
	in := []Threshold{{Count: 10}, {Count: 0}, {Count: 5}, {Count: 100}}
	out := SortThresholds(in)
	want := []int{0, 100, 10, 5}
	for i, th := range out {
		if th.Count != want[i] {
			t.Fatalf("position %d: got %d want %d (full: %v)", i, th.Count, want[i], out)
		}
	}
}

func TestMatchesFiltersExcludeWins(t *testing.T) {
	tg := tags.New()
	tg.Insert("bot")
	l := Limit{ExcludeTags: tags.SetOf("bot")}
	if matchesFilters(tg, l) {
		t.Fatal("expected exclude tag to suppress the limit")
	}
}

func TestMatchesFiltersRequiresIncludeIntersection(t *testing.T) {
	tg := tags.New()
	tg.Insert("human")
	l := Limit{IncludeTags: tags.SetOf("bot")}
	if matchesFilters(tg, l) {
		t.Fatal("expected limit to be skipped without an include-tag match")
	}
}

func TestCheckWithNoStoreIsFailOpen(t *testing.T) {
	info := request.Map(nil, "1.2.3.4", nil, request.Meta{Method: "GET", Path: "/"}, nil)
	tg := tags.New()
	l := Limit{
		ID:         "l1",
		Name:       "test-limit",
		Thresholds: []Threshold{{Count: 0, Action: decision.SimpleAction{Kind: decision.KindDefault, Status: 403}}},
		KeySelectors: []selector.Selector{{Kind: selector.KindIP}},
	}
	out := Check(context.Background(), nil, "policy", l, &info, tg)
	if out.Reacted {
		t.Fatal("expected no reaction when the store is unavailable")
	}
}

func TestCheckSkipsWhenSelectorYieldsNothing(t *testing.T) {
	info := request.Map(nil, "1.2.3.4", nil, request.Meta{Method: "GET", Path: "/"}, nil)
	tg := tags.New()
	l := Limit{
		ID:           "l1",
		Name:         "test-limit",
		KeySelectors: []selector.Selector{{Kind: selector.KindCountry}},
	}
	out := Check(context.Background(), nil, "policy", l, &info, tg)
	if out.Reacted {
		t.Fatal("expected skip when a key selector yields nothing (no geoip configured)")
	}
}

// TestCheckBanReactsWithStrongestThreshold builds a multi-threshold limit,
// seeds its ban key directly (bypassing the counter escalation), then
// confirms the ban
// re-check reacts with the zero/strongest threshold's action rather than
// the last (weakest) one.
func TestCheckBanReactsWithStrongestThreshold(t *testing.T) {
	s := skipIfNoRedis(t)
	defer s.Close()

	strongest := decision.SimpleAction{Kind: decision.KindDefault, Status: 403}
	weakest := decision.SimpleAction{Kind: decision.KindDefault, Status: 429}

	l := Limit{
		ID:   "l-multi",
		Name: "multi-threshold",
		Thresholds: []Threshold{
			{Count: 0, Action: strongest},
			{Count: 5, Action: weakest},
		},
		KeySelectors: []selector.Selector{{Kind: selector.KindIP}},
		Timeframe:    time.Minute,
	}
	info := request.Map(nil, "198.51.100.7", nil, request.Meta{Method: "GET", Path: "/"}, nil)
	tg := tags.New()

	key, _ := buildKey("policy", l, []string{"198.51.100.7"})
	bk := banKey(key)
	if err := s.SetWithTTL(context.Background(), bk, "1", time.Minute); err != nil {
		t.Fatalf("seeding ban key: %v", err)
	}
	t.Cleanup(func() { _ = s.SetWithTTL(context.Background(), bk, "", 0) })

	out := Check(context.Background(), s, "policy", l, &info, tg)
	if !out.Reacted {
		t.Fatal("expected the ban key to trigger a reaction")
	}
	if out.Decision.Status != strongest.Status {
		t.Fatalf("expected the strongest threshold's status %d, got %d", strongest.Status, out.Decision.Status)
	}
}
