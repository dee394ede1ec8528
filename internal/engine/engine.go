package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hollowreed/sentrywall/internal/challenge"
	"github.com/hollowreed/sentrywall/internal/geoip"
	"github.com/hollowreed/sentrywall/internal/securitypolicy"
	"github.com/hollowreed/sentrywall/internal/store"
	"github.com/hollowreed/sentrywall/internal/telemetry"
)

// Engine holds the live, hot-swappable Config snapshot plus the
// long-lived, rarely-changing collaborators (KV store, geoip readers,
// challenge capability, telemetry) that every Analyze call needs.
type Engine struct {
	mu         sync.RWMutex
	cfg        *Config
	basePath   string
	lastMod    time.Time

	Store         *store.Store
	GeoIP         geoip.Lookup
	Grasshopper   challenge.Grasshopper
	Telemetry     *telemetry.Provider
	ContainerName string
}

// New loads basePath's policy directory and returns a ready Engine. The
// other collaborators may be filled in on the returned Engine before first
// use; a nil Store/GeoIP/Grasshopper/Telemetry degrades gracefully (see
// each package's own nil-safety notes).
func New(basePath string) (*Engine, error) {
	cfg, err := Load(basePath)
	if err != nil {
		return nil, fmt.Errorf("engine: initial load: %w", err)
	}
	for _, e := range cfg.Errors {
		slog.Warn("engine: policy load error", "error", e)
	}
	return &Engine{cfg: cfg, basePath: basePath, lastMod: newestMtime(basePath)}, nil
}

// Snapshot returns the currently installed Config. Callers hold the
// returned pointer for the lifetime of one request; Config is never
// mutated in place after being installed, so no further locking is needed
// once obtained.
func (e *Engine) Snapshot() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Reload re-reads the policy directory unconditionally and swaps it in
// under the write lock. Reload never returns a load error as fatal: a
// failed file read or regex compile is recorded in Config.Errors and the
// rest of the configuration installs anyway (spec §4.1's partial-failure
// policy). The returned error is Load's own error; Load records every
// file and entry failure, an unreadable base path included, in
// Config.Errors and returns a nil error.
func (e *Engine) Reload(ctx context.Context) (*Config, error) {
	cfg, err := Load(e.basePath)
	if err != nil {
		if e.Telemetry != nil {
			e.Telemetry.RecordReload(ctx, false, 1)
		}
		return nil, err
	}
	for _, werr := range cfg.Errors {
		slog.Warn("engine: policy reload error", "error", werr)
	}

	e.mu.Lock()
	e.cfg = cfg
	e.lastMod = newestMtime(e.basePath)
	e.mu.Unlock()

	if e.Telemetry != nil {
		e.Telemetry.RecordReload(ctx, true, len(cfg.Errors))
	}
	return cfg, nil
}

// ReloadIfChanged calls Reload only when the policy directory's newest
// mtime has advanced past the last installed generation, matching spec
// §4.1's "if the directory's mtime equals the in-memory last_mod, returns
// nothing" short-circuit.
func (e *Engine) ReloadIfChanged(ctx context.Context) (bool, error) {
	e.mu.RLock()
	last := e.lastMod
	e.mu.RUnlock()

	if !newestMtime(e.basePath).After(last) {
		return false, nil
	}
	if _, err := e.Reload(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// PollReload runs ReloadIfChanged every interval until ctx is cancelled.
// It is meant to be launched once as its own goroutine by the process
// entry point; the engine itself never spawns goroutines on its own
// initiative outside this explicit opt-in (spec §5: "the engine makes no
// thread spawns of its own").
func (e *Engine) PollReload(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changed, err := e.ReloadIfChanged(ctx); err != nil {
				slog.Error("engine: policy poll reload failed", "error", err)
			} else if changed {
				slog.Info("engine: policy reloaded")
			}
		}
	}
}

// MatchPolicy previews which security policy a (host, path) pair resolves
// to against the current snapshot, without running the rest of the
// pipeline. Used by the control plane to let operators test policy
// routing changes before they take traffic.
func (e *Engine) MatchPolicy(host, path string) (string, securitypolicy.Policy, bool) {
	cfg := e.Snapshot()
	return matchHostAndPath(cfg.SecurityPolicy, host, path)
}

// Close releases the engine's collaborators.
func (e *Engine) Close() error {
	if e.Store != nil {
		return e.Store.Close()
	}
	return nil
}
