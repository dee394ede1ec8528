// Package frontdoor implements the HTTP surface a host proxy calls into:
// POST /inspect runs one request through the analyze pipeline, and a
// small set of /control/* endpoints expose health, reload, and policy
// preview for operators.
package frontdoor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hollowreed/sentrywall/internal/auditlog"
	"github.com/hollowreed/sentrywall/internal/challenge"
	"github.com/hollowreed/sentrywall/internal/decision"
	"github.com/hollowreed/sentrywall/internal/engine"
	"github.com/hollowreed/sentrywall/internal/geoip"
	"github.com/hollowreed/sentrywall/internal/inspectorlog"
	"github.com/hollowreed/sentrywall/internal/request"
	"github.com/hollowreed/sentrywall/internal/tags"
)

// Handler is the process's HTTP front door: the inspect endpoint plus a
// small control surface, on one mux so a single listener can serve both
// in development (production deployments are expected to split them onto
// separate listen addresses via two Handler/http.Server pairs).
type Handler struct {
	engine *engine.Engine
	geoip  geoip.Lookup
	audit  *auditlog.Store
	mux    *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New builds a Handler. audit may be nil (auditing disabled); lookup may
// be nil (geoip resolution disabled, fields left empty).
func New(eng *engine.Engine, lookup geoip.Lookup, audit *auditlog.Store, authEnabled bool, apiKey string) *Handler {
	h := &Handler{engine: eng, geoip: lookup, audit: audit, mux: http.NewServeMux(), authEnabled: authEnabled, apiKey: apiKey}
	h.mux.HandleFunc("/inspect", h.handleInspect)
	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/reload", h.handleReload)
	h.mux.HandleFunc("/control/policy/match", h.handlePolicyMatch)
	h.mux.HandleFunc("/control/auditlog", h.handleAuditLog)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="inspectord control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "valid API key required: Authorization: Bearer <key>",
			})
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	return auth != "" && token == h.apiKey
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("frontdoor: failed to encode response", "error", err)
	}
}

// inspectRequest is the envelope a host proxy sends: everything RequestInfo
// needs plus the minimum log level it wants back.
type inspectRequest struct {
	IP           string            `json:"ip"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Authority    string            `json:"authority"`
	Headers      map[string]string `json:"headers"`
	BodyBase64   string            `json:"body_base64,omitempty"`
	MinLogLevel  string            `json:"min_log_level,omitempty"`
	ContainerTag string            `json:"container_tag,omitempty"`
}

type inspectResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Pass          bool              `json:"pass"`
	ActionKind    string            `json:"action_kind,omitempty"`
	BlockMode     bool              `json:"block_mode,omitempty"`
	Status        int               `json:"status,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Content       string            `json:"content,omitempty"`
	Reason        json.RawMessage   `json:"reason,omitempty"`
	Tags          []string          `json:"tags"`
	Logs          []logEntry        `json:"logs,omitempty"`
}

type logEntry struct {
	Level        string `json:"level"`
	Message      string `json:"message"`
	OffsetMicros int64  `json:"offset_micros"`
}

func parseLevel(s string) inspectorlog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return inspectorlog.Debug
	case "warning":
		return inspectorlog.Warning
	case "error":
		return inspectorlog.Error
	default:
		return inspectorlog.Info
	}
}

func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req inspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	var body []byte
	if req.BodyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.BodyBase64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body_base64: " + err.Error()})
			return
		}
		body = decoded
	}

	info := request.Map(h.geoip, req.IP, req.Headers, request.Meta{
		Authority: req.Authority,
		Method:    req.Method,
		Path:      req.Path,
	}, body)

	ua, _ := info.Headers.Get("user-agent")
	isHuman := challenge.IsHumanByCookie(h.engine.Grasshopper, info.Cookies, ua)

	var initial *tags.Tags
	if req.ContainerTag != "" {
		initial = tags.New()
		initial.Insert(req.ContainerTag)
	}

	logs := inspectorlog.New(parseLevel(req.MinLogLevel))
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	d, tg, maskedInfo := h.engine.Analyze(ctx, logs, &info, isHuman, initial)

	if h.audit != nil && d.IsFinal() {
		h.recordAudit(logs.CorrelationID, d, tg, &info)
	}

	resp := inspectResponse{
		CorrelationID: logs.CorrelationID,
		Pass:          d.Pass,
		BlockMode:     d.BlockMode,
		Status:        d.Status,
		Headers:       d.Headers,
		Content:       d.Content,
		Reason:        d.Reason,
		Tags:          tg.Slice(),
	}
	if !d.Pass {
		resp.ActionKind = actionKindName(d.Kind)
	}
	for _, e := range logs.Entries() {
		resp.Logs = append(resp.Logs, logEntry{Level: e.Level.String(), Message: e.Message, OffsetMicros: e.OffsetMicros})
	}
	_ = maskedInfo // the masked RequestInfo is not returned: the response carries only the decision, tags and logs.

	writeJSON(w, http.StatusOK, resp)
}

func actionKindName(k decision.ActionType) string {
	switch k {
	case decision.Monitor:
		return "monitor"
	case decision.AlterHeaders:
		return "alter_headers"
	default:
		return "block"
	}
}

func (h *Handler) recordAudit(correlationID string, d decision.Decision, tg *tags.Tags, info *request.Info) {
	entry := auditlog.Entry{
		ID:            correlationID,
		Timestamp:     time.Now(),
		Host:          info.Host,
		Method:        info.Meta.Method,
		Path:          info.Meta.Path,
		ClientAddr:    info.Geo.IPStr,
		ActionKind:    actionKindName(d.Kind),
		Status:        d.Status,
		Ban:           d.Ban,
		Tags:          tg.Slice(),
		Reason:        d.Reason,
		CorrelationID: correlationID,
	}
	if _, pol, ok := h.engine.MatchPolicy(info.Host, info.Query.QPath); ok {
		entry.PolicyName = pol.Name
	}
	if err := h.audit.Record(entry); err != nil {
		slog.Error("frontdoor: failed to record audit entry", "error", err)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now()})
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := h.engine.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	errs := make([]string, 0, len(cfg.Errors))
	for _, e := range cfg.Errors {
		errs = append(errs, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded_at": cfg.LoadedAt, "errors": errs})
}

func (h *Handler) handlePolicyMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	host := r.URL.Query().Get("host")
	path := r.URL.Query().Get("path")
	hostMapName, pol, ok := h.engine.MatchPolicy(host, path)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matched":                 true,
		"hostmap":                 hostMapName,
		"policy":                  pol.Name,
		"acl_active":              pol.ACLActive,
		"acl_profile":             pol.ACLProfile,
		"content_filter_active":   pol.ContentFilterActive,
		"content_filter_profile":  pol.ContentFilterProfile,
		"rate_limit_ids":          pol.RateLimitIDs,
	})
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit logging is disabled"})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.audit.List(auditlog.ListOptions{
		Limit:      limit,
		Host:       r.URL.Query().Get("host"),
		PolicyName: r.URL.Query().Get("policy"),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
