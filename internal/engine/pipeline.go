package engine

import (
	"context"
	"fmt"
	neturl "net/url"

	"github.com/hollowreed/sentrywall/internal/acl"
	"github.com/hollowreed/sentrywall/internal/challenge"
	"github.com/hollowreed/sentrywall/internal/contentfilter"
	"github.com/hollowreed/sentrywall/internal/decision"
	"github.com/hollowreed/sentrywall/internal/flowcontrol"
	"github.com/hollowreed/sentrywall/internal/globalfilter"
	"github.com/hollowreed/sentrywall/internal/inspectorlog"
	"github.com/hollowreed/sentrywall/internal/ratelimit"
	"github.com/hollowreed/sentrywall/internal/request"
	"github.com/hollowreed/sentrywall/internal/securitypolicy"
	"github.com/hollowreed/sentrywall/internal/tags"
)

type bodyDecodingReason struct {
	Initiator string `json:"initiator"`
	Kind      string `json:"kind"`
}

type aclReason struct {
	Initiator string   `json:"initiator"`
	Tags      []string `json:"tags,omitempty"`
}

func decodedPath(qpath string) string {
	decoded, err := neturl.QueryUnescape(qpath)
	if err != nil {
		return qpath
	}
	return decoded
}

func baseTags(info *request.Info, containerName string, initial *tags.Tags) *tags.Tags {
	tg := tags.New()
	tg.Merge(initial)
	tg.Insert("all")
	tg.InsertQualified("ip", info.Geo.IPStr)
	if info.Geo.HasCountry {
		tg.InsertQualified("geo", info.Geo.CountryName)
	} else {
		tg.InsertQualified("geo", "nil")
	}
	if info.Geo.HasASN {
		tg.Insert("asn:" + formatASN(info.Geo.ASN))
	} else {
		tg.Insert("asn:nil")
	}
	if containerName != "" {
		tg.InsertQualified("container", containerName)
	}
	return tg
}

func formatASN(asn uint32) string {
	if asn == 0 {
		return "0"
	}
	digits := make([]byte, 0, 10)
	for asn > 0 {
		digits = append([]byte{byte('0' + asn%10)}, digits...)
		asn /= 10
	}
	return string(digits)
}

// StepResult is what one Executor.Step call produces: either Done, carrying
// the pipeline's final Decision/Tags/Info, or not-yet-done, meaning the
// caller should call Step again (optionally yielding to other work first —
// this is the cooperative suspension point spec.md §5 describes).
type StepResult struct {
	Done     bool
	Decision decision.Decision
	Tags     *tags.Tags
	Info     *request.Info
}

// Executor drives the nine-step analyze pipeline one stage at a time. It is
// the same state machine Analyze uses internally; embedded callers that
// want to interleave inspection with other cooperative work call Step
// directly instead of going through Analyze's tight loop.
type Executor struct {
	engine  *Engine
	logs    *inspectorlog.Logs
	info    *request.Info
	isHuman bool
	cfg     *Config
	tg      *tags.Tags

	stage        int
	path         string
	hostMapName  string
	policy       securitypolicy.Policy
	rateLimitIdx int
	aclMonitor   *decision.Decision
	done         bool
}

// NewExecutor starts a fresh Executor against the Engine's current Config
// snapshot. initialTags seeds the working tag set before the always-present
// tags are added (may be nil).
func (e *Engine) NewExecutor(logs *inspectorlog.Logs, info *request.Info, isHuman bool, initialTags *tags.Tags) *Executor {
	return &Executor{
		engine: e, logs: logs, info: info, isHuman: isHuman,
		cfg: e.Snapshot(), tg: baseTags(info, e.ContainerName, initialTags),
	}
}

func (x *Executor) finish(d decision.Decision) StepResult {
	x.done = true
	return StepResult{Done: true, Decision: d, Tags: x.tg, Info: x.info}
}

// Step advances the pipeline by exactly one stage, per spec.md §4.10's
// numbered order. Calling Step again after a Done result is an error.
func (x *Executor) Step(ctx context.Context) (StepResult, error) {
	if x.done {
		return StepResult{Done: true}, fmt.Errorf("engine: Step called after pipeline completed")
	}

	switch x.stage {
	case 0: // resolve the security policy and tag its identifiers.
		x.path = decodedPath(x.info.Query.QPath)
		hostMapName, policy, ok := x.cfg.SecurityPolicy.Match(x.info.Host, x.path)
		if !ok {
			x.logs.Infof("no matching security policy for host=%s path=%s", x.info.Host, x.path)
			return x.finish(decision.Pass()), nil
		}
		x.hostMapName, x.policy = hostMapName, policy
		x.logs.Infof("matched security policy %q (hostmap %q)", policy.Name, hostMapName)
		x.tg.InsertQualified("securitypolicy", hostMapName)
		x.tg.InsertQualified("aclid", policy.ACLProfile)
		x.tg.InsertQualified("contentfilterid", policy.ContentFilterProfile)
		x.stage++
		return StepResult{}, nil

	case 1: // body-decoding-failure block check.
		if x.policy.ContentFilterActive && x.info.Query.BodyDecoding == request.BodyDecodingFailed {
			action := decision.SimpleAction{Kind: decision.KindDefault, Status: decision.DefaultBlockStatus, BlockMode: true}
			d := decision.FromAction(action, bodyDecodingReason{Initiator: "content_filter", Kind: "body_decoding_failed"})
			x.logs.Warningf("blocking: body decoding failed")
			return x.finish(d), nil
		}
		x.stage++
		return StepResult{}, nil

	case 2: // phase-02 challenge verification.
		if d, handled := challenge.Phase02(x.engine.Grasshopper, x.info.Meta.Path, x.info.Headers); handled {
			x.logs.Infof("phase-02 challenge handled")
			return x.finish(d), nil
		}
		x.stage++
		return StepResult{}, nil

	case 3: // global-filter decision.
		res := globalfilter.Evaluate(x.cfg.GlobalFilters, x.info, x.tg, x.isHuman)
		x.tg.Merge(res.Tags)
		if res.HasAction {
			d := decision.FromAction(res.Action, globalfilter.Reason{Initiator: "global-filter", Name: res.Name})
			if d.IsFinal() {
				x.logs.Infof("global filter %q produced a final decision", res.Name)
				return x.finish(d), nil
			}
		}
		x.stage++
		return StepResult{}, nil

	case 4: // flow-control check.
		key := flowcontrol.SequenceKey(x.info.Meta.Method, x.info.Host, x.path)
		if bucket, ok := x.cfg.Flows[key]; ok {
			outcome := flowcontrol.Check(ctx, x.engine.Store, bucket, x.info, x.tg)
			if outcome.Reacted && outcome.Decision.IsFinal() {
				x.logs.Infof("flow control blocked sequence %q", key)
				return x.finish(outcome.Decision), nil
			}
		}
		x.stage++
		return StepResult{}, nil

	case 5: // rate-limit check, over every limit id the policy references.
		for x.rateLimitIdx < len(x.policy.RateLimitIDs) {
			id := x.policy.RateLimitIDs[x.rateLimitIdx]
			x.rateLimitIdx++
			limit, ok := x.cfg.Limits[id]
			if !ok {
				continue
			}
			outcome := ratelimit.Check(ctx, x.engine.Store, x.policy.Name, limit, x.info, x.tg)
			if outcome.Reacted {
				x.tg.Insert(outcome.Tag)
				if outcome.Decision.IsFinal() {
					x.logs.Infof("rate limit %q reacted", limit.Name)
					return x.finish(outcome.Decision), nil
				}
			}
		}
		x.stage++
		return StepResult{}, nil

	case 6: // ACL check. A block/challenge is deferred as a monitor
		// candidate when acl_active is false, so content-filter still gets
		// to run and the stronger of the two surfaces at the end.
		aclProfile := x.cfg.ACLProfiles[x.policy.ACLProfile]
		aclResult := acl.Evaluate(x.tg, aclProfile)

		emit := func(d decision.Decision) (decision.Decision, bool) {
			if x.policy.ACLActive {
				return d, true
			}
			d.Kind = decision.Monitor
			d.BlockMode = false
			x.aclMonitor = &d
			return decision.Decision{}, false
		}

		if aclResult.IsBypass {
			if !aclResult.Bypass.Allowed {
				d := decision.FromAction(decision.DefaultAction(), aclReason{Initiator: "acl", Tags: aclResult.Bypass.Tags})
				if res, final := emit(d); final {
					x.logs.Infof("acl force_deny blocked request")
					return x.finish(res), nil
				}
			}
		} else {
			outcome, hitTags := acl.Interpret(aclResult.Match, x.isHuman)
			switch outcome {
			case acl.OutcomeBlock:
				d := decision.FromAction(decision.DefaultAction(), aclReason{Initiator: "acl", Tags: hitTags})
				if res, final := emit(d); final {
					x.logs.Infof("acl denied request")
					return x.finish(res), nil
				}
			case acl.OutcomeChallenge:
				if ua, ok := x.info.Headers.Get("user-agent"); ok && x.engine.Grasshopper != nil {
					d := challenge.Phase01(x.engine.Grasshopper, ua, hitTags)
					if res, final := emit(d); final {
						x.logs.Infof("acl issued phase-01 challenge")
						return x.finish(res), nil
					}
				} else {
					d := decision.FromAction(decision.DefaultAction(), aclReason{Initiator: "acl", Tags: hitTags})
					if res, final := emit(d); final {
						x.logs.Infof("acl denied request (no user-agent or challenge helper for challenge)")
						return x.finish(res), nil
					}
				}
			}
		}
		x.stage++
		return StepResult{}, nil

	case 7: // content-filter check.
		cfProfile, hasCFProfile := x.cfg.ContentFilterProfiles[x.policy.ContentFilterProfile]
		if hasCFProfile {
			if result := contentfilter.Evaluate(cfProfile, x.info.Headers, x.info.Cookies, x.info.Query.Args, x.cfg.SignatureDB); result != nil {
				action := decision.SimpleAction{Kind: decision.KindDefault, Status: decision.DefaultBlockStatus, BlockMode: x.policy.ContentFilterActive}
				d := decision.FromAction(action, result.Reason)
				x.logs.Infof("content filter blocked request: %s", result.Reason.Kind)
				return x.finish(d), nil
			}
		}
		if x.aclMonitor != nil {
			x.logs.Infof("emitting deferred acl monitor decision")
			return x.finish(*x.aclMonitor), nil
		}
		x.stage++
		return StepResult{}, nil

	case 8: // mask sensitive fields and return.
		if cfProfile, ok := x.cfg.ContentFilterProfiles[x.policy.ContentFilterProfile]; ok {
			contentfilter.Mask(cfProfile.Headers, x.info.Headers)
			contentfilter.Mask(cfProfile.Cookies, x.info.Cookies)
			contentfilter.Mask(cfProfile.Args, x.info.Query.Args)
		}
		return x.finish(decision.Pass()), nil

	default:
		return StepResult{Done: true}, fmt.Errorf("engine: unknown pipeline stage %d", x.stage)
	}
}

// Analyze runs the full nine-step pipeline described in spec.md §4.10 over
// one request, returning the resulting Decision, the final accumulated
// Tags, and the RequestInfo with masked field values. It is a thin loop
// over the same Executor/Step state machine stepwise callers use directly.
//
// isHuman reflects whether a valid rbzid cookie was already presented
// (challenge.IsHumanByCookie); initialTags seeds the working tag set
// before the always-present tags are added, and may be nil.
func (e *Engine) Analyze(ctx context.Context, logs *inspectorlog.Logs, info *request.Info, isHuman bool, initialTags *tags.Tags) (decision.Decision, *tags.Tags, *request.Info) {
	x := e.NewExecutor(logs, info, isHuman, initialTags)
	for {
		res, err := x.Step(ctx)
		if err != nil {
			logs.Errorf("analyze: %v", err)
			return decision.Pass(), x.tg, info
		}
		if res.Done {
			return res.Decision, res.Tags, res.Info
		}
	}
}

// matchHostAndPath backs Engine.MatchPolicy, for callers (e.g. the control
// plane) that need to preview which policy a (host, path) pair would
// resolve to without running the full pipeline.
func matchHostAndPath(cfg *securitypolicy.Config, host, rawPath string) (string, securitypolicy.Policy, bool) {
	return cfg.Match(host, decodedPath(rawPath))
}
