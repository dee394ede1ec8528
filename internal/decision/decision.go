// Package decision implements the SimpleAction / Decision data model and
// the "strongest wins" priority merge used throughout the pipeline.
package decision

import "encoding/json"

// ActionType classifies a Decision's effect on the request.
type ActionType int

const (
	Monitor ActionType = iota
	Block
	AlterHeaders
)

// IsBlocking reports whether this action type stops the request.
func (a ActionType) IsBlocking() bool { return a == Block }

// IsFinal reports whether this action type ends pipeline processing.
func (a ActionType) IsFinal() bool { return a != Monitor }

// DefaultBlockStatus is the status code of the default block action, used
// by ACL and content-filter blocks (see DESIGN.md for the 403-vs-503
// design decision); challenge decisions and configured actions carry
// their own status.
const DefaultBlockStatus = 403

// ActionKind names a SimpleAction variant.
type ActionKind int

const (
	KindMonitor ActionKind = iota
	KindRequestHeader
	KindResponse
	KindRedirect
	KindChallenge
	KindDefault
	KindBan
)

// priority ranks kinds from weakest (low) to strongest (high) for the
// "strongest wins" merge: Default > Challenge > Redirect > Response >
// RequestHeader > Monitor. Ban is handled separately: it always inherits
// its sub-action's priority.
var priority = map[ActionKind]int{
	KindMonitor:       0,
	KindRequestHeader: 1,
	KindResponse:      2,
	KindRedirect:      3,
	KindChallenge:     4,
	KindDefault:       5,
}

// SimpleAction is the lightweight action value attached to a triggering
// rule (global filter, limit, flow, ACL) before being folded into a
// Decision by the pipeline.
type SimpleAction struct {
	Kind        ActionKind
	Status      int
	Headers     map[string]string
	Content     string
	Location    string
	BlockMode   bool
	BanSub      *SimpleAction
	BanTTL      int
	RequestTags []string
}

// DefaultAction returns the engine's generic fallback action.
func DefaultAction() SimpleAction {
	return SimpleAction{Kind: KindDefault, Status: DefaultBlockStatus, BlockMode: true}
}

// effectiveKind returns the kind used for priority comparison: a Ban
// inherits its sub-action's rank.
func (a SimpleAction) effectiveKind() ActionKind {
	if a.Kind == KindBan && a.BanSub != nil {
		return a.BanSub.effectiveKind()
	}
	return a.Kind
}

func (a SimpleAction) rank() int {
	return priority[a.effectiveKind()]
}

// Strongest returns whichever of a, b has the higher priority; ties
// prefer a (first-seen).
func Strongest(a, b SimpleAction) SimpleAction {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Outranks reports whether b strictly outranks a, i.e. whether
// Strongest(a, b) would replace a with b. Callers that need to track
// which of several candidates "won" (e.g. for a reason's provenance) use
// this instead of re-deriving Strongest's tie-breaking rule.
func Outranks(a, b SimpleAction) bool {
	return b.rank() > a.rank()
}

// ToActionType maps a SimpleAction to the Decision-level ActionType.
func (a SimpleAction) ToActionType() ActionType {
	k := a.effectiveKind()
	switch k {
	case KindMonitor:
		return Monitor
	case KindRequestHeader:
		return AlterHeaders
	default:
		return Block
	}
}

// Decision is the final pipeline output for a request: either Pass, or an
// Action carrying the merged SimpleAction plus a structured reason.
type Decision struct {
	Pass       bool
	Kind       ActionType
	BlockMode  bool
	Ban        bool
	Status     int
	Headers    map[string]string
	Content    string
	Reason     json.RawMessage
	ExtraTags  []string
}

// FromAction builds a blocking/monitoring Decision from a SimpleAction and
// a reason payload.
func FromAction(a SimpleAction, reason any) Decision {
	reasonJSON, _ := json.Marshal(reason)
	return Decision{
		Pass:      false,
		Kind:      a.ToActionType(),
		BlockMode: a.BlockMode,
		Ban:       a.Kind == KindBan,
		Status:    a.Status,
		Headers:   a.Headers,
		Content:   a.Content,
		Reason:    reasonJSON,
		ExtraTags: a.RequestTags,
	}
}

// Pass is the zero-cost passthrough decision.
func Pass() Decision { return Decision{Pass: true} }

// IsFinal reports whether this decision ends pipeline processing: a Pass
// is never final on its own (the pipeline simply continues); an Action is
// final unless it is Monitor-only, mirroring ActionType.IsFinal.
func (d Decision) IsFinal() bool {
	if d.Pass {
		return false
	}
	return d.Kind.IsFinal()
}
