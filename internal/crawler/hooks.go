package crawler

import "context"

// HookFunc is an optional extension point. It receives the task's page and the
// session currently driving it.
type HookFunc func(ctx context.Context, page *Page, session Session) error

// HookPoint names an extension point in the browse protocol.
type HookPoint string

// Hook points, in protocol order.
const (
	HookBeforeNavigate       HookPoint = "before_navigate"
	HookAfterNavigate        HookPoint = "after_navigate"
	HookBeforeCheckDOMState  HookPoint = "before_check_dom_state"
	HookAfterCheckDOMState   HookPoint = "after_check_dom_state"
	HookBeforeComputeFeature HookPoint = "before_compute_feature"
	HookAfterComputeFeature  HookPoint = "after_compute_feature"
)

// EventHooks is the fixed set of optional callback slots. Nil slots are no-ops.
type EventHooks struct {
	BeforeNavigate       HookFunc
	AfterNavigate        HookFunc
	BeforeCheckDOMState  HookFunc
	AfterCheckDOMState   HookFunc
	BeforeComputeFeature HookFunc
	AfterComputeFeature  HookFunc
}

// Slot returns the callback for a hook point; nil when unset.
func (h *EventHooks) Slot(point HookPoint) HookFunc {
	if h == nil {
		return nil
	}
	switch point {
	case HookBeforeNavigate:
		return h.BeforeNavigate
	case HookAfterNavigate:
		return h.AfterNavigate
	case HookBeforeCheckDOMState:
		return h.BeforeCheckDOMState
	case HookAfterCheckDOMState:
		return h.AfterCheckDOMState
	case HookBeforeComputeFeature:
		return h.BeforeComputeFeature
	case HookAfterComputeFeature:
		return h.AfterComputeFeature
	default:
		return nil
	}
}
