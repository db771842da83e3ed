package bridge

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// Policy says how a downstream event is carried upstream
type Policy int

const (
	// PolicyForward sends the event payload and expects nothing back
	PolicyForward Policy = iota
	// PolicyForwardWithReply sends the bare event name and waits for a reply
	PolicyForwardWithReply
)

func (p Policy) String() string {
	switch p {
	case PolicyForward:
		return "forward"
	case PolicyForwardWithReply:
		return "forward_with_reply"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Binding maps one downstream event to its policy
type Binding struct {
	Event  string
	Policy Policy
}

// Bindings is the complete set of events the bridge understands
var Bindings = []Binding{
	{Event: "get_version", Policy: PolicyForwardWithReply},
	{Event: "get_settings", Policy: PolicyForwardWithReply},
	{Event: "get_timestamp", Policy: PolicyForwardWithReply},

	{Event: "set_calibration_threshold", Policy: PolicyForward},
	{Event: "set_calibration_offset", Policy: PolicyForward},
	{Event: "set_trigger_threshold", Policy: PolicyForward},
	{Event: "set_frequency", Policy: PolicyForward},
	{Event: "reset_auto_calibration", Policy: PolicyForward},
}

var bindingIndex = func() map[string]Policy {
	m := make(map[string]Policy, len(Bindings))
	for _, b := range Bindings {
		m[b.Event] = b.Policy
	}
	return m
}()

// LookupPolicy returns the policy bound to event
func LookupPolicy(event string) (Policy, bool) {
	p, ok := bindingIndex[event]
	return p, ok
}

// EventRouter turns downstream events into pending requests for one session
type EventRouter struct {
	unbound atomic.Bool
}

func NewEventRouter() *EventRouter {
	return &EventRouter{}
}

// Build classifies event and builds its request. data is the raw JSON
// argument of the event, empty when none was given.
func (r *EventRouter) Build(event string, data json.RawMessage) (*PendingRequest, error) {
	if r.unbound.Load() {
		return nil, ErrSessionClosed
	}
	policy, ok := LookupPolicy(event)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if policy == PolicyForwardWithReply {
		return ForwardWithReply(event), nil
	}
	return Forward(event, data), nil
}

// Unbind detaches the router from its session; later builds fail
func (r *EventRouter) Unbind() {
	r.unbound.Store(true)
}

// Forward builds a fire-and-forget request. A JSON string argument is sent
// as its text, any other JSON value verbatim, and a missing argument as the
// event name.
func Forward(event string, data json.RawMessage) *PendingRequest {
	return &PendingRequest{Event: event, Payload: forwardPayload(event, data)}
}

// ForwardWithReply builds a request that sends the bare event name and
// carries a Future for the reply
func ForwardWithReply(event string) *PendingRequest {
	return &PendingRequest{Event: event, Payload: []byte(event), Reply: NewFuture()}
}

func forwardPayload(event string, data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte(event)
	}
	v := gjson.ParseBytes(data)
	switch {
	case v.Type == gjson.String:
		return []byte(v.Str)
	case v.Raw == "":
		return []byte(event)
	default:
		return []byte(v.Raw)
	}
}
