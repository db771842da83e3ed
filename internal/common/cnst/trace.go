package cnst

// Tracer names used across the services
const (
	// TraceCore is the tracer name for downstream session handling
	TraceCore = "timerbridge/core"
	// TraceUpstream is the tracer name for the upstream link
	TraceUpstream = "timerbridge/upstream"
)

// Common span names
const (
	SpanSessionServe = "bridge.session.serve"
	SpanUpstreamDial = "bridge.upstream.dial"
)

// Common attribute keys
const (
	AttrSessionID      = "bridge.session_id"
	AttrClientAddr     = "client.remote_addr"
	AttrUpstreamTarget = "upstream.target"
	AttrCloseReason    = "bridge.close_reason"
)
