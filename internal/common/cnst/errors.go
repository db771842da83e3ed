package cnst

import "errors"

var (
	// ErrInvalidTarget is returned when the upstream target cannot be parsed
	ErrInvalidTarget = errors.New("invalid upstream target")
	// ErrMissingTarget is returned when no upstream target is configured
	ErrMissingTarget = errors.New("missing upstream target <ip:port>")
	// ErrInvalidPort is returned for ports outside 1..65535
	ErrInvalidPort = errors.New("invalid port")
	// ErrUnsupportedFanout is returned for unknown notification fan-out modes
	ErrUnsupportedFanout = errors.New("unsupported notification fanout")
)
