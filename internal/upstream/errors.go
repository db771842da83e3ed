package upstream

import "errors"

var (
	// ErrLinkConnect is reported when a dial attempt fails
	ErrLinkConnect = errors.New("upstream connect failed")
	// ErrLinkDown is reported when an open connection is lost
	ErrLinkDown = errors.New("upstream link down")
	// ErrLinkNotOpen is returned by Send outside the open state
	ErrLinkNotOpen = errors.New("upstream link not open")
	// ErrLinkBusy is returned by Connect while connecting or open
	ErrLinkBusy = errors.New("upstream link busy")
	// ErrMalformedMessage marks an inbound frame that is not valid JSON
	ErrMalformedMessage = errors.New("malformed upstream message")
)
