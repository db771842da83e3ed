package bridge

import "encoding/json"

// ReplyCorrelator matches replies to sent requests by position: the Nth
// reply resolves the Nth outstanding future. The device protocol carries no
// request id, so a reply the device sends unprompted shifts every later
// match by one.
type ReplyCorrelator struct {
	pending []*Future
}

func NewReplyCorrelator() *ReplyCorrelator {
	return &ReplyCorrelator{}
}

// Expect records f as the next reply slot; call it once the request is on the wire
func (c *ReplyCorrelator) Expect(f *Future) {
	c.pending = append(c.pending, f)
}

// Resolve hands data to the oldest outstanding future
func (c *ReplyCorrelator) Resolve(data json.RawMessage) error {
	if len(c.pending) == 0 {
		return ErrUnmatchedReply
	}
	f := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	f.resolve(data, nil)
	return nil
}

// FlushAsError fails every outstanding future with err and returns how many
// were resolved by this call
func (c *ReplyCorrelator) FlushAsError(err error) int {
	pending := c.pending
	c.pending = nil
	n := 0
	for _, f := range pending {
		if f.resolve(nil, err) {
			n++
		}
	}
	return n
}

func (c *ReplyCorrelator) Len() int {
	return len(c.pending)
}
