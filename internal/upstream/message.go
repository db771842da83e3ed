package upstream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// MessageKind tells replies from notifications
type MessageKind int

const (
	KindReply MessageKind = iota
	KindNotification
)

func (k MessageKind) String() string {
	if k == KindNotification {
		return "notification"
	}
	return "reply"
}

// Message is one inbound frame from the device
type Message struct {
	Kind MessageKind
	// Notification is the notification kind, empty for replies
	Notification string
	// Data is the notification's data field, or the whole frame for a reply
	Data json.RawMessage
}

var nullData = json.RawMessage("null")

// ParseMessage classifies a raw frame. A frame is a notification when its
// "notification" member is present and truthy; every other JSON value is a
// reply. Invalid JSON yields ErrMalformedMessage.
func ParseMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, ErrMalformedMessage
	}

	root := gjson.ParseBytes(raw)
	if root.IsObject() {
		if n := root.Get("notification"); truthy(n) {
			data := nullData
			if d := root.Get("data"); d.Exists() {
				data = json.RawMessage(d.Raw)
			}
			return Message{Kind: KindNotification, Notification: n.String(), Data: data}, nil
		}
	}

	return Message{Kind: KindReply, Data: json.RawMessage(root.Raw)}, nil
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.True, gjson.JSON:
		return true
	default:
		return false
	}
}
