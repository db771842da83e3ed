package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		kind  MessageKind
		notif string
		data  string
	}{
		{"notification", `{"notification":"heartbeat","data":{"current_rssi":[12]}}`, KindNotification, "heartbeat", `{"current_rssi":[12]}`},
		{"notification without data", `{"notification":"pass_record"}`, KindNotification, "pass_record", `null`},
		{"empty notification is a reply", `{"notification":"","x":1}`, KindReply, "", `{"notification":"","x":1}`},
		{"null notification is a reply", `{"notification":null}`, KindReply, "", `{"notification":null}`},
		{"false notification is a reply", `{"notification":false}`, KindReply, "", `{"notification":false}`},
		{"object reply", `{"major":0,"minor":1}`, KindReply, "", `{"major":0,"minor":1}`},
		{"number reply", `42`, KindReply, "", `42`},
		{"string reply", `"ok"`, KindReply, "", `"ok"`},
		{"array reply", `[{"notification":"x"}]`, KindReply, "", `[{"notification":"x"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, m.Kind)
			assert.Equal(t, tt.notif, m.Notification)
			assert.JSONEq(t, tt.data, string(m.Data))
		})
	}
}

func TestParseMessage_Malformed(t *testing.T) {
	for _, raw := range []string{"", "{", "get_version", `{"a":}`} {
		_, err := ParseMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedMessage, raw)
	}
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.Equal(t, "message", EventMessage.String())
	assert.Equal(t, "notification", KindNotification.String())
}
