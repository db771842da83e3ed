package bridge

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyCorrelator_Positional(t *testing.T) {
	c := NewReplyCorrelator()
	a, b := NewFuture(), NewFuture()
	c.Expect(a)
	c.Expect(b)
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.Resolve(json.RawMessage(`"one"`)))
	require.NoError(t, c.Resolve(json.RawMessage(`"two"`)))

	da, _ := a.Result()
	db, _ := b.Result()
	assert.Equal(t, `"one"`, string(da))
	assert.Equal(t, `"two"`, string(db))

	assert.ErrorIs(t, c.Resolve(json.RawMessage(`"three"`)), ErrUnmatchedReply)
}

func TestReplyCorrelator_FlushAsError(t *testing.T) {
	c := NewReplyCorrelator()
	fs := []*Future{NewFuture(), NewFuture(), NewFuture()}
	for _, f := range fs {
		c.Expect(f)
	}
	// already settled elsewhere, must not be resolved again
	fs[1].resolve(nil, errors.New("earlier"))

	resolutions := 0
	for _, f := range fs {
		f.Then(func(json.RawMessage, error) { resolutions++ })
	}
	resolutions = 0

	cause := errors.New("gone")
	assert.Equal(t, 2, c.FlushAsError(cause))
	assert.Equal(t, 2, resolutions)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.FlushAsError(cause))

	_, err := fs[0].Result()
	assert.ErrorIs(t, err, cause)
	_, err = fs[1].Result()
	assert.EqualError(t, err, "earlier")
}
