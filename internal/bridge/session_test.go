package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amoylab/timerbridge/internal/upstream"
	"github.com/amoylab/timerbridge/internal/upstream/upstreamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Notify(kind string, data json.RawMessage) {
	r.add(kind + " " + string(data))
}

func newTestBridge(t *testing.T, opts Options) (*SessionBridge, *upstreamtest.Dialer, *recorder) {
	t.Helper()
	d := upstreamtest.NewDialer()
	rec := &recorder{}
	opts.ID = "s1"
	opts.Target = "ws://device:5001/"
	opts.Dial = d.Dial
	if opts.Sink == nil {
		opts.Sink = rec
	}
	opts.Logger = zap.NewNop()
	b := NewSessionBridge(opts)
	t.Cleanup(b.Close)
	return b, d, rec
}

func waitConn(t *testing.T, d *upstreamtest.Dialer, n int) *upstreamtest.Conn {
	t.Helper()
	require.Eventually(t, func() bool { return len(d.Conns()) >= n }, waitFor, tick)
	return d.Conns()[n-1]
}

func waitWritten(t *testing.T, c *upstreamtest.Conn, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Written()) >= len(want) }, waitFor, tick)
	assert.Equal(t, want, c.Written())
}

func waitState(t *testing.T, b *SessionBridge, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == s }, waitFor, tick, "want state %s", s)
}

func wait(t *testing.T, f *Future) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	data, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return data, err
}

func TestSessionBridge_RepliesInSendOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, d, _ := newTestBridge(t, Options{})
	d.Hold()

	var futures []*Future
	for _, e := range []string{"get_version", "get_settings", "get_timestamp", "get_version"} {
		f, err := b.Invoke(e, nil)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	waitState(t, b, StateDialing)

	d.Release()
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_version", "get_settings", "get_timestamp", "get_version")
	waitState(t, b, StateActive)

	for i := range futures {
		conn.Push(`{"n":` + string(rune('0'+i)) + `}`)
	}
	for i, f := range futures {
		data, err := wait(t, f)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":`+string(rune('0'+i))+`}`, string(data))
	}
	assert.Equal(t, uint64(4), b.Stats().Replies)

	b.Close()
	assert.Equal(t, StateTornDown, b.State())
}

func TestSessionBridge_SingleConnectWhileConnecting(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{})
	d.Hold()

	for i := 0; i < 5; i++ {
		_, err := b.Invoke("get_timestamp", nil)
		require.NoError(t, err)
		_, err = b.Invoke("set_frequency", json.RawMessage(`5658`))
		require.NoError(t, err)
	}
	waitState(t, b, StateDialing)
	assert.Equal(t, 1, d.Attempts())

	d.Release()
	conn := waitConn(t, d, 1)
	require.Eventually(t, func() bool { return len(conn.Written()) == 10 }, waitFor, tick)
	assert.Equal(t, 1, d.Attempts())
	assert.Equal(t, uint64(1), b.Stats().Connects)
}

func TestSessionBridge_ScenarioOrderedDrainAndNotification(t *testing.T) {
	b, d, rec := newTestBridge(t, Options{})
	d.Hold()

	version, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	none, err := b.Invoke("set_frequency", json.RawMessage(`440`))
	require.NoError(t, err)
	assert.Nil(t, none)
	waitState(t, b, StateDialing)

	d.Release()
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_version", "440")

	conn.Push(`{"result":"1.2.3"}`)
	data, err := wait(t, version)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"1.2.3"}`, string(data))

	conn.Push(`{"notification":"status","data":{"armed":true}}`)
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{`status {"armed":true}`}, rec.list())

	s := b.Stats()
	assert.Equal(t, uint64(1), s.Notifications)
	assert.Equal(t, uint64(0), s.Unmatched)
}

func TestSessionBridge_ScenarioLinkDropThenFreshConnect(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{})

	settings, err := b.Invoke("get_settings", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_settings")

	var resolutions int
	var mu sync.Mutex
	settings.Then(func(json.RawMessage, error) {
		mu.Lock()
		resolutions++
		mu.Unlock()
	})

	conn.Hangup()
	_, err = wait(t, settings)
	assert.ErrorIs(t, err, upstream.ErrLinkDown)
	waitState(t, b, StateIdle)

	ts, err := b.Invoke("get_timestamp", nil)
	require.NoError(t, err)
	conn2 := waitConn(t, d, 2)
	waitWritten(t, conn2, "get_timestamp")
	assert.Equal(t, 2, d.Attempts())

	conn2.Push(`{"timestamp":1234}`)
	data, err := wait(t, ts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":1234}`, string(data))

	mu.Lock()
	assert.Equal(t, 1, resolutions)
	mu.Unlock()
}

func TestSessionBridge_NotificationsBypassCorrelator(t *testing.T) {
	b, d, rec := newTestBridge(t, Options{})

	f, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_version")

	conn.Push(`{"notification":"heartbeat","data":{"current_rssi":[10,20]}}`)
	conn.Push(`{"notification":"pass_record","data":{"node":0,"frequency":5658,"timestamp":99}}`)
	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, waitFor, tick)

	select {
	case <-f.Done():
		t.Fatal("notification resolved a reply")
	default:
	}

	conn.Push(`{"major":0,"minor":1}`)
	data, err := wait(t, f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"major":0,"minor":1}`, string(data))
	assert.Equal(t, []string{
		`heartbeat {"current_rssi":[10,20]}`,
		`pass_record {"node":0,"frequency":5658,"timestamp":99}`,
	}, rec.list())
}

func TestSessionBridge_ContinuationsOrderedWithNotifications(t *testing.T) {
	rec := &recorder{}
	b, d, _ := newTestBridge(t, Options{Sink: rec})

	req, err := b.Prepare("get_timestamp", nil)
	require.NoError(t, err)
	req.Reply.Then(func(data json.RawMessage, err error) { rec.add("ack " + string(data)) })
	require.NoError(t, b.Enqueue(req))

	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_timestamp")
	conn.Push(`{"notification":"heartbeat","data":1}`)
	conn.Push(`{"timestamp":5}`)
	conn.Push(`{"notification":"heartbeat","data":2}`)

	require.Eventually(t, func() bool { return len(rec.list()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"heartbeat 1", `ack {"timestamp":5}`, "heartbeat 2"}, rec.list())
}

func TestSessionBridge_TeardownDiscardsQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, d, _ := newTestBridge(t, Options{})

	// one reply already on the wire
	sent, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_version")

	conn.Hangup()
	waitState(t, b, StateIdle)
	_, err = wait(t, sent)
	require.ErrorIs(t, err, upstream.ErrLinkDown)

	// queue requests behind a dial that never completes
	d.Hold()
	var queued []*Future
	for i := 0; i < 3; i++ {
		f, err := b.Invoke("get_settings", nil)
		require.NoError(t, err)
		queued = append(queued, f)
	}
	_, err = b.Invoke("reset_auto_calibration", nil)
	require.NoError(t, err)
	waitState(t, b, StateDialing)

	b.Close()
	b.Close()
	assert.Equal(t, StateTornDown, b.State())
	for _, f := range queued {
		_, err := wait(t, f)
		assert.ErrorIs(t, err, ErrSessionClosed)
	}
	assert.Len(t, d.Conns(), 1)
	assert.Equal(t, uint64(1), b.Stats().Dropped)

	_, err = b.Prepare("get_version", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)

	late := ForwardWithReply("get_version")
	assert.ErrorIs(t, b.Enqueue(late), ErrSessionClosed)
	_, err = wait(t, late.Reply)
	assert.ErrorIs(t, err, ErrSessionClosed)

	d.Release()
}

func TestSessionBridge_TeardownFlushesSentOnce(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{})

	f, err := b.Invoke("get_settings", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_settings")

	var n int
	var mu sync.Mutex
	f.Then(func(json.RawMessage, error) { mu.Lock(); n++; mu.Unlock() })

	b.Close()
	_, err = wait(t, f)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, conn.IsClosed())

	// a reply racing the teardown cannot reach the future
	conn.Push(`{"late":true}`)
	mu.Lock()
	assert.Equal(t, 1, n)
	mu.Unlock()
}

func TestSessionBridge_DialFailure(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{})
	d.FailNext(nil)
	d.Hold()

	f, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	none, err := b.Invoke("set_calibration_offset", json.RawMessage(`3`))
	require.NoError(t, err)
	require.Nil(t, none)
	d.Release()

	_, err = wait(t, f)
	assert.ErrorIs(t, err, upstream.ErrLinkConnect)
	waitState(t, b, StateIdle)
	assert.Zero(t, b.Stats().Dropped)

	// the next call dials again and the unsent request goes out first
	f, err = b.Invoke("get_version", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "3", "get_version")
	assert.Equal(t, 2, d.Attempts())
	conn.Push(`{"major":0,"minor":1}`)
	_, err = wait(t, f)
	assert.NoError(t, err)
}

func TestSessionBridge_ForwardSurvivesLinkLoss(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{})
	d.FailNext(nil)
	d.Hold()

	none, err := b.Invoke("set_frequency", json.RawMessage(`440`))
	require.NoError(t, err)
	require.Nil(t, none)
	waitState(t, b, StateDialing)
	d.Release()
	waitState(t, b, StateIdle)

	f, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "440", "get_version")
	conn.Push(`{"major":0,"minor":1}`)
	_, err = wait(t, f)
	assert.NoError(t, err)

	// the link drops while a reply is pending; only the reply fails
	g, err := b.Invoke("get_settings", nil)
	require.NoError(t, err)
	waitWritten(t, conn, "440", "get_version", "get_settings")
	conn.Hangup()
	_, err = wait(t, g)
	assert.ErrorIs(t, err, upstream.ErrLinkDown)
	waitState(t, b, StateIdle)
	assert.Zero(t, b.Stats().Dropped)
}

func TestSessionBridge_WriteFailure(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{})

	f, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_version")

	conn.FailWrites(errors.New("broken pipe"))
	g, err := b.Invoke("get_settings", nil)
	require.NoError(t, err)

	_, err = wait(t, g)
	assert.ErrorIs(t, err, upstream.ErrLinkDown)
	_, err = wait(t, f)
	assert.ErrorIs(t, err, upstream.ErrLinkDown)
	waitState(t, b, StateIdle)
}

func TestSessionBridge_RedialThrottled(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{RedialInterval: 100 * time.Millisecond, RedialBurst: 1})
	d.FailNext(nil)

	f, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	_, err = wait(t, f)
	require.ErrorIs(t, err, upstream.ErrLinkConnect)

	// immediately retry: the limiter defers the dial instead of issuing a second one now
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err = b.Invoke("get_timestamp", nil)
		require.NoError(t, err)
	}
	waitState(t, b, StateDialing)
	assert.Equal(t, 1, d.Attempts())

	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_timestamp", "get_timestamp", "get_timestamp")
	assert.Equal(t, 2, d.Attempts())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSessionBridge_UnsolicitedReplyDesyncs(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{})

	first, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_version")
	conn.Push(`{"major":0,"minor":1}`)
	_, err = wait(t, first)
	require.NoError(t, err)

	// nothing pending: dropped and counted
	conn.Push(`{"stray":1}`)
	require.Eventually(t, func() bool { return b.Stats().Unmatched == 1 }, waitFor, tick)

	// a stray reply while a request is pending is taken as its answer
	f, err := b.Invoke("get_timestamp", nil)
	require.NoError(t, err)
	waitWritten(t, conn, "get_version", "get_timestamp")
	conn.Push(`{"stray":2}`)
	data, err := wait(t, f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stray":2}`, string(data))

	conn.Push(`{"timestamp":42}`)
	require.Eventually(t, func() bool { return b.Stats().Unmatched == 2 }, waitFor, tick)
}

func TestSessionBridge_MalformedMessageDropped(t *testing.T) {
	b, d, rec := newTestBridge(t, Options{})

	f, err := b.Invoke("get_version", nil)
	require.NoError(t, err)
	conn := waitConn(t, d, 1)
	waitWritten(t, conn, "get_version")

	conn.Push(`{broken`)
	require.Eventually(t, func() bool { return b.Stats().Malformed == 1 }, waitFor, tick)
	select {
	case <-f.Done():
		t.Fatal("malformed message resolved a reply")
	default:
	}
	assert.Empty(t, rec.list())
	assert.Equal(t, StateActive, b.State())
}

func TestSessionBridge_UnknownEvent(t *testing.T) {
	b, d, _ := newTestBridge(t, Options{})
	_, err := b.Invoke("self_destruct", nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.Equal(t, 0, d.Attempts())
	assert.Equal(t, StateIdle, b.State())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "dialing", StateDialing.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "recovering", StateRecovering.String())
	assert.Equal(t, "torn_down", StateTornDown.String())
}
