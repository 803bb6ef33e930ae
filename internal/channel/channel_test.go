package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanbet/chanbet-go/internal/protocol"
)

type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.inbound:
		return 1, b, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	frame, err := json.Marshal(protocol.Envelope{Type: msgType, Payload: raw})
	require.NoError(t, err)
	f.inbound <- frame
}

func newTestClient(t *testing.T, conn *fakeConn) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL: "ws://example.test/ws",
		Dial:    func(string) (Conn, error) { return conn, nil },
	})
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectIdempotent(t *testing.T) {
	dials := 0
	c, err := New(Options{
		BaseURL: "ws://example.test/ws",
		Dial: func(string) (Conn, error) {
			dials++
			return newFakeConn(), nil
		},
	})
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect("0xabc"))
	require.NoError(t, c.Connect("0xabc"))
	assert.Equal(t, 1, dials)

	// A different address tears down and redials.
	require.NoError(t, c.Connect("0xdef"))
	assert.Equal(t, 2, dials)
}

func TestConnectDialError(t *testing.T) {
	c, err := New(Options{
		BaseURL: "ws://example.test/ws",
		Dial:    func(string) (Conn, error) { return nil, errors.New("refused") },
	})
	require.NoError(t, err)
	assert.Error(t, c.Connect("0xabc"))
}

func TestConnectURLCarriesAddressAndKey(t *testing.T) {
	var dialed string
	c, err := New(Options{
		BaseURL: "ws://example.test/ws",
		APIKey:  "k123",
		Dial: func(u string) (Conn, error) {
			dialed = u
			return newFakeConn(), nil
		},
	})
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect("0xAbC"))
	assert.Contains(t, dialed, "address=0xAbC")
	assert.Contains(t, dialed, "api_key=k123")
}

func TestWaitForOrErrorSuccess(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn)
	require.NoError(t, c.Connect("0xabc"))

	done := make(chan struct{})
	var payload json.RawMessage
	var waitErr error
	go func() {
		defer close(done)
		payload, waitErr = c.WaitForOrError(context.Background(), protocol.MsgBetAccepted, time.Second)
	}()

	// Give the waiter time to subscribe before pushing.
	time.Sleep(20 * time.Millisecond)
	conn.push(t, protocol.MsgBetAccepted, protocol.BetAcceptedPayload{RoundID: "r1"})

	<-done
	require.NoError(t, waitErr)
	var got protocol.BetAcceptedPayload
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "r1", got.RoundID)
}

func TestWaitForOrErrorErrorFrameWins(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn)
	require.NoError(t, c.Connect("0xabc"))

	done := make(chan error, 1)
	go func() {
		_, err := c.WaitForOrError(context.Background(), protocol.MsgBetAccepted, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	conn.push(t, protocol.MsgError, protocol.ErrorPayload{Error: "insufficient balance"})

	err := <-done
	require.Error(t, err)
	assert.Equal(t, "insufficient balance", err.Error())
}

func TestWaitForOrErrorTimeout(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn)
	require.NoError(t, c.Connect("0xabc"))

	_, err := c.WaitForOrError(context.Background(), protocol.MsgBetAccepted, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), protocol.MsgBetAccepted)
}

func TestWaitReleasesSubscription(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn)
	require.NoError(t, c.Connect("0xabc"))

	_, err := c.WaitFor(context.Background(), protocol.MsgRoundResult, 20*time.Millisecond)
	require.Error(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.subs[protocol.MsgRoundResult])
	assert.Empty(t, c.subs[protocol.MsgError])
}

func TestSubscribeFanOutAndUnsubscribe(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn)
	require.NoError(t, c.Connect("0xabc"))

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) Handler {
		return func(json.RawMessage) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		}
	}

	unsubA := c.Subscribe(protocol.MsgRoundResult, record("a"))
	unsubB := c.Subscribe(protocol.MsgRoundResult, record("b"))
	defer unsubB()

	conn.push(t, protocol.MsgRoundResult, nil)
	time.Sleep(20 * time.Millisecond)

	unsubA()
	unsubA() // releasing twice must not drop another handler

	conn.push(t, protocol.MsgRoundResult, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestMalformedFramesDropped(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn)
	require.NoError(t, c.Connect("0xabc"))

	done := make(chan error, 1)
	go func() {
		_, err := c.WaitFor(context.Background(), protocol.MsgGameStarted, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	conn.inbound <- []byte("not json at all")
	conn.inbound <- []byte(`{"no_type":true}`)
	conn.push(t, protocol.MsgGameStarted, protocol.GameStartedPayload{Slug: "dice"})

	assert.NoError(t, <-done)
}

func TestSendWhenDisconnectedDrops(t *testing.T) {
	c, err := New(Options{
		BaseURL: "ws://example.test/ws",
		Dial:    func(string) (Conn, error) { return newFakeConn(), nil },
	})
	require.NoError(t, err)

	// Must not panic or block.
	c.Send(protocol.MsgPing, nil)
}

func TestSendWritesFrame(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn)
	require.NoError(t, c.Connect("0xabc"))

	c.Send(protocol.MsgStartGame, protocol.StartGamePayload{Slug: "coinflip"})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.writes, 1)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(conn.writes[0], &env))
	assert.Equal(t, protocol.MsgStartGame, env.Type)
}

func TestReconnectBackoffSequence(t *testing.T) {
	b := reconnectBackoff()
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for i, expected := range want {
		assert.Equal(t, expected, b.NextBackOff(), fmt.Sprintf("attempt %d", i+1))
	}
	// Stays capped.
	assert.Equal(t, 10*time.Second, b.NextBackOff())
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	dials := 0
	c, err := New(Options{
		BaseURL: "ws://example.test/ws",
		Dial: func(string) (Conn, error) {
			dials++
			fc := newFakeConn()
			conns <- fc
			return fc, nil
		},
	})
	require.NoError(t, err)
	defer c.Disconnect()

	// Shrink the first delay so the test does not sleep a full second.
	c.retry.InitialInterval = 10 * time.Millisecond
	c.retry.Reset()

	require.NoError(t, c.Connect("0xabc"))
	first := <-conns
	first.Close() // simulate unexpected drop

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state == stateOpen && dials == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnectStopsReconnect(t *testing.T) {
	dials := 0
	var lastConn *fakeConn
	c, err := New(Options{
		BaseURL: "ws://example.test/ws",
		Dial: func(string) (Conn, error) {
			dials++
			lastConn = newFakeConn()
			return lastConn, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, c.Connect("0xabc"))
	c.Disconnect()
	lastConn.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dials)
}
