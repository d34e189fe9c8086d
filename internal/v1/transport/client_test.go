package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/displaybridge/broker/internal/v1/types"
)

func newBareClient() *Client {
	return &Client{
		id:   "sess-1",
		conn: &MockConnection{},
		send: make(chan []byte, 4),
	}
}

func TestClientSendJSON(t *testing.T) {
	c := newBareClient()

	c.SendJSON(types.PongFrame{Type: types.TypePong})

	select {
	case data := <-c.send:
		assert.JSONEq(t, `{"type":"pong"}`, string(data))
	default:
		t.Fatal("frame not enqueued")
	}
}

func TestClientSendRawVerbatim(t *testing.T) {
	c := newBareClient()
	raw := []byte(`{"type":"status","payload":{"weird_key":  1}}`)

	c.SendRaw(raw)

	data := <-c.send
	// Relayed bytes are untouched, including the original whitespace.
	assert.Equal(t, raw, data)
}

func TestClientSlowConsumerDisconnected(t *testing.T) {
	c := newBareClient() // queue of 4

	for i := 0; i < 4; i++ {
		c.SendRaw([]byte(`{"type":"status"}`))
	}
	assert.True(t, c.IsOpen())

	// The overflowing frame marks the session as a slow consumer.
	c.SendRaw([]byte(`{"type":"status"}`))
	assert.False(t, c.IsOpen())
}

func TestClientRelayReportsAcceptance(t *testing.T) {
	c := newBareClient()

	assert.True(t, c.Relay([]byte(`{"type":"status"}`)))

	c.Disconnect()
	assert.False(t, c.Relay([]byte(`{"type":"status"}`)))
}

func TestClientRelayFullQueueDisconnects(t *testing.T) {
	c := newBareClient()
	for i := 0; i < 4; i++ {
		require.True(t, c.Relay([]byte(`x`)))
	}

	assert.False(t, c.Relay([]byte(`x`)))
	assert.False(t, c.IsOpen())
}

func TestClientSendAfterDisconnectIsSilent(t *testing.T) {
	c := newBareClient()
	c.Disconnect()

	// Must not panic on the closed channel.
	c.SendJSON(types.PongFrame{Type: types.TypePong})
	c.SendRaw([]byte(`{"type":"status"}`))
}

func TestClientDisconnectIdempotent(t *testing.T) {
	c := newBareClient()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
	}
	wg.Wait()
	assert.False(t, c.IsOpen())
}

func TestClientStateTransitions(t *testing.T) {
	c := newBareClient()

	assert.Equal(t, types.RoleUnset, c.Role())
	assert.Empty(t, c.RoomCode())

	record := &types.DeviceRecord{DeviceID: "dev-1"}
	c.setJoined(types.RoleDisplay, "ABC123", "SN-001", "dev-1", record)

	assert.Equal(t, types.RoleDisplay, c.Role())
	assert.Equal(t, types.RoomCodeType("ABC123"), c.RoomCode())
	assert.Equal(t, types.SerialNumberType("SN-001"), c.Serial())
	assert.Equal(t, "dev-1", c.DeviceID())
}

func TestClientSetDeviceIDIsHintOnly(t *testing.T) {
	c := newBareClient()

	c.setDeviceID("hint-1")
	assert.Equal(t, "hint-1", c.DeviceID())

	// A later hint never overwrites an established id.
	c.setDeviceID("hint-2")
	assert.Equal(t, "hint-1", c.DeviceID())

	c.setDeviceID("")
	assert.Equal(t, "hint-1", c.DeviceID())
}

func TestWritePumpFlushesQueue(t *testing.T) {
	var mu sync.Mutex
	var written [][]byte
	var closeFrames int

	conn := &MockConnection{
		WriteMessageFunc: func(messageType int, data []byte) error {
			mu.Lock()
			defer mu.Unlock()
			if messageType == websocket.CloseMessage {
				closeFrames++
			} else {
				written = append(written, data)
			}
			return nil
		},
	}
	c := &Client{id: "sess-1", conn: conn, send: make(chan []byte, 4)}

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()

	c.SendRaw([]byte(`{"type":"pong"}`))
	c.Disconnect()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writePump did not exit after Disconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, written, 1)
	assert.JSONEq(t, `{"type":"pong"}`, string(written[0]))
	assert.Equal(t, 1, closeFrames)
}

func TestReadPumpRejectsBinaryFrames(t *testing.T) {
	h := newTestHub(hubOptions{})

	inbound := [][]byte{
		{0x01, 0x02}, // binary, must be skipped
		[]byte(`{"type":"ping"}`),
	}
	kinds := []int{websocket.BinaryMessage, websocket.TextMessage}
	idx := 0

	var mu sync.Mutex
	var written []map[string]any

	conn := &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			if idx >= len(inbound) {
				return 0, nil, websocket.ErrCloseSent
			}
			i := idx
			idx++
			return kinds[i], inbound[i], nil
		},
		WriteMessageFunc: func(messageType int, data []byte) error {
			if messageType != websocket.TextMessage {
				return nil
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				return err
			}
			mu.Lock()
			written = append(written, frame)
			mu.Unlock()
			return nil
		},
	}

	c := h.HandleConnection(conn)

	require.Eventually(t, func() bool { return !c.IsOpen() }, time.Second, 5*time.Millisecond)

	// Greeting goes out first, then the pong for the text ping. The binary
	// frame produces nothing.
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(written), 2)
	assert.Equal(t, types.TypeConnection, written[0]["type"])
	assert.Equal(t, types.TypePong, written[1]["type"])
}

func TestHandleConnectionGreeting(t *testing.T) {
	h := newTestHub(hubOptions{})

	var mu sync.Mutex
	var written []map[string]any

	blocked := make(chan struct{})
	conn := &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			<-blocked
			return 0, nil, websocket.ErrCloseSent
		},
		WriteMessageFunc: func(messageType int, data []byte) error {
			if messageType != websocket.TextMessage {
				return nil
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				return err
			}
			mu.Lock()
			written = append(written, frame)
			mu.Unlock()
			return nil
		},
	}

	h.HandleConnection(conn)
	defer close(blocked)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(written) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	frame := written[0]
	mu.Unlock()

	assert.Equal(t, types.TypeConnection, frame["type"])
	data, ok := frame["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "connected", data["webex"])
	assert.Equal(t, float64(1), data["clients"])
	assert.NotEmpty(t, frame["timestamp"])
	assert.Equal(t, int64(1), h.LiveClients())
}

func TestHandleConnectionCountsDown(t *testing.T) {
	h := newTestHub(hubOptions{})

	conn := &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			return 0, nil, websocket.ErrCloseSent
		},
	}

	h.HandleConnection(conn)

	require.Eventually(t, func() bool { return h.LiveClients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFrameRoundTripThroughPumps(t *testing.T) {
	h := newTestHub(hubOptions{})

	inbound := make(chan []byte, 1)
	inbound <- []byte(`{"type":"ping"}`)

	var mu sync.Mutex
	var written []map[string]any

	conn := &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			data, ok := <-inbound
			if !ok {
				return 0, nil, websocket.ErrCloseSent
			}
			return websocket.TextMessage, data, nil
		},
		WriteMessageFunc: func(messageType int, data []byte) error {
			if messageType != websocket.TextMessage {
				return nil
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				return err
			}
			mu.Lock()
			written = append(written, frame)
			mu.Unlock()
			return nil
		},
	}

	h.HandleConnection(conn)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(written) >= 2
	}, time.Second, 5*time.Millisecond)

	close(inbound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.TypeConnection, written[0]["type"])
	assert.Equal(t, types.TypePong, written[1]["type"])
}
