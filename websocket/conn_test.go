package websocket

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/wsengine/frame"
)

const testTimeout = 5 * time.Second

type recordedMessage struct {
	messageType int
	data        []byte
}

type closeEvent struct {
	code   int
	reason string
}

// recorder collects connection notifications on buffered channels.
type recorder struct {
	open     chan struct{}
	messages chan recordedMessage
	pings    chan []byte
	pongs    chan []byte
	errors   chan error
	closed   chan closeEvent
}

func newRecorder() *recorder {
	return &recorder{
		open:     make(chan struct{}, 1),
		messages: make(chan recordedMessage, 64),
		pings:    make(chan []byte, 16),
		pongs:    make(chan []byte, 16),
		errors:   make(chan error, 16),
		closed:   make(chan closeEvent, 1),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnOpen: func() { r.open <- struct{}{} },
		OnMessage: func(messageType int, data []byte) {
			r.messages <- recordedMessage{messageType: messageType, data: bytes.Clone(data)}
		},
		OnPing:  func(data []byte) { r.pings <- bytes.Clone(data) },
		OnPong:  func(data []byte) { r.pongs <- bytes.Clone(data) },
		OnError: func(err error) { r.errors <- err },
		OnClose: func(code int, reason string) { r.closed <- closeEvent{code: code, reason: reason} },
	}
}

func (r *recorder) waitMessage(t *testing.T) recordedMessage {
	t.Helper()
	select {
	case m := <-r.messages:
		return m
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message")
		return recordedMessage{}
	}
}

func (r *recorder) waitClose(t *testing.T) closeEvent {
	t.Helper()
	select {
	case ev := <-r.closed:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close")
		return closeEvent{}
	}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errors:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server := <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

// rawPeer drives the remote end of a connection frame by frame.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	mask bool
	dec  *frame.Decoder
}

func (p *rawPeer) send(op frame.Opcode, fin bool, payload []byte) {
	p.t.Helper()
	p.sendRaw(frame.Encode(payload, op, fin, 0, p.mask))
}

func (p *rawPeer) sendRaw(b []byte) {
	p.t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

func (p *rawPeer) next() frame.Frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))

	for {
		f, err := p.dec.Next()
		if err == nil {
			return f
		}
		require.ErrorIs(p.t, err, frame.ErrNeedMoreData)

		buf := make([]byte, 4096)
		n, err := p.conn.Read(buf)
		require.NoError(p.t, err)
		p.dec.Write(buf[:n])
	}
}

// waitEOF reads until the transport reports EOF.
func (p *rawPeer) waitEOF() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := io.Copy(io.Discard, p.conn)
	require.NoError(p.t, err)
}

// newTestConn returns an open connection wired to a raw peer.
func newTestConn(t *testing.T, opts connOptions) (*Conn, *recorder, *rawPeer) {
	t.Helper()

	local, remote := tcpPair(t)
	c := newConn(opts, StateConnecting)
	rec := newRecorder()
	c.SetHandlers(rec.handlers())
	require.True(t, c.attach(local, nil, "chat", ""))
	c.start(true)

	masking := frame.MaskRequired
	if opts.isServer {
		masking = frame.MaskForbidden
	}
	peer := &rawPeer{
		t:    t,
		conn: remote,
		mask: opts.isServer,
		dec:  frame.NewDecoder(frame.DecoderOptions{Masking: masking}),
	}

	select {
	case <-rec.open:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for open")
	}
	return c, rec, peer
}

func TestMessageTypeConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant int
		expected int
	}{
		{"TextMessage", TextMessage, 1},
		{"BinaryMessage", BinaryMessage, 2},
		{"CloseMessage", CloseMessage, 8},
		{"PingMessage", PingMessage, 9},
		{"PongMessage", PongMessage, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.constant)
			assert.Equal(t, tt.expected, int(frame.Opcode(tt.constant)))
		})
	}
}

func TestCloseError(t *testing.T) {
	t.Run("Error message format", func(t *testing.T) {
		err := &CloseError{Code: CloseNormalClosure, Text: "goodbye"}
		assert.Equal(t, "websocket: close 1000 (normal) goodbye", err.Error())
	})

	t.Run("Unknown close code", func(t *testing.T) {
		err := &CloseError{Code: 4000, Text: "custom"}
		assert.Equal(t, "websocket: close 4000 custom", err.Error())
	})

	t.Run("Bad gateway", func(t *testing.T) {
		err := &CloseError{Code: CloseBadGateway}
		assert.Contains(t, err.Error(), "1014 (bad gateway)")
	})
}

func TestReadyStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ReadyState(42).String())
}

func TestConnIdentity(t *testing.T) {
	c, _, _ := newTestConn(t, connOptions{isServer: true})

	assert.Len(t, c.ID(), 36)
	assert.True(t, c.IsServer())
	assert.Equal(t, "chat", c.Subprotocol())
	assert.Empty(t, c.Extensions())
	assert.NotNil(t, c.LocalAddr())
	assert.NotNil(t, c.RemoteAddr())
	assert.Equal(t, StateOpen, c.ReadyState())
	assert.Nil(t, c.CloseStatus())

	other := newConn(connOptions{}, StateConnecting)
	assert.NotEqual(t, c.ID(), other.ID())
	assert.Nil(t, other.LocalAddr())
	assert.Nil(t, other.RemoteAddr())
}

func TestConnReceive(t *testing.T) {
	t.Run("Text message", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true})

		peer.send(frame.OpText, true, []byte("hi"))

		m := rec.waitMessage(t)
		assert.Equal(t, TextMessage, m.messageType)
		assert.Equal(t, []byte("hi"), m.data)
	})

	t.Run("Binary message", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true})

		payload := bytes.Repeat([]byte{0xAB}, 70000)
		peer.send(frame.OpBinary, true, payload)

		m := rec.waitMessage(t)
		assert.Equal(t, BinaryMessage, m.messageType)
		assert.Equal(t, payload, m.data)
	})

	t.Run("Fragmented message", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true})

		peer.send(frame.OpText, false, []byte("hel"))
		peer.send(frame.OpPing, true, []byte("mid"))
		peer.send(frame.OpContinuation, false, []byte("lo "))
		peer.send(frame.OpContinuation, true, []byte("world"))

		m := rec.waitMessage(t)
		assert.Equal(t, TextMessage, m.messageType)
		assert.Equal(t, "hello world", string(m.data))

		pong := peer.next()
		assert.Equal(t, frame.OpPong, pong.Opcode)
		assert.Equal(t, []byte("mid"), pong.Payload)
	})

	t.Run("Byte by byte", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true})

		for _, b := range frame.Encode([]byte("slow"), frame.OpText, true, 0, true) {
			peer.sendRaw([]byte{b})
		}

		m := rec.waitMessage(t)
		assert.Equal(t, "slow", string(m.data))
	})

	t.Run("Client side", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{})

		peer.send(frame.OpText, true, []byte("from server"))

		m := rec.waitMessage(t)
		assert.Equal(t, "from server", string(m.data))
	})
}

func TestConnPingPong(t *testing.T) {
	t.Run("Ping is answered and reported", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true})

		peer.send(frame.OpPing, true, []byte("abc"))

		pong := peer.next()
		assert.Equal(t, frame.OpPong, pong.Opcode)
		assert.True(t, pong.Fin)
		assert.False(t, pong.Masked)
		assert.Equal(t, []byte("abc"), pong.Payload)

		select {
		case data := <-rec.pings:
			assert.Equal(t, []byte("abc"), data)
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for ping")
		}
	})

	t.Run("Round trip between client and server", func(t *testing.T) {
		local, remote := tcpPair(t)

		server := newConn(connOptions{isServer: true}, StateConnecting)
		client := newConn(connOptions{}, StateConnecting)
		serverRec, clientRec := newRecorder(), newRecorder()
		server.SetHandlers(serverRec.handlers())
		client.SetHandlers(clientRec.handlers())
		require.True(t, server.attach(local, nil, "", ""))
		require.True(t, client.attach(remote, nil, "", ""))
		server.start(false)
		client.start(false)

		require.NoError(t, client.Ping([]byte("ping-1")))

		select {
		case data := <-serverRec.pings:
			assert.Equal(t, []byte("ping-1"), data)
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for ping")
		}
		select {
		case data := <-clientRec.pongs:
			assert.Equal(t, []byte("ping-1"), data)
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for pong")
		}
	})

	t.Run("Unsolicited pong is only reported", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true})

		peer.send(frame.OpPong, true, []byte("beat"))

		select {
		case data := <-rec.pongs:
			assert.Equal(t, []byte("beat"), data)
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for pong")
		}
	})
}

func TestConnSend(t *testing.T) {
	t.Run("Server frames are unmasked", func(t *testing.T) {
		c, _, peer := newTestConn(t, connOptions{isServer: true})

		require.NoError(t, c.SendText("hello"))
		require.NoError(t, c.SendBinary([]byte{1, 2, 3}))

		f := peer.next()
		assert.Equal(t, frame.OpText, f.Opcode)
		assert.False(t, f.Masked)
		assert.Equal(t, "hello", string(f.Payload))

		f = peer.next()
		assert.Equal(t, frame.OpBinary, f.Opcode)
		assert.Equal(t, []byte{1, 2, 3}, f.Payload)
		assert.Zero(t, c.BufferedAmount())
	})

	t.Run("Client frames are masked", func(t *testing.T) {
		c, _, peer := newTestConn(t, connOptions{})

		require.NoError(t, c.WriteMessage(TextMessage, []byte("masked")))

		f := peer.next()
		assert.True(t, f.Masked)
		assert.Equal(t, "masked", string(f.Payload))
	})

	t.Run("Invalid message type", func(t *testing.T) {
		c, _, _ := newTestConn(t, connOptions{isServer: true})
		assert.ErrorIs(t, c.WriteMessage(PingMessage, nil), ErrInvalidMessageType)
	})

	t.Run("Control payload too big", func(t *testing.T) {
		c, _, _ := newTestConn(t, connOptions{isServer: true})
		assert.ErrorIs(t, c.Ping(make([]byte, 126)), ErrControlFramePayloadTooBig)
		assert.ErrorIs(t, c.Pong(make([]byte, 126)), ErrControlFramePayloadTooBig)
		assert.NoError(t, c.Ping(make([]byte, 125)))
	})

	t.Run("Not open yet", func(t *testing.T) {
		c := newConn(connOptions{}, StateConnecting)
		assert.ErrorIs(t, c.SendText("x"), ErrNotOpen)
		assert.ErrorIs(t, c.Ping(nil), ErrNotOpen)
	})

	t.Run("Closing", func(t *testing.T) {
		c, _, peer := newTestConn(t, connOptions{isServer: true})

		require.NoError(t, c.Close(CloseNormalClosure, ""))
		assert.Equal(t, StateClosing, c.ReadyState())
		assert.ErrorIs(t, c.SendText("x"), ErrConnectionClosed)
		assert.ErrorIs(t, c.Pong(nil), ErrConnectionClosed)

		f := peer.next()
		assert.Equal(t, frame.OpClose, f.Opcode)
	})
}

func TestConnCloseValidation(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		reason string
		err    error
	}{
		{"No code", 0, "", nil},
		{"Normal", CloseNormalClosure, "bye", nil},
		{"Unsupported data", CloseUnsupportedData, "", nil},
		{"Try again later", CloseTryAgainLater, "", nil},
		{"Application code", 3000, "", nil},
		{"Private code", 4999, "", nil},
		{"Reason without code", 0, "bye", ErrInvalidCloseCode},
		{"No status is reserved", CloseNoStatusReceived, "", ErrInvalidCloseCode},
		{"Abnormal is reserved", CloseAbnormalClosure, "", ErrInvalidCloseCode},
		{"Bad gateway is not sendable", CloseBadGateway, "", ErrInvalidCloseCode},
		{"TLS handshake is reserved", CloseTLSHandshake, "", ErrInvalidCloseCode},
		{"Below range", 999, "", ErrInvalidCloseCode},
		{"Unassigned", 2000, "", ErrInvalidCloseCode},
		{"Above range", 5000, "", ErrInvalidCloseCode},
		{"Reason too long", CloseNormalClosure, strings.Repeat("a", 124), ErrCloseReasonTooLong},
		{"Invalid UTF-8 reason", CloseNormalClosure, "\xff", ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestConn(t, connOptions{isServer: true})

			err := c.Close(tt.code, tt.reason)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Equal(t, StateOpen, c.ReadyState())
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, StateClosing, c.ReadyState())
		})
	}
}

func TestConnCloseHandshake(t *testing.T) {
	t.Run("Local close", func(t *testing.T) {
		c, rec, peer := newTestConn(t, connOptions{isServer: true})

		require.NoError(t, c.Close(CloseNormalClosure, "bye"))

		f := peer.next()
		require.Equal(t, frame.OpClose, f.Opcode)
		assert.Equal(t, FormatCloseMessage(CloseNormalClosure, "bye"), f.Payload)

		peer.send(frame.OpClose, true, FormatCloseMessage(CloseNormalClosure, "ok"))
		peer.waitEOF()
		peer.conn.Close()

		ev := rec.waitClose(t)
		assert.Equal(t, CloseNormalClosure, ev.code)
		assert.Equal(t, "ok", ev.reason)
		assert.Equal(t, StateClosed, c.ReadyState())
		assert.Equal(t, &CloseError{Code: CloseNormalClosure, Text: "ok"}, c.CloseStatus())

		select {
		case <-c.Done():
		case <-time.After(testTimeout):
			t.Fatal("done not closed")
		}
	})

	t.Run("Remote close is echoed", func(t *testing.T) {
		c, rec, peer := newTestConn(t, connOptions{isServer: true})

		peer.send(frame.OpClose, true, FormatCloseMessage(CloseGoingAway, "leaving"))

		f := peer.next()
		require.Equal(t, frame.OpClose, f.Opcode)
		assert.Equal(t, FormatCloseMessage(CloseGoingAway, ""), f.Payload)

		peer.waitEOF()
		peer.conn.Close()

		ev := rec.waitClose(t)
		assert.Equal(t, CloseGoingAway, ev.code)
		assert.Equal(t, "leaving", ev.reason)
		assert.Equal(t, StateClosed, c.ReadyState())
	})

	t.Run("Empty close payload", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true})

		peer.send(frame.OpClose, true, nil)

		f := peer.next()
		require.Equal(t, frame.OpClose, f.Opcode)
		assert.Empty(t, f.Payload)

		peer.conn.Close()
		assert.Equal(t, CloseNoStatusReceived, rec.waitClose(t).code)
	})

	t.Run("Frames after close are ignored", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true})

		var b []byte
		b = append(b, frame.Encode(FormatCloseMessage(CloseNormalClosure, ""), frame.OpClose, true, 0, true)...)
		b = append(b, frame.Encode([]byte("late"), frame.OpText, true, 0, true)...)
		peer.sendRaw(b)

		peer.next()
		peer.conn.Close()
		rec.waitClose(t)
		assert.Empty(t, rec.messages)
	})

	t.Run("Close timeout destroys the transport", func(t *testing.T) {
		c, rec, peer := newTestConn(t, connOptions{isServer: true})

		start := time.Now()
		require.NoError(t, c.CloseWithTimeout(CloseNormalClosure, "", 100*time.Millisecond))
		peer.next()

		ev := rec.waitClose(t)
		assert.Equal(t, CloseAbnormalClosure, ev.code)
		assert.Equal(t, StateClosed, c.ReadyState())
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("Close twice", func(t *testing.T) {
		c, _, peer := newTestConn(t, connOptions{isServer: true})

		require.NoError(t, c.Close(CloseNormalClosure, ""))
		require.NoError(t, c.Close(CloseGoingAway, ""))

		f := peer.next()
		assert.Equal(t, FormatCloseMessage(CloseNormalClosure, ""), f.Payload)
	})

	t.Run("Peer disconnect without close frame", func(t *testing.T) {
		c, rec, peer := newTestConn(t, connOptions{isServer: true})

		peer.conn.Close()

		ev := rec.waitClose(t)
		assert.Equal(t, CloseAbnormalClosure, ev.code)
		assert.Equal(t, &CloseError{Code: CloseAbnormalClosure}, c.CloseStatus())
		assert.Empty(t, rec.errors)
	})
}

func TestConnProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		code int
	}{
		{
			name: "Unmasked client frame",
			data: frame.Encode([]byte("x"), frame.OpText, true, 0, false),
			code: CloseProtocolError,
		},
		{
			name: "Reserved bits",
			data: frame.Encode([]byte("x"), frame.OpText, true, frame.Rsv1, true),
			code: CloseProtocolError,
		},
		{
			name: "Close frame with length 1",
			data: frame.Encode([]byte{0x03}, frame.OpClose, true, 0, true),
			code: CloseProtocolError,
		},
		{
			name: "Invalid received close code",
			data: frame.Encode(FormatCloseMessage(CloseAbnormalClosure, ""), frame.OpClose, true, 0, true),
			code: CloseProtocolError,
		},
		{
			name: "Invalid UTF-8 text",
			data: frame.Encode([]byte{0xff, 0xfe}, frame.OpText, true, 0, true),
			code: CloseInvalidFramePayloadData,
		},
		{
			name: "Invalid UTF-8 close reason",
			data: frame.Encode(append(FormatCloseMessage(CloseNormalClosure, ""), 0xff), frame.OpClose, true, 0, true),
			code: CloseInvalidFramePayloadData,
		},
		{
			name: "Unrepresentable length",
			data: []byte{0x82, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00},
			code: CloseMessageTooBig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec, peer := newTestConn(t, connOptions{isServer: true})

			peer.sendRaw(tt.data)

			err := rec.waitError(t)
			var perr *frame.ProtocolError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.code, perr.Code)

			f := peer.next()
			require.Equal(t, frame.OpClose, f.Opcode)
			code, _, err := parseClosePayload(f.Payload)
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, StateClosing, c.ReadyState())

			peer.send(frame.OpText, true, []byte("discarded"))
			peer.conn.Close()

			assert.Equal(t, CloseAbnormalClosure, rec.waitClose(t).code)
			assert.Empty(t, rec.messages)
		})
	}

	t.Run("Message too big", func(t *testing.T) {
		_, rec, peer := newTestConn(t, connOptions{isServer: true, maxMessageSize: 8})

		peer.send(frame.OpBinary, false, []byte("12345"))
		peer.send(frame.OpContinuation, true, []byte("6789"))

		err := rec.waitError(t)
		assert.Equal(t, CloseMessageTooBig, frame.CloseCode(err))

		f := peer.next()
		code, _, _ := parseClosePayload(f.Payload)
		assert.Equal(t, CloseMessageTooBig, code)
	})
}

func TestConnDestroy(t *testing.T) {
	t.Run("With error", func(t *testing.T) {
		c, rec, _ := newTestConn(t, connOptions{isServer: true})
		boom := errors.New("boom")

		c.Destroy(boom)
		assert.Equal(t, StateClosed, c.ReadyState())

		assert.Equal(t, boom, rec.waitError(t))
		assert.Equal(t, CloseAbnormalClosure, rec.waitClose(t).code)
	})

	t.Run("Idempotent", func(t *testing.T) {
		c, rec, _ := newTestConn(t, connOptions{isServer: true})

		c.Destroy(nil)
		c.Destroy(errors.New("second"))
		c.Destroy(nil)

		assert.Equal(t, CloseAbnormalClosure, rec.waitClose(t).code)
		<-c.Done()
		assert.Empty(t, rec.errors)
		assert.Empty(t, rec.closed)
	})

	t.Run("Stops the close timer", func(t *testing.T) {
		c, rec, _ := newTestConn(t, connOptions{isServer: true, closeTimeout: time.Hour})

		require.NoError(t, c.Close(CloseNormalClosure, ""))
		c.Destroy(nil)
		rec.waitClose(t)

		c.mu.Lock()
		defer c.mu.Unlock()
		assert.Nil(t, c.closeTimer)
	})

	t.Run("Send after destroy", func(t *testing.T) {
		c, _, _ := newTestConn(t, connOptions{isServer: true})

		c.Destroy(nil)
		assert.ErrorIs(t, c.SendText("x"), ErrConnectionClosed)
		assert.NoError(t, c.Close(CloseNormalClosure, ""))
	})
}

func TestConnAllowReservedBits(t *testing.T) {
	local, remote := tcpPair(t)

	c := newConn(connOptions{isServer: true}, StateConnecting)
	rec := newRecorder()
	c.SetHandlers(rec.handlers())
	require.True(t, c.attach(local, nil, "", "x-test"))
	c.AllowReservedBits(frame.Rsv1)
	c.start(false)

	_, err := remote.Write(frame.Encode([]byte("ext"), frame.OpText, true, frame.Rsv1, true))
	require.NoError(t, err)

	m := rec.waitMessage(t)
	assert.Equal(t, "ext", string(m.data))
	assert.Equal(t, "x-test", c.Extensions())
}
