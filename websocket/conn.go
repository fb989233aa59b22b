package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalvas/wsengine/frame"
)

// Message types defined in RFC 6455, section 11.8.
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8
	PingMessage   = 9
	PongMessage   = 10
)

// Close codes defined in RFC 6455, section 7.4.1.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseServiceRestart          = 1012
	CloseTryAgainLater           = 1013
	CloseBadGateway              = 1014
	CloseTLSHandshake            = 1015
)

const (
	defaultReadBufferSize = 4096
	defaultCloseTimeout   = 30 * time.Second

	// A close frame payload is a 2-byte code plus the reason, within the
	// 125 byte control frame limit.
	maxCloseReasonSize = frame.MaxControlPayload - 2
)

// Errors returned by the websocket package.
var (
	ErrNotOpen                   = errors.New("websocket: connection is not open yet")
	ErrConnectionClosed          = errors.New("websocket: connection is closing or closed")
	ErrClosedBeforeEstablished   = errors.New("websocket: connection closed before it was established")
	ErrBadHandshake              = errors.New("websocket: bad handshake")
	ErrInvalidMessageType        = errors.New("websocket: invalid message type")
	ErrInvalidCloseCode          = errors.New("websocket: invalid close code")
	ErrCloseReasonTooLong        = errors.New("websocket: close reason too long")
	ErrInvalidUTF8               = errors.New("websocket: invalid UTF-8 payload")
	ErrControlFramePayloadTooBig = errors.New("websocket: control frame payload too big")
	ErrTooManyRedirects          = errors.New("websocket: maximum redirects exceeded")
)

// CloseError is the close code and reason a connection ended with.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return "websocket: close " + closeCodeString(e.Code) + " " + e.Text
}

func closeCodeString(code int) string {
	switch code {
	case CloseNormalClosure:
		return "1000 (normal)"
	case CloseGoingAway:
		return "1001 (going away)"
	case CloseProtocolError:
		return "1002 (protocol error)"
	case CloseUnsupportedData:
		return "1003 (unsupported data)"
	case CloseNoStatusReceived:
		return "1005 (no status)"
	case CloseAbnormalClosure:
		return "1006 (abnormal closure)"
	case CloseInvalidFramePayloadData:
		return "1007 (invalid payload)"
	case ClosePolicyViolation:
		return "1008 (policy violation)"
	case CloseMessageTooBig:
		return "1009 (message too big)"
	case CloseMandatoryExtension:
		return "1010 (mandatory extension)"
	case CloseInternalServerErr:
		return "1011 (internal server error)"
	case CloseServiceRestart:
		return "1012 (service restart)"
	case CloseTryAgainLater:
		return "1013 (try again later)"
	case CloseBadGateway:
		return "1014 (bad gateway)"
	case CloseTLSHandshake:
		return "1015 (TLS handshake)"
	default:
		return strconv.Itoa(code)
	}
}

// Handlers are the notifications a Conn delivers. All of them are called
// from the connection's read goroutine, one at a time. OnClose is always the
// last notification; Done is closed after it returns.
type Handlers struct {
	OnOpen    func()
	OnMessage func(messageType int, data []byte)
	OnPing    func(data []byte)
	OnPong    func(data []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

type connOptions struct {
	isServer       bool
	readBufferSize int
	maxMessageSize int64
	closeTimeout   time.Duration
	logger         *zerolog.Logger
	metrics        *Metrics
}

// Conn is one WebSocket connection. It owns its transport exclusively.
//
// Send methods may be called from any goroutine. Incoming frames are decoded
// by a single read goroutine which also dispatches every Handlers callback.
type Conn struct {
	id       string
	isServer bool
	logger   zerolog.Logger
	metrics  *Metrics

	readBufferSize int
	closeTimeout   time.Duration

	netConn net.Conn
	reader  io.Reader

	subprotocol string
	extensions  string

	mu                 sync.Mutex
	state              ReadyState
	handlers           Handlers
	opened             bool
	closeFrameSent     bool
	closeFrameReceived bool
	closeCode          int
	closeReason        string
	closeTimer         *time.Timer
	transportEnded     bool
	destroyErr         error
	cancelHandshake    context.CancelFunc
	onTeardown         func(*Conn)

	writeMu  sync.Mutex
	buffered atomic.Int64

	// Owned by the read goroutine.
	decoder *frame.Decoder
	message messageBuffer
	discard bool

	done chan struct{}
}

func newConn(opts connOptions, state ReadyState) *Conn {
	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}
	switch {
	case opts.closeTimeout == 0:
		opts.closeTimeout = defaultCloseTimeout
	case opts.closeTimeout < 0:
		opts.closeTimeout = 0
	}

	masking := frame.MaskForbidden
	role := "client"
	if opts.isServer {
		masking = frame.MaskRequired
		role = "server"
	}

	id := uuid.Must(uuid.NewV7()).String()
	base := loggerOrNop(opts.logger)

	return &Conn{
		id:             id,
		isServer:       opts.isServer,
		logger:         base.With().Str("conn_id", id).Str("role", role).Logger(),
		metrics:        opts.metrics,
		readBufferSize: opts.readBufferSize,
		closeTimeout:   opts.closeTimeout,
		state:          state,
		decoder: frame.NewDecoder(frame.DecoderOptions{
			MaxMessageSize: opts.maxMessageSize,
			Masking:        masking,
		}),
		done: make(chan struct{}),
	}
}

// attach binds an upgraded transport and moves the connection to
// StateOpen. It reports false when the connection was closed in the
// meantime.
func (c *Conn) attach(netConn net.Conn, reader io.Reader, subprotocol, extensions string) bool {
	if reader == nil {
		reader = netConn
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting && c.state != StateOpen {
		return false
	}

	c.netConn = netConn
	c.reader = reader
	c.subprotocol = subprotocol
	c.extensions = extensions
	c.state = StateOpen
	c.opened = true
	c.cancelHandshake = nil
	c.metrics.connOpened()
	return true
}

// ID returns the unique identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Subprotocol returns the negotiated subprotocol for the connection.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Extensions returns the negotiated Sec-WebSocket-Extensions value.
func (c *Conn) Extensions() string {
	return c.extensions
}

// IsServer reports whether this is the server side of the connection.
func (c *Conn) IsServer() bool {
	return c.isServer
}

// ReadyState returns the current lifecycle state.
func (c *Conn) ReadyState() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BufferedAmount returns the number of bytes handed to transport writes that
// have not completed yet. The connection does not throttle senders.
func (c *Conn) BufferedAmount() int64 {
	return c.buffered.Load()
}

// LocalAddr returns the local network address, or nil before the
// connection is established.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.netConn == nil {
		return nil
	}
	return c.netConn.LocalAddr()
}

// RemoteAddr returns the remote network address, or nil before the
// connection is established.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.netConn == nil {
		return nil
	}
	return c.netConn.RemoteAddr()
}

// Done returns a channel that is closed once the connection is closed and
// OnClose has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseStatus returns the code and reason the connection closed with, or
// nil while it is not closed.
func (c *Conn) CloseStatus() *CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return nil
	}
	code := CloseAbnormalClosure
	if c.closeFrameReceived {
		code = c.closeCode
	}
	return &CloseError{Code: code, Text: c.closeReason}
}

// SetHandlers replaces the notification handlers.
func (c *Conn) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *Conn) getHandlers() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// AllowReservedBits lets incoming data frames carry the given RSV bits
// (frame.Rsv1, frame.Rsv2, frame.Rsv3). It is meant for Extension.Apply,
// which runs before the first frame is read.
func (c *Conn) AllowReservedBits(bits byte) {
	c.decoder.SetReservedBits(bits)
}

// WriteMessage sends data as a single text or binary frame.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	if messageType != TextMessage && messageType != BinaryMessage {
		return ErrInvalidMessageType
	}
	if err := c.checkWritable(); err != nil {
		return err
	}
	if err := c.writeFrame(frame.Opcode(messageType), data); err != nil {
		return err
	}
	c.metrics.messageSent(messageType)
	return nil
}

// SendText sends s as a text message.
func (c *Conn) SendText(s string) error {
	return c.WriteMessage(TextMessage, []byte(s))
}

// SendBinary sends data as a binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.WriteMessage(BinaryMessage, data)
}

// Ping sends a ping control frame.
func (c *Conn) Ping(data []byte) error {
	return c.writeControl(frame.OpPing, data)
}

// Pong sends an unsolicited pong control frame.
func (c *Conn) Pong(data []byte) error {
	return c.writeControl(frame.OpPong, data)
}

func (c *Conn) writeControl(op frame.Opcode, data []byte) error {
	if len(data) > frame.MaxControlPayload {
		return ErrControlFramePayloadTooBig
	}
	if err := c.checkWritable(); err != nil {
		return err
	}
	return c.writeFrame(op, data)
}

func (c *Conn) checkWritable() error {
	switch c.ReadyState() {
	case StateConnecting:
		return ErrNotOpen
	case StateOpen:
		return nil
	default:
		return ErrConnectionClosed
	}
}

// writeFrame encodes a final frame, masked on the client side as required
// by RFC 6455, section 5.3.
func (c *Conn) writeFrame(op frame.Opcode, payload []byte) error {
	return c.writeRaw(frame.Encode(payload, op, true, 0, !c.isServer))
}

func (c *Conn) writeRaw(b []byte) error {
	n := int64(len(b))
	c.buffered.Add(n)
	defer c.buffered.Add(-n)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.netConn.Write(b)
	return err
}

// Close starts the closing handshake with the configured close timeout.
// See CloseWithTimeout.
func (c *Conn) Close(code int, reason string) error {
	return c.CloseWithTimeout(code, reason, c.closeTimeout)
}

// CloseWithTimeout sends a close frame and moves the connection to
// StateClosing. A code of 0 sends a close frame without a status code;
// otherwise code must be 1000-1003, 1007-1013 or 3000-4999 and reason at
// most 123 bytes of UTF-8. When timeout is positive and the peer does not
// complete the handshake in time, the transport is destroyed.
//
// Closing a connection that is still connecting aborts the handshake.
func (c *Conn) CloseWithTimeout(code int, reason string, timeout time.Duration) error {
	switch {
	case code == 0 && reason != "":
		return ErrInvalidCloseCode
	case code != 0 && !isValidCloseCode(code):
		return ErrInvalidCloseCode
	case len(reason) > maxCloseReasonSize:
		return ErrCloseReasonTooLong
	case !utf8.ValidString(reason):
		return ErrInvalidUTF8
	}
	return c.close(code, reason, timeout)
}

func (c *Conn) close(code int, reason string, timeout time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.abortLocked(nil)
		c.mu.Unlock()
		return nil
	case StateClosing:
		both := c.closeFrameSent && c.closeFrameReceived
		c.mu.Unlock()
		if both {
			c.endTransport()
		}
		return nil
	}

	c.state = StateClosing
	c.closeFrameSent = true
	received := c.closeFrameReceived
	if timeout > 0 && c.closeTimer == nil {
		c.closeTimer = time.AfterFunc(timeout, c.closeTimedOut)
	}
	c.mu.Unlock()

	c.logger.Debug().Int("code", code).Msg("sending close frame")

	err := c.writeFrame(frame.OpClose, FormatCloseMessage(code, reason))
	if err != nil {
		c.Destroy(err)
		return err
	}
	if received {
		c.endTransport()
	}
	return nil
}

func (c *Conn) closeTimedOut() {
	c.logger.Warn().Dur("timeout", c.closeTimeout).Msg("close handshake timed out")
	c.Destroy(nil)
}

// Destroy tears the connection down immediately: pending timers are
// stopped, the transport is closed and no further frames are dispatched.
// Outbound data still queued in the transport may be lost. err, when not
// nil, is delivered to OnError before OnClose. Destroy is idempotent.
func (c *Conn) Destroy(err error) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateConnecting:
		c.abortLocked(err)
		c.mu.Unlock()
		return
	}

	c.state = StateClosed
	c.destroyErr = err
	c.stopTimerLocked()
	netConn := c.netConn
	c.mu.Unlock()

	_ = netConn.Close()
}

// abortLocked closes a connection whose handshake is still running. The
// handshake goroutine delivers the notifications.
func (c *Conn) abortLocked(err error) {
	if err == nil {
		err = ErrClosedBeforeEstablished
	}
	c.state = StateClosed
	c.destroyErr = err
	if c.cancelHandshake != nil {
		c.cancelHandshake()
	}
}

func (c *Conn) stopTimerLocked() {
	if c.closeTimer != nil {
		c.closeTimer.Stop()
		c.closeTimer = nil
	}
}

// endTransport signals the end of our side of the transport. A half-close
// is used when the transport supports it, so the peer's final bytes can
// still be read.
func (c *Conn) endTransport() {
	c.mu.Lock()
	if c.transportEnded {
		c.mu.Unlock()
		return
	}
	c.transportEnded = true
	netConn := c.netConn
	c.mu.Unlock()

	if cw, ok := netConn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	_ = netConn.Close()
}

func (c *Conn) start(dispatchOpen bool) {
	go c.readLoop(dispatchOpen)
}

func (c *Conn) readLoop(dispatchOpen bool) {
	if dispatchOpen {
		if h := c.getHandlers(); h.OnOpen != nil {
			h.OnOpen()
		}
	}

	for {
		buf := make([]byte, c.readBufferSize)
		n, err := c.reader.Read(buf)
		if n > 0 {
			c.receive(buf[:n])
		}
		if err != nil {
			c.finish(err)
			return
		}
	}
}

func (c *Conn) receive(chunk []byte) {
	if c.discard || c.ReadyState() == StateClosed {
		return
	}

	frames, err := c.decoder.Feed(chunk)
	for _, f := range frames {
		if !c.handleFrame(f) {
			return
		}
	}
	if err != nil {
		c.fail(err)
	}
}

// handleFrame processes one decoded frame and reports whether later frames
// should still be processed.
func (c *Conn) handleFrame(f frame.Frame) bool {
	if c.ReadyState() == StateClosed {
		return false
	}

	switch f.Opcode {
	case frame.OpText, frame.OpBinary, frame.OpContinuation:
		c.message.push(f)
		if !f.Fin {
			return true
		}
		messageType, data := c.message.take()
		if messageType == TextMessage && !utf8.Valid(data) {
			c.fail(&frame.ProtocolError{Code: CloseInvalidFramePayloadData, Err: ErrInvalidUTF8})
			return false
		}
		c.metrics.messageReceived(messageType)
		if h := c.getHandlers(); h.OnMessage != nil {
			h.OnMessage(messageType, data)
		}

	case frame.OpPing:
		if c.ReadyState() == StateOpen {
			if err := c.writeFrame(frame.OpPong, f.Payload); err != nil {
				c.logger.Debug().Err(err).Msg("pong write failed")
			}
		}
		if h := c.getHandlers(); h.OnPing != nil {
			h.OnPing(f.Payload)
		}

	case frame.OpPong:
		if h := c.getHandlers(); h.OnPong != nil {
			h.OnPong(f.Payload)
		}

	case frame.OpClose:
		c.discard = true
		code, reason, err := parseClosePayload(f.Payload)
		if err != nil {
			c.fail(err)
			return false
		}
		c.receivedClose(code, reason)
		return false
	}

	return true
}

// fail handles a protocol violation found while reading: the error is
// reported, later input is discarded and the connection is closed with the
// error's close code.
func (c *Conn) fail(err error) {
	c.discard = true
	c.message.reset()

	code := frame.CloseCode(err)
	if code == 0 {
		code = CloseProtocolError
	}
	c.logger.Debug().Err(err).Int("code", code).Msg("protocol error")

	if h := c.getHandlers(); h.OnError != nil {
		h.OnError(err)
	}
	_ = c.close(code, "", c.closeTimeout)
}

func (c *Conn) receivedClose(code int, reason string) {
	c.mu.Lock()
	c.closeFrameReceived = true
	c.closeCode = code
	c.closeReason = reason
	sent := c.closeFrameSent
	c.mu.Unlock()

	c.logger.Debug().Int("code", code).Str("reason", reason).Msg("close frame received")

	if sent {
		c.endTransport()
		return
	}

	echo := code
	if code == CloseNoStatusReceived {
		echo = 0
	}
	_ = c.close(echo, "", c.closeTimeout)
}

// finish runs once the transport can no longer be read. It moves the
// connection to StateClosed, releases buffered state and delivers the final
// notifications.
func (c *Conn) finish(readErr error) {
	c.mu.Lock()
	prev := c.state
	c.state = StateClosed
	c.stopTimerLocked()

	code := CloseAbnormalClosure
	if c.closeFrameReceived {
		code = c.closeCode
	}
	reason := c.closeReason
	err := c.destroyErr
	if err == nil && prev == StateOpen && !c.transportEnded && !errors.Is(readErr, io.EOF) {
		err = readErr
	}
	opened := c.opened
	teardown := c.onTeardown
	h := c.handlers
	c.mu.Unlock()

	_ = c.netConn.Close()
	c.decoder.Reset()
	c.message.reset()

	if err != nil {
		c.logger.Warn().Err(err).Msg("connection failed")
	}
	c.logger.Debug().Int("code", code).Msg("connection closed")

	if opened {
		c.metrics.connClosed(code)
	}
	if teardown != nil {
		teardown(c)
	}

	if err != nil && h.OnError != nil {
		h.OnError(err)
	}
	if h.OnClose != nil {
		h.OnClose(code, reason)
	}
	close(c.done)
}

// failHandshake closes a connection whose handshake did not complete.
func (c *Conn) failHandshake(err error) {
	c.mu.Lock()
	if c.state == StateClosed && c.destroyErr != nil {
		err = c.destroyErr
	}
	c.state = StateClosed
	c.cancelHandshake = nil
	h := c.handlers
	c.mu.Unlock()

	c.logger.Debug().Err(err).Msg("handshake failed")

	if h.OnError != nil {
		h.OnError(err)
	}
	if h.OnClose != nil {
		h.OnClose(CloseAbnormalClosure, "")
	}
	close(c.done)
}

func loggerOrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}
