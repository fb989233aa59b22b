package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const unsupportedVersionMessage = "unsupported version"

// HandshakeError describes a failed opening handshake. On the server it
// carries the HTTP status the request was rejected with; on the client it
// carries the status of the response that failed validation.
type HandshakeError struct {
	Status  int
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Status == 0 {
		return "websocket: bad handshake: " + e.Message
	}
	return "websocket: bad handshake (" + strconv.Itoa(e.Status) + "): " + e.Message
}

func (e *HandshakeError) Unwrap() error {
	return ErrBadHandshake
}

// Server accepts WebSocket connections and tracks the open ones.
//
// Server implements http.Handler, so it can be mounted on any http.Server;
// Start runs an owned listener on Addr instead.
type Server struct {
	// Addr is the TCP address Start listens on.
	Addr string

	// Path, when set, must equal the request path exactly.
	Path string

	// HandshakeTimeout bounds writing the handshake response.
	HandshakeTimeout time.Duration

	// ReadBufferSize is the size of each transport read.
	ReadBufferSize int

	// MaxMessageSize limits a message's total payload. 0 means no limit.
	MaxMessageSize int64

	// CloseTimeout bounds the closing handshake. 0 means 30 seconds and a
	// negative value disables the timer.
	CloseTimeout time.Duration

	// SelectProtocol picks the subprotocol from the client's offer. It must
	// return one of the offered values or "". The default picks the first.
	SelectProtocol func(offered []string) string

	// Extension negotiates an optional protocol extension.
	Extension Extension

	// Verify can reject a request after protocol validation. Returning a
	// *HandshakeError chooses the status; other errors give 401.
	Verify func(ctx context.Context, r *http.Request) error

	// OnListening is called once Start has bound its listener.
	OnListening func(addr net.Addr)

	// OnConnection is called for every accepted connection before its read
	// loop starts; set the connection's Handlers here.
	OnConnection func(c *Conn, r *http.Request)

	// OnError receives listener failures.
	OnError func(err error)

	Logger  *zerolog.Logger
	Metrics *Metrics

	mu         sync.Mutex
	clients    map[*Conn]struct{}
	httpServer *http.Server
	listener   net.Listener
	closed     bool
}

// Start listens on Addr and serves upgrade requests in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	logger := s.logger()
	logger.Info().Str("addr", ln.Addr().String()).Msg("websocket server listening")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("websocket server stopped")
			if s.OnError != nil {
				s.OnError(err)
			}
		}
	}()

	if s.OnListening != nil {
		s.OnListening(ln.Addr())
	}
	return nil
}

// Address returns the address of the owned listener, or nil when Start has
// not been called.
func (s *Server) Address() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP upgrades the request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = s.Upgrade(w, r)
}

// Upgrade performs the server-side opening handshake per RFC 6455,
// section 4.2. On failure the response has already been written.
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	logger := s.logger()

	subprotocol, extensions, err := s.validate(r)
	if err != nil {
		s.reject(w, r, err)
		return nil, err
	}

	h, ok := w.(http.Hijacker)
	if !ok {
		err := &HandshakeError{Status: http.StatusInternalServerError, Message: "response does not implement http.Hijacker"}
		s.reject(w, r, err)
		return nil, err
	}

	netConn, brw, err := h.Hijack()
	if err != nil {
		s.Metrics.handshake("server", "error")
		logger.Warn().Err(err).Msg("hijack failed")
		return nil, err
	}

	if s.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(s.HandshakeTimeout))
	}

	// Send server handshake response per RFC 6455, section 4.2.2.
	buf := brw.Writer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: ")
	buf.WriteString(computeAcceptKey(r.Header.Get("Sec-WebSocket-Key")))
	buf.WriteString("\r\n")

	if subprotocol != "" {
		buf.WriteString("Sec-WebSocket-Protocol: ")
		buf.WriteString(subprotocol)
		buf.WriteString("\r\n")
	}

	if extensions != "" {
		buf.WriteString("Sec-WebSocket-Extensions: ")
		buf.WriteString(extensions)
		buf.WriteString("\r\n")
	}

	buf.WriteString("\r\n")

	if err := buf.Flush(); err != nil {
		netConn.Close()
		s.Metrics.handshake("server", "error")
		logger.Warn().Err(err).Msg("writing handshake response failed")
		return nil, err
	}

	if s.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Time{})
	}

	conn := newConn(connOptions{
		isServer:       true,
		readBufferSize: s.ReadBufferSize,
		maxMessageSize: s.MaxMessageSize,
		closeTimeout:   s.CloseTimeout,
		logger:         s.Logger,
		metrics:        s.Metrics,
	}, StateConnecting)

	// Use the buffered reader if there's buffered data from the HTTP request.
	// This ensures any data read-ahead by the HTTP server is not lost.
	var reader io.Reader
	if brw.Reader.Buffered() > 0 {
		reader = brw.Reader
	}
	conn.attach(netConn, reader, subprotocol, extensions)

	if extensions != "" {
		s.Extension.Apply(conn)
	}

	if !s.add(conn) {
		// The read loop still runs so the connection reaches its final state.
		conn.Destroy(nil)
		conn.start(false)
		return nil, http.ErrServerClosed
	}

	s.Metrics.handshake("server", "accepted")
	conn.logger.Debug().
		Str("remote_addr", netConn.RemoteAddr().String()).
		Str("subprotocol", subprotocol).
		Msg("connection accepted")

	if s.OnConnection != nil {
		s.OnConnection(conn, r)
	}
	conn.start(true)

	return conn, nil
}

// validate checks the upgrade request in the order the statuses are
// assigned and returns the negotiated subprotocol and extension response.
func (s *Server) validate(r *http.Request) (string, string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", "", &HandshakeError{Status: http.StatusServiceUnavailable, Message: "server is closed"}
	}

	if r.Method != http.MethodGet {
		return "", "", &HandshakeError{Status: http.StatusMethodNotAllowed, Message: "method must be GET"}
	}

	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return "", "", &HandshakeError{Status: http.StatusBadRequest, Message: "missing websocket token in Upgrade header"}
	}

	if s.Path != "" && r.URL.Path != s.Path {
		return "", "", &HandshakeError{Status: http.StatusBadRequest, Message: "unexpected path"}
	}

	// Check WebSocket version per RFC 6455, section 4.2.1, item 6.
	switch r.Header.Get("Sec-WebSocket-Version") {
	case websocketVersion, "8":
	default:
		return "", "", &HandshakeError{Status: http.StatusBadRequest, Message: unsupportedVersionMessage}
	}

	// Validate challenge key per RFC 6455, section 4.2.1, item 5.
	if !challengeKeyPattern.MatchString(r.Header.Get("Sec-WebSocket-Key")) {
		return "", "", &HandshakeError{Status: http.StatusBadRequest, Message: "invalid Sec-WebSocket-Key"}
	}

	offered, ok := parseProtocols(r.Header.Values("Sec-WebSocket-Protocol"))
	if !ok {
		return "", "", &HandshakeError{Status: http.StatusBadRequest, Message: "invalid Sec-WebSocket-Protocol header"}
	}

	extensions, err := negotiateExtension(s.Extension, r.Header)
	if err != nil {
		return "", "", &HandshakeError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	if s.Verify != nil {
		if err := s.Verify(r.Context(), r); err != nil {
			var herr *HandshakeError
			if errors.As(err, &herr) {
				return "", "", herr
			}
			return "", "", &HandshakeError{Status: http.StatusUnauthorized, Message: err.Error()}
		}
	}

	return s.selectSubprotocol(offered), extensions, nil
}

func (s *Server) selectSubprotocol(offered []string) string {
	if len(offered) == 0 {
		return ""
	}
	if s.SelectProtocol == nil {
		return offered[0]
	}
	selected := s.SelectProtocol(offered)
	for _, p := range offered {
		if p == selected {
			return selected
		}
	}
	return ""
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadRequest
	var herr *HandshakeError
	if errors.As(err, &herr) && herr.Status != 0 {
		status = herr.Status
	}

	s.Metrics.handshake("server", "rejected")
	logger := s.logger()
	logger.Debug().
		Err(err).
		Int("status", status).
		Str("remote_addr", r.RemoteAddr).
		Msg("handshake rejected")

	w.Header().Set("Connection", "close")
	if status == http.StatusBadRequest && herr != nil && herr.Message == unsupportedVersionMessage {
		w.Header().Set("Sec-WebSocket-Version", "13, 8")
	}
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) add(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.clients == nil {
		s.clients = make(map[*Conn]struct{})
	}
	s.clients[c] = struct{}{}

	c.mu.Lock()
	c.onTeardown = s.remove
	c.mu.Unlock()
	return true
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Clients returns a snapshot of the tracked connections.
func (s *Server) Clients() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := make([]*Conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

// Len returns the number of tracked connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast sends one message to every open connection. The frame is
// encoded once and written to the connections concurrently. The first
// write error is returned after all writes finish.
func (s *Server) Broadcast(messageType int, data []byte) error {
	pm, err := NewPreparedMessage(messageType, data)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, c := range s.Clients() {
		if c.ReadyState() != StateOpen {
			continue
		}
		g.Go(func() error {
			return c.WritePreparedMessage(pm)
		})
	}
	return g.Wait()
}

// Close destroys every connection, clears the set and closes the owned
// listener. Later upgrade requests are rejected with 503.
func (s *Server) Close() error {
	clients, srv := s.shutdown()
	for _, c := range clients {
		c.Destroy(nil)
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// Shutdown runs the closing handshake with every connection using
// CloseGoingAway and waits until they are closed or ctx is done. Remaining
// connections are then destroyed.
func (s *Server) Shutdown(ctx context.Context) error {
	clients, srv := s.shutdown()
	for _, c := range clients {
		_ = c.Close(CloseGoingAway, "server shutdown")
	}

	var err error
	for _, c := range clients {
		select {
		case <-c.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}

	for _, c := range clients {
		c.Destroy(nil)
	}
	if srv != nil {
		if cerr := srv.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) shutdown() ([]*Conn, *http.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	clients := make([]*Conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	clear(s.clients)
	srv := s.httpServer
	s.httpServer = nil
	return clients, srv
}

func (s *Server) logger() *zerolog.Logger {
	l := loggerOrNop(s.Logger)
	return &l
}
