package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxRedirects = 9

// DefaultDialer is a dialer with all fields set to the default values.
var DefaultDialer = &Dialer{}

// Dialer contains options for connecting to WebSocket server.
type Dialer struct {
	// NetDialContext specifies the dial function for creating TCP connections with context.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// NetDialTLSContext specifies the dial function for creating TLS connections with context.
	NetDialTLSContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClientConfig specifies the TLS configuration to use with tls.Client.
	TLSClientConfig *tls.Config

	// HandshakeTimeout specifies the duration for the handshake to complete,
	// redirects included.
	HandshakeTimeout time.Duration

	// Subprotocols specifies the client's requested subprotocols.
	Subprotocols []string

	// Extension is offered to the server when set.
	Extension Extension

	// MaxRedirects limits how many 3xx responses are followed. 0 means 9
	// and a negative value disables following.
	MaxRedirects int

	// CloseTimeout bounds the closing handshake. 0 means 30 seconds and a
	// negative value disables the timer.
	CloseTimeout time.Duration

	// MaxMessageSize limits a message's total payload. 0 means no limit.
	MaxMessageSize int64

	// ReadBufferSize is the size of each transport read.
	ReadBufferSize int

	// Jar specifies the cookie jar.
	Jar http.CookieJar

	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Dial creates a new client connection to the WebSocket server.
func (d *Dialer) Dial(urlStr string, h Handlers) (*Conn, *http.Response, error) {
	return d.DialContext(context.Background(), urlStr, nil, h)
}

// DialContext performs the opening handshake per RFC 6455, section 4.1 and
// returns an open connection. OnOpen is dispatched from the connection's
// read goroutine. On failure no handler is called and the socket is closed.
func (d *Dialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header, h Handlers) (*Conn, *http.Response, error) {
	c := d.newConn(h)

	resp, err := d.handshake(ctx, c, urlStr, requestHeader)
	if err != nil {
		return nil, resp, err
	}

	c.start(true)
	return c, resp, nil
}

// Connect starts the opening handshake in the background and returns a
// connection in StateConnecting. On success OnOpen is dispatched; on failure
// OnError and then OnClose with CloseAbnormalClosure. Closing the returned
// connection before it opens aborts the handshake.
func (d *Dialer) Connect(ctx context.Context, urlStr string, requestHeader http.Header, h Handlers) *Conn {
	c := d.newConn(h)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelHandshake = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()

		if _, err := d.handshake(ctx, c, urlStr, requestHeader); err != nil {
			c.failHandshake(err)
			return
		}
		c.readLoop(true)
	}()

	return c
}

func (d *Dialer) newConn(h Handlers) *Conn {
	c := newConn(connOptions{
		readBufferSize: d.ReadBufferSize,
		maxMessageSize: d.MaxMessageSize,
		closeTimeout:   d.CloseTimeout,
		logger:         d.Logger,
		metrics:        d.Metrics,
	}, StateConnecting)
	c.handlers = h
	return c
}

// handshake dials urlStr, follows redirects and attaches the upgraded
// transport to c.
func (d *Dialer) handshake(ctx context.Context, c *Conn, urlStr string, requestHeader http.Header) (*http.Response, error) {
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	if err := normalizeURL(u); err != nil {
		return nil, err
	}

	header := requestHeader.Clone()
	if header == nil {
		header = make(http.Header)
	}

	follow := d.MaxRedirects >= 0
	budget := d.MaxRedirects
	if budget == 0 {
		budget = defaultMaxRedirects
	}

	for {
		res, err := d.attempt(ctx, u, header)
		if err != nil {
			d.Metrics.handshake("client", "error")
			if res != nil {
				return res.resp, err
			}
			return nil, err
		}

		location := res.resp.Header.Get("Location")
		if follow && isRedirect(res.resp.StatusCode) && location != "" {
			res.netConn.Close()

			if budget == 0 {
				d.Metrics.handshake("client", "rejected")
				return res.resp, ErrTooManyRedirects
			}
			budget--

			next, err := u.Parse(location)
			if err != nil {
				return res.resp, err
			}
			if err := normalizeURL(next); err != nil {
				return res.resp, err
			}
			if next.Host != u.Host {
				header.Del("Authorization")
				header.Del("Cookie")
			}

			c.logger.Debug().Str("location", next.String()).Msg("following redirect")
			u = next
			continue
		}

		subprotocol, extensions, err := d.validate(res.resp, res.challengeKey)
		if err != nil {
			res.netConn.Close()
			d.Metrics.handshake("client", "rejected")
			c.logger.Debug().Err(err).Msg("handshake rejected")
			return res.resp, err
		}

		var reader io.Reader
		if res.br.Buffered() > 0 {
			reader = res.br
		}
		if !c.attach(res.netConn, reader, subprotocol, extensions) {
			res.netConn.Close()
			return res.resp, ErrClosedBeforeEstablished
		}
		if extensions != "" {
			d.Extension.Apply(c)
		}

		d.Metrics.handshake("client", "accepted")
		c.logger.Debug().
			Str("url", u.String()).
			Str("subprotocol", subprotocol).
			Msg("connection established")
		return res.resp, nil
	}
}

type attemptResult struct {
	netConn      net.Conn
	br           *bufio.Reader
	resp         *http.Response
	challengeKey string
}

// attempt dials u and exchanges one handshake request and response. The
// context bounds every step through a transport deadline.
func (d *Dialer) attempt(ctx context.Context, u *url.URL, requestHeader http.Header) (*attemptResult, error) {
	hostPort := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "http":
			hostPort = net.JoinHostPort(u.Hostname(), "80")
		case "https":
			hostPort = net.JoinHostPort(u.Hostname(), "443")
		}
	}

	netConn, err := d.dial(ctx, u, hostPort)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(time.Unix(1, 0))
	})

	res, err := d.exchange(netConn, u, requestHeader)
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		netConn.Close()
		return res, err
	}
	return res, nil
}

func (d *Dialer) exchange(netConn net.Conn, u *url.URL, requestHeader http.Header) (*attemptResult, error) {
	// Generate 16-byte random challenge key per RFC 6455, section 4.1.
	challengeKey := generateChallengeKey()

	// Build handshake request per RFC 6455, section 4.1.
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}

	for k, vs := range requestHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	// Set required headers per RFC 6455, section 4.1.
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)

	if len(d.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(d.Subprotocols, ", "))
	}

	if d.Extension != nil {
		if offer := d.Extension.Offer(); offer != "" {
			req.Header.Set("Sec-WebSocket-Extensions", offer)
		}
	}

	if d.Jar != nil {
		for _, cookie := range d.Jar.Cookies(u) {
			req.AddCookie(cookie)
		}
	}

	if err := req.Write(netConn); err != nil {
		return nil, err
	}

	br := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}

	if d.Jar != nil {
		if rc := resp.Cookies(); len(rc) > 0 {
			d.Jar.SetCookies(u, rc)
		}
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
	}

	return &attemptResult{
		netConn:      netConn,
		br:           br,
		resp:         resp,
		challengeKey: challengeKey,
	}, nil
}

// validate checks the server response per RFC 6455, section 4.1 and
// returns the negotiated subprotocol and extensions.
func (d *Dialer) validate(resp *http.Response, challengeKey string) (string, string, error) {
	fail := func(msg string) (string, string, error) {
		return "", "", &HandshakeError{Status: resp.StatusCode, Message: msg}
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fail("unexpected response status " + resp.Status)
	}

	if !headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return fail("missing websocket token in Upgrade header")
	}

	if !headerContainsToken(resp.Header, "Connection", "upgrade") {
		return fail("missing upgrade token in Connection header")
	}

	// Validate Sec-WebSocket-Accept per RFC 6455, section 4.2.2, item 5.4.
	if resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(challengeKey) {
		return fail("invalid Sec-WebSocket-Accept")
	}

	// The server must select one of the requested subprotocols, and none
	// when nothing was requested.
	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")
	switch {
	case len(d.Subprotocols) == 0 && subprotocol != "":
		return fail("server selected a subprotocol that was not requested")
	case len(d.Subprotocols) > 0 && subprotocol == "":
		return fail("server did not select a subprotocol")
	case subprotocol != "" && !slices.Contains(d.Subprotocols, subprotocol):
		return fail("server selected an unknown subprotocol")
	}

	values := resp.Header.Values("Sec-WebSocket-Extensions")
	if len(values) == 0 {
		return subprotocol, "", nil
	}
	if d.Extension == nil {
		return fail("server sent extensions that were not requested")
	}
	if _, err := ParseExtensions(values); err != nil {
		return fail(err.Error())
	}
	extensions := strings.Join(values, ", ")
	if _, ok := d.Extension.Accept(extensions); !ok {
		return fail("extension rejected")
	}

	return subprotocol, extensions, nil
}

func (d *Dialer) dial(ctx context.Context, u *url.URL, hostPort string) (net.Conn, error) {
	if u.Scheme == "https" {
		if d.NetDialTLSContext != nil {
			return d.NetDialTLSContext(ctx, "tcp", hostPort)
		}
		return d.dialTLS(ctx, hostPort, u.Hostname())
	}

	if d.NetDialContext != nil {
		return d.NetDialContext(ctx, "tcp", hostPort)
	}

	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", hostPort)
}

func (d *Dialer) dialTLS(ctx context.Context, hostPort, serverName string) (net.Conn, error) {
	tlsConfig := d.TLSClientConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}

	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}

	var netConn net.Conn
	var err error
	if d.NetDialContext != nil {
		netConn, err = d.NetDialContext(ctx, "tcp", hostPort)
	} else {
		var dialer net.Dialer
		netConn, err = dialer.DialContext(ctx, "tcp", hostPort)
	}
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		netConn.Close()
		return nil, err
	}

	return tlsConn, nil
}

// normalizeURL maps ws and wss to their HTTP schemes.
func normalizeURL(u *url.URL) error {
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return errors.New("websocket: bad scheme")
	}

	if u.Host == "" {
		return errors.New("websocket: empty host")
	}
	return nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
