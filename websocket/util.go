package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"

	"github.com/vitalvas/wsengine/frame"
)

// WebSocket protocol constants per RFC 6455.
const (
	// websocketGUID is the globally unique identifier for WebSocket handshake
	// per RFC 6455, section 4.2.2, item 5.4.
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// websocketVersion is the WebSocket protocol version per RFC 6455, section 4.2.1, item 6.
	websocketVersion = "13"
)

var randReader io.Reader = rand.Reader

// challengeKeyPattern matches a base64 encoded 16-byte nonce.
var challengeKeyPattern = regexp.MustCompile(`^[+/0-9A-Za-z]{22}==$`)

// FormatCloseMessage formats closeCode and text as a WebSocket close message
// per RFC 6455, section 5.5.1. The close frame body consists of a 2-byte
// status code followed by optional UTF-8 encoded reason text. A code of 0 or
// CloseNoStatusReceived gives an empty body.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == 0 || closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}

// IsCloseError returns true if the error is a CloseError with one of the specified codes.
// Close codes are defined in RFC 6455, section 7.4.1.
func IsCloseError(err error, codes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return slices.Contains(codes, closeErr.Code)
}

// IsUnexpectedCloseError returns true if the error is a CloseError with a code
// NOT in the expected codes list. Close codes are defined in RFC 6455, section 7.4.1.
func IsUnexpectedCloseError(err error, expectedCodes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return !slices.Contains(expectedCodes, closeErr.Code)
}

// isValidCloseCode reports whether code may be sent by this endpoint.
func isValidCloseCode(code int) bool {
	switch {
	case code >= CloseNormalClosure && code <= CloseUnsupportedData:
		return true
	case code >= CloseInvalidFramePayloadData && code <= CloseTryAgainLater:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// isValidReceivedCloseCode reports whether code is acceptable in a close
// frame from the peer.
func isValidReceivedCloseCode(code int) bool {
	return isValidCloseCode(code) || code == CloseBadGateway
}

// parseClosePayload decodes a close frame body per RFC 6455, section 5.5.1.
// An empty body yields CloseNoStatusReceived.
func parseClosePayload(p []byte) (int, string, error) {
	if len(p) == 0 {
		return CloseNoStatusReceived, "", nil
	}
	if len(p) < 2 {
		return 0, "", &frame.ProtocolError{Code: CloseProtocolError, Err: frame.ErrInvalidClosePayload}
	}

	code := int(binary.BigEndian.Uint16(p))
	if !isValidReceivedCloseCode(code) {
		return 0, "", &frame.ProtocolError{Code: CloseProtocolError, Err: ErrInvalidCloseCode}
	}

	reason := p[2:]
	if !utf8.Valid(reason) {
		return 0, "", &frame.ProtocolError{Code: CloseInvalidFramePayloadData, Err: ErrInvalidUTF8}
	}
	return code, string(reason), nil
}

// computeAcceptKey computes the Sec-WebSocket-Accept value per RFC 6455, section 4.2.2, item 5.4.
// The accept key is the base64-encoded SHA-1 hash of the challenge key concatenated with the GUID.
func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// generateChallengeKey generates a 16-byte random key encoded in base64
// per RFC 6455, section 4.1.
func generateChallengeKey() string {
	key := make([]byte, 16)
	if _, err := io.ReadFull(randReader, key); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// Subprotocols returns the subprotocols requested by the client in the
// Sec-WebSocket-Protocol header, in order.
func Subprotocols(r *http.Request) []string {
	protocols, _ := parseProtocols(r.Header.Values("Sec-WebSocket-Protocol"))
	return protocols
}

// parseProtocols splits Sec-WebSocket-Protocol values into tokens. It
// reports false when an element is empty, not a token, or repeated.
func parseProtocols(values []string) ([]string, bool) {
	var protocols []string
	ok := true
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if !isToken(p) || slices.Contains(protocols, p) {
				ok = false
				continue
			}
			protocols = append(protocols, p)
		}
	}
	return protocols, ok
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !httpguts.IsTokenRune(r) {
			return false
		}
	}
	return true
}

// IsWebSocketUpgrade returns true if the client sent a WebSocket upgrade request
// per RFC 6455, section 4.2.1, items 1 and 2.
func IsWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

// headerContainsToken checks if a header contains a specific token (case-insensitive).
// Tokens may be comma-separated (e.g., "Connection: keep-alive, Upgrade").
func headerContainsToken(h http.Header, name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}
