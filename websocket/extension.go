package websocket

import (
	"errors"
	"net/http"
	"strings"
)

var errMalformedExtensions = errors.New("websocket: malformed Sec-WebSocket-Extensions header")

// Extension negotiates one protocol extension per RFC 6455, section 9.
// The engine does not transform payloads itself; an extension that needs
// RSV bits enables them on the connection in Apply.
type Extension interface {
	// Offer returns the Sec-WebSocket-Extensions value a client sends.
	Offer() string

	// Accept inspects the peer's Sec-WebSocket-Extensions value and returns
	// the value to answer with. On the client side the answer is ignored.
	// Returning false declines the extension.
	Accept(header string) (string, bool)

	// Apply configures a connection after a successful negotiation.
	Apply(c *Conn)
}

// ExtensionParams is one element of a Sec-WebSocket-Extensions header.
type ExtensionParams struct {
	Name   string
	Params map[string]string
}

// ParseExtensions parses Sec-WebSocket-Extensions values per RFC 6455,
// section 9.1. Extension names and parameter names must be tokens.
func ParseExtensions(values []string) ([]ExtensionParams, error) {
	var extensions []ExtensionParams
	for _, h := range values {
		for _, ext := range strings.Split(h, ",") {
			ext = strings.TrimSpace(ext)
			if ext == "" {
				continue
			}
			parts := strings.Split(ext, ";")
			e := ExtensionParams{
				Name:   strings.TrimSpace(parts[0]),
				Params: make(map[string]string),
			}
			if !isToken(e.Name) {
				return nil, errMalformedExtensions
			}
			for _, param := range parts[1:] {
				param = strings.TrimSpace(param)
				name, value := param, ""
				if idx := strings.Index(param, "="); idx >= 0 {
					name = strings.TrimSpace(param[:idx])
					value = strings.Trim(strings.TrimSpace(param[idx+1:]), `"`)
				}
				if !isToken(name) {
					return nil, errMalformedExtensions
				}
				e.Params[name] = value
			}
			extensions = append(extensions, e)
		}
	}
	return extensions, nil
}

// negotiateExtension runs the server side of the negotiation. It returns
// the response value, or "" when nothing was agreed.
func negotiateExtension(ext Extension, header http.Header) (string, error) {
	values := header.Values("Sec-WebSocket-Extensions")
	if len(values) == 0 {
		return "", nil
	}
	if _, err := ParseExtensions(values); err != nil {
		return "", err
	}
	if ext == nil {
		return "", nil
	}
	response, ok := ext.Accept(strings.Join(values, ", "))
	if !ok {
		return "", nil
	}
	return response, nil
}
