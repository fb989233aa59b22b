// Package websocket implements the WebSocket protocol defined in RFC 6455
// on top of the incremental decoder in package frame.
//
// This package provides:
//   - Server, an http.Handler that validates upgrade requests and tracks
//     open connections
//   - Dialer, the client-side opening handshake with redirect support
//   - Conn, an event-driven connection with the closing handshake
//   - Prepared messages for efficient broadcasting
//
// Server Example:
//
//	srv := &websocket.Server{
//	    Addr: ":8080",
//	    OnConnection: func(c *websocket.Conn, r *http.Request) {
//	        c.SetHandlers(websocket.Handlers{
//	            OnMessage: func(messageType int, data []byte) {
//	                _ = c.WriteMessage(messageType, data)
//	            },
//	        })
//	    },
//	}
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// Client Example:
//
//	conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:8080/", websocket.Handlers{
//	    OnMessage: func(messageType int, data []byte) {
//	        fmt.Println(string(data))
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close(websocket.CloseNormalClosure, "")
//
//	_ = conn.SendText("hello")
//
// Concurrency:
//
// Send methods (WriteMessage, SendText, SendBinary, Ping, Pong,
// WritePreparedMessage) and Close may be called from any goroutine; each
// frame is written atomically. Handlers run on the connection's read
// goroutine and must not block for long, since no frame is processed while
// one runs.
//
// Closing:
//
// Close sends a close frame and waits for the peer's close frame for up to
// the close timeout before tearing the transport down. Destroy tears it
// down at once; data still queued in the transport may be lost.
package websocket
