package websocket

import (
	"sync"

	"github.com/vitalvas/wsengine/frame"
)

// PreparedMessage caches the on-the-wire representation of a message payload.
// Use PreparedMessage to efficiently send a message payload to multiple connections.
//
// Only the unmasked server frame is cached; client connections mask every
// frame with a fresh key.
type PreparedMessage struct {
	messageType int
	data        []byte

	once        sync.Once
	serverFrame []byte
}

// NewPreparedMessage returns an initialized PreparedMessage.
func NewPreparedMessage(messageType int, data []byte) (*PreparedMessage, error) {
	if messageType != TextMessage && messageType != BinaryMessage {
		return nil, ErrInvalidMessageType
	}

	return &PreparedMessage{
		messageType: messageType,
		data:        data,
	}, nil
}

func (pm *PreparedMessage) frame(isServer bool) []byte {
	if !isServer {
		return frame.Encode(pm.data, frame.Opcode(pm.messageType), true, 0, true)
	}
	pm.once.Do(func() {
		pm.serverFrame = frame.Encode(pm.data, frame.Opcode(pm.messageType), true, 0, false)
	})
	return pm.serverFrame
}

// WritePreparedMessage writes a prepared message to the connection.
func (c *Conn) WritePreparedMessage(pm *PreparedMessage) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	if err := c.writeRaw(pm.frame(c.isServer)); err != nil {
		return err
	}
	c.metrics.messageSent(pm.messageType)
	return nil
}
