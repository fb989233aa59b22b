package websocket

import "github.com/vitalvas/wsengine/frame"

// messageBuffer accumulates the fragments of one data message. It is owned
// by the read goroutine of a single Conn.
type messageBuffer struct {
	opcode    frame.Opcode
	fragments [][]byte
	size      int
}

func (m *messageBuffer) push(f frame.Frame) {
	if f.Opcode != frame.OpContinuation {
		m.opcode = f.Opcode
	}
	if len(f.Payload) > 0 {
		m.fragments = append(m.fragments, f.Payload)
		m.size += len(f.Payload)
	}
}

// take returns the assembled message and clears the buffer.
func (m *messageBuffer) take() (int, []byte) {
	messageType := int(m.opcode)

	var data []byte
	switch len(m.fragments) {
	case 0:
		data = []byte{}
	case 1:
		data = m.fragments[0]
	default:
		data = make([]byte, 0, m.size)
		for _, p := range m.fragments {
			data = append(data, p...)
		}
	}

	m.reset()
	return messageType, data
}

func (m *messageBuffer) reset() {
	m.opcode = 0
	m.fragments = nil
	m.size = 0
}
