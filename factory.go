package wsclient

import "fmt"

// FrameFactory wraps decoded frames and hands out reusable, pre-sized
// MutableFrames for encoding. Data frames (TEXT, BINARY, CONTINUATION)
// share one backing buffer; CLOSE, PING and PONG each get their own so a
// control frame being built never aliases a data frame still in use.
//
// A factory belongs to one connection direction and is not safe for
// concurrent use.
type FrameFactory struct {
	maxMessageSize int64

	data  *FrameBuffer
	close *FrameBuffer
	ping  *FrameBuffer
	pong  *FrameBuffer
}

// NewFrameFactory returns a factory enforcing maxMessageSize on data
// frames. A non-positive size selects the 1 MiB default.
func NewFrameFactory(maxMessageSize int64) *FrameFactory {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	controlSize := maxControlPayloadLength + MaxHeaderLen
	return &FrameFactory{
		maxMessageSize: maxMessageSize,
		data:           NewFrameBuffer(initialFrameBufferCapacity),
		close:          NewFrameBuffer(controlSize),
		ping:           NewFrameBuffer(controlSize),
		pong:           NewFrameBuffer(controlSize),
	}
}

// MaxMessageSize returns the data payload limit.
func (f *FrameFactory) MaxMessageSize() int64 {
	return f.maxMessageSize
}

// Wrap binds a view to data[offset:] and applies the limits of the
// frame's class.
func (f *FrameFactory) Wrap(data []byte, offset int) (Frame, error) {
	fr, err := WrapFrame(data, offset)
	if err != nil {
		return Frame{}, err
	}
	if err := f.checkLength(fr.Opcode(), fr.Fin(), fr.PayloadLength()); err != nil {
		return Frame{}, err
	}
	return fr, nil
}

// checkLength validates a declared payload length before any payload is
// read or written.
func (f *FrameFactory) checkLength(op Opcode, fin bool, n int64) error {
	switch op {
	case OpText, OpBinary, OpContinuation:
		if n < 0 || n > f.maxMessageSize {
			return &CapacityError{Limit: f.maxMessageSize, Size: n}
		}
	case OpClose, OpPing, OpPong:
		if !fin {
			return protocolError("fragmented %s frame", op)
		}
		if n < 0 || n > maxControlPayloadLength {
			return protocolError("%s payload of %d bytes exceeds %d", op, n, maxControlPayloadLength)
		}
	default:
		return protocolError("unknown opcode 0x%X", byte(op))
	}
	return nil
}

func (f *FrameFactory) bufferFor(op Opcode) *FrameBuffer {
	switch op {
	case OpClose:
		return f.close
	case OpPing:
		return f.ping
	case OpPong:
		return f.pong
	default:
		return f.data
	}
}

// GetFrame returns an encoding view sized for payloadLength with its first
// header byte already written. Any view previously handed out for the same
// class becomes stale.
func (f *FrameFactory) GetFrame(op Opcode, fin, masked bool, payloadLength int64) (*MutableFrame, error) {
	if err := f.checkLength(op, fin, payloadLength); err != nil {
		return nil, err
	}

	buf := f.bufferFor(op)
	needed := headerLength(payloadLength, masked) + int(payloadLength)
	if needed > buf.Cap() {
		buf.grow(needed, 0, int(f.maxMessageSize)+MaxHeaderLen)
	} else {
		buf.reissue()
	}

	m := &MutableFrame{buf: buf, gen: buf.gen}
	if err := m.SetOpcodeAndFin(op, fin); err != nil {
		return nil, fmt.Errorf("get %s frame: %w", op, err)
	}
	return m, nil
}
