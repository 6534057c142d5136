package wsclient

var (
	webSocketString           = []byte("websocket")
	upgradeString             = []byte("Upgrade")
	connectionString          = []byte("Connection")
	websocketProtocolString   = []byte("Sec-WebSocket-Protocol")
	websocketExtensionsString = []byte("Sec-WebSocket-Extensions")
	websocketKeyString        = []byte("Sec-WebSocket-Key")
	websocketVersionString    = []byte("Sec-WebSocket-Version")
	websocketVersionValue     = []byte("13")
	websocketAcceptString     = []byte("Sec-WebSocket-Accept")
	originString              = []byte("Origin")
	websocketGUID             = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")
)

const (
	// MaxHeaderLen is the largest frame header: 2 fixed bytes, an 8 byte
	// extended length and a 4 byte mask key.
	MaxHeaderLen = 14

	maxControlPayloadLength    = 125
	maxCloseReasonLength       = maxControlPayloadLength - 2
	defaultMaxMessageSize      = int64(1 << 20)
	defaultFragmentSize        = 4096
	defaultIOBufferSize        = 4096
	initialFrameBufferCapacity = 256
)

// Opcode is the 4-bit frame type carried in the first header byte.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0

	OpText Opcode = 0x1

	OpBinary Opcode = 0x2

	OpClose Opcode = 0x8

	OpPing Opcode = 0x9

	OpPong Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

// IsControl reports whether o is CLOSE, PING or PONG.
func (o Opcode) IsControl() bool {
	return o == OpClose || o == OpPing || o == OpPong
}

// IsData reports whether o starts a new message.
func (o Opcode) IsData() bool {
	return o == OpText || o == OpBinary
}

// opcodeFromByte maps the low nibble of b to a known opcode. Reserved
// values 0x3-0x7 and 0xB-0xF are rejected.
func opcodeFromByte(b byte) (Opcode, bool) {
	switch o := Opcode(b & 0x0F); o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return o, true
	default:
		return o, false
	}
}

// MessageType identifies the payload kind of a complete message.
type MessageType uint8

const (
	TextMessage   = MessageType(OpText)
	BinaryMessage = MessageType(OpBinary)
)

func (t MessageType) String() string {
	return Opcode(t).String()
}

func (t MessageType) valid() bool {
	return t == TextMessage || t == BinaryMessage
}

// StatusCode is the close status carried in the first two bytes of a
// CLOSE payload.
type StatusCode uint16

const (
	StatusNormalClosure StatusCode = 1000

	StatusGoingAway StatusCode = 1001

	StatusProtocolError StatusCode = 1002

	StatusUnsupportedData StatusCode = 1003

	StatusReserved StatusCode = 1004

	StatusNoStatusReceived StatusCode = 1005

	StatusAbnormalClosure StatusCode = 1006

	StatusInvalidFramePayloadData StatusCode = 1007

	StatusPolicyViolation StatusCode = 1008

	StatusMessageTooBig StatusCode = 1009

	StatusMandatoryExtension StatusCode = 1010

	StatusInternalServerError StatusCode = 1011

	StatusServiceRestart StatusCode = 1012

	StatusTryAgainLater StatusCode = 1013

	StatusBadGateway StatusCode = 1014

	StatusTLSHandshake StatusCode = 1015
)

func (s StatusCode) String() string {
	switch s {
	case StatusNormalClosure:
		return "NormalClosure"
	case StatusGoingAway:
		return "GoingAway"
	case StatusProtocolError:
		return "ProtocolError"
	case StatusUnsupportedData:
		return "UnsupportedData"
	case StatusReserved:
		return "Reserved"
	case StatusNoStatusReceived:
		return "NoStatusReceived"
	case StatusAbnormalClosure:
		return "AbnormalClosure"
	case StatusInvalidFramePayloadData:
		return "InvalidFramePayloadData"
	case StatusPolicyViolation:
		return "PolicyViolation"
	case StatusMessageTooBig:
		return "MessageTooBig"
	case StatusMandatoryExtension:
		return "MandatoryExtension"
	case StatusInternalServerError:
		return "InternalServerError"
	case StatusServiceRestart:
		return "ServiceRestart"
	case StatusTryAgainLater:
		return "TryAgainLater"
	case StatusBadGateway:
		return "BadGateway"
	case StatusTLSHandshake:
		return "TLSHandshake"
	default:
		if s >= 3000 && s <= 4999 {
			return "Application"
		}
		return "Unknown"
	}
}

// ValidReceived reports whether a peer may put s on the wire. 1004, 1005,
// 1006 and 1015 are reserved for local use, 1016-2999 are unassigned and
// anything outside 1000-4999 is invalid.
func (s StatusCode) ValidReceived() bool {
	switch {
	case s >= 1000 && s <= 1003:
		return true
	case s >= 1007 && s <= 1014:
		return true
	case s >= 3000 && s <= 4999:
		return true
	default:
		return false
	}
}

// ValidSend reports whether an application may close with s.
func (s StatusCode) ValidSend() bool {
	return s == StatusNormalClosure || (s >= 3000 && s <= 4999)
}
