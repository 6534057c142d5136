package wsclient

import "fmt"

// State is a position in the input or output protocol machine.
type State uint8

const (
	StateStart State = iota
	StateUpgradeSent
	StateUpgradeReceived
	StateConnected
	StatePingReceived
	StateCloseReceived
	StateCloseSent
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateUpgradeSent:
		return "UPGRADE_SENT"
	case StateUpgradeReceived:
		return "UPGRADE_RECEIVED"
	case StateConnected:
		return "CONNECTED"
	case StatePingReceived:
		return "PING_RECEIVED"
	case StateCloseReceived:
		return "CLOSE_RECEIVED"
	case StateCloseSent:
		return "CLOSE_SENT"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// ConnState is the coarse view of one direction of a connection.
type ConnState uint8

const (
	ConnStart ConnState = iota
	ConnOpen
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStart:
		return "START"
	case ConnOpen:
		return "OPEN"
	default:
		return "CLOSED"
	}
}

func (s State) connState() ConnState {
	switch s {
	case StateStart, StateUpgradeSent, StateUpgradeReceived:
		return ConnStart
	case StateEnd:
		return ConnClosed
	default:
		return ConnOpen
	}
}

type transitionTable map[State][]State

// Any state may move to END; it is listed explicitly so the tables read as
// the complete machine.
var inputTransitions = transitionTable{
	StateStart:           {StateUpgradeSent, StateEnd},
	StateUpgradeSent:     {StateUpgradeReceived, StateEnd},
	StateUpgradeReceived: {StateConnected, StateEnd},
	StateConnected:       {StatePingReceived, StateCloseReceived, StateEnd},
	StatePingReceived:    {StateConnected, StateEnd},
	StateCloseReceived:   {StateEnd},
	StateEnd:             {},
}

var outputTransitions = transitionTable{
	StateStart:           {StateUpgradeSent, StateEnd},
	StateUpgradeSent:     {StateUpgradeReceived, StateEnd},
	StateUpgradeReceived: {StateConnected, StateEnd},
	StateConnected:       {StateCloseSent, StateEnd},
	StateCloseSent:       {StateEnd},
	StateEnd:             {},
}

func (t transitionTable) allowed(from, to State) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

type machine struct {
	name  string
	state State
	table transitionTable
}

func (m *machine) transition(to State) error {
	if !m.table.allowed(m.state, to) {
		return fmt.Errorf("websocket: %s machine: illegal transition %s -> %s", m.name, m.state, to)
	}
	m.state = to
	return nil
}

// end moves to END from wherever the machine is; it reports whether the
// machine was not already there.
func (m *machine) end() bool {
	if m.state == StateEnd {
		return false
	}
	m.state = StateEnd
	return true
}

// messageContext tracks one inbound message while its frames arrive.
type messageContext struct {
	opcode    Opcode
	consumed  int64
	streaming bool
	utf8      UTF8Validator
}

// inputMachine validates received frames in arrival order. It is owned by
// the read loop; only state is shared and that under the connection's
// state lock.
type inputMachine struct {
	machine
	maxMessageSize int64
	claimedRSV     byte
	msg            *messageContext
}

func newInputMachine(maxMessageSize int64) *inputMachine {
	return &inputMachine{
		machine:        machine{name: "input", state: StateStart, table: inputTransitions},
		maxMessageSize: maxMessageSize,
	}
}

// frameReceived applies the structural checks to f, in the order the wire
// format defines them, and opens a message context for a new data frame.
func (m *inputMachine) frameReceived(f Frame) error {
	if m.state != StateConnected {
		return protocolError("frame received in state %s", m.state)
	}
	if rsv := f.Reserved(); rsv&^m.claimedRSV != 0 {
		return protocolError("reserved bits %03b set without a negotiated extension", rsv>>4)
	}
	op, ok := opcodeFromByte(byte(f.Opcode()))
	if !ok {
		return protocolError("unknown opcode 0x%X", byte(op))
	}
	if op.IsControl() {
		if !f.Fin() {
			return protocolError("fragmented %s frame", op)
		}
		if f.PayloadLength() > maxControlPayloadLength {
			return protocolError("%s payload of %d bytes exceeds %d", op, f.PayloadLength(), maxControlPayloadLength)
		}
	}
	if f.Masked() {
		return protocolError("masked frame from server")
	}

	switch {
	case op == OpContinuation:
		if m.msg == nil {
			return protocolError("continuation frame without an open message")
		}
	case op.IsData():
		if m.msg != nil {
			return protocolError("%s frame while a fragmented %s message is open", op, m.msg.opcode)
		}
		m.msg = &messageContext{opcode: op, streaming: !f.Fin()}
	case op == OpClose:
		if _, _, err := ParseClosePayload(f.Payload()); err != nil {
			return err
		}
	}
	return nil
}

// dataReceived accounts for a data payload after the inbound extension
// chain has run: capacity, TEXT UTF-8, and message completion on FIN. It
// reports whether the message is complete.
func (m *inputMachine) dataReceived(ev *FrameEvent) (bool, error) {
	if m.msg == nil {
		return false, protocolError("%s payload without an open message", ev.Opcode)
	}
	msg := m.msg
	msg.consumed += int64(len(ev.Payload))
	if msg.consumed > m.maxMessageSize {
		return false, &CapacityError{Limit: m.maxMessageSize, Size: msg.consumed}
	}
	if msg.opcode == OpText {
		if err := msg.utf8.Validate(ev.Payload); err != nil {
			return false, payloadError(err)
		}
	}
	if !ev.Fin {
		msg.streaming = true
		return false, nil
	}
	if msg.opcode == OpText {
		if err := msg.utf8.Finish(); err != nil {
			return false, payloadError(err)
		}
	}
	m.msg = nil
	return true, nil
}

// messageDropped closes the open message when the inbound extension chain
// consumed its final frame without delivering it. It reports whether a
// message was closed.
func (m *inputMachine) messageDropped(fin bool) (bool, error) {
	if !fin || m.msg == nil {
		return false, nil
	}
	msg := m.msg
	m.msg = nil
	if msg.opcode == OpText {
		if err := msg.utf8.Finish(); err != nil {
			return false, payloadError(err)
		}
	}
	return true, nil
}

// outputMachine enforces write-side framing rules: one streaming message
// at a time, continuation only inside it, nothing but the handshake before
// CONNECTED and nothing at all after CLOSE is sent.
type outputMachine struct {
	machine
	streaming bool
	streamOp  Opcode
}

func newOutputMachine() *outputMachine {
	return &outputMachine{
		machine: machine{name: "output", state: StateStart, table: outputTransitions},
	}
}

// beginFrame validates an outbound frame before it is encoded.
func (m *outputMachine) beginFrame(op Opcode, fin bool) error {
	switch m.state {
	case StateConnected:
	case StateCloseSent, StateEnd:
		return ErrConnClosed
	default:
		return &UsageError{Op: "write", Msg: fmt.Sprintf("connection not open (%s)", m.state)}
	}

	switch {
	case op.IsControl():
		if !fin {
			return &UsageError{Op: "write", Msg: "control frames cannot be fragmented"}
		}
	case op == OpContinuation:
		if !m.streaming {
			return &UsageError{Op: "write", Msg: "continuation frame without an open message"}
		}
	case op.IsData():
		if m.streaming {
			return &UsageError{Op: "write", Msg: fmt.Sprintf("%s message already in progress", m.streamOp)}
		}
	default:
		return &UsageError{Op: "write", Msg: fmt.Sprintf("unknown opcode 0x%X", byte(op))}
	}
	return nil
}

// frameSent records a frame that reached the wire.
func (m *outputMachine) frameSent(op Opcode, fin bool) {
	switch {
	case op.IsData() && !fin:
		m.streaming, m.streamOp = true, op
	case op == OpContinuation && fin:
		m.streaming = false
	}
}
