package wsclient

import (
	"bufio"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/eapache/queue"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

var (
	metricFramesReceived = []string{"websocket", "frames", "received"}
	metricFramesSent     = []string{"websocket", "frames", "sent"}
	metricBytesReceived  = []string{"websocket", "bytes", "received"}
	metricBytesSent      = []string{"websocket", "bytes", "sent"}
	metricProtocolErrors = []string{"websocket", "protocol_errors"}
)

// errCloseHandshakeDone stops the read loop once the peer's CLOSE was
// handled.
var errCloseHandshakeDone = errors.New("close handshake done")

// controlFrame is a PONG or CLOSE waiting for the write side.
type controlFrame struct {
	op      Opcode
	payload []byte
}

// Conn is a client WebSocket connection.
//
// One goroutine owns the read side: it decodes frames, runs them through
// the extension pipeline and hands complete messages to NextReader one at
// a time. Writers share the wire under a write lock; data messages are
// serialised by NextWriter and control frames may be interleaved between
// their fragments. Both protocol machines are guarded by a state lock that
// is always taken after the write lock.
type Conn struct {
	cfg    *Config
	logger hclog.Logger

	stream io.ReadWriteCloser
	frames *FrameReader

	stateMu  sync.Mutex
	in       *inputMachine
	out      *outputMachine
	terminal error

	writeMu sync.Mutex
	bw      *bufio.Writer
	factory *FrameFactory
	control *queue.Queue
	rng     io.Reader

	readMu  sync.Mutex
	current *MessageReader
	claims  uint64

	pipeline    *Pipeline
	extensions  []Extension
	subprotocol string
	response    *UpgradeResponse

	// incoming holds at most one message the consumer has not claimed yet.
	incoming   chan *MessageReader
	assembling *MessageReader
	writerSlot chan struct{}

	// closing is closed once Close has sent CLOSE; data arriving after
	// that is discarded so the read loop reaches the peer's answer.
	closing     chan struct{}
	closingOnce sync.Once

	readDone    chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	shutdownErr error
}

func newConn(cfg *Config) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.Reader
	}
	c := &Conn{
		cfg:        cfg,
		logger:     logger.Named("websocket"),
		in:         newInputMachine(cfg.MaxMessageSize),
		out:        newOutputMachine(),
		control:    queue.New(),
		rng:        bufio.NewReaderSize(rng, 256),
		incoming:   make(chan *MessageReader, 1),
		writerSlot: make(chan struct{}, 1),
		closing:    make(chan struct{}),
		readDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.writerSlot <- struct{}{}
	return c
}

// NewConn runs the WebSocket protocol over a stream that has already been
// upgraded, for example one obtained through a custom Upgrader. Bytes the
// upgrade left buffered may be supplied as reader; nil reads from stream.
// exts are enabled in the given order.
func NewConn(stream io.ReadWriteCloser, reader io.Reader, cfg *Config, exts ...Extension) (*Conn, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.Clone()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := newConn(cfg)
	c.advance(StateUpgradeSent)
	c.advance(StateUpgradeReceived)
	if err := c.start(stream, reader, exts); err != nil {
		return nil, err
	}
	return c, nil
}

// advance moves both machines through the handshake states.
func (c *Conn) advance(to State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if err := c.in.transition(to); err != nil {
		c.logger.Error("input machine", "error", err)
	}
	if err := c.out.transition(to); err != nil {
		c.logger.Error("output machine", "error", err)
	}
}

func (c *Conn) start(stream io.ReadWriteCloser, reader io.Reader, exts []Extension) error {
	if reader == nil {
		reader = stream
	}
	c.stream = stream
	c.extensions = exts
	c.frames = NewFrameReader(bufio.NewReaderSize(reader, c.cfg.ReadBufferSize), NewFrameFactory(c.cfg.MaxMessageSize))
	c.bw = bufio.NewWriterSize(stream, c.cfg.WriteBufferSize)
	c.factory = NewFrameFactory(c.cfg.MaxMessageSize)
	c.pipeline = NewPipeline(exts, c.logger, c.deliver, c.writeEvent, c.emit)

	c.stateMu.Lock()
	if c.terminal != nil {
		err := c.terminal
		c.stateMu.Unlock()
		return err
	}
	c.in.claimedRSV = c.pipeline.ClaimedReservedBits()
	c.frames.Reserved = c.in.claimedRSV
	c.in.transition(StateConnected)
	c.out.transition(StateConnected)
	c.stateMu.Unlock()

	c.logger.Debug("connection open", "subprotocol", c.subprotocol, "extensions", len(exts))
	go c.readLoop()
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		f, err := c.frames.ReadFrame()
		if err != nil {
			c.readFailed(err)
			return
		}
		metrics.IncrCounterWithLabels(metricFramesReceived, 1, []metrics.Label{{Name: "opcode", Value: f.Opcode().String()}})
		metrics.IncrCounter(metricBytesReceived, float32(len(f.Bytes())))
		c.logger.Trace("frame received", "frame", f)

		if err := c.frameArrived(f); err != nil {
			if err == errCloseHandshakeDone || c.isDone() {
				return
			}
			c.fail(err)
			return
		}
	}
}

func (c *Conn) frameArrived(f Frame) error {
	c.stateMu.Lock()
	err := c.in.frameReceived(f)
	c.stateMu.Unlock()
	if err != nil {
		return err
	}
	op, fin := f.Opcode(), f.Fin()
	err = c.pipeline.Receive(&FrameEvent{
		Opcode:   op,
		Fin:      fin,
		Reserved: f.Reserved(),
		Payload:  f.Payload(),
	})
	if err != nil || !(op.IsData() || op == OpContinuation) {
		return err
	}
	return c.dataDropped(fin)
}

// dataDropped finishes a message whose final frame an extension consumed.
// A message the chain delivered is already closed and left alone.
func (c *Conn) dataDropped(fin bool) error {
	closed, err := c.in.messageDropped(fin)
	if err != nil || !closed {
		return err
	}
	if r := c.assembling; r != nil {
		c.assembling = nil
		return r.push(nil, true)
	}
	return nil
}

func (c *Conn) readFailed(err error) {
	if c.isDone() {
		return
	}
	var pe *ProtocolError
	var ce *CapacityError
	if errors.As(err, &pe) || errors.As(err, &ce) {
		c.fail(err)
		return
	}
	terr := &TransportError{Op: "read", Err: err}
	c.logger.Debug("read failed", "error", err)
	c.setTerminal(terr)
	c.shutdown(terr)
}

// deliver terminates the inbound chain.
func (c *Conn) deliver(ev *FrameEvent) error {
	switch ev.Opcode {
	case OpPing:
		return c.pingReceived(ev.Payload)
	case OpPong:
		if h := c.cfg.PongHandler; h != nil {
			h(ev.Payload)
		}
		return nil
	case OpClose:
		return c.closeReceived(ev.Payload)
	default:
		return c.dataReceived(ev)
	}
}

func (c *Conn) pingReceived(payload []byte) error {
	c.setInput(StatePingReceived)
	err := c.queueControl(OpPong, append([]byte(nil), payload...))
	c.setInput(StateConnected)
	if err != nil && !errors.Is(err, ErrConnClosed) {
		return err
	}
	return nil
}

func (c *Conn) closeReceived(payload []byte) error {
	code, reason, err := ParseClosePayload(payload)
	if err != nil {
		return err
	}
	c.setInput(StateCloseReceived)
	c.setTerminal(&CloseError{Code: code, Reason: reason})
	c.logger.Debug("close received", "status", code, "reason", reason)

	c.writeMu.Lock()
	c.stateMu.Lock()
	echo := c.out.state == StateConnected
	c.stateMu.Unlock()
	if echo {
		c.control.Add(controlFrame{op: OpClose, payload: AppendClosePayload(nil, code, reason)})
		if err := c.drainControlLocked(); err != nil {
			c.logger.Debug("echo close failed", "error", err)
		}
	}
	c.writeMu.Unlock()

	c.setInput(StateEnd)
	c.shutdown(nil)
	return errCloseHandshakeDone
}

func (c *Conn) dataReceived(ev *FrameEvent) error {
	if c.in.msg == nil {
		return protocolError("%s payload without an open message", ev.Opcode)
	}
	typ := MessageType(c.in.msg.opcode)
	complete, err := c.in.dataReceived(ev)
	if err != nil {
		return err
	}
	if c.isClosing() {
		c.assembling = nil
		return nil
	}

	if c.assembling == nil {
		r := newMessageReader(c, typ)
		select {
		case c.incoming <- r:
		case <-c.closing:
			return nil
		case <-c.done:
			return ErrConnClosed
		}
		c.assembling = r
	}
	if err := c.assembling.push(ev.Payload, complete); err != nil {
		return err
	}
	if complete {
		c.assembling = nil
	}
	return nil
}

// queueControl schedules a control frame and writes every pending one.
func (c *Conn) queueControl(op Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.control.Add(controlFrame{op: op, payload: payload})
	return c.drainControlLocked()
}

func (c *Conn) drainControlLocked() error {
	for c.control.Length() > 0 {
		cf := c.control.Peek().(controlFrame)
		if err := c.sendLocked(cf.op, true, cf.payload); err != nil {
			if errors.Is(err, ErrConnClosed) {
				for c.control.Length() > 0 {
					c.control.Remove()
				}
			}
			return err
		}
		c.control.Remove()
		if cf.op == OpClose {
			c.stateMu.Lock()
			c.out.transition(StateCloseSent)
			c.stateMu.Unlock()
		}
	}
	return nil
}

// writeFrame sends one frame on behalf of the application.
func (c *Conn) writeFrame(op Opcode, fin bool, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.drainControlLocked(); err != nil {
		return err
	}
	return c.sendLocked(op, fin, payload)
}

// sendLocked validates a frame against the output machine and runs it
// through the outbound chain. The write lock must be held.
func (c *Conn) sendLocked(op Opcode, fin bool, payload []byte) error {
	c.stateMu.Lock()
	err := c.out.beginFrame(op, fin)
	c.stateMu.Unlock()
	if err != nil {
		return err
	}
	if err := c.pipeline.Send(&FrameEvent{Opcode: op, Fin: fin, Payload: payload}); err != nil {
		var terr *TransportError
		if errors.As(err, &terr) {
			c.setTerminal(terr)
			c.shutdown(terr)
		}
		return err
	}
	c.out.frameSent(op, fin)
	return nil
}

// writeEvent terminates the outbound chain: it masks the frame with a
// fresh key and puts it on the wire. The write lock is held.
func (c *Conn) writeEvent(ev *FrameEvent) error {
	mf, err := c.factory.GetFrame(ev.Opcode, ev.Fin, true, int64(len(ev.Payload)))
	if err != nil {
		return err
	}
	if err := mf.SetReserved(ev.Reserved); err != nil {
		return err
	}
	if err := mf.MaskedPayloadPut(ev.Payload, c.rng); err != nil {
		return err
	}
	b := mf.Bytes()
	if _, err := c.bw.Write(b); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := c.bw.Flush(); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	metrics.IncrCounterWithLabels(metricFramesSent, 1, []metrics.Label{{Name: "opcode", Value: ev.Opcode.String()}})
	metrics.IncrCounter(metricBytesSent, float32(len(b)))
	c.logger.Trace("frame sent", "opcode", ev.Opcode, "fin", ev.Fin, "length", len(ev.Payload))
	return nil
}

// emit injects an extension-generated frame at the head of the outbound
// chain.
func (c *Conn) emit(ev *FrameEvent, writeLocked bool) error {
	if writeLocked {
		return c.sendLocked(ev.Opcode, ev.Fin, ev.Payload)
	}
	return c.writeFrame(ev.Opcode, ev.Fin, ev.Payload)
}

// fail aborts the connection after a violation: it makes a best effort to
// tell the peer why, then drops the socket.
func (c *Conn) fail(err error) {
	code := closeCodeFor(err)
	c.logger.Warn("failing connection", "error", err, "status", code)
	metrics.IncrCounter(metricProtocolErrors, 1)
	c.setTerminal(err)

	c.writeMu.Lock()
	c.stateMu.Lock()
	open := c.out.state == StateConnected
	c.in.end()
	c.stateMu.Unlock()
	if open {
		c.control.Add(controlFrame{op: OpClose, payload: AppendClosePayload(nil, code, "")})
		if werr := c.drainControlLocked(); werr != nil {
			c.logger.Debug("close frame not sent", "error", werr)
		}
	}
	c.writeMu.Unlock()

	c.shutdown(err)
}

// Abort fails the connection with err. It is how extensions end a
// connection and is safe to call from any goroutine.
func (c *Conn) Abort(err error) {
	if c.isDone() {
		return
	}
	c.fail(err)
}

// Logger returns the connection's logger.
func (c *Conn) Logger() hclog.Logger {
	return c.logger
}

// Ping sends a PING. Pongs are reported to Config.PongHandler.
func (c *Conn) Ping(payload []byte) error {
	if len(payload) > maxControlPayloadLength {
		return &UsageError{Op: "ping", Msg: "payload exceeds 125 bytes"}
	}
	return c.writeFrame(OpPing, true, payload)
}

// Close starts the closing handshake with code and reason, waits up to
// Config.CloseTimeout for the peer's CLOSE and releases the connection.
// Only 1000 and 3000-4999 may be sent; the reason is limited to 123 bytes
// of UTF-8.
func (c *Conn) Close(code StatusCode, reason string) error {
	if err := validateCloseArgs(code, reason); err != nil {
		return err
	}

	c.writeMu.Lock()
	c.control.Add(controlFrame{op: OpClose, payload: AppendClosePayload(nil, code, reason)})
	err := c.drainControlLocked()
	c.writeMu.Unlock()
	if err != nil {
		if errors.Is(err, ErrConnClosed) {
			return ErrConnClosed
		}
		return err
	}
	c.logger.Debug("close sent", "status", code, "reason", reason)
	c.closingOnce.Do(func() { close(c.closing) })

	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-c.readDone:
	case <-timer.C:
		c.logger.Warn("peer did not answer close", "timeout", c.cfg.CloseTimeout)
	}
	return c.shutdown(nil)
}

// CloseNow drops the connection without a closing handshake.
func (c *Conn) CloseNow() error {
	return c.shutdown(nil)
}

func (c *Conn) shutdown(cause error) error {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		if c.terminal == nil {
			if cause != nil {
				c.terminal = cause
			} else {
				c.terminal = ErrConnClosed
			}
		}
		c.in.end()
		c.out.end()
		c.stateMu.Unlock()
		close(c.done)

		var result *multierror.Error
		if c.stream != nil {
			if err := c.stream.Close(); err != nil {
				result = multierror.Append(result, &TransportError{Op: "close", Err: err})
			}
		}
		if err := closeExtensions(c.extensions); err != nil {
			result = multierror.Append(result, err)
		}
		c.shutdownErr = result.ErrorOrNil()
		c.logger.Debug("connection closed", "cause", cause)
	})
	return c.shutdownErr
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) setTerminal(err error) {
	c.stateMu.Lock()
	if c.terminal == nil {
		c.terminal = err
	}
	c.stateMu.Unlock()
}

// terminalErr is what blocked and later callers see once the connection
// is gone.
func (c *Conn) terminalErr() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.terminal == nil {
		return ErrConnClosed
	}
	return c.terminal
}

func (c *Conn) setInput(s State) {
	c.stateMu.Lock()
	if err := c.in.transition(s); err != nil {
		c.logger.Trace("input transition skipped", "error", err)
	}
	c.stateMu.Unlock()
}

// CloseStatus returns the status the peer closed with, if it did.
func (c *Conn) CloseStatus() (*CloseError, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	ce, ok := c.terminal.(*CloseError)
	return ce, ok
}

// InputState returns the input machine's state.
func (c *Conn) InputState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.in.state
}

// OutputState returns the output machine's state.
func (c *Conn) OutputState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.out.state
}

func (c *Conn) ReadState() ConnState {
	return c.InputState().connState()
}

func (c *Conn) WriteState() ConnState {
	return c.OutputState().connState()
}

// Subprotocol is the protocol the server selected, or "".
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Extensions lists the negotiated extensions in enablement order.
func (c *Conn) Extensions() []Extension {
	return c.extensions
}

// Response is the server's upgrade response; nil for NewConn.
func (c *Conn) Response() *UpgradeResponse {
	return c.response
}
