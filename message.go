package wsclient

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// MessageReader streams the payload of one inbound message. It reads from
// the connection only while it is the most recently claimed reader; after
// the next NextReader call it fails with a UsageError.
type MessageReader struct {
	conn  *Conn
	typ   MessageType
	claim uint64

	chunks      chan []byte
	discard     chan struct{}
	discardOnce sync.Once

	pending []byte
	eof     bool
}

func newMessageReader(c *Conn, typ MessageType) *MessageReader {
	return &MessageReader{
		conn:    c,
		typ:     typ,
		chunks:  make(chan []byte),
		discard: make(chan struct{}),
	}
}

// push hands a payload chunk to the consumer, blocking until it is taken
// or the message is skipped. Called by the read loop only.
func (r *MessageReader) push(p []byte, fin bool) error {
	if len(p) > 0 {
		select {
		case <-r.discard:
		default:
			chunk := append([]byte(nil), p...)
			select {
			case r.chunks <- chunk:
			case <-r.discard:
			case <-r.conn.closing:
				// the reader is woken by closing, not by end of message
				return nil
			case <-r.conn.done:
				return ErrConnClosed
			}
		}
	}
	if fin {
		close(r.chunks)
	}
	return nil
}

// Type is TextMessage or BinaryMessage.
func (r *MessageReader) Type() MessageType {
	return r.typ
}

// Read reads message payload. It returns io.EOF after the final fragment.
func (r *MessageReader) Read(p []byte) (int, error) {
	r.conn.readMu.Lock()
	defer r.conn.readMu.Unlock()
	if r.claim != r.conn.claims {
		return 0, &UsageError{Op: "read", Msg: "message reader was superseded by NextReader"}
	}
	return r.read(p)
}

func (r *MessageReader) read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		// Drain what the read loop already handed over before looking at
		// the connection state.
		select {
		case chunk, ok := <-r.chunks:
			r.receive(chunk, ok)
			continue
		default:
		}
		select {
		case chunk, ok := <-r.chunks:
			r.receive(chunk, ok)
		case <-r.conn.closing:
			return 0, r.conn.terminalErr()
		case <-r.conn.done:
			return 0, r.conn.terminalErr()
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *MessageReader) receive(chunk []byte, ok bool) {
	if !ok {
		r.eof = true
		return
	}
	r.pending = chunk
}

// Skip discards the rest of the message.
func (r *MessageReader) Skip() error {
	r.conn.readMu.Lock()
	defer r.conn.readMu.Unlock()
	if r.claim != r.conn.claims {
		return &UsageError{Op: "skip", Msg: "message reader was superseded by NextReader"}
	}
	r.skip()
	return nil
}

func (r *MessageReader) skip() {
	r.discardOnce.Do(func() { close(r.discard) })
	r.pending = nil
	r.eof = true
}

// NextReader waits for the next message. An unfinished previous message is
// skipped.
func (c *Conn) NextReader(ctx context.Context) (*MessageReader, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.nextReaderLocked(ctx)
}

func (c *Conn) nextReaderLocked(ctx context.Context) (*MessageReader, error) {
	if c.current != nil && !c.current.eof {
		c.current.skip()
	}
	if c.isClosing() {
		return nil, c.terminalErr()
	}

	var r *MessageReader
	select {
	case r = <-c.incoming:
	default:
		select {
		case r = <-c.incoming:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closing:
			return nil, c.terminalErr()
		case <-c.done:
			return nil, c.terminalErr()
		}
	}
	c.claims++
	r.claim = c.claims
	c.current = r
	return r, nil
}

// ReadMessage reads a whole message into a new slice.
func (c *Conn) ReadMessage(ctx context.Context) (MessageType, []byte, error) {
	r, err := c.NextReader(ctx)
	if err != nil {
		return 0, nil, err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(r); err != nil {
		return 0, nil, err
	}
	return r.Type(), append([]byte(nil), buf.B...), nil
}

// Read implements io.Reader over the payloads of consecutive messages,
// ignoring their boundaries. It returns io.EOF once the peer closed the
// connection.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.current == nil || c.current.eof {
			if _, err := c.nextReaderLocked(context.Background()); err != nil {
				var ce *CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
		}
		n, err := c.current.read(p)
		if err == io.EOF {
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// MessageWriter streams one outbound message. Payload is buffered and sent
// in FragmentSize frames; Close sends the final frame. At most one
// MessageWriter is open per connection.
type MessageWriter struct {
	conn    *Conn
	typ     MessageType
	buf     *bytebufferpool.ByteBuffer
	utf8    UTF8Validator
	started bool
	closed  bool
}

// NextWriter waits until no other message is being written and opens a new
// one.
func (c *Conn) NextWriter(ctx context.Context, typ MessageType) (*MessageWriter, error) {
	if !typ.valid() {
		return nil, &UsageError{Op: "write", Msg: "message type must be text or binary"}
	}
	if err := c.acquireWriter(ctx); err != nil {
		return nil, err
	}
	return &MessageWriter{conn: c, typ: typ, buf: bytebufferpool.Get()}, nil
}

func (c *Conn) acquireWriter(ctx context.Context) error {
	select {
	case <-c.writerSlot:
	default:
		select {
		case <-c.writerSlot:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrConnClosed
		}
	}
	if c.isDone() {
		c.releaseWriter()
		return ErrConnClosed
	}
	return nil
}

func (c *Conn) releaseWriter() {
	c.writerSlot <- struct{}{}
}

// Write buffers p, sending full fragments as they accumulate. Text
// messages are checked for UTF-8 incrementally.
func (w *MessageWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, &UsageError{Op: "write", Msg: "message writer is closed"}
	}
	if w.typ == TextMessage {
		if err := w.utf8.Validate(p); err != nil {
			return 0, &UsageError{Op: "write", Msg: "text message is not valid UTF-8"}
		}
	}
	w.buf.Write(p)

	size := w.conn.cfg.FragmentSize
	for w.buf.Len() >= size {
		if err := w.flushFrame(w.buf.B[:size], false); err != nil {
			return 0, err
		}
		w.buf.B = w.buf.B[:copy(w.buf.B, w.buf.B[size:])]
	}
	return len(p), nil
}

// Flush sends buffered payload as a non-final fragment.
func (w *MessageWriter) Flush() error {
	if w.closed {
		return &UsageError{Op: "flush", Msg: "message writer is closed"}
	}
	if w.buf.Len() == 0 {
		return nil
	}
	if err := w.flushFrame(w.buf.B, false); err != nil {
		return err
	}
	w.buf.Reset()
	return nil
}

// Close sends the remaining payload with FIN set and lets the next writer
// in. A text message that ends inside a UTF-8 sequence is not finished;
// the writer stays open.
func (w *MessageWriter) Close() error {
	if w.closed {
		return nil
	}
	if w.typ == TextMessage && w.utf8.Incomplete() {
		return &UsageError{Op: "close", Msg: "text message ends inside a UTF-8 sequence"}
	}
	w.closed = true
	defer func() {
		bytebufferpool.Put(w.buf)
		w.buf = nil
		w.conn.releaseWriter()
	}()
	return w.flushFrame(w.buf.B, true)
}

func (w *MessageWriter) flushFrame(p []byte, fin bool) error {
	op := OpContinuation
	if !w.started {
		op = Opcode(w.typ)
	}
	if err := w.conn.writeFrame(op, fin, p); err != nil {
		return err
	}
	w.started = true
	return nil
}

// WriteMessage sends data as a single frame once no other message is being
// written.
func (c *Conn) WriteMessage(ctx context.Context, typ MessageType, data []byte) error {
	if !typ.valid() {
		return &UsageError{Op: "write", Msg: "message type must be text or binary"}
	}
	if typ == TextMessage && !ValidUTF8(data) {
		return &UsageError{Op: "write", Msg: "text message is not valid UTF-8"}
	}
	if err := c.acquireWriter(ctx); err != nil {
		return err
	}
	defer c.releaseWriter()
	return c.writeFrame(Opcode(typ), true, data)
}

// Write implements io.Writer by sending p as one binary message.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(context.Background(), BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
