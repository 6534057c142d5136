package wsclient

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is returned by every blocking or new call once the
	// connection has been torn down.
	ErrConnClosed = errors.New("websocket: connection closed")

	// ErrInvalidUTF8 reports a byte sequence that can never become valid
	// UTF-8.
	ErrInvalidUTF8 = errors.New("websocket: invalid UTF-8")

	// ErrIncompleteUTF8 reports input that ended inside a multi-byte
	// sequence.
	ErrIncompleteUTF8 = errors.New("websocket: incomplete UTF-8 sequence")

	// ErrStaleFrame is returned when a frame view is used after its
	// backing buffer was reissued or grown.
	ErrStaleFrame = errors.New("websocket: frame view outlived its buffer")

	// ErrIdleTimeout is the abort cause when no frame arrived within the
	// idle timeout the server negotiated.
	ErrIdleTimeout = errors.New("websocket: idle timeout")
)

// ProtocolError is a fatal violation of RFC 6455 framing rules. Code is the
// status sent to the peer in the CLOSE frame that ends the connection. Err,
// when set, is the underlying cause, such as ErrInvalidUTF8.
type ProtocolError struct {
	Code   StatusCode
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket: protocol error (%d %s): %s", e.Code, e.Code, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// payloadError reports text payload that is not UTF-8.
func payloadError(err error) *ProtocolError {
	return &ProtocolError{Code: StatusInvalidFramePayloadData, Reason: err.Error(), Err: err}
}

func protocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: StatusProtocolError, Reason: fmt.Sprintf(format, args...)}
}

// CapacityError reports a frame or message larger than the configured
// maximum message size.
type CapacityError struct {
	Limit int64
	Size  int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("websocket: message of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// TransportError wraps a failure of the underlying byte streams.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("websocket: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UsageError reports API misuse. It never changes connection state.
type UsageError struct {
	Op  string
	Msg string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("websocket: %s: %s", e.Op, e.Msg)
}

// CloseError is returned to readers after the peer completed a close
// handshake.
type CloseError struct {
	Code   StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Code == 0 {
		return "websocket: connection closed by peer without status"
	}
	return fmt.Sprintf("websocket: connection closed by peer (%d %s) %q", e.Code, e.Code, e.Reason)
}

// HandshakeError reports a failed or invalid opening handshake.
type HandshakeError struct {
	Status int
	Msg    string
}

func (e *HandshakeError) Error() string {
	if e.Status == 0 {
		return "websocket: bad handshake: " + e.Msg
	}
	return fmt.Sprintf("websocket: bad handshake (status %d): %s", e.Status, e.Msg)
}

// closeCodeFor picks the status sent to the peer when err aborts the
// connection.
func closeCodeFor(err error) StatusCode {
	var pe *ProtocolError
	var ce *CapacityError
	switch {
	case errors.As(err, &pe):
		return pe.Code
	case errors.As(err, &ce):
		return StatusMessageTooBig
	case errors.Is(err, ErrInvalidUTF8), errors.Is(err, ErrIncompleteUTF8):
		return StatusInvalidFramePayloadData
	case errors.Is(err, ErrIdleTimeout):
		return StatusGoingAway
	default:
		return StatusInternalServerError
	}
}
