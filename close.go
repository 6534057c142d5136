package wsclient

import "encoding/binary"

// ParseClosePayload splits a CLOSE payload into status code and reason.
// An empty payload carries no status (code 0). A 1-byte payload, a status
// a peer may not send, or a reason that is not UTF-8 is a ProtocolError.
func ParseClosePayload(p []byte) (StatusCode, string, error) {
	switch {
	case len(p) == 0:
		return 0, "", nil
	case len(p) == 1:
		return 0, "", protocolError("close payload of 1 byte")
	case len(p) > maxControlPayloadLength:
		return 0, "", protocolError("close payload of %d bytes", len(p))
	}

	code := StatusCode(binary.BigEndian.Uint16(p))
	if !code.ValidReceived() {
		return 0, "", protocolError("invalid close status %d", uint16(code))
	}
	reason := p[2:]
	if !ValidUTF8(reason) {
		return 0, "", &ProtocolError{Code: StatusInvalidFramePayloadData, Reason: "close reason is not valid UTF-8", Err: ErrInvalidUTF8}
	}
	return code, string(reason), nil
}

// AppendClosePayload appends the wire form of code and reason to dst. A
// zero code produces an empty payload.
func AppendClosePayload(dst []byte, code StatusCode, reason string) []byte {
	if code == 0 {
		return dst
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(code))
	return append(dst, reason...)
}

// validateCloseArgs checks an application close request before anything
// is put on the wire.
func validateCloseArgs(code StatusCode, reason string) error {
	if !code.ValidSend() {
		return &UsageError{Op: "close", Msg: "status code must be 1000 or in 3000-4999"}
	}
	if len(reason) > maxCloseReasonLength {
		return &UsageError{Op: "close", Msg: "reason exceeds 123 bytes"}
	}
	if !ValidUTF8([]byte(reason)) {
		return &UsageError{Op: "close", Msg: "reason is not valid UTF-8"}
	}
	return nil
}
