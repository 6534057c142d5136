package wsclient

import (
	"bufio"
	"encoding/binary"
	"io"
)

// FrameReader decodes frames from a byte stream into a single reusable
// FrameBuffer. The Frame returned by ReadFrame is valid until the next
// call.
type FrameReader struct {
	// Reserved holds the RSV bits an extension claimed. Any other reserved
	// bit fails the frame before its opcode is looked at.
	Reserved byte

	r       *bufio.Reader
	buf     *FrameBuffer
	factory *FrameFactory
}

// NewFrameReader reads from r, reusing r when it already is a
// *bufio.Reader. Limits come from factory.
func NewFrameReader(r io.Reader, factory *FrameFactory) *FrameReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, defaultIOBufferSize)
	}
	return &FrameReader{
		r:       br,
		buf:     NewFrameBuffer(initialFrameBufferCapacity),
		factory: factory,
	}
}

// ReadFrame blocks until a whole frame is buffered. Header problems are
// reported before any payload is read, so an oversized frame never causes
// an allocation. A clean end of stream before the first header byte is
// io.EOF; anything shorter is io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	fr.buf.reissue()
	data := fr.buf.data

	if _, err := io.ReadFull(fr.r, data[:2]); err != nil {
		return Frame{}, err
	}

	if rsv := data[0] & reservedMask; rsv&^fr.Reserved != 0 {
		return Frame{}, protocolError("reserved bits %03b set without a negotiated extension", rsv>>4)
	}
	op, ok := opcodeFromByte(data[0])
	if !ok {
		return Frame{}, protocolError("unknown opcode 0x%X", data[0]&0x0F)
	}

	hdrLen := 2
	switch data[1] &^ maskBit {
	case len16Marker:
		hdrLen += 2
	case len64Marker:
		hdrLen += 8
	}
	if data[1]&maskBit != 0 {
		hdrLen += maskKeyLength
	}
	if err := readFull(fr.r, data[2:hdrLen]); err != nil {
		return Frame{}, err
	}

	var length int64
	switch data[1] &^ maskBit {
	case len16Marker:
		length = int64(binary.BigEndian.Uint16(data[2:]))
	case len64Marker:
		if data[2]&0x80 != 0 {
			return Frame{}, protocolError("payload length has the most significant bit set")
		}
		length = int64(binary.BigEndian.Uint64(data[2:]))
	default:
		length = int64(data[1] &^ maskBit)
	}

	if err := fr.factory.checkLength(op, data[0]&finBit != 0, length); err != nil {
		return Frame{}, err
	}

	total := hdrLen + int(length)
	if total > fr.buf.Cap() {
		fr.buf.grow(total, hdrLen, int(fr.factory.maxMessageSize)+MaxHeaderLen)
		data = fr.buf.data
	}
	if err := readFull(fr.r, data[hdrLen:total]); err != nil {
		return Frame{}, err
	}
	return fr.buf.view(0, total), nil
}

// readFull is io.ReadFull where running out of input mid-frame is never a
// clean io.EOF.
func readFull(r io.Reader, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := io.ReadFull(r, p); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}
