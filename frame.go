package wsclient

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	finBit  = byte(1 << 7)
	rsv1    = byte(1 << 6)
	rsv2    = byte(1 << 5)
	rsv3    = byte(1 << 4)
	maskBit = byte(1 << 7)

	reservedMask = rsv1 | rsv2 | rsv3

	len7Max       = 125
	len16Marker   = 126
	len64Marker   = 127
	len16Max      = 0xFFFF
	maskKeyLength = 4
)

// Reserved header bits an extension may claim.
const (
	RSV1 = rsv1
	RSV2 = rsv2
	RSV3 = rsv3
)

// FrameBuffer owns the bytes that Frame and MutableFrame views point into.
// Every reuse or growth starts a new generation; views from an older
// generation report Stale and refuse payload access.
type FrameBuffer struct {
	data []byte
	gen  uint64
}

// NewFrameBuffer allocates a buffer of the given capacity.
func NewFrameBuffer(capacity int) *FrameBuffer {
	return &FrameBuffer{data: make([]byte, capacity)}
}

// Cap returns the number of bytes the buffer can hold without growing.
func (b *FrameBuffer) Cap() int {
	return len(b.data)
}

// Generation returns the current generation counter.
func (b *FrameBuffer) Generation() uint64 {
	return b.gen
}

// reissue invalidates every outstanding view.
func (b *FrameBuffer) reissue() {
	b.gen++
}

// grow ensures capacity for needed bytes, allocating max(needed, ceiling)
// and carrying the first preserve bytes over.
func (b *FrameBuffer) grow(needed, preserve, ceiling int) {
	if needed <= len(b.data) {
		return
	}
	size := needed
	if ceiling > size {
		size = ceiling
	}
	data := make([]byte, size)
	copy(data, b.data[:preserve])
	b.data = data
	b.gen++
}

func (b *FrameBuffer) view(offset, limit int) Frame {
	return Frame{data: b.data[:limit], offset: offset, owner: b, gen: b.gen}
}

// Frame is a read-only view of one encoded frame starting at offset in a
// byte slice. Every accessor is computed from the bytes; nothing is
// cached, so the view costs nothing to create and must not outlive the
// bytes it points into.
type Frame struct {
	data   []byte
	offset int
	owner  *FrameBuffer
	gen    uint64
}

// WrapFrame binds a view to data[offset:]. It fails with a ProtocolError
// when the opcode is reserved or the buffer is shorter than the header and
// declared payload.
func WrapFrame(data []byte, offset int) (Frame, error) {
	f := Frame{data: data, offset: offset}
	if err := f.check(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) check() error {
	if f.offset < 0 || len(f.data)-f.offset < 2 {
		return protocolError("frame header truncated")
	}
	if _, ok := opcodeFromByte(f.data[f.offset]); !ok {
		return protocolError("unknown opcode 0x%X", f.data[f.offset]&0x0F)
	}
	if len(f.data) < f.PayloadOffset() {
		return protocolError("frame header truncated")
	}
	if f.lengthFieldSize() == 8 && f.data[f.offset+2]&0x80 != 0 {
		return protocolError("payload length has the most significant bit set")
	}
	if int64(len(f.data)-f.PayloadOffset()) < f.PayloadLength() {
		return protocolError("buffer holds %d payload bytes, frame declares %d",
			len(f.data)-f.PayloadOffset(), f.PayloadLength())
	}
	return nil
}

// Stale reports whether the owning buffer was reissued since the view was
// made.
func (f Frame) Stale() bool {
	return f.owner != nil && f.owner.gen != f.gen
}

func (f Frame) Fin() bool {
	return f.data[f.offset]&finBit != 0
}

// Reserved returns the RSV1-3 bits in their header positions.
func (f Frame) Reserved() byte {
	return f.data[f.offset] & reservedMask
}

func (f Frame) Opcode() Opcode {
	return Opcode(f.data[f.offset] & 0x0F)
}

func (f Frame) Masked() bool {
	return f.data[f.offset+1]&maskBit != 0
}

func (f Frame) lengthFieldSize() int {
	switch f.data[f.offset+1] &^ maskBit {
	case len16Marker:
		return 2
	case len64Marker:
		return 8
	default:
		return 0
	}
}

func (f Frame) PayloadLength() int64 {
	b := f.data[f.offset+1] &^ maskBit
	switch b {
	case len16Marker:
		return int64(binary.BigEndian.Uint16(f.data[f.offset+2:]))
	case len64Marker:
		return int64(binary.BigEndian.Uint64(f.data[f.offset+2:]))
	default:
		return int64(b)
	}
}

// MaskOffset is where the mask key starts, or would start, in the buffer.
func (f Frame) MaskOffset() int {
	return f.offset + 2 + f.lengthFieldSize()
}

// MaskKey returns the 4-byte key, zero when the frame is unmasked.
func (f Frame) MaskKey() [4]byte {
	var key [4]byte
	if f.Masked() {
		copy(key[:], f.data[f.MaskOffset():])
	}
	return key
}

// HeaderLength is the number of bytes before the payload.
func (f Frame) HeaderLength() int {
	return f.PayloadOffset() - f.offset
}

func (f Frame) PayloadOffset() int {
	if f.Masked() {
		return f.MaskOffset() + maskKeyLength
	}
	return f.MaskOffset()
}

// Limit is the offset one past the last payload byte.
func (f Frame) Limit() int {
	return f.PayloadOffset() + int(f.PayloadLength())
}

// Payload returns the payload bytes as they sit in the buffer, still
// masked when Masked is true. The slice is borrowed.
func (f Frame) Payload() []byte {
	return f.data[f.PayloadOffset():f.Limit()]
}

// PayloadGet copies the unmasked payload into dst and returns
// min(PayloadLength, len(dst)).
func (f Frame) PayloadGet(dst []byte) (int, error) {
	if f.Stale() {
		return 0, ErrStaleFrame
	}
	n := copy(dst, f.Payload())
	if f.Masked() {
		maskBytes(f.MaskKey(), 0, dst[:n])
	}
	return n, nil
}

// Bytes returns the whole encoded frame.
func (f Frame) Bytes() []byte {
	return f.data[f.offset:f.Limit()]
}

func (f Frame) String() string {
	return fmt.Sprintf("fin: %v, rsv: %03b, opcode: %v, masked: %v, payloadLength: %d",
		f.Fin(), f.Reserved()>>4, f.Opcode(), f.Masked(), f.PayloadLength())
}

// MutableFrame encodes a frame into a FrameBuffer. Obtain one from
// FrameFactory.GetFrame; it is valid until the next GetFrame for the same
// opcode class.
type MutableFrame struct {
	buf    *FrameBuffer
	gen    uint64
	length int
}

func (m *MutableFrame) data() ([]byte, error) {
	if m.buf.gen != m.gen {
		return nil, ErrStaleFrame
	}
	return m.buf.data, nil
}

// SetOpcodeAndFin writes the first header byte, clearing the reserved
// bits.
func (m *MutableFrame) SetOpcodeAndFin(op Opcode, fin bool) error {
	data, err := m.data()
	if err != nil {
		return err
	}
	b := byte(op) & 0x0F
	if fin {
		b |= finBit
	}
	data[0] = b
	return nil
}

// SetReserved sets RSV1-3 to bits, given in their header positions.
func (m *MutableFrame) SetReserved(bits byte) error {
	data, err := m.data()
	if err != nil {
		return err
	}
	data[0] = data[0]&^reservedMask | bits&reservedMask
	return nil
}

// PayloadPut writes the length fields and an unmasked payload.
func (m *MutableFrame) PayloadPut(src []byte) error {
	data, err := m.data()
	if err != nil {
		return err
	}
	n := 1 + putLength(data[1:], int64(len(src)), false)
	if len(data) < n+len(src) {
		return &CapacityError{Limit: int64(len(data) - n), Size: int64(len(src))}
	}
	m.length = n + copy(data[n:], src)
	return nil
}

// MaskedPayloadPut reads a fresh 4-byte key from rng, then writes the
// length fields, the key and the payload XORed with it.
func (m *MutableFrame) MaskedPayloadPut(src []byte, rng io.Reader) error {
	data, err := m.data()
	if err != nil {
		return err
	}
	n := 1 + putLength(data[1:], int64(len(src)), true)
	if len(data) < n+maskKeyLength+len(src) {
		return &CapacityError{Limit: int64(len(data) - n - maskKeyLength), Size: int64(len(src))}
	}

	var key [4]byte
	if _, err := io.ReadFull(rng, key[:]); err != nil {
		return fmt.Errorf("generate mask key: %w", err)
	}
	n += copy(data[n:], key[:])
	payload := data[n : n+len(src)]
	copy(payload, src)
	maskBytes(key, 0, payload)
	m.length = n + len(src)
	return nil
}

// Bytes returns the encoded frame written so far.
func (m *MutableFrame) Bytes() []byte {
	return m.buf.data[:m.length]
}

// Frame returns a read-only view of the encoded frame.
func (m *MutableFrame) Frame() (Frame, error) {
	if m.buf.gen != m.gen {
		return Frame{}, ErrStaleFrame
	}
	return m.buf.view(0, m.length), nil
}

// putLength writes the second header byte and any extended length into
// dst, returning the number of bytes used.
func putLength(dst []byte, n int64, masked bool) int {
	var mb byte
	if masked {
		mb = maskBit
	}
	switch {
	case n <= len7Max:
		dst[0] = mb | byte(n)
		return 1
	case n <= len16Max:
		dst[0] = mb | len16Marker
		binary.BigEndian.PutUint16(dst[1:], uint16(n))
		return 3
	default:
		dst[0] = mb | len64Marker
		binary.BigEndian.PutUint64(dst[1:], uint64(n))
		return 9
	}
}

// headerLength returns the encoded header size for a payload of n bytes.
func headerLength(n int64, masked bool) int {
	size := 2
	switch {
	case n > len16Max:
		size += 8
	case n > len7Max:
		size += 2
	}
	if masked {
		size += maskKeyLength
	}
	return size
}

// maskBytes XORs b with key, starting at key position pos, and returns the
// position to continue from.
func maskBytes(key [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}
	return (pos + len(b)) & 3
}
