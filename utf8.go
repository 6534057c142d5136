package wsclient

// UTF8Validator checks UTF-8 (RFC 3629) incrementally. A multi-byte
// sequence split across two calls is carried forward as remaining byte
// count plus partial code point, so TEXT payloads can be validated frame
// by frame and read by read.
//
// The zero value is ready to use.
type UTF8Validator struct {
	remaining int
	codePoint rune
	min       rune
	failed    bool
}

// Reset discards any carried state.
func (v *UTF8Validator) Reset() {
	*v = UTF8Validator{}
}

// Incomplete reports whether the bytes seen so far end inside a
// multi-byte sequence.
func (v *UTF8Validator) Incomplete() bool {
	return v.remaining > 0
}

// Validate consumes p. It returns ErrInvalidUTF8 as soon as a byte makes
// the stream invalid; an unfinished trailing sequence is not an error.
func (v *UTF8Validator) Validate(p []byte) error {
	if v.failed {
		return ErrInvalidUTF8
	}
	for i := 0; i < len(p); i++ {
		b := p[i]
		if v.remaining == 0 && b < 0x80 {
			continue
		}
		if _, _, err := v.step(b); err != nil {
			return err
		}
	}
	return nil
}

// Finish ends the stream. It returns ErrIncompleteUTF8 when a sequence was
// left open and resets the validator either way.
func (v *UTF8Validator) Finish() error {
	failed, incomplete := v.failed, v.remaining > 0
	v.Reset()
	switch {
	case failed:
		return ErrInvalidUTF8
	case incomplete:
		return ErrIncompleteUTF8
	default:
		return nil
	}
}

// AppendRunes validates p and appends every code point it completes to
// dst.
func (v *UTF8Validator) AppendRunes(dst []rune, p []byte) ([]rune, error) {
	if v.failed {
		return dst, ErrInvalidUTF8
	}
	for _, b := range p {
		r, done, err := v.step(b)
		if err != nil {
			return dst, err
		}
		if done {
			dst = append(dst, r)
		}
	}
	return dst, nil
}

func (v *UTF8Validator) step(b byte) (rune, bool, error) {
	if v.remaining == 0 {
		switch {
		case b < 0x80:
			return rune(b), true, nil
		case b&0xE0 == 0xC0:
			v.remaining, v.codePoint, v.min = 1, rune(b&0x1F), 0x80
		case b&0xF0 == 0xE0:
			v.remaining, v.codePoint, v.min = 2, rune(b&0x0F), 0x800
		case b&0xF8 == 0xF0:
			v.remaining, v.codePoint, v.min = 3, rune(b&0x07), 0x10000
		default:
			// lone continuation byte or 0xF8-0xFF
			return v.fail()
		}
		return 0, false, nil
	}

	if b&0xC0 != 0x80 {
		return v.fail()
	}
	v.codePoint = v.codePoint<<6 | rune(b&0x3F)
	v.remaining--
	if v.remaining > 0 {
		return 0, false, nil
	}

	r := v.codePoint
	switch {
	case r < v.min:
		// overlong encoding
		return v.fail()
	case r > 0x10FFFF:
		return v.fail()
	case r >= 0xD800 && r <= 0xDFFF:
		return v.fail()
	}
	v.codePoint, v.min = 0, 0
	return r, true, nil
}

func (v *UTF8Validator) fail() (rune, bool, error) {
	v.remaining, v.codePoint, v.min = 0, 0, 0
	v.failed = true
	return 0, false, ErrInvalidUTF8
}

// ValidUTF8 reports whether b is complete, valid UTF-8.
func ValidUTF8(b []byte) bool {
	return ValidUTF8Range(b, 0, len(b))
}

// ValidUTF8Range validates b[offset:limit].
func ValidUTF8Range(b []byte, offset, limit int) bool {
	if offset < 0 || limit > len(b) || offset > limit {
		return false
	}
	var v UTF8Validator
	if err := v.Validate(b[offset:limit]); err != nil {
		return false
	}
	return v.Finish() == nil
}

// DecodeUTF8 validates b and returns its code points.
func DecodeUTF8(b []byte) ([]rune, error) {
	var v UTF8Validator
	runes, err := v.AppendRunes(make([]rune, 0, len(b)), b)
	if err != nil {
		return nil, err
	}
	if err := v.Finish(); err != nil {
		return nil, err
	}
	return runes, nil
}
