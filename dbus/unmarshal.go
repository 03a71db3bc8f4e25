package dbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Unmarshaller performs byte-exact, signature-driven deserialization,
// the inverse of Marshaller (spec.md §4.C).
//
// Ported and generalized from marselester/systemd's decoder.go, which
// hardcoded two message shapes; this version drives off a parsed
// Signature instead, and type-checks every read against it.
type Unmarshaller struct {
	elems      []Element
	idx        int
	repeatElem *Element

	data   []byte
	order  binary.ByteOrder
	offset uint32
	conv   *stringConverter
}

// NewUnmarshaller creates an Unmarshaller reading data against sig.
// baseOffset is the data's byte offset relative to the start of the
// enclosing message (see NewMarshaller for when this matters).
func NewUnmarshaller(data []byte, sig Signature, order binary.ByteOrder, baseOffset uint32) *Unmarshaller {
	return &Unmarshaller{elems: sig.Elements, data: data, order: order, offset: baseOffset}
}

func newSubUnmarshaller(data []byte, order binary.ByteOrder, baseOffset uint32) *Unmarshaller {
	return &Unmarshaller{data: data, order: order, offset: baseOffset}
}

// withStringConverter attaches conv, the connection-owned allocation
// batcher, so readLPString mints decoded strings from it instead of
// one allocation per string. Left nil, a freshly constructed
// Unmarshaller just falls back to a plain conversion.
func (u *Unmarshaller) withStringConverter(conv *stringConverter) *Unmarshaller {
	u.conv = conv
	return u
}

// rebind is the decode-side counterpart of Marshaller.rebind.
func (u *Unmarshaller) rebind(elems []Element) {
	u.elems = elems
	u.idx = 0
	u.repeatElem = nil
}

// Offset returns the current read position relative to the base offset
// the Unmarshaller was constructed with.
func (u *Unmarshaller) Offset() uint32 { return u.offset }

// Remaining returns the count of unread bytes.
func (u *Unmarshaller) Remaining() int { return len(u.data) }

// Done reports whether every element of the signature has been read.
func (u *Unmarshaller) Done() bool {
	return u.repeatElem == nil && u.idx == len(u.elems)
}

func (u *Unmarshaller) next(kind Kind) (Element, error) {
	if u.repeatElem != nil {
		if u.repeatElem.Kind != kind {
			return Element{}, fmt.Errorf("%w: got %c, expected %s", ErrElementMismatch, byte(kind), u.repeatElem.String())
		}
		return *u.repeatElem, nil
	}
	if u.idx >= len(u.elems) {
		return Element{}, fmt.Errorf("%w: no more elements in signature, got %c", ErrElementMismatch, byte(kind))
	}
	e := u.elems[u.idx]
	if e.Kind != kind {
		return Element{}, fmt.Errorf("%w: got %c, expected %s", ErrElementMismatch, byte(kind), e.String())
	}
	u.idx++
	return e, nil
}

func (u *Unmarshaller) align(n uint32) error {
	next, padding := nextOffset(u.offset, n)
	if padding == 0 {
		return nil
	}
	if uint32(len(u.data)) < padding {
		return ErrTruncated
	}
	u.data = u.data[padding:]
	u.offset = next
	return nil
}

func (u *Unmarshaller) readN(n uint32) ([]byte, error) {
	if uint32(len(u.data)) < n {
		return nil, ErrTruncated
	}
	b := u.data[:n]
	u.data = u.data[n:]
	u.offset += n
	return b, nil
}

func (u *Unmarshaller) readUint16() (uint16, error) {
	if err := u.align(2); err != nil {
		return 0, err
	}
	b, err := u.readN(2)
	if err != nil {
		return 0, err
	}
	return u.order.Uint16(b), nil
}

func (u *Unmarshaller) readUint32() (uint32, error) {
	if err := u.align(4); err != nil {
		return 0, err
	}
	b, err := u.readN(4)
	if err != nil {
		return 0, err
	}
	return u.order.Uint32(b), nil
}

func (u *Unmarshaller) readUint64() (uint64, error) {
	if err := u.align(8); err != nil {
		return 0, err
	}
	b, err := u.readN(8)
	if err != nil {
		return 0, err
	}
	return u.order.Uint64(b), nil
}

// Byte reads a D-Bus BYTE.
func (u *Unmarshaller) Byte() (byte, error) {
	if _, err := u.next(KindByte); err != nil {
		return 0, err
	}
	b, err := u.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a D-Bus BOOLEAN.
func (u *Unmarshaller) Bool() (bool, error) {
	if _, err := u.next(KindBool); err != nil {
		return false, err
	}
	v, err := u.readUint32()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("%w: bool: %d", ErrInvalidValue, v)
	}
	return v == 1, nil
}

// Int16 reads a D-Bus INT16.
func (u *Unmarshaller) Int16() (int16, error) {
	if _, err := u.next(KindInt16); err != nil {
		return 0, err
	}
	v, err := u.readUint16()
	return int16(v), err
}

// Uint16 reads a D-Bus UINT16.
func (u *Unmarshaller) Uint16() (uint16, error) {
	if _, err := u.next(KindUint16); err != nil {
		return 0, err
	}
	return u.readUint16()
}

// Int32 reads a D-Bus INT32.
func (u *Unmarshaller) Int32() (int32, error) {
	if _, err := u.next(KindInt32); err != nil {
		return 0, err
	}
	v, err := u.readUint32()
	return int32(v), err
}

// Uint32 reads a D-Bus UINT32.
func (u *Unmarshaller) Uint32() (uint32, error) {
	if _, err := u.next(KindUint32); err != nil {
		return 0, err
	}
	return u.readUint32()
}

// Int64 reads a D-Bus INT64.
func (u *Unmarshaller) Int64() (int64, error) {
	if _, err := u.next(KindInt64); err != nil {
		return 0, err
	}
	v, err := u.readUint64()
	return int64(v), err
}

// Uint64 reads a D-Bus UINT64.
func (u *Unmarshaller) Uint64() (uint64, error) {
	if _, err := u.next(KindUint64); err != nil {
		return 0, err
	}
	return u.readUint64()
}

// UnixFD reads a D-Bus UNIX_FD index (see Marshaller.UnixFD).
func (u *Unmarshaller) UnixFD() (uint32, error) {
	if _, err := u.next(KindUnixFD); err != nil {
		return 0, err
	}
	return u.readUint32()
}

// Double reads a D-Bus DOUBLE.
func (u *Unmarshaller) Double() (float64, error) {
	if _, err := u.next(KindDouble); err != nil {
		return 0, err
	}
	v, err := u.readUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// String reads a D-Bus STRING, validating UTF-8 and the trailing NUL.
func (u *Unmarshaller) String() (string, error) {
	if _, err := u.next(KindString); err != nil {
		return "", err
	}
	return u.readLPString()
}

// ObjectPath reads a D-Bus OBJECT_PATH, validating its syntax.
func (u *Unmarshaller) ObjectPath() (string, error) {
	if _, err := u.next(KindObjectPath); err != nil {
		return "", err
	}
	s, err := u.readLPString()
	if err != nil {
		return "", err
	}
	if !IsValidObjectPath(s) {
		return "", fmt.Errorf("%w: object_path: %q", ErrInvalidValue, s)
	}
	return s, nil
}

func (u *Unmarshaller) readLPString() (string, error) {
	length, err := u.readUint32()
	if err != nil {
		return "", err
	}
	b, err := u.readN(length + 1)
	if err != nil {
		return "", ErrTruncated
	}
	if b[length] != 0 {
		return "", fmt.Errorf("%w: string: missing NUL terminator", ErrInvalidValue)
	}
	s := b[:length]
	if !utf8.Valid(s) {
		return "", fmt.Errorf("%w: string: invalid UTF-8", ErrInvalidValue)
	}
	if u.conv != nil {
		return u.conv.String(s), nil
	}
	return string(s), nil
}

// Signature reads a D-Bus SIGNATURE value.
func (u *Unmarshaller) Signature() (string, error) {
	if _, err := u.next(KindSignature); err != nil {
		return "", err
	}
	return u.readSignatureBytes()
}

func (u *Unmarshaller) readSignatureBytes() (string, error) {
	lb, err := u.readN(1)
	if err != nil {
		return "", err
	}
	length := uint32(lb[0])
	b, err := u.readN(length + 1)
	if err != nil {
		return "", ErrTruncated
	}
	if b[length] != 0 {
		return "", fmt.Errorf("%w: signature: missing NUL terminator", ErrInvalidValue)
	}
	return string(b[:length]), nil
}

// Variant reads a D-Bus VARIANT: the embedded signature (which must
// describe exactly one element), then invokes read against a
// sub-unmarshaller for that element's value. The value is aligned
// relative to the start of the variant payload (the signature length
// byte counts as offset 0), matching Marshaller.Variant.
func (u *Unmarshaller) Variant(read func(sig Element, sub *Unmarshaller) error) error {
	if _, err := u.next(KindVariant); err != nil {
		return err
	}
	base := u.offset
	sig, err := u.readSignatureBytes()
	if err != nil {
		return err
	}
	elem, err := ParseSingle(sig)
	if err != nil {
		return err
	}
	sub := newSubUnmarshaller(u.data, u.order, u.offset-base)
	sub.repeatElem = &elem
	if err := read(elem, sub); err != nil {
		return err
	}
	u.offset = base + sub.offset
	u.data = sub.data
	return nil
}

// Array reads a D-Bus ARRAY, invoking read once per element against a
// sub-unmarshaller bound to the array's element type, until the
// element payload is exhausted.
func (u *Unmarshaller) Array(read func(item *Unmarshaller) error) error {
	e, err := u.next(KindArray)
	if err != nil {
		return err
	}
	length, err := u.readUint32()
	if err != nil {
		return err
	}
	payload, rest, err := u.splitPaddedPayload(length, e.Elem.Align())
	if err != nil {
		return err
	}
	sub := newSubUnmarshaller(payload, u.order, u.offset)
	sub.repeatElem = e.Elem
	for len(sub.data) > 0 {
		if err := read(sub); err != nil {
			return err
		}
	}
	u.offset = sub.offset
	u.data = rest
	return nil
}

// splitPaddedPayload consumes the alignment padding between an array's
// length field and its first element, then splits off exactly the
// element bytes that follow: length counts both the padding and the
// elements, so the element-only slice is length minus the padding
// actually consumed.
func (u *Unmarshaller) splitPaddedPayload(length, elemAlign uint32) (payload, rest []byte, err error) {
	_, padding := nextOffset(u.offset, elemAlign)
	if padding > length {
		return nil, nil, fmt.Errorf("%w: array length %d shorter than its own alignment padding", ErrInvalidMessageFormat, length)
	}
	if err := u.align(elemAlign); err != nil {
		return nil, nil, err
	}
	elemBytes := length - padding
	if uint32(len(u.data)) < elemBytes {
		return nil, nil, ErrTruncated
	}
	return u.data[:elemBytes], u.data[elemBytes:], nil
}

// Dict reads a D-Bus dictionary (array of dict-entries), invoking read
// once per entry against a sub-unmarshaller positioned at that entry's
// "{kv}" pair: call entry.<Type>() once for the key, then once more for
// the value, exactly as with Struct's two-field content. Iteration
// continues until the entry payload is exhausted. A dictionary's length
// field aligns to 8, unlike a plain array's 4 (spec.md §3), so the
// 8-byte alignment is applied before reading it.
func (u *Unmarshaller) Dict(read func(entry *Unmarshaller) error) error {
	e, err := u.next(KindDictEntry)
	if err != nil {
		return err
	}
	if err := u.align(8); err != nil {
		return err
	}
	length, err := u.readUint32()
	if err != nil {
		return err
	}
	payload, rest, err := u.splitPaddedPayload(length, 8)
	if err != nil {
		return err
	}
	sub := newSubUnmarshaller(payload, u.order, u.offset)
	for len(sub.data) > 0 {
		if err := sub.align(8); err != nil {
			return err
		}
		entry := &Unmarshaller{elems: []Element{*e.Elem, *e.Elem2}, data: sub.data, order: sub.order, offset: sub.offset}
		if err := read(entry); err != nil {
			return err
		}
		if !entry.Done() {
			return fmt.Errorf("%w: dict-entry: %d of %d fields read", ErrIncomplete, entry.idx, len(entry.elems))
		}
		sub.offset = entry.offset
		sub.data = entry.data
	}
	u.offset = sub.offset
	u.data = rest
	return nil
}

// Struct reads a D-Bus STRUCT: discards the 8-byte alignment padding,
// then drives read against a sub-unmarshaller bound to the struct's
// field sequence, whose offset continues from the struct's start so
// each field is aligned to its own element's alignment.
func (u *Unmarshaller) Struct(read func(*Unmarshaller) error) error {
	e, err := u.next(KindStruct)
	if err != nil {
		return err
	}
	if err := u.align(8); err != nil {
		return err
	}
	sub := &Unmarshaller{elems: e.Fields, data: u.data, order: u.order, offset: u.offset}
	if err := read(sub); err != nil {
		return err
	}
	if !sub.Done() {
		return fmt.Errorf("%w: struct: %d of %d fields read", ErrIncomplete, sub.idx, len(sub.elems))
	}
	u.offset = sub.offset
	u.data = sub.data
	return nil
}
