package dbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// AlignMode labels what a Marshaller is encoding: top-level values or
// the fields of a struct (spec.md §4.B). Padding is computed the same
// way in both modes, from each element's alignment and the running
// offset; the mode is recorded but not consulted when writing.
// Unmarshaller takes no mode.
type AlignMode int

const (
	// AlignMessage applies alignment padding before every element,
	// relative to the start of the enclosing message.
	AlignMessage AlignMode = iota
	// AlignStructContent marks a struct's field sequence. The struct's
	// own 8-byte pad already satisfies the first field's alignment
	// (<=8), so that field gets no leading padding; later fields are
	// still padded to their own alignment, e.g. the 7 bytes between
	// y and x in (yx).
	AlignStructContent
)

// Marshaller performs byte-exact, signature-driven serialization. A
// Marshaller is constructed against a signature and fed values in
// left-to-right order; values whose runtime shape doesn't match the
// current element fail with ErrElementMismatch.
//
// Ported and generalized from marselester/systemd's encoder.go, which
// hardcoded two message shapes; this version drives off a parsed
// Signature instead.
type Marshaller struct {
	elems      []Element
	idx        int
	repeatElem *Element // set for array/dict item sub-marshallers

	order  binary.ByteOrder
	mode   AlignMode
	buf    bytes.Buffer
	offset uint32 // relative to baseOffset
}

// NewMarshaller creates a Marshaller for sig. baseOffset is the byte
// offset, relative to the start of the enclosing message, at which this
// marshaller's output will begin; pass 0 when the output is a
// self-contained body that will later be spliced in at an 8-byte
// boundary (every basic alignment divides 8, so a zero base is always
// safe there). The message header-fields encoder is the one caller
// that must pass a nonzero baseOffset, since header fields begin at
// byte 16 and their variants align relative to the whole message.
func NewMarshaller(sig Signature, order binary.ByteOrder, mode AlignMode, baseOffset uint32) *Marshaller {
	return &Marshaller{elems: sig.Elements, order: order, mode: mode, offset: baseOffset}
}

func newSubMarshaller(order binary.ByteOrder, baseOffset uint32) *Marshaller {
	return &Marshaller{order: order, mode: AlignMessage, offset: baseOffset}
}

// rebind points the marshaller at a new element sequence without
// touching its buffered bytes or offset, letting header.go reuse one
// marshaller across a run of header fields whose value types differ
// from one field to the next while keeping their alignment relative
// to the whole message, per spec.md §4.D.
func (m *Marshaller) rebind(elems []Element) {
	m.elems = elems
	m.idx = 0
	m.repeatElem = nil
}

// Bytes returns the bytes written so far.
func (m *Marshaller) Bytes() []byte { return m.buf.Bytes() }

// Offset returns the current write position relative to the base
// offset the Marshaller was constructed with.
func (m *Marshaller) Offset() uint32 { return m.offset }

// Done reports whether every element of the signature has been fed.
func (m *Marshaller) Done() bool {
	return m.repeatElem == nil && m.idx == len(m.elems)
}

// Finalize returns the finished byte buffer, failing with ErrIncomplete
// if the signature wasn't fully consumed.
func (m *Marshaller) Finalize() ([]byte, error) {
	if !m.Done() {
		return nil, fmt.Errorf("%w: %d of %d elements written", ErrIncomplete, m.idx, len(m.elems))
	}
	return m.buf.Bytes(), nil
}

func (m *Marshaller) align(n uint32) {
	next, padding := nextOffset(m.offset, n)
	if padding == 0 {
		return
	}
	m.buf.Write(make([]byte, padding))
	m.offset = next
}

// next validates and consumes the current signature element, expecting
// kind. Array/dict item sub-marshallers repeat the same element
// indefinitely instead of consuming a cursor.
func (m *Marshaller) next(kind Kind) (Element, error) {
	if m.repeatElem != nil {
		if m.repeatElem.Kind != kind {
			return Element{}, fmt.Errorf("%w: got %c, expected %s", ErrElementMismatch, byte(kind), m.repeatElem.String())
		}
		return *m.repeatElem, nil
	}
	if m.idx >= len(m.elems) {
		return Element{}, fmt.Errorf("%w: no more elements in signature, got %c", ErrElementMismatch, byte(kind))
	}
	e := m.elems[m.idx]
	if e.Kind != kind {
		return Element{}, fmt.Errorf("%w: got %c, expected %s", ErrElementMismatch, byte(kind), e.String())
	}
	m.idx++
	return e, nil
}

func (m *Marshaller) writeByte(b byte) {
	m.buf.WriteByte(b)
	m.offset++
}

func (m *Marshaller) writeUint16(u uint16) {
	m.align(2)
	var b [2]byte
	m.order.PutUint16(b[:], u)
	m.buf.Write(b[:])
	m.offset += 2
}

func (m *Marshaller) writeUint32(u uint32) {
	m.align(4)
	var b [4]byte
	m.order.PutUint32(b[:], u)
	m.buf.Write(b[:])
	m.offset += 4
}

func (m *Marshaller) writeUint64(u uint64) {
	m.align(8)
	var b [8]byte
	m.order.PutUint64(b[:], u)
	m.buf.Write(b[:])
	m.offset += 8
}

// Byte writes a D-Bus BYTE.
func (m *Marshaller) Byte(v byte) error {
	if _, err := m.next(KindByte); err != nil {
		return err
	}
	m.writeByte(v)
	return nil
}

// Bool writes a D-Bus BOOLEAN, encoded as a UINT32 of 0 or 1.
func (m *Marshaller) Bool(v bool) error {
	if _, err := m.next(KindBool); err != nil {
		return err
	}
	if v {
		m.writeUint32(1)
	} else {
		m.writeUint32(0)
	}
	return nil
}

// Int16 writes a D-Bus INT16.
func (m *Marshaller) Int16(v int16) error {
	if _, err := m.next(KindInt16); err != nil {
		return err
	}
	m.writeUint16(uint16(v))
	return nil
}

// Uint16 writes a D-Bus UINT16.
func (m *Marshaller) Uint16(v uint16) error {
	if _, err := m.next(KindUint16); err != nil {
		return err
	}
	m.writeUint16(v)
	return nil
}

// Int32 writes a D-Bus INT32.
func (m *Marshaller) Int32(v int32) error {
	if _, err := m.next(KindInt32); err != nil {
		return err
	}
	m.writeUint32(uint32(v))
	return nil
}

// Uint32 writes a D-Bus UINT32.
func (m *Marshaller) Uint32(v uint32) error {
	if _, err := m.next(KindUint32); err != nil {
		return err
	}
	m.writeUint32(v)
	return nil
}

// Int64 writes a D-Bus INT64.
func (m *Marshaller) Int64(v int64) error {
	if _, err := m.next(KindInt64); err != nil {
		return err
	}
	m.writeUint64(uint64(v))
	return nil
}

// Uint64 writes a D-Bus UINT64.
func (m *Marshaller) Uint64(v uint64) error {
	if _, err := m.next(KindUint64); err != nil {
		return err
	}
	m.writeUint64(v)
	return nil
}

// UnixFD writes a D-Bus UNIX_FD index. File-descriptor passing itself
// is out of scope (spec.md §1 Non-goals); only the index slot is
// supported so signatures mentioning "h" still round-trip.
func (m *Marshaller) UnixFD(v uint32) error {
	if _, err := m.next(KindUnixFD); err != nil {
		return err
	}
	m.writeUint32(v)
	return nil
}

// Double writes a D-Bus DOUBLE.
func (m *Marshaller) Double(v float64) error {
	if _, err := m.next(KindDouble); err != nil {
		return err
	}
	m.writeUint64(math.Float64bits(v))
	return nil
}

// String writes a D-Bus STRING.
func (m *Marshaller) String(v string) error {
	if _, err := m.next(KindString); err != nil {
		return err
	}
	m.writeString(v)
	return nil
}

// ObjectPath writes a D-Bus OBJECT_PATH, failing if v isn't a
// syntactically valid path.
func (m *Marshaller) ObjectPath(v string) error {
	if _, err := m.next(KindObjectPath); err != nil {
		return err
	}
	if !IsValidObjectPath(v) {
		return fmt.Errorf("%w: object_path: %q", ErrInvalidValue, v)
	}
	m.writeString(v)
	return nil
}

func (m *Marshaller) writeString(v string) {
	m.writeUint32(uint32(len(v)))
	m.buf.WriteString(v)
	m.buf.WriteByte(0)
	m.offset += uint32(len(v)) + 1
}

// Signature writes a D-Bus SIGNATURE value (the signature-as-a-string
// payload, distinct from the Marshaller's own driving signature).
func (m *Marshaller) Signature(v string) error {
	if _, err := m.next(KindSignature); err != nil {
		return err
	}
	m.writeSignatureBytes(v)
	return nil
}

func (m *Marshaller) writeSignatureBytes(v string) {
	m.buf.WriteByte(byte(len(v)))
	m.buf.WriteString(v)
	m.buf.WriteByte(0)
	m.offset += uint32(len(v)) + 2
}

// Variant writes a D-Bus VARIANT: the signature of valueSig (which
// must describe exactly one element), followed by the value written by
// write against a fresh sub-marshaller for that element. The value is
// aligned relative to the start of the variant payload (the signature
// length byte counts as offset 0), not relative to the message origin,
// so a variant's encoding is identical no matter where it's embedded.
func (m *Marshaller) Variant(valueSig string, write func(*Marshaller) error) error {
	if _, err := m.next(KindVariant); err != nil {
		return err
	}
	elem, err := ParseSingle(valueSig)
	if err != nil {
		return err
	}
	base := m.offset
	m.writeSignatureBytes(valueSig)
	sub := newSubMarshaller(m.order, m.offset-base)
	sub.repeatElem = &elem
	if err := write(sub); err != nil {
		return err
	}
	m.buf.Write(sub.buf.Bytes())
	m.offset = base + sub.offset
	return nil
}

// Array writes a D-Bus ARRAY of length elements. write is invoked once
// per element (index i), against a sub-marshaller bound to the array's
// element type.
func (m *Marshaller) Array(length int, write func(item *Marshaller, i int) error) error {
	e, err := m.next(KindArray)
	if err != nil {
		return err
	}
	return m.writeArrayLike(e.Elem.Align(), length, func(sub *Marshaller, i int) error {
		sub.repeatElem = e.Elem
		return write(sub, i)
	})
}

// DictEntry lets a DictEntries callback write a dict-entry's key and
// then its value, each against a correctly offset sub-marshaller: the
// value's alignment depends on the key's actual encoded length, so the
// key must be committed before the value marshaller is created.
type DictEntry struct {
	parent   *Marshaller
	keyElem  *Element
	valElem  *Element
	key      *Marshaller
	value    *Marshaller
}

// Key returns the sub-marshaller for the entry's key. Must be called
// (and fully written) before Value.
func (d *DictEntry) Key() *Marshaller {
	if d.key == nil {
		d.key = newSubMarshaller(d.parent.order, d.parent.offset)
		d.key.repeatElem = d.keyElem
	}
	return d.key
}

// Value returns the sub-marshaller for the entry's value, positioned
// immediately after the key that was written via Key.
func (d *DictEntry) Value() *Marshaller {
	if d.value == nil {
		d.parent.buf.Write(d.key.buf.Bytes())
		d.parent.offset = d.key.offset
		d.value = newSubMarshaller(d.parent.order, d.parent.offset)
		d.value.repeatElem = d.valElem
	}
	return d.value
}

// DictEntries writes a D-Bus dictionary (array of dict-entries) of
// length entries. write is invoked once per entry (index i); it must
// call entry.Key() and write the key, then entry.Value() and write the
// value. Each entry is pre-padded to an 8-byte boundary, and so is the
// dictionary's own length field: a dictionary aligns to 8, unlike a
// plain array's 4 (spec.md §3).
func (m *Marshaller) DictEntries(length int, write func(entry *DictEntry, i int) error) error {
	e, err := m.next(KindDictEntry)
	if err != nil {
		return err
	}
	m.align(8)
	return m.writeArrayLike(8, length, func(sub *Marshaller, i int) error {
		sub.align(8)
		entry := &DictEntry{parent: sub, keyElem: e.Elem, valElem: e.Elem2}
		if err := write(entry, i); err != nil {
			return err
		}
		if entry.value == nil {
			return fmt.Errorf("%w: dict-entry %d: value not written", ErrIncomplete, i)
		}
		sub.buf.Write(entry.value.buf.Bytes())
		sub.offset = entry.value.offset
		return nil
	})
}

// writeArrayLike writes the common array framing (uint32 byte length,
// padding to elemAlign, then content), delegating each element to fill.
func (m *Marshaller) writeArrayLike(elemAlign uint32, length int, fill func(sub *Marshaller, i int) error) error {
	m.align(4)
	lengthOffset := m.buf.Len()
	m.buf.Write([]byte{0, 0, 0, 0})
	m.offset += 4

	content := newSubMarshaller(m.order, m.offset)
	content.align(elemAlign)
	for i := 0; i < length; i++ {
		if err := fill(content, i); err != nil {
			return err
		}
	}

	payload := content.buf.Bytes()
	out := m.buf.Bytes()
	m.order.PutUint32(out[lengthOffset:lengthOffset+4], uint32(len(payload)))
	m.buf.Write(payload)
	m.offset = content.offset
	return nil
}

// Struct writes a D-Bus STRUCT: pads to an 8-byte boundary, then drives
// write against a sub-marshaller bound to the struct's field sequence
// in struct-content mode.
func (m *Marshaller) Struct(write func(*Marshaller) error) error {
	e, err := m.next(KindStruct)
	if err != nil {
		return err
	}
	m.align(8)
	sub := &Marshaller{elems: e.Fields, order: m.order, mode: AlignStructContent, offset: m.offset}
	if err := write(sub); err != nil {
		return err
	}
	if !sub.Done() {
		return fmt.Errorf("%w: struct: %d of %d fields written", ErrIncomplete, sub.idx, len(sub.elems))
	}
	m.buf.Write(sub.buf.Bytes())
	m.offset = sub.offset
	return nil
}
