package dbus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// messagePrologueSize is the length of the fixed part of a message
// header plus the header-fields array's own length slot, i.e. the
// offset at which header-field entries begin.
const messagePrologueSize = 16

// MessageType identifies the kind of a D-Bus message.
type MessageType byte

const (
	TypeMethodCall   MessageType = 1
	TypeMethodReturn MessageType = 2
	TypeError        MessageType = 3
	TypeSignal       MessageType = 4
)

// Flags is a bitset of message flags.
type Flags byte

const (
	FlagNoReplyExpected               Flags = 1 << 0
	FlagNoAutoStart                   Flags = 1 << 1
	FlagAllowInteractiveAuthorization Flags = 1 << 2
)

// FieldCode identifies a header field slot (spec.md §3).
type FieldCode byte

const (
	FieldPath        FieldCode = 1
	FieldInterface   FieldCode = 2
	FieldMember      FieldCode = 3
	FieldErrorName   FieldCode = 4
	FieldReplySerial FieldCode = 5
	FieldDestination FieldCode = 6
	FieldSender      FieldCode = 7
	FieldSignature   FieldCode = 8
	FieldUnixFDs     FieldCode = 9
)

// HeaderField is a (code, variant) pair carried in a message header.
// Sig names the variant's single-element signature; the value lives in
// U or S depending on Sig, avoiding an interface{} per entry the way
// the teacher's headerField does.
type HeaderField struct {
	Code FieldCode
	Sig  string
	U    uint64
	S    string
}

func stringField(code FieldCode, sig, s string) HeaderField {
	return HeaderField{Code: code, Sig: sig, S: s}
}

func uint32Field(code FieldCode, u uint32) HeaderField {
	return HeaderField{Code: code, Sig: "u", U: uint64(u)}
}

// Header is a D-Bus message header (spec.md §3/§4.D).
type Header struct {
	Type       MessageType
	Flags      Flags
	BodyLength uint32
	Serial     uint32
	Fields     []HeaderField
	// Order is the byte order the message was decoded with, so callers
	// can unmarshal the body against the same endianness. Zero value
	// (nil) for headers built via NewMethodCall and friends, which are
	// always encoded with the caller's chosen order.
	Order binary.ByteOrder
}

func (h *Header) field(code FieldCode) (HeaderField, bool) {
	for _, f := range h.Fields {
		if f.Code == code {
			return f, true
		}
	}
	return HeaderField{}, false
}

// Path returns the path header field, if present.
func (h *Header) Path() (string, bool) { f, ok := h.field(FieldPath); return f.S, ok }

// Interface returns the interface header field, if present.
func (h *Header) Interface() (string, bool) { f, ok := h.field(FieldInterface); return f.S, ok }

// Member returns the member header field, if present.
func (h *Header) Member() (string, bool) { f, ok := h.field(FieldMember); return f.S, ok }

// ErrorName returns the error_name header field, if present.
func (h *Header) ErrorName() (string, bool) { f, ok := h.field(FieldErrorName); return f.S, ok }

// ReplySerial returns the reply_serial header field, if present.
func (h *Header) ReplySerial() (uint32, bool) {
	f, ok := h.field(FieldReplySerial)
	return uint32(f.U), ok
}

// Destination returns the destination header field, if present.
func (h *Header) Destination() (string, bool) { f, ok := h.field(FieldDestination); return f.S, ok }

// Sender returns the sender header field, if present.
func (h *Header) Sender() (string, bool) { f, ok := h.field(FieldSender); return f.S, ok }

// BodySignature returns the signature header field, if present.
func (h *Header) BodySignature() (string, bool) { f, ok := h.field(FieldSignature); return f.S, ok }

// UnixFDs returns the unix_fds header field, if present.
func (h *Header) UnixFDs() (uint32, bool) {
	f, ok := h.field(FieldUnixFDs)
	return uint32(f.U), ok
}

func littleEndianByte(order binary.ByteOrder) byte {
	if order == binary.BigEndian {
		return 'B'
	}
	return 'l'
}

func orderFromEndianByte(b byte) (binary.ByteOrder, error) {
	switch b {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndianness, b)
	}
}

func requiredFields(t MessageType) []FieldCode {
	switch t {
	case TypeMethodCall:
		return []FieldCode{FieldPath, FieldMember}
	case TypeMethodReturn:
		return []FieldCode{FieldReplySerial}
	case TypeError:
		return []FieldCode{FieldErrorName, FieldReplySerial}
	case TypeSignal:
		return []FieldCode{FieldPath, FieldInterface, FieldMember}
	default:
		return nil
	}
}

func validateRequiredFields(h *Header) error {
	for _, code := range requiredFields(h.Type) {
		if _, ok := h.field(code); !ok {
			return &HeaderFieldError{Code: byte(code)}
		}
	}
	return nil
}

// EncodeHeader serializes h, including the header-fields array sorted
// ascending by code and the trailing pad-to-8 that lets the body begin
// on an 8-byte boundary.
func EncodeHeader(order binary.ByteOrder, h *Header) ([]byte, error) {
	if h.Serial == 0 {
		return nil, ErrInvalidSerial
	}
	if h.Type < TypeMethodCall || h.Type > TypeSignal {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMessageType, h.Type)
	}
	if err := validateRequiredFields(h); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte(littleEndianByte(order))
	buf.WriteByte(byte(h.Type))
	buf.WriteByte(byte(h.Flags))
	buf.WriteByte(1) // protocol version
	var word [4]byte
	order.PutUint32(word[:], h.BodyLength)
	buf.Write(word[:])
	order.PutUint32(word[:], h.Serial)
	buf.Write(word[:])
	buf.Write([]byte{0, 0, 0, 0}) // header-fields length, backpatched below

	sorted := make([]HeaderField, len(h.Fields))
	copy(sorted, h.Fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	m := newSubMarshaller(order, messagePrologueSize)
	for _, f := range sorted {
		if err := encodeHeaderField(m, f); err != nil {
			return nil, err
		}
	}
	fieldsLen := uint32(m.buf.Len())
	order.PutUint32(buf.Bytes()[12:16], fieldsLen)
	buf.Write(m.buf.Bytes())

	total := messagePrologueSize + fieldsLen
	_, padding := nextOffset(total, 8)
	if padding > 0 {
		buf.Write(make([]byte, padding))
	}
	if uint64(buf.Len())+uint64(h.BodyLength) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

// DecodeHeader parses a header from the front of data, returning the
// header and the body bytes that follow it (of length h.BodyLength).
func DecodeHeader(data []byte) (*Header, []byte, error) {
	return decodeHeader(data, nil)
}

// decodeHeader is DecodeHeader's connection-aware counterpart: conv, if
// non-nil, is shared across every header field this call decodes so
// string fields (path, interface, member, ...) are minted from its
// batched buffer instead of one allocation each (WithStringConverterSize).
func decodeHeader(data []byte, conv *stringConverter) (*Header, []byte, error) {
	if len(data) < messagePrologueSize {
		return nil, nil, ErrTruncated
	}
	order, err := orderFromEndianByte(data[0])
	if err != nil {
		return nil, nil, err
	}
	typ := MessageType(data[1])
	if typ < TypeMethodCall || typ > TypeSignal {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidMessageType, data[1])
	}
	flags := Flags(data[2])
	if data[3] != 1 {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedProtocolVersion, data[3])
	}
	bodyLen := order.Uint32(data[4:8])
	serial := order.Uint32(data[8:12])
	if serial == 0 {
		return nil, nil, ErrInvalidSerial
	}
	fieldsLen := order.Uint32(data[12:16])

	total := uint64(messagePrologueSize) + uint64(fieldsLen)
	padding := (8 - total%8) % 8
	headerLen := total + padding
	if headerLen+uint64(bodyLen) > MaxMessageSize {
		return nil, nil, ErrMessageTooLarge
	}
	if uint64(len(data)) < uint64(messagePrologueSize)+uint64(fieldsLen) {
		return nil, nil, ErrTruncated
	}

	fieldsData := data[messagePrologueSize : uint64(messagePrologueSize)+uint64(fieldsLen)]
	u := newSubUnmarshaller(fieldsData, order, messagePrologueSize).withStringConverter(conv)
	var fields []HeaderField
	for len(u.data) > 0 {
		f, err := decodeHeaderField(u)
		if err != nil {
			return nil, nil, err
		}
		fields = append(fields, f)
	}

	h := &Header{Type: typ, Flags: flags, BodyLength: bodyLen, Serial: serial, Fields: fields, Order: order}
	if err := validateRequiredFields(h); err != nil {
		return nil, nil, err
	}
	if uint64(len(data)) < headerLen {
		return nil, nil, ErrTruncated
	}
	rest := data[headerLen:]
	if uint64(len(rest)) < uint64(bodyLen) {
		return nil, nil, ErrInvalidBodyLength
	}
	return h, rest[:bodyLen], nil
}

// encodeHeaderField writes one (code, variant) entry. It rebinds a
// shared marshaller to each field's value type in turn so that every
// field's alignment continues to run off the whole message's offset,
// per spec.md §4.D, rather than resetting to a local zero the way a
// body variant would (see Marshaller.Variant).
func encodeHeaderField(m *Marshaller, f HeaderField) error {
	m.align(8)
	m.rebind([]Element{{Kind: KindByte}})
	if err := m.Byte(byte(f.Code)); err != nil {
		return err
	}
	elem, err := ParseSingle(f.Sig)
	if err != nil {
		return fmt.Errorf("%w: header field %d: %v", ErrInvalidSignature, f.Code, err)
	}
	m.rebind([]Element{{Kind: KindSignature}})
	if err := m.Signature(f.Sig); err != nil {
		return err
	}
	m.rebind([]Element{elem})
	switch elem.Kind {
	case KindUint32:
		return m.Uint32(uint32(f.U))
	case KindString:
		return m.String(f.S)
	case KindObjectPath:
		return m.ObjectPath(f.S)
	case KindSignature:
		return m.Signature(f.S)
	default:
		return fmt.Errorf("%w: header field %d: unsupported value type %c", ErrInvalidMessageFormat, f.Code, byte(elem.Kind))
	}
}

func decodeHeaderField(u *Unmarshaller) (HeaderField, error) {
	if err := u.align(8); err != nil {
		return HeaderField{}, err
	}
	u.rebind([]Element{{Kind: KindByte}})
	code, err := u.Byte()
	if err != nil {
		return HeaderField{}, err
	}
	u.rebind([]Element{{Kind: KindSignature}})
	sig, err := u.Signature()
	if err != nil {
		return HeaderField{}, err
	}
	elem, err := ParseSingle(sig)
	if err != nil {
		return HeaderField{}, fmt.Errorf("%w: header field %d: %v", ErrInvalidSignature, code, err)
	}
	u.rebind([]Element{elem})
	f := HeaderField{Code: FieldCode(code), Sig: sig}
	switch elem.Kind {
	case KindUint32:
		v, err := u.Uint32()
		f.U = uint64(v)
		return f, err
	case KindString:
		f.S, err = u.String()
		return f, err
	case KindObjectPath:
		f.S, err = u.ObjectPath()
		return f, err
	case KindSignature:
		f.S, err = u.Signature()
		return f, err
	default:
		return f, fmt.Errorf("%w: header field %d: unsupported value type %c", ErrInvalidMessageFormat, code, byte(elem.Kind))
	}
}
