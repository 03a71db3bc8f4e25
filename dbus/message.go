package dbus

import "encoding/binary"

// Message is a fully assembled D-Bus message: a header plus body bytes
// already marshalled against the header's signature field (spec.md
// §3/§4.D).
type Message struct {
	Header Header
	Body   []byte
}

// NewMethodCall builds a method_call message. iface and dest may be
// empty; bodySig/body may be empty for a call with no arguments.
func NewMethodCall(serial uint32, path, iface, member, dest, bodySig string, body []byte, flags Flags) *Message {
	fields := []HeaderField{stringField(FieldPath, "o", path), stringField(FieldMember, "s", member)}
	if iface != "" {
		fields = append(fields, stringField(FieldInterface, "s", iface))
	}
	if dest != "" {
		fields = append(fields, stringField(FieldDestination, "s", dest))
	}
	if bodySig != "" {
		fields = append(fields, stringField(FieldSignature, "g", bodySig))
	}
	return &Message{
		Header: Header{Type: TypeMethodCall, Flags: flags, Serial: serial, BodyLength: uint32(len(body)), Fields: fields},
		Body:   body,
	}
}

// NewMethodReturn builds a method_return message replying to replySerial.
func NewMethodReturn(serial, replySerial uint32, dest, bodySig string, body []byte) *Message {
	fields := []HeaderField{uint32Field(FieldReplySerial, replySerial)}
	if dest != "" {
		fields = append(fields, stringField(FieldDestination, "s", dest))
	}
	if bodySig != "" {
		fields = append(fields, stringField(FieldSignature, "g", bodySig))
	}
	return &Message{
		Header: Header{Type: TypeMethodReturn, Serial: serial, BodyLength: uint32(len(body)), Fields: fields},
		Body:   body,
	}
}

// NewError builds an error message replying to replySerial.
func NewError(serial, replySerial uint32, errorName, dest, bodySig string, body []byte) *Message {
	fields := []HeaderField{
		stringField(FieldErrorName, "s", errorName),
		uint32Field(FieldReplySerial, replySerial),
	}
	if dest != "" {
		fields = append(fields, stringField(FieldDestination, "s", dest))
	}
	if bodySig != "" {
		fields = append(fields, stringField(FieldSignature, "g", bodySig))
	}
	return &Message{
		Header: Header{Type: TypeError, Serial: serial, BodyLength: uint32(len(body)), Fields: fields},
		Body:   body,
	}
}

// NewSignal builds a signal message.
func NewSignal(serial uint32, path, iface, member, bodySig string, body []byte) *Message {
	fields := []HeaderField{
		stringField(FieldPath, "o", path),
		stringField(FieldInterface, "s", iface),
		stringField(FieldMember, "s", member),
	}
	if bodySig != "" {
		fields = append(fields, stringField(FieldSignature, "g", bodySig))
	}
	return &Message{
		Header: Header{Type: TypeSignal, Serial: serial, BodyLength: uint32(len(body)), Fields: fields},
		Body:   body,
	}
}

// EncodeMessage serializes m's header followed by its body.
func EncodeMessage(order binary.ByteOrder, m *Message) ([]byte, error) {
	m.Header.BodyLength = uint32(len(m.Body))
	hdr, err := EncodeHeader(order, &m.Header)
	if err != nil {
		return nil, err
	}
	if uint64(len(hdr))+uint64(len(m.Body)) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	out := make([]byte, 0, len(hdr)+len(m.Body))
	out = append(out, hdr...)
	out = append(out, m.Body...)
	return out, nil
}

// DecodeMessage parses a single complete message from data, which must
// contain exactly one framed message (see Framer for streaming input).
func DecodeMessage(data []byte) (*Message, error) {
	return decodeMessage(data, nil)
}

// decodeMessage is DecodeMessage's connection-aware counterpart, passing
// conv through to decodeHeader for its string header fields.
func decodeMessage(data []byte, conv *stringConverter) (*Message, error) {
	h, body, err := decodeHeader(data, conv)
	if err != nil {
		return nil, err
	}
	return &Message{Header: *h, Body: body}, nil
}
