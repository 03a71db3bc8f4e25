package dbus

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestEncodeMethodCallHello(t *testing.T) {
	msg := NewMethodCall(1, "/org/freedesktop/DBus", "org.freedesktop.DBus", "Hello", "org.freedesktop.DBus", "", nil, 0)
	got, err := EncodeMessage(binary.LittleEndian, msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if got[0] != 0x6C {
		t.Errorf("byte 0 = %#x, want 0x6C ('l')", got[0])
	}
	if got[1] != 0x01 {
		t.Errorf("byte 1 = %#x, want 0x01", got[1])
	}
	if diff := cmp.Diff([]byte{0, 0, 0, 0}, got[4:8]); diff != "" {
		t.Errorf("bytes 4..8 (body length) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{1, 0, 0, 0}, got[8:12]); diff != "" {
		t.Errorf("bytes 8..12 (serial) mismatch (-want +got):\n%s", diff)
	}

	decoded, err := DecodeMessage(got)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	path, _ := decoded.Header.Path()
	member, _ := decoded.Header.Member()
	iface, _ := decoded.Header.Interface()
	dest, _ := decoded.Header.Destination()
	if path != "/org/freedesktop/DBus" || member != "Hello" || iface != "org.freedesktop.DBus" || dest != "org.freedesktop.DBus" {
		t.Errorf("decoded fields = (%q, %q, %q, %q), want originals", path, iface, member, dest)
	}
	if decoded.Header.Serial != 1 || decoded.Header.Type != TypeMethodCall {
		t.Errorf("decoded serial/type = (%d, %d), want (1, %d)", decoded.Header.Serial, decoded.Header.Type, TypeMethodCall)
	}
	if len(decoded.Body) != 0 {
		t.Errorf("decoded body length = %d, want 0", len(decoded.Body))
	}
}

func TestHeaderFieldsSortedAscending(t *testing.T) {
	msg := NewMethodCall(1, "/a", "com.x", "M", "com.y", "", nil, 0)
	got, err := EncodeMessage(binary.LittleEndian, msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	h, _, err := DecodeHeader(got)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	var codes []FieldCode
	for _, f := range h.Fields {
		codes = append(codes, f.Code)
	}
	if !cmp.Equal(codes, []FieldCode{FieldPath, FieldInterface, FieldMember, FieldDestination}, cmpopts.EquateEmpty()) {
		t.Errorf("header field codes = %v, want ascending [path interface member destination]", codes)
	}
}

func TestMethodReturnAndErrorRoundTrip(t *testing.T) {
	ret := NewMethodReturn(5, 3, "", "s", mustEncodeString(t, "ok"))
	got, err := EncodeMessage(binary.BigEndian, ret)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	decoded, err := DecodeMessage(got)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	rs, ok := decoded.Header.ReplySerial()
	if !ok || rs != 3 {
		t.Errorf("ReplySerial() = (%d, %v), want (3, true)", rs, ok)
	}

	errMsg := NewError(6, 3, "com.x.Failed", "", "", nil)
	got, err = EncodeMessage(binary.LittleEndian, errMsg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	decoded, err = DecodeMessage(got)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	name, ok := decoded.Header.ErrorName()
	if !ok || name != "com.x.Failed" {
		t.Errorf("ErrorName() = (%q, %v), want (\"com.x.Failed\", true)", name, ok)
	}
}

func TestEncodeMessageZeroSerialRejected(t *testing.T) {
	msg := NewMethodCall(0, "/a", "", "M", "", "", nil, 0)
	if _, err := EncodeMessage(binary.LittleEndian, msg); !errors.Is(err, ErrInvalidSerial) {
		t.Fatalf("EncodeMessage with serial 0: got %v, want ErrInvalidSerial", err)
	}
}

func TestEncodeMessageMissingRequiredField(t *testing.T) {
	msg := &Message{Header: Header{Type: TypeMethodCall, Serial: 1}}
	_, err := EncodeMessage(binary.LittleEndian, msg)
	var fieldErr *HeaderFieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("EncodeMessage with no path/member: got %v, want *HeaderFieldError", err)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	if _, _, err := DecodeHeader([]byte{0x6C, 0x01, 0x00, 0x01}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("DecodeHeader on a 4-byte buffer: got %v, want ErrTruncated", err)
	}
}

func TestDecodeHeaderBadEndian(t *testing.T) {
	data := make([]byte, 16)
	data[0] = 'x'
	if _, _, err := DecodeHeader(data); !errors.Is(err, ErrInvalidEndianness) {
		t.Fatalf("DecodeHeader with bad endian byte: got %v, want ErrInvalidEndianness", err)
	}
}

func TestDecodeMessageWithStringConverter(t *testing.T) {
	msg := NewMethodCall(1, "/org/freedesktop/DBus", "org.freedesktop.DBus", "Hello", "org.freedesktop.DBus", "", nil, 0)
	got, err := EncodeMessage(binary.LittleEndian, msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	conv := newStringConverter(64)
	decoded, err := decodeMessage(got, conv)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	member, _ := decoded.Header.Member()
	if member != "Hello" {
		t.Errorf("Member() = %q, want Hello", member)
	}
}

func mustEncodeString(t *testing.T, s string) []byte {
	t.Helper()
	m := NewMarshaller(mustSig(t, "s"), binary.BigEndian, AlignMessage, 0)
	if err := m.String(s); err != nil {
		t.Fatalf("String: %v", err)
	}
	b, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return b
}
