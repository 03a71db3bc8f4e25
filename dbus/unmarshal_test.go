package dbus

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUnmarshalString(t *testing.T) {
	data := []byte{0x05, 0x00, 0x00, 0x00, 'h', 'e', 'l', 'l', 'o', 0x00}
	u := NewUnmarshaller(data, mustSig(t, "s"), binary.LittleEndian, 0)
	got, err := u.String()
	if err != nil {
		t.Fatalf("String: %v", err)
	}
	if got != "hello" {
		t.Errorf("String() = %q, want %q", got, "hello")
	}
	if u.Offset() != 10 {
		t.Errorf("Offset() = %d, want 10", u.Offset())
	}
	if !u.Done() {
		t.Error("Done() = false after consuming the whole signature")
	}
}

func TestUnmarshalEmptyArray(t *testing.T) {
	u := NewUnmarshaller([]byte{0, 0, 0, 0}, mustSig(t, "as"), binary.LittleEndian, 0)
	count := 0
	if err := u.Array(func(item *Unmarshaller) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("Array: %v", err)
	}
	if count != 0 {
		t.Errorf("Array invoked read %d times for an empty array, want 0", count)
	}
}

func TestUnmarshalDictOneEntry(t *testing.T) {
	data := []byte{
		23, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x06, 0x00, 0x00, 0x00, 'V', 'o', 'l', 'u', 'm', 'e', 0x00,
		0x01, 'i', 0x00,
		0x00,
		0x07, 0x00, 0x00, 0x00,
	}
	u := NewUnmarshaller(data, mustSig(t, "a{sv}"), binary.LittleEndian, 0)
	entries := map[string]int32{}
	err := u.Dict(func(entry *Unmarshaller) error {
		key, err := entry.String()
		if err != nil {
			return err
		}
		return entry.Variant(func(sig Element, sub *Unmarshaller) error {
			v, err := sub.Int32()
			if err != nil {
				return err
			}
			entries[key] = v
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Dict: %v", err)
	}
	want := map[string]int32{"Volume": 7}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("Dict mismatch (-want +got):\n%s", diff)
	}
	if !u.Done() {
		t.Error("Done() = false after consuming the whole signature")
	}
}

func TestUnmarshalVariantInVariant(t *testing.T) {
	data := []byte{
		0x01, 'v', 0x00,
		0x01, 'y', 0x00,
		0x2a,
	}
	u := NewUnmarshaller(data, mustSig(t, "v"), binary.LittleEndian, 0)
	var got byte
	err := u.Variant(func(sig Element, outer *Unmarshaller) error {
		if sig.Kind != KindVariant {
			t.Fatalf("outer variant sig kind = %c, want %c", sig.Kind, KindVariant)
		}
		return outer.Variant(func(sig Element, inner *Unmarshaller) error {
			if sig.Kind != KindByte {
				t.Fatalf("inner variant sig kind = %c, want %c", sig.Kind, KindByte)
			}
			v, err := inner.Byte()
			got = v
			return err
		})
	})
	if err != nil {
		t.Fatalf("Variant: %v", err)
	}
	if got != 0x2a {
		t.Errorf("nested variant byte = %#x, want 0x2a", got)
	}
}

func TestUnmarshalStructMixedAlignment(t *testing.T) {
	data := append([]byte{0x01}, make([]byte, 7)...)
	data = append(data, 0x02, 0, 0, 0, 0, 0, 0, 0)
	u := NewUnmarshaller(data, mustSig(t, "(yx)"), binary.LittleEndian, 0)
	var y byte
	var x int64
	err := u.Struct(func(s *Unmarshaller) error {
		var err error
		y, err = s.Byte()
		if err != nil {
			return err
		}
		x, err = s.Int64()
		return err
	})
	if err != nil {
		t.Fatalf("Struct: %v", err)
	}
	if y != 1 || x != 2 {
		t.Errorf("Struct fields = (%d, %d), want (1, 2)", y, x)
	}
}

func TestUnmarshalHeterogeneousDictValues(t *testing.T) {
	m := NewMarshaller(mustSig(t, "a{sv}"), binary.LittleEndian, AlignMessage, 0)
	entries := []struct {
		key string
		sig string
		put func(*Marshaller) error
	}{
		{"Count", "i", func(v *Marshaller) error { return v.Int32(3) }},
		{"Name", "s", func(v *Marshaller) error { return v.String("x") }},
		{"Ready", "b", func(v *Marshaller) error { return v.Bool(true) }},
	}
	if err := m.DictEntries(len(entries), func(entry *DictEntry, i int) error {
		e := entries[i]
		if err := entry.Key().String(e.key); err != nil {
			return err
		}
		return entry.Value().Variant(e.sig, e.put)
	}); err != nil {
		t.Fatalf("DictEntries: %v", err)
	}
	data, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	u := NewUnmarshaller(data, mustSig(t, "a{sv}"), binary.LittleEndian, 0)
	got := map[string]any{}
	err = u.Dict(func(entry *Unmarshaller) error {
		key, err := entry.String()
		if err != nil {
			return err
		}
		return entry.Variant(func(sig Element, sub *Unmarshaller) error {
			switch sig.Kind {
			case KindInt32:
				v, err := sub.Int32()
				got[key] = v
				return err
			case KindString:
				v, err := sub.String()
				got[key] = v
				return err
			case KindBool:
				v, err := sub.Bool()
				got[key] = v
				return err
			default:
				t.Fatalf("unexpected value kind %c for key %q", sig.Kind, key)
				return nil
			}
		})
	})
	if err != nil {
		t.Fatalf("Dict: %v", err)
	}
	want := map[string]any{"Count": int32(3), "Name": "x", "Ready": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("heterogeneous a{sv} round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	sig := mustSig(t, "(ysaiv)")
	m := NewMarshaller(sig, binary.BigEndian, AlignMessage, 0)
	err := m.Struct(func(s *Marshaller) error {
		if err := s.Byte(9); err != nil {
			return err
		}
		if err := s.String("bus"); err != nil {
			return err
		}
		if err := s.Array(3, func(item *Marshaller, i int) error {
			return item.Int32(int32(i * i))
		}); err != nil {
			return err
		}
		return s.Variant("d", func(v *Marshaller) error {
			return v.Double(3.5)
		})
	})
	if err != nil {
		t.Fatalf("Struct: %v", err)
	}
	data, err := m.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	u := NewUnmarshaller(data, sig, binary.BigEndian, 0)
	var b byte
	var s string
	var ints []int32
	var d float64
	err = u.Struct(func(fields *Unmarshaller) error {
		var err error
		if b, err = fields.Byte(); err != nil {
			return err
		}
		if s, err = fields.String(); err != nil {
			return err
		}
		if err := fields.Array(func(item *Unmarshaller) error {
			v, err := item.Int32()
			if err != nil {
				return err
			}
			ints = append(ints, v)
			return nil
		}); err != nil {
			return err
		}
		return fields.Variant(func(sig Element, sub *Unmarshaller) error {
			var err error
			d, err = sub.Double()
			return err
		})
	})
	if err != nil {
		t.Fatalf("Struct (decode): %v", err)
	}
	if b != 9 || s != "bus" || d != 3.5 {
		t.Errorf("round-trip scalars = (%d, %q, %v), want (9, \"bus\", 3.5)", b, s, d)
	}
	if diff := cmp.Diff([]int32{0, 1, 4}, ints); diff != "" {
		t.Errorf("round-trip array mismatch (-want +got):\n%s", diff)
	}
	if !u.Done() {
		t.Error("Done() = false after consuming the whole signature")
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	u := NewUnmarshaller([]byte{0x05, 0x00, 0x00}, mustSig(t, "s"), binary.LittleEndian, 0)
	if _, err := u.String(); !errors.Is(err, ErrTruncated) {
		t.Fatalf("String on truncated input: got %v, want ErrTruncated", err)
	}
}

func TestUnmarshalInvalidBool(t *testing.T) {
	data := []byte{0x02, 0x00, 0x00, 0x00}
	u := NewUnmarshaller(data, mustSig(t, "b"), binary.LittleEndian, 0)
	if _, err := u.Bool(); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("Bool(2): got %v, want ErrInvalidValue", err)
	}
}

func TestUnmarshalMissingNULTerminator(t *testing.T) {
	data := []byte{0x01, 0x00, 0x00, 0x00, 'a', 'b'}
	u := NewUnmarshaller(data, mustSig(t, "s"), binary.LittleEndian, 0)
	if _, err := u.String(); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("String with bad NUL: got %v, want ErrInvalidValue", err)
	}
}

func TestUnmarshalElementMismatch(t *testing.T) {
	data := []byte{0x07, 0x00, 0x00, 0x00}
	u := NewUnmarshaller(data, mustSig(t, "i"), binary.LittleEndian, 0)
	if _, err := u.String(); !errors.Is(err, ErrElementMismatch) {
		t.Fatalf("String against int32 signature: got %v, want ErrElementMismatch", err)
	}
}
