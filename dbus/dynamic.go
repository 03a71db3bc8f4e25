package dbus

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Variant pairs a decoded value with the signature it was read against,
// since a bare interface{} can't otherwise distinguish e.g. int32(5)
// from a variant wrapping int32(5).
//
// This whole file is the dynamic counterpart of the signature-typed
// Marshaller/Unmarshaller, grounded on remyoudompheng-go-dbus's
// reflect/interface{}-based marshall.go (_AppendValue/Parse, msgData
// Scan), generalized to use the signature-driven codec instead of
// Go reflection so callers that don't know their body shape at compile
// time (the CLI, property Get/GetAll, Proxy.Call results) can still
// round-trip arbitrary D-Bus values.
type Variant struct {
	Sig   string
	Value interface{}
}

// DecodeValue reads one value of shape elem from u as a plain Go value:
// scalars map to their natural Go type, arrays to []interface{},
// dictionaries to map[interface{}]interface{}, structs to
// []interface{} in field order, and variants to Variant.
func DecodeValue(elem Element, u *Unmarshaller) (interface{}, error) {
	switch elem.Kind {
	case KindByte:
		return u.Byte()
	case KindBool:
		return u.Bool()
	case KindInt16:
		return u.Int16()
	case KindUint16:
		return u.Uint16()
	case KindInt32:
		return u.Int32()
	case KindUint32:
		return u.Uint32()
	case KindInt64:
		return u.Int64()
	case KindUint64:
		return u.Uint64()
	case KindDouble:
		return u.Double()
	case KindString:
		return u.String()
	case KindObjectPath:
		return u.ObjectPath()
	case KindSignature:
		return u.Signature()
	case KindUnixFD:
		return u.UnixFD()
	case KindVariant:
		var result Variant
		err := u.Variant(func(e Element, sub *Unmarshaller) error {
			v, err := DecodeValue(e, sub)
			result = Variant{Sig: e.String(), Value: v}
			return err
		})
		return result, err
	case KindArray, KindDictEntry:
		if elem.Elem2 != nil {
			m := make(map[interface{}]interface{})
			err := u.Dict(func(entry *Unmarshaller) error {
				k, err := DecodeValue(*elem.Elem, entry)
				if err != nil {
					return err
				}
				v, err := DecodeValue(*elem.Elem2, entry)
				if err != nil {
					return err
				}
				m[k] = v
				return nil
			})
			return m, err
		}
		var out []interface{}
		err := u.Array(func(item *Unmarshaller) error {
			v, err := DecodeValue(*elem.Elem, item)
			if err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
		return out, err
	case KindStruct:
		out := make([]interface{}, 0, len(elem.Fields))
		err := u.Struct(func(sub *Unmarshaller) error {
			for _, f := range elem.Fields {
				v, err := DecodeValue(f, sub)
				if err != nil {
					return err
				}
				out = append(out, v)
			}
			return nil
		})
		return out, err
	default:
		return nil, fmt.Errorf("%w: unknown kind %c", ErrInvalidValue, byte(elem.Kind))
	}
}

// DecodeValues decodes every top-level element of sig from data in
// order, as DecodeValue would for each.
func DecodeValues(sig Signature, order binary.ByteOrder, data []byte) ([]interface{}, error) {
	u := NewUnmarshaller(data, sig, order, 0)
	out := make([]interface{}, 0, len(sig.Elements))
	for _, e := range sig.Elements {
		v, err := DecodeValue(e, u)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// EncodeValue writes val, which must have the Go shape DecodeValue
// would have produced for elem, into m.
func EncodeValue(elem Element, val interface{}, m *Marshaller) error {
	switch elem.Kind {
	case KindByte:
		v, err := asUint64(val)
		if err != nil {
			return err
		}
		return m.Byte(byte(v))
	case KindBool:
		v, ok := val.(bool)
		if !ok {
			return fmt.Errorf("%w: expected bool, got %T", ErrInvalidValue, val)
		}
		return m.Bool(v)
	case KindInt16:
		v, err := asInt64(val)
		if err != nil {
			return err
		}
		return m.Int16(int16(v))
	case KindUint16:
		v, err := asUint64(val)
		if err != nil {
			return err
		}
		return m.Uint16(uint16(v))
	case KindInt32:
		v, err := asInt64(val)
		if err != nil {
			return err
		}
		return m.Int32(int32(v))
	case KindUint32:
		v, err := asUint64(val)
		if err != nil {
			return err
		}
		return m.Uint32(uint32(v))
	case KindInt64:
		v, err := asInt64(val)
		if err != nil {
			return err
		}
		return m.Int64(v)
	case KindUint64:
		v, err := asUint64(val)
		if err != nil {
			return err
		}
		return m.Uint64(v)
	case KindUnixFD:
		v, err := asUint64(val)
		if err != nil {
			return err
		}
		return m.UnixFD(uint32(v))
	case KindDouble:
		switch v := val.(type) {
		case float64:
			return m.Double(v)
		case float32:
			return m.Double(float64(v))
		default:
			return fmt.Errorf("%w: expected float64, got %T", ErrInvalidValue, val)
		}
	case KindString:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("%w: expected string, got %T", ErrInvalidValue, val)
		}
		return m.String(v)
	case KindObjectPath:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("%w: expected string, got %T", ErrInvalidValue, val)
		}
		return m.ObjectPath(v)
	case KindSignature:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("%w: expected string, got %T", ErrInvalidValue, val)
		}
		return m.Signature(v)
	case KindVariant:
		v, ok := val.(Variant)
		if !ok {
			return fmt.Errorf("%w: expected Variant, got %T", ErrInvalidValue, val)
		}
		velem, err := ParseSingle(v.Sig)
		if err != nil {
			return err
		}
		return m.Variant(v.Sig, func(sub *Marshaller) error {
			return EncodeValue(velem, v.Value, sub)
		})
	case KindArray, KindDictEntry:
		if elem.Elem2 != nil {
			mp, ok := val.(map[interface{}]interface{})
			if !ok {
				return fmt.Errorf("%w: expected map[interface{}]interface{}, got %T", ErrInvalidValue, val)
			}
			keys := make([]interface{}, 0, len(mp))
			for k := range mp {
				keys = append(keys, k)
			}
			return m.DictEntries(len(keys), func(entry *DictEntry, i int) error {
				if err := EncodeValue(*elem.Elem, keys[i], entry.Key()); err != nil {
					return err
				}
				return EncodeValue(*elem.Elem2, mp[keys[i]], entry.Value())
			})
		}
		slice, ok := val.([]interface{})
		if !ok {
			return fmt.Errorf("%w: expected []interface{}, got %T", ErrInvalidValue, val)
		}
		return m.Array(len(slice), func(item *Marshaller, i int) error {
			return EncodeValue(*elem.Elem, slice[i], item)
		})
	case KindStruct:
		fields, ok := val.([]interface{})
		if !ok || len(fields) != len(elem.Fields) {
			return fmt.Errorf("%w: struct: expected %d fields, got %T", ErrInvalidValue, len(elem.Fields), val)
		}
		return m.Struct(func(sub *Marshaller) error {
			for i, f := range elem.Fields {
				if err := EncodeValue(f, fields[i], sub); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return fmt.Errorf("%w: unknown kind %c", ErrInvalidValue, byte(elem.Kind))
	}
}

func asInt64(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case byte:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: expected an integer, got %T", ErrInvalidValue, val)
	}
}

func asUint64(val interface{}) (uint64, error) {
	switch v := val.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case byte:
		return uint64(v), nil
	case int:
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("%w: expected an unsigned integer, got %T", ErrInvalidValue, val)
	}
}

// ParseArg converts one command-line argument string into the Go value
// EncodeValue needs for elem, for the CLI's call/emit/set-property
// commands. Containers use a minimal, flat syntax: arrays and dict
// entries are comma-separated with no nested brackets, dict entries are
// "key=value", and a variant argument is "signature:value".
func ParseArg(elem Element, s string) (interface{}, error) {
	switch elem.Kind {
	case KindByte:
		v, err := strconv.ParseUint(s, 10, 8)
		return byte(v), err
	case KindBool:
		return strconv.ParseBool(s)
	case KindInt16:
		v, err := strconv.ParseInt(s, 10, 16)
		return int16(v), err
	case KindUint16:
		v, err := strconv.ParseUint(s, 10, 16)
		return uint16(v), err
	case KindInt32:
		v, err := strconv.ParseInt(s, 10, 32)
		return int32(v), err
	case KindUint32:
		v, err := strconv.ParseUint(s, 10, 32)
		return uint32(v), err
	case KindInt64:
		return strconv.ParseInt(s, 10, 64)
	case KindUint64:
		return strconv.ParseUint(s, 10, 64)
	case KindUnixFD:
		v, err := strconv.ParseUint(s, 10, 32)
		return uint32(v), err
	case KindDouble:
		return strconv.ParseFloat(s, 64)
	case KindString, KindObjectPath, KindSignature:
		return s, nil
	case KindVariant:
		sig, value, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("%w: variant argument %q: want \"signature:value\"", ErrInvalidValue, s)
		}
		velem, err := ParseSingle(sig)
		if err != nil {
			return nil, err
		}
		v, err := ParseArg(velem, value)
		if err != nil {
			return nil, err
		}
		return Variant{Sig: sig, Value: v}, nil
	case KindArray, KindDictEntry:
		if s == "" {
			if elem.Elem2 != nil {
				return map[interface{}]interface{}{}, nil
			}
			return []interface{}{}, nil
		}
		parts := strings.Split(s, ",")
		if elem.Elem2 != nil {
			m := make(map[interface{}]interface{}, len(parts))
			for _, p := range parts {
				k, v, ok := strings.Cut(p, "=")
				if !ok {
					return nil, fmt.Errorf("%w: dict argument entry %q: want \"key=value\"", ErrInvalidValue, p)
				}
				kv, err := ParseArg(*elem.Elem, k)
				if err != nil {
					return nil, err
				}
				vv, err := ParseArg(*elem.Elem2, v)
				if err != nil {
					return nil, err
				}
				m[kv] = vv
			}
			return m, nil
		}
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			v, err := ParseArg(*elem.Elem, p)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: CLI arguments of type %s are not supported", ErrInvalidValue, elem.String())
	}
}
