package dbus

import (
	"fmt"
	"strings"
)

// Kind identifies the shape of a signature element.
type Kind byte

// Element kinds, named after the D-Bus type codes they parse from.
const (
	KindByte       Kind = 'y'
	KindBool       Kind = 'b'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindVariant    Kind = 'v'
	KindUnixFD     Kind = 'h'
	KindArray      Kind = 'a'
	KindStruct     Kind = '('
	KindDictEntry  Kind = '{'
)

// Element is a single parsed signature element. Container kinds carry
// their children: Array uses Elem; DictEntry (the a{kv} container as a
// whole) uses Elem for the key and Elem2 for the value; Struct uses
// Fields.
type Element struct {
	Kind   Kind
	Elem   *Element
	Elem2  *Element
	Fields []Element
}

// String renders the element back to its canonical signature text.
func (e Element) String() string {
	switch e.Kind {
	case KindArray:
		return "a" + e.Elem.String()
	case KindDictEntry:
		return "a{" + e.Elem.String() + e.Elem2.String() + "}"
	case KindStruct:
		var b strings.Builder
		b.WriteByte('(')
		for _, f := range e.Fields {
			b.WriteString(f.String())
		}
		b.WriteByte(')')
		return b.String()
	default:
		return string(byte(e.Kind))
	}
}

// Align returns the element's alignment in bytes, per spec.md §3.
func (e Element) Align() uint32 {
	switch e.Kind {
	case KindByte, KindSignature, KindVariant:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindString, KindObjectPath, KindUnixFD, KindArray:
		return 4
	case KindInt64, KindUint64, KindDouble, KindStruct, KindDictEntry:
		return 8
	default:
		return 1
	}
}

// isBasic reports whether e is a non-container type, as required for
// dictionary keys.
func (e Element) isBasic() bool {
	switch e.Kind {
	case KindArray, KindStruct, KindDictEntry:
		return false
	default:
		return true
	}
}

// Signature is a parsed, validated sequence of signature elements.
type Signature struct {
	Elements []Element
	raw      string
}

// String returns the canonical signature text.
func (s Signature) String() string { return s.raw }

// Empty reports whether the signature has no elements.
func (s Signature) Empty() bool { return len(s.Elements) == 0 }

// Single returns the signature's sole element. It is an error to call
// this on a signature with zero or more than one element; callers that
// need exactly one element (variant payloads, array elements) should
// validate via ParseSingle instead.
func (s Signature) Single() (Element, error) {
	if len(s.Elements) != 1 {
		return Element{}, fmt.Errorf("%w: expected exactly one element, got %d", ErrInvalidSignature, len(s.Elements))
	}
	return s.Elements[0], nil
}

// ParseSignature parses a D-Bus signature string into its element
// sequence, failing with ErrInvalidSignature on any grammar violation.
func ParseSignature(s string) (Signature, error) {
	p := &sigParser{s: s}
	elems, err := p.parseSequence()
	if err != nil {
		return Signature{}, err
	}
	if p.pos != len(p.s) {
		return Signature{}, fmt.Errorf("%w: unconsumed trailing input %q", ErrInvalidSignature, p.s[p.pos:])
	}
	return Signature{Elements: elems, raw: s}, nil
}

// ParseSingle parses s and requires it to describe exactly one element,
// as needed for variant contents and array element signatures.
func ParseSingle(s string) (Element, error) {
	sig, err := ParseSignature(s)
	if err != nil {
		return Element{}, err
	}
	return sig.Single()
}

type sigParser struct {
	s   string
	pos int
}

// parseSequence parses elements until a closing bracket or end of input.
func (p *sigParser) parseSequence() ([]Element, error) {
	var elems []Element
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == ')' || c == '}' {
			break
		}
		e, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return elems, nil
}

func (p *sigParser) parseOne() (Element, error) {
	if p.pos >= len(p.s) {
		return Element{}, fmt.Errorf("%w: unexpected end of signature", ErrInvalidSignature)
	}
	c := p.s[p.pos]
	switch c {
	case byte(KindByte), byte(KindBool), byte(KindInt16), byte(KindUint16),
		byte(KindInt32), byte(KindUint32), byte(KindInt64), byte(KindUint64),
		byte(KindDouble), byte(KindString), byte(KindObjectPath), byte(KindSignature),
		byte(KindVariant), byte(KindUnixFD):
		p.pos++
		return Element{Kind: Kind(c)}, nil

	case byte(KindArray):
		p.pos++
		if p.pos >= len(p.s) {
			return Element{}, fmt.Errorf("%w: array without element type", ErrInvalidSignature)
		}
		if p.s[p.pos] == '{' {
			return p.parseDictEntry()
		}
		elem, err := p.parseOne()
		if err != nil {
			return Element{}, fmt.Errorf("%w: array element: %v", ErrInvalidSignature, err)
		}
		return Element{Kind: KindArray, Elem: &elem}, nil

	case '(':
		p.pos++
		fields, err := p.parseSequence()
		if err != nil {
			return Element{}, err
		}
		if p.pos >= len(p.s) || p.s[p.pos] != ')' {
			return Element{}, fmt.Errorf("%w: unterminated struct", ErrInvalidSignature)
		}
		p.pos++
		if len(fields) == 0 {
			return Element{}, fmt.Errorf("%w: empty struct", ErrInvalidSignature)
		}
		return Element{Kind: KindStruct, Fields: fields}, nil

	case '{':
		return Element{}, fmt.Errorf("%w: dict-entry outside an array", ErrInvalidSignature)

	case ')', '}':
		return Element{}, fmt.Errorf("%w: unbalanced bracket", ErrInvalidSignature)

	default:
		return Element{}, fmt.Errorf("%w: unknown type code %q", ErrInvalidSignature, string(c))
	}
}

// parseDictEntry parses the "{kv}" following an "a" that has already
// been consumed, producing a DictEntry element whose Elem/Elem2 hold
// the key and value types. DictEntry is a distinct Kind from Array,
// per spec.md §3's alignment table: a dictionary aligns to 8, an array
// to 4.
func (p *sigParser) parseDictEntry() (Element, error) {
	// p.pos is at '{'.
	p.pos++
	key, err := p.parseOne()
	if err != nil {
		return Element{}, fmt.Errorf("%w: dict-entry key: %v", ErrInvalidSignature, err)
	}
	if !key.isBasic() {
		return Element{}, fmt.Errorf("%w: dict-entry key must be a basic type, got %s", ErrInvalidSignature, key.String())
	}
	if p.pos >= len(p.s) || p.s[p.pos] == '}' {
		return Element{}, fmt.Errorf("%w: dict-entry missing value type", ErrInvalidSignature)
	}
	val, err := p.parseOne()
	if err != nil {
		return Element{}, fmt.Errorf("%w: dict-entry value: %v", ErrInvalidSignature, err)
	}
	if p.pos >= len(p.s) || p.s[p.pos] != '}' {
		return Element{}, fmt.Errorf("%w: unterminated dict-entry", ErrInvalidSignature)
	}
	p.pos++
	return Element{Kind: KindDictEntry, Elem: &key, Elem2: &val}, nil
}

// IsValidObjectPath reports whether s is a syntactically valid D-Bus
// object path (spec.md §3).
func IsValidObjectPath(s string) bool {
	if s == "/" {
		return true
	}
	if len(s) == 0 || s[0] != '/' {
		return false
	}
	segStart := 1
	for i := 1; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			if i == segStart {
				return false
			}
			for j := segStart; j < i; j++ {
				if !isPathChar(s[j]) {
					return false
				}
			}
			segStart = i + 1
		}
	}
	return true
}

func isPathChar(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
