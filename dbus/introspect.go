package dbus

import (
	"bytes"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"os"
)

// Arg describes one method/signal argument for introspection and
// signature validation.
type Arg struct {
	Name      string
	Type      string
	Direction string // "in" or "out"
}

// Annotation is a D-Bus introspection annotation (name/value pair).
type Annotation struct {
	Name  string
	Value string
}

// Method describes one exported method.
type Method struct {
	Name        string
	Args        []Arg
	Annotations []Annotation
}

// InSignature concatenates the types of Args with Direction "in".
func (m Method) InSignature() string {
	var sig string
	for _, a := range m.Args {
		if a.Direction == "in" {
			sig += a.Type
		}
	}
	return sig
}

// OutSignature concatenates the types of Args with Direction "out".
func (m Method) OutSignature() string {
	var sig string
	for _, a := range m.Args {
		if a.Direction == "out" {
			sig += a.Type
		}
	}
	return sig
}

// Property describes an exported property.
type Property struct {
	Name   string
	Type   string
	Access string // "read", "write", or "readwrite"
}

// Signal describes an exported signal.
type Signal struct {
	Name        string
	Args        []Arg
	Annotations []Annotation
}

// InterfaceDesc describes one interface of an exported object: its
// methods, properties, and signals, used both to generate
// introspection XML and to validate incoming method calls (spec.md
// §4.H). The shape mirrors z3ntu-go-dbus's introspect.go parse-side
// structs (interfaceData/methodData/argData), generation instead of
// parsing.
type InterfaceDesc struct {
	Name       string
	Methods    []Method
	Properties []Property
	Signals    []Signal
}

func (i InterfaceDesc) findMethod(name string) (Method, bool) {
	for _, m := range i.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return Method{}, false
}

func (i InterfaceDesc) findProperty(name string) (Property, bool) {
	for _, p := range i.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// xml marshal structs, the write-side counterpart of z3ntu-go-dbus's
// read-side introspectData/interfaceData/methodData/argData.
type xmlArg struct {
	XMLName   xml.Name `xml:"arg"`
	Name      string   `xml:"name,attr,omitempty"`
	Type      string   `xml:"type,attr"`
	Direction string   `xml:"direction,attr,omitempty"`
}

type xmlAnnotation struct {
	XMLName xml.Name `xml:"annotation"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

type xmlMethod struct {
	XMLName     xml.Name        `xml:"method"`
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlSignal struct {
	XMLName     xml.Name        `xml:"signal"`
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlProperty struct {
	XMLName xml.Name `xml:"property"`
	Name    string   `xml:"name,attr"`
	Type    string   `xml:"type,attr"`
	Access  string   `xml:"access,attr"`
}

type xmlInterface struct {
	XMLName    xml.Name      `xml:"interface"`
	Name       string        `xml:"name,attr"`
	Methods    []xmlMethod   `xml:"method"`
	Properties []xmlProperty `xml:"property"`
	Signals    []xmlSignal   `xml:"signal"`
}

type xmlNode struct {
	XMLName    xml.Name       `xml:"node"`
	Interfaces []xmlInterface `xml:"interface"`
}

const introspectDoctype = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

// GenerateIntrospectionXML renders ifaces as the XML document
// org.freedesktop.DBus.Introspectable.Introspect returns, per spec.md
// §6.
func GenerateIntrospectionXML(ifaces []InterfaceDesc) (string, error) {
	node := xmlNode{}
	for _, iface := range ifaces {
		xi := xmlInterface{Name: iface.Name}
		for _, m := range iface.Methods {
			xm := xmlMethod{Name: m.Name}
			for _, a := range m.Args {
				xm.Args = append(xm.Args, xmlArg{Name: a.Name, Type: a.Type, Direction: a.Direction})
			}
			for _, an := range m.Annotations {
				xm.Annotations = append(xm.Annotations, xmlAnnotation{Name: an.Name, Value: an.Value})
			}
			xi.Methods = append(xi.Methods, xm)
		}
		for _, p := range iface.Properties {
			xi.Properties = append(xi.Properties, xmlProperty{Name: p.Name, Type: p.Type, Access: p.Access})
		}
		for _, s := range iface.Signals {
			xs := xmlSignal{Name: s.Name}
			for _, a := range s.Args {
				xs.Args = append(xs.Args, xmlArg{Name: a.Name, Type: a.Type, Direction: a.Direction})
			}
			for _, an := range s.Annotations {
				xs.Annotations = append(xs.Annotations, xmlAnnotation{Name: an.Name, Value: an.Value})
			}
			xi.Signals = append(xi.Signals, xs)
		}
		node.Interfaces = append(node.Interfaces, xi)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(introspectDoctype)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(node); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// machineID returns a 32-hex-character identifier for
// org.freedesktop.DBus.Peer.GetMachineId: /etc/machine-id when
// readable, otherwise a deterministic MD5 of the hostname.
func machineID() string {
	if b, err := os.ReadFile("/etc/machine-id"); err == nil {
		id := bytes.TrimSpace(b)
		if len(id) == 32 {
			return string(id)
		}
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	sum := md5.Sum([]byte(host))
	return fmt.Sprintf("%x", sum)
}
