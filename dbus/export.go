package dbus

import (
	"encoding/binary"
	"fmt"
)

// Standard D-Bus error names used when the dispatcher itself rejects a
// method call, as opposed to errors returned by a user handler.
const (
	dbusErrUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	dbusErrUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	dbusErrUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	dbusErrInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	dbusErrFailed           = "org.freedesktop.DBus.Error.Failed"
)

const (
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
)

// MethodCallFunc handles one method_call dispatched to an exported
// object. sig and body are the incoming message's declared signature
// and raw body bytes; the returned (outSig, outBody) must match the
// method's declared out-signature (spec.md §4.H).
type MethodCallFunc func(iface, method, sig string, body []byte) (outSig string, outBody []byte, err error)

// PropertyGetFunc returns the current value of a property.
type PropertyGetFunc func(iface, name string) (Variant, error)

// PropertySetFunc applies a new value to a property.
type PropertySetFunc func(iface, name string, value Variant) error

// exportedObject is the dispatcher's view of one object registered via
// Connection.Export (spec.md §4.H).
type exportedObject struct {
	path       string
	interfaces []InterfaceDesc
	call       MethodCallFunc
	getProp    PropertyGetFunc
	setProp    PropertySetFunc
}

func findInterface(ifaces []InterfaceDesc, name string) (InterfaceDesc, bool) {
	for _, i := range ifaces {
		if i.Name == name {
			return i, true
		}
	}
	return InterfaceDesc{}, false
}

// Export registers an object at path, implementing the interfaces
// described by ifaces. Standard interfaces (Peer, Introspectable,
// Properties) are synthesized by the dispatcher and need not be listed
// in ifaces; listing them anyway only affects the generated
// introspection XML, not dispatch.
func (c *Connection) Export(path string, ifaces []InterfaceDesc, call MethodCallFunc, getProp PropertyGetFunc, setProp PropertySetFunc) error {
	if !IsValidObjectPath(path) {
		return fmt.Errorf("%w: object_path: %q", ErrInvalidValue, path)
	}
	c.export(path, &exportedObject{path: path, interfaces: ifaces, call: call, getProp: getProp, setProp: setProp})
	return nil
}

// Unexport removes the object registered at path, if any.
func (c *Connection) Unexport(path string) {
	c.unexport(path)
}

// EmitSignal marshals args against sig, checks that there is one
// argument per signature element, and sends the signal from path. It
// does not check that an object is exported at path or that iface
// declares a signal named member.
func (c *Connection) EmitSignal(path, iface, member, sig string, args []interface{}) error {
	parsed, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	if len(parsed.Elements) != len(args) {
		return fmt.Errorf("%w: signal_emission_failed: %d args for signature %q", ErrSignalEmissionFailed, len(args), sig)
	}
	body, err := marshalBody(binary.LittleEndian, sig, func(m *Marshaller) error {
		for i, e := range parsed.Elements {
			if err := EncodeValue(e, args[i], m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignalEmissionFailed, err)
	}
	return c.Send(NewSignal(0, path, iface, member, sig, body))
}

// dispatchExportedCall builds the reply (or nil, for a call with
// no_reply_expected) to a method_call aimed at obj, per spec.md §4.H:
// the three standard interfaces are synthesized in-process; anything
// else is validated against obj's declared interfaces and handed to
// obj.call.
func dispatchExportedCall(obj *exportedObject, msg *Message, allocSerial func() uint32, order binary.ByteOrder) *Message {
	iface, _ := msg.Header.Interface()
	member, _ := msg.Header.Member()
	sender, _ := msg.Header.Sender()
	serial := msg.Header.Serial
	replyExpected := msg.Header.Flags&FlagNoReplyExpected == 0

	errorReply := func(name, detail string) *Message {
		if !replyExpected {
			return nil
		}
		body, _ := marshalBody(order, "s", func(m *Marshaller) error { return m.String(detail) })
		return NewError(allocSerial(), serial, name, sender, "s", body)
	}

	switch iface {
	case ifacePeer:
		return dispatchPeer(member, allocSerial, serial, sender, order, replyExpected, errorReply)
	case ifaceIntrospectable:
		if member != "Introspect" {
			return errorReply(dbusErrUnknownMethod, fmt.Sprintf("no such method %s", member))
		}
		xmlStr, err := GenerateIntrospectionXML(obj.interfaces)
		if err != nil {
			return errorReply(dbusErrFailed, err.Error())
		}
		if !replyExpected {
			return nil
		}
		body, _ := marshalBody(order, "s", func(m *Marshaller) error { return m.String(xmlStr) })
		return NewMethodReturn(allocSerial(), serial, sender, "s", body)
	case ifaceProperties:
		return dispatchProperties(obj, msg, allocSerial, serial, sender, order, replyExpected, member, errorReply)
	default:
		ifaceDesc, ok := findInterface(obj.interfaces, iface)
		if !ok {
			return errorReply(dbusErrUnknownInterface, fmt.Sprintf("no such interface %s", iface))
		}
		method, ok := ifaceDesc.findMethod(member)
		if !ok {
			return errorReply(dbusErrUnknownMethod, fmt.Sprintf("no such method %s.%s", iface, member))
		}
		bodySig, _ := msg.Header.BodySignature()
		if bodySig != method.InSignature() {
			return errorReply(dbusErrInvalidArgs, fmt.Sprintf("expected signature %q, got %q", method.InSignature(), bodySig))
		}
		if obj.call == nil {
			return errorReply(dbusErrFailed, "no method handler registered")
		}
		outSig, outBody, err := obj.call(iface, member, bodySig, msg.Body)
		if err != nil {
			return errorReply(dbusErrFailed, err.Error())
		}
		if outSig != method.OutSignature() {
			return errorReply(dbusErrFailed, "handler returned a signature that doesn't match the declared output")
		}
		if !replyExpected {
			return nil
		}
		return NewMethodReturn(allocSerial(), serial, sender, outSig, outBody)
	}
}

func dispatchPeer(member string, allocSerial func() uint32, serial uint32, sender string, order binary.ByteOrder, replyExpected bool, errorReply func(string, string) *Message) *Message {
	switch member {
	case "Ping":
		if !replyExpected {
			return nil
		}
		return NewMethodReturn(allocSerial(), serial, sender, "", nil)
	case "GetMachineId":
		if !replyExpected {
			return nil
		}
		body, _ := marshalBody(order, "s", func(m *Marshaller) error { return m.String(machineID()) })
		return NewMethodReturn(allocSerial(), serial, sender, "s", body)
	default:
		return errorReply(dbusErrUnknownMethod, fmt.Sprintf("no such method %s", member))
	}
}

var (
	sigSS  = mustParseSig("ss")
	sigSSV = mustParseSig("ssv")
	sigS   = mustParseSig("s")
	sigASV = mustParseSig("a{sv}")
)

func mustParseSig(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

func dispatchProperties(obj *exportedObject, msg *Message, allocSerial func() uint32, serial uint32, sender string, order binary.ByteOrder, replyExpected bool, member string, errorReply func(string, string) *Message) *Message {
	switch member {
	case "Get":
		u := NewUnmarshaller(msg.Body, sigSS, order, 0)
		iface, err1 := u.String()
		name, err2 := u.String()
		if err1 != nil || err2 != nil {
			return errorReply(dbusErrInvalidArgs, "malformed Get arguments")
		}
		ifaceDesc, ok := findInterface(obj.interfaces, iface)
		if !ok {
			return errorReply(dbusErrUnknownInterface, fmt.Sprintf("no such interface %s", iface))
		}
		if _, ok := ifaceDesc.findProperty(name); !ok {
			return errorReply(dbusErrUnknownProperty, fmt.Sprintf("no such property %s.%s", iface, name))
		}
		if obj.getProp == nil {
			return errorReply(dbusErrFailed, "no property getter registered")
		}
		v, err := obj.getProp(iface, name)
		if err != nil {
			return errorReply(dbusErrFailed, err.Error())
		}
		if !replyExpected {
			return nil
		}
		body, err := marshalBody(order, "v", func(m *Marshaller) error {
			return EncodeValue(Element{Kind: KindVariant}, v, m)
		})
		if err != nil {
			return errorReply(dbusErrFailed, err.Error())
		}
		return NewMethodReturn(allocSerial(), serial, sender, "v", body)

	case "Set":
		u := NewUnmarshaller(msg.Body, sigSSV, order, 0)
		iface, err1 := u.String()
		name, err2 := u.String()
		val, err3 := DecodeValue(sigSSV.Elements[2], u)
		if err1 != nil || err2 != nil || err3 != nil {
			return errorReply(dbusErrInvalidArgs, "malformed Set arguments")
		}
		ifaceDesc, ok := findInterface(obj.interfaces, iface)
		if !ok {
			return errorReply(dbusErrUnknownInterface, fmt.Sprintf("no such interface %s", iface))
		}
		if _, ok := ifaceDesc.findProperty(name); !ok {
			return errorReply(dbusErrUnknownProperty, fmt.Sprintf("no such property %s.%s", iface, name))
		}
		if obj.setProp == nil {
			return errorReply(dbusErrFailed, "no property setter registered")
		}
		if err := obj.setProp(iface, name, val.(Variant)); err != nil {
			return errorReply(dbusErrFailed, err.Error())
		}
		if !replyExpected {
			return nil
		}
		return NewMethodReturn(allocSerial(), serial, sender, "", nil)

	case "GetAll":
		u := NewUnmarshaller(msg.Body, sigS, order, 0)
		iface, err := u.String()
		if err != nil {
			return errorReply(dbusErrInvalidArgs, "malformed GetAll arguments")
		}
		ifaceDesc, ok := findInterface(obj.interfaces, iface)
		if !ok {
			return errorReply(dbusErrUnknownInterface, fmt.Sprintf("no such interface %s", iface))
		}
		if obj.getProp == nil {
			if !replyExpected {
				return nil
			}
			body, _ := marshalBody(order, "a{sv}", func(m *Marshaller) error {
				return EncodeValue(sigASV.Elements[0], map[interface{}]interface{}{}, m)
			})
			return NewMethodReturn(allocSerial(), serial, sender, "a{sv}", body)
		}
		result := make(map[interface{}]interface{})
		for _, p := range ifaceDesc.Properties {
			if p.Access == "write" {
				continue
			}
			v, err := obj.getProp(iface, p.Name)
			if err != nil {
				return errorReply(dbusErrFailed, err.Error())
			}
			result[p.Name] = v
		}
		if !replyExpected {
			return nil
		}
		body, err := marshalBody(order, "a{sv}", func(m *Marshaller) error {
			return EncodeValue(sigASV.Elements[0], result, m)
		})
		if err != nil {
			return errorReply(dbusErrFailed, err.Error())
		}
		return NewMethodReturn(allocSerial(), serial, sender, "a{sv}", body)

	default:
		return errorReply(dbusErrUnknownMethod, fmt.Sprintf("no such method %s", member))
	}
}
