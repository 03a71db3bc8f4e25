package dbus

import (
	"context"
	"fmt"
)

// Proxy is a client-side handle to one object on a remote service,
// bound to a single interface (spec.md §4.H). Grounded on
// z3ntu-go-dbus's ObjectProxy, generalized to drive the signature-typed
// codec instead of reflection.
type Proxy struct {
	conn        *Connection
	serviceName string
	path        string
	iface       string
}

// NewProxy constructs a Proxy bound to one object/interface on a bus
// connection.
func NewProxy(conn *Connection, serviceName, path, iface string) *Proxy {
	return &Proxy{conn: conn, serviceName: serviceName, path: path, iface: iface}
}

// CallMessage sends a method_call for member, marshalled against
// bodySig/body, and returns the raw reply message (nil if flags
// includes no_reply_expected). Error replies are converted to
// *RemoteError. Exposed alongside Call for callers that need the
// reply's byte order to decode the body themselves (e.g. the CLI).
func (p *Proxy) CallMessage(ctx context.Context, member, bodySig string, body []byte, flags Flags) (*Message, error) {
	msg := NewMethodCall(0, p.path, p.iface, member, p.serviceName, bodySig, body, flags)
	if flags&FlagNoReplyExpected != 0 {
		if err := p.conn.Send(msg); err != nil {
			return nil, err
		}
		return nil, nil
	}
	reply, err := p.conn.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply.Header.Type == TypeError {
		return nil, remoteErrorFromMessage(reply)
	}
	return reply, nil
}

// Call sends a method_call for member, marshalled against bodySig/body,
// and returns the reply's (signature, body). It returns ("", nil, nil)
// for a call issued with flags that include no_reply_expected, per
// spec.md §4.H. Error replies are converted to *RemoteError.
func (p *Proxy) Call(ctx context.Context, member, bodySig string, body []byte, flags Flags) (string, []byte, error) {
	reply, err := p.CallMessage(ctx, member, bodySig, body, flags)
	if err != nil || reply == nil {
		return "", nil, err
	}
	sig, _ := reply.Header.BodySignature()
	return sig, reply.Body, nil
}

// GetProperty fetches iface's property name via
// org.freedesktop.DBus.Properties.Get (signature ss -> v).
func (p *Proxy) GetProperty(ctx context.Context, iface, name string) (Variant, error) {
	propProxy := NewProxy(p.conn, p.serviceName, p.path, ifaceProperties)
	body, err := marshalBody(p.conn.order, "ss", func(m *Marshaller) error {
		if err := m.String(iface); err != nil {
			return err
		}
		return m.String(name)
	})
	if err != nil {
		return Variant{}, err
	}
	reply, err := propProxy.CallMessage(ctx, "Get", "ss", body, 0)
	if err != nil {
		return Variant{}, err
	}
	var result Variant
	err = unmarshalBody(reply.Header.Order, "v", reply.Body, func(u *Unmarshaller) error {
		return u.Variant(func(e Element, sub *Unmarshaller) error {
			v, err := DecodeValue(e, sub)
			result = Variant{Sig: e.String(), Value: v}
			return err
		})
	})
	return result, err
}

// SetProperty sets iface's property name via
// org.freedesktop.DBus.Properties.Set (signature ssv).
func (p *Proxy) SetProperty(ctx context.Context, iface, name string, value Variant) error {
	propProxy := NewProxy(p.conn, p.serviceName, p.path, ifaceProperties)
	velem, err := ParseSingle(value.Sig)
	if err != nil {
		return err
	}
	body, err := marshalBody(p.conn.order, "ssv", func(m *Marshaller) error {
		if err := m.String(iface); err != nil {
			return err
		}
		if err := m.String(name); err != nil {
			return err
		}
		return m.Variant(value.Sig, func(sub *Marshaller) error {
			return EncodeValue(velem, value.Value, sub)
		})
	})
	if err != nil {
		return err
	}
	_, err = propProxy.CallMessage(ctx, "Set", "ssv", body, 0)
	return err
}

// GetAllProperties fetches every readable property of iface via
// org.freedesktop.DBus.Properties.GetAll (signature s -> a{sv}).
func (p *Proxy) GetAllProperties(ctx context.Context, iface string) (map[string]Variant, error) {
	propProxy := NewProxy(p.conn, p.serviceName, p.path, ifaceProperties)
	body, err := marshalBody(p.conn.order, "s", func(m *Marshaller) error {
		return m.String(iface)
	})
	if err != nil {
		return nil, err
	}
	reply, err := propProxy.CallMessage(ctx, "GetAll", "s", body, 0)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Variant)
	err = unmarshalBody(reply.Header.Order, "a{sv}", reply.Body, func(u *Unmarshaller) error {
		return u.Dict(func(entry *Unmarshaller) error {
			key, err := entry.String()
			if err != nil {
				return err
			}
			var val Variant
			err = entry.Variant(func(e Element, sub *Unmarshaller) error {
				v, err := DecodeValue(e, sub)
				val = Variant{Sig: e.String(), Value: v}
				return err
			})
			if err != nil {
				return err
			}
			result[key] = val
			return nil
		})
	})
	return result, err
}

// Introspect fetches and returns the object's introspection XML via
// org.freedesktop.DBus.Introspectable.Introspect.
func (p *Proxy) Introspect(ctx context.Context) (string, error) {
	introspectProxy := NewProxy(p.conn, p.serviceName, p.path, ifaceIntrospectable)
	reply, err := introspectProxy.CallMessage(ctx, "Introspect", "", nil, 0)
	if err != nil {
		return "", err
	}
	var xmlStr string
	err = unmarshalBody(reply.Header.Order, "s", reply.Body, func(u *Unmarshaller) error {
		var err error
		xmlStr, err = u.String()
		return err
	})
	return xmlStr, err
}

// Subscription is a handle to a signal subscription installed by
// Proxy.Subscribe. Cancel removes the match rule and deregisters the
// handler. Holding only conn/path/iface/rule (not the *Proxy) lets a
// subscription deregister without keeping its owning Proxy alive, per
// spec.md §9's back-reference note.
type Subscription struct {
	conn  *Connection
	path  string
	iface string
	rule  string
}

// matchRule builds the AddMatch/RemoveMatch rule string for a signal
// subscription, per spec.md §4.H.
func matchRule(path, iface, member string) string {
	return fmt.Sprintf("type='signal',path='%s',interface='%s',member='%s'", path, iface, member)
}

// Subscribe installs a match rule for signals named member on p's
// (path, interface) and registers handler to receive them. The
// returned Subscription must be cancelled to remove the match rule and
// stop delivery.
func (p *Proxy) Subscribe(ctx context.Context, member string, handler func(*Message)) (*Subscription, error) {
	rule := matchRule(p.path, p.iface, member)
	busProxy := NewProxy(p.conn, "org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus")
	body, err := marshalBody(p.conn.order, "s", func(m *Marshaller) error { return m.String(rule) })
	if err != nil {
		return nil, err
	}
	if _, _, err := busProxy.Call(ctx, "AddMatch", "s", body, 0); err != nil {
		return nil, err
	}
	p.conn.AddSignalHandler(p.path, p.iface, handler)
	return &Subscription{conn: p.conn, path: p.path, iface: p.iface, rule: rule}, nil
}

// Cancel removes the match rule and deregisters the signal handler
// installed by Subscribe. Cancel is safe to call more than once; the
// second call is a harmless no-op RemoveMatch against the daemon.
func (s *Subscription) Cancel(ctx context.Context) error {
	s.conn.RemoveSignalHandler(s.path, s.iface)
	busProxy := NewProxy(s.conn, "org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus")
	body, err := marshalBody(s.conn.order, "s", func(m *Marshaller) error { return m.String(s.rule) })
	if err != nil {
		return err
	}
	_, _, err = busProxy.Call(ctx, "RemoveMatch", "s", body, 0)
	return err
}
