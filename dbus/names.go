package dbus

import "context"

// NameFlags controls RequestName's behavior on org.freedesktop.DBus,
// mirrored from z3ntu-go-dbus's names.go bit layout.
type NameFlags uint32

const (
	NameFlagAllowReplacement NameFlags = 1 << 0
	NameFlagReplaceExisting  NameFlags = 1 << 1
	NameFlagDoNotQueue       NameFlags = 1 << 2
)

// RequestName reply codes, per the org.freedesktop.DBus wire contract.
const (
	NameReplyPrimaryOwner uint32 = 1
	NameReplyInQueue      uint32 = 2
	NameReplyExists       uint32 = 3
	NameReplyAlreadyOwner uint32 = 4
)

func busProxy(conn *Connection) *Proxy {
	return NewProxy(conn, "org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus")
}

// RequestName asks the bus daemon to assign name to this connection,
// via org.freedesktop.DBus.RequestName (signature su -> u). This is one
// of the convenience wrappers spec.md §1 excludes from the core engine;
// it's a thin helper over Proxy.Call.
func RequestName(ctx context.Context, conn *Connection, name string, flags NameFlags) (uint32, error) {
	body, err := marshalBody(conn.order, "su", func(m *Marshaller) error {
		if err := m.String(name); err != nil {
			return err
		}
		return m.Uint32(uint32(flags))
	})
	if err != nil {
		return 0, err
	}
	reply, err := busProxy(conn).CallMessage(ctx, "RequestName", "su", body, 0)
	if err != nil {
		return 0, err
	}
	var code uint32
	err = unmarshalBody(reply.Header.Order, "u", reply.Body, func(u *Unmarshaller) error {
		var err error
		code, err = u.Uint32()
		return err
	})
	return code, err
}

// ReleaseName relinquishes a previously requested name via
// org.freedesktop.DBus.ReleaseName (signature s -> u).
func ReleaseName(ctx context.Context, conn *Connection, name string) (uint32, error) {
	body, err := marshalBody(conn.order, "s", func(m *Marshaller) error { return m.String(name) })
	if err != nil {
		return 0, err
	}
	reply, err := busProxy(conn).CallMessage(ctx, "ReleaseName", "s", body, 0)
	if err != nil {
		return 0, err
	}
	var code uint32
	err = unmarshalBody(reply.Header.Order, "u", reply.Body, func(u *Unmarshaller) error {
		var err error
		code, err = u.Uint32()
		return err
	})
	return code, err
}

// ListNames returns every name currently owned on the bus via
// org.freedesktop.DBus.ListNames (signature (none) -> as).
func ListNames(ctx context.Context, conn *Connection) ([]string, error) {
	return listNamesVia(ctx, conn, "ListNames")
}

// ListActivatableNames returns every name the bus daemon can activate
// via org.freedesktop.DBus.ListActivatableNames (signature (none) -> as).
func ListActivatableNames(ctx context.Context, conn *Connection) ([]string, error) {
	return listNamesVia(ctx, conn, "ListActivatableNames")
}

func listNamesVia(ctx context.Context, conn *Connection, member string) ([]string, error) {
	reply, err := busProxy(conn).CallMessage(ctx, member, "", nil, 0)
	if err != nil {
		return nil, err
	}
	var names []string
	err = unmarshalBody(reply.Header.Order, "as", reply.Body, func(u *Unmarshaller) error {
		return u.Array(func(item *Unmarshaller) error {
			s, err := item.String()
			names = append(names, s)
			return err
		})
	})
	return names, err
}

// NameHasOwner reports whether name is currently owned, via
// org.freedesktop.DBus.NameHasOwner (signature s -> b).
func NameHasOwner(ctx context.Context, conn *Connection, name string) (bool, error) {
	body, err := marshalBody(conn.order, "s", func(m *Marshaller) error { return m.String(name) })
	if err != nil {
		return false, err
	}
	reply, err := busProxy(conn).CallMessage(ctx, "NameHasOwner", "s", body, 0)
	if err != nil {
		return false, err
	}
	var has bool
	err = unmarshalBody(reply.Header.Order, "b", reply.Body, func(u *Unmarshaller) error {
		var err error
		has, err = u.Bool()
		return err
	})
	return has, err
}

// MessageFilter inspects an inbound message before it reaches the
// dispatcher's normal routing and may replace or veto it. Returning nil
// drops the message; returning msg unchanged (or a modified copy) lets
// it proceed. Grounded on z3ntu-go-dbus's MessageFilter hook list; not
// part of spec.md's module list but a natural extension of §4.G's
// dispatch step (SPEC_FULL.md SUPPLEMENTED FEATURES).
type MessageFilter func(*Message) *Message

// RegisterMessageFilter appends filter to the connection's pre-dispatch
// filter chain. Filters run in registration order inside the mailbox,
// before reply correlation, signal routing, or method-call dispatch.
func (c *Connection) RegisterMessageFilter(filter MessageFilter) {
	c.do(func() { c.filters = append(c.filters, filter) })
}
