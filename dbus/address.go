package dbus

import (
	"fmt"
	"os"
	"strings"
)

// SystemBusDefaultPath is the well-known system bus socket path used
// when DBUS_SYSTEM_BUS_ADDRESS is unset, per spec.md §6.
const SystemBusDefaultPath = "/var/run/dbus/system_bus_socket"

// BusType selects which well-known bus ResolveAddress resolves.
type BusType int

const (
	SessionBus BusType = iota
	SystemBus
)

// Address is a parsed D-Bus server address: a transport name plus its
// key=value options, e.g. "unix:path=/run/dbus/system_bus_socket".
type Address struct {
	Transport string
	Options   map[string]string
}

// ParseAddress parses a single "transport:key=value,key=value" address.
// Only the unix transport is supported; anything else fails with
// ErrUnsupportedTransport. Ported from z3ntu-go-dbus's newTransport
// option-splitting loop (minus its percent-decoding, which spec.md's
// address grammar doesn't call for) and generalized into a standalone
// parse step ahead of the dial.
func ParseAddress(addr string) (Address, error) {
	if addr == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	i := strings.IndexByte(addr, ':')
	if i < 0 {
		return Address{}, fmt.Errorf("%w: %q: missing transport", ErrInvalidAddress, addr)
	}
	transport := addr[:i]
	rest := addr[i+1:]

	opts := make(map[string]string)
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			pair := strings.SplitN(kv, "=", 2)
			if len(pair) != 2 || pair[0] == "" {
				return Address{}, fmt.Errorf("%w: %q: malformed option %q", ErrInvalidAddress, addr, kv)
			}
			opts[pair[0]] = pair[1]
		}
	}

	if transport != "unix" {
		return Address{}, fmt.Errorf("%w: %q", ErrUnsupportedTransport, transport)
	}
	if _, ok := opts["path"]; !ok {
		return Address{}, fmt.Errorf("%w: unix transport requires path=", ErrInvalidAddress)
	}
	return Address{Transport: transport, Options: opts}, nil
}

// ResolveAddress finds the raw address string for the requested bus
// type per spec.md §6: the session bus requires
// DBUS_SESSION_BUS_ADDRESS; the system bus honors
// DBUS_SYSTEM_BUS_ADDRESS when set and otherwise falls back to
// SystemBusDefaultPath.
func ResolveAddress(bus BusType) (string, error) {
	switch bus {
	case SessionBus:
		addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
		if addr == "" {
			return "", fmt.Errorf("%w: DBUS_SESSION_BUS_ADDRESS", ErrEnvironmentVariableNotSet)
		}
		return addr, nil
	case SystemBus:
		if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
			return addr, nil
		}
		return "unix:path=" + SystemBusDefaultPath, nil
	default:
		return "", fmt.Errorf("%w: unknown bus type %d", ErrInvalidAddress, bus)
	}
}
