package dbus

import (
	"errors"
	"testing"
)

func TestParseAddressUnix(t *testing.T) {
	a, err := ParseAddress("unix:path=/run/user/1000/bus")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if a.Transport != "unix" || a.Options["path"] != "/run/user/1000/bus" {
		t.Errorf("got %+v", a)
	}
}

func TestParseAddressMultipleOptions(t *testing.T) {
	a, err := ParseAddress("unix:path=/tmp/bus,guid=abc123")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if a.Options["path"] != "/tmp/bus" || a.Options["guid"] != "abc123" {
		t.Errorf("got %+v", a)
	}
}

func TestParseAddressUnsupportedTransport(t *testing.T) {
	_, err := ParseAddress("tcp:host=localhost,port=1234")
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Errorf("err = %v, want ErrUnsupportedTransport", err)
	}
}

func TestParseAddressMissingPath(t *testing.T) {
	_, err := ParseAddress("unix:guid=abc123")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestParseAddressMissingTransport(t *testing.T) {
	_, err := ParseAddress("path=/tmp/bus")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestResolveAddressSessionRequiresEnv(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "")
	_, err := ResolveAddress(SessionBus)
	if !errors.Is(err, ErrEnvironmentVariableNotSet) {
		t.Errorf("err = %v, want ErrEnvironmentVariableNotSet", err)
	}
}

func TestResolveAddressSessionFromEnv(t *testing.T) {
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/run/user/1000/bus")
	addr, err := ResolveAddress(SessionBus)
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if addr != "unix:path=/run/user/1000/bus" {
		t.Errorf("addr = %q", addr)
	}
}

func TestResolveAddressSystemDefault(t *testing.T) {
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "")
	addr, err := ResolveAddress(SystemBus)
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if addr != "unix:path="+SystemBusDefaultPath {
		t.Errorf("addr = %q, want default system bus path", addr)
	}
}

func TestResolveAddressSystemFromEnv(t *testing.T) {
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "unix:path=/custom/system_bus_socket")
	addr, err := ResolveAddress(SystemBus)
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if addr != "unix:path=/custom/system_bus_socket" {
		t.Errorf("addr = %q", addr)
	}
}
