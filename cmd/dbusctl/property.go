package main

import (
	"context"
	"fmt"

	"github.com/marselester/dbus/dbus"
)

// cmdGetProperty implements:
//   get-property <service> <path> <interface> <name>
func cmdGetProperty(conn *dbus.Connection, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("get-property: want service path interface name")
	}
	service, path, iface, name := args[0], args[1], args[2], args[3]
	p := dbus.NewProxy(conn, service, path, iface)
	v, err := p.GetProperty(context.Background(), iface, name)
	if err != nil {
		return err
	}
	fmt.Println(formatValue(v))
	return nil
}

// cmdSetProperty implements:
//   set-property <service> <path> <interface> <name> <signature> <value>
func cmdSetProperty(conn *dbus.Connection, args []string) error {
	if len(args) < 6 {
		return fmt.Errorf("set-property: want service path interface name signature value")
	}
	service, path, iface, name, sig, value := args[0], args[1], args[2], args[3], args[4], args[5]
	elem, err := dbus.ParseSingle(sig)
	if err != nil {
		return err
	}
	v, err := dbus.ParseArg(elem, value)
	if err != nil {
		return err
	}
	p := dbus.NewProxy(conn, service, path, iface)
	return p.SetProperty(context.Background(), iface, name, dbus.Variant{Sig: sig, Value: v})
}
