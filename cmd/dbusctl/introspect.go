package main

import (
	"context"
	"fmt"

	"github.com/marselester/dbus/dbus"
)

// cmdIntrospect implements:
//   introspect <service> <path>
func cmdIntrospect(conn *dbus.Connection, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("introspect: want service path")
	}
	service, path := args[0], args[1]
	p := dbus.NewProxy(conn, service, path, "")
	xmlStr, err := p.Introspect(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(xmlStr)
	return nil
}
