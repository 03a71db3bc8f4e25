package main

import (
	"context"
	"fmt"

	"github.com/marselester/dbus/dbus"
)

// cmdList implements:
//   list
func cmdList(conn *dbus.Connection, _ []string) error {
	names, err := dbus.ListNames(context.Background(), conn)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
