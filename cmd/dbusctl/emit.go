package main

import (
	"fmt"

	"github.com/marselester/dbus/dbus"
)

// cmdEmit implements:
//   emit <path> <interface> <signal> <signature> [args...]
func cmdEmit(conn *dbus.Connection, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("emit: want path interface signal signature [args...]")
	}
	path, iface, signal, sig := args[0], args[1], args[2], args[3]
	argStrs := args[4:]

	parsed, err := dbus.ParseSignature(sig)
	if err != nil {
		return err
	}
	if len(parsed.Elements) != len(argStrs) {
		return fmt.Errorf("signature %q wants %d arguments, got %d", sig, len(parsed.Elements), len(argStrs))
	}
	vals := make([]interface{}, len(parsed.Elements))
	for i, e := range parsed.Elements {
		v, err := dbus.ParseArg(e, argStrs[i])
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		vals[i] = v
	}

	return conn.EmitSignal(path, iface, signal, sig, vals)
}
