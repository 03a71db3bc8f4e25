package main

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/marselester/dbus/dbus"
)

// cmdCall implements:
//   call <service> <path> <interface> <method> <signature> [args...]
func cmdCall(conn *dbus.Connection, args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("call: want service path interface method signature [args...]")
	}
	service, path, iface, method, sig := args[0], args[1], args[2], args[3], args[4]
	argStrs := args[5:]

	body, err := encodeArgs(sig, argStrs)
	if err != nil {
		return err
	}

	p := dbus.NewProxy(conn, service, path, iface)
	reply, err := p.CallMessage(context.Background(), method, sig, body, 0)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	outSig, _ := reply.Header.BodySignature()
	if outSig == "" {
		return nil
	}

	parsed, err := dbus.ParseSignature(outSig)
	if err != nil {
		return err
	}
	vals, err := dbus.DecodeValues(parsed, reply.Header.Order, reply.Body)
	if err != nil {
		return err
	}
	for _, v := range vals {
		fmt.Println(formatValue(v))
	}
	return nil
}

// encodeArgs marshals argStrs against sig using dbus.ParseArg/EncodeValue,
// the same path the CLI's emit and set-property commands use.
func encodeArgs(sig string, argStrs []string) ([]byte, error) {
	if sig == "" {
		return nil, nil
	}
	parsed, err := dbus.ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	if len(parsed.Elements) != len(argStrs) {
		return nil, fmt.Errorf("signature %q wants %d arguments, got %d", sig, len(parsed.Elements), len(argStrs))
	}
	m := dbus.NewMarshaller(parsed, binary.LittleEndian, dbus.AlignMessage, 0)
	for i, e := range parsed.Elements {
		v, err := dbus.ParseArg(e, argStrs[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		if err := dbus.EncodeValue(e, v, m); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return m.Finalize()
}
