package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/marselester/dbus/dbus"
)

const echoServiceName = "com.example.Echo"
const echoServicePath = "/com/example/Echo"
const echoServiceIface = "com.example.Echo"

// cmdEchoService implements:
//   echo-service
//
// It exports a tiny object with one method (Echo), one read-only
// property (Count, incremented per call), and one signal (Echoed,
// emitted after every call), demonstrating Connection.Export/EmitSignal
// end to end. Runs until interrupted.
func cmdEchoService(conn *dbus.Connection, _ []string) error {
	iface := dbus.InterfaceDesc{
		Name: echoServiceIface,
		Methods: []dbus.Method{
			{
				Name: "Echo",
				Args: []dbus.Arg{
					{Name: "in", Type: "s", Direction: "in"},
					{Name: "out", Type: "s", Direction: "out"},
				},
			},
		},
		Properties: []dbus.Property{
			{Name: "Count", Type: "u", Access: "read"},
		},
		Signals: []dbus.Signal{
			{
				Name: "Echoed",
				Args: []dbus.Arg{{Name: "text", Type: "s", Direction: "out"}},
			},
		},
	}

	var mu sync.Mutex
	count := uint32(0)

	handler := func(ifaceName, method, sig string, body []byte) (string, []byte, error) {
		if ifaceName != echoServiceIface || method != "Echo" {
			return "", nil, fmt.Errorf("unsupported method %s.%s", ifaceName, method)
		}
		parsed, err := dbus.ParseSignature(sig)
		if err != nil {
			return "", nil, err
		}
		vals, err := dbus.DecodeValues(parsed, binary.LittleEndian, body)
		if err != nil || len(vals) != 1 {
			return "", nil, fmt.Errorf("malformed Echo argument")
		}
		text, ok := vals[0].(string)
		if !ok {
			return "", nil, fmt.Errorf("Echo argument must be a string")
		}

		mu.Lock()
		count++
		mu.Unlock()

		// The handler runs inside the connection's mailbox, so the signal
		// is sent from another goroutine that waits for the mailbox.
		go func() {
			if err := conn.EmitSignal(echoServicePath, echoServiceIface, "Echoed", "s", []interface{}{text}); err != nil {
				fmt.Fprintf(os.Stderr, "echo-service: emit Echoed: %v\n", err)
			}
		}()

		outSig, err := dbus.ParseSignature("s")
		if err != nil {
			return "", nil, err
		}
		m := dbus.NewMarshaller(outSig, binary.LittleEndian, dbus.AlignMessage, 0)
		if err := dbus.EncodeValue(outSig.Elements[0], text, m); err != nil {
			return "", nil, err
		}
		out, err := m.Finalize()
		if err != nil {
			return "", nil, err
		}
		return "s", out, nil
	}

	getProp := func(ifaceName, name string) (dbus.Variant, error) {
		if ifaceName != echoServiceIface || name != "Count" {
			return dbus.Variant{}, fmt.Errorf("no such property %s.%s", ifaceName, name)
		}
		mu.Lock()
		defer mu.Unlock()
		return dbus.Variant{Sig: "u", Value: count}, nil
	}

	if err := conn.Export(echoServicePath, []dbus.InterfaceDesc{iface}, handler, getProp, nil); err != nil {
		return err
	}
	defer conn.Unexport(echoServicePath)

	code, err := dbus.RequestName(context.Background(), conn, echoServiceName, 0)
	if err != nil {
		return fmt.Errorf("echo-service: RequestName: %w", err)
	}
	fmt.Printf("echo-service: exported %s at %s (RequestName reply %d)\n", echoServiceName, echoServicePath, code)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	return nil
}
