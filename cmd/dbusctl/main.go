// Program dbusctl exercises a dbus.Connection from the command line:
// method calls, signal emission/waiting, introspection, and property
// access, plus a demonstration exported service. It is a thin
// collaborator over the dbus package (spec.md §1's "Out of scope:
// the CLI front-end"), in the spirit of marselester-systemd's
// cmd/units/main.go.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/marselester/dbus/dbus"
)

func main() {
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	fs := flag.NewFlagSet("dbusctl", flag.ContinueOnError)
	bus := fs.String("b", "session", "bus to connect to: session|system")
	fs.StringVar(bus, "bus", "session", "bus to connect to: session|system (long form)")
	fs.Usage = usage
	if err := fs.Parse(os.Args[1:]); err != nil {
		return
	}

	args := fs.Args()
	if len(args) < 1 {
		usage()
		return
	}
	sub, rest := args[0], args[1:]

	busType, err := parseBusType(*bus)
	if err != nil {
		log.Print(err)
		return
	}

	var run func(conn *dbus.Connection, args []string) error
	switch sub {
	case "call":
		run = cmdCall
	case "emit":
		run = cmdEmit
	case "wait":
		run = cmdWait
	case "introspect":
		run = cmdIntrospect
	case "get-property":
		run = cmdGetProperty
	case "set-property":
		run = cmdSetProperty
	case "list":
		run = cmdList
	case "echo-service":
		run = cmdEchoService
	default:
		usage()
		return
	}

	conn, err := dbus.Connect(dbus.WithBus(busType))
	if err != nil {
		log.Print(err)
		return
	}
	defer conn.Close()

	if err := run(conn, rest); err != nil {
		log.Print(err)
		return
	}
	exitCode = 0
}

func parseBusType(s string) (dbus.BusType, error) {
	switch s {
	case "session":
		return dbus.SessionBus, nil
	case "system":
		return dbus.SystemBus, nil
	default:
		return 0, fmt.Errorf("dbusctl: unknown bus %q, want session or system", s)
	}
}

// formatValue renders a decoded dbus value for human display, unwrapping
// Variant and recursing into containers the way the reference D-Bus CLI
// tools print call results.
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case dbus.Variant:
		return formatValue(val.Value)
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = formatValue(e)
		}
		return "[" + joinComma(parts) + "]"
	case map[interface{}]interface{}:
		parts := make([]string, 0, len(val))
		for k, e := range val {
			parts = append(parts, fmt.Sprintf("%v: %s", k, formatValue(e)))
		}
		return "{" + joinComma(parts) + "}"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: dbusctl [-b session|system] <command> [args...]

commands:
  call <service> <path> <interface> <method> <signature> [args...]
  emit <path> <interface> <signal> <signature> [args...]
  wait <path> <interface> <signal> [--timeout N]
  introspect <service> <path>
  get-property <service> <path> <interface> <name>
  set-property <service> <path> <interface> <name> <signature> <value>
  list
  echo-service`)
}
