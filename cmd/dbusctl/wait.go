package main

import (
	"context"
	"fmt"
	"time"

	"github.com/marselester/dbus/dbus"
)

// cmdWait implements:
//   wait <path> <interface> <signal> [--timeout N]
func cmdWait(conn *dbus.Connection, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("wait: want path interface signal [--timeout N]")
	}
	path, iface, signal := args[0], args[1], args[2]
	timeout := 30 * time.Second
	for i := 3; i < len(args); i++ {
		if args[i] == "--timeout" && i+1 < len(args) {
			d, err := time.ParseDuration(args[i+1] + "s")
			if err != nil {
				return fmt.Errorf("wait: bad --timeout value %q: %w", args[i+1], err)
			}
			timeout = d
			i++
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	p := dbus.NewProxy(conn, "", path, iface)
	received := make(chan *dbus.Message, 1)
	sub, err := p.Subscribe(ctx, signal, func(msg *dbus.Message) {
		select {
		case received <- msg:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("wait: subscribe: %w", err)
	}
	defer sub.Cancel(context.Background())

	select {
	case msg := <-received:
		sig, _ := msg.Header.BodySignature()
		if sig == "" {
			fmt.Println(signal)
			return nil
		}
		parsed, err := dbus.ParseSignature(sig)
		if err != nil {
			return err
		}
		vals, err := dbus.DecodeValues(parsed, msg.Header.Order, msg.Body)
		if err != nil {
			return err
		}
		for _, v := range vals {
			fmt.Println(formatValue(v))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait: timed out after %s waiting for %s", timeout, signal)
	}
}
