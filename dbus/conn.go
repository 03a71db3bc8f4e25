package dbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
)

// connState is the dispatcher's state machine (spec.md §4.G).
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateAuthenticating
	stateConnected
	stateError
)

type signalKey struct {
	path, iface string
}

// Connection owns the socket, state machine, serial counter,
// pending-reply table, signal-handler table, and exported-object
// registry for one D-Bus bus connection. Every touch of that shared
// state happens inside the run loop goroutine (the "mailbox"), which
// callers reach only through cmdCh; this generalizes
// marselester-systemd's mutex-guarded Client into the actor-style
// dispatcher spec.md §4.G/§5 calls for, and z3ntu-go-dbus's
// receiveLoop/dispatchMessage/methodCallReplies into its read side.
type Connection struct {
	netConn net.Conn
	order   binary.ByteOrder // wire order this connection writes with

	cmdCh     chan func()
	frameCh   chan []byte
	readErrCh chan error
	done      chan struct{}
	closeOnce sync.Once

	strConv     *stringConverter // shared across every decoded frame's header fields
	serialCheck bool

	// mailbox-owned state; touched only from run().
	state          connState
	nextSerial     uint32
	pending        map[uint32]chan *Message
	signalHandlers map[signalKey]func(*Message)
	exported       map[string]*exportedObject
	uniqueName     string
	lastErr        error
	filters        []MessageFilter
}

// Connect dials, authenticates, and performs the Hello handshake
// against the bus selected by opts (spec.md §4.G connect flow).
func Connect(opts ...Option) (*Connection, error) {
	cfg := newConfig(opts)

	addr := cfg.address
	if cfg.useBus {
		resolved, err := ResolveAddress(cfg.bus)
		if err != nil {
			return nil, err
		}
		addr = resolved
	}
	parsed, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	path := parsed.Options["path"]

	c := &Connection{
		order:          binary.LittleEndian,
		cmdCh:          make(chan func()),
		frameCh:        make(chan []byte, 16),
		readErrCh:      make(chan error, 1),
		done:           make(chan struct{}),
		pending:        make(map[uint32]chan *Message),
		signalHandlers: make(map[signalKey]func(*Message)),
		exported:       make(map[string]*exportedObject),
		nextSerial:     1,
		state:          stateConnecting,
		strConv:        newStringConverter(cfg.strConvSize),
		serialCheck:    cfg.serialCheck,
	}

	netConn, err := net.DialTimeout("unix", path, cfg.connectDeadline)
	if err != nil {
		c.state = stateError
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	c.netConn = netConn
	c.state = stateAuthenticating

	uid := cfg.uid
	if uid < 0 {
		uid = os.Getuid()
	}
	leftover, err := Authenticate(netConn, cfg.authMechanism, uid, cfg.authDeadline)
	if err != nil {
		netConn.Close()
		c.state = stateError
		return nil, err
	}

	c.state = stateConnected
	go c.readLoop(leftover, cfg.connReadSize)
	go c.run()

	name, err := c.hello()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.do(func() { c.uniqueName = name })
	return c, nil
}

// UniqueName returns the bus name assigned to this connection by Hello.
func (c *Connection) UniqueName() string {
	var name string
	c.do(func() { name = c.uniqueName })
	return name
}

func (c *Connection) hello() (string, error) {
	msg := NewMethodCall(0, "/org/freedesktop/DBus", "org.freedesktop.DBus", "Hello", "org.freedesktop.DBus", "", nil, 0)
	reply, err := c.Call(context.Background(), msg)
	if err != nil {
		return "", err
	}
	if reply.Header.Type == TypeError {
		return "", remoteErrorFromMessage(reply)
	}
	var name string
	if err := unmarshalBody(reply.Header.Order, "s", reply.Body, func(u *Unmarshaller) error {
		var err error
		name, err = u.String()
		return err
	}); err != nil {
		return "", err
	}
	return name, nil
}

// do runs fn inside the mailbox goroutine and waits for it to finish.
func (c *Connection) do(fn func()) {
	done := make(chan struct{})
	select {
	case c.cmdCh <- func() { fn(); close(done) }:
	case <-c.done:
		return
	}
	select {
	case <-done:
	case <-c.done:
	}
}

// run is the mailbox: the only goroutine that ever touches pending,
// signalHandlers, exported, state, or uniqueName.
func (c *Connection) run() {
	for {
		select {
		case cmd := <-c.cmdCh:
			cmd()
		case frame := <-c.frameCh:
			c.dispatch(frame)
		case err := <-c.readErrCh:
			c.fail(err)
			return
		case <-c.done:
			return
		}
	}
}

func (c *Connection) readLoop(leftover []byte, readSize int) {
	var framer Framer
	framer.Feed(leftover)
	buf := make([]byte, readSize)
	for {
		for {
			frame, ok, err := framer.Next()
			if err != nil {
				select {
				case c.readErrCh <- err:
				case <-c.done:
				}
				return
			}
			if !ok {
				break
			}
			select {
			case c.frameCh <- frame:
			case <-c.done:
				return
			}
		}
		n, err := c.netConn.Read(buf)
		if err != nil {
			select {
			case c.readErrCh <- fmt.Errorf("%w: %v", ErrSocketError, err):
			case <-c.done:
			}
			return
		}
		framer.Feed(buf[:n])
	}
}

// dispatch routes one decoded frame per spec.md §4.G's receive rules.
// Runs inside the mailbox.
func (c *Connection) dispatch(frame []byte) {
	msg, err := decodeMessage(frame, c.strConv)
	if err != nil {
		log.Printf("dbus: discarding malformed frame: %v", err)
		return
	}
	for _, f := range c.filters {
		msg = f(msg)
		if msg == nil {
			return
		}
	}
	switch msg.Header.Type {
	case TypeMethodReturn, TypeError:
		rs, ok := msg.Header.ReplySerial()
		if !ok {
			return
		}
		if ch, ok := c.pending[rs]; ok {
			delete(c.pending, rs)
			ch <- msg
		}
	case TypeSignal:
		path, _ := msg.Header.Path()
		iface, _ := msg.Header.Interface()
		if h, ok := c.signalHandlers[signalKey{path, iface}]; ok {
			go h(msg)
		}
	case TypeMethodCall:
		c.dispatchMethodCall(msg)
	}
}

func (c *Connection) dispatchMethodCall(msg *Message) {
	path, _ := msg.Header.Path()
	obj, ok := c.exported[path]
	if !ok {
		if msg.Header.Flags&FlagNoReplyExpected != 0 {
			return
		}
		sender, _ := msg.Header.Sender()
		body, _ := marshalBody(c.order, "s", func(m *Marshaller) error {
			return m.String(fmt.Sprintf("object %s is not exported", path))
		})
		reply := NewError(c.allocSerial(), msg.Header.Serial, "org.freedesktop.DBus.Error.UnknownObject", sender, "s", body)
		c.writeMessage(reply)
		return
	}
	reply := dispatchExportedCall(obj, msg, c.allocSerial, c.order)
	if reply != nil {
		c.writeMessage(reply)
	}
}

func (c *Connection) allocSerial() uint32 {
	s := c.nextSerial
	c.nextSerial++
	if c.nextSerial == 0 {
		c.nextSerial = 1
	}
	return s
}

func (c *Connection) writeMessage(msg *Message) error {
	b, err := EncodeMessage(c.order, msg)
	if err != nil {
		return err
	}
	if _, err := c.netConn.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketError, err)
	}
	return nil
}

// Call sends msg expecting a reply, blocking until it arrives, the
// connection closes, or ctx is cancelled. On cancellation the pending
// waiter is removed so the eventual reply is dropped silently
// (spec.md §5 cancellation).
func (c *Connection) Call(ctx context.Context, msg *Message) (*Message, error) {
	replyCh := make(chan *Message, 1)
	var serial uint32
	var sendErr error
	c.do(func() {
		serial = c.allocSerial()
		msg.Header.Serial = serial
		c.pending[serial] = replyCh
		if err := c.writeMessage(msg); err != nil {
			delete(c.pending, serial)
			sendErr = err
		}
	})
	if sendErr != nil {
		return nil, sendErr
	}
	select {
	case m := <-replyCh:
		if c.serialCheck {
			if rs, ok := m.Header.ReplySerial(); !ok || rs != serial {
				return nil, fmt.Errorf("%w: reply serial %d, want %d", ErrInvalidMessageFormat, rs, serial)
			}
		}
		return m, nil
	case <-ctx.Done():
		c.do(func() { delete(c.pending, serial) })
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// Send writes msg without waiting for a reply, e.g. a signal or a
// method call flagged no_reply_expected.
func (c *Connection) Send(msg *Message) error {
	var err error
	c.do(func() {
		if msg.Header.Serial == 0 {
			msg.Header.Serial = c.allocSerial()
		}
		err = c.writeMessage(msg)
	})
	return err
}

// AddSignalHandler registers handler to be invoked (non-blocking, per
// spec.md §4.G) for signals matching (path, iface). Only one handler
// per (path, iface) pair is kept, matching the single AddMatch rule a
// Proxy subscription installs.
func (c *Connection) AddSignalHandler(path, iface string, handler func(*Message)) {
	c.do(func() { c.signalHandlers[signalKey{path, iface}] = handler })
}

// RemoveSignalHandler deregisters the handler installed by AddSignalHandler.
func (c *Connection) RemoveSignalHandler(path, iface string) {
	c.do(func() { delete(c.signalHandlers, signalKey{path, iface}) })
}

// export registers obj at path; see export.go's Export for the public,
// validating entry point.
func (c *Connection) export(path string, obj *exportedObject) {
	c.do(func() { c.exported[path] = obj })
}

// unexport removes the object registered at path, if any.
func (c *Connection) unexport(path string) {
	c.do(func() { delete(c.exported, path) })
}

// fail transitions to error(E), failing every pending waiter with
// connection_closed and clearing the handler and export tables, per
// spec.md §4.G disconnect semantics. Runs inside the mailbox.
func (c *Connection) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.state = stateError
	c.lastErr = err
	for serial, ch := range c.pending {
		delete(c.pending, serial)
		ch <- errorMessage(err)
	}
	c.signalHandlers = make(map[signalKey]func(*Message))
	c.exported = make(map[string]*exportedObject)
	c.netConn.Close()
	close(c.done)
}

// errorMessage wraps a transport failure as a synthetic error message
// so a blocked Call can distinguish "the bus replied with an error"
// from "the connection died" via Header.Type plus the body text.
func errorMessage(err error) *Message {
	body, _ := marshalBody(binary.LittleEndian, "s", func(m *Marshaller) error {
		return m.String(err.Error())
	})
	return &Message{
		Header: Header{Type: TypeError, Serial: 1, Fields: []HeaderField{
			stringField(FieldErrorName, "s", errConnectionClosedName),
			uint32Field(FieldReplySerial, 1),
			stringField(FieldSignature, "g", "s"),
		}},
		Body: body,
	}
}

const errConnectionClosedName = "org.freedesktop.DBus.Error.Disconnected"

// Close disconnects idempotently: fails every pending waiter with
// connection_closed, clears the handler/export tables, and closes the
// socket (spec.md §4.G).
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.do(func() { c.fail(ErrConnectionClosed) })
	})
}

// marshalBody encodes a body against sig using write, returning the raw
// bytes; write may be nil for an empty body.
func marshalBody(order binary.ByteOrder, sig string, write func(*Marshaller) error) ([]byte, error) {
	if sig == "" {
		return nil, nil
	}
	parsed, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	m := NewMarshaller(parsed, order, AlignMessage, 0)
	if write != nil {
		if err := write(m); err != nil {
			return nil, err
		}
	}
	return m.Finalize()
}

// unmarshalBody decodes data against sig using read.
func unmarshalBody(order binary.ByteOrder, sig string, data []byte, read func(*Unmarshaller) error) error {
	if order == nil {
		order = binary.LittleEndian
	}
	parsed, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	u := NewUnmarshaller(data, parsed, order, 0)
	if read != nil {
		if err := read(u); err != nil {
			return err
		}
	}
	if !u.Done() {
		return fmt.Errorf("%w: body shorter than its signature", ErrIncomplete)
	}
	return nil
}

// remoteErrorFromMessage builds a RemoteError from a method_return-shaped
// error message, per spec.md §4.H's error-reply conversion rule: when the
// body signature is "s" or "as", the first string is the human message
// and any further strings are auxiliary details.
func remoteErrorFromMessage(msg *Message) *RemoteError {
	name, _ := msg.Header.ErrorName()
	sender, _ := msg.Header.Sender()
	re := &RemoteError{
		Name:       name,
		Sender:     sender,
		Body:       msg.Body,
		Endianness: littleEndianByte(msg.Header.Order),
	}
	if rs, ok := msg.Header.ReplySerial(); ok {
		re.ReplySerial = rs
	}
	sig, _ := msg.Header.BodySignature()
	var strs []string
	switch sig {
	case "s":
		_ = unmarshalBody(msg.Header.Order, sig, msg.Body, func(u *Unmarshaller) error {
			s, err := u.String()
			strs = append(strs, s)
			return err
		})
	case "as":
		_ = unmarshalBody(msg.Header.Order, sig, msg.Body, func(u *Unmarshaller) error {
			return u.Array(func(item *Unmarshaller) error {
				s, err := item.String()
				strs = append(strs, s)
				return err
			})
		})
	}
	if len(strs) > 0 {
		re.Message = strs[0]
		re.Details = strs[1:]
	}
	return re
}
