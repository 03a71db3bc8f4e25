package dbus

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// fakeServer accepts exactly one client connection over a Unix socket
// and drives a scripted SASL handshake plus Hello reply, handing the
// accepted net.Conn to the test for further scripted message exchange.
// This exercises Connect/Call/AddSignalHandler against a real socket
// rather than a fake net.Conn, since Connect dials by path.
func fakeServer(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handler(conn)
	}()
	return "unix:path=" + path
}

// serveHandshake performs the server side of the EXTERNAL SASL
// handshake scripted by spec.md §8 scenario 6, then hands back a
// bufio.Reader positioned right after BEGIN\r\n for further binary
// traffic.
func serveHandshake(t *testing.T, conn net.Conn) *bufio.Reader {
	t.Helper()
	r := bufio.NewReader(conn)
	nul := make([]byte, 1)
	if _, err := r.Read(nul); err != nil {
		t.Fatalf("read NUL preamble: %v", err)
	}
	authLine, err := r.ReadString('\n')
	if err != nil || authLine[:4] != "AUTH" {
		t.Fatalf("read AUTH line: %q, %v", authLine, err)
	}
	if _, err := conn.Write([]byte("DATA\r\n")); err != nil {
		t.Fatalf("write DATA: %v", err)
	}
	dataLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read DATA line: %v", err)
	}
	_ = dataLine
	if _, err := conn.Write([]byte("OK 1234deadbeef\r\n")); err != nil {
		t.Fatalf("write OK: %v", err)
	}
	beginLine, err := r.ReadString('\n')
	if err != nil || beginLine != "BEGIN\r\n" {
		t.Fatalf("read BEGIN line: %q, %v", beginLine, err)
	}
	return r
}

func readFrame(t *testing.T, r *bufio.Reader) *Message {
	t.Helper()
	head := make([]byte, 16)
	if _, err := readFull(r, head); err != nil {
		t.Fatalf("read message head: %v", err)
	}
	order, err := orderFromEndianByte(head[0])
	if err != nil {
		t.Fatalf("bad endian byte: %v", err)
	}
	bodyLen := order.Uint32(head[4:8])
	fieldsLen := order.Uint32(head[12:16])
	total := uint64(16) + uint64(fieldsLen)
	total += (8 - total%8) % 8
	total += uint64(bodyLen)
	rest := make([]byte, total-16)
	if _, err := readFull(r, rest); err != nil {
		t.Fatalf("read message rest: %v", err)
	}
	full := append(head, rest...)
	msg, err := DecodeMessage(full)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return msg
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func writeFrame(t *testing.T, conn net.Conn, msg *Message) {
	t.Helper()
	b, err := EncodeMessage(binary.LittleEndian, msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestConnectHandshakeAndHello(t *testing.T) {
	serverDone := make(chan struct{})
	addr := fakeServer(t, func(conn net.Conn) {
		defer close(serverDone)
		r := serveHandshake(t, conn)
		hello := readFrame(t, r)
		member, _ := hello.Header.Member()
		if member != "Hello" {
			t.Errorf("first method call = %q, want Hello", member)
		}
		body, _ := marshalBody(binary.LittleEndian, "s", func(m *Marshaller) error {
			return m.String(":1.42")
		})
		reply := NewMethodReturn(1, hello.Header.Serial, "", "s", body)
		writeFrame(t, conn, reply)
	})

	conn, err := Connect(WithAddress(addr), WithAuthMechanism(AuthExternal))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if got := conn.UniqueName(); got != ":1.42" {
		t.Errorf("UniqueName() = %q, want :1.42", got)
	}
	<-serverDone
}

func TestConnectionCallCorrelatesOutOfOrderReplies(t *testing.T) {
	calls := make(chan *Message, 2)
	serverDone := make(chan struct{})
	addr := fakeServer(t, func(conn net.Conn) {
		defer close(serverDone)
		r := serveHandshake(t, conn)
		hello := readFrame(t, r)
		body, _ := marshalBody(binary.LittleEndian, "s", func(m *Marshaller) error {
			return m.String(":1.1")
		})
		writeFrame(t, conn, NewMethodReturn(1, hello.Header.Serial, "", "s", body))

		first := readFrame(t, r)
		calls <- first
		second := readFrame(t, r)
		calls <- second

		// Reply in reverse order of receipt (spec.md §8 scenario 4).
		writeFrame(t, conn, NewMethodReturn(2, second.Header.Serial, "", "", nil))
		writeFrame(t, conn, NewMethodReturn(3, first.Header.Serial, "", "", nil))
	})

	conn, err := Connect(WithAddress(addr))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	results := make(chan string, 2)
	for _, member := range []string{"First", "Second"} {
		member := member
		go func() {
			msg := NewMethodCall(0, "/a", "com.x", member, "com.x.svc", "", nil, 0)
			reply, err := conn.Call(context.Background(), msg)
			if err != nil {
				results <- fmt.Sprintf("error: %v", err)
				return
			}
			if rs, _ := reply.Header.ReplySerial(); rs != msg.Header.Serial {
				results <- fmt.Sprintf("%s: got reply to serial %d, want %d", member, rs, msg.Header.Serial)
				return
			}
			results <- "ok:" + member
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r != "ok:First" && r != "ok:Second" {
				t.Errorf("unexpected result: %s", r)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for call results")
		}
	}
	<-serverDone
}

func TestConnectionSignalRouting(t *testing.T) {
	serverDone := make(chan struct{})
	fire := make(chan struct{})
	addr := fakeServer(t, func(conn net.Conn) {
		defer close(serverDone)
		r := serveHandshake(t, conn)
		hello := readFrame(t, r)
		body, _ := marshalBody(binary.LittleEndian, "s", func(m *Marshaller) error {
			return m.String(":1.1")
		})
		writeFrame(t, conn, NewMethodReturn(1, hello.Header.Serial, "", "s", body))
		<-fire
		writeFrame(t, conn, NewSignal(2, "/a", "com.x", "Tick", "", nil))
	})

	conn, err := Connect(WithAddress(addr))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	received := make(chan *Message, 1)
	conn.AddSignalHandler("/a", "com.x", func(msg *Message) { received <- msg })
	close(fire)

	select {
	case msg := <-received:
		member, _ := msg.Header.Member()
		if member != "Tick" {
			t.Errorf("signal member = %q, want Tick", member)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	<-serverDone
}

func TestConnectionCloseFailsPendingCalls(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		r := serveHandshake(t, conn)
		hello := readFrame(t, r)
		body, _ := marshalBody(binary.LittleEndian, "s", func(m *Marshaller) error {
			return m.String(":1.1")
		})
		writeFrame(t, conn, NewMethodReturn(1, hello.Header.Serial, "", "s", body))
		// Never reply to subsequent calls; let Close fail them.
		readFrame(t, r)
	})

	conn, err := Connect(WithAddress(addr))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Close races the run loop's synthetic error-reply delivery against
	// Call's own <-c.done case (both become ready around the same time);
	// either outcome resolves the caller exactly once, so accept both.
	type outcome struct {
		reply *Message
		err   error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		msg := NewMethodCall(0, "/a", "com.x", "Stuck", "com.x.svc", "", nil, 0)
		reply, err := conn.Call(context.Background(), msg)
		resultCh <- outcome{reply, err}
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case got := <-resultCh:
		switch {
		case got.err != nil:
			// Resolved via the generic connection-closed path.
		case got.reply != nil && got.reply.Header.Type == TypeError:
			name, _ := got.reply.Header.ErrorName()
			if name != errConnectionClosedName {
				t.Errorf("reply error name = %q, want %q", name, errConnectionClosedName)
			}
		default:
			t.Fatalf("Call after Close: got %+v, want an error or a synthetic error message", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Call to be failed by Close")
	}
}
