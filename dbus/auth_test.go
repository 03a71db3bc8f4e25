package dbus

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// scriptedConn feeds a fixed server script to Read and records every
// byte the authenticator writes. It implements just enough of
// deadlineConn to drive Authenticate in isolation.
type scriptedConn struct {
	server *bytes.Buffer
	client bytes.Buffer
}

func (c *scriptedConn) Read(p []byte) (int, error)  { return c.server.Read(p) }
func (c *scriptedConn) Write(p []byte) (int, error) { return c.client.Write(p) }
func (c *scriptedConn) SetDeadline(time.Time) error { return nil }

func TestAuthenticateExternalScript(t *testing.T) {
	c := &scriptedConn{server: bytes.NewBufferString("DATA\r\nOK abc\r\n")}
	leftover, err := Authenticate(c, AuthExternal, 1000, time.Second)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if len(leftover) != 0 {
		t.Errorf("leftover = %q, want none", leftover)
	}
	want := []byte("\x00AUTH EXTERNAL\r\nDATA 31303030\r\nBEGIN\r\n")
	if !bytes.Equal(c.client.Bytes(), want) {
		t.Errorf("client wrote %q, want %q", c.client.Bytes(), want)
	}
}

func TestAuthenticateAnonymousWithDataRoundTrip(t *testing.T) {
	c := &scriptedConn{server: bytes.NewBufferString("DATA\r\nOK abc\r\n")}
	if _, err := Authenticate(c, AuthAnonymous, 0, time.Second); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	want := []byte("\x00AUTH ANONYMOUS\r\nDATA\r\nBEGIN\r\n")
	if !bytes.Equal(c.client.Bytes(), want) {
		t.Errorf("client wrote %q, want %q", c.client.Bytes(), want)
	}
}

func TestAuthenticateLeftoverBytesPreserved(t *testing.T) {
	trailing := []byte("binary-frame-bytes")
	server := bytes.NewBufferString("DATA\r\nOK abc\r\n")
	server.Write(trailing)
	c := &scriptedConn{server: server}
	leftover, err := Authenticate(c, AuthExternal, 1000, time.Second)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !bytes.Equal(leftover, trailing) {
		t.Errorf("leftover = %q, want %q", leftover, trailing)
	}
}

func TestAuthenticateUnexpectedResponse(t *testing.T) {
	c := &scriptedConn{server: bytes.NewBufferString("REJECTED\r\n")}
	if _, err := Authenticate(c, AuthExternal, 1000, time.Second); err == nil {
		t.Fatal("Authenticate with REJECTED response: expected error, got nil")
	}
}

func TestAuthenticateEOFFailsGracefully(t *testing.T) {
	c := &scriptedConn{server: bytes.NewBuffer(nil)}
	_, err := Authenticate(c, AuthExternal, 1000, time.Second)
	if err == nil {
		t.Fatal("Authenticate against a closed peer: expected error, got nil")
	}
	if !errors.Is(err, io.EOF) && !bytes.Contains([]byte(err.Error()), []byte("auth")) {
		t.Errorf("Authenticate error = %v, want an auth or EOF related error", err)
	}
}
