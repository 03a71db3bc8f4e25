package dbus

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFramerPartialThenComplete(t *testing.T) {
	msg := NewMethodCall(1, "/org/freedesktop/DBus", "org.freedesktop.DBus", "Hello", "", "", nil, 0)
	full, err := EncodeMessage(binary.LittleEndian, msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	var f Framer
	f.Feed(full[:len(full)-1])
	if _, ok, err := f.Next(); ok || err != nil {
		t.Fatalf("Next() on a truncated frame: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if f.Pending() != len(full)-1 {
		t.Errorf("Pending() = %d after a failed Next, want buffer untouched at %d", f.Pending(), len(full)-1)
	}

	f.Feed(full[len(full)-1:])
	frame, ok, err := f.Next()
	if err != nil || !ok {
		t.Fatalf("Next() on a complete frame: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(full, frame); diff != "" {
		t.Errorf("extracted frame mismatch (-want +got):\n%s", diff)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending() = %d after consuming the only frame, want 0", f.Pending())
	}
}

func TestFramerTwoMessagesBackToBack(t *testing.T) {
	m1, _ := EncodeMessage(binary.LittleEndian, NewMethodCall(1, "/a", "", "M1", "", "", nil, 0))
	m2, _ := EncodeMessage(binary.LittleEndian, NewMethodCall(2, "/b", "", "M2", "", "", nil, 0))

	var f Framer
	f.Feed(m1)
	f.Feed(m2)

	got1, ok, err := f.Next()
	if err != nil || !ok {
		t.Fatalf("Next() #1: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(m1, got1); diff != "" {
		t.Errorf("frame #1 mismatch (-want +got):\n%s", diff)
	}
	got2, ok, err := f.Next()
	if err != nil || !ok {
		t.Fatalf("Next() #2: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(m2, got2); diff != "" {
		t.Errorf("frame #2 mismatch (-want +got):\n%s", diff)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", f.Pending())
	}
}

func TestFramerEmptyBuffer(t *testing.T) {
	var f Framer
	if _, ok, err := f.Next(); ok || err != nil {
		t.Fatalf("Next() on an empty buffer: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}
