package dbus

// Framer extracts complete messages from an accumulating byte stream,
// the way marselester/systemd's DecodeListUnits inlined framing math
// for one fixed message shape, generalized here into a standalone,
// repeatable step (spec.md §4.E).
type Framer struct {
	buf []byte
}

// Feed appends freshly read bytes to the framer's buffer.
func (f *Framer) Feed(b []byte) {
	f.buf = append(f.buf, b...)
}

// Next returns the next complete message's raw bytes and removes them
// from the buffer, or ok=false if the buffer doesn't yet hold a whole
// message. It never advances the buffer on a partial message.
func (f *Framer) Next() (frame []byte, ok bool, err error) {
	if len(f.buf) < messagePrologueSize {
		return nil, false, nil
	}
	order, err := orderFromEndianByte(f.buf[0])
	if err != nil {
		return nil, false, err
	}
	bodyLen := order.Uint32(f.buf[4:8])
	fieldsLen := order.Uint32(f.buf[12:16])

	total := uint64(messagePrologueSize) + uint64(fieldsLen)
	padding := (8 - total%8) % 8
	total += padding + uint64(bodyLen)
	if total > MaxMessageSize {
		return nil, false, ErrMessageTooLarge
	}
	if uint64(len(f.buf)) < total {
		return nil, false, nil
	}

	frame = make([]byte, total)
	copy(frame, f.buf[:total])
	f.buf = f.buf[total:]
	return frame, true, nil
}

// Pending returns the number of unconsumed bytes currently buffered.
func (f *Framer) Pending() int { return len(f.buf) }
