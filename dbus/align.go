package dbus

// nextOffset returns the offset that follows padding current up to the
// given alignment, and the number of padding bytes required to get
// there. Ported from marselester/systemd's decoder.go/encoder.go, which
// both needed the identical computation.
func nextOffset(current, align uint32) (next, padding uint32) {
	if align == 0 || current%align == 0 {
		return current, 0
	}
	next = (current + align - 1) &^ (align - 1)
	return next, next - current
}
