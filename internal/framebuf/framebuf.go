// Package framebuf holds received bytes until a parser has turned them into
// complete frames.
//
// Bytes are appended at the tail and consumed from the head. The unconsumed
// region is exposed without copying; callers must copy anything they keep
// before the next Append or Consume.
package framebuf

// Buffer is an append-at-tail, consume-at-head byte queue.
//
// The zero value is ready to use. Buffer is not safe for concurrent use.
type Buffer struct {
	buf  []byte
	head int

	appended uint64
	consumed uint64
}

// Append adds p to the tail of the buffer.
func (b *Buffer) Append(p []byte) {
	if b == nil || len(p) == 0 {
		return
	}
	// Reclaim consumed space before growing the backing array.
	if b.head > 0 && len(b.buf)+len(p) > cap(b.buf) {
		n := copy(b.buf, b.buf[b.head:])
		b.buf = b.buf[:n]
		b.head = 0
	}
	b.buf = append(b.buf, p...)
	b.appended += uint64(len(p))
}

// Consume discards the first n unconsumed bytes.
//
// It reports false and leaves the buffer unchanged when n is negative or
// larger than Len.
func (b *Buffer) Consume(n int) bool {
	if b == nil || n < 0 || n > b.Len() {
		return false
	}
	b.head += n
	b.consumed += uint64(n)
	if b.head == len(b.buf) {
		b.buf = b.buf[:0]
		b.head = 0
	}
	return true
}

// Bytes returns the unconsumed region. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.buf[b.head:]
}

// Len is the number of unconsumed bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.buf) - b.head
}

// Reset drops all unconsumed bytes and returns how many were dropped.
func (b *Buffer) Reset() int {
	if b == nil {
		return 0
	}
	n := b.Len()
	b.consumed += uint64(n)
	b.buf = b.buf[:0]
	b.head = 0
	return n
}

// Totals reports the number of bytes appended and consumed over the buffer's
// lifetime. Reset counts as consumption.
func (b *Buffer) Totals() (appended, consumed uint64) {
	if b == nil {
		return 0, 0
	}
	return b.appended, b.consumed
}
