package taskloop

import "sync"

// Buffer is a transferable byte container for port messaging. Passing a
// Buffer in the transfer list of [Port.Send] moves its contents to the
// receiving side without copying and detaches the source, after which the
// source yields no data. A Buffer sent without being transferred is deep
// copied like any other value.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	detached bool
}

// NewBuffer returns a Buffer with n zero bytes.
func NewBuffer(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	return &Buffer{data: make([]byte, n)}
}

// NewBufferFrom returns a Buffer wrapping b. The Buffer takes ownership;
// the caller must not retain b.
func NewBufferFrom(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the underlying byte slice, or nil once the Buffer has been
// detached by a transfer. Mutations are visible to other holders of the
// Buffer.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil
	}
	return b.data
}

// Len returns the length of the buffer, or 0 once detached.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return 0
	}
	return len(b.data)
}

// Detached reports whether the Buffer's contents were moved away by a
// transfer.
func (b *Buffer) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

// detach claims the contents, leaving the Buffer empty. The second return
// is false if the Buffer was already detached.
func (b *Buffer) detach() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, false
	}
	data := b.data
	b.data = nil
	b.detached = true
	return data, true
}
