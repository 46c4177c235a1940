package terminal

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultBufferSize bounds the output kept per terminal.
const DefaultBufferSize = 262144

// OutputBuffer holds the most recent output of one terminal, at most limit
// bytes. When output overflows, the oldest text is dropped on a rune
// boundary so the kept text never starts mid-character.
//
// Output can also be truncated upstream: the server applies its own
// outputByteLimit and says so in terminal.output. Truncated reports either.
type OutputBuffer struct {
	mu              sync.Mutex
	limit           int
	data            []byte
	dropped         int64
	remoteTruncated bool
}

// NewOutputBuffer returns a buffer keeping limit bytes (DefaultBufferSize
// when limit <= 0).
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = DefaultBufferSize
	}
	return &OutputBuffer{limit: limit}
}

// Append adds streamed output.
func (b *OutputBuffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(text)
}

// Replace swaps the buffered output for the server's snapshot. truncated is
// the server's own truncation flag for that snapshot.
func (b *OutputBuffer) Replace(snapshot string, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
	b.dropped = 0
	b.remoteTruncated = truncated
	b.appendLocked(snapshot)
}

func (b *OutputBuffer) appendLocked(text string) {
	b.data = append(b.data, text...)
	over := len(b.data) - b.limit
	if over <= 0 {
		return
	}
	for over < len(b.data) && !utf8.RuneStart(b.data[over]) {
		over++
	}
	n := copy(b.data, b.data[over:])
	b.data = b.data[:n]
	b.dropped += int64(over)
}

// String returns the buffered output.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the number of bytes held.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Dropped returns how many bytes were discarded locally since the last
// Replace.
func (b *OutputBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Truncated reports whether the buffered output is missing its beginning,
// either dropped here or cut by the server.
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0 || b.remoteTruncated
}

// Tail returns the last n lines. A trailing newline does not count as an
// extra empty line.
func (b *OutputBuffer) Tail(n int) string {
	if n <= 0 {
		return ""
	}
	b.mu.Lock()
	text := string(b.data)
	b.mu.Unlock()

	body := strings.TrimSuffix(text, "\n")
	if body == "" {
		return text
	}
	idx := len(body)
	for i := 0; i < n; i++ {
		idx = strings.LastIndexByte(body[:idx], '\n')
		if idx < 0 {
			return text
		}
	}
	return text[idx+1:]
}
