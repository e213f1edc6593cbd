package sandbox

import "bytes"

// DefaultOutputLimit is how much of each of stdout and stderr an execution
// keeps when Config.OutputLimit is unset.
const DefaultOutputLimit = 64 << 10

// cappedBuffer keeps the first limit bytes written to it and counts the
// rest. Writes never fail, so a chatty child is not killed by EPIPE.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += int64(len(p) - max(room, 0))
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }

// Dropped is the number of bytes written past the limit.
func (b *cappedBuffer) Dropped() int64 { return b.dropped }
