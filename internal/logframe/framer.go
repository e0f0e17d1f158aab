// Package logframe turns the engine's multiplexed log byte stream into
// discrete timestamped records.
//
// Wire format (fixed by the engine): each frame is an 8-byte header - byte
// 0 is the stream tag (1 = stdout, anything else = stderr), bytes 1-3 are
// unused, bytes 4-7 are a big-endian unsigned payload length - followed by
// exactly that many payload bytes. Frames may arrive split across reads at
// arbitrary byte boundaries.
package logframe

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/eliteGoblin/pipectl/internal/domain"
)

const headerLen = 8

// DefaultMaxFrameSize bounds how many payload bytes a single frame may
// declare before the framer discards it instead of buffering. Without a
// bound, a corrupt length field would make the framer retain bytes forever
// waiting for a frame that never completes.
const DefaultMaxFrameSize = 16 << 20

// Framer is a stateful incremental parser for one logical log stream.
// Feed it successive chunks; unconsumed trailing bytes are retained
// between calls. Not safe for concurrent use.
type Framer struct {
	buf     []byte
	discard int // payload bytes of an oversized frame still to skip
	dropped int
	maxSize int
	now     func() time.Time
}

// New creates a framer with DefaultMaxFrameSize and the wall clock.
func New() *Framer {
	return &Framer{maxSize: DefaultMaxFrameSize, now: time.Now}
}

// NewWithClock creates a framer using now for records that carry no
// embedded timestamp (for tests).
func NewWithClock(now func() time.Time) *Framer {
	return &Framer{maxSize: DefaultMaxFrameSize, now: now}
}

// Feed consumes the next chunk of the stream and returns every record
// completed by it, in stream order. A frame is parsed only once its full
// header and payload are buffered; a trailing partial frame is held for
// the next call. The same total byte sequence yields the same records no
// matter how it is split into chunks.
func (f *Framer) Feed(chunk []byte) []domain.LogRecord {
	f.buf = append(f.buf, chunk...)

	var out []domain.LogRecord
	for {
		if f.discard > 0 {
			n := min(f.discard, len(f.buf))
			f.buf = f.buf[n:]
			f.discard -= n
			if f.discard > 0 {
				break
			}
			continue
		}
		if len(f.buf) < headerLen {
			break
		}
		length := int(binary.BigEndian.Uint32(f.buf[4:headerLen]))
		if length > f.maxSize {
			// Corrupt or hostile length field: skip the whole frame
			// instead of buffering toward it.
			f.dropped++
			f.discard = length
			f.buf = f.buf[headerLen:]
			continue
		}
		if len(f.buf) < headerLen+length {
			break
		}
		stream := domain.StreamStderr
		if f.buf[0] == 1 {
			stream = domain.StreamStdout
		}
		out = append(out, f.splitPayload(f.buf[headerLen:headerLen+length], stream)...)
		f.buf = f.buf[headerLen+length:]
	}

	// Re-home the retained tail so consumed frames don't pin the old
	// backing array.
	if len(f.buf) > 0 {
		f.buf = append(make([]byte, 0, len(f.buf)), f.buf...)
	} else {
		f.buf = nil
	}
	return out
}

// Dropped returns how many oversized frames have been discarded.
func (f *Framer) Dropped() int {
	return f.dropped
}

// Pending returns how many bytes are buffered awaiting frame completion.
func (f *Framer) Pending() int {
	return len(f.buf) + f.discard
}

func (f *Framer) splitPayload(payload []byte, stream domain.LogStream) []domain.LogRecord {
	var records []domain.LogRecord
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		ts, text := extractTimestamp(line)
		if ts == "" {
			ts = f.now().UTC().Format(time.RFC3339Nano)
		}
		records = append(records, domain.LogRecord{
			Timestamp: ts,
			Text:      text,
			Stream:    stream,
		})
	}
	return records
}

// extractTimestamp splits a leading RFC3339 timestamp off a log line.
// Engine logs requested with timestamps prefix every line with one,
// separated from the message by whitespace. Lines without a parseable
// prefix are returned whole with an empty timestamp.
func extractTimestamp(line string) (ts, text string) {
	i := strings.IndexAny(line, " \t")
	if i <= 0 {
		return "", line
	}
	candidate := line[:i]
	if _, err := time.Parse(time.RFC3339Nano, candidate); err != nil {
		return "", line
	}
	return candidate, strings.TrimLeft(line[i+1:], " \t")
}
