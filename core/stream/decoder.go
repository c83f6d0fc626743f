// Package stream incrementally reassembles newline-delimited JSON frames
// from an arbitrarily chunked byte stream.
package stream

import (
	"bytes"
	"encoding/json"

	"github.com/tailored-agentic-units/relay/core/protocol"
)

// Decoder buffers raw chunks from the subprocess output stream and yields
// complete frames as newlines arrive. The frame sequence is independent of
// how the stream was chunked: feeding one byte at a time yields the same
// frames as feeding the whole stream at once.
//
// Lines that are not valid JSON are discarded, not surfaced as errors. The
// subprocess interleaves incidental log noise with protocol frames, so a
// parse failure is expected traffic.
type Decoder struct {
	buf       []byte
	discarded int
}

// NewDecoder creates a Decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the rolling buffer and returns every frame completed
// by it. A trailing partial line is retained for the next call.
func (d *Decoder) Feed(chunk []byte) []protocol.Frame {
	d.buf = append(d.buf, chunk...)

	var frames []protocol.Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return frames
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if frame, ok := d.decodeLine(line); ok {
			frames = append(frames, frame)
		}
	}
}

// Flush decodes any buffered partial line as if the stream had ended with a
// newline. Call once at end of stream.
func (d *Decoder) Flush() []protocol.Frame {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil

	if frame, ok := d.decodeLine(line); ok {
		return []protocol.Frame{frame}
	}
	return nil
}

// Discarded reports how many non-empty lines failed to parse and were
// dropped. Diagnostic only.
func (d *Decoder) Discarded() int {
	return d.discarded
}

func (d *Decoder) decodeLine(line []byte) (protocol.Frame, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return protocol.Frame{}, false
	}

	var frame protocol.Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		d.discarded++
		return protocol.Frame{}, false
	}
	frame.Raw = json.RawMessage(bytes.Clone(line))
	return frame, true
}
