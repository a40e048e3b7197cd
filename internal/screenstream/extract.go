package screenstream

import "bytes"

var (
	markerSOI = []byte{0xFF, 0xD8}
	markerEOI = []byte{0xFF, 0xD9}
)

// ExtractFrames pulls every complete JPEG (SOI..EOI inclusive) out of buf.
//
// The remainder starts at the first unterminated SOI so the partial frame can
// be completed by the next read. Bytes that precede an SOI are discarded.
// A trailing lone 0xFF is kept because it may be the first half of an SOI
// split across reads.
//
// Returned frames are copies; the remainder aliases buf.
func ExtractFrames(buf []byte) (frames [][]byte, remainder []byte) {
	for {
		start := bytes.Index(buf, markerSOI)
		if start < 0 {
			if n := len(buf); n > 0 && buf[n-1] == 0xFF {
				return frames, buf[n-1:]
			}
			return frames, nil
		}
		rel := bytes.Index(buf[start+2:], markerEOI)
		if rel < 0 {
			return frames, buf[start:]
		}
		end := start + 2 + rel
		frame := make([]byte, end+2-start)
		copy(frame, buf[start:end+2])
		frames = append(frames, frame)
		buf = buf[end+2:]
	}
}

// Extractor accumulates a byte stream across reads and yields complete frames.
// It is not safe for concurrent use; one reader goroutine owns it.
type Extractor struct {
	buf []byte
}

// Feed appends p and returns the frames it completed, in stream order.
func (e *Extractor) Feed(p []byte) [][]byte {
	e.buf = append(e.buf, p...)
	frames, rest := ExtractFrames(e.buf)
	// compact so the backing array does not grow with the stream
	e.buf = append(e.buf[:0], rest...)
	return frames
}

// Pending returns how many bytes are held for an incomplete frame.
func (e *Extractor) Pending() int { return len(e.buf) }

// Reset drops any partial frame.
func (e *Extractor) Reset() { e.buf = e.buf[:0] }
