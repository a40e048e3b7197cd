package screenstream

import (
	"bytes"
	"math/rand"
	"testing"
)

func jpegLike(body ...byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, body...)
	return append(out, 0xFF, 0xD9)
}

func TestExtractFramesMultipleInOneRead(t *testing.T) {
	a := jpegLike(1, 2, 3)
	b := jpegLike(4, 5)
	buf := append(append([]byte{0x00, 0x13}, a...), b...)
	frames, rest := ExtractFrames(buf)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Fatalf("frames mismatch: %x %x", frames[0], frames[1])
	}
	if len(rest) != 0 {
		t.Fatalf("expected empty remainder, got %x", rest)
	}
}

func TestExtractFramesPartialThenComplete(t *testing.T) {
	partial := []byte{0xAA, 0xFF, 0xD8, 0x01, 0x02}
	frames, rest := ExtractFrames(partial)
	if len(frames) != 0 {
		t.Fatalf("partial frame must not be emitted")
	}
	if !bytes.Equal(rest, []byte{0xFF, 0xD8, 0x01, 0x02}) {
		t.Fatalf("remainder should start at SOI, got %x", rest)
	}
	next := append(append([]byte{}, rest...), 0xFF, 0xD9)
	frames, rest = ExtractFrames(next)
	if len(frames) != 1 || len(rest) != 0 {
		t.Fatalf("expected exactly one frame after EOI arrives, got %d (rest %x)", len(frames), rest)
	}
}

func TestExtractFramesGarbageOnlyIsDiscarded(t *testing.T) {
	frames, rest := ExtractFrames([]byte{0x01, 0x02, 0x03})
	if len(frames) != 0 || len(rest) != 0 {
		t.Fatalf("garbage should be dropped: frames=%d rest=%x", len(frames), rest)
	}
}

func TestExtractFramesEOIMustFollowSOI(t *testing.T) {
	// FFD8 immediately followed by D9 must not be read as SOI+EOI overlap
	buf := []byte{0xFF, 0xD8, 0xD9, 0x00}
	frames, rest := ExtractFrames(buf)
	if len(frames) != 0 || !bytes.Equal(rest, buf) {
		t.Fatalf("unexpected split: frames=%d rest=%x", len(frames), rest)
	}
}

func TestExtractorChunkingInvariance(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	var stream []byte
	for i := 0; i < 40; i++ {
		// junk between frames, occasionally ending in 0xFF
		stream = append(stream, byte(r.Intn(0xF0)))
		if i%5 == 0 {
			stream = append(stream, 0xFF)
		}
		body := make([]byte, 1+r.Intn(200))
		for j := range body {
			body[j] = byte(r.Intn(0xFF))
			if body[j] == 0xFF {
				body[j] = 0x7F
			}
		}
		stream = append(stream, jpegLike(body...)...)
	}
	whole, _ := ExtractFrames(stream)

	for trial := 0; trial < 20; trial++ {
		var ex Extractor
		var got [][]byte
		for off := 0; off < len(stream); {
			n := 1 + r.Intn(64)
			if off+n > len(stream) {
				n = len(stream) - off
			}
			got = append(got, ex.Feed(stream[off:off+n])...)
			off += n
		}
		if len(got) != len(whole) {
			t.Fatalf("trial %d: chunked=%d whole=%d", trial, len(got), len(whole))
		}
		for i := range got {
			if !bytes.Equal(got[i], whole[i]) {
				t.Fatalf("trial %d: frame %d differs", trial, i)
			}
		}
	}
}

func TestExtractorSplitMarker(t *testing.T) {
	frame := jpegLike(9, 9, 9)
	var ex Extractor
	if got := ex.Feed([]byte{0x00, 0xFF}); len(got) != 0 {
		t.Fatalf("no frame expected yet")
	}
	if ex.Pending() != 1 {
		t.Fatalf("lone 0xFF should be held, pending=%d", ex.Pending())
	}
	got := ex.Feed(frame[1:])
	if len(got) != 1 || !bytes.Equal(got[0], frame) {
		t.Fatalf("expected frame across split SOI, got %x", got)
	}
}
