package httpapi

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"device-relay/internal/domain"
	"device-relay/internal/screenstream"
)

// StreamFactory builds an unstarted stream for a device.
type StreamFactory interface {
	NewStream(ctx context.Context, deviceID string, hint domain.Platform, h screenstream.Handlers) (*screenstream.ScreenStream, error)
}

type streamGauge interface {
	SetActiveStreams(n int)
}

// viewer buffers at most a couple of frames; a slow viewer loses the older
// ones instead of holding up the device stream.
type viewer struct {
	ch chan domain.Frame
}

func (v *viewer) offer(f domain.Frame) {
	select {
	case v.ch <- f:
		return
	default:
	}
	select {
	case <-v.ch:
	default:
	}
	select {
	case v.ch <- f:
	default:
	}
}

type hubEntry struct {
	stream  *screenstream.ScreenStream
	viewers map[*viewer]struct{}
}

// StreamHub shares one ScreenStream per device among all of its viewers.
// The stream starts with the first viewer and stops when the last leaves.
type StreamHub struct {
	factory StreamFactory
	logger  *zerolog.Logger
	gauge   streamGauge

	mu      sync.Mutex
	entries map[string]*hubEntry
}

func NewStreamHub(f StreamFactory, logger *zerolog.Logger, gauge streamGauge) *StreamHub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &StreamHub{factory: f, logger: logger, gauge: gauge, entries: make(map[string]*hubEntry)}
}

// Join attaches a viewer to the device stream, starting it if needed. The
// returned channel is closed when the stream ends; leave must always be called.
func (h *StreamHub) Join(ctx context.Context, deviceID string, hint domain.Platform) (<-chan domain.Frame, func(), error) {
	v := &viewer{ch: make(chan domain.Frame, 2)}

	h.mu.Lock()
	if e, ok := h.entries[deviceID]; ok {
		e.viewers[v] = struct{}{}
		h.mu.Unlock()
		return v.ch, func() { h.leave(deviceID, e, v) }, nil
	}
	h.mu.Unlock()

	e := &hubEntry{viewers: map[*viewer]struct{}{v: {}}}
	st, err := h.factory.NewStream(ctx, deviceID, hint, screenstream.Handlers{
		OnFrame: func(f domain.Frame) { h.broadcast(e, f) },
		OnError: func(err error) {
			h.logger.Debug().Err(err).Str("device", deviceID).Msg("stream error")
		},
		OnClose: func() { h.closed(deviceID, e) },
	})
	if err != nil {
		return nil, nil, err
	}
	e.stream = st

	h.mu.Lock()
	if cur, ok := h.entries[deviceID]; ok {
		// another viewer won the race; ours was never started
		cur.viewers[v] = struct{}{}
		h.mu.Unlock()
		return v.ch, func() { h.leave(deviceID, cur, v) }, nil
	}
	h.entries[deviceID] = e
	n := len(h.entries)
	h.mu.Unlock()
	h.setGauge(n)

	if err := st.Start(ctx); err != nil {
		h.closed(deviceID, e)
		return nil, nil, err
	}
	h.logger.Info().Str("device", deviceID).Str("backend", st.Backend()).Msg("device stream opened")
	return v.ch, func() { h.leave(deviceID, e, v) }, nil
}

func (h *StreamHub) broadcast(e *hubEntry, f domain.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range e.viewers {
		v.offer(f)
	}
}

func (h *StreamHub) leave(deviceID string, e *hubEntry, v *viewer) {
	h.mu.Lock()
	if _, ok := e.viewers[v]; !ok {
		h.mu.Unlock()
		return
	}
	delete(e.viewers, v)
	close(v.ch)
	last := len(e.viewers) == 0
	if last && h.entries[deviceID] == e {
		delete(h.entries, deviceID)
	}
	n := len(h.entries)
	h.mu.Unlock()

	if last {
		// Stop runs OnClose, which takes h.mu, so it must be called unlocked
		e.stream.Stop()
		h.setGauge(n)
		h.logger.Info().Str("device", deviceID).Msg("device stream closed, no viewers left")
	}
}

// closed handles a stream that ended by itself or via Stop.
func (h *StreamHub) closed(deviceID string, e *hubEntry) {
	h.mu.Lock()
	if h.entries[deviceID] == e {
		delete(h.entries, deviceID)
	}
	for v := range e.viewers {
		delete(e.viewers, v)
		close(v.ch)
	}
	n := len(h.entries)
	h.mu.Unlock()
	h.setGauge(n)
}

// Viewers reports how many viewers watch deviceID.
func (h *StreamHub) Viewers(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[deviceID]; ok {
		return len(e.viewers)
	}
	return 0
}

// Close stops every stream.
func (h *StreamHub) Close() {
	h.mu.Lock()
	entries := make([]*hubEntry, 0, len(h.entries))
	for id, e := range h.entries {
		entries = append(entries, e)
		delete(h.entries, id)
	}
	h.mu.Unlock()
	for _, e := range entries {
		e.stream.Stop()
	}
	h.setGauge(0)
}

func (h *StreamHub) setGauge(n int) {
	if h.gauge != nil {
		h.gauge.SetActiveStreams(n)
	}
}
