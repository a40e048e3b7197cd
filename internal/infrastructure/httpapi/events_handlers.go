package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"device-relay/internal/domain"
	"device-relay/internal/eventbus"
)

type publishEventRequest struct {
	Type  string            `json:"type"`
	Data  any               `json:"data"`
	Route map[string]string `json:"route"`
}

func (d *Deps) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "TYPE_REQUIRED", "type is required", nil)
		return
	}
	ev := d.Svc.PublishEvent(req.Type, req.Data, req.Route)
	writeJSON(w, http.StatusCreated, ev)
}

// eventFilter combines ?types=a,b, ?sessionId= and a CEL ?filter=.
func eventFilter(r *http.Request) (eventbus.Filter, error) {
	q := r.URL.Query()
	cel, err := eventbus.CompileFilter(q.Get("filter"))
	if err != nil {
		return nil, err
	}
	var session eventbus.Filter
	if sid := q.Get("sessionId"); sid != "" {
		session = eventbus.RouteFilter("sessionId", sid)
	}
	return eventbus.All(eventbus.TypeFilter(splitCSV(q.Get("types"))...), session, cel), nil
}

func (d *Deps) handleEventsSince(w http.ResponseWriter, r *http.Request) {
	seq, err := parseSeq(r.URL.Query().Get("seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_SEQUENCE", "seq must be a non-negative integer", nil)
		return
	}
	filter, err := eventFilter(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	events, complete := d.Bus.EventsSince(seq, filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"events":       events,
		"complete":     complete,
		"lastSequence": d.Bus.LastSequence(),
	})
}

// handleEventStream is an SSE feed of bus events. A reconnecting client sends
// Last-Event-ID (or ?lastEventId=) and first receives what it missed; a
// "gap" event tells it the replay window no longer covers that point.
func (d *Deps) handleEventStream(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("lastEventId")
	}
	since, err := parseSeq(lastID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_SEQUENCE", "Last-Event-ID must be a sequence number", nil)
		return
	}
	replay := lastID != ""

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "stream unsupported", nil)
		return
	}

	// subscribe before replaying so nothing falls between the two
	live := make(chan domain.Event, 256)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := d.Bus.Subscribe(func(ev domain.Event) {
		if filter != nil && !filter(ev) {
			return
		}
		select {
		case live <- ev:
		default:
			// client cannot keep up; drop the connection so it resumes via replay
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	if !replay {
		since = d.Bus.LastSequence()
	}
	enc := json.NewEncoder(w)
	last := since
	if replay {
		missed, complete := d.Bus.EventsSince(since, filter)
		if !complete {
			_ = writeSSE(w, flusher, "", "gap", map[string]any{"since": since, "lastSequence": d.Bus.LastSequence()}, enc)
		}
		for _, ev := range missed {
			_ = writeSSE(w, flusher, strconv.FormatUint(ev.Sequence, 10), ev.Type, ev, enc)
			last = ev.Sequence
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(d.Cfg.SSEHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			d.Logger.Warn().Uint64("seq", last).Msg("sse client too slow, closing stream")
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case ev := <-live:
			if ev.Sequence <= last {
				continue
			}
			if err := writeSSE(w, flusher, strconv.FormatUint(ev.Sequence, 10), ev.Type, ev, enc); err != nil {
				return
			}
			last = ev.Sequence
		}
	}
}

// handleWaitEvents long-polls for the next batch of matching events.
// Query: types, sessionId, filter, batchWindowMs, timeoutMs.
func (d *Deps) handleWaitEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	q := r.URL.Query()
	window := msParam(q.Get("batchWindowMs"), d.Cfg.BatchWindowMs)
	maxWait := msParam(q.Get("timeoutMs"), d.Cfg.BatchMaxWaitMs)

	res := d.Bus.CollectBatch(r.Context(), eventbus.BatchOptions{
		Match:       filter,
		BatchWindow: window,
		MaxWait:     maxWait,
	})
	if res.Aborted {
		// client went away; nobody reads the response
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, id string, event string, data any, enc *json.Encoder) error {
	if id != "" {
		if _, err := w.Write([]byte("id: " + id + "\n")); err != nil {
			return err
		}
	}
	_, _ = w.Write([]byte("event: " + event + "\n"))
	_, _ = w.Write([]byte("data: "))
	// Encode terminates the line
	if err := enc.Encode(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func parseSeq(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func msParam(s string, def int) time.Duration {
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return time.Duration(def) * time.Millisecond
}

// splitCSV splits comma-separated tokens trimming whitespace and skipping empties.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
