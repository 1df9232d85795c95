package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log line.
type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer tees the process log into a bounded in-memory tail for the
// status API. The most recent lines are kept in a fixed ring and new ones
// fan out to SSE watchers; writers never block on either.
type LogBuffer struct {
	mu       sync.Mutex
	ring     []LogEntry
	next     int // write position
	wrapped  bool
	watchers map[chan LogEntry]struct{}
	carry    []byte // unterminated tail of the last Write
}

func NewLogBuffer(keep int) *LogBuffer {
	if keep <= 0 {
		keep = 500
	}
	return &LogBuffer{
		ring:     make([]LogEntry, keep),
		watchers: make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer for log.SetOutput/io.MultiWriter. The stream is
// split on newlines; a partial line waits for the rest.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.carry = append(b.carry, p...)
	for {
		i := bytes.IndexByte(b.carry, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.carry[:i]), "\r")
		b.carry = b.carry[i+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.record(LogEntry{TS: time.Now(), Msg: line})
	}
	return len(p), nil
}

func (b *LogBuffer) record(e LogEntry) {
	b.ring[b.next] = e
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.wrapped = true
	}
	for ch := range b.watchers {
		select {
		case ch <- e:
		default:
			// slow watcher, line skipped
		}
	}
}

// Snapshot returns the retained lines, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.wrapped {
		return append([]LogEntry(nil), b.ring[:b.next]...)
	}
	out := make([]LogEntry, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}

// Subscribe starts tailing new lines. Cancel is idempotent.
func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)
	b.mu.Lock()
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.watchers[ch]; ok {
			delete(b.watchers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// ServeLogsJSON dumps the retained tail as a JSON array.
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot())
}

// ServeLogsSSE streams lines as they arrive, tail only. Clients wanting the
// backlog fetch /api/logs first.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
