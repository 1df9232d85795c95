package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/media"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local API only; the listener binds to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID   string `json:"peer_id"`
		CallType string `json:"call_type"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		ct := directory.TypeVoice
		if req.CallType == string(directory.TypeVideo) {
			ct = directory.TypeVideo
		}
		c, err := d.Calls.StartCall(r.Context(), req.PeerID, ct)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, call.ErrAlreadyInCall):
				status = http.StatusConflict
			case errors.Is(err, media.ErrDeviceUnavailable):
				status = http.StatusServiceUnavailable
			}
			http.Error(w, fmt.Sprintf("start call failed: %v", err), status)
			return
		}
		writeJSON(w, c)
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.AnswerCall(r.Context(), req.CallID); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, call.ErrNoSuchCall):
				status = http.StatusNotFound
			case errors.Is(err, media.ErrDeviceUnavailable):
				status = http.StatusServiceUnavailable
			}
			http.Error(w, fmt.Sprintf("answer failed: %v", err), status)
			return
		}
		writeJSON(w, map[string]string{"status": "answered", "call_id": req.CallID})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.RejectCall(r.Context(), req.CallID); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Calls.EndCall(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("hangup failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-mute
	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		writeJSON(w, map[string]bool{"muted": d.Calls.ToggleMute()})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		writeJSON(w, map[string]bool{"video_enabled": d.Calls.ToggleVideo()})
	})

	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.Snapshot())
	})

	// GET /api/calls/recent?limit=N
	handleGet(mux, "/api/calls/recent", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		calls, err := d.Directory.ListRecent(r.Context(), d.SelfID, limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("list calls failed: %v", err), http.StatusInternalServerError)
			return
		}
		if calls == nil {
			calls = []*directory.Call{}
		}
		writeJSON(w, calls)
	})

	// GET /api/call/events — SSE stream of lifecycle events. Each connection
	// gets its own subscription; unsubscribed on disconnect so the manager
	// never accumulates stale listeners.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		events, cancel := d.Calls.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(eventBody(ev))
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/session/{id}/stats — WebSocket pushing inbound RTP
	// counters once a second until the call ends or the client leaves.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, "/api/call/session/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "stats" {
			http.Error(w, "invalid path, expected /api/call/session/{id}/stats", http.StatusBadRequest)
			return
		}
		callID := parts[0]

		if _, err := d.Calls.SessionStats(callID); err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("VIEWER: stats upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Drain control frames without blocking the write loop.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-t.C:
				stats, err := d.Calls.SessionStats(callID)
				if err != nil {
					return // call over
				}
				if err := conn.WriteJSON(stats); err != nil {
					return
				}
			}
		}
	})
}

// eventBody flattens a manager event for the wire; remote tracks go out as
// their ID and kind only.
func eventBody(ev call.Event) map[string]any {
	body := map[string]any{"type": ev.Type}
	if ev.Call != nil {
		body["call"] = ev.Call
	}
	if ev.Type == call.EventState {
		body["state"] = ev.State.String()
	}
	if ev.Track != nil {
		body["track"] = map[string]string{
			"id":   ev.Track.ID(),
			"kind": string(ev.Track.Kind()),
		}
	}
	return body
}
