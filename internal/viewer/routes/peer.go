package routes

import (
	"net/http"

	"github.com/petervdpas/parley/internal/state"
)

func registerPeerRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"peer_id": d.SelfID,
			"label":   safeCall(d.SelfLabel),
		})
	})

	// GET /api/peers — presence snapshot, the pool of callable peers.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		snap := d.Peers.Snapshot()
		type peerVM struct {
			PeerID string `json:"peer_id"`
			state.SeenPeer
		}
		out := make([]peerVM, 0, len(snap))
		for id, sp := range snap {
			out = append(out, peerVM{PeerID: id, SeenPeer: sp})
		}
		writeJSON(w, out)
	})
}

func safeCall(fn func() string) string {
	if fn == nil {
		return ""
	}
	return fn()
}
