// Package routes registers the local JSON API: call control, peer presence,
// call history and log access for a UI or curl.
package routes

import (
	"net/http"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/state"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	SelfID    string
	SelfLabel func() string
	Peers     *state.PeerTable
	Calls     *call.Manager
	Directory *directory.DB
	Logs      Logs
}

func Register(mux *http.ServeMux, d Deps) {
	registerCallRoutes(mux, d)
	registerPeerRoutes(mux, d)

	if d.Logs != nil {
		handleGet(mux, "/api/logs", d.Logs.ServeLogsJSON)
		handleGet(mux, "/api/logs/stream", d.Logs.ServeLogsSSE)
	}
}
