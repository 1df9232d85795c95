// Package viewer serves the local status API on loopback.
package viewer

import (
	"log"
	"net/http"
	"time"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/state"
	"github.com/petervdpas/parley/internal/viewer/routes"
)

type Viewer struct {
	SelfID    string
	SelfLabel func() string
	Peers     *state.PeerTable
	Calls     *call.Manager
	Directory *directory.DB
	Logs      *LogBuffer
}

// Start serves the API on addr. It returns once the server stops.
func Start(addr string, v Viewer) error {
	mux := http.NewServeMux()

	deps := routes.Deps{
		SelfID:    v.SelfID,
		SelfLabel: v.SelfLabel,
		Peers:     v.Peers,
		Calls:     v.Calls,
		Directory: v.Directory,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("VIEWER: listening on http://%s", addr)
	return srv.ListenAndServe()
}
