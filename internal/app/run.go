// Package app wires the peer together: p2p node, call directory, signaling,
// media, the lifecycle manager and the status API.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/media"
	"github.com/petervdpas/parley/internal/p2p"
	"github.com/petervdpas/parley/internal/signal"
	"github.com/petervdpas/parley/internal/state"
	"github.com/petervdpas/parley/internal/transport"
	"github.com/petervdpas/parley/internal/util"
	"github.com/petervdpas/parley/internal/viewer"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg := opt.Cfg

	selfLabel := func() string {
		if cfg.Profile.Label != "" {
			return cfg.Profile.Label
		}
		return "anonymous"
	}

	// ── P2P node
	peers := state.NewPeerTable()
	node, err := p2p.New(ctx,
		cfg.P2P.ListenPort,
		util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		cfg.P2P.MdnsTag,
		peers,
		selfLabel,
		time.Duration(cfg.P2P.TTLSec)*time.Second,
	)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Printf("APP: peer id %s", node.ID())

	node.RunPresenceLoop(ctx)
	node.RunHeartbeat(ctx, time.Duration(cfg.P2P.HeartbeatSec)*time.Second)

	// ── Call directory
	dir, err := directory.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open call directory: %w", err)
	}
	defer dir.Close()

	// ── Signaling
	signals := signal.NewPubSubProvider(node.PubSub(), node.ID())
	announcer, err := signal.NewInviteAnnouncer(node.PubSub(), node.ID())
	if err != nil {
		return fmt.Errorf("open invite topic: %w", err)
	}
	defer announcer.Close()

	if err := announcer.SubscribeInvites(func(c *directory.Call) {
		if err := dir.Ingest(ctx, c); err != nil {
			log.Printf("APP: ingest invite %s: %v", c.ID, err)
		}
	}); err != nil {
		return fmt.Errorf("subscribe invites: %w", err)
	}

	// ── Media and transport
	devices, err := media.NewDevices()
	if err != nil {
		return fmt.Errorf("init capture devices: %w", err)
	}
	var topts []transport.Option
	if cfgr, ok := devices.(transport.MediaEngineConfigurer); ok {
		topts = append(topts, transport.WithMediaEngineConfigurer(cfgr))
	}
	transports := transport.NewPionProvider(cfg.Call.ICEServers, topts...)

	// ── Call manager
	mgr := call.NewManager(node.ID(), dir, signals, transports, devices)
	mgr.SetAnnounce(announcer.Announce)
	mgr.Start()
	defer mgr.Close()

	runRingTimeout(ctx, mgr, dir, time.Duration(cfg.Call.RingSec)*time.Second)

	// ── Config reload
	cancelWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		cfg.Profile.Label = next.Profile.Label
		cfg.Call.ICEServers = next.Call.ICEServers
		transports.SetICEServers(next.Call.ICEServers)
		log.Printf("APP: config reloaded")
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer cancelWatch()
	}

	// ── Status API
	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Viewer.Port)
		if err := viewer.Start(addr, viewer.Viewer{
			SelfID:    node.ID(),
			SelfLabel: selfLabel,
			Peers:     peers,
			Calls:     mgr,
			Directory: dir,
			Logs:      logBuf,
		}); err != nil {
			log.Printf("APP: viewer stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}

// runRingTimeout marks calls still ringing after the timeout as missed.
// Both sides run their own timer against their own directory; the manager
// picks up the status change and tears down its end.
func runRingTimeout(ctx context.Context, mgr *call.Manager, dir *directory.DB, timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	events, cancel := mgr.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				ringing := ev.Type == call.EventIncoming ||
					(ev.Type == call.EventState && ev.State == call.StateOutgoingRinging)
				if !ringing || ev.Call == nil {
					continue
				}
				go expireRing(ctx, dir, ev.Call.ID, timeout)
			}
		}
	}()
}

func expireRing(ctx context.Context, dir *directory.DB, callID string, timeout time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(timeout):
	}

	c, err := dir.GetCall(ctx, callID)
	if err != nil || c.Status != directory.StatusRinging {
		return
	}
	endedAt := time.Now()
	err = dir.UpdateCallStatus(ctx, callID, directory.StatusUpdate{
		Status:  directory.StatusMissed,
		EndedAt: &endedAt,
	})
	if err != nil {
		log.Printf("APP: mark %s missed: %v", callID, err)
		return
	}
	log.Printf("APP: call %s missed (no answer in %s)", callID, timeout)
}
