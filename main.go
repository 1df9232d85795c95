package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/parley/internal/app"
	"github.com/petervdpas/parley/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		showUsage()
	default:
		runPeer(os.Args[1])
	}
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "parley.json")
	cfg, created, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config: %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println("  parley — peer-to-peer voice and video calls")
	fmt.Printf("  peer dir : %s\n", peerDir)
	fmt.Printf("  config   : %s\n", cfgPath)
	fmt.Printf("  api      : http://127.0.0.1:%d\n", cfg.Viewer.Port)
	fmt.Println("────────────────────────────────────────────────────────")
}

func showUsage() {
	fmt.Println(`Usage:
  parley <peer-dir>    Run a peer using the given data directory
  parley help          Show this help

The peer directory holds the config file (parley.json), the identity key
and the call database. Run two peers with different directories to call
between them.`)
}
