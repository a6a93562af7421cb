// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/peercall/internal/app"
	"github.com/petervdpas/peercall/internal/config"
)

var (
	showHelp  = flag.Bool("h", false, "Show help")
	version   = flag.Bool("version", false, "Show version")
	withVideo = flag.Bool("video", false, "Dial with camera video (call command)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("peercall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	peerDir := args[0]
	var callee string
	if len(args) > 1 {
		if args[1] != "call" || len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[1])
			fmt.Fprintln(os.Stderr)
			showUsage()
			os.Exit(1)
		}
		callee = args[2]
	}

	runPeer(peerDir, callee)
}

func runPeer(peerDirArg, callee string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "peercall.json")
	cfg, created, err := config.Ensure(cfgPath, app.NewIdentity)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("APP [%s]: wrote default config to %s", cfg.Identity.ID, cfgPath)
	}

	printBanner(absDir, cfgPath, cfg, callee)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Callee:  callee,
		Video:   *withVideo,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("peercall - peer-to-peer calls over a shared document store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peercall <directory>                   Wait for incoming calls")
	fmt.Println("  peercall <directory> call <peer-id>    Dial a peer (audio)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -video    Dial with camera video")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("The directory holds peercall.json plus the local call history.")
	fmt.Println("A default config with a fresh identity is created on first run.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Wait for calls as ./peers/alice")
	fmt.Println("  peercall ./peers/alice")
	fmt.Println()
	fmt.Println("  # Video-call bob from alice's identity")
	fmt.Println("  peercall -video ./peers/alice call bob")
}

func printBanner(peerDir, cfgPath string, cfg config.Config, callee string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   peercall Peer Runner                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Identity:       %s\n", cfg.Identity.ID)
	if cfg.Identity.Name != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.Name)
	}
	fmt.Printf("Signal Store:   %s", cfg.Signal.RedisAddr)
	if cfg.Signal.UseTLS {
		fmt.Print(" (tls)")
	}
	fmt.Println()
	if callee != "" {
		fmt.Printf("Dialing:        %s\n", callee)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
