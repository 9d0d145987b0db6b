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

	"github.com/mboers/dyad/internal/app"
	"github.com/mboers/dyad/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	httpAddr = flag.String("http", "", "Override local API listen address")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("dyad v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Error: dyad requires a peer directory")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	runPeer(args[0])
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	// First run writes a default config into the peer directory.
	cfgPath := filepath.Join(absDir, "dyad.json")
	cfg, err := config.EnsureDefault(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.API.HTTPAddr = *httpAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

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
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("  dyad v%s\n", appVersion)
	fmt.Printf("  peer dir : %s\n", dir)
	fmt.Printf("  config   : %s\n", cfgPath)
	fmt.Printf("  label    : %s\n", cfg.Profile.Label)
	fmt.Println("────────────────────────────────────────────────────────")
}

func showUsage() {
	fmt.Println("dyad - two-party audio/video calls over libp2p")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dyad [flags] <peer-directory>")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -http addr   Override local API listen address")
	fmt.Println("  -version     Show version")
	fmt.Println("  -h           Show help")
	fmt.Println()
	fmt.Println("The peer directory holds the identity key, config (dyad.json)")
	fmt.Println("and call history database. Missing files are created on first run.")
}
