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

	"github.com/musignet/musignet/internal/app"
	"github.com/musignet/musignet/internal/config"
	"github.com/musignet/musignet/internal/musig"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("musignet v%s\n", appVersion)
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

	switch args[0] {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: musignet run <node-directory>")
			os.Exit(1)
		}
		runNode(args[1])

	case "keygen":
		key, err := musig.GeneratePrivateKey()
		if err != nil {
			log.Fatalf("keygen failed: %v", err)
		}
		pub, _ := musig.PubKeyFromPriv(key)
		fmt.Printf("private: %s\n", key)
		fmt.Printf("public:  %s\n", pub)

	case "aggregate":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: aggregate requires at least two public keys")
			fmt.Fprintln(os.Stderr, "Usage: musignet aggregate <pubkey> <pubkey> [pubkey...]")
			os.Exit(1)
		}
		agg, err := musig.AggregateKeys(args[1:], networkFlag())
		if err != nil {
			log.Fatalf("aggregation failed: %v", err)
		}
		fmt.Printf("aggregated key: %s\n", agg.KeyHex)
		fmt.Printf("address:        %s\n", agg.Address)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func networkFlag() string {
	if n := os.Getenv("MUSIGNET_NETWORK"); n != "" {
		return n
	}
	return "testnet"
}

func runNode(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid node directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Node directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "musignet.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		log.Printf("Created default config: %s", cfgPath)
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
		BaseDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Node failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("musignet - MuSig2 signer discovery and session coordination")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  musignet run <directory>       Run a node from the given directory")
	fmt.Println("  musignet keygen                Generate a fresh signing keypair")
	fmt.Println("  musignet aggregate <keys...>   Aggregate public keys into a shared wallet address")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Start the node. The directory holds musignet.json (created")
	fmt.Println("        with defaults on first run), identity keys and the database.")
	fmt.Println()
	fmt.Println("  keygen")
	fmt.Println("        Print a new secp256k1 keypair, hex-encoded.")
	fmt.Println()
	fmt.Println("  aggregate <pubkey> <pubkey> [pubkey...]")
	fmt.Println("        Print the MuSig2 aggregated key and Taproot address for a")
	fmt.Println("        participant set. Network via MUSIGNET_NETWORK (default testnet).")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Node Directory: %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Network:        %s\n", cfg.Identity.Network)
	if cfg.Identity.Nickname != "" {
		fmt.Printf("Nickname:       %s\n", cfg.Identity.Nickname)
	}
	if cfg.Signer.Enabled {
		fmt.Printf("Signer:         enabled (%v)\n", cfg.Signer.Capabilities)
	}
	fmt.Println("Starting node... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
}
