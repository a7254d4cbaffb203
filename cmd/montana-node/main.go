package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"montana.dev/node/crypto"
	"montana.dev/node/node"
	"montana.dev/node/primitives"
)

// multiStringFlag collects a repeatable flag into a slice, grounded on the
// teacher's cmd/rubin-node/main.go flag-parsing shape.
type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := node.DefaultConfig()
	var peers multiStringFlag

	cfg := defaults
	fs := flag.NewFlagSet("montana-node", flag.ContinueOnError)
	fs.SetOutput(stderr)

	peerCSV := fs.String("peers", "", "bootstrap peers, comma-separated host:port")
	fs.Var(&peers, "peer", "single bootstrap peer host:port (repeatable)")
	fs.StringVar(&cfg.Network, "network", defaults.Network, "network name (devnet/testnet/mainnet)")
	fs.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "node data directory")
	fs.StringVar(&cfg.BindAddr, "bind", defaults.BindAddr, "bind address host:port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	fs.IntVar(&cfg.MaxPeers, "max-peers", defaults.MaxPeers, "max connected peers")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Peers = node.NormalizePeers(append([]string{*peerCSV}, peers...)...)
	if err := node.ValidateConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		_, _ = fmt.Fprintf(stderr, "datadir create failed: %v\n", err)
		return 2
	}

	identity, err := loadOrCreateIdentity(filepath.Join(cfg.DataDir, "identity.key"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "identity load failed: %v\n", err)
		return 2
	}

	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "identity: node_id=%x\n", identity.NodeID.Bytes())
	if *dryRun {
		return 0
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "logger init failed: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	n, err := node.New(cfg, identity, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "node init failed: %v\n", err)
		return 2
	}
	defer func() { _ = n.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintln(stdout, "montana-node running")
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		_, _ = fmt.Fprintf(stderr, "node run failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "montana-node stopped")
	return 0
}

// loadOrCreateIdentity reads a raw ed25519 private key from path, or
// generates and persists a fresh one if path does not exist yet. The
// node's address is derived from the key's public half, so this file is
// the one piece of state that must survive a restart for the node to keep
// the same identity.
func loadOrCreateIdentity(path string) (node.Identity, error) {
	provider := crypto.NewDevProvider()

	raw, err := os.ReadFile(path)
	if err == nil && len(raw) == ed25519.PrivateKeySize {
		priv := ed25519.PrivateKey(raw)
		pub := priv.Public().(ed25519.PublicKey)
		return node.Identity{
			NodeID:     primitives.AddressFromPublicKey(pub),
			PublicKey:  append([]byte(nil), pub...),
			PrivateKey: append([]byte(nil), priv...),
		}, nil
	}
	if err == nil {
		return node.Identity{}, fmt.Errorf("identity file %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
	}
	if err != nil && !os.IsNotExist(err) {
		return node.Identity{}, fmt.Errorf("read identity file: %w", err)
	}

	priv, pub, err := provider.GenerateKey()
	if err != nil {
		return node.Identity{}, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return node.Identity{}, fmt.Errorf("persist identity: %w", err)
	}
	return node.Identity{
		NodeID:     primitives.AddressFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func printConfig(w io.Writer, cfg node.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
