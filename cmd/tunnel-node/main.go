package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cvsouth/tunnel-go/circuit"
	"github.com/cvsouth/tunnel-go/community"
	"github.com/cvsouth/tunnel-go/socks"
	"github.com/cvsouth/tunnel-go/transport"
	"github.com/cvsouth/tunnel-go/xcrypto"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	addr := flag.String("addr", "0.0.0.0:0", "UDP address to listen on for overlay traffic")
	socksAddr := flag.String("socks", "127.0.0.1:1080", "address for the local SOCKS5 UDP-ASSOCIATE front-end")
	peersFile := flag.String("peers", "", "path to a JSON file of known peers (addr/identity/hybrid-key triples)")
	circuitLength := flag.Int("circuit-length", 3, "hop count for circuits this peer originates")
	logPath := flag.String("log", "tunnel-node-debug.log", "path to the JSON debug log file")
	flag.Parse()

	logger, logFile := setupLogging(*logPath)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Tunnel Node %s ===\n", Version)
	fmt.Println()

	identity, hybrid := loadOrGenerateKeys(logger)
	fmt.Printf("Identity fingerprint: %s\n", hex.EncodeToString(xcrypto.KeyToHash(identity.Public)[:8]))

	discovery := loadDiscovery(*peersFile, logger)

	sock, err := transport.Listen(*addr, logger)
	if err != nil {
		fmt.Printf("failed to bind overlay socket: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = sock.Close() }()
	fmt.Printf("Overlay socket bound to %s\n", sock.LocalAddr())

	settings := community.DefaultSettings()
	settings.CircuitLength = *circuitLength

	core := community.New(sock, identity, hybrid, discovery, settings, logger)
	defer core.Close()

	srv := &socks.Server{Addr: *socksAddr, Tunnel: core, Logger: logger}
	core.Tunnel = srv

	runNode(core, srv, logger)
}

func setupLogging(path string) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// loadOrGenerateKeys mints a fresh long-term identity and hybrid keypair
// for this run. Nothing in spec §6 asks a peer to persist its identity
// across restarts the way a relay's descriptor would, so unlike the
// teacher's directory.Cache-backed consensus this core never reads keys
// back off disk.
func loadOrGenerateKeys(logger *slog.Logger) (*xcrypto.IdentityKeyPair, *xcrypto.HybridKeyPair) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		fmt.Printf("failed to generate identity seed: %v\n", err)
		os.Exit(1)
	}
	identity, err := xcrypto.GenerateIdentityKeypair(seed)
	if err != nil {
		fmt.Printf("failed to generate identity keypair: %v\n", err)
		os.Exit(1)
	}
	hybrid, err := xcrypto.GenerateHybridKeyPair()
	if err != nil {
		fmt.Printf("failed to generate hybrid keypair: %v\n", err)
		os.Exit(1)
	}
	logger.Info("generated fresh identity for this run")
	return identity, hybrid
}

// peerEntry is the on-disk shape of one known peer, the minimal record
// the gossip substrate spec §4.10 describes would otherwise supply.
type peerEntry struct {
	Addr      string `json:"addr"`
	Identity  string `json:"identity"`
	HybridKey string `json:"hybrid_key"`
}

func loadDiscovery(path string, logger *slog.Logger) *community.StaticDiscovery {
	if path == "" {
		logger.Warn("no -peers file given, starting with an empty candidate pool")
		return community.NewStaticDiscovery(nil, func() uint64 { return uint64(time.Now().Unix()) })
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("failed to read peers file: %v\n", err)
		os.Exit(1)
	}
	var entries []peerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		fmt.Printf("failed to parse peers file: %v\n", err)
		os.Exit(1)
	}

	candidates := make([]circuit.Candidate, 0, len(entries))
	for _, e := range entries {
		cand, err := parsePeerEntry(e)
		if err != nil {
			logger.Warn("skipping malformed peer entry", "addr", e.Addr, "error", err)
			continue
		}
		candidates = append(candidates, cand)
	}
	fmt.Printf("Loaded %d candidate peers from %s\n", len(candidates), path)
	return community.NewStaticDiscovery(candidates, func() uint64 { return uint64(time.Now().Unix()) })
}

func parsePeerEntry(e peerEntry) (circuit.Candidate, error) {
	addr, err := netip.ParseAddrPort(e.Addr)
	if err != nil {
		return circuit.Candidate{}, fmt.Errorf("parse addr: %w", err)
	}
	idBytes, err := hex.DecodeString(e.Identity)
	if err != nil {
		return circuit.Candidate{}, fmt.Errorf("decode identity: %w", err)
	}
	identity, err := xcrypto.KeyFromPublicBin(idBytes)
	if err != nil {
		return circuit.Candidate{}, fmt.Errorf("identity key: %w", err)
	}
	hybridBytes, err := hex.DecodeString(e.HybridKey)
	if err != nil {
		return circuit.Candidate{}, fmt.Errorf("decode hybrid key: %w", err)
	}
	if len(hybridBytes) != xcrypto.BoxKeyLen {
		return circuit.Candidate{}, fmt.Errorf("hybrid key: want %d bytes, got %d", xcrypto.BoxKeyLen, len(hybridBytes))
	}
	var hybridKey [xcrypto.BoxKeyLen]byte
	copy(hybridKey[:], hybridBytes)

	return circuit.Candidate{PublicKey: identity, HybridKey: hybridKey, Addr: addr}, nil
}

func runNode(core *community.Community, srv *socks.Server, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go core.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
		cancel()
	}()

	fmt.Printf("Ready. SOCKS5 UDP-ASSOCIATE listening on %s\n", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Debug("socks server stopped", "error", err)
	}
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
