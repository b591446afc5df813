// cmd/peer is the main entrypoint for a WebDHT node.
//
// Configuration is entirely via flags so a single binary can join any
// overlay role. A node either rendezvous through a websocket signaling relay
// and dials peers over WebRTC data channels, or — for local development and
// tests — runs with no signaling relay at all, in which case it neither
// dials nor accepts peers and operates as a single node.
//
// Peer IDs are 40-char hex strings; $NODE1..$NODE3 below stand for three
// such IDs.
//
// Example — single node (random ID):
//
//	./peer --debug-addr :8080 --data-dir /var/webdht
//
// Example — relay-joined cluster:
//
//	./peer --id $NODE1 --debug-addr :8080 --data-dir /tmp/n1 \
//	       --signaling-url ws://relay:9000/ws --bootstrap $NODE2,$NODE3
//	./peer --id $NODE2 --debug-addr :8081 --data-dir /tmp/n2 \
//	       --signaling-url ws://relay:9000/ws --bootstrap $NODE1,$NODE3
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"webdht/internal/config"
	"webdht/internal/cryptoprim"
	"webdht/internal/debughttp"
	"webdht/internal/dht"
	"webdht/internal/events"
	"webdht/internal/identity"
	"webdht/internal/overlay"
	"webdht/internal/persistence"
	"webdht/internal/signaling"
	"webdht/internal/storage"
	"webdht/internal/webrtctransport"
)

func main() {
	nodeID := flag.String("id", "", "Peer identifier (40-char hex; random if omitted)")
	debugAddr := flag.String("debug-addr", ":8080", "Local debug/health HTTP listen address")
	dataDir := flag.String("data-dir", "/tmp/webdht", "Directory for WAL and snapshots (empty uses in-memory storage)")
	signalingURL := flag.String("signaling-url", "", "Websocket signaling relay URL (empty disables WebRTC dialing)")
	bootstrapFlag := flag.String("bootstrap", "", "Comma-separated peer IDs to connect to at startup")
	replicationFactor := flag.Int("replication-factor", 3, "Number of replicas per key (N)")
	encryptionEnabled := flag.Bool("encryption", true, "Encrypt PRIVATE-space records at rest and on the wire")
	conflictResolution := flag.String("conflict-resolution", string(config.LastWriteWins), "Conflict strategy: last-write-wins or crdt-merge")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	self, err := selfIdentity(*nodeID)
	if err != nil {
		logger.Fatal("resolve identity", zap.Error(err))
	}

	cfg := config.Default()
	cfg.ReplicationFactor = *replicationFactor
	cfg.EncryptionEnabled = *encryptionEnabled
	cfg.ConflictResolution = config.ConflictResolution(*conflictResolution)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	adapter, err := openAdapter(*dataDir, self.String())
	if err != nil {
		logger.Fatal("open persistence adapter", zap.Error(err))
	}
	defer adapter.Close()

	notifier := events.NewNotifier()
	notifier.On(events.PeerUp, func(ev events.Event) {
		logger.Info("peer up", zap.String("peer", ev.Key))
	})
	notifier.On(events.PeerDown, func(ev events.Event) {
		logger.Info("peer down", zap.String("peer", ev.Key))
	})

	connector, sig := buildConnector(self.String(), *signalingURL, logger)

	sessions := overlay.NewSessionManager(self.String(), connector, notifier, logger, 10*time.Second, 30*time.Second)
	defer sessions.Close()

	if sig != nil {
		webrtctransport.AcceptOffers(self.String(), sig, nil, logger, func(peer string, t overlay.Transport) {
			sessions.Adopt(peer, t)
		})
	}

	d := dht.New(self, sessions, adapter, notifier, logger, cfg)

	crypto := cryptoprim.NewNaClBox()
	keypair, err := crypto.GenerateRandomPair()
	if err != nil {
		logger.Fatal("generate keypair", zap.Error(err))
	}

	engine := storage.New(self.String(), d, crypto, keypair, adapter, notifier, logger, cfg)

	debugSrv := debughttp.New(*debugAddr, self.String(), d, engine, logger)
	go func() {
		logger.Info("debug http listening", zap.String("addr", *debugAddr), zap.String("peer", self.String()))
		if err := debugSrv.Serve(); err != nil {
			logger.Error("debug http server error", zap.Error(err))
		}
	}()

	if *bootstrapFlag != "" {
		bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, peer := range strings.Split(*bootstrapFlag, ",") {
			peer = strings.TrimSpace(peer)
			if peer == "" {
				continue
			}
			if err := sessions.Connect(bootCtx, peer); err != nil {
				logger.Warn("bootstrap connect failed", zap.String("peer", peer), zap.Error(err))
			}
		}
		cancel()
	}

	logger.Info("peer started", zap.String("id", self.String()), zap.Int("replicationFactor", cfg.ReplicationFactor))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down", zap.String("id", self.String()))
	if f, ok := adapter.(*persistence.File); ok {
		if err := f.Snapshot(); err != nil {
			logger.Error("final snapshot error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := debugSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("debug http shutdown error", zap.Error(err))
	}
}

func selfIdentity(flagValue string) (identity.ID, error) {
	if flagValue == "" {
		return identity.New()
	}
	return identity.FromHex(flagValue)
}

func openAdapter(dataDir, nodeID string) (persistence.Adapter, error) {
	if dataDir == "" {
		return persistence.NewMemory(), nil
	}
	return persistence.NewFile(fmt.Sprintf("%s/%s", dataDir, nodeID))
}

// buildConnector selects the WebRTC/signaling dial path when a relay URL is
// configured, or a connector that always fails fast — suitable only for
// single-node operation — otherwise.
func buildConnector(selfID, signalingURL string, logger *zap.Logger) (overlay.Connector, signaling.Signaling) {
	if signalingURL == "" {
		return noSignalingConnector{}, nil
	}

	sig := signaling.NewWebSocketSignaling(signalingURL, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sig.Connect(ctx, selfID); err != nil {
		logger.Warn("signaling connect failed, falling back to no-dial connector", zap.Error(err))
		return noSignalingConnector{}, nil
	}
	return webrtctransport.NewConnector(sig, nil, logger), sig
}

// noSignalingConnector rejects every dial attempt immediately. main only
// uses it when there is no signaling channel, so AcceptOffers is not wired
// either: a peer running with it neither initiates nor accepts connections.
type noSignalingConnector struct{}

func (noSignalingConnector) Connect(ctx context.Context, self, peer string) (overlay.Transport, error) {
	return nil, context.DeadlineExceeded
}
