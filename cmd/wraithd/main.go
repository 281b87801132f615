// Command wraithd runs a standalone WRAITH node: it loads a TOML
// configuration, binds a UDP socket, and serves traffic until
// interrupted.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/curve25519"

	"github.com/wraith-net/wraith/config"
	"github.com/wraith-net/wraith/crypto/handshake"
	"github.com/wraith-net/wraith/crypto/identity"
	"github.com/wraith-net/wraith/node"
	"github.com/wraith-net/wraith/wire"
)

func main() {
	var (
		cfgPath     = flag.String("config", "wraithd.toml", "path to TOML configuration file")
		stateDir    = flag.String("state-dir", "./wraithd-state", "directory for node keys and received-set state")
		metricsAddr = flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	logger := log.Default()

	cfg := config.Default()
	if _, err := os.Stat(*cfgPath); err == nil {
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			logger.Fatal("wraithd: load config", "err", err)
		}
	}

	if err := os.MkdirAll(*stateDir, 0o700); err != nil {
		logger.Fatal("wraithd: state dir", "err", err)
	}

	static, err := loadOrCreateStaticKeys(filepath.Join(*stateDir, "noise.key"))
	if err != nil {
		logger.Fatal("wraithd: static keys", "err", err)
	}

	id, err := loadOrCreateIdentity(filepath.Join(*stateDir, "identity.key"))
	if err != nil {
		logger.Fatal("wraithd: identity keys", "err", err)
	}
	peerID := id.PeerID()

	collab := node.Collaborators{
		Obfuscation: wire.Obfuscator{},
		IO:          wire.NewFileIO(filepath.Join(*stateDir, "chunks")),
		Backend:     wire.UDPBackend{},
	}

	n := node.New(cfg, static, collab, logger)
	if err := n.Start(); err != nil {
		logger.Fatal("wraithd: start", "err", err)
	}
	logger.Info("wraithd: listening", "addr", n.ListenAddr(), "peer_id", fmt.Sprintf("%x", peerID), "version", versioninfo.Short())

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(n.MetricsCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("wraithd: metrics server stopped", "err", err)
			}
		}()
		logger.Info("wraithd: metrics", "addr", *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("wraithd: shutting down")
	if err := n.Stop(); err != nil {
		logger.Warn("wraithd: stop", "err", err)
	}
}

// loadOrCreateStaticKeys loads a node's persistent Noise X25519 static
// keypair from path, generating and saving one on first run. This key
// is distinct from the node's Ed25519 identity (spec.md §3: signing
// keys are never used for key agreement).
func loadOrCreateStaticKeys(path string) (handshake.StaticKeys, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return staticKeysFromPrivate(data)
	}

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return handshake.StaticKeys{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	keys, err := staticKeysFromPrivate(priv[:])
	if err != nil {
		return handshake.StaticKeys{}, err
	}
	if err := os.WriteFile(path, priv[:], 0o600); err != nil {
		return handshake.StaticKeys{}, err
	}
	return keys, nil
}

func staticKeysFromPrivate(priv []byte) (handshake.StaticKeys, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return handshake.StaticKeys{}, err
	}
	var keys handshake.StaticKeys
	copy(keys.Private[:], priv)
	copy(keys.Public[:], pub)
	return keys, nil
}

// loadOrCreateIdentity loads a node's persistent Ed25519 signing
// identity from path, generating and saving one on first run.
func loadOrCreateIdentity(path string) (identity.Keys, error) {
	if seed, err := os.ReadFile(path); err == nil {
		return identity.FromSeed(seed)
	}
	keys, err := identity.Generate()
	if err != nil {
		return identity.Keys{}, err
	}
	if err := os.WriteFile(path, keys.Private.Seed(), 0o600); err != nil {
		return identity.Keys{}, err
	}
	return keys, nil
}
