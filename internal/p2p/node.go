// Package p2p runs the libp2p host the signaling channel rides on: a
// persistent Ed25519 identity, LAN discovery via mDNS and a gossipsub
// instance for the per-conversation record topics.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/mboers/dyad/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node is the running libp2p endpoint.
type Node struct {
	Host host.Host
	PS   *pubsub.PubSub

	mdns mdns.Service
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts the host. listenPort 0 picks a random port; mdnsTag must match
// across endpoints that should find each other on the LAN.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", keyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", keyFile)
	}

	listen, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort))
	if err != nil {
		return nil, fmt.Errorf("listen addr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	log.Printf("P2P: node up, id %s, %d listen addrs", h.ID(), len(h.Addrs()))
	return &Node{Host: h, PS: ps, mdns: md}, nil
}

// ID returns the peer ID string. This is the stable local identity the call
// records carry as caller_id.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Close stops discovery and the host.
func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
