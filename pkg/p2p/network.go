package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/config"
)

const (
	DiscoveryNamespace = "matsync-library"
	TopicPrefix        = "matsync/library/"
	ConnectionTimeout  = 10 * time.Second
	maxAnnouncedHashes = 1024
)

// ErrNotStarted is returned by Announce before Start
var ErrNotStarted = errors.New("network not started")

// Kind of library change
type Kind uint8

const (
	KindInserted Kind = iota + 1
	KindUpdated
	KindTrimmed
)

func (k Kind) String() string {
	switch k {
	case KindInserted:
		return "inserted"
	case KindUpdated:
		return "updated"
	case KindTrimmed:
		return "trimmed"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Announcement tells peers sharing the library that entries changed. It
// carries content hashes only, never material data.
type Announcement struct {
	Kind   Kind     `cbor:"1,keyasint"`
	Hashes []string `cbor:"2,keyasint"`
	At     int64    `cbor:"3,keyasint"`
	// From is filled in on receipt
	From string `cbor:"-"`
}

// Handler receives announcements from other peers
type Handler func(Announcement)

// Network announces library changes on a gossipsub topic. Peers are found
// through mDNS on the local network or configured bootstrap addresses.
type Network struct {
	cfg          *config.Config
	library      string
	logger       *zap.Logger
	host         host.Host
	pubsub       *pubsub.PubSub
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	mdns         mdns.Service
	peers        map[peer.ID]peer.AddrInfo
	handlers     []Handler
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
	stopErr      error
	mu           sync.RWMutex
}

// NewNetwork creates a network for the library named library. Peers only
// hear announcements for the same library name.
func NewNetwork(cfg *config.Config, library string, logger *zap.Logger) (*Network, error) {
	if library == "" {
		return nil, errors.New("library name required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		cfg:     cfg,
		library: library,
		logger:  logger.Named("p2p"),
		peers:   make(map[peer.ID]peer.AddrInfo),
	}, nil
}

// Topic returns the gossipsub topic used by this network
func (n *Network) Topic() string { return TopicPrefix + n.library }

// OnAnnouncement registers h for announcements from other peers
func (n *Network) OnAnnouncement(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

func (n *Network) Start(ctx context.Context) error {
	h, err := n.createHost()
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	n.host = h

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.initPubSub(ctx); err != nil {
		return fmt.Errorf("failed to initialize PubSub: %w", err)
	}

	if err := n.initMDNS(); err != nil {
		return fmt.Errorf("failed to initialize mDNS: %w", err)
	}

	n.connectToBootstrapPeers(ctx)

	n.wg.Add(1)
	go n.handleMessages(ctx)

	n.logger.Info("p2p network started",
		zap.String("peer", h.ID().String()),
		zap.String("topic", n.Topic()))
	return nil
}

func (n *Network) createHost() (host.Host, error) {
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.cfg.ListenAddress, n.cfg.Port))
	if err != nil {
		return nil, err
	}

	return libp2p.New(
		libp2p.ListenAddrs(addr),
		libp2p.EnableNATService(),
	)
}

func (n *Network) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host)
	if err != nil {
		return err
	}

	n.topic, err = n.pubsub.Join(n.Topic())
	if err != nil {
		return err
	}

	n.subscription, err = n.topic.Subscribe()
	return err
}

func (n *Network) initMDNS() error {
	n.mdns = mdns.NewMdnsService(n.host, DiscoveryNamespace, n)
	return n.mdns.Start()
}

// HandlePeerFound implements the mdns.Notifee interface
func (n *Network) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.connectToPeer(context.Background(), pi); err != nil {
		n.logger.Debug("mdns peer unreachable", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}

func (n *Network) connectToBootstrapPeers(ctx context.Context) {
	for _, addr := range n.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.logger.Warn("invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}

		peerInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.logger.Warn("invalid bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.connectToPeerWithBackoff(ctx, *peerInfo); err != nil {
				n.logger.Warn("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}
}

func (n *Network) connectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, peerInfo); err != nil {
		return err
	}

	n.mu.Lock()
	n.peers[peerInfo.ID] = peerInfo
	n.mu.Unlock()

	return nil
}

func (n *Network) connectToPeerWithBackoff(ctx context.Context, peerInfo peer.AddrInfo) error {
	backoff := time.Second
	maxBackoff := time.Minute

	for {
		err := n.connectToPeer(ctx, peerInfo)
		if err == nil {
			return nil
		}
		if backoff > maxBackoff {
			return fmt.Errorf("max backoff reached: %w", err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (n *Network) handleMessages(ctx context.Context) {
	defer n.wg.Done()
	for {
		msg, err := n.subscription.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		n.processMessage(msg)
	}
}

func (n *Network) processMessage(msg *pubsub.Message) {
	var ann Announcement
	if err := cbor.Unmarshal(msg.Data, &ann); err != nil {
		n.logger.Debug("dropping malformed announcement", zap.String("peer", msg.ReceivedFrom.String()), zap.Error(err))
		return
	}
	if len(ann.Hashes) > maxAnnouncedHashes {
		ann.Hashes = ann.Hashes[:maxAnnouncedHashes]
	}
	ann.From = msg.ReceivedFrom.String()

	n.mu.RLock()
	handlers := append([]Handler(nil), n.handlers...)
	n.mu.RUnlock()
	for _, h := range handlers {
		h(ann)
	}
}

// Announce publishes a library change to the topic
func (n *Network) Announce(ctx context.Context, ann Announcement) error {
	if n.topic == nil {
		return ErrNotStarted
	}
	if len(ann.Hashes) == 0 {
		return nil
	}
	if ann.At == 0 {
		ann.At = time.Now().UnixNano()
	}
	data, err := cbor.Marshal(ann)
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	return n.topic.Publish(ctx, data)
}

func (n *Network) GetPeers() []peer.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	return peers
}

// TopicPeers returns the peers currently subscribed to the library topic
func (n *Network) TopicPeers() []peer.ID {
	if n.topic == nil {
		return nil
	}
	return n.topic.ListPeers()
}

func (n *Network) GetHost() host.Host {
	return n.host
}

// ConnectToPeer exports the peer connection functionality
func (n *Network) ConnectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	return n.connectToPeer(ctx, peerInfo)
}

// Stop shuts the network down. Later calls return the first result.
func (n *Network) Stop() error {
	n.stopOnce.Do(func() { n.stopErr = n.stop() })
	return n.stopErr
}

func (n *Network) stop() error {
	if n.cancel != nil {
		n.cancel()
	}

	if n.subscription != nil {
		n.subscription.Cancel()
	}

	if n.mdns != nil {
		_ = n.mdns.Close()
	}

	n.wg.Wait()

	if n.topic != nil {
		_ = n.topic.Close()
	}

	if n.host != nil {
		return n.host.Close()
	}

	return nil
}
