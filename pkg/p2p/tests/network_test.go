package p2p_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/matsync/pkg/config"
	"github.com/3FT-io/matsync/pkg/p2p"
)

func setupTestNetwork(t *testing.T, library string) (*p2p.Network, func()) {
	cfg := &config.Config{
		ListenAddress: "127.0.0.1",
		Port:          0, // Use random port
	}

	network, err := p2p.NewNetwork(cfg, library, nil)
	require.NoError(t, err)

	cleanup := func() {
		network.Stop()
	}

	return network, cleanup
}

func TestNetworkStartStop(t *testing.T) {
	network, cleanup := setupTestNetwork(t, "studio")
	defer cleanup()

	ctx := context.Background()
	err := network.Start(ctx)
	require.NoError(t, err)

	// Verify network is running
	assert.NotNil(t, network.GetHost())
	assert.NotEmpty(t, network.GetHost().Addrs())
	assert.Equal(t, p2p.TopicPrefix+"studio", network.Topic())

	// Stop network
	err = network.Stop()
	require.NoError(t, err)
}

func TestNewNetworkRequiresLibrary(t *testing.T) {
	_, err := p2p.NewNetwork(config.DefaultConfig(), "", nil)
	assert.Error(t, err)
}

func TestAnnounceBeforeStart(t *testing.T) {
	network, cleanup := setupTestNetwork(t, "studio")
	defer cleanup()

	err := network.Announce(context.Background(), p2p.Announcement{Kind: p2p.KindInserted, Hashes: []string{"v1-aa"}})
	assert.ErrorIs(t, err, p2p.ErrNotStarted)
}

func TestPeerConnection(t *testing.T) {
	network1, cleanup1 := setupTestNetwork(t, "studio")
	defer cleanup1()

	network2, cleanup2 := setupTestNetwork(t, "studio")
	defer cleanup2()

	ctx := context.Background()
	require.NoError(t, network1.Start(ctx))
	require.NoError(t, network2.Start(ctx))

	peerInfo := network1.GetHost().Peerstore().PeerInfo(network1.GetHost().ID())
	err := network2.ConnectToPeer(ctx, peerInfo)
	require.NoError(t, err)

	assert.Contains(t, network2.GetPeers(), network1.GetHost().ID())
}

func TestAnnouncementDelivery(t *testing.T) {
	network1, cleanup1 := setupTestNetwork(t, "studio")
	defer cleanup1()

	network2, cleanup2 := setupTestNetwork(t, "studio")
	defer cleanup2()

	received := make(chan p2p.Announcement, 4)
	network2.OnAnnouncement(func(a p2p.Announcement) { received <- a })

	ctx := context.Background()
	require.NoError(t, network1.Start(ctx))
	require.NoError(t, network2.Start(ctx))

	peerInfo := network1.GetHost().Peerstore().PeerInfo(network1.GetHost().ID())
	require.NoError(t, network2.ConnectToPeer(ctx, peerInfo))

	// gossipsub needs both sides to see the subscription before publishing
	require.Eventually(t, func() bool {
		return len(network1.TopicPeers()) > 0 && len(network2.TopicPeers()) > 0
	}, 10*time.Second, 50*time.Millisecond)

	ann := p2p.Announcement{Kind: p2p.KindUpdated, Hashes: []string{"v1-aa", "v1-bb"}}
	require.NoError(t, network1.Announce(ctx, ann))

	select {
	case got := <-received:
		assert.Equal(t, p2p.KindUpdated, got.Kind)
		assert.Equal(t, ann.Hashes, got.Hashes)
		assert.Equal(t, network1.GetHost().ID().String(), got.From)
		assert.NotZero(t, got.At)
	case <-time.After(10 * time.Second):
		t.Fatal("announcement not delivered")
	}
}

func TestAnnouncementsStayWithinLibrary(t *testing.T) {
	network1, cleanup1 := setupTestNetwork(t, "studio")
	defer cleanup1()

	network2, cleanup2 := setupTestNetwork(t, "archive")
	defer cleanup2()

	received := make(chan p2p.Announcement, 1)
	network2.OnAnnouncement(func(a p2p.Announcement) { received <- a })

	ctx := context.Background()
	require.NoError(t, network1.Start(ctx))
	require.NoError(t, network2.Start(ctx))

	peerInfo := network1.GetHost().Peerstore().PeerInfo(network1.GetHost().ID())
	require.NoError(t, network2.ConnectToPeer(ctx, peerInfo))

	require.NoError(t, network1.Announce(ctx, p2p.Announcement{Kind: p2p.KindTrimmed, Hashes: []string{"v1-aa"}}))

	select {
	case a := <-received:
		t.Fatalf("unexpected announcement %+v", a)
	case <-time.After(500 * time.Millisecond):
	}
	assert.Empty(t, network1.TopicPeers())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "inserted", p2p.KindInserted.String())
	assert.Equal(t, "trimmed", p2p.KindTrimmed.String())
	assert.Equal(t, "kind(9)", p2p.Kind(9).String())
}
