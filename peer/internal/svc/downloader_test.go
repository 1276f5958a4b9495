package svc

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"swarmcast/common/chunk"
	"swarmcast/common/control"
	"swarmcast/common/errs"
	"swarmcast/common/protocol"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestSeedAndDownload(t *testing.T) {
	registry, trackerAddr := startTestTracker(t)
	seeder := startTestPeer(t, newTestConfig(trackerAddr))
	leecher := startTestPeer(t, newTestConfig(trackerAddr))

	path, data := writeRandomFile(t, t.TempDir(), 2*1024*1024)
	reply, err := control.Send(context.Background(), seeder.ControlPlane.Addr().String(), "seed "+path, time.Second)
	if !assert.NoError(t, err) {
		return
	}
	hash, err := chunk.ParseHash(reply)
	if !assert.NoError(t, err, reply) {
		return
	}
	assert.Equal(t, chunk.HashBytes(data), hash)
	members, size := registry.LookupPeers(hash, netip.AddrPort{})
	assert.Len(t, members, 1)
	assert.Equal(t, uint64(len(data)), size)

	events, err := leecher.Events.Subscribe(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	output := filepath.Join(t.TempDir(), "downloaded.bin")
	reply = leecher.ControlPlane.Execute(context.Background(), "download "+hash.String()+" "+output)
	assert.Equal(t, "Started download for "+hash.String(), reply)

	ev := waitTerminal(t, events, hash, 20*time.Second)
	if !assert.Equal(t, StateCompleted.String(), ev.State, ev.Error) {
		return
	}
	assert.Equal(t, uint32(8), ev.Verified)
	assert.Equal(t, uint32(8), ev.Total)

	got, err := os.ReadFile(output)
	if assert.NoError(t, err) {
		assert.Equal(t, data, got)
	}
	assert.Equal(t, "Completed 8/8", leecher.ControlPlane.Execute(context.Background(), "status "+hash.String()))
	assert.NotNil(t, leecher.Files.Get(hash))
	assert.Eventually(t, func() bool {
		return leecher.Sessions.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	members, _ = registry.LookupPeers(hash, netip.AddrPort{})
	assert.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, protocol.RoleSeeder, m.Role)
	}
}

func TestDownloadEmptyFile(t *testing.T) {
	_, trackerAddr := startTestTracker(t)
	seeder := startTestPeer(t, newTestConfig(trackerAddr))
	leecher := startTestPeer(t, newTestConfig(trackerAddr))

	path := filepath.Join(t.TempDir(), "empty.bin")
	if !assert.NoError(t, os.WriteFile(path, nil, 0o644)) {
		return
	}
	f, err := seeder.Seed(context.Background(), path)
	if !assert.NoError(t, err) {
		return
	}
	hash := f.Descriptor.ContentHash
	assert.Equal(t, chunk.HashBytes(nil), hash)

	events, err := leecher.Events.Subscribe(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	output := filepath.Join(t.TempDir(), "out", "empty.bin")
	_, err = leecher.Downloader.Begin(hash, output)
	if !assert.NoError(t, err) {
		return
	}
	ev := waitTerminal(t, events, hash, 10*time.Second)
	assert.Equal(t, StateCompleted.String(), ev.State, ev.Error)
	info, err := os.Stat(output)
	if assert.NoError(t, err) {
		assert.Zero(t, info.Size())
	}
}

// startLiar serves correct metadata for desc but corrupts every piece.
func startLiar(t *testing.T, desc *chunk.Descriptor, data []byte) uint16 {
	server := protocol.NewServer("Liar", "127.0.0.1:0", func(raw net.Conn) {
		conn := protocol.NewConn(raw, 2*time.Second)
		for {
			pt, body, err := conn.Receive()
			if err != nil {
				return
			}
			switch pt {
			case protocol.TypeRequestMetadata:
				meta, _ := protocol.EncodeMetadata(desc)
				_ = conn.Send(protocol.TypeMetadata, meta)
			case protocol.TypeRequestPiece:
				req := protocol.RequestPiece{}
				_ = req.UnmarshalBinary(body)
				piece := make([]byte, desc.PieceLength(req.Index))
				copy(piece, data[desc.PieceOffset(req.Index):])
				piece[0] ^= 0xff
				resp := protocol.Piece{PieceHeader: protocol.PieceHeader{Hash: req.Hash, Index: req.Index}, Data: piece}
				rbody, _ := resp.MarshalBinary()
				_ = conn.Send(protocol.TypePiece, rbody)
			default:
				return
			}
		}
	})
	if !assert.NoError(t, server.Listen()) {
		t.FailNow()
	}
	go server.Serve()
	t.Cleanup(server.Stop)
	return server.Port()
}

func TestDownloadRecoversFromCorruptPeer(t *testing.T) {
	registry, trackerAddr := startTestTracker(t)
	dir := t.TempDir()
	path, data := writeRandomFile(t, dir, 1024*1024+1000)
	desc, err := chunk.Describe(path, 256*1024)
	if !assert.NoError(t, err) {
		return
	}

	liarPort := startLiar(t, desc, data)
	registry.RegisterSeeder(desc.ContentHash, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), liarPort), desc.Size)

	seeder := startTestPeer(t, newTestConfig(trackerAddr))
	_, err = seeder.Seed(context.Background(), path)
	if !assert.NoError(t, err) {
		return
	}
	members, _ := registry.LookupPeers(desc.ContentHash, netip.AddrPort{})
	if !assert.Len(t, members, 2) || !assert.Equal(t, liarPort, members[0].Endpoint.Port()) {
		return
	}

	leecher := startTestPeer(t, newTestConfig(trackerAddr))
	events, err := leecher.Events.Subscribe(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	output := filepath.Join(t.TempDir(), "downloaded.bin")
	_, err = leecher.Downloader.Begin(desc.ContentHash, output)
	if !assert.NoError(t, err) {
		return
	}
	ev := waitTerminal(t, events, desc.ContentHash, 20*time.Second)
	if !assert.Equal(t, StateCompleted.String(), ev.State, ev.Error) {
		return
	}
	got, err := os.ReadFile(output)
	if assert.NoError(t, err) {
		assert.Equal(t, data, got)
	}
}

func TestDownloadFailsWithOnlyCorruptPeer(t *testing.T) {
	registry, trackerAddr := startTestTracker(t)
	path, data := writeRandomFile(t, t.TempDir(), 600*1024)
	desc, err := chunk.Describe(path, 256*1024)
	if !assert.NoError(t, err) {
		return
	}
	liarPort := startLiar(t, desc, data)
	registry.RegisterSeeder(desc.ContentHash, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), liarPort), desc.Size)

	leecher := startTestPeer(t, newTestConfig(trackerAddr))
	events, err := leecher.Events.Subscribe(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	outDir := t.TempDir()
	output := filepath.Join(outDir, "downloaded.bin")
	_, err = leecher.Downloader.Begin(desc.ContentHash, output)
	if !assert.NoError(t, err) {
		return
	}
	ev := waitTerminal(t, events, desc.ContentHash, 20*time.Second)
	assert.Equal(t, StateFailed.String(), ev.State)
	assert.NotEmpty(t, ev.Error)

	entries, err := os.ReadDir(outDir)
	if assert.NoError(t, err) {
		assert.Empty(t, entries)
	}
	status := leecher.ControlPlane.Execute(context.Background(), "status "+desc.ContentHash.String())
	assert.True(t, strings.HasPrefix(status, "Failed 0/3"), status)
}

func TestDownloadWithoutSourceFails(t *testing.T) {
	registry, trackerAddr := startTestTracker(t)
	leecher := startTestPeer(t, newTestConfig(trackerAddr))
	events, err := leecher.Events.Subscribe(context.Background())
	if !assert.NoError(t, err) {
		return
	}
	hash := chunk.HashBytes([]byte("nobody has this"))
	start := time.Now()
	_, err = leecher.Downloader.Begin(hash, filepath.Join(t.TempDir(), "out.bin"))
	if !assert.NoError(t, err) {
		return
	}
	ev := waitTerminal(t, events, hash, 10*time.Second)
	assert.Equal(t, StateFailed.String(), ev.State)
	assert.Contains(t, ev.Error, "not found")
	// three lookups with 20ms and 40ms backoff in between
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Eventually(t, func() bool {
		members, _ := registry.LookupPeers(hash, netip.AddrPort{})
		return len(members) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDuplicateDownloadRejected(t *testing.T) {
	_, trackerAddr := startTestTracker(t)
	c := newTestConfig(trackerAddr)
	c.DiscoverRetries = 100
	c.DiscoverBackoff = 100 * time.Millisecond
	leecher := startTestPeer(t, c)
	hash := chunk.HashBytes([]byte("slow"))
	output := filepath.Join(t.TempDir(), "out.bin")

	_, err := leecher.Downloader.Begin(hash, output)
	if !assert.NoError(t, err) {
		return
	}
	_, err = leecher.Downloader.Begin(hash, output)
	assert.True(t, errors.Is(err, errors.AlreadyExists), "%v", err)
	reply := leecher.ControlPlane.Execute(context.Background(), "download "+hash.String()+" "+output)
	assert.True(t, strings.HasPrefix(reply, "error: "), reply)
	assert.Equal(t, "Discovering 0/0", leecher.ControlPlane.Execute(context.Background(), "status "+hash.String()))
}

func TestDownloadQueueFull(t *testing.T) {
	_, trackerAddr := startTestTracker(t)
	c := newTestConfig(trackerAddr)
	c.MaxDownloads = 1
	c.DownloadQueueSize = 1
	c.DiscoverRetries = 100
	c.DiscoverBackoff = 100 * time.Millisecond
	leecher := startTestPeer(t, c)

	var err error
	accepted := 0
	for i := 0; i < 4; i++ {
		_, err = leecher.Downloader.Begin(chunk.HashBytes([]byte{byte(i)}), filepath.Join(t.TempDir(), "out.bin"))
		if err == nil {
			accepted++
		}
	}
	assert.ErrorContains(t, err, "download queue is full")
	assert.LessOrEqual(t, accepted, 2)
	assert.Equal(t, accepted, leecher.Sessions.Len())
}

func TestDataClientNotAvailable(t *testing.T) {
	_, trackerAddr := startTestTracker(t)
	peer := startTestPeer(t, newTestConfig(trackerAddr))
	path, _ := writeRandomFile(t, t.TempDir(), 1000)
	f, err := peer.Seed(context.Background(), path)
	if !assert.NoError(t, err) {
		return
	}

	client := NewDataClient(peer.Dialer, time.Second)
	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), peer.DataPort())
	ctx := context.Background()

	desc, err := client.FetchMetadata(ctx, addr, f.Descriptor.ContentHash)
	if assert.NoError(t, err) {
		assert.True(t, desc.Equal(f.Descriptor))
	}
	_, err = client.FetchMetadata(ctx, addr, chunk.HashBytes([]byte("other")))
	assert.True(t, errors.Is(err, errs.NotFoundError), "%v", err)
	_, err = client.FetchPiece(ctx, addr, f.Descriptor.ContentHash, 1)
	assert.True(t, errors.Is(err, errs.NotFoundError), "%v", err)
	piece, err := client.FetchPiece(ctx, addr, f.Descriptor.ContentHash, 0)
	if assert.NoError(t, err) {
		assert.True(t, f.Descriptor.VerifyPiece(0, piece))
	}
}

func TestAssembleRejectsWrongContentHash(t *testing.T) {
	dir := t.TempDir()
	pieces := [][]byte{[]byte("abcd"), []byte("ef")}
	desc := &chunk.Descriptor{
		ContentHash: chunk.HashBytes([]byte("something else")),
		Size:        6,
		PieceSize:   4,
		PieceHashes: []chunk.Hash{chunk.HashBytes(pieces[0]), chunk.HashBytes(pieces[1])},
	}
	s := NewSession(desc.ContentHash, filepath.Join(dir, "out.bin"))
	if !assert.NoError(t, s.setDescriptor(desc)) {
		return
	}
	for i, p := range pieces {
		assert.True(t, s.markRequested(uint32(i)))
		s.markReceived(uint32(i), p)
		s.markVerified(uint32(i))
	}
	err := assemble(context.Background(), s, desc)
	assert.True(t, errors.Is(err, errs.IntegrityError), "%v", err)
	entries, err := os.ReadDir(dir)
	if assert.NoError(t, err) {
		assert.Empty(t, entries)
	}

	desc.ContentHash = chunk.ContentHashOf(pieces)
	err = assemble(context.Background(), s, desc)
	if assert.NoError(t, err) {
		got, err := os.ReadFile(s.OutputPath)
		assert.NoError(t, err)
		assert.Equal(t, "abcdef", string(got))
	}
}

func TestDataClientServesVerifiedSessionPieces(t *testing.T) {
	peer := startTestPeer(t, newTestConfig(""))
	pieces := [][]byte{[]byte("abcd"), []byte("ef")}
	desc := &chunk.Descriptor{
		ContentHash: chunk.ContentHashOf(pieces),
		Size:        6,
		PieceSize:   4,
		PieceHashes: []chunk.Hash{chunk.HashBytes(pieces[0]), chunk.HashBytes(pieces[1])},
	}
	s := NewSession(desc.ContentHash, filepath.Join(t.TempDir(), "out.bin"))
	if !assert.NoError(t, s.setDescriptor(desc)) {
		return
	}
	for i, p := range pieces {
		assert.True(t, s.markRequested(uint32(i)))
		s.markReceived(uint32(i), p)
	}
	s.markVerified(0)
	if !assert.NoError(t, peer.Sessions.Add(s)) {
		return
	}

	client := NewDataClient(peer.Dialer, time.Second)
	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), peer.DataPort())
	ctx := context.Background()

	got, err := client.FetchMetadata(ctx, addr, desc.ContentHash)
	if assert.NoError(t, err) {
		assert.True(t, got.Equal(desc))
	}
	piece, err := client.FetchPiece(ctx, addr, desc.ContentHash, 0)
	if assert.NoError(t, err) {
		assert.Equal(t, "abcd", string(piece))
	}
	// received but not verified
	_, err = client.FetchPiece(ctx, addr, desc.ContentHash, 1)
	assert.True(t, errors.Is(err, errs.NotFoundError), "%v", err)

	peer.Sessions.Finish(s)
	s.release()
	_, err = client.FetchMetadata(ctx, addr, desc.ContentHash)
	assert.True(t, errors.Is(err, errs.NotFoundError), "%v", err)
	_, err = client.FetchPiece(ctx, addr, desc.ContentHash, 0)
	assert.True(t, errors.Is(err, errs.NotFoundError), "%v", err)
}
