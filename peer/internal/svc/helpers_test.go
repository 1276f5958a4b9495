package svc

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"swarmcast/common/chunk"
	"swarmcast/common/swarm"
	"swarmcast/peer/internal/config"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func newTestConfig(tracker string) config.Config {
	c := config.MustLoad("")
	c.Host = "127.0.0.1"
	c.ControlHost = "127.0.0.1"
	c.Tracker = tracker
	c.PieceSize = 256 * 1024
	c.ConnectTimeout = time.Second
	c.RequestTimeout = 2 * time.Second
	c.KeepAliveInterval = time.Hour
	c.RefreshInterval = 100 * time.Millisecond
	c.PieceCooldown = 50 * time.Millisecond
	c.DiscoverRetries = 3
	c.DiscoverBackoff = 20 * time.Millisecond
	c.MaxPeerFailures = 3
	c.PeerBanTime = time.Minute
	c.StallTimeout = 5 * time.Second
	c.MaxDownloads = 2
	c.DownloadQueueSize = 4
	return c
}

func startTestTracker(t *testing.T) (*swarm.Registry, string) {
	registry := swarm.NewRegistry(time.Minute)
	server := swarm.NewServer(swarm.ServerOptions{Listen: "127.0.0.1:0", IdleTimeout: 5 * time.Second}, registry)
	if !assert.NoError(t, server.Listen()) {
		t.FailNow()
	}
	go server.Serve()
	t.Cleanup(server.Stop)
	return registry, server.Addr().String()
}

func startTestPeer(t *testing.T, c config.Config) *ServiceContext {
	svcCtx := NewServiceContext(c)
	go svcCtx.Events.Start()
	go svcCtx.DataPlane.Serve()
	go svcCtx.ControlPlane.Serve()
	go svcCtx.Downloader.Start()
	go svcCtx.KeepAlive.Start()
	<-svcCtx.Events.Running()
	t.Cleanup(func() {
		svcCtx.KeepAlive.Stop()
		svcCtx.Downloader.Stop()
		svcCtx.ControlPlane.Stop()
		svcCtx.DataPlane.Stop()
		svcCtx.Events.Stop()
		svcCtx.Files.Close()
	})
	return svcCtx
}

func writeRandomFile(t *testing.T, dir string, size int) (string, []byte) {
	data := make([]byte, size)
	_, err := rand.Read(data)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	path := filepath.Join(dir, "payload.bin")
	err = os.WriteFile(path, data, 0o644)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return path, data
}

// waitTerminal acks events until hash reaches Completed or Failed.
func waitTerminal(t *testing.T, ch <-chan *message.Message, hash chunk.Hash, timeout time.Duration) *StateEvent {
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatal("event stream closed")
			}
			msg.Ack()
			ev, err := DecodeStateEvent(msg)
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			if ev.Hash != hash.String() {
				continue
			}
			if ev.State == StateCompleted.String() || ev.State == StateFailed.String() {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s did not finish within %s", hash, timeout)
		}
	}
}
