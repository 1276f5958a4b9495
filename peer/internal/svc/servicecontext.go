package svc

import (
	"context"
	"net"
	"sync"

	"swarmcast/common/swarm"
	"swarmcast/peer/internal/config"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/net/proxy"
)

type ServiceContext struct {
	Config       config.Config
	Dialer       proxy.ContextDialer
	Files        *FileTable
	Sessions     *SessionTable
	Events       *EventLog
	DataPlane    *DataPlane
	ControlPlane *ControlPlane
	Downloader   *Downloader
	KeepAlive    *KeepAlive

	trackerLock sync.RWMutex
	tracker     *swarm.Client
}

func NewServiceContext(c config.Config) *ServiceContext {
	svcCtx := &ServiceContext{
		Config:   c,
		Dialer:   mustNewDialer(c),
		Files:    NewFileTable(),
		Sessions: NewSessionTable(c.FinishedSessionTTL, c.MaxFinishedSessions),
	}
	if len(c.Tracker) > 0 {
		svcCtx.tracker = swarm.NewClient(c.Tracker, svcCtx.Dialer, c.RequestTimeout)
	}
	InjectEvents(svcCtx)
	InjectDataPlane(svcCtx)
	InjectControlPlane(svcCtx)
	InjectDownloader(svcCtx)
	InjectKeepAlive(svcCtx)
	return svcCtx
}

// Tracker returns nil until a tracker is configured.
func (s *ServiceContext) Tracker() *swarm.Client {
	s.trackerLock.RLock()
	defer s.trackerLock.RUnlock()
	return s.tracker
}

// SetTracker switches to addr and schedules a re-announce of everything
// held.
func (s *ServiceContext) SetTracker(addr string) {
	s.trackerLock.Lock()
	s.tracker = swarm.NewClient(addr, s.Dialer, s.Config.RequestTimeout)
	s.trackerLock.Unlock()
	logx.Infof("Tracker set to %s", addr)
	if s.KeepAlive != nil {
		s.KeepAlive.Kick()
	}
}

// DataPort is the port announced to the tracker.
func (s *ServiceContext) DataPort() uint16 {
	return s.DataPlane.Port()
}

type contextDialer struct {
	proxy.Dialer
}

func (d contextDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.Dial(network, address)
}

func mustNewDialer(c config.Config) proxy.ContextDialer {
	direct := &net.Dialer{Timeout: c.ConnectTimeout}
	if len(c.Socks5Proxy) == 0 {
		return direct
	}
	dialer, err := proxy.SOCKS5("tcp", c.Socks5Proxy, nil, direct)
	if err != nil {
		logx.Errorf("Failed to create socks5 dialer for %s. %v", c.Socks5Proxy, err)
		panic(err)
	}
	if d, ok := dialer.(proxy.ContextDialer); ok {
		return d
	}
	return contextDialer{dialer}
}
