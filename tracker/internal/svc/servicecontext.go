package svc

import (
	"swarmcast/common/swarm"
	"swarmcast/tracker/internal/config"
)

type ServiceContext struct {
	Config   config.Config
	Registry *swarm.Registry
	Server   *swarm.Server
	Reaper   *Reaper
}

func NewServiceContext(c config.Config) *ServiceContext {
	svcCtx := &ServiceContext{
		Config:   c,
		Registry: swarm.NewRegistry(c.PeerTTL),
	}
	svcCtx.Server = swarm.NewServer(swarm.ServerOptions{
		Listen:      c.Listen,
		IdleTimeout: c.IdleTimeout,
	}, svcCtx.Registry)
	svcCtx.Server.SetEventFunc(func(event string) {
		metricTrackerRequest.Inc(event)
	})
	InjectReaper(svcCtx)
	return svcCtx
}
