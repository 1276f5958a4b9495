package svc

import (
	"context"
	"time"

	"swarmcast/common/swarm"

	"github.com/zeromicro/go-zero/core/logx"
)

// Reaper periodically evicts swarm members whose keep-alive has lapsed.
type Reaper struct {
	ctx      context.Context
	cancel   context.CancelFunc
	registry *swarm.Registry
	interval time.Duration
}

func InjectReaper(svcCtx *ServiceContext) {
	svcCtx.Reaper = NewReaper(context.Background(), svcCtx.Registry, svcCtx.Config.ReapInterval)
}

func NewReaper(ctx context.Context, registry *swarm.Registry, interval time.Duration) *Reaper {
	r := &Reaper{
		registry: registry,
		interval: interval,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	return r
}

func (r *Reaper) Start() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Reaper) Stop() {
	r.cancel()
}

func (r *Reaper) reap() int {
	evicted := r.registry.Reap()
	swarms, members := r.registry.Stats()
	if evicted > 0 {
		metricReaped.Add(float64(evicted), "member")
		logx.Infof("Evicted %d stale members, %d swarms with %d members left", evicted, swarms, members)
	}
	metricRegistrySize.Set(float64(swarms), "swarm")
	metricRegistrySize.Set(float64(members), "member")
	return evicted
}
