package svc

import (
	"context"
	"time"

	"swarmcast/common/util"

	"github.com/zeromicro/go-zero/core/logx"
)

// KeepAlive refreshes this daemon's tracker entries and re-announces
// everything when the tracker has lost some of them.
type KeepAlive struct {
	ctx      context.Context
	cancel   context.CancelFunc
	svcCtx   *ServiceContext
	interval time.Duration
	kick     chan struct{}
}

func InjectKeepAlive(svcCtx *ServiceContext) {
	svcCtx.KeepAlive = NewKeepAlive(context.Background(), svcCtx)
}

func NewKeepAlive(ctx context.Context, svcCtx *ServiceContext) *KeepAlive {
	k := &KeepAlive{
		svcCtx:   svcCtx,
		interval: svcCtx.Config.KeepAliveInterval,
		kick:     make(chan struct{}, 1),
	}
	k.ctx, k.cancel = context.WithCancel(ctx)
	return k
}

func (k *KeepAlive) Start() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.beat(false)
		case <-k.kick:
			k.beat(true)
		}
	}
}

// Stop leaves every swarm on the tracker.
func (k *KeepAlive) Stop() {
	k.cancel()
	util.EmptyChannel(k.kick)
	ctx, cancel := context.WithTimeout(context.Background(), k.svcCtx.Config.ConnectTimeout)
	defer cancel()
	k.svcCtx.UnregisterAll(ctx)
}

// Kick schedules an immediate re-announce.
func (k *KeepAlive) Kick() {
	util.TrySend(k.kick, struct{}{})
}

func (k *KeepAlive) beat(force bool) {
	tracker := k.svcCtx.Tracker()
	if tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(k.ctx, k.svcCtx.Config.RequestTimeout)
	defer cancel()
	held := k.svcCtx.Held()
	if !force {
		count, err := tracker.KeepAlive(ctx, k.svcCtx.DataPort())
		if err != nil {
			logx.Errorf("Keep-alive to %s failed: %v", tracker.Addr(), err)
			return
		}
		if int(count) >= held {
			return
		}
		logx.Infof("Tracker %s knows %d of %d entries, re-announcing", tracker.Addr(), count, held)
	}
	if held == 0 {
		return
	}
	count, err := k.svcCtx.AnnounceAll(ctx)
	if err != nil {
		logx.Errorf("Re-announce to %s incomplete, %d of %d: %v", tracker.Addr(), count, held, err)
		return
	}
	logx.Infof("Announced %d entries to %s", count, tracker.Addr())
}
