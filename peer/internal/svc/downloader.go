package svc

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"time"

	"swarmcast/common/chunk"
	"swarmcast/common/errs"
	"swarmcast/common/executor"
	"swarmcast/common/protocol"
	"swarmcast/common/util"

	"github.com/juju/errors"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"golang.org/x/time/rate"
)

const (
	maxBannedPeers  = 1024
	maxCooldowns    = 65536
	minIdleInterval = 10 * time.Millisecond
)

// Downloader runs download sessions on a bounded executor.
type Downloader struct {
	ctx      context.Context
	cancel   context.CancelFunc
	svcCtx   *ServiceContext
	client   *DataClient
	executor *executor.Executor[*Session]
}

func InjectDownloader(svcCtx *ServiceContext) {
	svcCtx.Downloader = NewDownloader(context.Background(), svcCtx)
}

func NewDownloader(ctx context.Context, svcCtx *ServiceContext) *Downloader {
	d := &Downloader{
		svcCtx: svcCtx,
		client: NewDataClient(svcCtx.Dialer, svcCtx.Config.RequestTimeout),
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.executor = executor.NewExecutor[*Session](d.ctx, svcCtx.Config.MaxDownloads, svcCtx.Config.DownloadQueueSize, d.run)
	return d
}

func (d *Downloader) Start() {
	d.executor.Start()
	<-d.ctx.Done()
}

// Stop cancels every running session. Their temp files are removed.
func (d *Downloader) Stop() {
	d.cancel()
	d.executor.Stop()
}

// Begin registers a new session for hash and queues it.
func (d *Downloader) Begin(hash chunk.Hash, output string) (*Session, error) {
	if d.svcCtx.Tracker() == nil {
		return nil, ErrNoTracker
	}
	s := NewSession(hash, output)
	err := d.svcCtx.Sessions.Add(s)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !d.executor.TryCommit(s) {
		d.svcCtx.Sessions.Remove(s)
		return nil, errors.Errorf("download queue is full (%d queued)", d.executor.QueueSize())
	}
	metricHeld.Set(float64(d.svcCtx.Sessions.Len()), "session")
	d.svcCtx.Events.Publish(s)
	return s, nil
}

func (d *Downloader) transition(s *Session, state State, err error) {
	if !s.setState(state, err) {
		return
	}
	d.svcCtx.Events.Publish(s)
}

func (d *Downloader) run(ctx context.Context, s *Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := d.download(ctx, s)
	if err != nil {
		if errors.Is(err, errs.IntegrityError) {
			logx.Severef("Download of %s to %s failed integrity check: %v", s.Hash, s.OutputPath, err)
		} else {
			logx.Errorf("Download of %s to %s failed: %v", s.Hash, s.OutputPath, err)
		}
		d.transition(s, StateFailed, err)
		if d.svcCtx.Files.Get(s.Hash) == nil {
			d.unregister(s.Hash)
		}
	}
	d.svcCtx.Sessions.Finish(s)
	s.release()
	metricHeld.Set(float64(d.svcCtx.Sessions.Len()), "session")
}

func (d *Downloader) unregister(hash chunk.Hash) {
	tracker := d.svcCtx.Tracker()
	if tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.svcCtx.Config.ConnectTimeout)
	defer cancel()
	err := tracker.Unregister(ctx, hash, d.svcCtx.DataPort())
	if err != nil {
		logx.Debugf("Failed to unregister %s: %v", hash, err)
	}
}

func (d *Downloader) download(ctx context.Context, s *Session) error {
	err := d.svcCtx.announceLeecher(ctx, s.Hash)
	if err != nil {
		logx.Errorf("Failed to register as leecher of %s: %v", s.Hash, err)
	}
	peers, size, err := d.discover(ctx, s, nil)
	if err != nil {
		return errors.Trace(err)
	}

	d.transition(s, StateFetchingMetadata, nil)
	desc, err := d.fetchMetadata(ctx, s, peers, size)
	if err != nil {
		return errors.Trace(err)
	}
	err = s.setDescriptor(desc)
	if err != nil {
		return errors.Trace(err)
	}

	d.transition(s, StateFetchingPieces, nil)
	err = d.fetchPieces(ctx, s, desc, peers)
	if err != nil {
		return errors.Trace(err)
	}

	d.transition(s, StateVerifying, nil)
	err = assemble(ctx, s, desc)
	if err != nil {
		return errors.Trace(err)
	}
	logx.Infof("Downloaded %s to %s (%d bytes)", s.Hash, s.OutputPath, desc.Size)

	_, err = d.svcCtx.SeedDescriptor(ctx, s.OutputPath, desc)
	if err != nil {
		logx.Errorf("Failed to seed downloaded %s: %v", s.Hash, err)
	}
	d.transition(s, StateCompleted, nil)
	return nil
}

// discover asks the tracker for the swarm, retrying with exponential
// backoff while it is empty. Seeders come first. Peers rejected by skip
// are left out.
func (d *Downloader) discover(ctx context.Context, s *Session, skip func(netip.AddrPort) bool) ([]protocol.PeerRecord, uint64, error) {
	retries := d.svcCtx.Config.DiscoverRetries
	if retries < 1 {
		retries = 1
	}
	backoff := d.svcCtx.Config.DiscoverBackoff
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, errors.Trace(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		peers, size, err := d.lookup(ctx, s, skip)
		if err != nil {
			lastErr = err
			logx.Debugf("Lookup of %s failed: %v", s.Hash, err)
			continue
		}
		if len(peers) > 0 {
			return peers, size, nil
		}
	}
	if lastErr != nil {
		return nil, 0, errors.Annotatef(lastErr, "no peers for %s after %d lookups", s.Hash, retries)
	}
	return nil, 0, errors.NotFoundf("peers for %s after %d lookups", s.Hash, retries)
}

func (d *Downloader) lookup(ctx context.Context, s *Session, skip func(netip.AddrPort) bool) ([]protocol.PeerRecord, uint64, error) {
	tracker := d.svcCtx.Tracker()
	if tracker == nil {
		return nil, 0, ErrNoTracker
	}
	res, err := tracker.LookupPeers(ctx, s.Hash, d.svcCtx.DataPort())
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	peers := make([]protocol.PeerRecord, 0, len(res.Peers))
	for _, p := range res.Peers {
		if skip != nil && skip(p.Addr) {
			continue
		}
		peers = append(peers, p)
	}
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].Role == protocol.RoleSeeder && peers[j].Role != protocol.RoleSeeder
	})
	return peers, res.Size, nil
}

// fetchMetadata tries the candidates in order until one returns a valid
// descriptor.
func (d *Downloader) fetchMetadata(ctx context.Context, s *Session, peers []protocol.PeerRecord, size uint64) (*chunk.Descriptor, error) {
	var lastErr error
	for _, p := range peers {
		desc, err := d.client.FetchMetadata(ctx, p.Addr, s.Hash)
		if err == nil && size > 0 && desc.Size != size {
			err = errs.Protocolf("peer %s describes %d bytes, tracker knows %d", p.Addr, desc.Size, size)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Trace(ctx.Err())
			}
			lastErr = err
			logx.Infof("Metadata of %s from %s unusable: %v", s.Hash, p.Addr, err)
			continue
		}
		logx.Infof("Got metadata of %s from %s: %d bytes, %d pieces", s.Hash, p.Addr, desc.Size, desc.NumPieces())
		return desc, nil
	}
	return nil, errors.Annotatef(lastErr, "no usable metadata for %s from %d peers", s.Hash, len(peers))
}

type remotePeer struct {
	addr     netip.AddrPort
	failures int
	busy     bool
}

type pieceResult struct {
	peer  *remotePeer
	index uint32
	data  []byte
	err   error
}

// scheduler hands out missing pieces round-robin over the known peers, one
// outstanding request per peer.
type scheduler struct {
	d        *Downloader
	s        *Session
	desc     *chunk.Descriptor
	peers    []*remotePeer
	known    map[netip.AddrPort]*remotePeer
	next     int
	inflight int
	results  chan pieceResult
	banned   *util.LRWCache[string, struct{}]
	cooldown *util.LRWCache[string, struct{}]
	limiter  *rate.Limiter
	progress time.Time
}

func (d *Downloader) fetchPieces(ctx context.Context, s *Session, desc *chunk.Descriptor, peers []protocol.PeerRecord) error {
	cfg := d.svcCtx.Config
	sc := &scheduler{
		d:        d,
		s:        s,
		desc:     desc,
		known:    make(map[netip.AddrPort]*remotePeer),
		results:  make(chan pieceResult),
		banned:   util.NewLRWCache[string, struct{}](cfg.PeerBanTime, maxBannedPeers),
		cooldown: util.NewLRWCache[string, struct{}](cfg.PieceCooldown, maxCooldowns),
		limiter:  rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1),
		progress: time.Now(),
	}
	// the initial lookup used the first token
	sc.limiter.Allow()
	sc.addPeers(peers)
	return sc.run(ctx)
}

func (sc *scheduler) run(ctx context.Context) error {
	cfg := sc.d.svcCtx.Config
	idle := cfg.PieceCooldown / 2
	if idle < minIdleInterval {
		idle = minIdleInterval
	}
	for !sc.s.complete() {
		if len(sc.peers) == 0 && sc.inflight == 0 {
			peers, _, err := sc.d.discover(ctx, sc.s, sc.isBanned)
			if err != nil {
				return errors.Annotatef(err, "every peer of %s is gone", sc.s.Hash)
			}
			sc.addPeers(peers)
		} else if sc.limiter.Allow() {
			sc.refresh(ctx)
		}
		sc.dispatch(ctx)

		wait := idle
		if left := cfg.StallTimeout - time.Since(sc.progress); left < wait {
			wait = left
		}
		if wait < minIdleInterval {
			wait = minIdleInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Trace(ctx.Err())
		case r := <-sc.results:
			timer.Stop()
			sc.handle(r)
		case <-timer.C:
		}
		if time.Since(sc.progress) > cfg.StallTimeout {
			verified, total := sc.s.Progress()
			return errors.Timeoutf("no progress on %s for %s at %d/%d pieces", sc.s.Hash, cfg.StallTimeout, verified, total)
		}
	}
	return nil
}

func (sc *scheduler) refresh(ctx context.Context) {
	peers, _, err := sc.d.lookup(ctx, sc.s, sc.isBanned)
	if err != nil {
		logx.Debugf("Refreshing peers of %s failed: %v", sc.s.Hash, err)
		return
	}
	sc.addPeers(peers)
}

func (sc *scheduler) addPeers(peers []protocol.PeerRecord) {
	for _, p := range peers {
		if _, ok := sc.known[p.Addr]; ok || sc.isBanned(p.Addr) {
			continue
		}
		rp := &remotePeer{addr: p.Addr}
		sc.known[p.Addr] = rp
		sc.peers = append(sc.peers, rp)
	}
	sc.s.setActivePeers(len(sc.peers))
}

func (sc *scheduler) dropPeer(rp *remotePeer) {
	delete(sc.known, rp.addr)
	for i, p := range sc.peers {
		if p == rp {
			sc.peers = append(sc.peers[:i], sc.peers[i+1:]...)
			if sc.next > i {
				sc.next--
			}
			break
		}
	}
	sc.banned.Set(rp.addr.String(), struct{}{})
	sc.s.setActivePeers(len(sc.peers))
}

func (sc *scheduler) isBanned(addr netip.AddrPort) bool {
	_, ok := sc.banned.Get(addr.String())
	return ok
}

func cooldownKey(addr netip.AddrPort, index uint32) string {
	return fmt.Sprintf("%s/%d", addr, index)
}

// dispatch gives every idle peer the lowest missing piece it is not cooling
// down on, starting after the peer served last round.
func (sc *scheduler) dispatch(ctx context.Context) {
	n := len(sc.peers)
	for k := 0; k < n; k++ {
		rp := sc.peers[(sc.next+k)%n]
		if rp.busy {
			continue
		}
		index, ok := sc.s.nextMissing(func(i uint32) bool {
			_, cooling := sc.cooldown.Get(cooldownKey(rp.addr, i))
			return cooling
		})
		if !ok || !sc.s.markRequested(index) {
			continue
		}
		rp.busy = true
		sc.inflight++
		sc.fetch(ctx, rp, index)
	}
	if n > 0 {
		sc.next = (sc.next + 1) % n
	}
}

func (sc *scheduler) fetch(ctx context.Context, rp *remotePeer, index uint32) {
	threading.GoSafe(func() {
		data, err := sc.d.client.FetchPiece(ctx, rp.addr, sc.s.Hash, index)
		select {
		case sc.results <- pieceResult{peer: rp, index: index, data: data, err: err}:
		case <-ctx.Done():
		}
	})
}

func (sc *scheduler) handle(r pieceResult) {
	sc.inflight--
	r.peer.busy = false
	if r.err == nil {
		sc.s.markReceived(r.index, r.data)
		if sc.desc.VerifyPiece(r.index, r.data) {
			sc.s.markVerified(r.index)
			sc.progress = time.Now()
			r.peer.failures = 0
			metricPieceCounter.Inc("verified")
			return
		}
		r.err = errs.Integrityf("piece %d from %s failed its digest", r.index, r.peer.addr)
	}
	sc.s.markMissing(r.index)
	sc.cooldown.Set(cooldownKey(r.peer.addr, r.index), struct{}{})
	switch {
	case errors.Is(r.err, errs.NotFoundError):
		metricPieceCounter.Inc("not_available")
		logx.Debugf("Piece %d of %s not available at %s", r.index, sc.s.Hash, r.peer.addr)
		return
	case errors.Is(r.err, errs.IntegrityError):
		metricPieceCounter.Inc("corrupt")
		logx.Errorf("Discarded piece: %v", r.err)
	default:
		metricPieceCounter.Inc("error")
		logx.Infof("Fetching piece %d of %s from %s failed: %v", r.index, sc.s.Hash, r.peer.addr, r.err)
	}
	r.peer.failures++
	if r.peer.failures >= sc.d.svcCtx.Config.MaxPeerFailures {
		logx.Infof("Dropping peer %s of %s after %d failures", r.peer.addr, sc.s.Hash, r.peer.failures)
		sc.dropPeer(r.peer)
	}
}

// assemble writes the verified pieces in order to a temp file next to the
// output, checks the whole-file digest and renames it into place. The temp
// file is removed on any failure.
func assemble(ctx context.Context, s *Session, desc *chunk.Descriptor) (err error) {
	dir := filepath.Dir(s.OutputPath)
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return errs.IO(errors.Trace(err))
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.OutputPath)+".part-*")
	if err != nil {
		return errs.IO(errors.Trace(err))
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	digest := sha256.New()
	w := io.MultiWriter(tmp, digest)
	for i := uint32(0); i < desc.NumPieces(); i++ {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		data, ok := s.VerifiedPiece(i)
		if !ok {
			return errors.NotFoundf("verified piece %d of %s", i, s.Hash)
		}
		_, err = w.Write(data)
		if err != nil {
			return errs.IO(errors.Annotatef(err, "write %s", tmp.Name()))
		}
	}
	var sum chunk.Hash
	copy(sum[:], digest.Sum(nil))
	if sum != desc.ContentHash {
		return errs.Integrityf("assembled %s hashes to %s, want %s", s.OutputPath, sum, desc.ContentHash)
	}
	err = tmp.Sync()
	if err != nil {
		return errs.IO(errors.Trace(err))
	}
	err = tmp.Close()
	if err != nil {
		return errs.IO(errors.Trace(err))
	}
	err = os.Rename(tmp.Name(), s.OutputPath)
	if err != nil {
		return errs.IO(errors.Trace(err))
	}
	return nil
}
