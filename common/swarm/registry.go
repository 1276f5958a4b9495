package swarm

import (
	"net/netip"
	"sync"
	"time"

	"swarmcast/common/chunk"
	"swarmcast/common/protocol"

	"github.com/elliotchance/orderedmap"
)

type Member struct {
	Endpoint netip.AddrPort
	Role     protocol.Role
	LastSeen time.Time
}

type memberKey struct {
	endpoint netip.AddrPort
	role     protocol.Role
}

type swarm struct {
	mu      sync.Mutex
	members *orderedmap.OrderedMap
	size    uint64
	// dead is set once the swarm has been dropped from the registry map;
	// writers holding a stale pointer must look it up again.
	dead bool
}

// Registry maps content hashes to their swarms. The map itself is only
// locked to find or drop a swarm, every swarm has its own lock, so work on
// different hashes never contends.
type Registry struct {
	mu     sync.RWMutex
	swarms map[chunk.Hash]*swarm
	ttl    time.Duration
	now    func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		swarms: make(map[chunk.Hash]*swarm),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) get(hash chunk.Hash) *swarm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.swarms[hash]
}

func (r *Registry) getOrCreate(hash chunk.Hash) *swarm {
	if s := r.get(hash); s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.swarms[hash]
	if !ok {
		s = &swarm{members: orderedmap.NewOrderedMap()}
		r.swarms[hash] = s
	}
	return s
}

// Register inserts or refreshes (hash, endpoint, role). A zero size leaves
// the known file size alone.
func (r *Registry) Register(hash chunk.Hash, endpoint netip.AddrPort, role protocol.Role, size uint64) {
	for {
		s := r.getOrCreate(hash)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		key := memberKey{endpoint: endpoint, role: role}
		if v, ok := s.members.Get(key); ok {
			v.(*Member).LastSeen = r.now()
		} else {
			s.members.Set(key, &Member{Endpoint: endpoint, Role: role, LastSeen: r.now()})
		}
		if size > 0 {
			s.size = size
		}
		s.mu.Unlock()
		return
	}
}

func (r *Registry) RegisterSeeder(hash chunk.Hash, endpoint netip.AddrPort, size uint64) {
	r.Register(hash, endpoint, protocol.RoleSeeder, size)
}

func (r *Registry) RegisterLeecher(hash chunk.Hash, endpoint netip.AddrPort) {
	r.Register(hash, endpoint, protocol.RoleLeecher, 0)
}

// Unregister removes endpoint from the swarm in every role. It reports
// whether anything was removed.
func (r *Registry) Unregister(hash chunk.Hash, endpoint netip.AddrPort) bool {
	s := r.get(hash)
	if s == nil {
		return false
	}
	s.mu.Lock()
	removed := false
	for _, role := range []protocol.Role{protocol.RoleSeeder, protocol.RoleLeecher} {
		key := memberKey{endpoint: endpoint, role: role}
		if _, ok := s.members.Get(key); ok {
			s.members.Delete(key)
			removed = true
		}
	}
	empty := s.members.Len() == 0
	s.mu.Unlock()
	if empty {
		r.dropIfEmpty(hash)
	}
	return removed
}

// Touch refreshes every entry of endpoint across all swarms and returns how
// many entries it refreshed.
func (r *Registry) Touch(endpoint netip.AddrPort) int {
	r.mu.RLock()
	swarms := make([]*swarm, 0, len(r.swarms))
	for _, s := range r.swarms {
		swarms = append(swarms, s)
	}
	r.mu.RUnlock()

	now := r.now()
	count := 0
	for _, s := range swarms {
		s.mu.Lock()
		for _, role := range []protocol.Role{protocol.RoleSeeder, protocol.RoleLeecher} {
			if v, ok := s.members.Get(memberKey{endpoint: endpoint, role: role}); ok {
				v.(*Member).LastSeen = now
				count++
			}
		}
		s.mu.Unlock()
	}
	return count
}

// LookupPeers returns the live members of a swarm in registration order,
// one entry per endpoint (seeder wins over leecher), leaving out exclude.
// An unknown hash yields an empty result.
func (r *Registry) LookupPeers(hash chunk.Hash, exclude netip.AddrPort) ([]Member, uint64) {
	s := r.get(hash)
	if s == nil {
		return nil, 0
	}
	deadline := r.now().Add(-r.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Member, 0, s.members.Len())
	index := make(map[netip.AddrPort]int, s.members.Len())
	for el := s.members.Front(); el != nil; el = el.Next() {
		m := el.Value.(*Member)
		if m.LastSeen.Before(deadline) || m.Endpoint == exclude {
			continue
		}
		if i, ok := index[m.Endpoint]; ok {
			if m.Role == protocol.RoleSeeder {
				ret[i].Role = protocol.RoleSeeder
			}
			continue
		}
		index[m.Endpoint] = len(ret)
		ret = append(ret, *m)
	}
	return ret, s.size
}

// Reap evicts members unseen for longer than the ttl and drops swarms left
// empty. It returns the number of evicted members.
func (r *Registry) Reap() int {
	r.mu.RLock()
	hashes := make([]chunk.Hash, 0, len(r.swarms))
	for h := range r.swarms {
		hashes = append(hashes, h)
	}
	r.mu.RUnlock()

	deadline := r.now().Add(-r.ttl)
	evicted := 0
	for _, h := range hashes {
		s := r.get(h)
		if s == nil {
			continue
		}
		s.mu.Lock()
		stale := make([]interface{}, 0)
		for el := s.members.Front(); el != nil; el = el.Next() {
			if el.Value.(*Member).LastSeen.Before(deadline) {
				stale = append(stale, el.Key)
			}
		}
		for _, key := range stale {
			s.members.Delete(key)
		}
		evicted += len(stale)
		empty := s.members.Len() == 0
		s.mu.Unlock()
		if empty {
			r.dropIfEmpty(h)
		}
	}
	return evicted
}

func (r *Registry) dropIfEmpty(hash chunk.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.swarms[hash]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members.Len() == 0 {
		s.dead = true
		delete(r.swarms, hash)
	}
}

// Stats returns the number of swarms and members.
func (r *Registry) Stats() (swarms int, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.swarms {
		s.mu.Lock()
		members += s.members.Len()
		s.mu.Unlock()
	}
	return len(r.swarms), members
}
