package svc

import (
	"context"

	"swarmcast/common/chunk"

	"github.com/juju/errors"
	"github.com/zeromicro/go-zero/core/logx"
)

const ErrNoTracker = errors.ConstError("no tracker configured")

// Seed describes path, serves it on the data plane and announces it. The
// file stays seeded locally when the announce fails; keep-alive retries it.
func (s *ServiceContext) Seed(ctx context.Context, path string) (*SeededFile, error) {
	desc, err := chunk.Describe(path, uint32(s.Config.PieceSize))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s.SeedDescriptor(ctx, path, desc)
}

// SeedDescriptor seeds path under an already known descriptor.
func (s *ServiceContext) SeedDescriptor(ctx context.Context, path string, desc *chunk.Descriptor) (*SeededFile, error) {
	f, err := s.Files.Add(path, desc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	metricHeld.Set(float64(s.Files.Len()), "file")
	logx.Infof("Seeding %s as %s (%d bytes, %d pieces)", path, desc.ContentHash, desc.Size, desc.NumPieces())
	err = s.announceSeeder(ctx, f)
	if err != nil {
		return f, errors.Annotatef(err, "%s seeded locally, announce failed", desc.ContentHash)
	}
	return f, nil
}

func (s *ServiceContext) announceSeeder(ctx context.Context, f *SeededFile) error {
	tracker := s.Tracker()
	if tracker == nil {
		return ErrNoTracker
	}
	err := tracker.RegisterSeeder(ctx, f.Descriptor.ContentHash, s.DataPort(), f.Descriptor.Size)
	return errors.Trace(err)
}

func (s *ServiceContext) announceLeecher(ctx context.Context, hash chunk.Hash) error {
	tracker := s.Tracker()
	if tracker == nil {
		return ErrNoTracker
	}
	err := tracker.RegisterLeecher(ctx, hash, s.DataPort())
	return errors.Trace(err)
}

// Held is the number of swarm entries this daemon should have on the
// tracker: one per seeded file and one per active download.
func (s *ServiceContext) Held() int {
	return s.Files.Len() + s.Sessions.Len()
}

// AnnounceAll registers every seeded file and active download again and
// returns the number of successful announces.
func (s *ServiceContext) AnnounceAll(ctx context.Context) (int, error) {
	if s.Tracker() == nil {
		return 0, ErrNoTracker
	}
	count := 0
	var lastErr error
	for _, f := range s.Files.List() {
		err := s.announceSeeder(ctx, f)
		if err != nil {
			lastErr = err
			logx.Errorf("Failed to announce %s: %v", f.Descriptor.ContentHash, err)
			continue
		}
		count++
	}
	for _, session := range s.Sessions.Active() {
		if session.State().Terminal() {
			continue
		}
		err := s.announceLeecher(ctx, session.Hash)
		if err != nil {
			lastErr = err
			logx.Errorf("Failed to announce download of %s: %v", session.Hash, err)
			continue
		}
		count++
	}
	return count, errors.Trace(lastErr)
}

// UnregisterAll removes this daemon from every swarm it is in.
func (s *ServiceContext) UnregisterAll(ctx context.Context) {
	tracker := s.Tracker()
	if tracker == nil {
		return
	}
	hashes := make(map[chunk.Hash]struct{})
	for _, f := range s.Files.List() {
		hashes[f.Descriptor.ContentHash] = struct{}{}
	}
	for _, session := range s.Sessions.Active() {
		hashes[session.Hash] = struct{}{}
	}
	for hash := range hashes {
		err := tracker.Unregister(ctx, hash, s.DataPort())
		if err != nil {
			logx.Errorf("Failed to unregister %s: %v", hash, err)
		}
	}
}
