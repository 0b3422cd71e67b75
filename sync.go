package foldersync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
)

type SyncState int32

const (
	StateIdle SyncState = iota
	StateRunning
	StateSleeping
	StateStopped
)

var syncStateNames = []string{
	"Idle",
	"Running",
	"Sleeping",
	"Stopped",
}

func (s SyncState) String() string {
	return syncStateNames[s]
}

type Config struct {
	SourcePath  string
	ReplicaPath string
	Interval    time.Duration
	Parallel    int
	ArchivePath string
}

// Syncer periodically mirrors the source tree onto the replica tree. Passes
// run strictly one after another; the only suspension point is the sleep
// between passes, which is cut short by context cancellation.
type Syncer struct {
	Config

	Perf *performance

	archive *Archive
	lock    *flock.Flock
	state   atomic.Int32
}

func NewSyncer(config Config) *Syncer {
	config.SourcePath = filepath.Clean(config.SourcePath)
	config.ReplicaPath = filepath.Clean(config.ReplicaPath)
	if config.Parallel < 1 {
		config.Parallel = 16
	}
	s := &Syncer{
		Config: config,
		Perf:   NewPerformance(),
	}
	if config.ArchivePath != "" {
		s.archive = NewArchive(config.ArchivePath)
	}
	return s
}

func (s *Syncer) State() SyncState {
	return SyncState(s.state.Load())
}

func (s *Syncer) setState(state SyncState) {
	s.state.Store(int32(state))
	Logger.Debug().Msgf("Synchronizer is now %v", state)
}

// Lock claims the replica for this process via a lock file next to the
// replica root, so two synchronizers never fight over one replica.
func (s *Syncer) Lock() error {
	if err := os.MkdirAll(filepath.Dir(s.ReplicaPath), 0755); err != nil {
		return fmt.Errorf("preparing replica parent directory: %w", err)
	}
	s.lock = flock.New(s.ReplicaPath + ".lock")
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking replica %v: %w", s.ReplicaPath, err)
	}
	if !locked {
		return fmt.Errorf("replica %v is already being synchronized by another process", s.ReplicaPath)
	}
	return nil
}

func (s *Syncer) Unlock() {
	if s.lock != nil {
		s.lock.Unlock()
	}
}

// Run loops forever: one pass, sleep Interval, repeat. It returns nil on
// cancellation and an error only for fatal conditions (source root missing,
// replica root unusable); item-level failures inside a pass never stop the
// loop.
func (s *Syncer) Run(ctx context.Context) error {
	Logger.Info().Msgf("Starting synchronization of %v to %v every %v", s.SourcePath, s.ReplicaPath, s.Interval)
	for {
		s.setState(StateRunning)
		if _, err := s.RunOnce(ctx); err != nil {
			s.setState(StateStopped)
			return err
		}
		if ctx.Err() != nil {
			s.setState(StateStopped)
			Logger.Info().Msg("Synchronization cancelled")
			return nil
		}

		s.setState(StateSleeping)
		timer := time.NewTimer(s.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateStopped)
			Logger.Info().Msg("Synchronization cancelled")
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce performs a single walk-diff-apply pass. The returned error is only
// non-nil for fatal conditions; everything item-level lands in the Result and
// in error events.
func (s *Syncer) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	Logger.Info().Msgf("Synchronizing %v to %v", s.SourcePath, s.ReplicaPath)

	sourceinv, err := (&Walker{Root: s.SourcePath, Parallel: s.Parallel, Perf: s.Perf}).Walk()
	if err != nil {
		Logger.Error().Msgf("Error walking source %v: %v", s.SourcePath, err)
		return Result{}, fmt.Errorf("walking source %v: %w", s.SourcePath, err)
	}

	if err := os.MkdirAll(s.ReplicaPath, 0755); err != nil {
		Logger.Error().Msgf("Error preparing replica %v: %v", s.ReplicaPath, err)
		return Result{}, fmt.Errorf("preparing replica %v: %w", s.ReplicaPath, err)
	}
	replicainv, err := (&Walker{Root: s.ReplicaPath, Parallel: s.Parallel, Perf: s.Perf}).Walk()
	if err != nil {
		Logger.Error().Msgf("Error walking replica %v: %v", s.ReplicaPath, err)
		return Result{}, fmt.Errorf("walking replica %v: %w", s.ReplicaPath, err)
	}

	HashCommon(sourceinv, replicainv, s.Parallel, s.Perf)

	ops := Diff(sourceinv, replicainv)

	if s.archive != nil {
		s.archive.StartPass(start)
	}
	applier := &Applier{
		SourceRoot:  s.SourcePath,
		ReplicaRoot: s.ReplicaPath,
		Parallel:    s.Parallel,
		Archive:     s.archive,
		Perf:        s.Perf,
	}
	result := applier.Apply(ctx, ops)

	Logger.Info().Msgf("Synchronized %v entries in %v: %v operations applied, %v failed, %v not attempted",
		sourceinv.Len(), time.Since(start).Round(time.Millisecond), result.Applied, len(result.Failures), result.Skipped)
	return result, nil
}
