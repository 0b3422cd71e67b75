package foldersync

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// OpFailure pairs a failed operation with what went wrong. Failures are data,
// collected into the pass result, never reasons to stop the batch.
type OpFailure struct {
	Op  Operation
	Err error
}

type Result struct {
	Applied  int
	Skipped  int
	Failures []OpFailure
}

// Applier executes an operation list against the replica tree. Operations on
// disjoint files run on a bounded worker pool; directory creations and
// deletions keep their ordered positions so a copy never targets a directory
// that does not exist yet and a directory removal never races its contents.
type Applier struct {
	SourceRoot  string
	ReplicaRoot string
	Parallel    int
	Archive     *Archive
	Perf        *performance
}

// fileOps can run concurrently with each other: they touch disjoint paths and
// their parent directories already exist by the time they are reached.
// Directory metadata is not a fileOp, its ordering (children before parents)
// must survive into execution.
func fileOp(op Operation) bool {
	switch op.Op {
	case OpCopyFile, OpUpdateFile, OpDeleteFile:
		return true
	case OpUpdateMetadata:
		return !op.Info.IsDir
	}
	return false
}

func (a *Applier) Apply(ctx context.Context, ops []Operation) Result {
	parallel := a.Parallel
	if parallel < 1 {
		parallel = 1
	}

	var result Result
	var resultLock sync.Mutex

	record := func(op Operation, err error) {
		resultLock.Lock()
		defer resultLock.Unlock()
		if err != nil {
			result.Failures = append(result.Failures, OpFailure{Op: op, Err: err})
		} else {
			result.Applied++
		}
	}

	i := 0
	for i < len(ops) {
		if ctx.Err() != nil {
			break
		}
		if !fileOp(ops[i]) {
			op := ops[i]
			record(op, a.applyOne(op))
			i++
			continue
		}

		// contiguous run of independent file operations, fan out
		j := i
		for j < len(ops) && fileOp(ops[j]) {
			j++
		}
		batch := make(chan Operation, parallel)
		var workers sync.WaitGroup
		for n := 0; n < parallel; n++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				for op := range batch {
					if ctx.Err() != nil {
						continue
					}
					record(op, a.applyOne(op))
				}
			}()
		}
		for _, op := range ops[i:j] {
			batch <- op
		}
		close(batch)
		workers.Wait()
		i = j
	}

	result.Skipped = len(ops) - result.Applied - len(result.Failures)
	return result
}

func (a *Applier) applyOne(op Operation) error {
	sourcepath := filepath.Join(a.SourceRoot, filepath.FromSlash(op.Path))
	replicapath := filepath.Join(a.ReplicaRoot, filepath.FromSlash(op.Path))

	var err error
	switch op.Op {
	case OpCreateDir:
		Logger.Info().Msgf("Creating directory %v", replicapath)
		// created writable; the source permission bits arrive with the
		// trailing metadata operation once the contents are in place
		if err = os.MkdirAll(replicapath, 0755); err == nil {
			a.Perf.Add(DirsCreated, 1)
		}
	case OpCopyFile, OpUpdateFile:
		if op.Op == OpCopyFile {
			Logger.Info().Msgf("Copying %v to %v", sourcepath, replicapath)
		} else {
			Logger.Info().Msgf("Updating %v from %v", replicapath, sourcepath)
		}
		err = a.copyFile(op, sourcepath, replicapath)
	case OpUpdateMetadata:
		Logger.Info().Msgf("Updating metadata for %v", replicapath)
		if err = ApplyMetadata(replicapath, op.Info); err == nil {
			a.Perf.Add(MetadataUpdated, 1)
		}
	case OpDeleteFile:
		Logger.Info().Msgf("Deleting %v", replicapath)
		a.stash(replicapath, op.Path)
		if err = os.Remove(replicapath); os.IsNotExist(err) {
			err = nil
		}
		if err == nil {
			a.Perf.Add(FilesDeleted, 1)
		}
	case OpDeleteDir:
		Logger.Info().Msgf("Deleting directory %v", replicapath)
		if a.Archive != nil {
			a.Archive.StashTree(replicapath, op.Path)
		}
		if err = os.RemoveAll(replicapath); err == nil {
			a.Perf.Add(DirsDeleted, 1)
		}
	}

	if err != nil {
		Logger.Error().Msgf("Error applying %v for %v: %v", op.Op, op.Path, err)
		a.Perf.Add(ItemErrors, 1)
	}
	return err
}

// copyFile writes the source content to a temporary file in the target
// directory and renames it over the destination, then mirrors the source
// metadata onto it. The replica never observes a half-written file.
func (a *Applier) copyFile(op Operation, sourcepath, replicapath string) error {
	if op.Op == OpUpdateFile {
		a.stash(replicapath, op.Path)
	}

	if op.Info.Mode&fs.ModeSymlink != 0 {
		if err := os.Remove(replicapath); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Symlink(op.Info.LinkTo, replicapath); err != nil {
			return err
		}
		a.countCopy(op)
		return op.Info.SetTimestamps(replicapath)
	}

	in, err := os.Open(sourcepath)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(replicapath), ".foldersync-*")
	if err != nil {
		return err
	}
	written, err := io.Copy(tmp, in)
	a.Perf.Add(ReadBytes, uint64(written))
	a.Perf.Add(WrittenBytes, uint64(written))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	// the destination could be a symlink or have lost its file bit, a plain
	// rename handles both by replacing the name itself
	if err := os.Rename(tmp.Name(), replicapath); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	a.countCopy(op)
	return ApplyMetadata(replicapath, op.Info)
}

func (a *Applier) countCopy(op Operation) {
	if op.Op == OpCopyFile {
		a.Perf.Add(FilesCopied, 1)
	} else {
		a.Perf.Add(FilesUpdated, 1)
	}
}

func (a *Applier) stash(replicapath, relativepath string) {
	if a.Archive == nil {
		return
	}
	if err := a.Archive.Stash(replicapath, relativepath); err != nil {
		Logger.Error().Msgf("Error archiving %v: %v", replicapath, err)
		a.Perf.Add(ItemErrors, 1)
	} else {
		a.Perf.Add(EntriesArchived, 1)
	}
}
