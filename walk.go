package foldersync

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/lkarlslund/gonk"
)

// Inventory is a snapshot of one directory tree at one instant: every entry
// below Root keyed by slash-normalized relative path. Inventories are built
// fresh each pass and thrown away afterwards.
type Inventory struct {
	Root    string
	entries gonk.Gonk[FileInfo]
}

func NewInventory(root string) *Inventory {
	return &Inventory{Root: root}
}

func (inv *Inventory) Add(fi FileInfo) {
	inv.entries.Store(fi)
}

func (inv *Inventory) Get(name string) (FileInfo, bool) {
	return inv.entries.Load(FileInfo{Name: name})
}

func (inv *Inventory) Len() int {
	return inv.entries.Len()
}

// Each visits all entries in path order.
func (inv *Inventory) Each(visit func(FileInfo) bool) {
	inv.entries.Range(func(fi *FileInfo) bool {
		return visit(*fi)
	})
}

// Entries exposes the snapshot as a plain map, for the diff.
func (inv *Inventory) Entries() map[string]FileInfo {
	m := make(map[string]FileInfo, inv.entries.Len())
	inv.entries.Range(func(fi *FileInfo) bool {
		m[fi.Name] = *fi
		return true
	})
	return m
}

func (inv *Inventory) setHash(name string, hash uint64) {
	inv.entries.AtomicMutate(FileInfo{Name: name}, func(fi *FileInfo) {
		fi.Hash = hash
		fi.Hashed = true
	}, false)
}

func (inv *Inventory) markUnreadable(name string) {
	inv.entries.AtomicMutate(FileInfo{Name: name}, func(fi *FileInfo) {
		fi.Unreadable = true
	}, false)
}

// Walker enumerates a directory tree into an Inventory, scanning directories
// on a bounded worker pool fed by a LIFO stack.
type Walker struct {
	Root     string
	Parallel int
	Perf     *performance
}

// Walk scans the tree below Root. A root that does not exist or cannot be
// listed is an error (fatal to the pass); anything deeper that fails to stat
// becomes an entry flagged Unreadable plus one error event, so a single bad
// file never blocks the rest of the tree.
func (w *Walker) Walk() (*Inventory, error) {
	rootinfo, err := os.Lstat(w.Root)
	if err != nil {
		return nil, err
	}
	if !rootinfo.IsDir() {
		return nil, fmt.Errorf("%v is not a directory", w.Root)
	}

	parallel := w.Parallel
	if parallel < 1 {
		parallel = 1
	}

	inv := NewInventory(w.Root)

	dirstack, dirqueueout, dirqueuein := NewStack[string](parallel * 2)
	var scansActive sync.WaitGroup
	var workers sync.WaitGroup
	for i := 0; i < parallel; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			Logger.Trace().Msg("Starting directory scan worker")
			for dir := range dirqueueout {
				w.scanDir(inv, dir, &scansActive, dirqueuein)
				scansActive.Done()
			}
			Logger.Trace().Msg("Shutting down directory scan worker")
		}()
	}

	// The root listing runs synchronously so an inaccessible root is reported
	// as a walk failure instead of a per-item event.
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		dirstack.Close()
		workers.Wait()
		return nil, err
	}
	for _, entry := range entries {
		w.record(inv, "", entry, &scansActive, dirqueuein)
	}

	scansActive.Wait()
	dirstack.Close()
	workers.Wait()

	return inv, nil
}

func (w *Walker) scanDir(inv *Inventory, dir string, scansActive *sync.WaitGroup, queue chan<- string) {
	absolutepath := filepath.Join(w.Root, filepath.FromSlash(dir))
	Logger.Trace().Msgf("Scanning directory %v", absolutepath)

	entries, err := os.ReadDir(absolutepath)
	if err != nil {
		Logger.Error().Msgf("Error listing directory %v: %v", absolutepath, err)
		w.Perf.Add(ItemErrors, 1)
		inv.markUnreadable(dir)
		return
	}
	for _, entry := range entries {
		w.record(inv, dir, entry, scansActive, queue)
	}
	w.Perf.Add(DirsScanned, 1)
}

func (w *Walker) record(inv *Inventory, dir string, entry os.DirEntry, scansActive *sync.WaitGroup, queue chan<- string) {
	relativepath := path.Join(dir, entry.Name())
	absolutepath := filepath.Join(w.Root, filepath.FromSlash(relativepath))

	info, err := entry.Info()
	if err != nil {
		Logger.Error().Msgf("Error getting fileinfo for %v: %v", absolutepath, err)
		w.Perf.Add(ItemErrors, 1)
		inv.Add(FileInfo{Name: relativepath, IsDir: entry.IsDir(), Unreadable: true})
		return
	}

	fi, err := InfoToFileInfo(info, relativepath, absolutepath)
	if err != nil {
		Logger.Error().Msgf("Error reading attributes of %v: %v", absolutepath, err)
		w.Perf.Add(ItemErrors, 1)
		fi.Unreadable = true
	}
	inv.Add(fi)
	w.Perf.Add(EntriesWalked, 1)

	if fi.IsDir {
		scansActive.Add(1)
		queue <- relativepath
	}
}
