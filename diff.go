package foldersync

import (
	"os"
	"sort"
	"strings"
)

type OpType uint8

const (
	OpCreateDir OpType = iota
	OpCopyFile
	OpUpdateFile
	OpUpdateMetadata
	OpDeleteFile
	OpDeleteDir
)

var opTypeNames = []string{
	"CreateDir",
	"CopyFile",
	"UpdateFile",
	"UpdateMetadata",
	"DeleteFile",
	"DeleteDir",
}

func (op OpType) String() string {
	return opTypeNames[op]
}

// Operation is one required replica mutation. Path is relative to both roots;
// Info carries the source snapshot for operations that need it.
type Operation struct {
	Op   OpType
	Path string
	Info FileInfo
}

// Diff reduces two inventories to the ordered operation list that makes the
// replica equal to the source. It is a pure function of its inputs: no
// filesystem access happens here.
//
// Ordering guarantees for the applier: replacements of entries whose kind
// changed are deleted first (children before parents), directories are
// created before anything is copied into them (parents before children), file
// deletions come before directory deletions, directory deletions run children
// before parents, and directory permission bits are applied last of all,
// children before parents. Applying a directory's bits only after its
// contents are settled means a read-only source directory cannot lock the
// replica copy against the very files that still have to land inside it.
func Diff(source, replica *Inventory) []Operation {
	src := source.Entries()
	dst := replica.Entries()

	// Entries whose kind differs between the trees: the replica side has to
	// go before the source side can be materialized. A directory turning into
	// a file drags its whole replica subtree along.
	consumed := map[string]bool{}
	for name, sfi := range src {
		dfi, found := dst[name]
		if !found || dfi.IsDir == sfi.IsDir {
			continue
		}
		consumed[name] = true
		if dfi.IsDir {
			prefix := name + "/"
			for childname := range dst {
				if strings.HasPrefix(childname, prefix) {
					consumed[childname] = true
				}
			}
		}
	}

	var ops []Operation

	conflicted := sortedKeys(consumed)
	sort.Sort(sort.Reverse(sort.StringSlice(conflicted)))
	for _, name := range conflicted {
		dfi := dst[name]
		if dfi.IsDir {
			ops = append(ops, Operation{Op: OpDeleteDir, Path: name})
		} else {
			ops = append(ops, Operation{Op: OpDeleteFile, Path: name})
		}
	}

	// directories missing from the replica, parents first
	var newdirs []string
	for name, sfi := range src {
		if !sfi.IsDir {
			continue
		}
		if _, found := dst[name]; !found || consumed[name] {
			newdirs = append(newdirs, name)
		}
	}
	sort.Strings(newdirs)
	for _, name := range newdirs {
		ops = append(ops, Operation{Op: OpCreateDir, Path: name, Info: src[name]})
	}

	// files
	var files []string
	for name, sfi := range src {
		if !sfi.IsDir {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	for _, name := range files {
		sfi := src[name]
		if sfi.Mode&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket) != 0 {
			Logger.Debug().Msgf("Skipping special file %v", name)
			continue
		}
		dfi, found := dst[name]
		if !found || consumed[name] {
			ops = append(ops, Operation{Op: OpCopyFile, Path: name, Info: sfi})
			continue
		}
		if sfi.Unreadable {
			// one error event was already emitted where the read failed
			Logger.Debug().Msgf("Skipping unreadable source file %v", name)
			continue
		}
		if op, needed := compareFiles(sfi, dfi); needed {
			ops = append(ops, Operation{Op: op, Path: name, Info: sfi})
		}
	}

	// Directories we could not list in the source leave us blind to their
	// contents; deleting the matching replica subtree on that evidence would
	// destroy data over a transient permission problem.
	blind := map[string]bool{}
	for name, sfi := range src {
		if sfi.IsDir && sfi.Unreadable {
			blind[name] = true
		}
	}

	// replica-only files, then replica-only directories children first
	var goneFiles, goneDirs []string
	for name, dfi := range dst {
		if _, found := src[name]; found || consumed[name] {
			continue
		}
		if underBlindDir(name, blind) {
			Logger.Debug().Msgf("Keeping %v, source parent directory was unreadable", name)
			continue
		}
		if dfi.IsDir {
			goneDirs = append(goneDirs, name)
		} else {
			goneFiles = append(goneFiles, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(goneFiles)))
	for _, name := range goneFiles {
		ops = append(ops, Operation{Op: OpDeleteFile, Path: name})
	}
	sort.Sort(sort.Reverse(sort.StringSlice(goneDirs)))
	for _, name := range goneDirs {
		ops = append(ops, Operation{Op: OpDeleteDir, Path: name})
	}

	// Directory permission bits go last, children before parents: freshly
	// created directories start out writable and only now take the source
	// bits, and existing directories with diverged bits are corrected. A
	// parent stripped of its search bit is chmodded after everything below it.
	var dirmeta []string
	for name, sfi := range src {
		if !sfi.IsDir {
			continue
		}
		dfi, found := dst[name]
		if !found || consumed[name] || dfi.Permissions != sfi.Permissions {
			dirmeta = append(dirmeta, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirmeta)))
	for _, name := range dirmeta {
		ops = append(ops, Operation{Op: OpUpdateMetadata, Path: name, Info: src[name]})
	}

	return ops
}

// compareFiles decides what, if anything, brings an existing replica file in
// agreement with its source counterpart.
func compareFiles(sfi, dfi FileInfo) (OpType, bool) {
	if sfi.Mode&os.ModeSymlink != 0 || dfi.Mode&os.ModeSymlink != 0 {
		if sfi.Mode&os.ModeSymlink != dfi.Mode&os.ModeSymlink {
			// symlink on one side only, recreate from source
			return OpUpdateFile, true
		}
		if sfi.LinkTo != dfi.LinkTo {
			return OpUpdateFile, true
		}
		if sfi.Mtim != dfi.Mtim {
			return OpUpdateMetadata, true
		}
		return 0, false
	}

	if dfi.Unreadable {
		// cannot prove the replica content matches, overwrite it
		return OpUpdateFile, true
	}
	if !sfi.Hashed || !dfi.Hashed || sfi.Hash != dfi.Hash {
		return OpUpdateFile, true
	}
	if !sfi.SameMetadata(dfi) {
		return OpUpdateMetadata, true
	}
	return 0, false
}

func underBlindDir(name string, blind map[string]bool) bool {
	if len(blind) == 0 {
		return false
	}
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '/' && blind[name[:i]] {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
