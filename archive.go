package foldersync

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/s2"
)

const archiveSuffix = ".s2"

// Archive is an optional safety net: replica files about to be deleted or
// overwritten are stashed here first, s2-compressed, under one timestamped
// directory per pass. The archive directory must live outside the replica
// tree or it would be mirrored away again on the next pass.
type Archive struct {
	Base string

	passdir string
}

func NewArchive(base string) *Archive {
	return &Archive{Base: base}
}

// StartPass picks the destination directory for everything stashed during
// one synchronization pass.
func (a *Archive) StartPass(t time.Time) {
	a.passdir = filepath.Join(a.Base, t.UTC().Format("20060102-150405"))
}

// Stash compresses the replica file at absolutepath into the current pass
// directory, keyed by its relative path. Missing files are not an error: the
// thing we wanted to preserve is already gone.
func (a *Archive) Stash(absolutepath, relativepath string) error {
	in, err := os.Open(absolutepath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	target := filepath.Join(a.passdir, filepath.FromSlash(relativepath)+archiveSuffix)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}

	writer := s2.NewWriter(out)
	_, err = io.Copy(writer, in)
	if err != nil {
		writer.Close()
		out.Close()
		os.Remove(target)
		return err
	}
	if err := writer.Close(); err != nil {
		out.Close()
		os.Remove(target)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	Logger.Debug().Msgf("Archived %v to %v", absolutepath, target)
	return nil
}

// StashTree walks a replica directory about to be removed and stashes every
// regular file below it. Per-file failures are reported and skipped so one
// bad file does not keep the rest of the subtree from being preserved.
func (a *Archive) StashTree(absolutepath, relativepath string) {
	filepath.WalkDir(absolutepath, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			Logger.Error().Msgf("Error walking %v for archiving: %v", current, err)
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		sub, err := filepath.Rel(absolutepath, current)
		if err != nil {
			return nil
		}
		rel := relativepath + "/" + filepath.ToSlash(sub)
		if err := a.Stash(current, rel); err != nil {
			Logger.Error().Msgf("Error archiving %v: %v", current, err)
		}
		return nil
	})
}

// Restore decompresses one archived file back to a destination path, mostly
// an escape hatch for operators (and the tests).
func (a *Archive) Restore(archivedpath, destination string) error {
	in, err := os.Open(archivedpath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(destination)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, s2.NewReader(in)); err != nil {
		out.Close()
		os.Remove(destination)
		return err
	}
	return out.Close()
}
