package foldersync

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/xattr"
)

var ErrNotSupportedByPlatform = errors.New("not supported on this platform")

// FileInfo is the snapshot of one entry below a root. Name is the path
// relative to that root, normalized to forward slashes, so snapshots from the
// source and replica trees compare directly.
type FileInfo struct {
	Name  string
	Mode  fs.FileMode // Go simplified file type, not for chmod
	Size  int64
	IsDir bool

	Permissions uint32
	Xattrs      map[string][]byte // xattrs contain ACL !!

	Owner, Group uint32
	LinkTo       string

	Atim syscall.Timespec
	Mtim syscall.Timespec

	Hash       uint64
	Hashed     bool
	Unreadable bool
}

func (fi FileInfo) Compare(fi2 FileInfo) int {
	return strings.Compare(fi.Name, fi2.Name)
}

func PathToFileInfo(absolutepath, relativepath string) (FileInfo, error) {
	info, err := os.Lstat(absolutepath)
	if err != nil {
		return FileInfo{Name: relativepath}, err
	}
	return InfoToFileInfo(info, relativepath, absolutepath)
}

func InfoToFileInfo(info fs.FileInfo, relativepath, absolutepath string) (FileInfo, error) {
	fi := FileInfo{
		Name:  relativepath,
		Mode:  info.Mode(),
		Size:  info.Size(),
		IsDir: info.IsDir(),
	}

	if fi.Mode&os.ModeSymlink != 0 {
		linkto, err := os.Readlink(absolutepath)
		if err != nil {
			Logger.Error().Msgf("Error reading link target of %v: %v", absolutepath, err)
			return fi, err
		}
		Logger.Trace().Msgf("Detected %v as symlink to %v", fi.Name, linkto)
		fi.LinkTo = linkto
	}

	if fi.Mode&os.ModeSymlink == 0 && xattr.XATTR_SUPPORTED {
		xattrs, err := xattr.LList(absolutepath)
		if err != nil && err.Error() != "operation not supported" {
			Logger.Warn().Msgf("Failed to get Xattrs for %v: %v", fi.Name, err)
		}
		if len(xattrs) > 0 {
			fi.Xattrs = make(map[string][]byte)
			for _, curxattr := range xattrs {
				value, err := xattr.LGet(absolutepath, curxattr)
				if err != nil && err.Error() != "operation not supported" {
					Logger.Warn().Msgf("Failed to get Xattr %v for %v: %v", curxattr, fi.Name, err)
				}
				fi.Xattrs[curxattr] = value
			}
		}
	}

	err := fi.extractNativeInfo(info)
	return fi, err
}

// SameMetadata reports whether the tracked metadata fields (permission bits
// and modification time) agree between two snapshots of the same path.
func (fi FileInfo) SameMetadata(fi2 FileInfo) bool {
	return fi.Permissions == fi2.Permissions && fi.Mtim == fi2.Mtim
}

// ApplyMetadata makes the entry at localpath carry the metadata recorded in
// the want snapshot. Each mutation is attempted independently; the first hard
// failure is returned after all of them have run, so a chmod problem does not
// keep timestamps from converging.
func ApplyMetadata(localpath string, want FileInfo) error {
	var firsterr error

	err := want.Chown(localpath)
	if err != nil && err != ErrNotSupportedByPlatform {
		Logger.Error().Msgf("Error changing owner for %v: %v", localpath, err)
		firsterr = err
	}

	if want.Mode&fs.ModeSymlink == 0 {
		err = want.Chmod(localpath)
		if err != nil && err != ErrNotSupportedByPlatform {
			Logger.Error().Msgf("Error changing mode for %v: %v", localpath, err)
			if firsterr == nil {
				firsterr = err
			}
		}

		if xattr.XATTR_SUPPORTED && want.Xattrs != nil {
			syncXattrs(localpath, want.Xattrs)
		}
	}

	err = want.SetTimestamps(localpath)
	if err != nil && err != ErrNotSupportedByPlatform {
		Logger.Error().Msgf("Error changing times for %v: %v", localpath, err)
		if firsterr == nil {
			firsterr = err
		}
	}

	return firsterr
}

// syncXattrs is best effort: plenty of filesystems refuse xattrs entirely, so
// problems here are only warned about.
func syncXattrs(localpath string, want map[string][]byte) {
	current, err := xattr.LList(localpath)
	if err != nil {
		if err.Error() != "operation not supported" {
			Logger.Warn().Msgf("Failed to list Xattrs for %v: %v", localpath, err)
		}
		return
	}

	for _, attr := range current {
		if _, found := want[attr]; !found {
			if err := xattr.LRemove(localpath, attr); err != nil {
				Logger.Warn().Msgf("Error removing Xattr %v for %v: %v", attr, localpath, err)
			}
		}
	}
	for attr, value := range want {
		if err := xattr.LSet(localpath, attr, value); err != nil {
			Logger.Warn().Msgf("Error setting Xattr %v for %v: %v", attr, localpath, err)
		}
	}
}
