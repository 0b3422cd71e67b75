//go:build !windows
// +build !windows

package foldersync

import (
	"io/fs"
	"os"
	"syscall"

	wunix "github.com/akihirosuda/x-sys-unix-auto-eintr"
	unix "golang.org/x/sys/unix"
)

func (fi FileInfo) SetTimestamps(localpath string) error {
	return wunix.UtimesNanoAt(unix.AT_FDCWD, localpath, []unix.Timespec{unix.Timespec(fi.Atim), unix.Timespec(fi.Mtim)}, unix.AT_SYMLINK_NOFOLLOW)
}

func (fi FileInfo) Chmod(localpath string) error {
	return wunix.Chmod(localpath, fi.Permissions)
}

func (fi FileInfo) Chown(localpath string) error {
	return os.Lchown(localpath, int(fi.Owner), int(fi.Group))
}

func (fi *FileInfo) extractNativeInfo(fsfi fs.FileInfo) error {
	stat, ok := fsfi.Sys().(*syscall.Stat_t)
	if !ok {
		return ErrNotSupportedByPlatform
	}
	fi.Owner = stat.Uid
	fi.Group = stat.Gid
	fi.Permissions = uint32(stat.Mode) & 0o7777

	atim, mtim := getAMtime(*stat)
	fi.Atim = atim
	fi.Mtim = mtim
	return nil
}
