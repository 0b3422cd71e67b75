package foldersync

import (
	"io/fs"
	"os"
	"syscall"
	"time"
)

func (fi FileInfo) SetTimestamps(localpath string) error {
	if fi.Mode&fs.ModeSymlink != 0 {
		return ErrNotSupportedByPlatform
	}
	return os.Chtimes(localpath, time.Unix(fi.Atim.Unix()), time.Unix(fi.Mtim.Unix()))
}

func (fi FileInfo) Chmod(localpath string) error {
	return os.Chmod(localpath, fs.FileMode(fi.Permissions)&os.ModePerm)
}

func (fi FileInfo) Chown(localpath string) error {
	return ErrNotSupportedByPlatform
}

func (fi *FileInfo) extractNativeInfo(fsfi fs.FileInfo) error {
	native, ok := fsfi.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return ErrNotSupportedByPlatform
	}
	fi.Atim = syscall.NsecToTimespec(native.LastAccessTime.Nanoseconds())
	fi.Mtim = syscall.NsecToTimespec(native.LastWriteTime.Nanoseconds())
	fi.Permissions = uint32(fsfi.Mode().Perm())
	return nil
}
