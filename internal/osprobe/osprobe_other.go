//go:build !linux && !darwin

package osprobe

import (
	"os"
)

// FDAttr falls back to os.File.Stat on platforms without a raw syscall
// stat structure. Dev/Ino/UID/GID are left zero; callers degrade to
// basename matching in that case, mirroring the teacher's ATTR-only path.
func FDAttr(f *os.File) (Attr, error) {
	fi, err := f.Stat()
	if err != nil {
		return Attr{}, err
	}
	return fileInfoToAttr(fi), nil
}

// PathAttr is the os.Stat-based fallback for non-Unix platforms.
func PathAttr(path string) (Attr, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Attr{}, err
	}
	return fileInfoToAttr(fi), nil
}

func fileInfoToAttr(fi os.FileInfo) Attr {
	mt := fi.ModTime()
	return Attr{
		Size:  fi.Size(),
		Mode:  uint32(fi.Mode()),
		Mtime: mt,
		Ctime: mt,
		Btime: mt,
	}
}
