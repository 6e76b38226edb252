//go:build unix

package tailer

import (
	"os"
	"syscall"
)

// fileIdentity distinguishes a file from a same-named replacement
// after rotation, independent of size or offset.
type fileIdentity struct {
	dev uint64
	ino uint64
}

func identityOf(info os.FileInfo) fileIdentity {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileIdentity{}
	}
	return fileIdentity{dev: uint64(st.Dev), ino: st.Ino}
}
