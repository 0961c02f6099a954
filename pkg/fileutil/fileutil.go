// Package fileutil provides the small set of crash-safe file primitives
// every persisted-state component in this module shares: atomic
// write-then-rename and advisory file locking. Grounded on the same
// idiom the teacher leans on throughout drainer/meta.go and
// restore/savepoint/file.go (github.com/siddontang/go/ioutil2.WriteFileAtomic),
// generalized here since the teacher's own pkg/file helper package
// wasn't part of the retrieved sources.
package fileutil

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/juju/errors"
	"github.com/siddontang/go/ioutil2"
	"golang.org/x/sys/unix"
)

// PrivateFileMode is the mode new state files are created with.
const PrivateFileMode = 0600

// PrivateDirMode is the mode new state directories are created with.
const PrivateDirMode = 0700

// WriteFileAtomic writes data to path via a temp file in the same
// directory followed by a rename, so a crash never leaves a
// partially-written snapshot or mark file.
func WriteFileAtomic(path string, data []byte) error {
	return errors.Trace(ioutil2.WriteFileAtomic(path, data, PrivateFileMode))
}

// Exist reports whether path exists.
func Exist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateDirAll creates dir (and parents) with PrivateDirMode if absent.
func CreateDirAll(dir string) error {
	if Exist(dir) {
		return nil
	}
	return errors.Trace(os.MkdirAll(dir, PrivateDirMode))
}

// ReadDirNames lists the base names of dir's entries in the order the
// OS returns them; the result is not sorted.
func ReadDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return names, nil
}

// LockedFile is an os.File held under an advisory exclusive lock for as
// long as it stays open, so two processes (or two goroutines opening the
// same path) can't append to the same binlog segment concurrently.
type LockedFile struct {
	*os.File
}

// TryLockFile opens path and takes a non-blocking exclusive lock,
// failing immediately if another holder has it.
func TryLockFile(path string, flag int, perm os.FileMode) (*LockedFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "fileutil: lock %s", path)
	}
	return &LockedFile{File: f}, nil
}

// LockFile opens path and blocks until it can take an exclusive lock.
func LockFile(path string, flag int, perm os.FileMode) (*LockedFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "fileutil: lock %s", path)
	}
	return &LockedFile{File: f}, nil
}

// Close releases the lock and closes the underlying file.
func (lf *LockedFile) Close() error {
	syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)
	return errors.Trace(lf.File.Close())
}

// Base is a convenience wrapper around filepath.Base for callers that
// only import fileutil.
func Base(path string) string { return filepath.Base(path) }

// FreeSpaceMB reports the free space available to an unprivileged
// writer on the filesystem backing path, in megabytes, for the
// store-path heartbeat report a STORAGE_BEAT carries.
func FreeSpaceMB(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, errors.Annotatef(err, "fileutil: statfs %s", path)
	}
	const mb = 1024 * 1024
	return int64(st.Bavail) * int64(st.Bsize) / mb, nil
}
