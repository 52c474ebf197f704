// Package segment manages the append-only segment files that back the
// storage engine: one immutable-after-seal file per epoch, named
// <dir>/<epoch>.log.
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/coreos/etcd/pkg/fileutil"
	"github.com/dreamsxin/kvs/record"
)

const extension = ".log"

// Path returns the path of the segment file for epoch within dir.
func Path(dir string, epoch uint64) string {
	return filepath.Join(dir, strconv.FormatUint(epoch, 10)+extension)
}

// Discover lists the epochs present in dir, ascending. It ignores any
// file that doesn't parse as "<uint64>.log" so a data directory that
// also holds the engine marker or lock file is handled without fuss.
func Discover(dir string) ([]uint64, error) {
	if err := fileutil.TouchDirAll(dir); err != nil {
		return nil, fmt.Errorf("segment: preparing data dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("segment: listing data dir: %w", err)
	}
	var epochs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		base := strings.TrimSuffix(e.Name(), extension)
		epoch, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// File is a handle on one segment's backing file, opened either for
// append (the current epoch) or for read (every other live epoch).
type File struct {
	epoch    uint64
	path     string
	f        *os.File
	readOnly bool
}

// Create opens a fresh, empty segment file for epoch, truncating any file
// already at that path, and fsyncs it.
func Create(dir string, epoch uint64) (*File, error) {
	path := Path(dir, epoch)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: creating %s: %w", path, err)
	}
	if err := fileutil.Fsync(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: syncing new file %s: %w", path, err)
	}
	return &File{epoch: epoch, path: path, f: f}, nil
}

// OpenRead opens the existing segment file for epoch read-only. It is
// the writer's responsibility to have sealed it first; OpenRead does not
// check.
func OpenRead(dir string, epoch uint64) (*File, error) {
	path := Path(dir, epoch)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: opening %s: %w", path, err)
	}
	return &File{epoch: epoch, path: path, f: f, readOnly: true}, nil
}

// OpenAppend reopens an existing segment file for continued appends,
// without truncating it. Used when recovering the tail (current) epoch
// at startup: its contents have already been replayed into the index
// and must be preserved.
func OpenAppend(dir string, epoch uint64) (*File, error) {
	path := Path(dir, epoch)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: reopening %s for append: %w", path, err)
	}
	return &File{epoch: epoch, path: path, f: f}, nil
}

// Epoch reports which epoch this file belongs to.
func (s *File) Epoch() uint64 { return s.epoch }

// Path reports the backing file's path.
func (s *File) Path() string { return s.path }

// Size returns the current length of the file.
func (s *File) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Append writes rec at the current end of the file and returns the byte
// offset it was written at and the number of bytes written. The caller
// (the writer) is responsible for ensuring only one goroutine calls
// Append on a given File at a time.
func (s *File) Append(rec record.Record) (offset int64, length int64, err error) {
	if s.readOnly {
		return 0, 0, fmt.Errorf("segment: file for epoch %d is not open for append", s.epoch)
	}
	offset, err = s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, err
	}
	n, err := record.Encode(s.f, rec)
	if err != nil {
		return offset, 0, err
	}
	return offset, int64(n), nil
}

// ReadAt decodes a single record starting at offset.
func (s *File) ReadAt(offset, length int64) (record.Record, error) {
	size, err := s.Size()
	if err != nil {
		return record.Record{}, err
	}
	limit := size - offset
	if length > 0 && length < limit {
		limit = length
	}
	sr := io.NewSectionReader(s.f, offset, limit)
	rec, _, err := record.Decode(sr, limit)
	return rec, err
}

// Sync flushes the file's in-flight writes and, if dataSync is true,
// forces them to stable storage with fdatasync rather than a full
// fsync.
func (s *File) Sync(dataSync bool) error {
	if dataSync {
		return fileutil.Fdatasync(s.f)
	}
	return fileutil.Fsync(s.f)
}

// Close closes the backing file handle.
func (s *File) Close() error {
	return s.f.Close()
}

// Remove deletes the segment file for epoch; it does not close any open
// handle on it. Used only by the
// compactor's retire step, which must hold the epoch's exclusive lock
// for the duration of the call.
func Remove(dir string, epoch uint64) error {
	return os.Remove(Path(dir, epoch))
}
