// Package binlog implements the per-storage-node append-only binlog:
// segmented text-line files, a tailing Walk reader for the per-peer
// sender, and offline GC. Generalized from pump/binlogger.go in
// the teacher, which segments, locks and rotates binlog files the same
// way for a binary+CRC payload; this version uses text-line framing
// instead.
package binlog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/ngaut/log"

	"github.com/happyfish100/fastdfs-sub015/pkg/fileutil"
)

// SegmentSizeBytes bounds how large a single segment file grows before
// a new one is rotated in.
var SegmentSizeBytes int64 = 512 * 1024 * 1024

// Errors a Binlogger can return.
var (
	ErrFileNotFound = errors.New("binlog: no segment files found")
)

// Pos identifies a read position: which segment (by sequence number)
// and byte offset within it.
type Pos struct {
	Suffix uint64
	Offset int64
}

func (p Pos) String() string { return fmt.Sprintf("%06d:%d", p.Suffix, p.Offset) }

// Binlogger is the append/tail interface a storage node's local write
// path and per-peer senders share.
type Binlogger interface {
	// Append durably writes rec to the tail segment, fsyncing before
	// return: the write must be durable before the caller's response
	// goes out.
	Append(rec Record) error

	// Walk streams records from pos forward, calling fn for each; it
	// returns when it reaches the end of the written data, at ctx
	// cancellation, or at the first error fn returns. The per-peer
	// sender tails the binlog by calling it again from the returned Pos.
	Walk(ctx context.Context, pos Pos, fn func(Record, Pos) error) (Pos, error)

	// GC removes segment files strictly older than keepSince and with a
	// suffix below every still-needed cursor position, never touching
	// the tail (live) segment.
	GC(keepSince time.Duration, minSuffix uint64)

	// Tail returns the current write position.
	Tail() Pos

	Close() error
}

type binlogger struct {
	mu  sync.Mutex
	dir string

	file *fileutil.LockedFile
	w    *bufio.Writer
	pos  Pos
}

// OpenOrCreate opens dir's existing segment chain for append, creating a
// fresh one (and the directory) if none exists yet.
func OpenOrCreate(dir string) (Binlogger, error) {
	if err := fileutil.CreateDirAll(dir); err != nil {
		return nil, errors.Trace(err)
	}

	names, err := segmentNames(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}

	b := &binlogger{dir: dir}
	if len(names) == 0 {
		if err := b.openSegment(0, os.O_WRONLY|os.O_CREATE); err != nil {
			return nil, errors.Trace(err)
		}
		return b, nil
	}

	last := names[len(names)-1]
	suffix, err := parseSegmentName(last)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.openSegment(suffix, os.O_WRONLY|os.O_APPEND); err != nil {
		return nil, errors.Trace(err)
	}
	offset, err := b.file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b.pos = Pos{Suffix: suffix, Offset: offset}

	return b, nil
}

func (b *binlogger) openSegment(suffix uint64, flag int) error {
	path := filepath.Join(b.dir, segmentName(suffix))
	f, err := fileutil.LockFile(path, flag, fileutil.PrivateFileMode)
	if err != nil {
		return errors.Trace(err)
	}
	b.file = f
	b.w = bufio.NewWriter(f)
	b.pos.Suffix = suffix
	return nil
}

func (b *binlogger) Append(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := rec.Marshal()
	if _, err := b.w.Write(line); err != nil {
		return errors.Trace(err)
	}
	if err := b.w.Flush(); err != nil {
		return errors.Trace(err)
	}
	// durably flushed before the caller's response.
	if err := b.file.Sync(); err != nil {
		return errors.Trace(err)
	}

	b.pos.Offset += int64(len(line))
	if b.pos.Offset >= SegmentSizeBytes {
		return errors.Trace(b.rotate())
	}
	return nil
}

func (b *binlogger) rotate() error {
	next := b.pos.Suffix + 1
	if err := b.file.Close(); err != nil {
		log.Errorf("binlog: close segment before rotate: %v", err)
	}
	if err := b.openSegment(next, os.O_WRONLY|os.O_CREATE); err != nil {
		return errors.Trace(err)
	}
	b.pos.Offset = 0
	log.Infof("binlog: rotated to segment %s", segmentName(next))
	return nil
}

func (b *binlogger) Tail() Pos {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

func (b *binlogger) Walk(ctx context.Context, from Pos, fn func(Record, Pos) error) (Pos, error) {
	cur := from

	names, err := segmentNames(b.dir)
	if err != nil {
		return cur, errors.Trace(err)
	}
	idx, ok := searchSuffix(names, cur.Suffix)
	if !ok {
		return cur, errors.Trace(ErrFileNotFound)
	}

	for _, name := range names[idx:] {
		select {
		case <-ctx.Done():
			return cur, nil
		default:
		}

		path := filepath.Join(b.dir, name)
		f, err := os.Open(path)
		if err != nil {
			return cur, errors.Trace(err)
		}

		if cur.Offset > 0 {
			if _, err := f.Seek(cur.Offset, io.SeekStart); err != nil {
				f.Close()
				return cur, errors.Trace(err)
			}
		}

		r := bufio.NewReader(f)
		for {
			select {
			case <-ctx.Done():
				f.Close()
				return cur, nil
			default:
			}

			line, err := r.ReadString('\n')
			if err != nil {
				// incomplete trailing line == not yet fully written;
				// treat exactly like EOF so the tailer re-polls.
				break
			}

			rec, perr := ParseRecord(line[:len(line)-1])
			if perr != nil {
				f.Close()
				return cur, errors.Trace(perr)
			}

			cur.Offset += int64(len(line))
			if err := fn(rec, cur); err != nil {
				f.Close()
				return cur, errors.Trace(err)
			}
		}
		f.Close()

		suffix, perr := parseSegmentName(name)
		if perr == nil && suffix < b.Tail().Suffix {
			// fully consumed a rotated-away segment, advance to the next
			cur = Pos{Suffix: suffix + 1, Offset: 0}
			continue
		}
		break
	}

	return cur, nil
}

func (b *binlogger) GC(keepSince time.Duration, minSuffix uint64) {
	names, err := segmentNames(b.dir)
	if err != nil {
		log.Errorf("binlog: GC list segments: %v", err)
		return
	}
	if len(names) == 0 {
		return
	}

	for _, name := range names[:len(names)-1] {
		path := filepath.Join(b.dir, name)
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		suffix, err := parseSegmentName(name)
		if err != nil {
			continue
		}
		if suffix < minSuffix && time.Since(fi.ModTime()) > keepSince {
			if err := os.Remove(path); err != nil {
				log.Errorf("binlog: GC remove %s: %v", path, err)
				continue
			}
			log.Infof("binlog: GC removed %s", path)
		}
	}
}

func (b *binlogger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.w != nil {
		b.w.Flush()
	}
	if b.file != nil {
		return errors.Trace(b.file.Close())
	}
	return nil
}

func segmentName(suffix uint64) string {
	return fmt.Sprintf("binlog.%06d", suffix)
}

func parseSegmentName(name string) (uint64, error) {
	var suffix uint64
	_, err := fmt.Sscanf(filepath.Base(name), "binlog.%d", &suffix)
	if err != nil {
		return 0, errors.Annotatef(err, "binlog: bad segment name %q", name)
	}
	return suffix, nil
}

func segmentNames(dir string) ([]string, error) {
	entries, err := fileutil.ReadDirNames(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Trace(err)
	}
	var names []string
	for _, e := range entries {
		if _, err := parseSegmentName(e); err == nil {
			names = append(names, e)
		}
	}
	sort.Strings(names)
	return names, nil
}

func searchSuffix(names []string, suffix uint64) (int, bool) {
	for i, name := range names {
		s, err := parseSegmentName(name)
		if err != nil {
			continue
		}
		if s == suffix {
			return i, true
		}
	}
	if len(names) > 0 {
		// from.Suffix may predate the oldest remaining (GC'd) segment;
		// start from the oldest surviving one instead of failing.
		first, _ := parseSegmentName(names[0])
		if suffix < first {
			return 0, true
		}
	}
	return 0, false
}
