// Package storage implements the storage-node half of the system (C4):
// the local write path, the per-peer binlog sender, and the sync-from-
// source catch-up handshake for new group members.
package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"github.com/ngaut/log"
	"github.com/siddontang/go/ioutil2"

	"github.com/happyfish100/fastdfs-sub015/pkg/binlog"
)

// Mark is one peer's replay cursor: how far its sender has confirmed
// delivery, flushed atomically every markFlushRecords records or
// markFlushInterval, whichever comes first. Grounded on
// drainer/meta.go's localMeta: a toml-tagged struct,
// write-then-rename flushed via ioutil2.WriteFileAtomic, gated by a
// Check()/time-since-last-save the same way.
type Mark struct {
	mu       sync.RWMutex
	path     string
	saveTime time.Time

	flushEvery    int
	flushInterval time.Duration
	sinceFlush    int

	Suffix uint64 `toml:"suffix"`
	Offset int64  `toml:"offset"`
}

// OpenMark loads path's mark file, defaulting to the zero position if
// the file does not yet exist (a brand-new peer relationship).
func OpenMark(path string, flushEvery int, flushInterval time.Duration) (*Mark, error) {
	m := &Mark{path: path, flushEvery: flushEvery, flushInterval: flushInterval, saveTime: time.Now()}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.Trace(err)
	}
	defer f.Close()

	if _, err := toml.DecodeReader(f, m); err != nil {
		return nil, errors.Annotatef(err, "storage: decode mark file %s", path)
	}
	return m, nil
}

// Pos returns the mark's current replay position.
func (m *Mark) Pos() binlog.Pos {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return binlog.Pos{Suffix: m.Suffix, Offset: m.Offset}
}

// Advance records pos as the new replay cursor and flushes to disk if a
// flush threshold (record count or elapsed time) has been crossed.
func (m *Mark) Advance(pos binlog.Pos) error {
	m.mu.Lock()
	m.Suffix, m.Offset = pos.Suffix, pos.Offset
	m.sinceFlush++
	due := m.sinceFlush >= m.flushEvery || time.Since(m.saveTime) >= m.flushInterval
	m.mu.Unlock()

	if due {
		return m.Flush()
	}
	return nil
}

// Flush writes the mark unconditionally, atomically (temp file +
// rename), regardless of the record/time threshold — used on clean
// shutdown so no confirmed progress is lost during the bounded
// shutdown grace period.
func (m *Mark) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return errors.Trace(err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return errors.Trace(err)
	}
	if err := ioutil2.WriteFileAtomic(m.path, buf.Bytes(), 0600); err != nil {
		log.Errorf("storage: flush mark file %s: %v", m.path, err)
		return errors.Trace(err)
	}

	m.saveTime = time.Now()
	m.sinceFlush = 0
	return nil
}
