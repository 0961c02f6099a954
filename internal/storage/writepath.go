package storage

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/ngaut/log"
	"github.com/spaolacci/murmur3"

	"github.com/happyfish100/fastdfs-sub015/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub015/pkg/fileutil"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

// Path is one storage node's local write path: filename generation,
// disk I/O, binlog append and per-category counters.
type Path struct {
	Index        int    // this path's index among the node's configured store paths
	Root         string // base directory for this store path
	SubdirCount  int    // subdir_count_per_path
	LocalIP      string

	bl binlog.Binlogger
}

// OpenPath opens (or creates) the binlog chain under root/.binlog and
// returns a ready-to-use Path.
func OpenPath(index int, root string, subdirCount int, localIP string) (*Path, error) {
	bl, err := binlog.OpenOrCreate(filepath.Join(root, ".binlog"))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Path{Index: index, Root: root, SubdirCount: subdirCount, LocalIP: localIP, bl: bl}, nil
}

// Close releases the path's binlog handle.
func (p *Path) Close() error { return p.bl.Close() }

// Binlogger exposes the underlying binlog for the per-peer sender and
// sync-from-source reader to tail.
func (p *Path) Binlogger() binlog.Binlogger { return p.bl }

// GenerateFilename builds the deterministic local filename for a
// client-originated upload of size bytes with extension ext (without
// the leading dot):
// "M<store_path_index>/<subdirs>/<base64(ip|timestamp|size|rand|crc32)>.<ext>"
func (p *Path) GenerateFilename(size int64, ext string) (string, error) {
	ip := net.ParseIP(p.LocalIP)
	if ip == nil || ip.To4() == nil {
		return "", errors.Errorf("storage: invalid local IP %q for filename generation", p.LocalIP)
	}

	var payload [24]byte
	copy(payload[0:4], ip.To4())
	binary.BigEndian.PutUint64(payload[4:12], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(payload[12:20], uint64(size))
	binary.BigEndian.PutUint32(payload[20:24], rand.Uint32())

	crc := crc32.ChecksumIEEE(payload[:])
	var full [28]byte
	copy(full[:24], payload[:])
	binary.BigEndian.PutUint32(full[24:], crc)

	name := base64.RawURLEncoding.EncodeToString(full[:])
	subdirs := p.subdirsFor(name)

	rel := fmt.Sprintf("M%02d/%s/%s", p.Index, subdirs, name)
	if ext != "" {
		rel += "." + strings.TrimPrefix(ext, ".")
	}
	return rel, nil
}

// subdirsFor hashes name into two hex-byte subdirectory components so
// the per-directory file count stays bounded by subdir_count_per_path².
func (p *Path) subdirsFor(name string) string {
	h := murmur3.Sum32([]byte(name))
	n := uint32(p.SubdirCount)
	if n == 0 {
		n = 1
	}
	d1 := (h >> 16) % n
	d2 := h % n
	return fmt.Sprintf("%02x/%02x", d1, d2)
}

// WriteLocal writes data to the local filename (a full local path under
// Root), durably, then appends a binlog record. If the write fails
// partway, the temp file is discarded and no binlog record is
// produced: a partial upload must never reach the binlog.
func (p *Path) WriteLocal(rel string, data []byte, op binlog.OpType, sourceID string, extra string) error {
	full := filepath.Join(p.Root, rel)
	if err := fileutil.CreateDirAll(filepath.Dir(full)); err != nil {
		return errors.Trace(err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, fileutil.PrivateFileMode); err != nil {
		os.Remove(tmp)
		return proto.NewError(proto.KindFatal, errors.Annotatef(err, "storage: write temp file %s", tmp))
	}
	f, err := os.Open(tmp)
	if err == nil {
		f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return proto.NewError(proto.KindFatal, errors.Annotatef(err, "storage: rename %s to %s", tmp, full))
	}

	rec := binlog.Record{
		Timestamp: time.Now().Unix(),
		Op:        op,
		SourceID:  sourceID,
		Filename:  rel,
		Extra:     extra,
	}
	if err := p.bl.Append(rec); err != nil {
		log.Errorf("storage: append binlog for %s: %v", rel, err)
		return proto.NewError(proto.KindFatal, err)
	}
	return nil
}

// DeleteLocal removes the local file and appends a delete binlog
// record. Removing an absent file is not an error — content-addressed
// filenames make delete/create replication replay idempotent, so a
// duplicate delete must be absorbed rather than fail.
func (p *Path) DeleteLocal(rel, sourceID string) error {
	full := filepath.Join(p.Root, rel)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return proto.NewError(proto.KindFatal, errors.Annotatef(err, "storage: delete %s", full))
	}

	rec := binlog.Record{
		Timestamp: time.Now().Unix(),
		Op:        binlog.OpDelete,
		SourceID:  sourceID,
		Filename:  rel,
	}
	if err := p.bl.Append(rec); err != nil {
		return proto.NewError(proto.KindFatal, err)
	}
	return nil
}

// ReadLocal reads back a previously stored file's bytes.
func (p *Path) ReadLocal(rel string) ([]byte, error) {
	full := filepath.Join(p.Root, rel)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, proto.NewError(proto.KindNotFound, err)
		}
		return nil, proto.NewError(proto.KindFatal, err)
	}
	return data, nil
}
