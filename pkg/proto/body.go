package proto

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/juju/errors"
)

// PutFixed left-aligns s into a width-byte, NUL-padded field. It panics
// if s is longer than width — callers validate lengths before encoding.
func PutFixed(dst []byte, s string, width int) {
	if len(s) > width {
		panic("proto: fixed field too long")
	}
	copy(dst, s)
	for i := len(s); i < width; i++ {
		dst[i] = 0
	}
}

// GetFixed strips trailing NULs from a width-byte fixed field.
func GetFixed(src []byte) string {
	i := bytes.IndexByte(src, 0)
	if i < 0 {
		return string(src)
	}
	return string(src[:i])
}

// PutUint64 writes v big-endian into the first 8 bytes of dst.
func PutUint64(dst []byte, v uint64) {
	binary.BigEndian.PutUint64(dst, v)
}

// GetUint64 reads a big-endian uint64.
func GetUint64(src []byte) uint64 {
	return binary.BigEndian.Uint64(src)
}

// Metadata is a FastDFS key/value metadata blob, encoded on the wire as
// "key\x02value\x01key\x02value\x01...".
type Metadata map[string]string

const (
	metaKVSep   = "\x02"
	metaPairSep = "\x01"
)

// EncodeMetadata truncates each key to MetaNameLen and each value to
// MetaValueLen bytes and joins them.
func EncodeMetadata(m Metadata) []byte {
	var buf bytes.Buffer
	for k, v := range m {
		if len(k) > MetaNameLen {
			k = k[:MetaNameLen]
		}
		if len(v) > MetaValueLen {
			v = v[:MetaValueLen]
		}
		buf.WriteString(k)
		buf.WriteString(metaKVSep)
		buf.WriteString(v)
		buf.WriteString(metaPairSep)
	}
	return buf.Bytes()
}

// DecodeMetadata parses an encoded metadata blob back into a map.
func DecodeMetadata(b []byte) (Metadata, error) {
	m := make(Metadata)
	if len(b) == 0 {
		return m, nil
	}
	pairs := strings.Split(string(b), metaPairSep)
	for _, p := range pairs {
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, metaKVSep, 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("proto: malformed metadata pair %q", p)
		}
		m[kv[0]] = kv[1]
	}
	return m, nil
}

// MergeMetadata implements the SET_METADATA 'M' (merge) flag: values
// from overlay replace matching keys in base, other base keys survive.
func MergeMetadata(base, overlay Metadata) Metadata {
	out := make(Metadata, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// JoinFileID renders a file-ID as "group_name/remote_filename".
func JoinFileID(group, remote string) string {
	return group + "/" + remote
}

// SplitFileID splits a file-ID at its first '/'. Clients must not
// interpret remote beyond an opaque string.
func SplitFileID(fileID string) (group, remote string, err error) {
	i := strings.IndexByte(fileID, '/')
	if i < 0 {
		return "", "", errors.Errorf("proto: malformed file id %q", fileID)
	}
	return fileID[:i], fileID[i+1:], nil
}
