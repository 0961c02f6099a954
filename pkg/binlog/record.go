package binlog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// OpType enumerates the kinds of mutation a binlog record can carry.
type OpType byte

// Op types, matching the single-character codes FastDFS's own binlog
// format uses on disk.
const (
	OpCreate      OpType = 'C'
	OpUpdate      OpType = 'U'
	OpDelete      OpType = 'D'
	OpCreateLink  OpType = 'L'
	OpDeleteLink  OpType = 'l'
	OpAppend      OpType = 'A'
	OpModify      OpType = 'M'
	OpTruncate    OpType = 'T'
	OpRename      OpType = 'R'

	// Trunk-space allocation ops, used only by the trunk binlog sub-
	// engine's own, independently replicated binlog, never mixed with
	// object records above.
	OpAddSpace OpType = 'S'
	OpDelSpace OpType = 's'
)

// Record is one line of a storage node's local binlog: a monotonic
// timestamp, an op type, the node that originated the write, the
// logical filename and optional op-specific extra data (e.g. the
// offset/length pair APPEND and MODIFY need).
type Record struct {
	Timestamp int64
	Op        OpType
	SourceID  string
	Filename  string
	Extra     string
}

// fieldSep separates a record's fields; recSep terminates a record.
// Filenames never contain fieldSep because upload-generated names are
// base64/hex and client-supplied slave-file suffixes are validated
// against it at upload time.
const (
	fieldSep = " "
	recSep   = "\n"
)

// Marshal renders r as one fixed-format text line, newline terminated,
// ready to append to a binlog segment.
func (r Record) Marshal() []byte {
	line := fmt.Sprintf("%d%s%c%s%s%s%s", r.Timestamp, fieldSep, r.Op, fieldSep, r.SourceID, fieldSep, r.Filename)
	if r.Extra != "" {
		line += fieldSep + r.Extra
	}
	return []byte(line + recSep)
}

// ParseRecord parses one line (without its trailing newline) back into
// a Record.
func ParseRecord(line string) (Record, error) {
	parts := strings.SplitN(line, fieldSep, 5)
	if len(parts) < 4 {
		return Record{}, errors.Errorf("binlog: malformed record %q", line)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Record{}, errors.Annotatef(err, "binlog: bad timestamp in %q", line)
	}
	if len(parts[1]) != 1 {
		return Record{}, errors.Errorf("binlog: bad op in %q", line)
	}

	r := Record{
		Timestamp: ts,
		Op:        OpType(parts[1][0]),
		SourceID:  parts[2],
		Filename:  parts[3],
	}
	if len(parts) == 5 {
		r.Extra = parts[4]
	}
	return r, nil
}
