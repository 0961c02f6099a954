package storage

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/happyfish100/fastdfs-sub015/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub015/pkg/metastore"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

// Service wires a node's store Paths, its metadata store and its
// incoming sync-from-peer application onto the wire commands the
// storage role exposes. Kept free of any transport type beyond
// proto.Frame and net.Addr so it composes with pkg/conn.Server.
type Service struct {
	GroupName  string
	Paths      []*Path
	Meta       *metastore.Store
	roundRobin int

	// CatchUps tracks an in-progress sync-from-source handshake per
	// source storage ID, so applied sync records can advance the
	// matching CatchUp.
	CatchUps map[string]*CatchUp
}

// NewService returns a Service over the given store paths and metadata
// store.
func NewService(groupName string, paths []*Path, meta *metastore.Store) *Service {
	return &Service{GroupName: groupName, Paths: paths, Meta: meta, CatchUps: make(map[string]*CatchUp)}
}

func (svc *Service) pathFor(rel string) (*Path, error) {
	if len(rel) < 1 || rel[0] != 'M' {
		return nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("storage: malformed filename %q", rel))
	}
	slash := strings.IndexByte(rel, '/')
	if slash < 2 {
		return nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("storage: malformed filename %q", rel))
	}
	idx, err := strconv.Atoi(rel[1:slash])
	if err != nil {
		return nil, proto.NewError(proto.KindInvalidArgument, errors.Annotatef(err, "storage: malformed path index in %q", rel))
	}
	for _, p := range svc.Paths {
		if p.Index == idx {
			return p, nil
		}
	}
	return nil, proto.NewError(proto.KindNotFound, errors.Errorf("storage: no local path index %d", idx))
}

func (svc *Service) nextPath() *Path {
	p := svc.Paths[svc.roundRobin%len(svc.Paths)]
	svc.roundRobin++
	return p
}

// HandleUpload serves UPLOAD_FILE: ext_name(6) size(8,BE) data(rest).
// Replies with the group/filename file ID as the raw response body.
func (svc *Service) HandleUpload(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	const hdrLen = proto.ExtNameLen + 8
	if len(req.Body) < hdrLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.New("storage: upload body too short"))
	}
	ext := proto.GetFixed(req.Body[:proto.ExtNameLen])
	size := int64(proto.GetUint64(req.Body[proto.ExtNameLen:hdrLen]))
	data := req.Body[hdrLen:]
	if int64(len(data)) != size {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("storage: upload declared size %d, got %d", size, len(data)))
	}

	p := svc.nextPath()
	rel, err := p.GenerateFilename(size, ext)
	if err != nil {
		return 0, nil, proto.NewError(proto.KindFatal, err)
	}
	if err := p.WriteLocal(rel, data, binlog.OpCreate, p.LocalIP, ""); err != nil {
		return 0, nil, err
	}

	return proto.StatusOK, []byte(proto.JoinFileID(svc.GroupName, rel)), nil
}

// HandleDownload serves DOWNLOAD_FILE: the remote filename as the raw
// request body. Replies with the file's bytes.
func (svc *Service) HandleDownload(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	rel := string(req.Body)
	p, err := svc.pathFor(rel)
	if err != nil {
		return 0, nil, err
	}
	data, err := p.ReadLocal(rel)
	if err != nil {
		return 0, nil, err
	}
	return proto.StatusOK, data, nil
}

// HandleDelete serves DELETE_FILE: the remote filename as the raw
// request body.
func (svc *Service) HandleDelete(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	rel := string(req.Body)
	p, err := svc.pathFor(rel)
	if err != nil {
		return 0, nil, err
	}
	if err := p.DeleteLocal(rel, p.LocalIP); err != nil {
		return 0, nil, err
	}
	return proto.StatusOK, nil, nil
}

// HandleGetMeta serves GET_METADATA: the remote filename as the raw
// request body. Replies with the encoded metadata blob.
func (svc *Service) HandleGetMeta(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	rel := string(req.Body)
	p, err := svc.pathFor(rel)
	if err != nil {
		return 0, nil, err
	}
	m, err := svc.Meta.Get(byte(p.Index), rel)
	if err != nil {
		return 0, nil, err
	}
	return proto.StatusOK, proto.EncodeMetadata(m), nil
}

// HandleSetMeta serves SET_METADATA: flag(1, 'O'=overwrite 'M'=merge)
// filename_len(8,BE) filename metadata-blob(rest).
func (svc *Service) HandleSetMeta(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	const hdrLen = 1 + 8
	if len(req.Body) < hdrLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.New("storage: set-meta body too short"))
	}
	flag := req.Body[0]
	nameLen := int(proto.GetUint64(req.Body[1:hdrLen]))
	if len(req.Body) < hdrLen+nameLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.New("storage: set-meta body truncated"))
	}
	rel := string(req.Body[hdrLen : hdrLen+nameLen])
	overlay, err := proto.DecodeMetadata(req.Body[hdrLen+nameLen:])
	if err != nil {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, err)
	}

	p, err := svc.pathFor(rel)
	if err != nil {
		return 0, nil, err
	}

	final := overlay
	if flag == 'M' {
		existing, err := svc.Meta.Get(byte(p.Index), rel)
		if err != nil && proto.CauseKind(err) != proto.KindNotFound {
			return 0, nil, err
		}
		final = proto.MergeMetadata(existing, overlay)
	}
	if err := svc.Meta.Set(byte(p.Index), rel, final); err != nil {
		return 0, nil, err
	}

	rec := binlog.Record{Timestamp: time.Now().Unix(), Op: binlog.OpModify, SourceID: p.LocalIP, Filename: rel}
	if err := p.Binlogger().Append(rec); err != nil {
		return 0, nil, proto.NewError(proto.KindFatal, err)
	}
	return proto.StatusOK, nil, nil
}

// syncOpForCmd maps a STORAGE_PROTO_CMD_SYNC_* command to its OpType.
var syncOpForCmd = map[byte]binlog.OpType{
	proto.CmdSyncCreateFile: binlog.OpCreate,
	proto.CmdSyncDeleteFile: binlog.OpDelete,
	proto.CmdSyncUpdateFile: binlog.OpUpdate,
	proto.CmdSyncAppendFile: binlog.OpAppend,
	proto.CmdSyncModifyFile: binlog.OpModify,
	proto.CmdSyncTruncate:   binlog.OpTruncate,
	proto.CmdSyncCreateLink: binlog.OpCreateLink,
	proto.CmdSyncDeleteLink: binlog.OpDeleteLink,
}

// cmdForSyncOp is syncOpForCmd inverted, used by BuildSyncFrame to pick
// the wire command a binlog record replays as.
var cmdForSyncOp = map[binlog.OpType]byte{
	binlog.OpCreate:     proto.CmdSyncCreateFile,
	binlog.OpDelete:     proto.CmdSyncDeleteFile,
	binlog.OpUpdate:     proto.CmdSyncUpdateFile,
	binlog.OpAppend:     proto.CmdSyncAppendFile,
	binlog.OpModify:     proto.CmdSyncModifyFile,
	binlog.OpTruncate:   proto.CmdSyncTruncate,
	binlog.OpCreateLink: proto.CmdSyncCreateLink,
	binlog.OpDeleteLink: proto.CmdSyncDeleteLink,
}

// opCarriesData reports whether rec's op ships file bytes in the SYNC
// body, as opposed to a bare filename (deletes, link ops).
func opCarriesData(op binlog.OpType) bool {
	switch op {
	case binlog.OpDelete, binlog.OpDeleteLink:
		return false
	default:
		return true
	}
}

// BuildSyncFrame implements Sender's FrameBuilder: it reads rec's
// referenced file (for ops that carry content) and encodes the SYNC
// body as timestamp(8,BE) source_id(16) filename_len(8,BE) filename
// [data...], the layout HandleSync decodes on the receiving peer.
func (svc *Service) BuildSyncFrame(rec binlog.Record) (byte, []byte, error) {
	cmd, ok := cmdForSyncOp[rec.Op]
	if !ok {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("storage: no sync command for op %q", rec.Op))
	}

	var data []byte
	if opCarriesData(rec.Op) {
		p, err := svc.pathFor(rec.Filename)
		if err != nil {
			return 0, nil, err
		}
		data, err = p.ReadLocal(rec.Filename)
		if err != nil {
			return 0, nil, err
		}
	}

	body := make([]byte, 8+proto.IPAddrLen+8+len(rec.Filename)+len(data))
	off := 0
	proto.PutUint64(body[off:off+8], uint64(rec.Timestamp))
	off += 8
	proto.PutFixed(body[off:off+proto.IPAddrLen], rec.SourceID, proto.IPAddrLen)
	off += proto.IPAddrLen
	proto.PutUint64(body[off:off+8], uint64(len(rec.Filename)))
	off += 8
	off += copy(body[off:], rec.Filename)
	copy(body[off:], data)

	return cmd, body, nil
}

// HandleSync serves every STORAGE_PROTO_CMD_SYNC_* command: the body is
// timestamp(8,BE) source_id(16) filename_len(8,BE) filename [data...],
// data present only for ops that carry file content. It applies the
// op locally and, if a catch-up handshake is tracking source_id,
// advances it.
func (svc *Service) HandleSync(ctx context.Context, peer net.Addr, req proto.Frame) (byte, []byte, error) {
	op, known := syncOpForCmd[req.Header.Cmd]
	if !known && req.Header.Cmd != proto.CmdSyncSetMeta {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.Errorf("storage: unknown sync cmd %d", req.Header.Cmd))
	}

	const hdrLen = 8 + proto.IPAddrLen + 8
	if len(req.Body) < hdrLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.New("storage: sync body too short"))
	}
	ts := int64(proto.GetUint64(req.Body[:8]))
	sourceID := proto.GetFixed(req.Body[8 : 8+proto.IPAddrLen])
	nameLen := int(proto.GetUint64(req.Body[8+proto.IPAddrLen : hdrLen]))
	if len(req.Body) < hdrLen+nameLen {
		return 0, nil, proto.NewError(proto.KindInvalidArgument, errors.New("storage: sync body truncated"))
	}
	rel := string(req.Body[hdrLen : hdrLen+nameLen])
	data := req.Body[hdrLen+nameLen:]

	p, err := svc.pathFor(rel)
	if err != nil {
		if proto.CauseKind(err) == proto.KindNotFound {
			// unknown path index on this node: treat as harmless, the
			// peer simply never had the file.
			return proto.StatusOK, nil, nil
		}
		return 0, nil, err
	}

	if req.Header.Cmd == proto.CmdSyncSetMeta {
		m, derr := proto.DecodeMetadata(data)
		if derr != nil {
			return 0, nil, proto.NewError(proto.KindInvalidArgument, derr)
		}
		if err := svc.Meta.Set(byte(p.Index), rel, m); err != nil {
			return 0, nil, err
		}
	} else {
		switch op {
		case binlog.OpDelete, binlog.OpDeleteLink:
			err = p.DeleteLocal(rel, sourceID)
		default:
			err = p.WriteLocal(rel, data, op, sourceID, "")
		}
		if err != nil {
			return 0, nil, err
		}
	}

	if cu, ok := svc.CatchUps[sourceID]; ok {
		cu.Applied(ts)
	}
	return proto.StatusOK, nil, nil
}
