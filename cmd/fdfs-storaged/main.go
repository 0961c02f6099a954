// Command fdfs-storaged runs the storage role (C4): local object
// write/read/delete, per-file metadata, and replication to every other
// member of its group over the binlog-tailing Sender. Grounded on
// cmd/drainer/main.go's parse/InitLogger/signal-handling shape and
// pump/server.go's listener-plus-background-loop startup in the
// teacher.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/ngaut/log"

	"github.com/happyfish100/fastdfs-sub015/internal/storage"
	"github.com/happyfish100/fastdfs-sub015/pkg/config"
	"github.com/happyfish100/fastdfs-sub015/pkg/conn"
	"github.com/happyfish100/fastdfs-sub015/pkg/fileutil"
	"github.com/happyfish100/fastdfs-sub015/pkg/metastore"
	"github.com/happyfish100/fastdfs-sub015/pkg/netutil"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	rand.Seed(time.Now().UTC().UnixNano())

	cfg := config.NewStorageConfig()
	if err := cfg.Parse(os.Args[1:]); err != nil {
		log.Fatalf("verifying flags error, see 'fdfs-storaged --help'. %s", errors.ErrorStack(err))
	}
	cfg.InitLogger()
	log.Infof("use config: %s", cfg.String())

	if err := run(cfg); err != nil {
		log.Fatalf("fdfs-storaged: %s", errors.ErrorStack(err))
	}
}

func run(cfg *config.StorageConfig) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Trace(err)
	}

	localIP, err := netutil.DefaultIP()
	if err != nil {
		log.Warnf("fdfs-storaged: %v", err)
	}

	paths := make([]*storage.Path, 0, len(cfg.StorePaths))
	for i, root := range cfg.StorePaths {
		if err := os.MkdirAll(root, 0755); err != nil {
			return errors.Trace(err)
		}
		p, err := storage.OpenPath(i, root, cfg.SubdirCountPerPath, localIP)
		if err != nil {
			return errors.Trace(err)
		}
		defer p.Close()
		paths = append(paths, p)

		if free, ferr := fileutil.FreeSpaceMB(root); ferr == nil {
			log.Infof("fdfs-storaged: store path %d %s, %s free", i, root, humanize.IBytes(uint64(free)*1024*1024))
		}
	}

	metaPath := cfg.MetaStorePath
	if !filepath.IsAbs(metaPath) {
		metaPath = filepath.Join(cfg.DataDir, metaPath)
	}
	meta, err := metastore.Open(metaPath, byte(len(paths)))
	if err != nil {
		return errors.Trace(err)
	}
	defer meta.Close()

	svc := storage.NewService(cfg.GroupName, paths, meta)

	storagePort := cfg.StoragePort
	if storagePort == 0 {
		storagePort = cfg.Port
	}
	addr := cfg.BindAddr + ":" + strconv.Itoa(cfg.Port)
	server := conn.NewServer(addr, cfg.NetworkTimeout)
	server.Handle(proto.CmdUploadFile, svc.HandleUpload)
	server.Handle(proto.CmdDownloadFile, svc.HandleDownload)
	server.Handle(proto.CmdDeleteFile, svc.HandleDelete)
	server.Handle(proto.CmdGetMetaData, svc.HandleGetMeta)
	server.Handle(proto.CmdSetMetaData, svc.HandleSetMeta)
	for _, cmd := range []byte{
		proto.CmdSyncCreateFile, proto.CmdSyncDeleteFile, proto.CmdSyncUpdateFile,
		proto.CmdSyncAppendFile, proto.CmdSyncModifyFile, proto.CmdSyncTruncate,
		proto.CmdSyncCreateLink, proto.CmdSyncDeleteLink, proto.CmdSyncSetMeta,
	} {
		server.Handle(cmd, svc.HandleSync)
	}

	pool := conn.NewPool(cfg.ConnectTimeout, cfg.NetworkTimeout, cfg.ConnectionPoolIdleTime, cfg.ConnectionPoolMaxIdle)
	defer pool.Close()

	mem := &membership{
		cfg: cfg, pool: pool, svc: svc, paths: paths, localIP: localIP,
		storagePort: storagePort, senders: storage.NewGroup(),
		marksDir: filepath.Join(cfg.DataDir, "sync"),
	}
	if err := os.MkdirAll(mem.marksDir, 0755); err != nil {
		return errors.Trace(err)
	}

	stop := make(chan struct{})
	go mem.joinAndHeartbeatLoop(stop)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Infof("got signal [%d] to exit.", sig)
		close(stop)
		mem.senders.StopAll(cfg.NetworkTimeout)
		server.Close()
		os.Exit(0)
	}()

	log.Infof("fdfs-storaged listening on %s, group %s", addr, cfg.GroupName)
	return server.Serve()
}

// membership owns this node's tracker join/heartbeat RPCs and the
// storage.Group of per-peer-per-path senders that heartbeat diffs
// start and stop.
type membership struct {
	cfg         *config.StorageConfig
	pool        *conn.Pool
	svc         *storage.Service
	paths       []*storage.Path
	localIP     string
	storagePort int
	senders     *storage.Group
	marksDir    string

	mu     sync.Mutex
	active map[string]bool // peer IP -> currently has senders running
}

// joinAndHeartbeatLoop registers this node with its tracker and
// periodically reports free space per path, starting or stopping
// per-peer senders as the tracker's heartbeat reply reports group
// membership changes (the STORAGE_JOIN/STORAGE_BEAT exchange).
// Grounded on the teacher's pump-to-tracker-equivalent periodic status
// push (pump's etcd heartbeat key refresh in pump/server.go), adapted
// to this protocol's fixed-width request bodies.
func (m *membership) joinAndHeartbeatLoop(stop chan struct{}) {
	if len(m.cfg.TrackerServers) == 0 {
		log.Warnf("fdfs-storaged: no tracker_server configured, running standalone")
		return
	}
	tracker := m.cfg.TrackerServers[0]
	m.active = make(map[string]bool)

	err := netutil.RetryOnError(m.cfg.RetryCount, time.Second, "fdfs-storaged: join tracker "+tracker, func() error {
		return joinTracker(m.pool, tracker, m.cfg, m.storagePort)
	})
	if err != nil {
		log.Errorf("fdfs-storaged: giving up joining tracker %s: %v", tracker, err)
	}

	var lastChangeCount int64
	ticker := time.NewTicker(m.cfg.SyncLogBuffInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			newCount, changes, err := heartbeatTracker(m.pool, tracker, m.cfg, m.paths, lastChangeCount)
			if err != nil {
				log.Warnf("fdfs-storaged: heartbeat to %s: %v", tracker, err)
				continue
			}
			lastChangeCount = newCount
			for _, ch := range changes {
				m.applyPeerChange(ch)
			}
		}
	}
}

// peerChange mirrors the status+ip pairs STORAGE_BEAT's reply carries.
type peerChange struct {
	status byte
	ip     string
}

// applyPeerChange starts a sender per local store path to a newly
// eligible peer (WAIT_SYNC through ACTIVE: anything worth replicating
// to) and stops any running senders once a peer leaves that range.
func (m *membership) applyPeerChange(ch peerChange) {
	if ch.ip == m.localIP {
		return
	}
	eligible := ch.status >= 1 && ch.status <= 7 && ch.status != 3 && ch.status != 4 // WAIT_SYNC..ACTIVE, excluding IP_CHANGED/DELETED

	m.mu.Lock()
	wasActive := m.active[ch.ip]
	m.active[ch.ip] = eligible
	m.mu.Unlock()

	if eligible && !wasActive {
		m.startSenders(ch.ip)
	} else if !eligible && wasActive {
		m.stopSenders(ch.ip)
	}
}

func (m *membership) startSenders(peerIP string) {
	peerAddr := fmt.Sprintf("%s:%d", peerIP, m.storagePort)
	for _, p := range m.paths {
		path := p
		peerID := fmt.Sprintf("%s#%d", peerIP, path.Index)
		peer := storage.Peer{ID: peerID, Addr: peerAddr, GroupDir: m.cfg.GroupName}
		// the Sender compares Peer.ID with each record's source IP
		syncPeer := storage.Peer{ID: peerIP, Addr: peerAddr, GroupDir: m.cfg.GroupName}

		markPath := filepath.Join(m.marksDir, peerID+".mark")
		mark, err := storage.OpenMark(markPath, m.cfg.MarkFlushRecords, m.cfg.MarkFlushInterval)
		if err != nil {
			log.Errorf("fdfs-storaged: open mark %s: %v", markPath, err)
			continue
		}

		send := func(peer storage.Peer, cmd byte, body []byte) (byte, error) {
			resp, c, err := m.pool.Call(peer.Addr, cmd, body)
			if err != nil {
				return 0, proto.NewError(proto.KindNetwork, err)
			}
			defer c.Release()
			return resp.Header.Status, nil
		}

		m.senders.Start(context.Background(), peer, func() *storage.Sender {
			return storage.NewSender(syncPeer, path.Binlogger(), mark, send, m.svc.BuildSyncFrame, func() int64 { return 0 })
		})
	}
}

func (m *membership) stopSenders(peerIP string) {
	for _, p := range m.paths {
		m.senders.Stop(fmt.Sprintf("%s#%d", peerIP, p.Index))
	}
}

func joinTracker(pool *conn.Pool, trackerAddr string, cfg *config.StorageConfig, storagePort int) error {
	body := make([]byte, proto.GroupNameLen+proto.IPAddrLen+proto.DomainNameLen+proto.VersionLen+8+8+1+1)
	off := 0
	proto.PutFixed(body[off:off+proto.GroupNameLen], cfg.GroupName, proto.GroupNameLen)
	off += proto.GroupNameLen
	localIP, _ := netutil.DefaultIP()
	proto.PutFixed(body[off:off+proto.IPAddrLen], localIP, proto.IPAddrLen)
	off += proto.IPAddrLen
	proto.PutFixed(body[off:off+proto.DomainNameLen], "", proto.DomainNameLen)
	off += proto.DomainNameLen
	proto.PutFixed(body[off:off+proto.VersionLen], "6.12", proto.VersionLen)
	off += proto.VersionLen
	proto.PutUint64(body[off:off+8], uint64(storagePort))
	off += 8
	proto.PutUint64(body[off:off+8], uint64(cfg.StorageHTTPPort))
	off += 8
	body[off] = byte(len(cfg.StorePaths))
	off++
	body[off] = byte(cfg.SubdirCountPerPath)

	resp, c, err := pool.Call(trackerAddr, proto.CmdStorageJoin, body)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK {
		c.Invalidate()
		return errors.Errorf("storage_join rejected, status %d", resp.Header.Status)
	}
	log.Infof("fdfs-storaged: joined tracker %s, group %s", trackerAddr, cfg.GroupName)
	return nil
}

func heartbeatTracker(pool *conn.Pool, trackerAddr string, cfg *config.StorageConfig, paths []*storage.Path, lastChangeCount int64) (int64, []peerChange, error) {
	localIP, _ := netutil.DefaultIP()
	body := make([]byte, proto.GroupNameLen+proto.IPAddrLen+8+1+len(paths)*8)
	off := 0
	proto.PutFixed(body[off:off+proto.GroupNameLen], cfg.GroupName, proto.GroupNameLen)
	off += proto.GroupNameLen
	proto.PutFixed(body[off:off+proto.IPAddrLen], localIP, proto.IPAddrLen)
	off += proto.IPAddrLen
	proto.PutUint64(body[off:off+8], uint64(lastChangeCount))
	off += 8
	body[off] = byte(len(paths))
	off++
	for _, p := range paths {
		free, err := fileutil.FreeSpaceMB(p.Root)
		if err != nil {
			log.Warnf("fdfs-storaged: statfs %s: %v", p.Root, err)
		}
		proto.PutUint64(body[off:off+8], uint64(free))
		off += 8
	}

	resp, c, err := pool.Call(trackerAddr, proto.CmdStorageBeat, body)
	if err != nil {
		return lastChangeCount, nil, errors.Trace(err)
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK || len(resp.Body) < 8 {
		c.Invalidate()
		return lastChangeCount, nil, errors.Errorf("storage_beat rejected, status %d", resp.Header.Status)
	}

	newCount := int64(proto.GetUint64(resp.Body[:8]))
	const entryLen = 1 + proto.IPAddrLen
	var changes []peerChange
	for pos := 8; pos+entryLen <= len(resp.Body); pos += entryLen {
		changes = append(changes, peerChange{
			status: resp.Body[pos],
			ip:     proto.GetFixed(resp.Body[pos+1 : pos+entryLen]),
		})
	}
	return newCount, changes, nil
}
