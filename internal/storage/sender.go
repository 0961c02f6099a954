package storage

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/ngaut/log"
	"golang.org/x/sync/errgroup"

	"github.com/happyfish100/fastdfs-sub015/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub015/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
	"github.com/happyfish100/fastdfs-sub015/pkg/ratelimit"
)

// Peer is the replication target a Sender pushes records to.
type Peer struct {
	ID       string // storage_id or ip_addr, whichever this group keys peers by
	Addr     string // host:port of the peer's storage-storage listener
	GroupDir string // group name, carried in SYNC frames
}

// SyncSend is the narrow interface a Sender needs from the connection
// pool: send a SYNC command frame and wait for the peer's status reply.
type SyncSend func(peer Peer, cmd byte, body []byte) (status byte, err error)

// FrameBuilder translates a binlog record plus the referenced file's
// current bytes into a SYNC command + body. Kept as an injected
// function so the command-handler package (which owns file I/O and the
// fixed-width body layout) supplies the encoding without this package
// importing it back.
type FrameBuilder func(rec binlog.Record) (cmd byte, body []byte, err error)

// Sender is the independent per-peer worker that tails the local
// binlog, skips self-sourced and already-synced records, translates
// and sends, advances the mark on success, and backs off on retryable
// failure. Grounded on the teacher's drainer/sync/flash.go
// (FlashSyncer.Sync's record-by-record apply loop), adapted from a
// pull-stream consumer to a push sender over our own SYNC frames.
type Sender struct {
	Peer   Peer
	Binlog binlog.Binlogger
	Mark   *Mark
	Send   SyncSend
	Build  FrameBuilder

	// LastSyncedTimestamp returns the floor below which this peer has
	// already confirmed records (learned from its heartbeats, per step
	// 2); records at or before it are skipped without resending.
	LastSyncedTimestamp func() int64

	// CatchUpUntil is non-zero during a sync-from-source handshake: the
	// sender replays from offset 0 until it passes a record whose
	// timestamp exceeds this cutoff, then switches to tail-mode.
	CatchUpUntil int64

	backoff *ratelimit.Backoff
	latency *metrics.PeerLatency
}

// NewSender returns a Sender ready to Run.
func NewSender(peer Peer, bl binlog.Binlogger, mark *Mark, send SyncSend, build FrameBuilder, lastSynced func() int64) *Sender {
	b := ratelimit.NewBackoff(10*time.Millisecond, 30*time.Second)
	return &Sender{
		Peer:                 peer,
		Binlog:               bl,
		Mark:                 mark,
		Send:                 send,
		Build:                build,
		LastSyncedTimestamp:  lastSynced,
		backoff:              &b,
		latency:              metrics.NewPeerLatency(),
	}
}

// Run drives the tail/send/advance loop until ctx is cancelled, at
// which point it flushes its mark and returns (the caller's context
// deadline enforces a bounded shutdown grace period).
func (s *Sender) Run(ctx context.Context) error {
	from := s.Mark.Pos()
	if s.CatchUpUntil != 0 {
		from = binlog.Pos{}
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(s.Mark.Flush())
		default:
		}

		pos, err := s.Binlog.Walk(ctx, from, func(rec binlog.Record, at binlog.Pos) error {
			return s.sendOne(rec, at)
		})
		from = pos

		if err != nil {
			if proto.IsRetryable(err) {
				d := s.backoff.Delay(attempt)
				attempt++
				metrics.SyncErrors.WithLabelValues(s.Peer.ID, "retryable").Inc()
				log.Warnf("storage: sender to %s retrying in %s: %v", s.Peer.ID, d, err)
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return errors.Trace(s.Mark.Flush())
				}
				continue
			}
			metrics.SyncErrors.WithLabelValues(s.Peer.ID, "fatal").Inc()
			return errors.Trace(err)
		}
		attempt = 0

		select {
		case <-ctx.Done():
			return errors.Trace(s.Mark.Flush())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Sender) sendOne(rec binlog.Record, at binlog.Pos) error {
	if rec.SourceID == s.Peer.ID {
		return s.advance(at)
	}
	if floor := s.LastSyncedTimestamp(); floor != 0 && rec.Timestamp <= floor {
		return s.advance(at)
	}

	cmd, body, err := s.Build(rec)
	if err != nil {
		return proto.NewError(proto.KindFatal, err)
	}

	start := time.Now()
	status, err := s.Send(s.Peer, cmd, body)
	s.latency.Observe(time.Since(start))

	if err != nil {
		return err // network errors are already proto.Errors with KindNetwork
	}

	if status != proto.StatusOK {
		if status == proto.StatusNoEnt && rec.Op == binlog.OpDelete {
			// harmless: peer never had the file; log and advance anyway.
			log.Infof("storage: peer %s missing file for delete %s, advancing anyway", s.Peer.ID, rec.Filename)
			return s.advance(at)
		}
		return proto.NewError(proto.KindNetwork, errors.Errorf("storage: peer %s replied status %d for %s", s.Peer.ID, status, rec.Filename))
	}

	if s.CatchUpUntil != 0 && rec.Timestamp > s.CatchUpUntil {
		s.CatchUpUntil = 0 // switch to tail-mode
		log.Infof("storage: sender to %s finished catch-up replay, switching to tail mode", s.Peer.ID)
	}

	return s.advance(at)
}

func (s *Sender) advance(at binlog.Pos) error {
	if err := s.Mark.Advance(at); err != nil {
		return proto.NewError(proto.KindFatal, err)
	}
	return nil
}

// peerSender pairs a running sender's cancel func with the errgroup
// tracking its single goroutine, so Stop can cancel and wait on exactly
// that peer without disturbing siblings.
type peerSender struct {
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// Group supervises one Sender goroutine per current group member, one
// errgroup per membership, so a peer-set change (join/leave) cancels
// and restarts exactly the affected sender without disturbing
// siblings. Grounded on the teacher's
// golang.org/x/sync/errgroup-supervised goroutine lifecycle used at
// pump/drainer startup, generalized from one errgroup for the whole
// pipeline to one per peer so membership changes stay independent.
type Group struct {
	mu    sync.Mutex
	peers map[string]*peerSender
}

// NewGroup returns an empty sender supervisor.
func NewGroup() *Group {
	return &Group{peers: make(map[string]*peerSender)}
}

// Start launches a sender for peer.ID if one isn't already running.
func (g *Group) Start(parent context.Context, peer Peer, newSender func() *Sender) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.peers[peer.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	eg, egCtx := errgroup.WithContext(ctx)
	g.peers[peer.ID] = &peerSender{cancel: cancel, eg: eg}

	eg.Go(func() error {
		if err := newSender().Run(egCtx); err != nil {
			log.Errorf("storage: sender to %s exited: %v", peer.ID, err)
			return err
		}
		return nil
	})
}

// Stop cancels and waits for the sender to peerID, if running.
func (g *Group) Stop(peerID string) {
	g.mu.Lock()
	ps, ok := g.peers[peerID]
	if ok {
		delete(g.peers, peerID)
	}
	g.mu.Unlock()
	if ok {
		ps.cancel()
		ps.eg.Wait()
	}
}

// StopAll cancels every running sender and waits for them to return,
// giving the current in-flight record a bounded grace period.
func (g *Group) StopAll(grace time.Duration) {
	g.mu.Lock()
	peers := g.peers
	g.peers = make(map[string]*peerSender)
	g.mu.Unlock()

	for _, ps := range peers {
		ps.cancel()
	}

	done := make(chan struct{})
	go func() {
		for _, ps := range peers {
			ps.eg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warnf("storage: sender group shutdown grace period (%s) exceeded", grace)
	}
}
