// Package trunk implements the optional trunk binlog sub-engine:
// trunk-space allocations (ADD_SPACE/DEL_SPACE)
// recorded in their own binlog, replicated among trunk servers
// independently of the object binlog, with a two-phase apply→commit
// compaction that lets a compacted form replace the live file while
// readers stay active. Grounded on pump/proxy_binlogger.go's dual-
// backend Binlogger with a switchable active backend: the roles here
// are "live" (the append-only trunk binlog) and "compacted" (the
// in-progress rewrite), switched over by Commit instead of proxy's
// master-failure switch.
package trunk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/happyfish100/fastdfs-sub015/pkg/binlog"
)

// Allocation is one trunk file's current space reservation.
type Allocation struct {
	FileID string
	Offset int64
	Length int64
}

// Engine is one trunk server's space-allocation binlog. The daemons in
// cmd/ do not open one, and trunk_enabled is not consulted here.
type Engine struct {
	mu   sync.RWMutex
	dir  string
	live binlog.Binlogger
}

// Open loads or creates the trunk binlog under dir.
func Open(dir string) (*Engine, error) {
	bl, err := binlog.OpenOrCreate(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{dir: dir, live: bl}, nil
}

// Close closes the current live backend.
func (e *Engine) Close() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live.Close()
}

// AddSpace appends an ADD_SPACE record for a newly reserved trunk
// region.
func (e *Engine) AddSpace(fileID string, offset, length int64, sourceID string) error {
	return e.append(binlog.OpAddSpace, fileID, offset, length, sourceID)
}

// DelSpace appends a DEL_SPACE record releasing a previously reserved
// trunk region.
func (e *Engine) DelSpace(fileID string, sourceID string) error {
	return e.append(binlog.OpDelSpace, fileID, 0, 0, sourceID)
}

func (e *Engine) append(op binlog.OpType, fileID string, offset, length int64, sourceID string) error {
	e.mu.RLock()
	live := e.live
	e.mu.RUnlock()

	rec := binlog.Record{
		Op:       op,
		SourceID: sourceID,
		Filename: fileID,
		Extra:    fmt.Sprintf("%d,%d", offset, length),
	}
	return errors.Trace(live.Append(rec))
}

// Walk tails the trunk binlog like any object binlog, for a trunk
// server's own per-peer sender.
func (e *Engine) Walk(ctx context.Context, from binlog.Pos, fn func(binlog.Record, binlog.Pos) error) (binlog.Pos, error) {
	e.mu.RLock()
	live := e.live
	e.mu.RUnlock()
	return live.Walk(ctx, from, fn)
}

// Tail returns the trunk binlog's current write position.
func (e *Engine) Tail() binlog.Pos {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.live.Tail()
}

// GC forwards to the live backend's segment GC.
func (e *Engine) GC(keepSince time.Duration, minSuffix uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.live.GC(keepSince, minSuffix)
}
