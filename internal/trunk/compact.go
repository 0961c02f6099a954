package trunk

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/happyfish100/fastdfs-sub015/pkg/binlog"
)

// errStopApply is a sentinel fn-return used only to stop Walk at a
// specific cutoff position without treating that stop as a failure.
var errStopApply = errors.New("trunk: apply cutoff reached")

// checkpoint pairs a position in the live binlog with the
// corresponding position in the compacted rewrite, recorded while
// CatchUp copies records appended after Apply's snapshot — the
// machinery TranslatePos uses to relocate a peer's mark-file cursor.
type checkpoint struct {
	live      binlog.Pos
	compacted binlog.Pos
}

// Compaction is an in-progress apply phase: a rewrite of every
// currently-allocated trunk region into a fresh, smaller binlog, built
// without pausing the live binlog's appends, so a compacted form can
// replace the trunk binlog while readers stay active.
type Compaction struct {
	e *Engine

	applyCutoff  binlog.Pos // live position at the moment Apply snapshotted state
	applyEndPos  binlog.Pos // compacted position right after the coalesced rewrite
	finalCutoff  binlog.Pos // live position at the moment Commit caught up
	checkpoints  []checkpoint
	compacted    binlog.Binlogger
	committed    bool
}

// Apply replays e's live binlog from the start up to its current tail
// (the "apply cutoff"), coalescing ADD_SPACE/DEL_SPACE pairs into the
// surviving set of allocations, and writes that set as a fresh binlog
// under dir. This is the "apply" half of the two-phase sequence;
// Commit performs the "commit" half once per-peer cursors have been
// translated.
func (e *Engine) Apply(ctx context.Context, dir string) (*Compaction, error) {
	e.mu.RLock()
	cutoff := e.live.Tail()
	live := e.live
	e.mu.RUnlock()

	alive, err := replayAllocations(ctx, live, binlog.Pos{}, cutoff)
	if err != nil {
		return nil, err
	}

	compacted, err := binlog.OpenOrCreate(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, a := range alive {
		rec := binlog.Record{Op: binlog.OpAddSpace, SourceID: "compaction", Filename: a.FileID, Extra: fmt.Sprintf("%d,%d", a.Offset, a.Length)}
		if err := compacted.Append(rec); err != nil {
			compacted.Close()
			return nil, errors.Trace(err)
		}
	}

	return &Compaction{
		e:           e,
		applyCutoff: cutoff,
		applyEndPos: compacted.Tail(),
		compacted:   compacted,
	}, nil
}

// replayAllocations walks live from start up to and including upto,
// coalescing ADD_SPACE/DEL_SPACE into the surviving allocation set.
func replayAllocations(ctx context.Context, live binlog.Binlogger, start, upto binlog.Pos) (map[string]Allocation, error) {
	alive := make(map[string]Allocation)
	_, err := live.Walk(ctx, start, func(rec binlog.Record, at binlog.Pos) error {
		if posAfter(at, upto) {
			return errStopApply
		}
		switch rec.Op {
		case binlog.OpAddSpace:
			var off, length int64
			if _, serr := fmt.Sscanf(rec.Extra, "%d,%d", &off, &length); serr != nil {
				return errors.Annotatef(serr, "trunk: bad ADD_SPACE extra %q", rec.Extra)
			}
			alive[rec.Filename] = Allocation{FileID: rec.Filename, Offset: off, Length: length}
		case binlog.OpDelSpace:
			delete(alive, rec.Filename)
		}
		return nil
	})
	if err != nil && errors.Cause(err) != errStopApply {
		return nil, errors.Trace(err)
	}
	return alive, nil
}

func posAfter(a, b binlog.Pos) bool {
	if a.Suffix != b.Suffix {
		return a.Suffix > b.Suffix
	}
	return a.Offset > b.Offset
}

// CatchUp copies every live record appended since Apply's snapshot
// into the compacted rewrite verbatim, recording a checkpoint after
// each so a cursor anywhere in that range can be relocated precisely.
// Call this immediately before Commit, possibly more than once if
// appends keep arriving faster than the catch-up can copy them — each
// call narrows the remaining gap.
func (c *Compaction) CatchUp(ctx context.Context) error {
	c.e.mu.RLock()
	live := c.e.live
	newCutoff := live.Tail()
	c.e.mu.RUnlock()

	from := c.applyCutoff
	if len(c.checkpoints) > 0 {
		from = c.checkpoints[len(c.checkpoints)-1].live
	}

	_, err := live.Walk(ctx, from, func(rec binlog.Record, at binlog.Pos) error {
		if posAfter(at, newCutoff) {
			return errStopApply
		}
		if err := c.compacted.Append(rec); err != nil {
			return errors.Trace(err)
		}
		c.checkpoints = append(c.checkpoints, checkpoint{live: at, compacted: c.compacted.Tail()})
		return nil
	})
	if err != nil && errors.Cause(err) != errStopApply {
		return errors.Trace(err)
	}
	c.finalCutoff = newCutoff
	return nil
}

// TranslatePos relocates a peer's live-binlog cursor into the
// equivalent compacted-binlog position: a cursor at or before the
// apply cutoff already reflects every record folded into the rewrite,
// so it resumes right after the coalesced set; a cursor within the
// catch-up range resumes at the nearest copied checkpoint at or before
// it; a cursor beyond everything copied so far resumes at the
// compacted tail (Commit's caller must CatchUp until no such cursors
// remain before calling Commit — a peer must never see a mix of live-
// and compacted-binlog positions).
func (c *Compaction) TranslatePos(old binlog.Pos) binlog.Pos {
	if !posAfter(old, c.applyCutoff) {
		return c.applyEndPos
	}
	best := c.applyEndPos
	for _, cp := range c.checkpoints {
		if posAfter(cp.live, old) {
			break
		}
		best = cp.compacted
	}
	return best
}

// Pending reports whether any outstanding live records still haven't
// been copied into the compacted rewrite — Commit must not run while
// this is true.
func (c *Compaction) Pending() bool {
	c.e.mu.RLock()
	tail := c.e.live.Tail()
	c.e.mu.RUnlock()
	return posAfter(tail, c.finalCutoff)
}

// Commit swaps the compacted rewrite in as the engine's live backend.
// Callers must have already translated and durably flushed every
// per-peer mark file via TranslatePos before calling this, and must
// not call it while Pending reports true. The previous live backend is
// left untouched (not closed, not removed) so any reader still holding
// an open file from before the swap keeps reading it to EOF
// undisturbed — compaction's on-disk reclaim happens later via the new
// live backend's own GC, never by deleting out from under a reader.
func (c *Compaction) Commit() error {
	if c.committed {
		return errors.New("trunk: compaction already committed")
	}
	c.e.mu.Lock()
	defer c.e.mu.Unlock()

	c.e.live = c.compacted
	c.committed = true
	return nil
}
