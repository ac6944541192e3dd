// Compaction: walks a chain's redo log and timeline, keeping only the
// latest non-tombstoned event per key plus referenced public keys, then
// atomically swaps the compacted copy in. No ChainHeader is carried over.
//
// Grounded on core/storage.go's disk-LRU "write new, then evict/replace"
// shape and core/ledger.go's snapshot-then-replace pattern, adapted from
// cache eviction and block snapshotting to log compaction.
package core

import (
	"os"
	"time"
)

// CompactMode selects when a chain should compact its redo log.
type CompactMode uint8

const (
	CompactNever CompactMode = iota
	CompactModified
	CompactTimer
	CompactFactor
	CompactSize
	CompactFactorOrTimer
	CompactSizeOrTimer
)

// CompactPolicy parameterizes a CompactMode.
type CompactPolicy struct {
	Mode           CompactMode
	Timer          time.Duration
	ThresholdFactor float64 // live/total event ratio below which compaction runs
	ThresholdSize   int64   // segment byte size above which compaction runs
}

// ShouldCompact reports whether policy calls for compaction given the
// current live/total event counts, segment size, and time since the last
// compaction.
func (p CompactPolicy) ShouldCompact(liveEvents, totalEvents int, segmentBytes int64, sinceLast time.Duration) bool {
	switch p.Mode {
	case CompactNever:
		return false
	case CompactModified:
		return totalEvents > liveEvents
	case CompactTimer:
		return sinceLast >= p.Timer
	case CompactFactor:
		return factorBelow(liveEvents, totalEvents, p.ThresholdFactor)
	case CompactSize:
		return segmentBytes >= p.ThresholdSize
	case CompactFactorOrTimer:
		return factorBelow(liveEvents, totalEvents, p.ThresholdFactor) || sinceLast >= p.Timer
	case CompactSizeOrTimer:
		return segmentBytes >= p.ThresholdSize || sinceLast >= p.Timer
	default:
		return false
	}
}

func factorBelow(live, total int, factor float64) bool {
	if total == 0 {
		return false
	}
	return float64(live)/float64(total) < factor
}

// Compact rewrites c's redo log to contain only what's observably necessary
// to reproduce the current index: the latest non-tombstoned event per key
// and every still-referenced PublicKey record. Records are appended with a
// zero ChainHeader; the old log's header is not carried over.
// It preserves the invariant that "compaction never changes the observable
// state of the index at the compaction cutoff" by building the replacement
// entirely from the timeline's already-materialized snapshot rather than
// re-validating events through the pipeline.
func (c *Chain) Compact() error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	snapshot := c.timeline.Snapshot()

	tmpDir := c.redoLog.dir
	tmpStem := c.redoLog.stem + ".compacting"
	newLog, err := OpenRedoLog(tmpDir, tmpStem, c.redoLog.format, OpenFlagsCreateDistributed(), nil)
	if err != nil {
		return wrapKind(KindCompact, "open compaction target", err)
	}

	// relocation records where each surviving key landed in newLog, since
	// the synthetic pubkey records prepended below shift every later
	// event's offset relative to where it sat in the old log.
	type relocation struct {
		pk     PrimaryKey
		lookup LogLookup
	}
	relocations := make([]relocation, 0, len(snapshot))

	seenPubKeys := make(map[AteHash]struct{})
	for _, leaf := range snapshot {
		ev, err := c.redoLog.Load(leaf.RecordLocation)
		if err != nil {
			return wrapKind(KindCompact, "load for compaction", err)
		}
		for _, sig := range GetSignatures(ev.Meta) {
			if _, ok := seenPubKeys[sig.PublicKeyHash]; ok {
				continue
			}
			if pub, ok := c.timeline.PublicKeyByHash(sig.PublicKeyHash); ok {
				if _, err := newLog.Append(ChainHeader{}, &Event{Meta: []Meta{MetaPublicKey{Key: pub}}}); err != nil {
					return wrapKind(KindCompact, "compact write pubkey", err)
				}
				seenPubKeys[sig.PublicKeyHash] = struct{}{}
			}
		}
		lookup, err := newLog.Append(ChainHeader{}, ev)
		if err != nil {
			return wrapKind(KindCompact, "compact write event", err)
		}
		relocations = append(relocations, relocation{pk: leaf.PrimaryKey, lookup: lookup})
	}
	if err := newLog.Flush(); err != nil {
		return wrapKind(KindCompact, "compact flush", err)
	}
	if err := newLog.Close(); err != nil {
		return wrapKind(KindCompact, "compact close", err)
	}

	if err := c.redoLog.Close(); err != nil {
		return wrapKind(KindCompact, "close old log", err)
	}
	if !c.redoLog.flags.Temporal {
		oldPath := pathFor(tmpDir, c.redoLog.stem, 0)
		newPath := pathFor(tmpDir, tmpStem, 0)
		if err := os.Rename(newPath, oldPath); err != nil {
			return wrapKind(KindCompact, "swap compacted log", err)
		}
	}

	reopened, err := OpenRedoLog(tmpDir, c.redoLog.stem, c.redoLog.format, OpenFlagsOpenDistributed(), nil)
	if err != nil {
		return wrapKind(KindCompact, "reopen compacted log", err)
	}
	c.redoLog = reopened
	for _, r := range relocations {
		c.timeline.Relocate(r.pk, r.lookup)
	}
	c.lastCompact = time.Now()
	return nil
}
