package core

import (
	"context"
	"testing"
	"time"

	"trustmesh/internal/testutil"
)

func TestShouldCompactModes(t *testing.T) {
	cases := []struct {
		name   string
		policy CompactPolicy
		live   int
		total  int
		bytes  int64
		since  time.Duration
		want   bool
	}{
		{"never", CompactPolicy{Mode: CompactNever}, 1, 100, 1 << 20, time.Hour, false},
		{"modified-dirty", CompactPolicy{Mode: CompactModified}, 1, 2, 0, 0, true},
		{"modified-clean", CompactPolicy{Mode: CompactModified}, 2, 2, 0, 0, false},
		{"timer-due", CompactPolicy{Mode: CompactTimer, Timer: time.Minute}, 1, 1, 0, 2 * time.Minute, true},
		{"timer-not-due", CompactPolicy{Mode: CompactTimer, Timer: time.Minute}, 1, 1, 0, 30 * time.Second, false},
		{"factor-below", CompactPolicy{Mode: CompactFactor, ThresholdFactor: 0.5}, 1, 10, 0, 0, true},
		{"factor-above", CompactPolicy{Mode: CompactFactor, ThresholdFactor: 0.5}, 9, 10, 0, 0, false},
		{"size-over", CompactPolicy{Mode: CompactSize, ThresholdSize: 1024}, 1, 1, 2048, 0, true},
		{"size-under", CompactPolicy{Mode: CompactSize, ThresholdSize: 1024}, 1, 1, 512, 0, false},
		{"factor-or-timer-by-timer", CompactPolicy{Mode: CompactFactorOrTimer, ThresholdFactor: 0.1, Timer: time.Minute}, 9, 10, 0, 2 * time.Minute, true},
		{"size-or-timer-neither", CompactPolicy{Mode: CompactSizeOrTimer, ThresholdSize: 1024, Timer: time.Minute}, 1, 1, 10, 10 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.policy.ShouldCompact(tc.live, tc.total, tc.bytes, tc.since)
			if got != tc.want {
				t.Fatalf("ShouldCompact() = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestCompactPreservesLiveView confirms that compacting a chain does not
// change what a reader observes through the index, per compact.go's
// invariant that compaction never changes the index's observable state.
func TestCompactPreservesLiveView(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	live, _ := NewPrimaryKey()
	deleted, _ := NewPrimaryKey()

	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "compacting", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	d1 := c.DIOMut(session, ScopeFull)
	d1.Store(live, "row", []byte("keep me"), MetaAuthorization{}, nil)
	d1.Store(deleted, "row", []byte("drop me"), MetaAuthorization{}, nil)
	if err := d1.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	d2 := c.DIOMut(session, ScopeFull)
	d2.Delete(deleted)
	if err := d2.Commit(context.Background()); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	if err := c.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	ro := c.DIO(session)
	row, err := ro.Load(context.Background(), live)
	if err != nil || string(row.Payload) != "keep me" {
		t.Fatalf("live key lost after compaction: row=%v err=%v", row, err)
	}
	if ro.Exists(deleted) {
		t.Fatalf("tombstoned key resurrected by compaction")
	}
}

// TestCompactRelocatesSurvivingLeaves covers the case TestCompactPreservesLiveView
// can't: multiple surviving keys whose byte offsets in the compacted log differ
// from their offsets in the original log. Key "a" is overwritten (leaving a stale
// version behind in the old log that compaction drops) and key "c" is written
// between "a"'s two writes and then tombstoned in the commit that also writes "a"'s
// final version and "b"'s only version, so the old log's event order doesn't match
// the new log's. If Compact() failed to update each
// surviving Leaf's RecordLocation, reading through the timeline after compaction
// would resolve to the wrong bytes (or a different key's event) in the new log.
func TestCompactRelocatesSurvivingLeaves(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	session := NewSession(SessionUser)
	keyA, _ := NewPrimaryKey()
	keyB, _ := NewPrimaryKey()
	keyC, _ := NewPrimaryKey()

	c, err := OpenChain(ChainConfig{Dir: sb.Root, Key: "compacting-reloc", Format: FormatMessagePack, Flags: OpenFlagsCreateDistributed()})
	if err != nil {
		t.Fatalf("OpenChain: %v", err)
	}
	defer c.Close()

	d1 := c.DIOMut(session, ScopeFull)
	d1.Store(keyA, "row", []byte("alpha-v1"), MetaAuthorization{}, nil)
	if err := d1.Commit(context.Background()); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	d2 := c.DIOMut(session, ScopeFull)
	d2.Store(keyC, "row", []byte("charlie"), MetaAuthorization{}, nil)
	if err := d2.Commit(context.Background()); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	d3 := c.DIOMut(session, ScopeFull)
	d3.Store(keyA, "row", []byte("alpha-v2"), MetaAuthorization{}, nil)
	d3.Store(keyB, "row", []byte("bravo"), MetaAuthorization{}, nil)
	d3.Delete(keyC)
	if err := d3.Commit(context.Background()); err != nil {
		t.Fatalf("commit 3: %v", err)
	}

	if err := c.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	ro := c.DIO(session)
	rowA, err := ro.Load(context.Background(), keyA)
	if err != nil || string(rowA.Payload) != "alpha-v2" {
		t.Fatalf("key a lost or stale after compaction: row=%v err=%v", rowA, err)
	}
	rowB, err := ro.Load(context.Background(), keyB)
	if err != nil || string(rowB.Payload) != "bravo" {
		t.Fatalf("key b lost after compaction: row=%v err=%v", rowB, err)
	}
	if ro.Exists(keyC) {
		t.Fatalf("tombstoned key c resurrected by compaction")
	}
}
