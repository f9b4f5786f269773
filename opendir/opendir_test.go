package opendir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertprovine/SilverKing/dirdata"
	"github.com/robertprovine/SilverKing/reconciliation"
)

func TestAddEntryKeepsAtMostOneUpdatePerNameAtHighestVersion(t *testing.T) {
	od := New("/a", nil)
	od.AddEntry("x", 1)
	od.AddEntry("x", 3)
	od.AddEntry("x", 2) // stale, ignored

	dd := od.GetDirData(false)
	e, ok := dd.Get("x")
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.Version)
}

func TestGetDirDataClearTrueIsIdempotent(t *testing.T) {
	od := New("/a", nil)
	od.AddEntry("x", 1)

	first := od.GetDirData(true)
	assert.False(t, od.HasPendingUpdates())

	second := od.GetDirData(true)
	assert.True(t, dirdata.Equal(first, second))
	assert.False(t, od.HasPendingUpdates())
}

func TestAddEntryRegistersInReconciliationSet(t *testing.T) {
	rcst := reconciliation.New()
	od := New("/a", nil, WithReconciliationSet(rcst))
	od.AddEntry("x", 1)

	assert.True(t, rcst.Contains("/a"))
	assert.True(t, od.NeedsReconciliation())
}

func TestAddDirDataStaleVersionIsNoOp(t *testing.T) {
	dd := dirdata.FromEntries([]dirdata.Entry{{Name: "x", Version: 1}})
	od := New("/c", dd)
	// Bring ddVersion up to 10 via a real merge first.
	remote := dirdata.FromEntries([]dirdata.Entry{{Name: "y", Version: 10}})
	outcome := od.AddDirData(remote, &Metadata{Version: 10, CreatorID: "other"})
	require.True(t, outcome.Applied)

	before := od.GetDirData(false)
	outcome = od.AddDirData(dirdata.FromEntries([]dirdata.Entry{{Name: "z", Version: 8}}), &Metadata{Version: 8, CreatorID: "other"})
	assert.False(t, outcome.Applied)

	after := od.GetDirData(false)
	assert.True(t, dirdata.Equal(before, after))
}

func TestAddDirDataTriggersWriteBackWhenLocalHasNovelty(t *testing.T) {
	od := New("/a", nil)
	od.AddEntry("z", 2)

	remote := dirdata.FromEntries([]dirdata.Entry{{Name: "x", Version: 1}})
	outcome := od.AddDirData(remote, &Metadata{Version: 5, CreatorID: "other"})

	assert.True(t, outcome.NeedsWriteBack)
	assert.True(t, od.NeedsReconciliation())
}

func TestAddDirDataClearsReconciliationWhenBothSidesAgreeAndForeignWriter(t *testing.T) {
	rcst := reconciliation.New()
	dd := dirdata.FromEntries([]dirdata.Entry{{Name: "x", Version: 1}})
	od := New("/a", dd, WithReconciliationSet(rcst), WithSelfID("self"))
	rcst.Add("/a")

	remote := dirdata.FromEntries([]dirdata.Entry{{Name: "x", Version: 1}})
	outcome := od.AddDirData(remote, &Metadata{Version: 1, CreatorID: "other"})

	assert.True(t, outcome.Applied)
	assert.False(t, outcome.NeedsWriteBack)
	assert.False(t, od.NeedsReconciliation())
	assert.False(t, rcst.Contains("/a"))
}

func TestAddDirDataKeepsReconciliationWhenWriterIsSelf(t *testing.T) {
	rcst := reconciliation.New()
	dd := dirdata.FromEntries([]dirdata.Entry{{Name: "x", Version: 1}})
	od := New("/a", dd, WithReconciliationSet(rcst), WithSelfID("self"))
	rcst.Add("/a")

	remote := dirdata.FromEntries([]dirdata.Entry{{Name: "x", Version: 1}})
	outcome := od.AddDirData(remote, &Metadata{Version: 1, CreatorID: "self"})

	assert.True(t, outcome.Applied)
	assert.False(t, outcome.NeedsWriteBack)
	assert.True(t, rcst.Contains("/a"))
}

func TestNilRemoteIsHintAndCanTriggerWriteBack(t *testing.T) {
	od := New("/a", nil)
	od.AddEntry("local-only", 1)

	outcome := od.AddDirData(nil, nil)
	assert.True(t, outcome.NeedsWriteBack)
}

func TestRemoveEntrySurvivesMergeAgainstStaleRemoteAdd(t *testing.T) {
	// remote starts as {x@1}; local deletes x at version 2, then a
	// later fetch of the still-stale remote {x@1} must not resurrect x.
	dd := dirdata.FromEntries([]dirdata.Entry{{Name: "x", Version: 1}})
	od := New("/a", dd)
	od.RemoveEntry("x", 2)

	_, ok := od.GetDirData(false).Get("x")
	assert.False(t, ok, "x must be gone from the pending-applied view before any merge")

	remote := dirdata.FromEntries([]dirdata.Entry{{Name: "x", Version: 1}})
	outcome := od.AddDirData(remote, &Metadata{Version: 5, CreatorID: "other"})

	assert.True(t, outcome.NeedsWriteBack, "local's tombstone is novelty the remote lacks")
	_, ok = od.GetDirData(false).Get("x")
	assert.False(t, ok, "the deletion must not be reverted by the remote's stale add")
}

func TestSetQueuedForWriteSingleFlip(t *testing.T) {
	od := New("/a", nil)
	assert.True(t, od.SetQueuedForWrite(true))
	assert.False(t, od.SetQueuedForWrite(true))
	assert.True(t, od.SetQueuedForWrite(false))
}

func TestElapsedSinceLastUpdate(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	od := New("/a", nil, WithClock(clock))
	assert.InDelta(t, 0, od.ElapsedSinceLastUpdate().Milliseconds(), 5)

	now = now.Add(20 * time.Second)
	assert.GreaterOrEqual(t, od.ElapsedSinceLastUpdate(), 19*time.Second)
}
