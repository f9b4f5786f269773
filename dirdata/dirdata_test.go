package dirdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpdatesAddThenDelete(t *testing.T) {
	dd := New()
	dd = ApplyUpdates(dd, []Update{
		{Name: "x", Kind: Add, Version: 1},
	})
	e, ok := dd.Get("x")
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Version)

	// stale add (equal version) is ignored
	dd = ApplyUpdates(dd, []Update{{Name: "x", Kind: Add, Version: 1}})
	e, _ = dd.Get("x")
	assert.Equal(t, uint64(1), e.Version)

	// higher version add wins
	dd = ApplyUpdates(dd, []Update{{Name: "x", Kind: Add, Version: 2}})
	e, _ = dd.Get("x")
	assert.Equal(t, uint64(2), e.Version)

	// delete with a lower version than the current entry is a no-op
	dd = ApplyUpdates(dd, []Update{{Name: "x", Kind: Delete, Version: 1}})
	_, ok = dd.Get("x")
	assert.True(t, ok)

	// delete with an equal-or-higher version removes the entry
	dd = ApplyUpdates(dd, []Update{{Name: "x", Kind: Delete, Version: 2}})
	_, ok = dd.Get("x")
	assert.False(t, ok)
}

func TestApplyUpdatesIsDeterministicAndNonMutating(t *testing.T) {
	original := FromEntries([]Entry{{Name: "y", Version: 5}})
	next := ApplyUpdates(original, []Update{{Name: "z", Kind: Add, Version: 1}})

	assert.Equal(t, 1, original.Len(), "ApplyUpdates must not mutate its input")
	assert.Equal(t, 2, next.Len())
}

func TestMergeNovelty(t *testing.T) {
	local := FromEntries([]Entry{{Name: "a", Version: 1}, {Name: "b", Version: 3}})
	remote := FromEntries([]Entry{{Name: "a", Version: 1}, {Name: "c", Version: 2}})

	mr := Merge(local, remote)
	assert.True(t, mr.LocalNotInRemote, "local has b that remote lacks")
	assert.True(t, mr.RemoteNotInLocal, "remote has c that local lacks")

	_, ok := mr.Result.Get("a")
	assert.True(t, ok)
	_, ok = mr.Result.Get("b")
	assert.True(t, ok)
	_, ok = mr.Result.Get("c")
	assert.True(t, ok)
}

func TestMergeIdenticalHasNoNovelty(t *testing.T) {
	local := FromEntries([]Entry{{Name: "a", Version: 1}})
	remote := FromEntries([]Entry{{Name: "a", Version: 1}})

	mr := Merge(local, remote)
	assert.False(t, mr.LocalNotInRemote)
	assert.False(t, mr.RemoteNotInLocal)
}

func TestMergeHigherVersionWins(t *testing.T) {
	local := FromEntries([]Entry{{Name: "a", Version: 5}})
	remote := FromEntries([]Entry{{Name: "a", Version: 2}})

	mr := Merge(local, remote)
	assert.True(t, mr.LocalNotInRemote)
	assert.False(t, mr.RemoteNotInLocal)
	e, _ := mr.Result.Get("a")
	assert.Equal(t, uint64(5), e.Version)
}

func TestMergeNilArguments(t *testing.T) {
	mr := Merge(nil, nil)
	assert.False(t, mr.LocalNotInRemote)
	assert.False(t, mr.RemoteNotInLocal)
	assert.Equal(t, 0, mr.Result.Len())
}

func TestDupIsIndependent(t *testing.T) {
	a := FromEntries([]Entry{{Name: "a", Version: 1}})
	b := Dup(a)
	b = ApplyUpdates(b, []Update{{Name: "b", Kind: Add, Version: 1}})

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestMergeTombstoneAtHigherVersionWinsOverStaleAdd(t *testing.T) {
	// local deleted "x" at version 2; remote still has x@1, a stale add
	// that must not resurrect the deletion.
	local := ApplyUpdates(New(), []Update{{Name: "x", Kind: Delete, Version: 2}})
	remote := FromEntries([]Entry{{Name: "x", Version: 1}})

	mr := Merge(local, remote)
	assert.True(t, mr.LocalNotInRemote, "local's higher-versioned tombstone beats remote's stale add")
	assert.False(t, mr.RemoteNotInLocal)

	_, ok := mr.Result.Get("x")
	assert.False(t, ok, "x must stay deleted in the merged result")
}

func TestMergeStaleTombstoneLosesToNewerRemoteAdd(t *testing.T) {
	local := ApplyUpdates(New(), []Update{{Name: "x", Kind: Delete, Version: 1}})
	remote := FromEntries([]Entry{{Name: "x", Version: 2}})

	mr := Merge(local, remote)
	assert.False(t, mr.LocalNotInRemote)
	assert.True(t, mr.RemoteNotInLocal, "remote's higher-versioned add beats local's stale tombstone")

	e, ok := mr.Result.Get("x")
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Version)
}

func TestMarshalRoundTripPreservesTombstones(t *testing.T) {
	dd := ApplyUpdates(New(), []Update{
		{Name: "alpha", Kind: Add, Version: 7},
		{Name: "gone", Kind: Delete, Version: 3},
	})
	data, err := dd.MarshalBinary()
	require.NoError(t, err)

	out := New()
	require.NoError(t, out.UnmarshalBinary(data))
	assert.True(t, Equal(dd, out))

	_, ok := out.Get("gone")
	assert.False(t, ok, "decoded tombstone must stay hidden from the live view")
}

func TestMarshalRoundTrip(t *testing.T) {
	dd := FromEntries([]Entry{{Name: "alpha", Version: 7}, {Name: "beta", Version: 9}})
	data, err := dd.MarshalBinary()
	require.NoError(t, err)

	out := New()
	require.NoError(t, out.UnmarshalBinary(data))
	assert.True(t, Equal(dd, out))
}
