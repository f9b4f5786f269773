// Package dirdata implements the immutable-by-convention snapshot of a
// directory's entries (spec component C1) plus the single pending
// mutation record (spec component C2).
package dirdata

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// UpdateKind distinguishes an addition from a deletion, both in a
// pending Update (spec component C2, OpenDirUpdate) and in a DirData
// Entry itself: an Entry with Kind Delete is a tombstone, a versioned
// record that a name was removed, carried so a later, lower-versioned
// remote add of the same name loses the merge instead of resurrecting it.
type UpdateKind int

// The two kinds of pending update / entry.
const (
	Add UpdateKind = iota
	Delete
)

func (k UpdateKind) String() string {
	if k == Delete {
		return "DELETE"
	}
	return "ADD"
}

// Entry is one (name, version, kind) record in a DirData. A Delete
// entry is a tombstone: it carries no value, only the version at
// which the name was removed.
type Entry struct {
	Name    string
	Version uint64
	Kind    UpdateKind
}

// DirData is an ordered set of entries, live and tombstoned,
// representing a directory's contents and its known deletions.
// Callers must treat values returned from this package as immutable;
// every mutating operation returns a new value.
type DirData struct {
	entries map[string]Entry
}

// New returns an empty DirData.
func New() *DirData {
	return &DirData{entries: make(map[string]Entry)}
}

// FromEntries builds a DirData from a slice of entries. Later entries
// with the same name win.
func FromEntries(entries []Entry) *DirData {
	dd := New()
	for _, e := range entries {
		dd.entries[e.Name] = e
	}
	return dd
}

// Dup returns a deep copy of dd, or an empty DirData if dd is nil.
func Dup(dd *DirData) *DirData {
	out := New()
	if dd == nil {
		return out
	}
	for k, v := range dd.entries {
		out.entries[k] = v
	}
	return out
}

// entriesSorted returns every entry in dd, tombstones included, sorted
// by name for deterministic iteration, wire encoding and comparison.
func (dd *DirData) entriesSorted() []Entry {
	if dd == nil {
		return nil
	}
	out := make([]Entry, 0, len(dd.entries))
	for _, e := range dd.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Entries returns dd's live entries, sorted by name. Tombstoned names
// are omitted; this package's own merge and update-folding logic works
// off the raw entry map directly when it needs to see them.
func (dd *DirData) Entries() []Entry {
	all := dd.entriesSorted()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Kind != Delete {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of live entries in dd. Tombstones don't count.
func (dd *DirData) Len() int {
	if dd == nil {
		return 0
	}
	n := 0
	for _, e := range dd.entries {
		if e.Kind != Delete {
			n++
		}
	}
	return n
}

// Get returns the live entry for name and whether one is present. A
// tombstoned name reports ok=false, same as a name dd never heard of.
func (dd *DirData) Get(name string) (Entry, bool) {
	if dd == nil {
		return Entry{}, false
	}
	e, ok := dd.entries[name]
	if !ok || e.Kind == Delete {
		return Entry{}, false
	}
	return e, true
}

// Equal reports whether a and b contain exactly the same entries,
// tombstones included. Either may be nil, treated as empty.
func Equal(a, b *DirData) bool {
	ae, be := a.entriesSorted(), b.entriesSorted()
	if len(ae) != len(be) {
		return false
	}
	for i := range ae {
		if ae[i] != be[i] {
			return false
		}
	}
	return true
}

// MergeResult is the three-way outcome of Merge, as described in
// spec.md section 3: the merged result plus two independent novelty
// flags.
type MergeResult struct {
	// Result is the union of local and remote, each name resolved to
	// its higher-versioned entry (tombstone or live).
	Result *DirData
	// LocalNotInRemote is true when local has an entry (or a higher
	// version of an entry, tombstone included) that remote lacks.
	LocalNotInRemote bool
	// RemoteNotInLocal is true when remote has an entry (or a higher
	// version of an entry, tombstone included) that local lacks.
	RemoteNotInLocal bool
}

// Merge computes the three-way merge outcome of local and remote.
// Either argument may be nil, treated as an empty DirData. Comparison
// runs over (name, version) across both live entries and tombstones,
// so a local deletion recorded at a higher version than a remote's
// stale add wins the merge and carries forward as a tombstone, rather
// than being silently reverted by the remote's superseded add.
func Merge(local, remote *DirData) MergeResult {
	local = Dup(local)
	remote = Dup(remote)
	result := New()
	var mr MergeResult

	names := make(map[string]struct{})
	for name := range local.entries {
		names[name] = struct{}{}
	}
	for name := range remote.entries {
		names[name] = struct{}{}
	}

	for name := range names {
		le, lok := local.entries[name]
		re, rok := remote.entries[name]
		switch {
		case lok && rok:
			if le.Version >= re.Version {
				result.entries[name] = le
				if le.Version > re.Version {
					mr.LocalNotInRemote = true
				}
			} else {
				result.entries[name] = re
				mr.RemoteNotInLocal = true
			}
		case lok && !rok:
			result.entries[name] = le
			mr.LocalNotInRemote = true
		case !lok && rok:
			result.entries[name] = re
			mr.RemoteNotInLocal = true
		}
	}

	mr.Result = result
	return mr
}

// Update is a single pending mutation against a DirData: an entry
// name, whether it is being added or removed, and the version at
// which the mutation was recorded.
type Update struct {
	Name    string
	Kind    UpdateKind
	Version uint64
}

// ApplyUpdates deterministically folds updates into dd, returning a
// new DirData. An add only replaces an existing record (live or
// tombstoned) at a strictly higher version; a delete replaces one at
// an equal-or-higher version, installing a tombstone rather than
// erasing the name outright, so the deletion itself can still win a
// later merge against a stale remote add.
func ApplyUpdates(dd *DirData, updates []Update) *DirData {
	out := Dup(dd)
	for _, u := range updates {
		existing, ok := out.entries[u.Name]
		switch u.Kind {
		case Add:
			if !ok || u.Version > existing.Version {
				out.entries[u.Name] = Entry{Name: u.Name, Version: u.Version, Kind: Add}
			}
		case Delete:
			if !ok || u.Version >= existing.Version {
				out.entries[u.Name] = Entry{Name: u.Name, Version: u.Version, Kind: Delete}
			}
		}
	}
	return out
}

// MarshalBinary encodes dd, tombstones included, as a length-prefixed
// list of (name, version, kind) records, sorted by name for a
// deterministic wire form. This exists only to let kvs/boltstore and
// tests round-trip a DirData through a byte-oriented store; the
// merge/cache logic never calls it.
func (dd *DirData) MarshalBinary() ([]byte, error) {
	entries := dd.entriesSorted()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(entries))); err != nil {
		return nil, errors.Wrap(err, "dirdata: encode count")
	}
	for _, e := range entries {
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(e.Name))); err != nil {
			return nil, errors.Wrap(err, "dirdata: encode name length")
		}
		if _, err := buf.WriteString(e.Name); err != nil {
			return nil, errors.Wrap(err, "dirdata: encode name")
		}
		if err := binary.Write(&buf, binary.BigEndian, e.Version); err != nil {
			return nil, errors.Wrap(err, "dirdata: encode version")
		}
		if err := buf.WriteByte(byte(e.Kind)); err != nil {
			return nil, errors.Wrap(err, "dirdata: encode kind")
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a buffer produced by MarshalBinary into dd.
func (dd *DirData) UnmarshalBinary(data []byte) error {
	buf := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return errors.Wrap(err, "dirdata: decode count")
	}
	entries := make(map[string]Entry, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint32
		if err := binary.Read(buf, binary.BigEndian, &nameLen); err != nil {
			return errors.Wrap(err, "dirdata: decode name length")
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(buf, nameBytes); err != nil {
			return errors.Wrap(err, "dirdata: decode name")
		}
		var version uint64
		if err := binary.Read(buf, binary.BigEndian, &version); err != nil {
			return errors.Wrap(err, "dirdata: decode version")
		}
		kind, err := buf.ReadByte()
		if err != nil {
			return errors.Wrap(err, "dirdata: decode kind")
		}
		name := string(nameBytes)
		entries[name] = Entry{Name: name, Version: version, Kind: UpdateKind(kind)}
	}
	dd.entries = entries
	return nil
}
