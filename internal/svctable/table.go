// Package svctable implements the registry of discovered local services.
//
// The table has a single logical writer (the discovery engine, plus explicit
// relay-driven resets) and many concurrent readers (session opens resolving
// service ids). Readers work against an immutable snapshot that is replaced
// atomically on every write, so a reader never observes a half-applied diff.
package svctable

import (
	"encoding/binary"
	"hash/fnv"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
)

// Kind identifies the protocol a discovered service speaks. The set is
// closed: probing only ever classifies a host into one of these.
type Kind uint8

const (
	KindRTSP Kind = iota + 1
	KindHTTP
	KindMJPEG
	KindONVIF
)

var kindNames = map[Kind]string{
	KindRTSP:  "rtsp",
	KindHTTP:  "http",
	KindMJPEG: "mjpeg",
	KindONVIF: "onvif",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// DefaultPort returns the conventional port for the kind.
func (k Kind) DefaultPort() uint16 {
	switch k {
	case KindRTSP:
		return 554
	case KindONVIF:
		return 3702
	default:
		return 80
	}
}

// Entry is one discovered service. ID is assigned locally, is unique within
// the table, and stays stable for as long as the same service remains
// discoverable. Path carries service-specific metadata such as a detected
// MJPEG stream path.
type Entry struct {
	ID   uint32 `json:"id"`
	Kind Kind   `json:"kind"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
	Path string `json:"path,omitempty"`
}

// Addr returns the dialable host:port address of the entry.
func (e Entry) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// identityKey identifies a service independently of its mutable metadata.
// A service keeps its ID while its kind and address are unchanged.
func (e Entry) identityKey() string {
	return e.Kind.String() + "|" + e.Addr()
}

// contentHash covers everything announced about the entry except the ID.
// Used for change detection between scan cycles.
func (e Entry) contentHash() uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(e.Kind)})
	h.Write([]byte(e.Host))
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], e.Port)
	h.Write(port[:])
	h.Write([]byte(e.Path))
	return h.Sum64()
}

// Diff is the delta between two table states. Added carries full records
// (including changed entries re-announced under their existing ID); Removed
// carries ids only.
type Diff struct {
	Added   []Entry  `json:"added,omitempty"`
	Removed []uint32 `json:"removed,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// snapshot is the immutable read view. Never mutated after publication.
type snapshot struct {
	entries map[uint32]Entry
}

// Table maps service ids to discovered services.
type Table struct {
	mu     sync.Mutex // serializes writers; readers never take it
	snap   atomic.Pointer[snapshot]
	nextID uint32 // guarded by mu; monotonic, never reused
}

// New creates an empty table.
func New() *Table {
	t := &Table{nextID: 1}
	t.snap.Store(&snapshot{entries: map[uint32]Entry{}})
	return t
}

// NewFrom creates a table pre-populated with cached entries, preserving
// their ids. The next id is set past the highest cached one so cached ids
// are never handed out again.
func NewFrom(cached []Entry) *Table {
	t := New()
	entries := make(map[uint32]Entry, len(cached))
	for _, e := range cached {
		if e.ID == 0 {
			continue
		}
		entries[e.ID] = e
		if e.ID >= t.nextID {
			t.nextID = e.ID + 1
		}
	}
	t.snap.Store(&snapshot{entries: entries})
	return t
}

// Resolve returns the entry for a service id.
func (t *Table) Resolve(id uint32) (Entry, bool) {
	e, ok := t.snap.Load().entries[id]
	return e, ok
}

// Snapshot returns a copy of all current entries, ordered by id.
func (t *Table) Snapshot() []Entry {
	snap := t.snap.Load()
	out := make([]Entry, 0, len(snap.entries))
	for _, e := range snap.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HostPorts is the per-host summary of a table generation: every port a
// host was seen serving on, merged across service kinds.
type HostPorts struct {
	Host  string   `json:"host"`
	Ports []uint16 `json:"ports"`
}

// Hosts returns the per-host port sets of the current snapshot, hosts and
// ports both in ascending order.
func (t *Table) Hosts() []HostPorts {
	snap := t.snap.Load()
	byHost := make(map[string]map[uint16]bool)
	for _, e := range snap.entries {
		if byHost[e.Host] == nil {
			byHost[e.Host] = make(map[uint16]bool)
		}
		byHost[e.Host][e.Port] = true
	}
	out := make([]HostPorts, 0, len(byHost))
	for host, ports := range byHost {
		hp := HostPorts{Host: host, Ports: make([]uint16, 0, len(ports))}
		for p := range ports {
			hp.Ports = append(hp.Ports, p)
		}
		sort.Slice(hp.Ports, func(i, j int) bool { return hp.Ports[i] < hp.Ports[j] })
		out = append(out, hp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Len returns the number of entries in the current snapshot.
func (t *Table) Len() int {
	return len(t.snap.Load().entries)
}

// Update reconciles a scan's candidate set against the table and applies
// the resulting diff. Candidate ids are ignored: candidates matching an
// existing service identity keep that service's id (re-announced if their
// content changed), new identities get fresh ids, and entries absent from
// the candidate set are removed. Returns the applied diff; an empty diff
// means the scan observed no changes.
func (t *Table) Update(candidates []Entry) Diff {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snap.Load()
	byIdentity := make(map[string]Entry, len(old.entries))
	for _, e := range old.entries {
		byIdentity[e.identityKey()] = e
	}

	next := make(map[uint32]Entry, len(candidates))
	var diff Diff
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		key := c.identityKey()
		if seen[key] {
			continue // duplicate candidate from overlapping discovery sources
		}
		seen[key] = true

		if prev, ok := byIdentity[key]; ok {
			c.ID = prev.ID
			next[c.ID] = c
			if c.contentHash() != prev.contentHash() {
				diff.Added = append(diff.Added, c)
			}
			continue
		}
		c.ID = t.nextID
		t.nextID++
		next[c.ID] = c
		diff.Added = append(diff.Added, c)
	}

	for id, e := range old.entries {
		if !seen[e.identityKey()] {
			diff.Removed = append(diff.Removed, id)
		}
	}

	if diff.Empty() {
		return diff
	}
	sort.Slice(diff.Added, func(i, j int) bool { return diff.Added[i].ID < diff.Added[j].ID })
	sort.Slice(diff.Removed, func(i, j int) bool { return diff.Removed[i] < diff.Removed[j] })
	t.snap.Store(&snapshot{entries: next})
	return diff
}

// ApplyDiff applies an externally supplied diff (cached state replay or a
// relay-driven reset) and reports whether it changed anything.
func (t *Table) ApplyDiff(d Diff) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snap.Load()
	next := make(map[uint32]Entry, len(old.entries)+len(d.Added))
	for id, e := range old.entries {
		next[id] = e
	}
	changed := false
	for _, id := range d.Removed {
		if _, ok := next[id]; ok {
			delete(next, id)
			changed = true
		}
	}
	for _, e := range d.Added {
		if e.ID == 0 {
			continue
		}
		if prev, ok := next[e.ID]; !ok || prev.contentHash() != e.contentHash() {
			changed = true
		}
		next[e.ID] = e
		if e.ID >= t.nextID {
			t.nextID = e.ID + 1
		}
	}
	if changed {
		t.snap.Store(&snapshot{entries: next})
	}
	return changed
}

// Reset drops all entries. Id allocation is not rewound, so ids from the
// discarded generation are never reused for different services.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Store(&snapshot{entries: map[uint32]Entry{}})
}
