package svctable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rtsp(host string) Entry  { return Entry{Kind: KindRTSP, Host: host, Port: 554} }
func mjpeg(host string) Entry { return Entry{Kind: KindMJPEG, Host: host, Port: 8080, Path: "/video"} }

// TestUpdateAssignsStableIDs verifies that a service keeps its id across
// scan cycles and that an unchanged candidate set yields an empty diff.
func TestUpdateAssignsStableIDs(t *testing.T) {
	tbl := New()

	diff := tbl.Update([]Entry{rtsp("10.0.0.5"), mjpeg("10.0.0.6")})
	require.Len(t, diff.Added, 2)
	require.Empty(t, diff.Removed)

	first, ok := tbl.Resolve(diff.Added[0].ID)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:554", first.Addr())

	// Same scan result again: no diff, same ids.
	diff2 := tbl.Update([]Entry{rtsp("10.0.0.5"), mjpeg("10.0.0.6")})
	assert.True(t, diff2.Empty())
	again, ok := tbl.Resolve(first.ID)
	require.True(t, ok)
	assert.Equal(t, first, again)
}

// TestDiffMinimality: adding one reachable service between two scans yields
// a diff containing exactly that addition.
func TestDiffMinimality(t *testing.T) {
	tbl := New()
	tbl.Update([]Entry{rtsp("10.0.0.5"), mjpeg("10.0.0.6")})

	diff := tbl.Update([]Entry{rtsp("10.0.0.5"), mjpeg("10.0.0.6"), rtsp("10.0.0.7")})
	require.Len(t, diff.Added, 1)
	assert.Empty(t, diff.Removed)
	assert.Equal(t, "10.0.0.7:554", diff.Added[0].Addr())
}

// TestUpdateRemoval verifies that a vanished service is reported by id and
// resolved no longer.
func TestUpdateRemoval(t *testing.T) {
	tbl := New()
	d0 := tbl.Update([]Entry{rtsp("10.0.0.5"), rtsp("10.0.0.6")})
	require.Len(t, d0.Added, 2)

	gone := d0.Added[1].ID
	diff := tbl.Update([]Entry{rtsp("10.0.0.5")})
	require.Equal(t, []uint32{gone}, diff.Removed)
	assert.Empty(t, diff.Added)

	_, ok := tbl.Resolve(gone)
	assert.False(t, ok)
}

// TestUpdateContentChangeKeepsID verifies that metadata changes re-announce
// the entry under its existing id.
func TestUpdateContentChangeKeepsID(t *testing.T) {
	tbl := New()
	d0 := tbl.Update([]Entry{mjpeg("10.0.0.6")})
	id := d0.Added[0].ID

	changed := mjpeg("10.0.0.6")
	changed.Path = "/stream"
	diff := tbl.Update([]Entry{changed})
	require.Len(t, diff.Added, 1)
	assert.Equal(t, id, diff.Added[0].ID)
	assert.Equal(t, "/stream", diff.Added[0].Path)
	assert.Empty(t, diff.Removed)
}

// TestIDsNeverReused verifies that the id of a removed service is not
// handed to a different service that appears later.
func TestIDsNeverReused(t *testing.T) {
	tbl := New()
	d0 := tbl.Update([]Entry{rtsp("10.0.0.5")})
	oldID := d0.Added[0].ID

	tbl.Update(nil) // service vanished

	d1 := tbl.Update([]Entry{rtsp("10.0.0.99")})
	require.Len(t, d1.Added, 1)
	assert.NotEqual(t, oldID, d1.Added[0].ID)
}

// TestDuplicateCandidatesCoalesced verifies that overlapping discovery
// sources reporting the same service produce one entry.
func TestDuplicateCandidatesCoalesced(t *testing.T) {
	tbl := New()
	diff := tbl.Update([]Entry{rtsp("10.0.0.5"), rtsp("10.0.0.5")})
	assert.Len(t, diff.Added, 1)
	assert.Equal(t, 1, tbl.Len())
}

// TestNewFromPreservesCachedIDs verifies that cached entries are restored
// under their persisted ids and id allocation continues past them.
func TestNewFromPreservesCachedIDs(t *testing.T) {
	cached := []Entry{
		{ID: 3, Kind: KindRTSP, Host: "10.0.0.5", Port: 554},
		{ID: 9, Kind: KindHTTP, Host: "10.0.0.6", Port: 80},
	}
	tbl := NewFrom(cached)

	e, ok := tbl.Resolve(9)
	require.True(t, ok)
	assert.Equal(t, KindHTTP, e.Kind)

	diff := tbl.Update(append([]Entry{rtsp("10.0.0.5")},
		Entry{Kind: KindHTTP, Host: "10.0.0.6", Port: 80},
		Entry{Kind: KindRTSP, Host: "10.0.0.7", Port: 554}))
	require.Len(t, diff.Added, 1)
	assert.Greater(t, diff.Added[0].ID, uint32(9))
}

// TestSnapshotIsolation verifies that a snapshot is an independent copy.
func TestSnapshotIsolation(t *testing.T) {
	tbl := New()
	tbl.Update([]Entry{rtsp("10.0.0.5")})

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Host = "tampered"

	e, ok := tbl.Resolve(snap[0].ID)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", e.Host)
}

// TestApplyDiff verifies external diff application and its changed report.
func TestApplyDiff(t *testing.T) {
	tbl := New()
	entry := Entry{ID: 5, Kind: KindRTSP, Host: "10.0.0.5", Port: 554}

	assert.True(t, tbl.ApplyDiff(Diff{Added: []Entry{entry}}))
	assert.False(t, tbl.ApplyDiff(Diff{Added: []Entry{entry}})) // no change
	assert.True(t, tbl.ApplyDiff(Diff{Removed: []uint32{5}}))
	assert.False(t, tbl.ApplyDiff(Diff{Removed: []uint32{5}})) // already gone
	assert.Equal(t, 0, tbl.Len())
}

// TestHostsMergesPorts verifies the per-host summary merges ports across
// service kinds.
func TestHostsMergesPorts(t *testing.T) {
	tbl := New()
	tbl.Update([]Entry{
		rtsp("10.0.0.5"),
		{Kind: KindHTTP, Host: "10.0.0.5", Port: 80},
		mjpeg("10.0.0.6"),
	})

	hosts := tbl.Hosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, "10.0.0.5", hosts[0].Host)
	assert.Equal(t, []uint16{80, 554}, hosts[0].Ports)
	assert.Equal(t, "10.0.0.6", hosts[1].Host)
	assert.Equal(t, []uint16{8080}, hosts[1].Ports)
}
