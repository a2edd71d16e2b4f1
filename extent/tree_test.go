/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package extent_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/extent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory extent.Store for exercising Tree without
// any disk I/O, keyed by a monotonic fake block counter.
type memStore struct {
	blocks map[uint64]*extent.Block
	next   uint64
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[uint64]*extent.Block), next: 1000}
}

func (s *memStore) ReadExtentBlock(blkno uint64) (*extent.Block, error) {
	b, ok := s.blocks[blkno]
	if !ok {
		panic("unknown extent block")
	}
	cp := *b
	cp.List.Records = append([]extent.Record(nil), b.List.Records...)
	return &cp, nil
}

func (s *memStore) WriteExtentBlock(b *extent.Block) error {
	cp := *b
	cp.List.Records = append([]extent.Record(nil), b.List.Records...)
	s.blocks[b.Blkno] = &cp
	return nil
}

func (s *memStore) AllocateExtentBlock() (uint64, error) {
	s.next++
	return s.next, nil
}

func (s *memStore) FreeExtentBlock(blkno uint64) error {
	delete(s.blocks, blkno)
	return nil
}

// memRoot is a tiny extent.Root with a fixed-capacity embedded list,
// standing in for an inode/refcount-block/dx-root's own extent list.
type memRoot struct {
	list       extent.List
	lastLeaf   uint64
	clusters   uint32
	maxLeaf    uint32
}

func newMemRoot(capacity int) *memRoot {
	return &memRoot{list: extent.List{Records: make([]extent.Record, capacity)}}
}

func (r *memRoot) GetLastLeaf() uint64        { return r.lastLeaf }
func (r *memRoot) SetLastLeaf(blkno uint64)   { r.lastLeaf = blkno }
func (r *memRoot) ClusterCount() uint32       { return r.clusters }
func (r *memRoot) SetClusterCount(n uint32)   { r.clusters = n }
func (r *memRoot) RootList() *extent.List     { return &r.list }
func (r *memRoot) MaxLeafClusters() uint32    { return r.maxLeaf }
func (r *memRoot) InsertCheck(extent.Record) error     { return nil }
func (r *memRoot) SanityCheck(*extent.List) error      { return nil }
func (r *memRoot) Contig(left, right extent.Record) bool {
	return extent.DefaultContig(left, right)
}

// TestTreeInsertMergesContiguous is spec.md §8 property 5: adjacent
// contiguous records are merged rather than kept as separate entries.
func TestTreeInsertMergesContiguous(t *testing.T) {
	store := newMemStore()
	root := newMemRoot(4)
	tree := extent.NewTree(store, root)

	require.NoError(t, tree.Insert(0, 500, 10, 0))
	require.NoError(t, tree.Insert(10, 510, 5, 0))

	list := root.RootList()
	require.Equal(t, uint16(1), list.Count)
	assert.Equal(t, uint32(0), list.Records[0].Cpos)
	assert.Equal(t, uint32(15), list.Records[0].Clusters)
	assert.Equal(t, uint32(15), root.ClusterCount())
}

// TestTreeInsertSplitsOnOverflow exercises scenario S2: inserting more
// records than the root's own list can hold forces a depth-1 split, after
// which every record (including ones that predate the split) is still
// reachable through FindPath.
func TestTreeInsertSplitsOnOverflow(t *testing.T) {
	store := newMemStore()
	root := newMemRoot(2)
	tree := extent.NewTree(store, root)

	// Four disjoint, non-contiguous ranges: forces the 2-slot root to grow
	// depth rather than merge its way out of overflow.
	require.NoError(t, tree.Insert(0, 100, 5, 0))
	require.NoError(t, tree.Insert(10, 200, 5, 0))
	require.NoError(t, tree.Insert(20, 300, 5, 0))
	require.NoError(t, tree.Insert(30, 400, 5, 0))

	assert.GreaterOrEqual(t, root.RootList().TreeDepth, uint16(1))
	assert.Equal(t, uint32(20), root.ClusterCount())

	for _, cpos := range []uint32{0, 10, 20, 30} {
		path, err := tree.FindPath(cpos)
		require.NoError(t, err)
		leaf := path.Leaf()
		found := false
		for _, r := range leaf.List.Records[:leaf.List.Count] {
			if r.Cpos == cpos {
				found = true
			}
		}
		assert.Truef(t, found, "cpos %d not found after split", cpos)
	}
}

// TestTreeInsertAndRemoveFullCycle is scenario S2 end-to-end: insert past
// a split, then remove everything back out, and the tree must collapse
// back to an empty depth-0 root.
func TestTreeInsertAndRemoveFullCycle(t *testing.T) {
	store := newMemStore()
	root := newMemRoot(2)
	tree := extent.NewTree(store, root)

	require.NoError(t, tree.Insert(0, 100, 5, 0))
	require.NoError(t, tree.Insert(10, 200, 5, 0))
	require.NoError(t, tree.Insert(20, 300, 5, 0))
	require.NoError(t, tree.Insert(30, 400, 5, 0))
	require.GreaterOrEqual(t, root.RootList().TreeDepth, uint16(1))

	require.NoError(t, tree.Remove(0, 5))
	require.NoError(t, tree.Remove(10, 5))
	require.NoError(t, tree.Remove(20, 5))
	require.NoError(t, tree.Remove(30, 5))

	assert.Equal(t, uint32(0), root.ClusterCount())
	assert.Equal(t, uint16(0), root.RootList().Count)
	assert.Equal(t, uint16(0), root.RootList().TreeDepth)
}

// TestTreeRemovePunchesHole covers the interior-split case: removing a
// range strictly inside a record must split it into a left and right
// remainder rather than truncating either end.
func TestTreeRemovePunchesHole(t *testing.T) {
	store := newMemStore()
	root := newMemRoot(4)
	tree := extent.NewTree(store, root)

	require.NoError(t, tree.Insert(0, 1000, 20, 0))
	require.NoError(t, tree.Remove(5, 5))

	list := root.RootList()
	require.Equal(t, uint16(2), list.Count)
	assert.Equal(t, uint32(0), list.Records[0].Cpos)
	assert.Equal(t, uint32(5), list.Records[0].Clusters)
	assert.Equal(t, uint32(10), list.Records[1].Cpos)
	assert.Equal(t, uint32(10), list.Records[1].Clusters)
	assert.Equal(t, uint64(1010), list.Records[1].Blkno)
	assert.Equal(t, uint32(15), root.ClusterCount())
}

// TestTreeRemoveMiddleLeafRepairsSiblingChain covers scenario S2's
// chain-repair edge: removing a MIDDLE leaf's only record (not the
// leftmost, not the tail) must free that leaf and retarget its
// predecessor's NextLeafBlkno at its successor, so ForEachLeafRecord still
// walks every surviving record in cpos order instead of stopping at the
// freed (and potentially reallocated) block.
func TestTreeRemoveMiddleLeafRepairsSiblingChain(t *testing.T) {
	store := newMemStore()
	root := newMemRoot(3)
	tree := extent.NewTree(store, root)

	// Five disjoint single-cluster ranges against a capacity-3 root force
	// two leaf-to-leaf splits, producing three chained leaves:
	// [cpos 0] -> [cpos 10] -> [cpos 20, 30, 40].
	require.NoError(t, tree.Insert(0, 100, 1, 0))
	require.NoError(t, tree.Insert(10, 200, 1, 0))
	require.NoError(t, tree.Insert(20, 300, 1, 0))
	require.NoError(t, tree.Insert(30, 400, 1, 0))
	require.NoError(t, tree.Insert(40, 500, 1, 0))
	require.GreaterOrEqual(t, root.RootList().TreeDepth, uint16(1))

	// Remove the middle leaf's sole record, emptying and freeing it.
	require.NoError(t, tree.Remove(10, 1))

	var got []uint32
	require.NoError(t, tree.ForEachLeafRecord(func(r extent.Record) (bool, error) {
		got = append(got, r.Cpos)
		return true, nil
	}))

	assert.Equal(t, []uint32{0, 20, 30, 40}, got)
	assert.Equal(t, uint32(4), root.ClusterCount())
}

// TestTreeChangeFlagSplitsRecord ensures ChangeFlag splits out only the
// requested sub-range and applies set/clear to just that piece.
func TestTreeChangeFlagSplitsRecord(t *testing.T) {
	store := newMemStore()
	root := newMemRoot(4)
	tree := extent.NewTree(store, root)

	require.NoError(t, tree.Insert(0, 1000, 20, 0))
	require.NoError(t, tree.ChangeFlag(5, 5, 1005, extent.FlagUnwritten, 0))

	list := root.RootList()
	require.Equal(t, uint16(3), list.Count)
	assert.Equal(t, extent.Flags(0), list.Records[0].Flags)
	assert.Equal(t, uint32(0), list.Records[0].Cpos)
	assert.Equal(t, extent.FlagUnwritten, list.Records[1].Flags)
	assert.Equal(t, uint32(5), list.Records[1].Cpos)
	assert.Equal(t, uint32(5), list.Records[1].Clusters)
	assert.Equal(t, extent.Flags(0), list.Records[2].Flags)
	assert.Equal(t, uint32(10), list.Records[2].Cpos)
}
