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

package dx_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/dir"
	"github.com/markfasheh/ocfs2/dx"
	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

type memBackend struct{ buf []byte }

func newMemBackend(blocks int) *memBackend {
	return &memBackend{buf: make([]byte, blocks*testBlockSize)}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *memBackend) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }
func (m *memBackend) Close() error                             { return nil }

// memExtentStore is a minimal in-memory extent.Store for the dx_root's own
// index blocks, independent of the package's on-disk encoding.
type memExtentStore struct {
	blocks map[uint64]*extent.Block
	next   uint64
}

func newMemExtentStore(next uint64) *memExtentStore {
	return &memExtentStore{blocks: make(map[uint64]*extent.Block), next: next}
}

func (s *memExtentStore) ReadExtentBlock(blkno uint64) (*extent.Block, error) {
	b := s.blocks[blkno]
	cp := *b
	cp.List.Records = append([]extent.Record(nil), b.List.Records...)
	return &cp, nil
}

func (s *memExtentStore) WriteExtentBlock(b *extent.Block) error {
	cp := *b
	cp.List.Records = append([]extent.Record(nil), b.List.Records...)
	s.blocks[b.Blkno] = &cp
	return nil
}

func (s *memExtentStore) AllocateExtentBlock() (uint64, error) {
	s.next++
	return s.next, nil
}

func (s *memExtentStore) FreeExtentBlock(blkno uint64) error {
	delete(s.blocks, blkno)
	return nil
}

// memClusterAllocator hands out sequential cluster numbers; with
// clusterSize == blockSize each cluster is exactly one disk block.
type memClusterAllocator struct{ next uint64 }

func (a *memClusterAllocator) NewClusters(wantMin, wantMax uint32) (uint64, uint32, error) {
	a.next++
	return a.next, 1, nil
}

// memBlockAllocator hands out sequential single blocks, for dx_leaf
// allocation.
type memBlockAllocator struct{ next uint64 }

func (a *memBlockAllocator) NewBlock() (uint64, error) {
	a.next++
	return a.next, nil
}

func (a *memBlockAllocator) FreeBlockByAddress(block uint64) error { return nil }

func newTestEngine(t *testing.T) (*dx.Engine, *inode.Inode, dir.Layout) {
	t.Helper()

	backend := newMemBackend(4096)
	ch, err := blockio.NewChannel(backend, blockio.ReadWrite, testBlockSize)
	require.NoError(t, err)

	in := &inode.Inode{Blkno: 50, DynFeatures: inode.DynIndexedDir}
	dirRoot := &inode.ExtentRoot{In: in}
	dirTree := extent.NewTree(newMemExtentStore(6000), dirRoot)
	dirL := dir.Layout{
		Ch:          ch,
		Tree:        dirTree,
		BlockSize:   testBlockSize,
		ClusterSize: testBlockSize,
		HasTrailer:  false,
	}

	root := dx.InitRoot(1000, in.Blkno, [4]uint32{1, 2, 3, 4}, testBlockSize)
	require.NoError(t, dx.WriteRoot(ch, root))
	in.DxRoot = root.Blkno

	e := dx.NewEngine(ch, newMemExtentStore(7000), root, &memBlockAllocator{next: 2000}, dirL, in)
	return e, in, dirL
}

func TestDxInsertFindRemove(t *testing.T) {
	e, _, _ := newTestEngine(t)
	alloc := &memClusterAllocator{}

	names := map[string]uint64{"alpha": 100, "beta": 200, "gamma": 300}
	for name, ino := range names {
		require.NoError(t, e.Insert(alloc, ino, dir.FileTypeRegular, name))
	}

	for name, ino := range names {
		entry, ok, err := e.Find(name)
		require.NoError(t, err)
		require.True(t, ok, "missing entry %q", name)
		assert.Equal(t, ino, entry.Inode)
	}

	removed, err := e.Remove("beta")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok, err := e.Find("beta")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = e.Find("alpha")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDxNameHashIsStableAndDotsAreZero(t *testing.T) {
	seed := [4]uint32{1, 2, 3, 4}

	major, minor := dx.NameHash(".", seed)
	assert.Equal(t, uint32(0), major)
	assert.Equal(t, uint32(0), minor)

	major2, minor2 := dx.NameHash("..", seed)
	assert.Equal(t, uint32(0), major2)
	assert.Equal(t, uint32(0), minor2)

	m1, n1 := dx.NameHash("somefile.txt", seed)
	m2, n2 := dx.NameHash("somefile.txt", seed)
	assert.Equal(t, m1, m2, "hashing the same name twice must be stable")
	assert.Equal(t, n1, n2)

	m3, _ := dx.NameHash("anotherfile.txt", seed)
	assert.NotEqual(t, m1, m3, "different names should (almost always) hash differently")
}

func TestDxTruncateClearsIndexedDirFeature(t *testing.T) {
	e, in, _ := newTestEngine(t)
	alloc := &memClusterAllocator{}
	require.NoError(t, e.Insert(alloc, 1, dir.FileTypeRegular, "onlyfile"))

	require.NoError(t, e.Truncate())
	assert.Equal(t, inode.DynFeatures(0), in.DynFeatures&inode.DynIndexedDir)
	assert.Equal(t, uint64(0), in.DxRoot)
}

func TestDxRebuildFromPlainDirectory(t *testing.T) {
	e, in, dirL := newTestEngine(t)
	alloc := &memClusterAllocator{}

	// Populate the plain directory data directly, bypassing Insert, as if
	// this directory predates indexing.
	require.NoError(t, dir.Insert(in, dirL, alloc, 10, dir.FileTypeRegular, "one"))
	require.NoError(t, dir.Insert(in, dirL, alloc, 20, dir.FileTypeRegular, "two"))

	require.NoError(t, e.Rebuild(alloc))

	entry, ok, err := e.Find("one")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), entry.Inode)

	entry, ok, err = e.Find("two")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), entry.Inode)
}
