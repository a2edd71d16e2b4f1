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

package dir_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/dir"
	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/inode"
	"github.com/markfasheh/ocfs2/internal/blockio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

type memBackend struct {
	buf []byte
}

func newMemBackend(blocks int) *memBackend {
	return &memBackend{buf: make([]byte, blocks*testBlockSize)}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *memBackend) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }
func (m *memBackend) Close() error                             { return nil }

// memExtentStore is a minimal in-memory extent.Store for a directory's own
// tree, independent of the inode package's on-disk encoding.
type memExtentStore struct {
	blocks map[uint64]*extent.Block
	next   uint64
}

func newMemExtentStore() *memExtentStore {
	return &memExtentStore{blocks: make(map[uint64]*extent.Block), next: 5000}
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

func newTestLayout(t *testing.T, in *inode.Inode) (dir.Layout, *extent.Tree) {
	t.Helper()
	backend := newMemBackend(64)
	ch, err := blockio.NewChannel(backend, blockio.ReadWrite, testBlockSize)
	require.NoError(t, err)

	root := &inode.ExtentRoot{In: in}
	tree := extent.NewTree(newMemExtentStore(), root)

	return dir.Layout{
		Ch:          ch,
		Tree:        tree,
		BlockSize:   testBlockSize,
		ClusterSize: testBlockSize,
		HasTrailer:  false,
	}, tree
}

func TestDirInsertFindRemoveInlineAndPromoted(t *testing.T) {
	inlineCap := 256
	in := &inode.Inode{
		DynFeatures: inode.DynInlineData,
		InlineData:  make([]byte, inlineCap),
	}
	dir.InitBlock(in.InlineData, inlineCap)

	l, _ := newTestLayout(t, in)
	alloc := &memClusterAllocator{}

	require.NoError(t, dir.Insert(in, l, alloc, 100, dir.FileTypeRegular, "alpha"))
	require.NoError(t, dir.Insert(in, l, alloc, 200, dir.FileTypeDirectory, "beta"))

	e, ok, err := dir.Find(in, l, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), e.Inode)
	assert.Equal(t, dir.FileTypeRegular, e.FileType)

	removed, err := dir.Remove(in, l, "alpha")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok, err = dir.Find(in, l, "alpha")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = dir.Find(in, l, "beta")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirPromoteInlineOnOverflow(t *testing.T) {
	inlineCap := 64
	in := &inode.Inode{
		DynFeatures: inode.DynInlineData,
		InlineData:  make([]byte, inlineCap),
		Blkno:       7,
	}
	dir.InitBlock(in.InlineData, inlineCap)

	l, _ := newTestLayout(t, in)
	alloc := &memClusterAllocator{}

	names := []string{"one", "two", "three", "four", "five", "six", "seven"}
	for i, name := range names {
		require.NoError(t, dir.Insert(in, l, alloc, uint64(100+i), dir.FileTypeRegular, name))
	}

	assert.False(t, in.DynFeatures&inode.DynInlineData != 0, "directory should have promoted out of inline storage")
	assert.Nil(t, in.InlineData)
	assert.Equal(t, uint32(1), in.Clusters)

	for i, name := range names {
		e, ok, err := dir.Find(in, l, name)
		require.NoError(t, err)
		require.True(t, ok, "missing entry %q after promotion", name)
		assert.Equal(t, uint64(100+i), e.Inode)
	}
}

func TestDirAppendsNewBlockWhenFull(t *testing.T) {
	in := &inode.Inode{Blkno: 9}
	l, _ := newTestLayout(t, in)
	alloc := &memClusterAllocator{}

	require.NoError(t, dir.Insert(in, l, alloc, 1, dir.FileTypeRegular, "first"))
	assert.Equal(t, uint32(1), in.Clusters)

	// Long names exhaust the first 512-byte block quickly, forcing a second
	// cluster to be appended.
	longNames := []string{
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"cccccccccccccccccccccccccccccccccccccccccccc",
		"dddddddddddddddddddddddddddddddddddddddddddd",
		"eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		"ffffffffffffffffffffffffffffffffffffffffffff",
		"gggggggggggggggggggggggggggggggggggggggggggg",
		"hhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhh",
		"iiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiiii",
	}
	for i, name := range longNames {
		require.NoError(t, dir.Insert(in, l, alloc, uint64(20+i), dir.FileTypeRegular, name))
	}

	assert.Greater(t, in.Clusters, uint32(1))
	e, ok, err := dir.Find(in, l, "first")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Inode)
}
