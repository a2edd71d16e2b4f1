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

package refcount_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/extent"
	"github.com/markfasheh/ocfs2/refcount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memExtentStore is a minimal in-memory extent.Store for a refcount tree's
// own index/leaf blocks, independent of the package's on-disk encoding.
type memExtentStore struct {
	blocks map[uint64]*extent.Block
	next   uint64
}

func newMemExtentStore() *memExtentStore {
	return &memExtentStore{blocks: make(map[uint64]*extent.Block), next: 9000}
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

func newTestEngine(t *testing.T) (*refcount.Engine, *refcount.Block) {
	t.Helper()
	blk := refcount.InitBlock(1, 512)
	persist := func(b *refcount.Block) error { return nil }
	e := refcount.NewEngine(newMemExtentStore(), blk, persist)
	return e, blk
}

func TestRefcountLookupOnEmptyTreeIsSyntheticZero(t *testing.T) {
	e, _ := newTestEngine(t)

	rec, err := e.Lookup(10, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rec.Count)
	assert.Equal(t, uint32(5), rec.Clusters)
}

func TestRefcountIncreaseCreatesRecordAndMerges(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.IncreaseRefcount(0, 4))
	rec, err := e.Lookup(0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Count)
	assert.Equal(t, uint32(4), rec.Clusters)

	// Increasing an adjacent range with the same resulting count merges
	// into one record.
	require.NoError(t, e.IncreaseRefcount(4, 4))
	rec, err = e.Lookup(0, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Count)
	assert.Equal(t, uint32(8), rec.Clusters, "adjacent equal-count ranges should merge into one record")
}

func TestRefcountIncreaseOverlappingSplitsRecord(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.IncreaseRefcount(0, 10))
	require.NoError(t, e.IncreaseRefcount(4, 2)) // bumps clusters [4,6) to count 2

	low, err := e.Lookup(0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), low.Count)

	mid, err := e.Lookup(4, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), mid.Count)
	assert.Equal(t, uint32(2), mid.Clusters)

	high, err := e.Lookup(6, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), high.Count)
}

func TestRefcountDecreaseToZeroRemovesRecord(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.IncreaseRefcount(0, 4))
	require.NoError(t, e.DecreaseRefcount(0, 4))

	rec, err := e.Lookup(0, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rec.Count, "refcount should be gone entirely, not a zero-count record")
}

func TestRefcountDecreaseBelowZeroIsCallerError(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.DecreaseRefcount(0, 4)
	assert.Error(t, err)
}

func TestRefcountGetRefcountSingleCluster(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.IncreaseRefcount(2, 1))
	count, err := e.GetRefcount(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	count, err = e.GetRefcount(99)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), count)
}

func TestIncrementTreeRefcountsWalksSourceLeaves(t *testing.T) {
	e, _ := newTestEngine(t)

	sourceBlk := refcount.InitBlock(2, 512)
	sourceRoot := &refcount.ExtentRoot{Blk: sourceBlk}
	sourceTree := extent.NewTree(newMemExtentStore(), sourceRoot)
	require.NoError(t, sourceTree.Insert(0, 0, 3, 0))
	require.NoError(t, sourceTree.Insert(3, 0, 2, 0))

	require.NoError(t, e.IncrementTreeRefcounts(sourceTree))

	rec, err := e.Lookup(0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Count)
	assert.Equal(t, uint32(5), rec.Clusters)
}
