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

package alloc_test

import (
	"testing"

	"github.com/markfasheh/ocfs2/alloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memGlobalStore struct {
	bitmap []byte
	total  uint32
	flushed uint32
}

func (m *memGlobalStore) Bitmap() []byte        { return m.bitmap }
func (m *memGlobalStore) TotalClusters() uint32 { return m.total }
func (m *memGlobalStore) Flush(free uint32) error {
	m.flushed = free
	return nil
}

func TestGlobalBitmapAllocatorBasic(t *testing.T) {
	store := &memGlobalStore{bitmap: make([]byte, 16), total: 128}
	a := alloc.NewGlobalBitmapAllocator(store, 128)

	first, count, err := a.NewClusters(4, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)
	assert.Equal(t, uint32(4), count)
	assert.Equal(t, uint32(124), a.Free())
	assert.Equal(t, uint32(124), store.flushed)

	require.NoError(t, a.FreeClusters(first, count))
	assert.Equal(t, uint32(128), a.Free())
}

func TestGlobalBitmapAllocatorFallsBackToLargestRun(t *testing.T) {
	store := &memGlobalStore{bitmap: make([]byte, 4), total: 32}
	a := alloc.NewGlobalBitmapAllocator(store, 32)

	bm := store.bitmap
	// Mark every bit set except a run of 6 starting at bit 10.
	for i := 0; i < 32; i++ {
		if i < 10 || i >= 16 {
			bm[i/8] |= 1 << uint(i%8)
		}
	}
	a = alloc.NewGlobalBitmapAllocator(store, 6)

	first, count, err := a.NewClusters(3, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), first)
	assert.Equal(t, uint32(6), count)
}

type memGroupStore struct {
	groups map[uint64]*alloc.GroupDescriptor
	next   uint64
}

func newMemGroupStore() *memGroupStore {
	return &memGroupStore{groups: make(map[uint64]*alloc.GroupDescriptor), next: 100}
}

func (s *memGroupStore) ReadGroup(blk uint64) (*alloc.GroupDescriptor, error) {
	g, ok := s.groups[blk]
	if !ok {
		panic("unknown group")
	}
	cp := *g
	cp.Bitmap = append([]byte(nil), g.Bitmap...)
	return &cp, nil
}

func (s *memGroupStore) WriteGroup(g *alloc.GroupDescriptor) error {
	cp := *g
	cp.Bitmap = append([]byte(nil), g.Bitmap...)
	s.groups[g.BlockNumber] = &cp
	return nil
}

// AllocateGroupBlock leaves room after each descriptor block for the
// group's bits, which ChainAllocator places at the blocks following it.
func (s *memGroupStore) AllocateGroupBlock() (uint64, error) {
	s.next += 100
	return s.next, nil
}

func TestChainAllocatorExtendsOnExhaustion(t *testing.T) {
	store := newMemGroupStore()
	list := &alloc.ChainList{
		BitsPerCluster:   1,
		ClustersPerGroup: 4,
		Chains:           []alloc.ChainRecord{{}},
	}
	ca := alloc.NewChainAllocator(store, list)

	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		blk, err := ca.NewExtentBlock()
		require.NoError(t, err)
		seen[blk] = true
	}
	// 4 allocations with 4-bit groups: all 4 come from the one group
	// created on the first call, one distinct block address per bit.
	assert.Len(t, seen, 4)
	assert.Equal(t, uint32(4), list.Chains[0].Total)
	assert.Equal(t, uint32(0), list.Chains[0].Free)

	// Exhausted: next allocation must extend with a fresh group.
	blk, err := ca.NewExtentBlock()
	require.NoError(t, err)
	assert.NotContains(t, seen, blk)
	assert.Equal(t, uint32(8), list.Chains[0].Total)
}
